package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adtruth/server/internal/api"
	"github.com/adtruth/server/internal/config"
	"github.com/adtruth/server/internal/fingerprint"
	"github.com/adtruth/server/internal/logging"
	"github.com/adtruth/server/internal/store"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code. Deferred cleanup runs before main exits.
func run() int {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	// Configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Err(err).Msg("failed to load configuration")
		return 1
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	// Training-data store
	st, err := openStore(cfg)
	if err != nil {
		logging.Err(err).Msg("failed to open store")
		return 1
	}
	defer st.Close()

	if len(cfg.Security.APIKeys) == 0 {
		logging.Warn().Msg("no API keys configured, ingest is open and shares one site")
	}

	// Fingerprint registry
	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	registry := fingerprint.NewRegistry(
		fingerprint.WithTTL(cfg.Fingerprint.TTL),
		fingerprint.WithMaxEntries(cfg.Fingerprint.MaxEntries),
	)
	go registry.Run(bgCtx, cfg.Fingerprint.SweepInterval)

	// Server
	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      api.New(cfg, st, api.WithRegistry(registry)).Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	if err := serve(srv, quit, cfg.Server.ShutdownTimeout); err != nil {
		logging.Err(err).Msg("server error")
		return 1
	}
	return 0
}

// serve runs srv until quit fires, then shuts down gracefully. A listener
// failure is returned immediately.
func serve(srv *http.Server, quit <-chan os.Signal, shutdownTimeout time.Duration) error {
	serveErr := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", srv.Addr).Msg("adtruth server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return err
	case <-quit:
	}

	logging.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// openStore picks Redis when a URL is configured and the in-memory store
// otherwise.
func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.Redis.URL == "" {
		logging.Info().Int("max_records", cfg.Redis.MaxRecords).Msg("using in-memory store")
		return store.NewMemoryStore(cfg.Redis.MaxRecords), nil
	}

	rs, err := store.NewRedisStore(store.RedisConfig{
		URL:        cfg.Redis.URL,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		MaxRecords: cfg.Redis.MaxRecords,
		RecordTTL:  cfg.Redis.RecordTTL,
	})
	if err != nil {
		return nil, err
	}
	return rs, nil
}
