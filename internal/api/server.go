// Package api is the HTTP surface of the server: training-data ingest,
// stateless evaluation and replay, record lookup, health and metrics.
package api

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adtruth/server/internal/config"
	"github.com/adtruth/server/internal/detection"
	"github.com/adtruth/server/internal/fingerprint"
	"github.com/adtruth/server/internal/store"
)

// DefaultSite scopes records when no API keys are configured.
const DefaultSite = "default"

// Server holds the handler dependencies.
type Server struct {
	cfg       *config.Config
	catalogue *detection.Catalogue
	store     store.Store
	registry  *fingerprint.Registry
	validate  *validator.Validate
	sites     map[string]struct{}
	now       func() time.Time
	router    chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithRegistry shares a fingerprint registry between servers.
func WithRegistry(r *fingerprint.Registry) Option {
	return func(s *Server) {
		if r != nil {
			s.registry = r
		}
	}
}

// WithClock overrides the time source stamped on stored records.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// New builds the router. cfg must already be validated.
func New(cfg *config.Config, st store.Store, opts ...Option) *Server {
	registry := fingerprint.NewRegistry(
		fingerprint.WithTTL(cfg.Fingerprint.TTL),
		fingerprint.WithMaxEntries(cfg.Fingerprint.MaxEntries),
	)
	s := &Server{
		cfg:       cfg,
		catalogue: detection.NewCatalogue(cfg.Detection),
		store:     st,
		registry:  registry,
		validate:  validator.New(),
		sites:     make(map[string]struct{}, len(cfg.Security.APIKeys)),
		now:       time.Now,
	}
	for _, key := range cfg.Security.APIKeys {
		s.sites[SiteID(key)] = struct{}{}
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SiteID derives the record scope for an API key. The key itself is never
// stored.
func SiteID(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:8])
}

// ============================================================================
// Routes
// ============================================================================

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.cfg.Server.RequestTimeout))

	// Browser beacons arrive cross-origin.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.Security.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", apiKeyHeader},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.healthHandler())
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(httprate.Limit(
			s.cfg.Security.RateLimitRequests,
			s.cfg.Security.RateLimitWindow,
			httprate.WithKeyFuncs(httprate.KeyByIP, keyByAPIKey),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
			}),
		))
		r.Use(s.authenticate)

		r.Post("/evaluate", s.evaluateHandler())
		r.Post("/replay", s.replayHandler())

		r.Route("/training-data", func(r chi.Router) {
			r.Post("/", s.ingestHandler())
			r.Get("/recent", s.recentHandler())
			r.Get("/stats", s.statsHandler())
			r.Get("/{id}", s.recordHandler())
		})
	})

	return r
}
