// Package config loads server and collector configuration.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// environment variables. Environment variables use the ADTRUTH_ prefix with
// the section separated by the first underscore, so ADTRUTH_SERVER_PORT sets
// server.port and ADTRUTH_COLLECTOR_UPDATE_INTERVAL sets
// collector.update_interval. PORT and REDIS_URL are honoured as well.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/adtruth/server/internal/detection"
	"github.com/adtruth/server/internal/fingerprint"
)

const (
	// EnvPrefix prefixes every configuration environment variable.
	EnvPrefix = "ADTRUTH_"

	// ConfigPathEnvVar names a YAML file to load.
	ConfigPathEnvVar = "ADTRUTH_CONFIG"
)

// DefaultConfigPaths are tried in order when no path is given.
var DefaultConfigPaths = []string{"config.yaml", "/etc/adtruth/config.yaml"}

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete configuration.
type Config struct {
	Server      ServerConfig         `koanf:"server"`
	Redis       RedisConfig          `koanf:"redis"`
	Security    SecurityConfig       `koanf:"security"`
	Logging     LoggingConfig        `koanf:"logging"`
	Detection   detection.Thresholds `koanf:"detection"`
	Fingerprint FingerprintConfig    `koanf:"fingerprint"`
	Collector   CollectorConfig      `koanf:"collector"`
}

type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `koanf:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `koanf:"write_timeout" validate:"gt=0"`
	IdleTimeout     time.Duration `koanf:"idle_timeout" validate:"gt=0"`
	RequestTimeout  time.Duration `koanf:"request_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

// RedisConfig selects the training-data store. An empty URL means the
// in-memory store.
type RedisConfig struct {
	URL        string        `koanf:"url"`
	Password   string        `koanf:"password"`
	DB         int           `koanf:"db" validate:"gte=0,lte=15"`
	MaxRecords int           `koanf:"max_records" validate:"gt=0"`
	RecordTTL  time.Duration `koanf:"record_ttl" validate:"gte=0"`
}

type SecurityConfig struct {
	// APIKeys accepted by the ingest endpoints. Empty disables key checks.
	APIKeys           []string      `koanf:"api_keys" validate:"dive,min=8"`
	CORSOrigins       []string      `koanf:"cors_origins" validate:"min=1"`
	RateLimitRequests int           `koanf:"rate_limit_requests" validate:"gt=0"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window" validate:"gt=0"`
	MaxBodyBytes      int64         `koanf:"max_body_bytes" validate:"gt=0"`
}

type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

// FingerprintConfig bounds the in-memory fingerprint registry.
type FingerprintConfig struct {
	TTL           time.Duration `koanf:"ttl" validate:"gt=0"`
	MaxEntries    int           `koanf:"max_entries" validate:"gt=0"`
	SweepInterval time.Duration `koanf:"sweep_interval" validate:"gt=0"`
}

// CollectorConfig drives collectors and their transport.
type CollectorConfig struct {
	Endpoint         string        `koanf:"endpoint" validate:"omitempty,url"`
	APIKey           string        `koanf:"api_key"`
	CollectionWindow time.Duration `koanf:"collection_window" validate:"gt=0"`
	PeriodicUpdates  bool          `koanf:"periodic_updates"`
	UpdateInterval   time.Duration `koanf:"update_interval" validate:"gt=0"`
	RequestTimeout   time.Duration `koanf:"request_timeout" validate:"gt=0"`
	MaxPayloadBytes  int           `koanf:"max_payload_bytes" validate:"gt=0"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            3000,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Redis: RedisConfig{
			MaxRecords: 10000,
		},
		Security: SecurityConfig{
			CORSOrigins:       []string{"*"},
			RateLimitRequests: 120,
			RateLimitWindow:   time.Minute,
			MaxBodyBytes:      256 * 1024,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Detection: detection.DefaultThresholds(),
		Collector: CollectorConfig{
			CollectionWindow: 15 * time.Second,
			PeriodicUpdates:  false,
			UpdateInterval:   30 * time.Second,
			RequestTimeout:   5 * time.Second,
			MaxPayloadBytes:  60 * 1024,
		},
		Fingerprint: FingerprintConfig{
			TTL:           fingerprint.DefaultTTL,
			MaxEntries:    fingerprint.DefaultMaxEntries,
			SweepInterval: fingerprint.DefaultSweepInterval,
		},
	}
}

// Load builds the configuration. path may be empty, in which case
// $ADTRUTH_CONFIG and then DefaultConfigPaths are tried; a missing file is
// not an error unless path was given explicitly.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		return p
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

var sliceConfigPaths = []string{
	"security.api_keys",
	"security.cors_origins",
}

// processSliceFields splits comma-separated environment values for slice
// settings.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		str, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		parts := make([]string, 0)
		for _, p := range strings.Split(str, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(path, parts); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

// envTransformFunc maps an environment variable name to a koanf path, or
// returns "" to ignore it.
func envTransformFunc(key string) string {
	switch key {
	case "PORT":
		return "server.port"
	case "REDIS_URL":
		return "redis.url"
	case ConfigPathEnvVar:
		return ""
	}

	if !strings.HasPrefix(key, EnvPrefix) {
		return ""
	}
	rest := strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	section, field, ok := strings.Cut(rest, "_")
	if !ok || field == "" {
		return ""
	}
	return section + "." + field
}

// Validate checks the struct constraints.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed %q (value %v)", ErrInvalid, fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Addr returns the server listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
