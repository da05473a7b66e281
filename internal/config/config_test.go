package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adtruth/server/internal/detection"
)

// isolate points the loader at an empty directory so a stray config.yaml
// does not leak into the test.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv(ConfigPathEnvVar, "")
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, detection.DefaultThresholds(), cfg.Detection)
	assert.Equal(t, 15*time.Second, cfg.Collector.CollectionWindow)
	assert.Equal(t, 30*time.Second, cfg.Collector.UpdateInterval)
	assert.Equal(t, 5*time.Second, cfg.Collector.RequestTimeout)
	assert.Equal(t, 61440, cfg.Collector.MaxPayloadBytes)
	assert.False(t, cfg.Collector.PeriodicUpdates)
	assert.Equal(t, 24*time.Hour, cfg.Fingerprint.TTL)
	assert.Equal(t, 100_000, cfg.Fingerprint.MaxEntries)
	assert.Equal(t, []string{"*"}, cfg.Security.CORSOrigins)
	assert.Empty(t, cfg.Redis.URL)
	assert.Equal(t, ":3000", cfg.Addr())
}

func TestLoad_File(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "adtruth.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 8088
  read_timeout: 5s
detection:
  superhuman_velocity: 4200
  ghost_min_time_ms: 20000
collector:
  endpoint: https://ingest.example.com/api/training-data
  periodic_updates: true
  update_interval: 10s
security:
  api_keys:
    - site-key-0001
    - site-key-0002
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8088, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 4200.0, cfg.Detection.SuperhumanVelocity)
	assert.Equal(t, int64(20000), cfg.Detection.GhostMinTimeMs)
	assert.Equal(t, int64(3000), cfg.Detection.FastExitMaxTimeMs)
	assert.True(t, cfg.Collector.PeriodicUpdates)
	assert.Equal(t, 10*time.Second, cfg.Collector.UpdateInterval)
	assert.Equal(t, []string{"site-key-0001", "site-key-0002"}, cfg.Security.APIKeys)
}

func TestLoad_ConfigPathFromEnv(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o600))
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "adtruth.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 8088\n"), 0o600))

	t.Setenv("ADTRUTH_SERVER_PORT", "9090")
	t.Setenv("ADTRUTH_COLLECTOR_COLLECTION_WINDOW", "20s")
	t.Setenv("ADTRUTH_SECURITY_API_KEYS", "key-aaaaaaaa, key-bbbbbbbb")
	t.Setenv("ADTRUTH_DETECTION_INSTANT_INTERACTION_MS", "150")
	t.Setenv("REDIS_URL", "redis://localhost:6379/2")
	t.Setenv("ADTRUTH_FINGERPRINT_MAX_ENTRIES", "5000")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 20*time.Second, cfg.Collector.CollectionWindow)
	assert.Equal(t, []string{"key-aaaaaaaa", "key-bbbbbbbb"}, cfg.Security.APIKeys)
	assert.Equal(t, int64(150), cfg.Detection.InstantInteractionMs)
	assert.Equal(t, "redis://localhost:6379/2", cfg.Redis.URL)
	assert.Equal(t, 5000, cfg.Fingerprint.MaxEntries)
}

func TestLoad_LegacyPort(t *testing.T) {
	isolate(t)
	t.Setenv("PORT", "4000")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 4000, cfg.Server.Port)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	isolate(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{name: "port out of range", mutate: func(c *Config) { c.Server.Port = 70000 }},
		{name: "unknown log level", mutate: func(c *Config) { c.Logging.Level = "verbose" }},
		{name: "short api key", mutate: func(c *Config) { c.Security.APIKeys = []string{"abc"} }},
		{name: "bad endpoint", mutate: func(c *Config) { c.Collector.Endpoint = "not a url" }},
		{name: "scroll depth above one", mutate: func(c *Config) { c.Detection.ImpossibleScrollDepth = 1.5 }},
		{name: "zero window", mutate: func(c *Config) { c.Collector.CollectionWindow = 0 }},
		{name: "zero fingerprint ttl", mutate: func(c *Config) { c.Fingerprint.TTL = 0 }},
		{name: "no cors origins", mutate: func(c *Config) { c.Security.CORSOrigins = nil }},
	}

	require.NoError(t, Default().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestEnvTransformFunc(t *testing.T) {
	assert.Equal(t, "server.port", envTransformFunc("ADTRUTH_SERVER_PORT"))
	assert.Equal(t, "collector.max_payload_bytes", envTransformFunc("ADTRUTH_COLLECTOR_MAX_PAYLOAD_BYTES"))
	assert.Equal(t, "redis.url", envTransformFunc("REDIS_URL"))
	assert.Empty(t, envTransformFunc("ADTRUTH_CONFIG"))
	assert.Empty(t, envTransformFunc("ADTRUTH_DEBUG"))
	assert.Empty(t, envTransformFunc("HOME"))
}
