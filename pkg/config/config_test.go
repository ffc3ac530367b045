package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 300, cfg.MaxSkewSec)
	assert.Equal(t, 600, cfg.NonceTTLSec)
	assert.Equal(t, 3600, cfg.JWKSTTLSec)
	assert.Equal(t, int64(1<<20), cfg.JWKSMaxBytes)
	assert.Equal(t, 3000, cfg.JWKSTimeoutMS)
	assert.Equal(t, ModeObserve, cfg.Mode)
	assert.True(t, cfg.TelemetryEnabled)
	assert.Equal(t, "botgate:", cfg.RedisKeyPrefix)
	assert.Empty(t, cfg.TrustedDirectories)
	assert.False(t, cfg.AllowPrivateNetworks)
	assert.False(t, cfg.AllowJWKSOverride)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
max_skew_sec: 120
mode: require_verified
protected_paths:
  - /api
  - /admin
trusted_directories:
  - idp.example
redis_addr: localhost:6379
telemetry_enabled: false
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 120, cfg.MaxSkewSec)
	assert.Equal(t, ModeRequireVerified, cfg.Mode)
	assert.Equal(t, []string{"/api", "/admin"}, cfg.ProtectedPaths)
	assert.Equal(t, []string{"idp.example"}, cfg.TrustedDirectories)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.False(t, cfg.TelemetryEnabled)

	// Untouched keys keep their defaults.
	assert.Equal(t, 600, cfg.NonceTTLSec)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
max_skew_sec: 120
max_skew: 120
nonce_window: 600
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown configuration keys")
	assert.Contains(t, err.Error(), "max_skew")
	assert.Contains(t, err.Error(), "nonce_window")
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("BOTGATE_MODE", "require_verified")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ModeRequireVerified, cfg.Mode)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() *Config { return Default() }

	t.Run("defaults validate", func(t *testing.T) {
		t.Parallel()
		assert.NoError(t, valid().Validate())
	})

	t.Run("invalid mode", func(t *testing.T) {
		t.Parallel()
		cfg := valid()
		cfg.Mode = "enforce"
		assert.Error(t, cfg.Validate())
	})

	t.Run("non-positive windows", func(t *testing.T) {
		t.Parallel()
		for _, mutate := range []func(*Config){
			func(c *Config) { c.MaxSkewSec = 0 },
			func(c *Config) { c.NonceTTLSec = -1 },
			func(c *Config) { c.JWKSTTLSec = 0 },
			func(c *Config) { c.JWKSMaxBytes = 0 },
			func(c *Config) { c.JWKSTimeoutMS = 0 },
		} {
			cfg := valid()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		}
	})
}

func TestDurationHelpers(t *testing.T) {
	t.Parallel()

	cfg := Default()
	assert.Equal(t, 5*time.Minute, cfg.MaxSkew())
	assert.Equal(t, 10*time.Minute, cfg.NonceTTL())
	assert.Equal(t, time.Hour, cfg.JWKSTTL())
	assert.Equal(t, 3*time.Second, cfg.JWKSTimeout())
}
