// Package config contains the definition of the application config structure
// and the logic required to load and validate it. The recognised keys are a
// closed set: unknown keys in a config file are rejected at load time.
package config

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/viper"
)

// Modes accepted for the sidecar.
const (
	ModeObserve         = "observe"
	ModeRequireVerified = "require_verified"
)

// Config is the full botgate configuration.
type Config struct {
	// MaxSkewSec is the freshness window for the created parameter.
	MaxSkewSec int `mapstructure:"max_skew_sec" yaml:"max_skew_sec"`

	// NonceTTLSec is the replay window and nonce TTL.
	NonceTTLSec int `mapstructure:"nonce_ttl_sec" yaml:"nonce_ttl_sec"`

	// JWKSTTLSec is the default JWKS cache TTL when upstream gives no max-age.
	JWKSTTLSec int `mapstructure:"jwks_ttl_sec" yaml:"jwks_ttl_sec"`

	// JWKSMaxBytes caps JWKS response bodies.
	JWKSMaxBytes int64 `mapstructure:"jwks_max_bytes" yaml:"jwks_max_bytes"`

	// JWKSTimeoutMS is the JWKS fetch deadline in milliseconds.
	JWKSTimeoutMS int `mapstructure:"jwks_timeout_ms" yaml:"jwks_timeout_ms"`

	// TrustedDirectories is the allow-list of JWKS hostnames.
	TrustedDirectories []string `mapstructure:"trusted_directories" yaml:"trusted_directories"`

	// DiscoveryPaths is the ordered well-known path list probed for
	// identity URLs.
	DiscoveryPaths []string `mapstructure:"discovery_paths" yaml:"discovery_paths"`

	// Mode is the sidecar behaviour: observe or require_verified.
	Mode string `mapstructure:"mode" yaml:"mode"`

	// ProtectedPaths are the prefixes subject to verification in
	// require_verified mode.
	ProtectedPaths []string `mapstructure:"protected_paths" yaml:"protected_paths"`

	// TelemetryEnabled toggles the attempt recorder.
	TelemetryEnabled bool `mapstructure:"telemetry_enabled" yaml:"telemetry_enabled"`

	// RedisAddr enables the distributed nonce store and counters when set.
	RedisAddr string `mapstructure:"redis_addr" yaml:"redis_addr"`

	// RedisKeyPrefix namespaces all redis keys.
	RedisKeyPrefix string `mapstructure:"redis_key_prefix" yaml:"redis_key_prefix"`

	// AttemptLogPath is the SQLite file backing the durable telemetry log.
	// Empty disables the durable log.
	AttemptLogPath string `mapstructure:"attempt_log_path" yaml:"attempt_log_path"`

	// AllowPrivateNetworks disables the SSRF guard. Development only.
	AllowPrivateNetworks bool `mapstructure:"allow_private_networks" yaml:"allow_private_networks"`

	// AllowPlaintextHTTP permits http:// JWKS URLs. Development only.
	AllowPlaintextHTTP bool `mapstructure:"allow_plaintext_http" yaml:"allow_plaintext_http"`

	// TrustForwardedHeaders enables X-Forwarded-* hints from upstream
	// proxies when reconstructing the target URI.
	TrustForwardedHeaders bool `mapstructure:"trust_forwarded_headers" yaml:"trust_forwarded_headers"`

	// AllowJWKSOverride permits the per-request jwks_url override on the
	// verify RPC. Testing only.
	AllowJWKSOverride bool `mapstructure:"allow_jwks_override" yaml:"allow_jwks_override"`
}

// knownKeys is the closed set of recognised config file keys.
var knownKeys = map[string]bool{
	"max_skew_sec":            true,
	"nonce_ttl_sec":           true,
	"jwks_ttl_sec":            true,
	"jwks_max_bytes":          true,
	"jwks_timeout_ms":         true,
	"trusted_directories":     true,
	"discovery_paths":         true,
	"mode":                    true,
	"protected_paths":         true,
	"telemetry_enabled":       true,
	"redis_addr":              true,
	"redis_key_prefix":        true,
	"attempt_log_path":        true,
	"allow_private_networks":  true,
	"allow_plaintext_http":    true,
	"trust_forwarded_headers": true,
	"allow_jwks_override":     true,
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		MaxSkewSec:       300,
		NonceTTLSec:      600,
		JWKSTTLSec:       3600,
		JWKSMaxBytes:     1 << 20,
		JWKSTimeoutMS:    3000,
		Mode:             ModeObserve,
		TelemetryEnabled: true,
		RedisKeyPrefix:   "botgate:",
	}
}

// Load reads the config file at path (optional), applies environment
// overrides with the BOTGATE_ prefix, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("BOTGATE")
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := rejectUnknownKeys(v.AllKeys()); err != nil {
			return nil, err
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key with viper so that environment overrides
// are picked up even when the key is absent from the config file.
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("max_skew_sec", d.MaxSkewSec)
	v.SetDefault("nonce_ttl_sec", d.NonceTTLSec)
	v.SetDefault("jwks_ttl_sec", d.JWKSTTLSec)
	v.SetDefault("jwks_max_bytes", d.JWKSMaxBytes)
	v.SetDefault("jwks_timeout_ms", d.JWKSTimeoutMS)
	v.SetDefault("trusted_directories", d.TrustedDirectories)
	v.SetDefault("discovery_paths", d.DiscoveryPaths)
	v.SetDefault("mode", d.Mode)
	v.SetDefault("protected_paths", d.ProtectedPaths)
	v.SetDefault("telemetry_enabled", d.TelemetryEnabled)
	v.SetDefault("redis_addr", d.RedisAddr)
	v.SetDefault("redis_key_prefix", d.RedisKeyPrefix)
	v.SetDefault("attempt_log_path", d.AttemptLogPath)
	v.SetDefault("allow_private_networks", d.AllowPrivateNetworks)
	v.SetDefault("allow_plaintext_http", d.AllowPlaintextHTTP)
	v.SetDefault("trust_forwarded_headers", d.TrustForwardedHeaders)
	v.SetDefault("allow_jwks_override", d.AllowJWKSOverride)
}

func rejectUnknownKeys(keys []string) error {
	var unknown []string
	for _, key := range keys {
		if !knownKeys[key] {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	return fmt.Errorf("unknown configuration keys: %v", unknown)
}

// Validate checks enum and range constraints.
func (c *Config) Validate() error {
	if c.Mode != ModeObserve && c.Mode != ModeRequireVerified {
		return fmt.Errorf("invalid mode %q (valid modes: %s, %s)", c.Mode, ModeObserve, ModeRequireVerified)
	}
	if c.MaxSkewSec <= 0 {
		return fmt.Errorf("max_skew_sec must be positive, got %d", c.MaxSkewSec)
	}
	if c.NonceTTLSec <= 0 {
		return fmt.Errorf("nonce_ttl_sec must be positive, got %d", c.NonceTTLSec)
	}
	if c.JWKSTTLSec <= 0 {
		return fmt.Errorf("jwks_ttl_sec must be positive, got %d", c.JWKSTTLSec)
	}
	if c.JWKSMaxBytes <= 0 {
		return fmt.Errorf("jwks_max_bytes must be positive, got %d", c.JWKSMaxBytes)
	}
	if c.JWKSTimeoutMS <= 0 {
		return fmt.Errorf("jwks_timeout_ms must be positive, got %d", c.JWKSTimeoutMS)
	}
	return nil
}

// MaxSkew returns the skew window as a duration.
func (c *Config) MaxSkew() time.Duration {
	return time.Duration(c.MaxSkewSec) * time.Second
}

// NonceTTL returns the replay window as a duration.
func (c *Config) NonceTTL() time.Duration {
	return time.Duration(c.NonceTTLSec) * time.Second
}

// JWKSTTL returns the JWKS cache TTL as a duration.
func (c *Config) JWKSTTL() time.Duration {
	return time.Duration(c.JWKSTTLSec) * time.Second
}

// JWKSTimeout returns the JWKS fetch deadline as a duration.
func (c *Config) JWKSTimeout() time.Duration {
	return time.Duration(c.JWKSTimeoutMS) * time.Millisecond
}
