// Package config holds the typed configuration tree for Yatagarasu, its
// YAML decoding, defaulting, and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level, immutable-within-a-generation configuration tree.
type Config struct {
	Server  ServerConfig      `yaml:"server"`
	Buckets []BucketConfig    `yaml:"buckets"`
	JWT     JWTConfig         `yaml:"jwt"`
	Cache    GlobalCacheConfig `yaml:"cache"`
	Metrics  MetricsConfig     `yaml:"metrics"`
	Logging  LoggingConfig     `yaml:"logging"`
	Resource ResourceConfig    `yaml:"resource"`
}

// ResourceConfig bounds what "100%" means for the resource monitor's
// pressure level, since the OS rarely exposes a hard ceiling directly.
type ResourceConfig struct {
	MaxFileDescriptors uint64 `yaml:"max_file_descriptors"`
	MaxRSSBytes        uint64 `yaml:"max_rss_bytes"`
	SampleIntervalMs   int    `yaml:"sample_interval_ms"`
}

// SampleInterval returns the resource monitor's poll period as a duration.
func (r ResourceConfig) SampleInterval() time.Duration {
	return time.Duration(r.SampleIntervalMs) * time.Millisecond
}

// ServerConfig holds listener and admission settings.
type ServerConfig struct {
	Address               string       `yaml:"address"`
	Port                  int          `yaml:"port"`
	Threads               int          `yaml:"threads"`
	RequestTimeoutSeconds int          `yaml:"request_timeout"`
	MaxConcurrentRequests int          `yaml:"max_concurrent_requests"`
	ShutdownGraceSeconds  int          `yaml:"shutdown_grace_seconds"`
	Limits                LimitsConfig `yaml:"limits"`
}

// LimitsConfig holds request size caps enforced before routing.
type LimitsConfig struct {
	MaxRequestSize int64 `yaml:"max_request_size"`
	MaxHeaderSize  int64 `yaml:"max_header_size"`
	MaxURILength   int   `yaml:"max_uri_length"`
}

// BucketConfig describes one path-prefix-to-origin-bucket mapping.
type BucketConfig struct {
	Name       string             `yaml:"name"`
	PathPrefix string             `yaml:"path_prefix"`
	S3         S3OriginConfig     `yaml:"s3"`
	Cache      *BucketCacheConfig `yaml:"cache"`
	Auth       *JWTConfig         `yaml:"auth"`
}

// S3OriginConfig describes the S3-compatible origin backing a bucket.
type S3OriginConfig struct {
	Bucket         string                `yaml:"bucket"`
	Region         string                `yaml:"region"`
	Endpoint       string                `yaml:"endpoint"`
	AccessKey      string                `yaml:"access_key"`
	SecretKey      string                `yaml:"secret_key"`
	TimeoutSeconds int                   `yaml:"timeout"`
	ConnectionPool ConnectionPoolConfig  `yaml:"connection_pool"`
	Retry          RetryConfig           `yaml:"retry"`
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ConnectionPoolConfig tunes the outbound HTTP transport's pool.
type ConnectionPoolConfig struct {
	Size    int `yaml:"size"`
	MaxIdle int `yaml:"max_idle"`
}

// RetryConfig tunes the resilience layer's retry policy for a bucket.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms"`
}

// CircuitBreakerConfig tunes the per-bucket circuit breaker.
type CircuitBreakerConfig struct {
	FailureThreshold    int `yaml:"failure_threshold"`
	SuccessThreshold    int `yaml:"success_threshold"`
	TimeoutSeconds      int `yaml:"timeout_seconds"`
	HalfOpenMaxRequests int `yaml:"half_open_max_requests"`
}

// BucketCacheConfig overrides cache policy for one bucket.
type BucketCacheConfig struct {
	Enabled        bool  `yaml:"enabled"`
	TTLSeconds     int   `yaml:"ttl_seconds"`
	MaxItemSize    int64 `yaml:"max_item_size"`
	Negative404TTL int   `yaml:"negative_404_ttl_seconds"`
}

// JWTConfig describes one JWT verification policy, usable globally or
// per-bucket as an override.
type JWTConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Algorithm    string        `yaml:"algorithm"`
	SecretOrJWKS string        `yaml:"secret_or_jwks"`
	Sources      []TokenSource `yaml:"sources"`
	Claims       []ClaimRule   `yaml:"claims"`
}

// TokenSource names one place to look for a bearer token, tried in order.
type TokenSource struct {
	Type string `yaml:"type"` // "header", "query"
	Name string `yaml:"name"` // header or query parameter name
}

// ClaimRule is a required claim-equality check.
type ClaimRule struct {
	Claim    string `yaml:"claim"`
	Operator string `yaml:"operator"` // "eq" is the only supported operator
	Value    string `yaml:"value"`
}

// GlobalCacheConfig holds the memory and disk tier settings shared across
// all buckets (per-bucket policy layers on top via BucketCacheConfig).
type GlobalCacheConfig struct {
	Memory MemoryCacheConfig `yaml:"memory"`
	Disk   *DiskCacheConfig  `yaml:"disk"`
}

// MemoryCacheConfig tunes the in-process memory tier.
type MemoryCacheConfig struct {
	MaxCapacityBytes int64 `yaml:"max_capacity"`
	TTLSeconds       int   `yaml:"ttl_seconds"`
}

// DiskCacheConfig tunes the on-disk tier. Nil means disk tier disabled.
type DiskCacheConfig struct {
	Path        string `yaml:"path"`
	MaxSize     int64  `yaml:"max_size"`
	MaxItemSize int64  `yaml:"max_item_size"`
}

// MetricsConfig holds the Prometheus scrape endpoint's own bind address.
type MetricsConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RequestTimeout returns the server-wide request timeout as a duration.
func (s ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutSeconds) * time.Second
}

// ShutdownGrace returns the graceful-shutdown drain window.
func (s ServerConfig) ShutdownGrace() time.Duration {
	return time.Duration(s.ShutdownGraceSeconds) * time.Second
}

// Addr returns "host:port" for net.Listen.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Address, s.Port)
}

// ValidateAgainstRunning checks that fields requiring a restart have not
// changed between the running config and a reload candidate.
func (c *Config) ValidateAgainstRunning(running *Config) error {
	if running == nil {
		return nil
	}
	if c.Server.Address != running.Server.Address || c.Server.Port != running.Server.Port {
		return fmt.Errorf("cannot hot-reload server.address/server.port, restart required")
	}
	if c.Server.Threads != running.Server.Threads {
		return fmt.Errorf("cannot hot-reload server.threads, restart required")
	}
	return nil
}

// Validate checks structural invariants that must hold for any generation,
// independent of the previously running config.
func (c *Config) Validate() error {
	if len(c.Buckets) == 0 {
		return fmt.Errorf("at least one bucket must be configured")
	}

	names := make(map[string]bool, len(c.Buckets))
	prefixes := make(map[string]bool, len(c.Buckets))
	for i, b := range c.Buckets {
		if b.Name == "" {
			return fmt.Errorf("buckets[%d]: name is required", i)
		}
		if names[b.Name] {
			return fmt.Errorf("buckets[%d]: duplicate bucket name %q", i, b.Name)
		}
		names[b.Name] = true

		if b.PathPrefix == "" {
			return fmt.Errorf("bucket %q: path_prefix is required", b.Name)
		}
		if !strings.HasPrefix(b.PathPrefix, "/") {
			return fmt.Errorf("bucket %q: path_prefix must start with '/'", b.Name)
		}
		if prefixes[b.PathPrefix] {
			return fmt.Errorf("bucket %q: duplicate path_prefix %q", b.Name, b.PathPrefix)
		}
		prefixes[b.PathPrefix] = true

		if b.S3.Bucket == "" {
			return fmt.Errorf("bucket %q: s3.bucket is required", b.Name)
		}
		if b.S3.Endpoint == "" {
			return fmt.Errorf("bucket %q: s3.endpoint is required", b.Name)
		}
		if cb := b.S3.CircuitBreaker; cb != nil {
			if cb.FailureThreshold <= 0 {
				return fmt.Errorf("bucket %q: circuit_breaker.failure_threshold must be > 0", b.Name)
			}
			if cb.SuccessThreshold <= 0 {
				return fmt.Errorf("bucket %q: circuit_breaker.success_threshold must be > 0", b.Name)
			}
		}
		if err := validateJWTConfig(b.Auth, fmt.Sprintf("bucket %q auth", b.Name)); err != nil {
			return err
		}
	}

	if err := validateJWTConfig(&c.JWT, "jwt"); err != nil {
		return err
	}

	if c.Cache.Memory.MaxCapacityBytes <= 0 {
		return fmt.Errorf("cache.memory.max_capacity must be > 0")
	}
	if c.Cache.Disk != nil && c.Cache.Disk.MaxSize <= 0 {
		return fmt.Errorf("cache.disk.max_size must be > 0 when disk cache is configured")
	}

	if c.Server.MaxConcurrentRequests <= 0 {
		return fmt.Errorf("server.max_concurrent_requests must be > 0")
	}

	return nil
}

func validateJWTConfig(j *JWTConfig, label string) error {
	if j == nil || !j.Enabled {
		return nil
	}
	switch j.Algorithm {
	case "HS256", "HS384", "HS512", "RS256", "RS384", "RS512", "ES256", "ES384":
	default:
		return fmt.Errorf("%s: unsupported algorithm %q", label, j.Algorithm)
	}
	if j.SecretOrJWKS == "" {
		return fmt.Errorf("%s: secret_or_jwks is required when jwt is enabled", label)
	}
	if len(j.Sources) == 0 {
		return fmt.Errorf("%s: at least one token source is required when jwt is enabled", label)
	}
	return nil
}

// Load reads a YAML configuration file, applies defaults, and returns the
// parsed Config. It does not validate; call Validate separately so callers
// can distinguish "file/parse error" (fatal at startup) from "validation
// error" (recoverable: keep serving the previous generation on reload).
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:               "0.0.0.0",
			Port:                  8080,
			Threads:               0,
			RequestTimeoutSeconds: 30,
			MaxConcurrentRequests: 512,
			ShutdownGraceSeconds:  30,
			Limits: LimitsConfig{
				MaxRequestSize: 10 << 20,
				MaxHeaderSize:  1 << 20,
				MaxURILength:   8192,
			},
		},
		Cache: GlobalCacheConfig{
			Memory: MemoryCacheConfig{
				MaxCapacityBytes: 256 << 20,
				TTLSeconds:       300,
			},
		},
		Metrics: MetricsConfig{
			Address: "0.0.0.0",
			Port:    9090,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Resource: ResourceConfig{
			MaxFileDescriptors: 65536,
			MaxRSSBytes:        2 << 30,
			SampleIntervalMs:   2000,
		},
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RequestTimeoutSeconds == 0 {
		cfg.Server.RequestTimeoutSeconds = 30
	}
	if cfg.Server.MaxConcurrentRequests == 0 {
		cfg.Server.MaxConcurrentRequests = 512
	}
	if cfg.Server.ShutdownGraceSeconds == 0 {
		cfg.Server.ShutdownGraceSeconds = 30
	}
	if cfg.Server.Limits.MaxRequestSize == 0 {
		cfg.Server.Limits.MaxRequestSize = 10 << 20
	}
	if cfg.Server.Limits.MaxHeaderSize == 0 {
		cfg.Server.Limits.MaxHeaderSize = 1 << 20
	}
	if cfg.Server.Limits.MaxURILength == 0 {
		cfg.Server.Limits.MaxURILength = 8192
	}
	if cfg.Cache.Memory.MaxCapacityBytes == 0 {
		cfg.Cache.Memory.MaxCapacityBytes = 256 << 20
	}
	if cfg.Cache.Memory.TTLSeconds == 0 {
		cfg.Cache.Memory.TTLSeconds = 300
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Resource.MaxFileDescriptors == 0 {
		cfg.Resource.MaxFileDescriptors = 65536
	}
	if cfg.Resource.MaxRSSBytes == 0 {
		cfg.Resource.MaxRSSBytes = 2 << 30
	}
	if cfg.Resource.SampleIntervalMs == 0 {
		cfg.Resource.SampleIntervalMs = 2000
	}
	for i := range cfg.Buckets {
		b := &cfg.Buckets[i]
		if b.S3.Region == "" {
			b.S3.Region = "us-east-1"
		}
		if b.S3.TimeoutSeconds == 0 {
			b.S3.TimeoutSeconds = 20
		}
		if b.S3.Retry.MaxAttempts == 0 {
			b.S3.Retry.MaxAttempts = 3
		}
		if b.S3.Retry.InitialBackoffMs == 0 {
			b.S3.Retry.InitialBackoffMs = 100
		}
		if b.S3.Retry.MaxBackoffMs == 0 {
			b.S3.Retry.MaxBackoffMs = 2000
		}
		if b.S3.ConnectionPool.Size == 0 {
			b.S3.ConnectionPool.Size = 32
		}
		if cb := b.S3.CircuitBreaker; cb != nil {
			if cb.TimeoutSeconds == 0 {
				cb.TimeoutSeconds = 30
			}
			if cb.HalfOpenMaxRequests == 0 {
				cb.HalfOpenMaxRequests = 1
			}
		}
	}
}
