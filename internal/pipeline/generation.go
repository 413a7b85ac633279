// Package pipeline orchestrates one client request end to end: admission,
// parsing and sanitization, authentication, routing, cache lookup, the
// single-flight-coalesced origin fetch through the resilience chain, and
// response streaming.
package pipeline

import (
	"fmt"
	"net/http"
	"time"

	"github.com/yatagarasu/yatagarasu/internal/auth"
	"github.com/yatagarasu/yatagarasu/internal/config"
	"github.com/yatagarasu/yatagarasu/internal/resilience"
	"github.com/yatagarasu/yatagarasu/internal/router"
	"github.com/yatagarasu/yatagarasu/internal/sigv4"
)

// cachePolicy is a bucket's resolved cache behavior: global defaults
// layered with any per-bucket override.
type cachePolicy struct {
	Enabled        bool
	TTL            time.Duration
	MaxItemSize    int64
	Negative404TTL time.Duration
}

// Generation is one validated, immutable configuration snapshot: the
// router, per-bucket authenticators and origin transports, and resolved
// cache policy it implies. A new Generation is built on every successful
// reload and swapped in atomically; in-flight requests keep using the
// snapshot they acquired at admission time.
type Generation struct {
	Number int64
	Config *config.Config

	Router      *router.Router
	globalAuth  *auth.Authenticator
	bucketAuth  map[string]*auth.Authenticator
	transports  map[string]http.RoundTripper
	origins     map[string]config.S3OriginConfig
	cachePolicy map[string]cachePolicy
}

// BuildGeneration constructs a Generation from a validated config. The
// caller is responsible for calling cfg.Validate() first.
func BuildGeneration(cfg *config.Config, number int64) (*Generation, error) {
	gen := &Generation{
		Number:      number,
		Config:      cfg,
		Router:      router.New(cfg.Buckets),
		bucketAuth:  make(map[string]*auth.Authenticator, len(cfg.Buckets)),
		transports:  make(map[string]http.RoundTripper, len(cfg.Buckets)),
		origins:     make(map[string]config.S3OriginConfig, len(cfg.Buckets)),
		cachePolicy: make(map[string]cachePolicy, len(cfg.Buckets)),
	}

	if cfg.JWT.Enabled {
		a, err := auth.New(cfg.JWT)
		if err != nil {
			return nil, fmt.Errorf("building global authenticator: %w", err)
		}
		gen.globalAuth = a
	}

	globalCachePolicy := cachePolicy{
		Enabled:     true,
		TTL:         time.Duration(cfg.Cache.Memory.TTLSeconds) * time.Second,
		MaxItemSize: cfg.Cache.Memory.MaxCapacityBytes,
	}
	if cfg.Cache.Disk != nil && cfg.Cache.Disk.MaxItemSize > 0 {
		globalCachePolicy.MaxItemSize = cfg.Cache.Disk.MaxItemSize
	}

	for _, b := range cfg.Buckets {
		gen.origins[b.Name] = b.S3

		if b.Auth != nil && b.Auth.Enabled {
			a, err := auth.New(*b.Auth)
			if err != nil {
				return nil, fmt.Errorf("building authenticator for bucket %q: %w", b.Name, err)
			}
			gen.bucketAuth[b.Name] = a
		}

		policy := globalCachePolicy
		if b.Cache != nil {
			policy.Enabled = b.Cache.Enabled
			if b.Cache.TTLSeconds > 0 {
				policy.TTL = time.Duration(b.Cache.TTLSeconds) * time.Second
			}
			if b.Cache.MaxItemSize > 0 {
				policy.MaxItemSize = b.Cache.MaxItemSize
			}
			if b.Cache.Negative404TTL > 0 {
				policy.Negative404TTL = time.Duration(b.Cache.Negative404TTL) * time.Second
			}
		}
		gen.cachePolicy[b.Name] = policy

		transport, err := buildOriginTransport(b)
		if err != nil {
			return nil, fmt.Errorf("building origin transport for bucket %q: %w", b.Name, err)
		}
		gen.transports[b.Name] = transport
	}

	return gen, nil
}

// buildOriginTransport wires one bucket's outbound http.RoundTripper:
// pooled base transport -> SigV4 signing -> circuit breaker/retry/timeout.
func buildOriginTransport(b config.BucketConfig) (http.RoundTripper, error) {
	base := &http.Transport{
		MaxIdleConns:        b.S3.ConnectionPool.Size,
		MaxIdleConnsPerHost: b.S3.ConnectionPool.Size,
		MaxConnsPerHost:     b.S3.ConnectionPool.Size,
		IdleConnTimeout:     90 * time.Second,
	}
	if b.S3.ConnectionPool.MaxIdle > 0 {
		base.MaxIdleConnsPerHost = b.S3.ConnectionPool.MaxIdle
	}

	creds := sigv4.StaticCredentials(b.S3.AccessKey, b.S3.SecretKey)
	if b.S3.AccessKey == "" && b.S3.SecretKey == "" {
		creds = sigv4.DefaultChainCredentials(b.S3.Region)
	}
	signed := &sigv4.SigningTransport{
		Base:        base,
		Credentials: creds,
		Region:      b.S3.Region,
	}

	cb := b.S3.CircuitBreaker
	failureThreshold, successThreshold, halfOpen, cbTimeout := 5, 2, 1, 30*time.Second
	if cb != nil {
		failureThreshold = cb.FailureThreshold
		successThreshold = cb.SuccessThreshold
		halfOpen = cb.HalfOpenMaxRequests
		cbTimeout = time.Duration(cb.TimeoutSeconds) * time.Second
	}
	breaker := resilience.NewCircuitBreaker(uint32(failureThreshold), uint32(successThreshold), uint32(halfOpen), cbTimeout)

	retryPolicy := resilience.RetryPolicy{
		MaxAttempts:    b.S3.Retry.MaxAttempts,
		InitialBackoff: time.Duration(b.S3.Retry.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:     time.Duration(b.S3.Retry.MaxBackoffMs) * time.Millisecond,
		BucketName:     b.Name,
	}

	perAttemptTimeout := time.Duration(b.S3.TimeoutSeconds) * time.Second

	return resilience.Chain(signed, breaker, retryPolicy, perAttemptTimeout, b.Name), nil
}

// authenticatorFor returns the effective authenticator for a bucket: its
// own override if configured, else the global authenticator, else nil
// (meaning no authentication is required).
func (g *Generation) authenticatorFor(bucketName string) *auth.Authenticator {
	if a, ok := g.bucketAuth[bucketName]; ok {
		return a
	}
	return g.globalAuth
}

func (g *Generation) cachePolicyFor(bucketName string) cachePolicy {
	return g.cachePolicy[bucketName]
}

func (g *Generation) transportFor(bucketName string) http.RoundTripper {
	return g.transports[bucketName]
}

func (g *Generation) originFor(bucketName string) config.S3OriginConfig {
	return g.origins[bucketName]
}
