// Package cache defines the tiered cache abstraction: a uniform
// get/put/invalidate interface implemented by a memory tier, a disk tier,
// and a TieredCache composition of the two with single-flight coalescing
// of concurrent misses.
package cache

import (
	"context"
	"time"

	"github.com/yatagarasu/yatagarasu/internal/fingerprint"
)

// Entry is a cached response: its payload plus the metadata that travels
// with it through every tier.
type Entry struct {
	Body          []byte
	ContentType   string
	ContentLength int64
	ETag          string
	LastModified  string
	StoredAt      time.Time
	TTL           time.Duration
	AccessCount   int64
	LastAccessed  time.Time

	// StatusCode is the origin status this entry represents. Zero means
	// 200 (the common case, left unset by most callers); a negative-cache
	// marker for a missing object sets it to 404.
	StatusCode int

	// Cacheable records whether the entry is allowed to remain cached once
	// stored. It travels with the entry itself (rather than living as a
	// local variable in whatever goroutine produced it) so that every
	// caller reading the entry back from Resolve — the single-flight
	// leader and every coalesced follower alike — sees the same verdict.
	Cacheable bool
}

// Expired reports whether the entry's TTL has elapsed as of now.
func (e Entry) Expired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return now.After(e.StoredAt.Add(e.TTL))
}

// Tier is the capability set every cache layer implements.
type Tier interface {
	Get(ctx context.Context, key fingerprint.Fingerprint) (Entry, bool, error)
	Put(ctx context.Context, key fingerprint.Fingerprint, entry Entry) error
	Invalidate(ctx context.Context, key fingerprint.Fingerprint) error
	Contains(ctx context.Context, key fingerprint.Fingerprint) bool
	SizeBytes() int64
	ItemCount() int64
}
