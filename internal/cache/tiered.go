package cache

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/yatagarasu/yatagarasu/internal/fingerprint"
)

// Tiered composes a memory tier over a disk tier. Get consults memory
// first; on a memory miss it consults disk and, on a disk hit, promotes
// the entry into memory best-effort (a promotion failure is never
// surfaced to the caller). Put writes through to both tiers, honoring
// each tier's own max-item-size policy independently.
type Tiered struct {
	Memory Tier
	Disk   Tier // nil when the disk tier is disabled

	group singleflight.Group
}

// New builds a Tiered cache. disk may be nil to run memory-only.
func New(memory Tier, disk Tier) *Tiered {
	return &Tiered{Memory: memory, Disk: disk}
}

// Get implements the tiered read-through lookup described above.
func (c *Tiered) Get(ctx context.Context, key fingerprint.Fingerprint) (Entry, bool, error) {
	if entry, ok, err := c.Memory.Get(ctx, key); err != nil {
		return Entry{}, false, err
	} else if ok {
		return entry, true, nil
	}

	if c.Disk == nil {
		return Entry{}, false, nil
	}

	entry, ok, err := c.Disk.Get(ctx, key)
	if err != nil {
		return Entry{}, false, err
	}
	if !ok {
		return Entry{}, false, nil
	}

	// Best-effort promotion: a promotion failure must not affect what the
	// caller sees or block the response.
	_ = c.Memory.Put(ctx, key, entry)

	return entry, true, nil
}

// Put writes entry to memory and (if enabled) disk. Each tier applies its
// own size policy; a tier rejecting an oversized item is not an error.
func (c *Tiered) Put(ctx context.Context, key fingerprint.Fingerprint, entry Entry) error {
	if err := c.Memory.Put(ctx, key, entry); err != nil {
		return err
	}
	if c.Disk != nil {
		if err := c.Disk.Put(ctx, key, entry); err != nil {
			return err
		}
	}
	return nil
}

// Invalidate removes key from both tiers.
func (c *Tiered) Invalidate(ctx context.Context, key fingerprint.Fingerprint) error {
	if err := c.Memory.Invalidate(ctx, key); err != nil {
		return err
	}
	if c.Disk != nil {
		return c.Disk.Invalidate(ctx, key)
	}
	return nil
}

// Contains reports presence in either tier.
func (c *Tiered) Contains(ctx context.Context, key fingerprint.Fingerprint) bool {
	if c.Memory.Contains(ctx, key) {
		return true
	}
	return c.Disk != nil && c.Disk.Contains(ctx, key)
}

// SizeBytes sums both tiers' reported sizes.
func (c *Tiered) SizeBytes() int64 {
	total := c.Memory.SizeBytes()
	if c.Disk != nil {
		total += c.Disk.SizeBytes()
	}
	return total
}

// ItemCount sums both tiers' reported item counts.
func (c *Tiered) ItemCount() int64 {
	total := c.Memory.ItemCount()
	if c.Disk != nil {
		total += c.Disk.ItemCount()
	}
	return total
}

// Resolve coalesces concurrent cache misses for the same key onto one
// fetch(): the first caller for a given fingerprint runs fetch and writes
// its result to cache; late callers block until the leader finishes, then
// re-read from cache themselves (cheaper than cloning a potentially large
// body through the singleflight result channel, and correct even if the
// leader's write-through only reached one tier). If no tier kept the
// entry, every caller receives the leader's result; fetch is not run again.
func (c *Tiered) Resolve(ctx context.Context, key fingerprint.Fingerprint, fetch func(context.Context) (Entry, error)) (Entry, error) {
	if entry, ok, err := c.Get(ctx, key); err != nil {
		return Entry{}, err
	} else if ok {
		return entry, nil
	}

	groupKey := key.String()
	v, err, shared := c.group.Do(groupKey, func() (interface{}, error) {
		defer c.group.Forget(groupKey)

		entry, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		_ = c.Put(ctx, key, entry)
		return entry, nil
	})
	if err != nil {
		return Entry{}, err
	}

	if !shared {
		// No other caller shared this result: re-read from cache rather than trusting the
		// closure's return value directly, so a tier that rejected the
		// write (oversized item) is reflected consistently for everyone.
		if entry, ok, getErr := c.Get(ctx, key); getErr == nil && ok {
			return entry, nil
		}
	}

	entry, ok, getErr := c.Get(ctx, key)
	if getErr != nil {
		return Entry{}, getErr
	}
	if !ok {
		// The leader's fetch succeeded but every tier rejected the write
		// (e.g. oversized item): callers still need the bytes, so return
		// the single fetch's entry rather than a miss for what was, from
		// the client's perspective, a successful read.
		return v.(Entry), nil
	}
	return entry, nil
}
