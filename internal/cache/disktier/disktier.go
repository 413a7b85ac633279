package disktier

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/yatagarasu/yatagarasu/internal/cache"
	"github.com/yatagarasu/yatagarasu/internal/fingerprint"
)

// Watermarks control background eviction: eviction starts once SizeBytes
// reaches highWatermarkFrac of maxSize and runs until it reaches
// lowWatermarkFrac.
const (
	highWatermarkFrac = 0.95
	lowWatermarkFrac  = 0.85
)

// Tier is the on-disk cache tier. It implements cache.Tier over a Backend
// plus an append-only index log, with per-fingerprint keyed locking so at
// most one writer touches a given blob at a time.
type Tier struct {
	backend Backend
	index   *index
	maxSize int64

	keyLocksMu sync.Mutex
	keyLocks   map[fingerprint.Fingerprint]*sync.Mutex

	evictMu sync.Mutex // serializes eviction passes
}

// Open mounts a disk tier at the given Backend, replaying its index log
// for crash recovery and then compacting the log. Blob files that no index
// entry references (such as one left by a write that crashed after the
// rename but before its index record was durable) are not removed; they
// stay on disk and are not counted in SizeBytes.
func Open(backend Backend, logPath string, maxSize int64) (*Tier, error) {
	idx, err := openIndex(logPath)
	if err != nil {
		return nil, fmt.Errorf("opening disk cache index: %w", err)
	}

	t := &Tier{
		backend:  backend,
		index:    idx,
		maxSize:  maxSize,
		keyLocks: make(map[fingerprint.Fingerprint]*sync.Mutex),
	}

	if err := t.recover(); err != nil {
		return nil, err
	}

	if err := idx.compact(); err != nil {
		return nil, fmt.Errorf("compacting disk cache index after recovery: %w", err)
	}

	return t, nil
}

// recover verifies every index entry's blob exists with the recorded
// size; entries whose blob is missing or size-mismatched are dropped from
// the index. Blob files are not touched: a size-mismatched blob and any
// blob no entry references remain on disk. (PortableBackend.CleanTempFiles
// removes only leftover staging files, not blobs.)
func (t *Tier) recover() error {
	ctx := context.Background()
	for _, e := range t.index.oldestFirst() {
		st, err := t.backend.Stat(ctx, e.Rec.RelPath)
		if err != nil || st.Size != e.Rec.Size {
			_ = t.index.remove(e.Key)
		}
	}
	return nil
}

func (t *Tier) lockFor(key fingerprint.Fingerprint) *sync.Mutex {
	t.keyLocksMu.Lock()
	defer t.keyLocksMu.Unlock()
	l, ok := t.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		t.keyLocks[key] = l
	}
	return l
}

func (t *Tier) releaseLockFor(key fingerprint.Fingerprint) {
	t.keyLocksMu.Lock()
	defer t.keyLocksMu.Unlock()
	delete(t.keyLocks, key)
}

func blobPath(key fingerprint.Fingerprint) string {
	a, b := key.ShardPrefix()
	return filepath.Join(a, b, key.String()+".blob")
}

// Get looks up key in the index, opens the blob, and verifies its on-disk
// size matches the indexed size; a mismatch evicts the entry and reports a
// miss rather than returning corrupt bytes.
func (t *Tier) Get(ctx context.Context, key fingerprint.Fingerprint) (cache.Entry, bool, error) {
	rec, ok := t.index.get(key)
	if !ok {
		return cache.Entry{}, false, nil
	}

	if time.Duration(rec.TTL) > 0 {
		ttl := time.Duration(rec.TTL) * time.Second
		if time.Now().After(rec.CreatedAt.Add(ttl)) {
			_ = t.index.remove(key)
			_ = t.backend.Remove(ctx, rec.RelPath)
			return cache.Entry{}, false, nil
		}
	}

	data, err := t.backend.ReadAll(ctx, rec.RelPath)
	if err != nil {
		_ = t.index.remove(key)
		return cache.Entry{}, false, nil
	}
	if int64(len(data)) != rec.Size {
		_ = t.index.remove(key)
		_ = t.backend.Remove(ctx, rec.RelPath)
		return cache.Entry{}, false, nil
	}

	t.index.touch(key, time.Now())

	return cache.Entry{
		Body:          data,
		ContentType:   rec.ContentType,
		ContentLength: rec.Size,
		ETag:          rec.ETag,
		LastModified:  rec.LastModified,
		StoredAt:      rec.CreatedAt,
		TTL:           time.Duration(rec.TTL) * time.Second,
		LastAccessed:  time.Now(),
	}, true, nil
}

// Put writes entry's bytes to a new blob via the backend's atomic path,
// then appends a durable index record. Only after both steps succeed is
// the entry visible to Get. A single writer is guaranteed per key by the
// keyed lock map; concurrent writers for distinct keys never block each
// other.
func (t *Tier) Put(ctx context.Context, key fingerprint.Fingerprint, entry cache.Entry) error {
	lock := t.lockFor(key)
	lock.Lock()
	defer func() {
		lock.Unlock()
		t.releaseLockFor(key)
	}()

	relPath := blobPath(key)
	if err := t.backend.WriteNewAtomic(ctx, relPath, entry.Body); err != nil {
		return fmt.Errorf("writing cache blob: %w", err)
	}
	if err := t.backend.FsyncDir(ctx, relPath); err != nil {
		return fmt.Errorf("fsyncing cache blob directory: %w", err)
	}

	now := time.Now()
	rec := indexRecord{
		RelPath:      relPath,
		Size:         int64(len(entry.Body)),
		CreatedAt:    now,
		AccessedAt:   now,
		TTL:          int64(entry.TTL / time.Second),
		ContentType:  entry.ContentType,
		ETag:         entry.ETag,
		LastModified: entry.LastModified,
	}
	if err := t.index.put(key, rec); err != nil {
		_ = t.backend.Remove(ctx, relPath)
		return fmt.Errorf("recording cache index entry: %w", err)
	}

	go t.evictIfOverHighWatermark()

	return nil
}

// Invalidate removes key's index entry and blob, if present.
func (t *Tier) Invalidate(ctx context.Context, key fingerprint.Fingerprint) error {
	rec, ok := t.index.get(key)
	if !ok {
		return nil
	}
	if err := t.index.remove(key); err != nil {
		return err
	}
	return t.backend.Remove(ctx, rec.RelPath)
}

// Contains reports whether key has a live, unexpired index entry.
func (t *Tier) Contains(_ context.Context, key fingerprint.Fingerprint) bool {
	rec, ok := t.index.get(key)
	if !ok {
		return false
	}
	if time.Duration(rec.TTL) > 0 {
		ttl := time.Duration(rec.TTL) * time.Second
		if time.Now().After(rec.CreatedAt.Add(ttl)) {
			return false
		}
	}
	return true
}

// SizeBytes returns the sum of every live entry's recorded size.
func (t *Tier) SizeBytes() int64 { return t.index.totalBytes() }

// ItemCount returns the number of live index entries.
func (t *Tier) ItemCount() int64 { return t.index.count() }

// evictIfOverHighWatermark runs a background eviction pass when SizeBytes
// has crossed highWatermarkFrac of maxSize, removing entries oldest-
// accessed-first until it falls to lowWatermarkFrac. This background pass,
// started after each Put, is the only eviction path: no writer evicts
// synchronously, so usage can exceed maxSize until the pass has run.
func (t *Tier) evictIfOverHighWatermark() {
	if t.maxSize <= 0 {
		return
	}
	high := int64(float64(t.maxSize) * highWatermarkFrac)
	if t.SizeBytes() < high {
		return
	}

	t.evictMu.Lock()
	defer t.evictMu.Unlock()

	low := int64(float64(t.maxSize) * lowWatermarkFrac)
	ctx := context.Background()
	for _, e := range t.index.oldestFirst() {
		if t.SizeBytes() <= low {
			return
		}
		if err := t.index.remove(e.Key); err != nil {
			continue
		}
		_ = t.backend.Remove(ctx, e.Rec.RelPath)
		_ = t.backend.FsyncDir(ctx, e.Rec.RelPath)
	}
}
