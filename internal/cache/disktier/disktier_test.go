package disktier

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/yatagarasu/yatagarasu/internal/cache"
	"github.com/yatagarasu/yatagarasu/internal/fingerprint"
)

func newTestTier(t *testing.T) (*Tier, string) {
	t.Helper()
	dir := t.TempDir()
	backend, err := NewPortableBackend(filepath.Join(dir, "blobs"), 4)
	if err != nil {
		t.Fatalf("NewPortableBackend: %v", err)
	}
	tier, err := Open(backend, filepath.Join(dir, "index.log"), 1<<20)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return tier, dir
}

func key(s string) fingerprint.Fingerprint {
	return fingerprint.Compute("bucket", s, nil, "")
}

func TestPutThenGetRoundTrips(t *testing.T) {
	tier, _ := newTestTier(t)
	ctx := context.Background()

	k := key("/a")
	want := cache.Entry{Body: []byte("hello world"), ContentType: "text/plain", ETag: `"abc"`}

	if err := tier.Put(ctx, k, want); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := tier.Get(ctx, k)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if string(got.Body) != "hello world" {
		t.Fatalf("Body = %q", got.Body)
	}
	if got.ETag != `"abc"` {
		t.Fatalf("ETag = %q", got.ETag)
	}
}

func TestGetMissForUnknownKey(t *testing.T) {
	tier, _ := newTestTier(t)
	_, ok, err := tier.Get(context.Background(), key("/missing"))
	if err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
}

func TestInvalidateRemovesEntry(t *testing.T) {
	tier, _ := newTestTier(t)
	ctx := context.Background()
	k := key("/b")

	_ = tier.Put(ctx, k, cache.Entry{Body: []byte("x")})
	if err := tier.Invalidate(ctx, k); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if tier.Contains(ctx, k) {
		t.Fatalf("expected entry removed after Invalidate")
	}
}

func TestCrashRecoveryReplaysIndexLog(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "index.log")
	blobDir := filepath.Join(dir, "blobs")

	backend, err := NewPortableBackend(blobDir, 4)
	if err != nil {
		t.Fatalf("NewPortableBackend: %v", err)
	}
	tier, err := Open(backend, logPath, 1<<20)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	ctx := context.Background()
	k := key("/persisted")
	if err := tier.Put(ctx, k, cache.Entry{Body: []byte("durable")}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Reopen against the same root to simulate a process restart.
	backend2, err := NewPortableBackend(blobDir, 4)
	if err != nil {
		t.Fatalf("NewPortableBackend (reopen): %v", err)
	}
	reopened, err := Open(backend2, logPath, 1<<20)
	if err != nil {
		t.Fatalf("Open (reopen): %v", err)
	}

	got, ok, err := reopened.Get(ctx, k)
	if err != nil || !ok {
		t.Fatalf("Get after reopen: ok=%v err=%v", ok, err)
	}
	if string(got.Body) != "durable" {
		t.Fatalf("Body after reopen = %q", got.Body)
	}
}

func TestSizeBytesTracksLiveEntries(t *testing.T) {
	tier, _ := newTestTier(t)
	ctx := context.Background()

	_ = tier.Put(ctx, key("/a"), cache.Entry{Body: make([]byte, 100)})
	_ = tier.Put(ctx, key("/b"), cache.Entry{Body: make([]byte, 200)})

	if got := tier.SizeBytes(); got != 300 {
		t.Fatalf("SizeBytes() = %d, want 300", got)
	}
	if got := tier.ItemCount(); got != 2 {
		t.Fatalf("ItemCount() = %d, want 2", got)
	}
}
