package memtier

import (
	"context"
	"testing"
	"time"

	"github.com/yatagarasu/yatagarasu/internal/cache"
	"github.com/yatagarasu/yatagarasu/internal/fingerprint"
)

func key(s string) fingerprint.Fingerprint {
	return fingerprint.Compute("bucket", s, nil, "")
}

func TestPutThenGetRoundTrips(t *testing.T) {
	tier := New(1<<20, time.Minute)
	defer tier.Close()

	ctx := context.Background()
	k := key("/a")
	entry := cache.Entry{Body: []byte("hello"), ContentType: "text/plain"}

	if err := tier.Put(ctx, k, entry); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := tier.Get(ctx, k)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if string(got.Body) != "hello" {
		t.Fatalf("Body = %q, want %q", got.Body, "hello")
	}
}

func TestGetMissReturnsFalse(t *testing.T) {
	tier := New(1<<20, time.Minute)
	defer tier.Close()

	_, ok, err := tier.Get(context.Background(), key("/missing"))
	if err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
}

func TestOversizedItemRejectedSilently(t *testing.T) {
	tier := New(100, time.Minute)
	defer tier.Close()

	ctx := context.Background()
	k := key("/big")
	entry := cache.Entry{Body: make([]byte, 1000)}

	if err := tier.Put(ctx, k, entry); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if tier.Contains(ctx, k) {
		t.Fatalf("oversized item should not be stored")
	}
}

func TestExpiredEntryNotReturned(t *testing.T) {
	tier := New(1<<20, time.Millisecond)
	defer tier.Close()

	ctx := context.Background()
	k := key("/ttl")
	if err := tier.Put(ctx, k, cache.Entry{Body: []byte("x")}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	time.Sleep(5 * time.Millisecond)

	_, ok, _ := tier.Get(ctx, k)
	if ok {
		t.Fatalf("expected expired entry to miss")
	}
}

func TestInvalidateRemovesEntry(t *testing.T) {
	tier := New(1<<20, time.Minute)
	defer tier.Close()

	ctx := context.Background()
	k := key("/z")
	_ = tier.Put(ctx, k, cache.Entry{Body: []byte("z")})
	_ = tier.Invalidate(ctx, k)

	if tier.Contains(ctx, k) {
		t.Fatalf("expected entry removed after Invalidate")
	}
}

func TestSizeBytesNeverExceedsCapacityAtSteadyState(t *testing.T) {
	tier := New(shardCount*1024, time.Minute)
	defer tier.Close()

	ctx := context.Background()
	for i := 0; i < 200; i++ {
		k := key(string(rune('a' + i%26)))
		_ = tier.Put(ctx, k, cache.Entry{Body: make([]byte, 100)})
	}

	if tier.SizeBytes() > shardCount*1024 {
		t.Fatalf("SizeBytes() = %d exceeds capacity", tier.SizeBytes())
	}
}
