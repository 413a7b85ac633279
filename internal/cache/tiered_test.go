package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yatagarasu/yatagarasu/internal/cache/memtier"
	"github.com/yatagarasu/yatagarasu/internal/fingerprint"
)

func newTiered() *Tiered {
	return New(memtier.New(1<<20, time.Minute), nil)
}

func TestTieredGetMissThenPutThenHit(t *testing.T) {
	c := newTiered()
	ctx := context.Background()
	k := fingerprint.Compute("b", "/x", nil, "")

	if _, ok, _ := c.Get(ctx, k); ok {
		t.Fatalf("expected miss before Put")
	}

	if err := c.Put(ctx, k, Entry{Body: []byte("v")}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := c.Get(ctx, k)
	if err != nil || !ok {
		t.Fatalf("Get after Put: ok=%v err=%v", ok, err)
	}
	if string(got.Body) != "v" {
		t.Fatalf("Body = %q", got.Body)
	}
}

func TestResolveCoalescesConcurrentMisses(t *testing.T) {
	c := newTiered()
	ctx := context.Background()
	k := fingerprint.Compute("b", "/coalesce", nil, "")

	var calls atomic.Int32
	fetch := func(context.Context) (Entry, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return Entry{Body: []byte("origin")}, nil
	}

	var wg sync.WaitGroup
	results := make([]Entry, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entry, err := c.Resolve(ctx, k, fetch)
			if err != nil {
				t.Errorf("Resolve: %v", err)
				return
			}
			results[i] = entry
		}(i)
	}
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("fetch called %d times, want 1", calls.Load())
	}
	for i, r := range results {
		if string(r.Body) != "origin" {
			t.Fatalf("result[%d].Body = %q, want %q", i, r.Body, "origin")
		}
	}
}
