package router

import (
	"testing"

	"github.com/yatagarasu/yatagarasu/internal/config"
)

func buckets(pairs ...[2]string) []config.BucketConfig {
	out := make([]config.BucketConfig, len(pairs))
	for i, p := range pairs {
		out[i] = config.BucketConfig{Name: p[0], PathPrefix: p[1]}
	}
	return out
}

func TestResolveLongestPrefixWins(t *testing.T) {
	rt := New(buckets([2]string{"A", "/a"}, [2]string{"B", "/ab"}))

	b, remainder, err := rt.Resolve("/abcd/x")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if b.Name != "B" {
		t.Fatalf("resolved bucket = %q, want B", b.Name)
	}
	if remainder != "cd/x" {
		t.Fatalf("remainder = %q, want %q", remainder, "cd/x")
	}
}

func TestResolveNoMatch(t *testing.T) {
	rt := New(buckets([2]string{"A", "/a"}))
	_, _, err := rt.Resolve("/zzz")
	if err == nil {
		t.Fatalf("expected NoMatchingBucket error")
	}
}

func TestResolvePicksLongestAmongManyOverlapping(t *testing.T) {
	rt := New(buckets(
		[2]string{"short", "/x"},
		[2]string{"mid", "/x/y"},
		[2]string{"long", "/x/y/z"},
	))

	b, _, err := rt.Resolve("/x/y/z/file")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if b.Name != "long" {
		t.Fatalf("resolved bucket = %q, want long", b.Name)
	}
}
