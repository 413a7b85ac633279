package fingerprint

import (
	"net/url"
	"testing"
)

func TestComputeIsDeterministic(t *testing.T) {
	q := url.Values{"b": {"2"}, "a": {"1"}}
	f1 := Compute("bucket", "/k", q, "")
	f2 := Compute("bucket", "/k", q, "")
	if f1 != f2 {
		t.Fatalf("Compute is not deterministic")
	}
}

func TestComputeQueryOrderInsensitive(t *testing.T) {
	q1 := url.Values{"a": {"1"}, "b": {"2"}}
	q2 := url.Values{"b": {"2"}, "a": {"1"}}
	if Compute("bucket", "/k", q1, "") != Compute("bucket", "/k", q2, "") {
		t.Fatalf("fingerprint should be invariant to query parameter ordering")
	}
}

func TestComputeDistinctVariantsDiffer(t *testing.T) {
	q := url.Values{}
	full := Compute("bucket", "/k", q, "")
	ranged := Compute("bucket", "/k", q, "bytes=0-99")
	if full == ranged {
		t.Fatalf("full object and byte-range variant must not collide")
	}
}

func TestComputeDistinctBucketsDiffer(t *testing.T) {
	q := url.Values{}
	if Compute("a", "/k", q, "") == Compute("b", "/k", q, "") {
		t.Fatalf("fingerprints for distinct buckets must not collide")
	}
}

func TestShardPrefixLength(t *testing.T) {
	f := Compute("bucket", "/k", url.Values{}, "")
	a, b := f.ShardPrefix()
	if len(a) != 2 || len(b) != 2 {
		t.Fatalf("ShardPrefix() = (%q, %q), want two 2-char components", a, b)
	}
}
