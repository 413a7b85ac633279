// Package router resolves an incoming request path to the bucket whose
// path_prefix matches it, by longest prefix.
package router

import (
	"sort"
	"strings"

	"github.com/yatagarasu/yatagarasu/internal/config"
	"github.com/yatagarasu/yatagarasu/internal/perr"
)

// Bucket is the subset of bucket configuration the router and the rest of
// the pipeline need once a path has been resolved.
type Bucket struct {
	Name       string
	PathPrefix string
	Config     config.BucketConfig
}

// entry pairs a bucket with its prefix for the sorted lookup table.
type entry struct {
	prefix string
	bucket Bucket
}

// Router holds an immutable, prefix-length-descending ordered list of
// buckets. A Router is built once per configuration generation; reload
// builds a new one and swaps it in atomically alongside the rest of the
// generation's snapshot.
type Router struct {
	entries []entry
}

// New builds a Router from a generation's bucket list. Bucket prefixes are
// assumed already validated unique by config.Validate.
func New(buckets []config.BucketConfig) *Router {
	entries := make([]entry, len(buckets))
	for i, b := range buckets {
		entries[i] = entry{
			prefix: b.PathPrefix,
			bucket: Bucket{Name: b.Name, PathPrefix: b.PathPrefix, Config: b},
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return len(entries[i].prefix) > len(entries[j].prefix)
	})
	return &Router{entries: entries}
}

// Resolve returns the bucket whose path_prefix is the longest literal
// string match for path, and the remainder of path after the prefix (the
// object key). Prefixes are matched as raw string prefixes, not path-
// segment boundaries: prefix "/ab" matches path "/abcd/x" with remainder
// "cd/x". It fails with perr.ErrNoMatchingBucket when no prefix matches.
func (rt *Router) Resolve(path string) (Bucket, string, error) {
	for _, e := range rt.entries {
		if strings.HasPrefix(path, e.prefix) {
			return e.bucket, strings.TrimPrefix(path, e.prefix), nil
		}
	}
	return Bucket{}, "", perr.ErrNoMatchingBucket
}
