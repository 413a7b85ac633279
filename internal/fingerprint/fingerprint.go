// Package fingerprint computes the 256-bit cache key for a cacheable
// request: a deterministic hash of bucket name, canonical path, canonical
// sorted query, and the representation variant (byte range, if any).
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// Fingerprint is the 256-bit cache key, hex-encoded for use as a disk path
// component and index key.
type Fingerprint [32]byte

// String returns the hex encoding used for blob paths and index records.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// ShardPrefix returns the two two-hex-character path components used to
// shard the disk blob tree (e.g. "ab", "cd" for "abcd...").
func (f Fingerprint) ShardPrefix() (string, string) {
	h := f.String()
	return h[0:2], h[2:4]
}

// Compute derives a Fingerprint from the bucket name, request path, query
// parameters, and a representation variant string (empty for a full-object
// GET; a normalized byte-range for a ranged GET; transform parameters for
// derived renditions). Query parameters are canonicalized by sorting keys
// and, within a key, their values, so differently-ordered but equivalent
// query strings collide onto the same fingerprint.
func Compute(bucket, path string, query url.Values, variant string) Fingerprint {
	var sb strings.Builder
	sb.WriteString(bucket)
	sb.WriteByte('\x00')
	sb.WriteString(path)
	sb.WriteByte('\x00')
	sb.WriteString(canonicalQuery(query))
	sb.WriteByte('\x00')
	sb.WriteString(variant)
	return sha256.Sum256([]byte(sb.String()))
}

// canonicalQuery renders query parameters sorted by key, then by value
// within each key, joined deterministically.
func canonicalQuery(query url.Values) string {
	if len(query) == 0 {
		return ""
	}
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		vals := append([]string(nil), query[k]...)
		sort.Strings(vals)
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(strings.Join(vals, ","))
	}
	return sb.String()
}
