package pipeline

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/yatagarasu/yatagarasu/internal/cache"
	"github.com/yatagarasu/yatagarasu/internal/fingerprint"
	"github.com/yatagarasu/yatagarasu/internal/metrics"
	"github.com/yatagarasu/yatagarasu/internal/perr"
	"github.com/yatagarasu/yatagarasu/internal/resource"
	"github.com/yatagarasu/yatagarasu/internal/router"
)

type requestIDContextKey struct{}

// requestIDFromContext returns the per-request ID stashed by Handle, or ""
// outside a request context (e.g. in a test calling fetchOrigin directly).
func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDContextKey{}).(string)
	return id
}

// forwardBufferSize bounds the copy buffer used when streaming an
// uncached (or oversized, or Range) origin response straight through to
// the client.
const forwardBufferSize = 64 << 10

// defaultCacheableStatuses is the status-code allow set gating whether a
// response may be written to cache. The spec leaves the exact default
// open ("200, 203, 300, 301, 404 per configured rules; default 200
// only"); since the config schema exposes no per-bucket status list,
// this implementation takes the literal default: 200 only.
var defaultCacheableStatuses = map[int]bool{http.StatusOK: true}

// Pipeline orchestrates every client-facing request against the active
// configuration Generation.
type Pipeline struct {
	gen atomic.Pointer[Generation]

	Cache     *cache.Tiered
	Admission *resource.Admission
	Resource  *resource.Monitor
}

// New builds a Pipeline around its first Generation.
func New(gen *Generation, c *cache.Tiered, admission *resource.Admission, monitor *resource.Monitor) *Pipeline {
	p := &Pipeline{Cache: c, Admission: admission, Resource: monitor}
	p.gen.Store(gen)
	metrics.ConfigGeneration.Set(float64(gen.Number))
	return p
}

// Generation returns the currently active configuration snapshot.
func (p *Pipeline) Generation() *Generation {
	return p.gen.Load()
}

// Swap installs a new Generation, making it visible to every request
// admitted afterward. In-flight requests keep the snapshot they already
// acquired.
func (p *Pipeline) Swap(gen *Generation) {
	p.gen.Store(gen)
	metrics.ConfigGeneration.Set(float64(gen.Number))
}

// Handle serves one client request end to end, steps 1-10 of the request
// pipeline.
func (p *Pipeline) Handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	metrics.RequestsTotal.Inc()

	// The server's requestIDMiddleware already assigned one upstream of
	// dispatch; reuse it so client-visible and origin-visible IDs match.
	// Only generate one here when Handle is invoked directly, as in tests.
	requestID := w.Header().Get("X-Request-Id")
	if requestID == "" {
		requestID = uuid.NewString()
		w.Header().Set("X-Request-Id", requestID)
	}
	r = r.WithContext(context.WithValue(r.Context(), requestIDContextKey{}, requestID))

	gen := p.gen.Load()

	if d := gen.Config.Server.RequestTimeout(); d > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), d)
		defer cancel()
		r = r.WithContext(ctx)
	}

	if p.Resource != nil && p.Resource.CurrentLevel() == resource.Exhausted {
		p.fail(w, perr.ErrOverloaded, start)
		return
	}

	release, ok := p.Admission.TryAcquire()
	if !ok {
		p.fail(w, perr.ErrOverloaded, start)
		return
	}
	defer release()

	if err := validateSizes(gen.Config.Server.Limits, r.URL.RequestURI(), r.ContentLength, r.Header); err != nil {
		p.fail(w, err.(*perr.ProxyError), start)
		return
	}

	if err := sanitizePath(r.URL.Path); err != nil {
		p.fail(w, err.(*perr.ProxyError), start)
		return
	}

	bucket, key, err := gen.Router.Resolve(r.URL.Path)
	if err != nil {
		p.fail(w, err.(*perr.ProxyError), start)
		return
	}

	if authr := gen.authenticatorFor(bucket.Name); authr != nil {
		if err := authr.Authenticate(r); err != nil {
			p.fail(w, err.(*perr.ProxyError), start)
			return
		}
	}

	policy := gen.cachePolicyFor(bucket.Name)
	isRange := r.Header.Get("Range") != ""
	cacheable := policy.Enabled && !isRange && r.Method == http.MethodGet

	if !cacheable {
		p.handleUncacheable(w, r, gen, bucket, key, start)
		return
	}

	fp := fingerprint.Compute(bucket.Name, key, r.URL.Query(), variantFor(r))
	p.handleCacheable(w, r, gen, bucket, key, fp, policy, start)
}

// handleCacheable serves a request whose response may be cached,
// coalescing concurrent misses for the same fingerprint through the
// tiered cache's single-flight Resolve.
func (p *Pipeline) handleCacheable(w http.ResponseWriter, r *http.Request, gen *Generation, bucket router.Bucket, key string, fp fingerprint.Fingerprint, policy cachePolicy, start time.Time) {
	getStart := time.Now()
	if entry, ok, err := p.Cache.Get(r.Context(), fp); err == nil && ok {
		metrics.CacheGetDuration.Observe(float64(time.Since(getStart).Microseconds()))
		metrics.CacheHitsTotal.WithLabelValues("tiered").Inc()
		p.respondFromEntry(w, r, bucket.Name, entry, start)
		return
	}
	metrics.CacheGetDuration.Observe(float64(time.Since(getStart).Microseconds()))
	metrics.CacheMissesTotal.Inc()

	entry, err := p.Cache.Resolve(r.Context(), fp, func(ctx context.Context) (cache.Entry, error) {
		resp, fetchErr := fetchOrigin(ctx, gen, bucket, key, r)
		if fetchErr != nil {
			if pe, ok := fetchErr.(*perr.ProxyError); ok && pe.Kind == perr.KindNotFound && policy.Negative404TTL > 0 {
				// Negative caching: remember that this key was missing so
				// the next request answers from cache instead of
				// round-tripping to the origin again.
				return cache.Entry{StatusCode: http.StatusNotFound, StoredAt: time.Now(), TTL: policy.Negative404TTL, Cacheable: true}, nil
			}
			return cache.Entry{}, fetchErr
		}
		defer resp.Body.Close()

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, policy.MaxItemSize+1))
		if readErr != nil {
			if readErr == context.Canceled || ctx.Err() != nil {
				return cache.Entry{}, perr.ErrInternal.WithField("reason", "client disconnect during origin read")
			}
			return cache.Entry{}, perr.ErrBadGateway.WithField("reason", readErr.Error())
		}

		return cache.Entry{
			Body:          body,
			ContentType:   resp.Header.Get("Content-Type"),
			ContentLength: int64(len(body)),
			ETag:          resp.Header.Get("ETag"),
			LastModified:  resp.Header.Get("Last-Modified"),
			StoredAt:      time.Now(),
			TTL:           policy.TTL,
			StatusCode:    http.StatusOK,
			Cacheable:     isCacheableResponse(resp, int64(len(body)), policy.MaxItemSize),
		}, nil
	})

	if err != nil {
		p.fail(w, perr.AsProxyError(err), start)
		return
	}

	if !entry.Cacheable {
		// The response arrived but wasn't actually cacheable (status
		// outside the allow set, Cache-Control forbade storage, or it
		// exceeded the size cap caught after the fact). entry.Cacheable
		// came back from Resolve's own cache read, so every caller for
		// this fingerprint — single-flight leader or coalesced follower
		// alike — sees the same verdict and agrees to drop it rather than
		// only the goroutine that happened to run the fetch.
		_ = p.Cache.Invalidate(r.Context(), fp)
	}

	p.respondFromEntry(w, r, bucket.Name, entry, start)
}

// respondFromEntry renders a resolved cache entry as the client response,
// honoring a negative-cache 404 marker and a matching conditional GET
// (If-None-Match / If-Modified-Since) before falling back to a full body.
func (p *Pipeline) respondFromEntry(w http.ResponseWriter, r *http.Request, bucketName string, entry cache.Entry, start time.Time) {
	if entry.StatusCode == http.StatusNotFound {
		metrics.ErrorsTotal.WithLabelValues(string(perr.KindNotFound)).Inc()
		perr.WriteError(w, perr.ErrOriginNotFound.WithField("bucket", bucketName))
		p.complete(bucketName, http.StatusNotFound, 0, start)
		return
	}

	if conditionalGETMatches(r, entry) {
		w.WriteHeader(http.StatusNotModified)
		p.complete(bucketName, http.StatusNotModified, 0, start)
		return
	}

	writeEntry(w, entry)
	p.complete(bucketName, http.StatusOK, entry.ContentLength, start)
}

// conditionalGETMatches reports whether the client's If-None-Match (or, in
// its absence, If-Modified-Since) matches a cached entry closely enough to
// answer with 304 instead of the full body.
func conditionalGETMatches(r *http.Request, entry cache.Entry) bool {
	if inm := r.Header.Get("If-None-Match"); inm != "" {
		return entry.ETag != "" && strings.Trim(inm, `"`) == strings.Trim(entry.ETag, `"`)
	}
	if ims := r.Header.Get("If-Modified-Since"); ims != "" && entry.LastModified != "" {
		return ims == entry.LastModified
	}
	return false
}

// handleUncacheable forwards a request straight through to the origin and
// streams the response back without ever touching the cache: Range
// requests, non-GET methods, and buckets with caching disabled all take
// this path.
func (p *Pipeline) handleUncacheable(w http.ResponseWriter, r *http.Request, gen *Generation, bucket router.Bucket, key string, start time.Time) {
	resp, err := fetchOrigin(r.Context(), gen, bucket, key, r)
	if err != nil {
		p.fail(w, perr.AsProxyError(err), start)
		return
	}
	defer resp.Body.Close()

	for _, name := range []string{"Content-Type", "Content-Length", "Content-Range", "ETag", "Last-Modified", "Accept-Ranges"} {
		if v := resp.Header.Get(name); v != "" {
			w.Header().Set(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	buf := make([]byte, forwardBufferSize)
	written, _ := io.CopyBuffer(w, resp.Body, buf)

	p.complete(bucket.Name, resp.StatusCode, written, start)
}

// variantFor derives the cache fingerprint's representation variant from
// the request: empty for a full-object GET, the raw Range header value for
// a ranged GET (ranges are never cached, but the variant keeps the key
// space well-formed if that policy changes).
func variantFor(r *http.Request) string {
	return r.Header.Get("Range")
}

// isCacheableResponse applies the cacheability gate: status in the allow
// set, Cache-Control doesn't forbid storage, and the body fits within the
// bucket's max item size.
func isCacheableResponse(resp *http.Response, bodyLen int64, maxItemSize int64) bool {
	if !defaultCacheableStatuses[resp.StatusCode] {
		return false
	}
	if bodyLen > maxItemSize {
		return false
	}
	cc := strings.ToLower(resp.Header.Get("Cache-Control"))
	if strings.Contains(cc, "no-store") || strings.Contains(cc, "private") {
		return false
	}
	return true
}

// writeEntry renders a cached Entry as the client response.
func writeEntry(w http.ResponseWriter, entry cache.Entry) {
	h := w.Header()
	if entry.ContentType != "" {
		h.Set("Content-Type", entry.ContentType)
	}
	if entry.ETag != "" {
		h.Set("ETag", entry.ETag)
	}
	if entry.LastModified != "" {
		h.Set("Last-Modified", entry.LastModified)
	}
	h.Set("Content-Length", strconv.FormatInt(entry.ContentLength, 10))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(entry.Body)
}

// fail writes a *perr.ProxyError to the client and records its metrics.
func (p *Pipeline) fail(w http.ResponseWriter, err *perr.ProxyError, start time.Time) {
	metrics.ErrorsTotal.WithLabelValues(string(err.Kind)).Inc()
	perr.WriteError(w, err)
	metrics.RequestDuration.Observe(float64(time.Since(start).Microseconds()))
}

func (p *Pipeline) complete(bucketName string, status int, bytes int64, start time.Time) {
	duration := time.Since(start)
	metrics.RequestDuration.Observe(float64(duration.Microseconds()))
	slog.Info("request complete",
		"bucket", bucketName,
		"status", status,
		"bytes", bytes,
		"duration_us", duration.Microseconds(),
	)
}
