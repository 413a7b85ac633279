package pipeline

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/yatagarasu/yatagarasu/internal/cache"
	"github.com/yatagarasu/yatagarasu/internal/cache/memtier"
	"github.com/yatagarasu/yatagarasu/internal/config"
	"github.com/yatagarasu/yatagarasu/internal/resource"
)

func newTestPipeline(t *testing.T, originURL string) *Pipeline {
	t.Helper()

	u, err := url.Parse(originURL)
	if err != nil {
		t.Fatalf("parsing origin URL: %v", err)
	}

	cfg := &config.Config{
		Server: config.ServerConfig{
			MaxConcurrentRequests: 16,
			Limits: config.LimitsConfig{
				MaxRequestSize: 1 << 20,
				MaxHeaderSize:  1 << 16,
				MaxURILength:   2048,
			},
		},
		Buckets: []config.BucketConfig{
			{
				Name:       "assets",
				PathPrefix: "/assets",
				S3: config.S3OriginConfig{
					Bucket:         "my-bucket",
					Region:         "us-east-1",
					Endpoint:       u.Scheme + "://" + u.Host,
					AccessKey:      "AKIAEXAMPLE",
					SecretKey:      "secretkey",
					TimeoutSeconds: 5,
					Retry:          config.RetryConfig{MaxAttempts: 1, InitialBackoffMs: 10, MaxBackoffMs: 50},
				},
				Cache: &config.BucketCacheConfig{
					Enabled:        true,
					TTLSeconds:     60,
					MaxItemSize:    1 << 20,
					Negative404TTL: 30,
				},
			},
		},
		Cache: config.GlobalCacheConfig{
			Memory: config.MemoryCacheConfig{MaxCapacityBytes: 1 << 20, TTLSeconds: 60},
		},
	}

	gen, err := BuildGeneration(cfg, 1)
	if err != nil {
		t.Fatalf("BuildGeneration: %v", err)
	}

	mem := memtier.New(1<<20, 0)
	t.Cleanup(mem.Close)
	tiered := cache.New(mem, nil)

	admission := resource.NewAdmission(cfg.Server.MaxConcurrentRequests)

	return New(gen, tiered, admission, nil)
}

func TestHandleCacheMissThenHit(t *testing.T) {
	var originCalls int
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		originCalls++
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello world"))
	}))
	defer origin.Close()

	p := newTestPipeline(t, origin.URL)

	req := httptest.NewRequest(http.MethodGet, "/assets/file.txt", nil)
	rec := httptest.NewRecorder()
	p.Handle(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("first request: status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "hello world" {
		t.Fatalf("first request body = %q", rec.Body.String())
	}

	req2 := httptest.NewRequest(http.MethodGet, "/assets/file.txt", nil)
	rec2 := httptest.NewRecorder()
	p.Handle(rec2, req2)

	if rec2.Code != http.StatusOK {
		t.Fatalf("second request: status = %d", rec2.Code)
	}
	if rec2.Body.String() != "hello world" {
		t.Fatalf("second request body = %q", rec2.Body.String())
	}

	if originCalls != 1 {
		t.Fatalf("expected 1 origin call (second should be a cache hit), got %d", originCalls)
	}
}

func TestHandleNoMatchingBucket(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("origin should never be called for an unrouted path")
	}))
	defer origin.Close()

	p := newTestPipeline(t, origin.URL)

	req := httptest.NewRequest(http.MethodGet, "/nope/file.txt", nil)
	rec := httptest.NewRecorder()
	p.Handle(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleRejectsPathTraversal(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("origin should never be called for a sanitizer violation")
	}))
	defer origin.Close()

	p := newTestPipeline(t, origin.URL)

	req := httptest.NewRequest(http.MethodGet, "/assets/../etc/passwd", nil)
	rec := httptest.NewRecorder()
	p.Handle(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleRangeRequestStreamsUncached(t *testing.T) {
	var originCalls int
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		originCalls++
		if r.Header.Get("Range") == "" {
			t.Fatal("expected Range header to be forwarded")
		}
		w.Header().Set("Content-Range", "bytes 0-4/11")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("hello"))
	}))
	defer origin.Close()

	p := newTestPipeline(t, origin.URL)

	req := httptest.NewRequest(http.MethodGet, "/assets/file.txt", nil)
	req.Header.Set("Range", "bytes=0-4")
	rec := httptest.NewRecorder()
	p.Handle(rec, req)

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", rec.Code)
	}
	if rec.Body.String() != "hello" {
		t.Fatalf("body = %q", rec.Body.String())
	}

	req2 := httptest.NewRequest(http.MethodGet, "/assets/file.txt", nil)
	req2.Header.Set("Range", "bytes=0-4")
	rec2 := httptest.NewRecorder()
	p.Handle(rec2, req2)

	if originCalls != 2 {
		t.Fatalf("expected every Range request to reach the origin (never cached), got %d calls", originCalls)
	}
}

func TestHandleNegativeCachesOrigin404(t *testing.T) {
	var originCalls int
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		originCalls++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer origin.Close()

	p := newTestPipeline(t, origin.URL)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/assets/missing.txt", nil)
		rec := httptest.NewRecorder()
		p.Handle(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("request %d: status = %d, want 404", i, rec.Code)
		}
	}

	if originCalls != 1 {
		t.Fatalf("expected the second 404 to be answered from the negative cache, got %d origin calls", originCalls)
	}
}

func TestHandleConditionalGETReturnsNotModified(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"abc123"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello world"))
	}))
	defer origin.Close()

	p := newTestPipeline(t, origin.URL)

	req := httptest.NewRequest(http.MethodGet, "/assets/file.txt", nil)
	rec := httptest.NewRecorder()
	p.Handle(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: status = %d", rec.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/assets/file.txt", nil)
	req2.Header.Set("If-None-Match", `"abc123"`)
	rec2 := httptest.NewRecorder()
	p.Handle(rec2, req2)

	if rec2.Code != http.StatusNotModified {
		t.Fatalf("conditional request: status = %d, want 304", rec2.Code)
	}
	if rec2.Body.Len() != 0 {
		t.Fatalf("expected empty body on 304, got %q", rec2.Body.String())
	}
}
