package resilience

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// TestChainCircuitBreakerOpensAfterThreshold exercises the literal
// scenario: an origin failing continuously with failure_threshold=5 must
// let exactly 5 client requests reach the origin and fail (502/503); the
// 6th request is rejected by the open breaker with no origin call; after
// the breaker's timeout elapses, the next request is admitted as a single
// half-open probe.
func TestChainCircuitBreakerOpensAfterThreshold(t *testing.T) {
	var calls int
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer origin.Close()

	breaker := NewCircuitBreaker(5, 2, 1, 30*time.Millisecond)
	retry := RetryPolicy{MaxAttempts: 0, BucketName: "breaker-bucket"}
	transport := Chain(http.DefaultTransport, breaker, retry, 0, "breaker-bucket")

	for i := 0; i < 5; i++ {
		req, err := http.NewRequest(http.MethodGet, origin.URL, nil)
		if err != nil {
			t.Fatalf("building request %d: %v", i, err)
		}
		resp, err := transport.RoundTrip(req)
		if err != nil {
			t.Fatalf("request %d: RoundTrip error: %v", i, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("request %d: status = %d, want 503", i, resp.StatusCode)
		}
	}
	if calls != 5 {
		t.Fatalf("origin calls after 5 failures = %d, want 5", calls)
	}
	if got := breaker.StateName(); got != "open" {
		t.Fatalf("breaker state after threshold = %q, want open", got)
	}

	req, err := http.NewRequest(http.MethodGet, origin.URL, nil)
	if err != nil {
		t.Fatalf("building 6th request: %v", err)
	}
	if _, err := transport.RoundTrip(req); err == nil {
		t.Fatal("6th request: expected the open breaker to reject without calling the origin")
	}
	if calls != 5 {
		t.Fatalf("origin calls after 6th (short-circuited) request = %d, want still 5", calls)
	}

	time.Sleep(40 * time.Millisecond)

	req, err = http.NewRequest(http.MethodGet, origin.URL, nil)
	if err != nil {
		t.Fatalf("building probe request: %v", err)
	}
	resp, err := transport.RoundTrip(req)
	if err != nil {
		t.Fatalf("half-open probe: RoundTrip error: %v", err)
	}
	resp.Body.Close()
	if calls != 6 {
		t.Fatalf("origin calls after half-open probe = %d, want 6", calls)
	}
}
