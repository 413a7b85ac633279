package resilience

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/yatagarasu/yatagarasu/internal/metrics"
)

func testutilCounterTotal(t *testing.T, bucket string) float64 {
	t.Helper()
	return testutil.ToFloat64(metrics.S3RetryAttemptsTotal.WithLabelValues(bucket))
}

// TestRetryTransportRetriesThenSucceeds exercises the literal scenario: an
// origin that returns 503 three times before a 200 must produce four total
// origin calls under max_attempts=3, with three retries recorded and a
// final client status of 200.
func TestRetryTransportRetriesThenSucceeds(t *testing.T) {
	var calls int
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls <= 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer origin.Close()

	rt := &RetryTransport{
		Base: http.DefaultTransport,
		Policy: RetryPolicy{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     4 * time.Millisecond,
			BucketName:     "test-bucket",
		},
	}

	before := testutilCounterTotal(t, "test-bucket")

	req, err := http.NewRequest(http.MethodGet, origin.URL, nil)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}

	resp, err := rt.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("final status = %d, want 200", resp.StatusCode)
	}
	if calls != 4 {
		t.Fatalf("origin calls = %d, want 4 (1 initial + 3 retries)", calls)
	}

	after := testutilCounterTotal(t, "test-bucket")
	if got := after - before; got != 3 {
		t.Fatalf("s3_retry_attempts_total increment = %v, want 3", got)
	}
}

// TestRetryTransportExhaustsRetries checks that an origin failing on every
// attempt returns the last response once the retry budget (MaxAttempts)
// is spent, after exactly MaxAttempts+1 total calls.
func TestRetryTransportExhaustsRetries(t *testing.T) {
	var calls int
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer origin.Close()

	rt := &RetryTransport{
		Base: http.DefaultTransport,
		Policy: RetryPolicy{
			MaxAttempts:    2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
			BucketName:     "exhaust-bucket",
		},
	}

	req, err := http.NewRequest(http.MethodGet, origin.URL, nil)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}

	resp, err := rt.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("final status = %d, want 503", resp.StatusCode)
	}
	if calls != 3 {
		t.Fatalf("origin calls = %d, want 3 (1 initial + 2 retries)", calls)
	}
}

// TestRetryTransportNoRetryOnSuccess ensures a first-attempt success never
// triggers a retry-budget call or metric increment.
func TestRetryTransportNoRetryOnSuccess(t *testing.T) {
	var calls int
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer origin.Close()

	rt := &RetryTransport{
		Base: http.DefaultTransport,
		Policy: RetryPolicy{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     4 * time.Millisecond,
			BucketName:     "no-retry-bucket",
		},
	}

	req, err := http.NewRequest(http.MethodGet, origin.URL, nil)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}

	resp, err := rt.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	defer resp.Body.Close()

	if calls != 1 {
		t.Fatalf("origin calls = %d, want 1", calls)
	}
}
