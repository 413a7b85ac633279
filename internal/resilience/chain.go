package resilience

import (
	"net/http"
	"time"

	"github.com/yatagarasu/yatagarasu/internal/metrics"
	"github.com/yatagarasu/yatagarasu/internal/perr"
)

// CircuitBreakerTransport gates calls through a CircuitBreaker before
// delegating to Base, recording the outcome of every attempt that is
// actually allowed through.
type CircuitBreakerTransport struct {
	Base    http.RoundTripper
	Breaker *CircuitBreaker
	Bucket  string
}

func (t *CircuitBreakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	now := time.Now()
	if !t.Breaker.Allow(now) {
		return nil, perr.ErrCircuitOpen.WithField("bucket", t.Bucket)
	}

	resp, err := t.Base.RoundTrip(req)
	if err != nil || (resp != nil && retriableStatus(resp.StatusCode)) {
		wasOpen := t.Breaker.StateName() == "open"
		t.Breaker.RecordFailure(now)
		if !wasOpen && t.Breaker.StateName() == "open" {
			metrics.CircuitBreakerOpenedTotal.WithLabelValues(t.Bucket).Inc()
		}
		if err != nil {
			return nil, err
		}
		return resp, nil
	}

	t.Breaker.RecordSuccess(now)
	return resp, nil
}

// Chain composes the fixed policy order circuit-breaker -> retry ->
// timeout around base, matching the order the request pipeline's origin
// calls must observe.
func Chain(base http.RoundTripper, breaker *CircuitBreaker, retry RetryPolicy, perAttemptTimeout time.Duration, bucket string) http.RoundTripper {
	timed := &TimeoutTransport{Base: base, PerAttempt: perAttemptTimeout}
	retried := &RetryTransport{Base: timed, Policy: retry}
	breakered := &CircuitBreakerTransport{Base: retried, Breaker: breaker, Bucket: bucket}
	return breakered
}
