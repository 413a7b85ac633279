package resilience

import (
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/yatagarasu/yatagarasu/internal/metrics"
)

// RetryPolicy configures the retry decorator for one bucket.
type RetryPolicy struct {
	MaxAttempts      int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	BucketName       string
}

// retriableStatus reports whether an HTTP status code should be retried:
// 5xx, 503, 408, and 429.
func retriableStatus(code int) bool {
	if code == 408 || code == 429 {
		return true
	}
	return code >= 500 && code <= 599
}

// RetryTransport retries a request against an origin according to Policy,
// classifying connection errors as retriable and 4xx (other than 408/429)
// as terminal. Backoff uses github.com/cenkalti/backoff/v5's exponential
// strategy (jittered) rather than a hand-rolled delay formula. The number
// of retries is bounded by Policy.MaxAttempts; no elapsed-time bound is set.
type RetryTransport struct {
	Base   http.RoundTripper
	Policy RetryPolicy
}

func (t *RetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// MaxAttempts counts retries after the initial call, not total calls:
	// MaxAttempts=3 means up to 4 origin calls (1 initial + 3 retries).
	maxRetries := t.Policy.MaxAttempts
	if maxRetries < 0 {
		maxRetries = 0
	}
	totalCalls := maxRetries + 1

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.Policy.InitialBackoff
	b.MaxInterval = t.Policy.MaxBackoff
	b.Reset()

	var lastErr error
	var lastResp *http.Response

	for attempt := 1; attempt <= totalCalls; attempt++ {
		bodySnapshot, rewindErr := snapshotBody(req)
		if rewindErr != nil {
			return nil, rewindErr
		}

		resp, err := t.Base.RoundTrip(req)

		retriable := false
		switch {
		case err != nil:
			retriable = true
			lastErr = err
			lastResp = nil
		case retriableStatus(resp.StatusCode):
			retriable = true
			lastErr = nil
			lastResp = resp
		default:
			return resp, nil
		}

		if !retriable || attempt == totalCalls {
			break
		}

		metrics.S3RetryAttemptsTotal.WithLabelValues(t.Policy.BucketName).Inc()

		if lastResp != nil {
			lastResp.Body.Close()
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			break
		}

		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(delay):
		}

		if err := bodySnapshot(req); err != nil {
			return nil, err
		}
	}

	if lastErr == nil && lastResp != nil {
		metrics.S3RetryExhaustedTotal.WithLabelValues(t.Policy.BucketName).Inc()
		return lastResp, nil
	}
	metrics.S3RetryExhaustedTotal.WithLabelValues(t.Policy.BucketName).Inc()
	return nil, lastErr
}

// snapshotBody returns a function that restores req's body for a retry.
// GET/HEAD requests (the only methods this proxy issues to an origin)
// never carry a body, so this is a no-op in practice but keeps the
// transport correct if that ever changes.
func snapshotBody(req *http.Request) (func(*http.Request) error, error) {
	if req.GetBody == nil {
		return func(*http.Request) error { return nil }, nil
	}
	return func(r *http.Request) error {
		body, err := req.GetBody()
		if err != nil {
			return err
		}
		r.Body = body
		return nil
	}, nil
}
