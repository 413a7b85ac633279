package pipeline

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/yatagarasu/yatagarasu/internal/perr"
	"github.com/yatagarasu/yatagarasu/internal/router"
)

// forwardedRequestHeaders lists the client headers carried through to the
// origin call unchanged; everything else (most notably any
// authentication/authorization header meant for this proxy) is dropped.
var forwardedRequestHeaders = []string{
	"Range",
	"If-None-Match",
	"If-Match",
	"If-Modified-Since",
	"If-Unmodified-Since",
}

// fetchOrigin issues a signed GET or HEAD against the origin bucket for
// key, through the generation's resilience-wrapped transport, and returns
// the raw response. The caller owns closing resp.Body.
func fetchOrigin(ctx context.Context, gen *Generation, bucket router.Bucket, key string, r *http.Request) (*http.Response, error) {
	origin := gen.originFor(bucket.Name)

	url := strings.TrimRight(origin.Endpoint, "/") + "/" + origin.Bucket + "/" + strings.TrimLeft(key, "/")

	method := r.Method
	if method != http.MethodGet && method != http.MethodHead {
		return nil, perr.ErrBadRequest.WithField("reason", "unsupported method for origin surface")
	}

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, perr.ErrInternal.WithField("reason", err.Error())
	}

	for _, name := range forwardedRequestHeaders {
		if v := r.Header.Get(name); v != "" {
			req.Header.Set(name, v)
		}
	}
	req.Header.Set("X-Request-Id", requestIDFromContext(ctx))
	if xff := forwardedForValue(r); xff != "" {
		req.Header.Set("X-Forwarded-For", xff)
	}

	transport := gen.transportFor(bucket.Name)
	resp, err := transport.RoundTrip(req)
	if err != nil {
		return nil, classifyOriginError(err)
	}

	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, perr.ErrOriginNotFound.WithField("bucket", bucket.Name)
	}
	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		resp.Body.Close()
		return nil, perr.ErrRangeNotSatisfiable.WithField("bucket", bucket.Name)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		resp.Body.Close()
		return nil, perr.ErrRateLimited.WithField("bucket", bucket.Name)
	}
	if resp.StatusCode >= 500 {
		resp.Body.Close()
		return nil, perr.ErrBadGateway.WithField("bucket", bucket.Name)
	}

	return resp, nil
}

// forwardedForValue builds the outbound X-Forwarded-For value: the
// client's own chain (if any) with this hop's peer address appended, the
// convention most reverse proxies in the corpus follow for origin-side
// observability.
func forwardedForValue(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if existing := r.Header.Get("X-Forwarded-For"); existing != "" {
		return existing + ", " + host
	}
	return host
}

// classifyOriginError maps a transport-level failure (already a
// *perr.ProxyError when it originates from the circuit breaker or a
// deadline from the timeout decorator) onto the proxy error taxonomy.
func classifyOriginError(err error) error {
	if pe, ok := err.(*perr.ProxyError); ok {
		return pe
	}
	if strings.Contains(err.Error(), "timed out") || strings.Contains(err.Error(), "deadline exceeded") {
		return perr.ErrUpstreamTimeout
	}
	return perr.ErrBadGateway.WithField("reason", err.Error())
}
