package pipeline

import (
	"strings"

	"github.com/yatagarasu/yatagarasu/internal/config"
	"github.com/yatagarasu/yatagarasu/internal/perr"
)

// sanitizePath rejects literal ".." segments, percent-encoded ".." and
// null bytes anywhere in the raw request path, before it ever reaches the
// router.
func sanitizePath(path string) error {
	if strings.Contains(path, "..") {
		return perr.ErrBadRequest.WithField("reason", "path traversal segment")
	}
	if strings.Contains(strings.ToLower(path), "%2e%2e") {
		return perr.ErrBadRequest.WithField("reason", "encoded path traversal segment")
	}
	if strings.IndexByte(path, 0) >= 0 {
		return perr.ErrBadRequest.WithField("reason", "null byte in path")
	}
	return nil
}

// validateSizes enforces the request/header/URI caps from limits against
// the incoming request, before any further processing.
func validateSizes(limits config.LimitsConfig, uri string, contentLength int64, headers map[string][]string) error {
	if len(uri) > limits.MaxURILength {
		return perr.ErrURITooLong
	}
	if limits.MaxRequestSize > 0 && contentLength > limits.MaxRequestSize {
		return perr.ErrRequestTooLarge
	}

	var headerBytes int64
	for name, values := range headers {
		headerBytes += int64(len(name))
		for _, v := range values {
			if strings.ContainsAny(v, "\r\n") {
				return perr.ErrBadRequest.WithField("reason", "raw CR/LF in header value")
			}
			headerBytes += int64(len(v))
		}
	}
	if limits.MaxHeaderSize > 0 && headerBytes > limits.MaxHeaderSize {
		return perr.ErrHeaderTooLarge
	}
	return nil
}
