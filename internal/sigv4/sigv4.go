// Package sigv4 implements outbound AWS Signature Version 4 request signing
// for calls Yatagarasu makes to an S3-compatible origin.
package sigv4

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	algorithm       = "AWS4-HMAC-SHA256"
	scopeTerminator = "aws4_request"
	service         = "s3"
	unsignedPayload = "UNSIGNED-PAYLOAD"
	amzDateFormat   = "20060102T150405Z"
)

// Credentials is an access/secret key pair used to sign one request.
type Credentials struct {
	AccessKeyID string
	SecretKey   string
	// SessionToken is set when credentials were resolved from a temporary
	// source (e.g. the default AWS credential chain via assumed role).
	SessionToken string
}

// Sign adds X-Amz-Date, X-Amz-Content-Sha256, and a SigV4 Authorization
// header to req so it can be sent to an S3-compatible origin in region.
// Sign is pure given (req, creds, region, now): it reads no external state
// and performs no I/O.
func Sign(req *http.Request, creds Credentials, region string, now time.Time) error {
	amzDate := now.UTC().Format(amzDateFormat)
	dateStr := amzDate[:8]

	req.Header.Set("X-Amz-Date", amzDate)
	if req.Header.Get("X-Amz-Content-Sha256") == "" {
		req.Header.Set("X-Amz-Content-Sha256", unsignedPayload)
	}
	if creds.SessionToken != "" {
		req.Header.Set("X-Amz-Security-Token", creds.SessionToken)
	}
	if req.Header.Get("Host") == "" && req.Host == "" {
		req.Host = req.URL.Host
	}

	signedHeaders := signedHeaderNames(req)
	canonicalRequest := buildCanonicalRequest(req, signedHeaders)

	scope := dateStr + "/" + region + "/" + service + "/" + scopeTerminator
	stringToSign := buildStringToSign(amzDate, scope, canonicalRequest)

	signingKey := deriveSigningKey(creds.SecretKey, dateStr, region, service)
	signature := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	authHeader := algorithm + " Credential=" + creds.AccessKeyID + "/" + scope +
		", SignedHeaders=" + strings.Join(signedHeaders, ";") +
		", Signature=" + signature
	req.Header.Set("Authorization", authHeader)

	return nil
}

// signedHeaderNames returns the sorted, lower-cased list of header names
// included in the signature: host, x-amz-date, x-amz-content-sha256, and
// x-amz-security-token when present. Range is included when the request
// forwards a byte-range request verbatim.
func signedHeaderNames(req *http.Request) []string {
	names := []string{"host", "x-amz-content-sha256", "x-amz-date"}
	if req.Header.Get("X-Amz-Security-Token") != "" {
		names = append(names, "x-amz-security-token")
	}
	if req.Header.Get("Range") != "" {
		names = append(names, "range")
	}
	sort.Strings(names)
	return names
}

func buildCanonicalRequest(req *http.Request, signedHeaders []string) string {
	var sb strings.Builder

	sb.WriteString(req.Method)
	sb.WriteByte('\n')

	sb.WriteString(canonicalURI(req.URL.Path))
	sb.WriteByte('\n')

	sb.WriteString(canonicalQueryString(req.URL.Query()))
	sb.WriteByte('\n')

	sb.WriteString(canonicalHeaders(req, signedHeaders))
	sb.WriteByte('\n')

	sb.WriteString(strings.Join(signedHeaders, ";"))
	sb.WriteByte('\n')

	payloadHash := req.Header.Get("X-Amz-Content-Sha256")
	if payloadHash == "" {
		payloadHash = unsignedPayload
	}
	sb.WriteString(payloadHash)

	return sb.String()
}

func buildStringToSign(amzDate, scope, canonicalRequest string) string {
	hash := sha256.Sum256([]byte(canonicalRequest))
	return algorithm + "\n" +
		amzDate + "\n" +
		scope + "\n" +
		hex.EncodeToString(hash[:])
}

// deriveSigningKey derives the SigV4 signing key via the four-step HMAC
// chain: AWS4+secret -> date -> region -> service -> aws4_request.
func deriveSigningKey(secretKey, dateStr, region, svc string) []byte {
	dateKey := hmacSHA256([]byte("AWS4"+secretKey), dateStr)
	regionKey := hmacSHA256(dateKey, region)
	serviceKey := hmacSHA256(regionKey, svc)
	return hmacSHA256(serviceKey, scopeTerminator)
}

// canonicalURI returns the URI-encoded absolute path. Forward slashes are
// preserved unencoded; an empty path becomes "/".
func canonicalURI(path string) string {
	if path == "" {
		return "/"
	}
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = uriEncode(seg, false)
	}
	return strings.Join(segments, "/")
}

// canonicalQueryString returns the lexicographically sorted, URI-encoded
// query string. Parameters with no value encode as "key=".
func canonicalQueryString(values url.Values) string {
	if len(values) == 0 {
		return ""
	}
	var pairs []string
	for key, vals := range values {
		encodedKey := uriEncode(key, true)
		if len(vals) == 0 {
			pairs = append(pairs, encodedKey+"=")
			continue
		}
		for _, val := range vals {
			pairs = append(pairs, encodedKey+"="+uriEncode(val, true))
		}
	}
	sort.Strings(pairs)
	return strings.Join(pairs, "&")
}

func canonicalHeaders(req *http.Request, signedHeaders []string) string {
	var sb strings.Builder
	for _, name := range signedHeaders {
		var values []string
		if name == "host" {
			host := req.Host
			if host == "" {
				host = req.URL.Host
			}
			values = []string{host}
		} else {
			values = req.Header.Values(http.CanonicalHeaderKey(name))
		}
		joined := strings.Join(values, ",")
		joined = strings.TrimSpace(joined)
		for strings.Contains(joined, "  ") {
			joined = strings.ReplaceAll(joined, "  ", " ")
		}
		sb.WriteString(name)
		sb.WriteByte(':')
		sb.WriteString(joined)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// uriEncode percent-encodes s per S3's URI encoding rules: unreserved
// characters (A-Z a-z 0-9 - _ . ~) pass through untouched; '/' additionally
// passes through when encodeSlash is false.
func uriEncode(s string, encodeSlash bool) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isURIUnreserved(c) || (!encodeSlash && c == '/') {
			sb.WriteByte(c)
		} else {
			sb.WriteByte('%')
			sb.WriteByte(hexDigit(c >> 4))
			sb.WriteByte(hexDigit(c & 0x0f))
		}
	}
	return sb.String()
}

func isURIUnreserved(c byte) bool {
	return (c >= 'A' && c <= 'Z') ||
		(c >= 'a' && c <= 'z') ||
		(c >= '0' && c <= '9') ||
		c == '-' || c == '_' || c == '.' || c == '~'
}

func hexDigit(b byte) byte {
	if b < 10 {
		return '0' + b
	}
	return 'A' + b - 10
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}
