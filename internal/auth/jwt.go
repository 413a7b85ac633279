// Package auth implements JWT-based client authentication: token
// extraction from configured sources, signature verification, and claim
// matching.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/yatagarasu/yatagarasu/internal/config"
	"github.com/yatagarasu/yatagarasu/internal/perr"
)

// verifiedTokenCacheSize bounds the verified-token LRU. Each bucket/global
// authenticator gets its own cache.
const verifiedTokenCacheSize = 4096

// Claims is the minimal claim set the authenticator cares about, plus the
// raw map for configured claim-equality rules.
type Claims struct {
	ExpiresAt time.Time
	NotBefore time.Time
	Raw       map[string]any
}

// cachedVerification is a verified token's claims with the cache expiry
// (min(exp-now, 60s) from the moment it was verified).
type cachedVerification struct {
	claims    Claims
	expiresAt time.Time
}

// Authenticator verifies a JWT extracted from an incoming request against
// one configured policy (global or per-bucket override).
type Authenticator struct {
	cfg   config.JWTConfig
	cache *lru.Cache[string, cachedVerification]
}

// New builds an Authenticator from a JWT policy. cfg.Enabled == false makes
// every call to Authenticate a no-op success (Authenticate is only invoked
// by the pipeline when the bucket or global config requires auth).
func New(cfg config.JWTConfig) (*Authenticator, error) {
	cache, err := lru.New[string, cachedVerification](verifiedTokenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("building verified-token cache: %w", err)
	}
	return &Authenticator{cfg: cfg, cache: cache}, nil
}

// Authenticate extracts a token from the configured sources (in order, the
// first source producing a non-empty value wins), verifies its signature
// and claims, and checks configured claim-equality rules. Returns a
// *perr.ProxyError of kind AuthRequired, BadToken, Expired, or Forbidden on
// failure.
func (a *Authenticator) Authenticate(r *http.Request) error {
	if !a.cfg.Enabled {
		return nil
	}
	token := a.extractToken(r)
	if token == "" {
		return perr.ErrAuthRequired
	}

	claims, err := a.verifyCached(token)
	if err != nil {
		return err
	}

	now := time.Now()
	if now.After(claims.ExpiresAt) {
		return perr.ErrExpired
	}
	if !claims.NotBefore.IsZero() && now.Before(claims.NotBefore) {
		return perr.ErrExpired.WithField("reason", "nbf in future")
	}

	for _, rule := range a.cfg.Claims {
		val, ok := claims.Raw[rule.Claim]
		if !ok {
			return perr.ErrForbidden.WithField("claim", rule.Claim)
		}
		if fmt.Sprintf("%v", val) != rule.Value {
			return perr.ErrForbidden.WithField("claim", rule.Claim)
		}
	}

	return nil
}

// extractToken tries each configured source in order and returns the first
// non-empty value. A source that is present but malformed (e.g. an
// Authorization header without the Bearer scheme) counts as empty, not as
// a failure — later sources still get a chance.
func (a *Authenticator) extractToken(r *http.Request) string {
	for _, src := range a.cfg.Sources {
		switch src.Type {
		case "header":
			name := src.Name
			if name == "" {
				name = "Authorization"
			}
			v := r.Header.Get(name)
			if name == "Authorization" {
				const prefix = "Bearer "
				if len(v) > len(prefix) && v[:len(prefix)] == prefix {
					v = v[len(prefix):]
				} else {
					v = ""
				}
			}
			if v != "" {
				return v
			}
		case "query":
			if v := r.URL.Query().Get(src.Name); v != "" {
				return v
			}
		}
	}
	return ""
}

// verifyCached looks up the verified-token cache before parsing and
// verifying the signature, keyed by SHA-256 of the raw token so cache keys
// never retain the token bytes themselves.
func (a *Authenticator) verifyCached(token string) (Claims, error) {
	key := tokenCacheKey(token)

	if cached, ok := a.cache.Get(key); ok {
		if time.Now().Before(cached.expiresAt) {
			return cached.claims, nil
		}
		a.cache.Remove(key)
	}

	claims, err := a.verify(token)
	if err != nil {
		return Claims{}, err
	}

	ttl := claims.ExpiresAt.Sub(time.Now())
	if ttl > 60*time.Second {
		ttl = 60 * time.Second
	}
	if ttl > 0 {
		a.cache.Add(key, cachedVerification{claims: claims, expiresAt: time.Now().Add(ttl)})
	}

	return claims, nil
}

func tokenCacheKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// verify parses token and checks its signature against the configured
// algorithm and secret/key. It does not itself enforce exp/nbf/claims —
// Authenticate does, uniformly, after this returns.
func (a *Authenticator) verify(token string) (Claims, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != a.cfg.Algorithm {
			return nil, fmt.Errorf("unexpected signing method %q, want %q", t.Method.Alg(), a.cfg.Algorithm)
		}
		switch a.cfg.Algorithm {
		case "HS256", "HS384", "HS512":
			return []byte(a.cfg.SecretOrJWKS), nil
		case "RS256", "RS384", "RS512":
			return jwt.ParseRSAPublicKeyFromPEM([]byte(a.cfg.SecretOrJWKS))
		case "ES256", "ES384":
			return jwt.ParseECPublicKeyFromPEM([]byte(a.cfg.SecretOrJWKS))
		default:
			return nil, fmt.Errorf("unsupported algorithm %q", a.cfg.Algorithm)
		}
	}, jwt.WithoutClaimsValidation())
	if err != nil {
		return Claims{}, perr.ErrBadToken.WithField("reason", err.Error())
	}

	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return Claims{}, perr.ErrBadToken
	}

	claims := Claims{Raw: map[string]any(mapClaims)}

	if exp, err := mapClaims.GetExpirationTime(); err == nil && exp != nil {
		claims.ExpiresAt = exp.Time
	} else {
		return Claims{}, perr.ErrBadToken.WithField("reason", "missing exp claim")
	}

	if nbf, err := mapClaims.GetNotBefore(); err == nil && nbf != nil {
		claims.NotBefore = nbf.Time
	}

	return claims, nil
}
