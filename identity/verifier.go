// Package identity implements the JWKS-backed identity verifier (spec §4.2,
// L5): fetch and cache an OIDC provider's signing keys, validate bearer
// tokens against issuer/audience/expiry, and surface a normalized Claims
// value to the access resolver and the tool invocation pipeline.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	gwerrors "github.com/toolsgateway/toolsgw/infrastructure/errors"
)

// Claims is the normalized view of a verified token's claims, independent of
// the signing algorithm or provider.
type Claims struct {
	Subject  string
	Issuer   string
	Audience []string
	Raw      map[string]any
	jwt.RegisteredClaims
}

// UnmarshalJSON decodes the token's claim set twice: once into the embedded
// RegisteredClaims for jwt/v5's own validators, and once into Raw so
// Get() can resolve provider-specific claims the registered set doesn't
// name (realm_access.roles, custom scopes, ...).
func (c *Claims) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, &c.RegisteredClaims); err != nil {
		return err
	}
	return json.Unmarshal(data, &c.Raw)
}

// Get resolves a dotted claim path (e.g. "realm_access.roles") against the
// raw claim set, used by the access resolver's matchers (spec.md §4.6).
func (c Claims) Get(path string) (any, bool) {
	var cur any = map[string]any(c.Raw)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Config holds the verifier's tunables (spec.md §6: jwks_min_refresh_seconds,
// clock_skew_seconds).
type Config struct {
	Issuer                string
	Audience              string
	JWKSMinRefreshSeconds int
	ClockSkewSeconds      int
}

func (c Config) normalized() Config {
	if c.JWKSMinRefreshSeconds <= 0 {
		c.JWKSMinRefreshSeconds = 300
	}
	if c.ClockSkewSeconds <= 0 {
		c.ClockSkewSeconds = 30
	}
	return c
}

// supportedAlgs are the signing algorithms spec.md §4.2 requires.
var supportedAlgs = map[string]bool{
	"RS256": true, "RS384": true, "RS512": true, "ES256": true,
}

// Verifier validates bearer tokens against a single OIDC issuer's JWKS.
type Verifier struct {
	cfg Config

	mu       sync.RWMutex
	keyfunc  keyfunc.Keyfunc
	jwksURL  string
}

// New constructs a Verifier. jwksURL is the provider's JWKS endpoint
// (typically discovered from `{issuer}/.well-known/openid-configuration`,
// resolved by the caller at startup).
func New(cfg Config, jwksURL string) (*Verifier, error) {
	cfg = cfg.normalized()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// RefreshInterval enforces the spec's minimum JWKS refresh interval so a
	// misbehaving or malicious token can't force a refetch on every request;
	// jwkset keeps serving the last-known-good key set if a refresh fails
	// (the stale-if-error window spec.md §4.2 requires).
	kf, err := keyfunc.NewDefaultOverrideCtx(ctx, []string{jwksURL}, jwkset.HTTPClientStorageOptions{
		RefreshInterval: time.Duration(cfg.JWKSMinRefreshSeconds) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}

	return &Verifier{cfg: cfg, keyfunc: kf, jwksURL: jwksURL}, nil
}

// Verify validates raw, enforcing issuer, audience (if expectedAudience is
// non-empty, overriding the configured one), signature, and time bounds.
func (v *Verifier) Verify(ctx context.Context, raw string, expectedAudience string) (*Claims, error) {
	aud := expectedAudience
	if aud == "" {
		aud = v.cfg.Audience
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, v.keyfuncFor, jwt.WithValidMethods(algList()),
		jwt.WithIssuer(v.cfg.Issuer), jwt.WithAudience(aud),
		jwt.WithLeeway(time.Duration(v.cfg.ClockSkewSeconds)*time.Second))
	if err != nil {
		return nil, classifyError(err)
	}
	if !token.Valid {
		return nil, gwerrors.InvalidToken(fmt.Errorf("token failed validation"))
	}

	claims.Subject = claims.RegisteredClaims.Subject
	claims.Issuer = claims.RegisteredClaims.Issuer
	claims.Audience = claims.RegisteredClaims.Audience
	return claims, nil
}

func (v *Verifier) keyfuncFor(token *jwt.Token) (interface{}, error) {
	return v.keyfunc.Keyfunc(token)
}

func algList() []string {
	out := make([]string, 0, len(supportedAlgs))
	for alg := range supportedAlgs {
		out = append(out, alg)
	}
	return out
}

func classifyError(err error) error {
	switch {
	case strings.Contains(err.Error(), "token is expired"):
		return gwerrors.TokenExpired()
	case strings.Contains(err.Error(), "audience"), strings.Contains(err.Error(), "issuer"):
		return gwerrors.Untrusted(err)
	default:
		return gwerrors.InvalidToken(err)
	}
}

// WWWAuthenticate builds the WWW-Authenticate header value spec.md §4.2
// requires on verification failure.
func WWWAuthenticate(err error) string {
	se := gwerrors.GetServiceError(err)
	if se == nil {
		return `Bearer error="invalid_token"`
	}
	switch se.Code {
	case gwerrors.ErrCodeTokenExpired:
		return `Bearer error="invalid_token", error_description="token expired"`
	default:
		return fmt.Sprintf(`Bearer error="invalid_token", error_description=%q`, se.Message)
	}
}
