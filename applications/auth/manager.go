// Package auth implements OIDC authorization-code login and session
// management (spec.md §6's /auth/* endpoints): discover the provider,
// redirect to it, exchange the returned code for tokens, and keep a
// short-lived server-side session so the gateway's own HTTP API never has
// to re-verify a bearer token issued elsewhere.
package auth

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/toolsgateway/toolsgw/identity"
	gwerrors "github.com/toolsgateway/toolsgw/infrastructure/errors"
	"github.com/toolsgateway/toolsgw/infrastructure/logging"
)

// SessionStore is the narrow byte-oriented key-value surface Manager needs
// to persist sessions (JSON-encoded, so either an in-memory cache or a
// network store can back it). cmd/ wires infrastructure/cache.MemoryBytes
// for dev/test and infrastructure/cache.NewRedisStore in production, so
// sessions survive a gateway restart (spec.md §4.B).
type SessionStore interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	Invalidate(ctx context.Context, key string)
}

// Session is the server-side record created on a successful callback
// (spec.md's Session entity: session_id, tokens, user_info, created_at,
// expires_at). id_token is carried alongside so /auth/me can report claims
// without a second round trip to the provider.
type Session struct {
	SessionID    string         `json:"session_id"`
	AccessToken  string         `json:"access_token"`
	RefreshToken string         `json:"refresh_token,omitempty"`
	IDToken      string         `json:"id_token,omitempty"`
	UserInfo     map[string]any `json:"user_info"`
	CreatedAt    time.Time      `json:"created_at"`
	ExpiresAt    time.Time      `json:"expires_at"`
}

// Config holds the manager's provider and cookie tunables (spec.md §6:
// session_cookie_name, session_ttl_seconds, session_idle_warn_seconds).
type Config struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string

	CookieName      string
	SessionTTL      time.Duration
	SessionIdleWarn time.Duration
}

func (c Config) normalized() Config {
	if c.CookieName == "" {
		c.CookieName = "toolsgw_session"
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 28800 * time.Second
	}
	if c.SessionIdleWarn <= 0 {
		c.SessionIdleWarn = 120 * time.Second
	}
	if len(c.Scopes) == 0 {
		c.Scopes = []string{"openid", "profile", "email"}
	}
	return c
}

// Manager discovers a provider's endpoints once and drives the
// authorization-code flow against them, persisting sessions in a
// SessionStore (spec.md §4.B calls for Redis behind the same key scheme in
// production; dev/test uses an in-memory store).
type Manager struct {
	cfg           Config
	httpClient    *http.Client
	sessions      SessionStore
	logger        *logging.Logger
	authEndpoint  string
	tokenEndpoint string
}

// NewManager discovers the issuer's authorization and token endpoints and
// returns a ready-to-use Manager.
func NewManager(ctx context.Context, cfg Config, httpClient *http.Client, sessions SessionStore, logger *logging.Logger) (*Manager, error) {
	cfg = cfg.normalized()
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	_, authEndpoint, tokenEndpoint, err := identity.Discover(ctx, httpClient, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("discover oidc provider: %w", err)
	}
	return &Manager{
		cfg:           cfg,
		httpClient:    httpClient,
		sessions:      sessions,
		logger:        logger,
		authEndpoint:  authEndpoint,
		tokenEndpoint: tokenEndpoint,
	}, nil
}

// CookieName returns the configured session cookie name.
func (m *Manager) CookieName() string { return m.cfg.CookieName }

// SessionSettings reports the idle-timeout UI settings clients need
// (spec.md §6's GET /auth/session-settings).
func (m *Manager) SessionSettings() map[string]any {
	return map[string]any{
		"session_ttl_seconds":       int(m.cfg.SessionTTL.Seconds()),
		"session_idle_warn_seconds": int(m.cfg.SessionIdleWarn.Seconds()),
	}
}

// LoginURL builds the redirect target for GET /auth/login. state should be
// a caller-generated, unguessable value the callback is expected to echo
// back for CSRF protection; NewState helps generate one.
func (m *Manager) LoginURL(state string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", m.cfg.ClientID)
	q.Set("redirect_uri", m.cfg.RedirectURI)
	q.Set("scope", strings.Join(m.cfg.Scopes, " "))
	q.Set("state", state)
	sep := "?"
	if strings.Contains(m.authEndpoint, "?") {
		sep = "&"
	}
	return m.authEndpoint + sep + q.Encode()
}

// NewState returns a random, URL-safe CSRF state token.
func NewState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// HandleCallback exchanges an authorization code for tokens (GET
// /auth/callback), stores a new Session, and returns it for the caller to
// set as a cookie.
func (m *Manager) HandleCallback(ctx context.Context, code string) (Session, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", m.cfg.RedirectURI)
	tok, err := m.requestToken(ctx, form)
	if err != nil {
		return Session{}, err
	}
	session := m.newSession(tok)
	m.store(ctx, session)
	return session, nil
}

// Refresh exchanges the session's refresh token for a new access token
// (POST /auth/refresh), replacing the stored session in place.
func (m *Manager) Refresh(ctx context.Context, sessionID string) (Session, error) {
	session, ok := m.Get(ctx, sessionID)
	if !ok {
		return Session{}, gwerrors.Unauthorized("session not found")
	}
	if session.RefreshToken == "" {
		return Session{}, gwerrors.Unauthorized("session has no refresh token")
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", session.RefreshToken)
	tok, err := m.requestToken(ctx, form)
	if err != nil {
		return Session{}, err
	}
	refreshed := m.newSession(tok)
	refreshed.SessionID = session.SessionID
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = session.RefreshToken
	}
	m.store(ctx, refreshed)
	return refreshed, nil
}

// Logout deletes the session (POST /auth/logout).
func (m *Manager) Logout(ctx context.Context, sessionID string) {
	m.sessions.Invalidate(ctx, sessionKey(sessionID))
}

// Get returns the session for an id, if present and unexpired.
func (m *Manager) Get(ctx context.Context, sessionID string) (Session, bool) {
	raw, ok := m.sessions.Get(ctx, sessionKey(sessionID))
	if !ok {
		return Session{}, false
	}
	var session Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return Session{}, false
	}
	if time.Now().After(session.ExpiresAt) {
		m.sessions.Invalidate(ctx, sessionKey(sessionID))
		return Session{}, false
	}
	return session, true
}

// Me reports the caller's claims for GET /auth/me, read straight from the
// stored session's id_token/user_info without calling the provider again.
func (m *Manager) Me(ctx context.Context, sessionID string) (map[string]any, error) {
	session, ok := m.Get(ctx, sessionID)
	if !ok {
		return nil, gwerrors.Unauthorized("session not found or expired")
	}
	return session.UserInfo, nil
}

func (m *Manager) newSession(tok tokenResponse) Session {
	expiresIn := tok.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = int64(m.cfg.SessionTTL.Seconds())
	}
	ttl := time.Duration(expiresIn) * time.Second
	if ttl > m.cfg.SessionTTL {
		ttl = m.cfg.SessionTTL
	}
	now := time.Now()
	return Session{
		SessionID:    uuid.NewString(),
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		IDToken:      tok.IDToken,
		UserInfo:     userInfoFromIDToken(tok.IDToken),
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
	}
}

func (m *Manager) store(ctx context.Context, session Session) {
	raw, err := json.Marshal(session)
	if err != nil {
		if m.logger != nil {
			m.logger.Warn(ctx, "failed to marshal session", map[string]interface{}{"error": err.Error()})
		}
		return
	}
	m.sessions.Set(ctx, sessionKey(session.SessionID), raw, m.cfg.SessionTTL)
}

func sessionKey(id string) string { return "sess:" + id }

func (m *Manager) requestToken(ctx context.Context, form url.Values) (tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenEndpoint, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return tokenResponse{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(m.cfg.ClientID, m.cfg.ClientSecret)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return tokenResponse{}, gwerrors.Upstream("oidc_token_endpoint", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return tokenResponse{}, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if m.logger != nil {
			m.logger.Warn(ctx, "oidc token endpoint rejected request", map[string]interface{}{"status": resp.StatusCode})
		}
		return tokenResponse{}, gwerrors.Unauthorized(fmt.Sprintf("token endpoint returned status %d", resp.StatusCode))
	}
	var parsed tokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return tokenResponse{}, fmt.Errorf("decode token response: %w", err)
	}
	if parsed.AccessToken == "" {
		return tokenResponse{}, gwerrors.Unauthorized("token response missing access_token")
	}
	return parsed, nil
}

// userInfoFromIDToken decodes the unverified claim set out of an id_token's
// payload segment for display purposes only (name, email, sub); the
// gateway's own API authorization always re-verifies the access token via
// identity.Verifier, so a parse failure here just means an empty profile.
func userInfoFromIDToken(idToken string) map[string]any {
	parts := strings.Split(idToken, ".")
	if len(parts) != 3 {
		return map[string]any{}
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return map[string]any{}
	}
	var claims map[string]any
	if err := json.Unmarshal(payload, &claims); err != nil {
		return map[string]any{}
	}
	return claims
}
