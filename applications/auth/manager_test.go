package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/toolsgateway/toolsgw/infrastructure/cache"
)

func fakeIDToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	seg := base64.RawURLEncoding.EncodeToString(payload)
	return "header." + seg + ".sig"
}

func newTestProvider(t *testing.T, idToken string) *httptest.Server {
	t.Helper()
	var tokenURL, authURL string
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"issuer":                 "test-issuer",
			"jwks_uri":               authURL + "/jwks",
			"authorization_endpoint": authURL + "/authorize",
			"token_endpoint":         tokenURL + "/token",
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		resp := map[string]any{
			"access_token":  "access-" + r.FormValue("grant_type"),
			"refresh_token": "refresh-token",
			"id_token":      idToken,
			"token_type":    "Bearer",
			"expires_in":    3600,
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/authorize", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := httptest.NewServer(mux)
	tokenURL = srv.URL
	authURL = srv.URL
	return srv
}

func newTestManager(t *testing.T, srv *httptest.Server) *Manager {
	t.Helper()
	m, err := NewManager(context.Background(), Config{
		Issuer:       srv.URL,
		ClientID:     "client-1",
		ClientSecret: "secret",
		RedirectURI:  "https://gw.example.com/auth/callback",
	}, srv.Client(), cache.NewMemoryBytes(cache.NewCache(cache.DefaultConfig())), nil)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m
}

func TestManager_LoginURLIncludesStateAndClientID(t *testing.T) {
	idToken := fakeIDToken(t, map[string]any{"sub": "user-1"})
	srv := newTestProvider(t, idToken)
	defer srv.Close()
	m := newTestManager(t, srv)

	loginURL := m.LoginURL("state-123")
	parsed, err := url.Parse(loginURL)
	if err != nil {
		t.Fatalf("url.Parse() error = %v", err)
	}
	q := parsed.Query()
	if q.Get("state") != "state-123" {
		t.Fatalf("state = %q, want state-123", q.Get("state"))
	}
	if q.Get("client_id") != "client-1" {
		t.Fatalf("client_id = %q, want client-1", q.Get("client_id"))
	}
}

func TestManager_HandleCallbackCreatesSessionWithUserInfo(t *testing.T) {
	idToken := fakeIDToken(t, map[string]any{"sub": "user-1", "email": "user@example.com"})
	srv := newTestProvider(t, idToken)
	defer srv.Close()
	m := newTestManager(t, srv)

	session, err := m.HandleCallback(context.Background(), "auth-code")
	if err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}
	if session.SessionID == "" {
		t.Fatal("expected a generated session id")
	}
	if session.UserInfo["email"] != "user@example.com" {
		t.Fatalf("UserInfo = %+v, want email claim", session.UserInfo)
	}
	stored, ok := m.Get(context.Background(), session.SessionID)
	if !ok {
		t.Fatal("expected session to be retrievable after callback")
	}
	if stored.AccessToken != session.AccessToken {
		t.Fatalf("stored.AccessToken = %q, want %q", stored.AccessToken, session.AccessToken)
	}
}

func TestManager_RefreshRotatesAccessTokenKeepingSessionID(t *testing.T) {
	idToken := fakeIDToken(t, map[string]any{"sub": "user-1"})
	srv := newTestProvider(t, idToken)
	defer srv.Close()
	m := newTestManager(t, srv)

	session, err := m.HandleCallback(context.Background(), "auth-code")
	if err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}

	refreshed, err := m.Refresh(context.Background(), session.SessionID)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if refreshed.SessionID != session.SessionID {
		t.Fatalf("SessionID changed across refresh: %q != %q", refreshed.SessionID, session.SessionID)
	}
	if refreshed.AccessToken != "access-refresh_token" {
		t.Fatalf("AccessToken = %q, want access-refresh_token", refreshed.AccessToken)
	}
}

func TestManager_LogoutDeletesSession(t *testing.T) {
	idToken := fakeIDToken(t, map[string]any{"sub": "user-1"})
	srv := newTestProvider(t, idToken)
	defer srv.Close()
	m := newTestManager(t, srv)

	session, err := m.HandleCallback(context.Background(), "auth-code")
	if err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}
	m.Logout(context.Background(), session.SessionID)

	if _, ok := m.Get(context.Background(), session.SessionID); ok {
		t.Fatal("expected session to be gone after logout")
	}
}

func TestManager_GetExpiresSessionAfterTTL(t *testing.T) {
	idToken := fakeIDToken(t, map[string]any{"sub": "user-1"})
	srv := newTestProvider(t, idToken)
	defer srv.Close()

	m, err := NewManager(context.Background(), Config{
		Issuer:       srv.URL,
		ClientID:     "client-1",
		ClientSecret: "secret",
		RedirectURI:  "https://gw.example.com/auth/callback",
		SessionTTL:   20 * time.Millisecond,
	}, srv.Client(), cache.NewMemoryBytes(cache.NewCache(cache.DefaultConfig())), nil)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	session, err := m.HandleCallback(context.Background(), "auth-code")
	if err != nil {
		t.Fatalf("HandleCallback() error = %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	if _, ok := m.Get(context.Background(), session.SessionID); ok {
		t.Fatal("expected session to have expired")
	}
}

func TestManager_SessionSettingsReportsConfiguredValues(t *testing.T) {
	idToken := fakeIDToken(t, map[string]any{"sub": "user-1"})
	srv := newTestProvider(t, idToken)
	defer srv.Close()
	m := newTestManager(t, srv)

	settings := m.SessionSettings()
	if settings["session_ttl_seconds"] != 28800 {
		t.Fatalf("session_ttl_seconds = %v, want 28800", settings["session_ttl_seconds"])
	}
	if settings["session_idle_warn_seconds"] != 120 {
		t.Fatalf("session_idle_warn_seconds = %v, want 120", settings["session_idle_warn_seconds"])
	}
}
