package auth

import (
	"encoding/json"
	"net/http"
	"time"

	gwerrors "github.com/toolsgateway/toolsgw/infrastructure/errors"
)

const stateCookieName = "toolsgw_oauth_state"

// LoginHandler redirects the caller to the provider's authorization
// endpoint (spec.md §6 GET /auth/login), stashing a CSRF state value in a
// short-lived cookie for the callback to verify.
func (m *Manager) LoginHandler(w http.ResponseWriter, r *http.Request) {
	state, err := NewState()
	if err != nil {
		http.Error(w, "failed to generate state", http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   300,
	})
	http.Redirect(w, r, m.LoginURL(state), http.StatusFound)
}

// CallbackHandler exchanges the authorization code for tokens (spec.md §6
// GET /auth/callback), verifying the echoed state against the cookie set
// by LoginHandler before minting a session.
func (m *Manager) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		http.Error(w, "missing code or state", http.StatusBadRequest)
		return
	}
	stateCookie, err := r.Cookie(stateCookieName)
	if err != nil || stateCookie.Value != state {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}
	http.SetCookie(w, &http.Cookie{Name: stateCookieName, Path: "/", MaxAge: -1})

	session, err := m.HandleCallback(r.Context(), code)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	m.setSessionCookie(w, r, session)
	writeJSON(w, http.StatusOK, session)
}

// RefreshHandler rotates the caller's access token (spec.md §6 POST
// /auth/refresh).
func (m *Manager) RefreshHandler(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := m.sessionIDFromRequest(r)
	if !ok {
		writeAuthError(w, errNoSession)
		return
	}
	session, err := m.Refresh(r.Context(), sessionID)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	m.setSessionCookie(w, r, session)
	writeJSON(w, http.StatusOK, session)
}

// LogoutHandler deletes the caller's session and clears its cookie
// (spec.md §6 POST /auth/logout).
func (m *Manager) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	if sessionID, ok := m.sessionIDFromRequest(r); ok {
		m.Logout(r.Context(), sessionID)
	}
	http.SetCookie(w, &http.Cookie{Name: m.cfg.CookieName, Path: "/", MaxAge: -1})
	w.WriteHeader(http.StatusNoContent)
}

// MeHandler reports the caller's claims (spec.md §6 GET /auth/me).
func (m *Manager) MeHandler(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := m.sessionIDFromRequest(r)
	if !ok {
		writeAuthError(w, errNoSession)
		return
	}
	userInfo, err := m.Me(r.Context(), sessionID)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, userInfo)
}

// SessionSettingsHandler reports idle-timeout settings for the UI (spec.md
// §6 GET /auth/session-settings). It requires no session, since a client
// needs these settings to decide how to render its own login state.
func (m *Manager) SessionSettingsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, m.SessionSettings())
}

func (m *Manager) setSessionCookie(w http.ResponseWriter, r *http.Request, session Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    session.SessionID,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Now().Add(m.cfg.SessionTTL),
	})
}

func (m *Manager) sessionIDFromRequest(r *http.Request) (string, bool) {
	c, err := r.Cookie(m.cfg.CookieName)
	if err != nil || c.Value == "" {
		return "", false
	}
	return c.Value, true
}

var errNoSession = httpError{status: http.StatusUnauthorized, message: "no active session"}

type httpError struct {
	status  int
	message string
}

func (e httpError) Error() string { return e.message }

func writeAuthError(w http.ResponseWriter, err error) {
	status := http.StatusUnauthorized
	if he, ok := err.(httpError); ok {
		status = he.status
	} else if gwerrors.IsServiceError(err) {
		status = gwerrors.GetHTTPStatus(err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
