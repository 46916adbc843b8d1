package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/sakif/authcore/internal/auth"
	"github.com/sakif/authcore/internal/model"
	"github.com/sakif/authcore/internal/service"
)

// SessionService is the part of service.SessionManager the handlers use.
type SessionService interface {
	CreateSession(ctx context.Context, assertion string, rc service.RequestContext) (*service.SessionResult, error)
	RefreshSession(ctx context.Context, oldToken, newAssertion string, rc service.RequestContext) (*service.SessionResult, error)
	Logout(ctx context.Context, token string) error
	ListSessions(ctx context.Context, uid, currentToken string) ([]service.SessionView, error)
	RevokeAllSessions(ctx context.Context, uid string) (int64, error)
}

// CookieConfig controls the session cookie attributes.
type CookieConfig struct {
	// Secure must be true behind HTTPS. It is configurable only so local
	// development over plain HTTP works.
	Secure bool
	Domain string
}

// SessionHandler exposes the session lifecycle over HTTP.
//
// ROUTES:
//   - POST   /api/auth/session             → HandleCreate
//   - POST   /api/auth/session/refresh     → HandleRefresh
//   - DELETE /api/auth/session             → HandleLogout
//   - GET    /api/auth/me                  → HandleMe (RequireSession)
//   - GET    /api/auth/status              → HandleStatus (SessionHint)
//   - GET    /api/auth/sessions            → HandleList (RequireSession)
//   - POST   /api/auth/sessions/revoke-all → HandleRevokeAll (RequireSession)
type SessionHandler struct {
	sessions SessionService
	cookie   CookieConfig
	logger   *slog.Logger
}

func NewSessionHandler(sessions SessionService, cookie CookieConfig, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{sessions: sessions, cookie: cookie, logger: logger}
}

type sessionRequest struct {
	IDToken string `json:"idToken"`
}

type sessionResponse struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	User      *model.User `json:"user"`
	ExpiresAt time.Time   `json:"expiresAt"`
	Fallback  bool        `json:"fallback"`
}

type meResponse struct {
	Success bool             `json:"success"`
	Message string           `json:"message"`
	User    *model.Principal `json:"user"`
}

type statusResponse struct {
	Success  bool        `json:"success"`
	Message  string      `json:"message"`
	SignedIn bool        `json:"signedIn"`
	User     *statusHint `json:"user,omitempty"`
	Note     string      `json:"note,omitempty"`
}

type statusHint struct {
	UID       string    `json:"uid"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type sessionsResponse struct {
	Success  bool                  `json:"success"`
	Message  string                `json:"message"`
	Sessions []service.SessionView `json:"sessions"`
}

type revokeAllResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Revoked int64  `json:"revoked"`
}

// HandleCreate signs a user in with an identity-provider ID token.
//
// HTTP: POST /api/auth/session  {"idToken": "..."}
//
// An existing session cookie rides along as the fallback credential: if
// the identity provider cannot vouch for the caller right now but the
// cookie is still live, the caller stays signed in.
func (h *SessionHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		writeError(w, err)
		return
	}

	res, err := h.sessions.CreateSession(r.Context(), req.IDToken, requestContext(r))
	if err != nil {
		h.logger.Info("sign-in failed", slog.String("reason", err.Error()))
		writeError(w, err)
		return
	}

	h.setSessionCookie(w, res.Token, res.ExpiresAt)
	msg := "signed in"
	if res.Fallback {
		msg = "signed in with existing session"
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		Success:   true,
		Message:   msg,
		User:      res.User,
		ExpiresAt: res.ExpiresAt,
		Fallback:  res.Fallback,
	})
}

// HandleRefresh swaps the current session for a new one.
//
// HTTP: POST /api/auth/session/refresh  {"idToken": "..."}
func (h *SessionHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		writeError(w, err)
		return
	}

	rc := requestContext(r)
	res, err := h.sessions.RefreshSession(r.Context(), rc.SessionToken, req.IDToken, rc)
	if err != nil {
		writeError(w, err)
		return
	}

	h.setSessionCookie(w, res.Token, res.ExpiresAt)
	writeJSON(w, http.StatusOK, sessionResponse{
		Success:   true,
		Message:   "session refreshed",
		User:      res.User,
		ExpiresAt: res.ExpiresAt,
	})
}

// HandleLogout revokes this device's session and clears the cookie.
//
// HTTP: DELETE /api/auth/session
//
// Not behind RequireSession: logging out with a dead or missing session
// still succeeds, so a client can always get back to a clean state.
func (h *SessionHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	var token string
	if c, err := r.Cookie(auth.SessionCookie); err == nil {
		token = c.Value
	}

	if err := h.sessions.Logout(r.Context(), token); err != nil {
		writeError(w, err)
		return
	}

	h.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, ok("signed out"))
}

// HandleMe returns the authenticated caller.
//
// HTTP: GET /api/auth/me
// Auth: Required (RequireSession sets the principal in context)
func (h *SessionHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	p, found := auth.PrincipalFromContext(r.Context())
	if !found {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Message: "valid authentication required", Error: "unauthenticated"})
		return
	}
	writeJSON(w, http.StatusOK, meResponse{Success: true, Message: "authenticated", User: p})
}

// HandleStatus reports what the session cookie claims WITHOUT checking it
// against the store. It is a UX hint for the frontend only.
//
// HTTP: GET /api/auth/status
func (h *SessionHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	claims, found := auth.HintFromContext(r.Context())
	if !found {
		writeJSON(w, http.StatusOK, statusResponse{Success: true, Message: "not signed in"})
		return
	}

	hint := &statusHint{UID: claims.UID, Email: claims.Email, Name: claims.Name}
	if claims.ExpiresAt != nil {
		hint.ExpiresAt = claims.ExpiresAt.Time
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Success:  true,
		Message:  "probably signed in",
		SignedIn: true,
		User:     hint,
		Note:     "unverified; call /api/auth/me to confirm",
	})
}

// HandleList shows the caller's live sessions across devices.
//
// HTTP: GET /api/auth/sessions
// Auth: Required
func (h *SessionHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	p, found := auth.PrincipalFromContext(r.Context())
	if !found {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Message: "valid authentication required", Error: "unauthenticated"})
		return
	}

	views, err := h.sessions.ListSessions(r.Context(), p.UID, requestContext(r).SessionToken)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionsResponse{Success: true, Message: "ok", Sessions: views})
}

// HandleRevokeAll signs the caller out on every device.
//
// HTTP: POST /api/auth/sessions/revoke-all
// Auth: Required
func (h *SessionHandler) HandleRevokeAll(w http.ResponseWriter, r *http.Request) {
	p, found := auth.PrincipalFromContext(r.Context())
	if !found {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Message: "valid authentication required", Error: "unauthenticated"})
		return
	}

	n, err := h.sessions.RevokeAllSessions(r.Context(), p.UID)
	if err != nil {
		writeError(w, err)
		return
	}

	h.clearSessionCookie(w)
	h.logger.Info("user signed out everywhere", slog.String("uid", p.UID), slog.Int64("count", n))
	writeJSON(w, http.StatusOK, revokeAllResponse{Success: true, Message: "signed out everywhere", Revoked: n})
}

// setSessionCookie stores the token in an HttpOnly cookie.
// HttpOnly = JavaScript cannot read it (XSS protection).
// SameSite=Lax = sent on top-level navigations but not cross-site POSTs.
func (h *SessionHandler) setSessionCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	maxAge := int(time.Until(expiresAt).Seconds())
	if maxAge <= 0 {
		maxAge = -1
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    token,
		Path:     "/",
		Domain:   h.cookie.Domain,
		Expires:  expiresAt,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *SessionHandler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    "",
		Path:     "/",
		Domain:   h.cookie.Domain,
		MaxAge:   -1, // tells the browser to delete the cookie immediately
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// requestContext collects the audit fields and the existing session token.
// r.RemoteAddr has already been rewritten by chi's RealIP middleware.
func requestContext(r *http.Request) service.RequestContext {
	rc := service.RequestContext{
		UserAgent: r.UserAgent(),
		IP:        clientIP(r),
	}
	if c, err := r.Cookie(auth.SessionCookie); err == nil {
		rc.SessionToken = c.Value
	}
	return rc
}
