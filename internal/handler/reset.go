package handler

import (
	"context"
	"net"
	"net/http"

	"github.com/sakif/authcore/internal/apperror"
	"github.com/sakif/authcore/internal/service"
)

// ResetService is the part of service.ResetManager the handlers use.
type ResetService interface {
	RequestReset(ctx context.Context, email string) (*service.ResetAck, error)
	VerifyResetToken(ctx context.Context, token string) (*service.ResetTokenInfo, error)
	ResetPassword(ctx context.Context, token, newPassword string) (*service.ResetAck, error)
}

// ResetHandler exposes the password reset flow.
//
// ROUTES:
//   - POST /api/auth/password-reset         → HandleRequest (rate limited)
//   - GET  /api/auth/password-reset/verify  → HandleVerify
//   - POST /api/auth/password-reset/confirm → HandleConfirm (rate limited)
type ResetHandler struct {
	resets ResetService
}

func NewResetHandler(resets ResetService) *ResetHandler {
	return &ResetHandler{resets: resets}
}

type resetRequest struct {
	Email string `json:"email"`
}

type confirmRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

type verifyResponse struct {
	Success bool                    `json:"success"`
	Message string                  `json:"message"`
	Reset   *service.ResetTokenInfo `json:"reset"`
}

// HandleRequest starts a reset. The answer is the same for known and
// unknown addresses.
//
// HTTP: POST /api/auth/password-reset  {"email": "..."}
func (h *ResetHandler) HandleRequest(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, err)
		return
	}

	ack, err := h.resets.RequestReset(r.Context(), req.Email)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ok(ack.Message))
}

// HandleVerify checks a reset link and shows whose account it is for.
//
// HTTP: GET /api/auth/password-reset/verify?token=...
func (h *ResetHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, apperror.ValidationFailed("token", "token is required"))
		return
	}

	info, err := h.resets.VerifyResetToken(r.Context(), token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{Success: true, Message: "reset link is valid", Reset: info})
}

// HandleConfirm sets the new password.
//
// HTTP: POST /api/auth/password-reset/confirm  {"token": "...", "newPassword": "..."}
func (h *ResetHandler) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeError(w, err)
		return
	}
	if req.Token == "" {
		writeError(w, apperror.ValidationFailed("token", "token is required"))
		return
	}

	ack, err := h.resets.ResetPassword(r.Context(), req.Token, req.NewPassword)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ok(ack.Message))
}

// clientIP strips the port from RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
