package handler

// RESPONSE HELPERS:
// Every response from the API has the same envelope:
//
//	{"success": true,  "message": "signed in", ...payload}
//	{"success": false, "message": "session has been revoked", "error": "unauthenticated"}
//
// message is always safe to show. Driver errors, upstream bodies and stack
// traces never reach it; they are logged and replaced by the AppError's
// message or a generic string.

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/sakif/authcore/internal/apperror"
)

// maxBodyBytes caps request bodies. Every body here is a token or two.
const maxBodyBytes = 64 << 10

// ErrorResponse is the envelope for failures.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error"` // Machine-readable kind, e.g. "unauthenticated"
	Field   string `json:"field,omitempty"`
}

// MessageResponse is the envelope for successes without a payload.
type MessageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func ok(message string) MessageResponse {
	return MessageResponse{Success: true, Message: message}
}

// writeJSON sends a JSON response with the given status code.
//
// HEADER ORDER MATTERS:
// Headers and the status must be set before the body. Once Encode writes,
// later header changes are silently ignored.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// errorKinds maps each taxonomy kind to its status and machine name. Order
// matters: the first match wins, so the more specific kinds come first.
var errorKinds = []struct {
	kind   error
	status int
	name   string
}{
	{apperror.ErrStoreUnavailable, http.StatusServiceUnavailable, "store_unavailable"},
	{apperror.ErrValidation, http.StatusBadRequest, "validation_error"},
	{apperror.ErrInvalidResetToken, http.StatusBadRequest, "invalid_reset_token"},
	{apperror.ErrInvalidAssertion, http.StatusUnauthorized, "invalid_assertion"},
	{apperror.ErrAuthFailed, http.StatusUnauthorized, "auth_failed"},
	{apperror.ErrUnauthenticated, http.StatusUnauthorized, "unauthenticated"},
	{apperror.ErrForbidden, http.StatusForbidden, "forbidden"},
	{apperror.ErrNotFound, http.StatusNotFound, "not_found"},
	{apperror.ErrConflict, http.StatusConflict, "conflict"},
	{apperror.ErrUpstreamUpdateFailed, http.StatusUnprocessableEntity, "upstream_update_failed"},
	{apperror.ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
	{apperror.ErrMailFailed, http.StatusBadGateway, "mail_failed"},
}

// writeError maps a domain error to an HTTP status and sends the envelope.
//
// WHY HERE AND NOT IN THE SERVICE?
// The managers speak in kinds, not status codes. Only the HTTP layer knows
// that StoreUnavailable is a 503 and that the client should retry.
func writeError(w http.ResponseWriter, err error) {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		for _, k := range errorKinds {
			if errors.Is(err, k.kind) {
				writeJSON(w, k.status, ErrorResponse{
					Message: appErr.Message,
					Error:   k.name,
					Field:   appErr.Field,
				})
				return
			}
		}
	}

	// Unknown error: generic 500, never the raw text.
	slog.Error("unhandled error", slog.String("error", err.Error()))
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{
		Message: "An internal error occurred",
		Error:   "internal_error",
	})
}

// decodeJSON reads a small JSON body into dst. Unknown fields are rejected.
// An empty body leaves dst untouched when allowEmpty is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return apperror.ValidationFailed("body", "request body must be a valid JSON object")
	}
	return nil
}
