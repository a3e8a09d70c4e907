// Package api holds the REST handlers.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/observer/duochat/internal/domain"
	"github.com/observer/duochat/internal/storage"
)

// ErrorResponse is the body of every non-2xx reply
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// requestError is a malformed request detected before any service call
type requestError struct {
	status int
	msg    string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(msg string) error {
	return &requestError{status: http.StatusBadRequest, msg: msg}
}

// writeServiceError maps domain and storage errors onto HTTP statuses.
// Anything unrecognised is logged and reported as a 500.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr):
		writeError(w, reqErr.status, reqErr.msg)
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, validationMessage(err))
	case errors.Is(err, domain.ErrInvalidCredentials),
		errors.Is(err, domain.ErrTokenInvalid):
		writeError(w, http.StatusUnauthorized, unwrapSentinel(err))
	case errors.Is(err, domain.ErrEmailTaken),
		errors.Is(err, domain.ErrConversationExists):
		writeError(w, http.StatusConflict, unwrapSentinel(err))
	case errors.Is(err, domain.ErrNotMember):
		writeError(w, http.StatusForbidden, domain.ErrNotMember.Error())
	case errors.Is(err, domain.ErrConversationNotFound):
		writeError(w, http.StatusNotFound, domain.ErrConversationNotFound.Error())
	case errors.Is(err, domain.ErrUserNotFound):
		writeError(w, http.StatusNotFound, domain.ErrUserNotFound.Error())
	case errors.Is(err, domain.ErrEmptyMessage),
		errors.Is(err, domain.ErrMessageTooLong),
		errors.Is(err, domain.ErrReceiverRequired),
		errors.Is(err, domain.ErrSelfConversation),
		errors.Is(err, storage.ErrUnsupportedType),
		errors.Is(err, storage.ErrEmptyUpload):
		writeError(w, http.StatusBadRequest, unwrapSentinel(err))
	case errors.Is(err, storage.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, storage.ErrTooLarge.Error())
	default:
		logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// validationMessage strips the "validation failed: " prefix
func validationMessage(err error) string {
	msg := err.Error()
	if rest, ok := strings.CutPrefix(msg, domain.ErrValidation.Error()+": "); ok {
		return rest
	}
	return msg
}

// unwrapSentinel returns the message of the innermost wrapped error
func unwrapSentinel(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}
