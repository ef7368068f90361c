// Package apierr maps core errors to HTTP responses.
package apierr

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/raasel/backend/internal/model/chat"
	"github.com/raasel/backend/pkg/utils"
)

// Status returns the HTTP status for err.
func Status(err error) int {
	switch {
	case errors.Is(err, chat.ErrTenantNotFound),
		errors.Is(err, chat.ErrSessionNotFound),
		errors.Is(err, chat.ErrAgentNotFound):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, chat.ErrSessionClosed),
		errors.Is(err, chat.ErrAlreadyClosed),
		errors.Is(err, chat.ErrInvalidTransition),
		errors.Is(err, chat.ErrSessionConflict),
		errors.Is(err, chat.ErrMessageIDConflict):
		return http.StatusConflict
	case errors.Is(err, chat.ErrInvalidMessage),
		errors.Is(err, chat.ErrClientRequired),
		errors.Is(err, chat.ErrInvalidStatus):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// Message is the client-facing text for err. Internal failures are not
// described.
func Message(err error) string {
	for _, known := range []error{
		chat.ErrTenantNotFound,
		chat.ErrSessionNotFound,
		chat.ErrAgentNotFound,
		chat.ErrUnauthorized,
		chat.ErrSessionClosed,
		chat.ErrAlreadyClosed,
		chat.ErrInvalidTransition,
		chat.ErrSessionConflict,
		chat.ErrMessageIDConflict,
		chat.ErrInvalidMessage,
		chat.ErrClientRequired,
		chat.ErrInvalidStatus,
		chat.ErrStoreUnavailable,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return "internal error"
}

// Respond writes err as a JSON error response.
func Respond(w http.ResponseWriter, r *http.Request, err error) {
	status := Status(err)
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
	}
	utils.RespondError(w, status, Message(err))
}
