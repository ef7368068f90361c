package chat

import "errors"

var (
	ErrTenantNotFound    = errors.New("organization not found")
	ErrSessionNotFound   = errors.New("session not found")
	ErrAgentNotFound     = errors.New("agent not found")
	ErrSessionClosed     = errors.New("session is closed")
	ErrAlreadyClosed     = errors.New("session already closed")
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrUnauthorized      = errors.New("actor is not a participant")
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrInvalidMessage    = errors.New("invalid message")
	ErrClientRequired    = errors.New("client id is required")
	ErrInvalidStatus     = errors.New("invalid agent status")
	ErrSessionConflict   = errors.New("session changed concurrently")
	ErrMessageIDConflict = errors.New("message id already used in another session")
)
