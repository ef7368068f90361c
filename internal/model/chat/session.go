package chat

import "time"

// SessionStatus is the lifecycle state of a support conversation.
type SessionStatus string

const (
	StatusWaiting SessionStatus = "waiting"
	StatusActive  SessionStatus = "active"
	StatusClosed  SessionStatus = "closed"
)

// legalTransitions lists every status change a session may take.
// active -> waiting only happens when a reassignment finds no replacement agent.
var legalTransitions = map[SessionStatus][]SessionStatus{
	StatusWaiting: {StatusActive, StatusClosed},
	StatusActive:  {StatusClosed, StatusWaiting},
}

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusWaiting, StatusActive, StatusClosed:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s SessionStatus) Terminal() bool { return s == StatusClosed }

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to SessionStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Session is one support conversation between a client and, eventually, an agent.
type Session struct {
	ID                 string        `json:"id"`
	OrganizationID     string        `json:"organizationId"`
	ClientID           string        `json:"clientId"`
	AgentID            string        `json:"agentId,omitempty"`
	Status             SessionStatus `json:"status"`
	CreatedAt          time.Time     `json:"createdAt"`
	ClosedAt           *time.Time    `json:"closedAt,omitempty"`
	LastActivityAt     time.Time     `json:"lastActivityAt"`
	LastMessagePreview string        `json:"lastMessagePreview,omitempty"`
}

// Transition moves the session to next, stamping closed_at when it closes.
func (s *Session) Transition(next SessionStatus, at time.Time) error {
	if s.Status == StatusClosed {
		if next == StatusClosed {
			return ErrAlreadyClosed
		}
		return ErrSessionClosed
	}
	if !CanTransition(s.Status, next) {
		return ErrInvalidTransition
	}
	s.Status = next
	switch next {
	case StatusClosed:
		closedAt := at.UTC()
		s.ClosedAt = &closedAt
	case StatusWaiting:
		s.AgentID = ""
	}
	return nil
}

// Assign binds the session to agentID and activates it.
func (s *Session) Assign(agentID string, at time.Time) error {
	if err := s.Transition(StatusActive, at); err != nil {
		return err
	}
	s.AgentID = agentID
	return nil
}
