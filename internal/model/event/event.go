// Package event defines the closed set of realtime events the core emits and
// their wire envelopes.
package event

import (
	"time"

	"github.com/google/uuid"

	"github.com/raasel/backend/internal/model/chat"
)

// Type names an event variant on the client-facing surface.
type Type string

const (
	TypeNewMessage           Type = "new_message"
	TypeAgentAssigned        Type = "agent_assigned"
	TypeTypingStart          Type = "typing_start"
	TypeTypingStop           Type = "typing_stop"
	TypeSessionStatusUpdated Type = "session_status_updated"
)

// Payload is implemented only by the variants in this package.
type Payload interface {
	eventType() Type
}

// NewMessage announces a message appended to a session.
type NewMessage struct {
	SessionID  string          `json:"session_id" cbor:"session_id"`
	MessageID  string          `json:"message_id" cbor:"message_id"`
	SenderID   string          `json:"sender_id" cbor:"sender_id"`
	SenderType chat.SenderType `json:"sender_type" cbor:"sender_type"`
	Content    string          `json:"content" cbor:"content"`
	CreatedAt  time.Time       `json:"created_at" cbor:"created_at"`
}

// AgentAssigned announces that a session has an agent.
type AgentAssigned struct {
	SessionID string `json:"session_id" cbor:"session_id"`
	AgentID   string `json:"agent_id" cbor:"agent_id"`
}

// Typing is the shared shape of typing indicators.
type Typing struct {
	SessionID string         `json:"session_id" cbor:"session_id"`
	ActorID   string         `json:"actor_id" cbor:"actor_id"`
	ActorType chat.ActorType `json:"actor_type" cbor:"actor_type"`
}

// TypingStart is published when an actor starts typing.
type TypingStart Typing

// TypingStop is published when an actor stops typing or its indicator expires.
type TypingStop Typing

// SessionStatusUpdated announces a lifecycle transition.
type SessionStatusUpdated struct {
	SessionID string             `json:"session_id" cbor:"session_id"`
	Status    chat.SessionStatus `json:"status" cbor:"status"`
}

func (NewMessage) eventType() Type           { return TypeNewMessage }
func (AgentAssigned) eventType() Type        { return TypeAgentAssigned }
func (TypingStart) eventType() Type          { return TypeTypingStart }
func (TypingStop) eventType() Type           { return TypeTypingStop }
func (SessionStatusUpdated) eventType() Type { return TypeSessionStatusUpdated }

// Event is one occurrence of a variant, scoped to a single organization.
type Event struct {
	ID             string
	OrganizationID string
	At             time.Time
	Payload        Payload
}

// New stamps a payload with a fresh id.
func New(organizationID string, at time.Time, payload Payload) Event {
	return Event{
		ID:             uuid.NewString(),
		OrganizationID: organizationID,
		At:             at.UTC(),
		Payload:        payload,
	}
}

// Type returns the variant tag of the event payload.
func (e Event) Type() Type {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.eventType()
}

// SessionID returns the session the payload refers to.
func (e Event) SessionID() string {
	switch p := e.Payload.(type) {
	case NewMessage:
		return p.SessionID
	case AgentAssigned:
		return p.SessionID
	case TypingStart:
		return p.SessionID
	case TypingStop:
		return p.SessionID
	case SessionStatusUpdated:
		return p.SessionID
	}
	return ""
}
