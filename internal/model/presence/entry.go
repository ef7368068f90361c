package presence

import (
	"time"

	"github.com/raasel/backend/internal/model/chat"
)

// Kind distinguishes presence indicators.
type Kind string

const (
	KindTyping Kind = "typing"
	KindOnline Kind = "online"
)

// Entry is a short-lived indicator of an actor's live activity in a session.
// NodeID is set on entries held per process.
type Entry struct {
	SessionID string         `json:"session_id"`
	ActorID   string         `json:"actor_id"`
	ActorType chat.ActorType `json:"actor_type"`
	Kind      Kind           `json:"kind"`
	NodeID    string         `json:"node_id,omitempty"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// Key is the presence store key of the entry.
func (e Entry) Key() string {
	if e.NodeID != "" {
		return NodeKey(e.Kind, e.SessionID, e.ActorID, e.NodeID)
	}
	return Key(e.Kind, e.SessionID, e.ActorID)
}

// Expired reports whether the entry is past its TTL at now.
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Key builds the presence store key for kind/session/actor.
func Key(kind Kind, sessionID, actorID string) string {
	return string(kind) + ":" + sessionID + ":" + actorID
}

// NodeKey builds the key of an entry held by one process.
func NodeKey(kind Kind, sessionID, actorID, nodeID string) string {
	return Key(kind, sessionID, actorID) + ":" + nodeID
}
