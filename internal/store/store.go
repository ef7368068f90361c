// Package store declares the adapters the core consumes: relational session
// metadata, the append-only message log and the ephemeral presence store.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/raasel/backend/internal/model/chat"
)

var (
	// ErrNotFound is returned when a keyed row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a compare-and-swap lost the race.
	ErrConflict = errors.New("version conflict")
	// ErrAlreadyExists is returned when an insert collides with an existing row.
	ErrAlreadyExists = errors.New("already exists")
)

// Unavailable marks err as an adapter I/O failure.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, chat.ErrStoreUnavailable, err)
}

// LoadIncrement commits one assignment: the agent's load record moves from
// ExpectedVersion, gains an open session, and Session is written in the same
// atomic step. Ceiling bounds OpenSessions; a full agent yields ErrConflict.
// The stored session must still be waiting and unassigned, otherwise the
// step fails with chat.ErrSessionConflict and nothing changes.
type LoadIncrement struct {
	OrganizationID  string
	AgentID         string
	ExpectedVersion int64
	Ceiling         int
	AssignedAt      time.Time
	Session         chat.Session
}

// MetadataStore is the durable owner of organizations, agents, clients and
// session summary rows.
type MetadataStore interface {
	GetOrganization(ctx context.Context, organizationID string) (chat.Organization, error)
	GetAgent(ctx context.Context, organizationID, agentID string) (chat.Agent, error)
	SetAgentStatus(ctx context.Context, organizationID, agentID string, status chat.AgentStatus) (chat.Agent, error)
	GetClient(ctx context.Context, organizationID, clientID string) (chat.Client, error)
	EnsureClient(ctx context.Context, client chat.Client) (chat.Client, error)

	GetSession(ctx context.Context, sessionID string) (chat.Session, error)
	CreateSession(ctx context.Context, session chat.Session) error
	UpsertSession(ctx context.Context, session chat.Session) error
	// MoveSession writes session only while the stored row still has
	// fromStatus and fromAgent, otherwise it fails with
	// chat.ErrSessionConflict.
	MoveSession(ctx context.Context, session chat.Session, fromStatus chat.SessionStatus, fromAgent string) error
	UpdateSessionSummary(ctx context.Context, sessionID, preview string, lastActivity time.Time) error
	ListWaitingSessions(ctx context.Context, organizationID string) ([]chat.Session, error)
	ListAgentSessions(ctx context.Context, organizationID, agentID string) ([]chat.Session, error)
	ListOrganizationsWithWaiting(ctx context.Context) ([]string, error)

	GetEligibleAgents(ctx context.Context, organizationID string) ([]chat.AgentLoad, error)
	IncrementAgentLoad(ctx context.Context, inc LoadIncrement) (chat.AgentLoad, error)
	// DecrementAgentLoad releases one open session of the agent and writes
	// session in the same atomic step. The count never drops below zero.
	// The stored session must still be active with agentID, otherwise the
	// step fails with chat.ErrSessionConflict and nothing changes.
	DecrementAgentLoad(ctx context.Context, organizationID, agentID string, session chat.Session) error
}

// MessageLog is an append-only log partitioned by (organization, session).
type MessageLog interface {
	// AppendMessage stores msg unless a message with the same id already
	// exists in the organization, in which case the stored one is returned
	// and created is false.
	AppendMessage(ctx context.Context, organizationID, sessionID string, msg chat.Message) (stored chat.Message, created bool, err error)
	// ListMessages returns messages created at or after since, ordered by
	// (created_at, id). A zero since lists the whole session.
	ListMessages(ctx context.Context, organizationID, sessionID string, since time.Time) ([]chat.Message, error)
}

// PresenceStore is a TTL-capable key-value store shared by every process.
// Every method mutates at most one key.
type PresenceStore interface {
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get returns ErrNotFound for absent or expired keys.
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error

	AddMember(ctx context.Context, set, member string) error
	RemoveMember(ctx context.Context, set, member string) error
	Members(ctx context.Context, set string) ([]string, error)
}
