package fanout

import (
	"context"
	"errors"
	"fmt"

	"github.com/raasel/backend/internal/model/chat"
	"github.com/raasel/backend/internal/model/event"
	"github.com/raasel/backend/internal/store"
)

// Authorizer decides which rooms an actor may join, using the metadata
// store as the source of truth.
type Authorizer struct {
	meta store.MetadataStore
}

// NewAuthorizer returns an authorizer backed by meta.
func NewAuthorizer(meta store.MetadataStore) *Authorizer {
	return &Authorizer{meta: meta}
}

// Rooms returns the rooms actor joins for sessionID. Agents always join the
// organization room; clients only ever see their own session. An empty
// sessionID subscribes an agent to the organization room alone.
func (a *Authorizer) Rooms(ctx context.Context, actor chat.Actor, sessionID string) ([]event.Room, error) {
	if actor.ID == "" || actor.OrganizationID == "" {
		return nil, chat.ErrUnauthorized
	}
	if _, err := a.meta.GetOrganization(ctx, actor.OrganizationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, chat.ErrTenantNotFound
		}
		return nil, fmt.Errorf("load organization %s: %w", actor.OrganizationID, err)
	}

	switch actor.Type {
	case chat.SenderAgent:
		return a.agentRooms(ctx, actor, sessionID)
	case chat.SenderClient:
		return a.clientRooms(ctx, actor, sessionID)
	}
	return nil, chat.ErrUnauthorized
}

func (a *Authorizer) agentRooms(ctx context.Context, actor chat.Actor, sessionID string) ([]event.Room, error) {
	agent, err := a.meta.GetAgent(ctx, actor.OrganizationID, actor.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, chat.ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("load agent %s: %w", actor.ID, err)
	}

	rooms := []event.Room{event.OrgRoom(actor.OrganizationID)}
	if sessionID == "" {
		return rooms, nil
	}
	session, err := a.session(ctx, actor, sessionID)
	if err != nil {
		return nil, err
	}
	if session.AgentID != agent.ID && !agent.Role.Oversees() {
		return nil, chat.ErrUnauthorized
	}
	return append(rooms, event.SessionRoom(session.ID)), nil
}

func (a *Authorizer) clientRooms(ctx context.Context, actor chat.Actor, sessionID string) ([]event.Room, error) {
	if sessionID == "" {
		return nil, chat.ErrUnauthorized
	}
	session, err := a.session(ctx, actor, sessionID)
	if err != nil {
		return nil, err
	}
	if session.ClientID != actor.ID {
		return nil, chat.ErrUnauthorized
	}
	return []event.Room{event.SessionRoom(session.ID)}, nil
}

// session loads sessionID and hides sessions of other tenants.
func (a *Authorizer) session(ctx context.Context, actor chat.Actor, sessionID string) (chat.Session, error) {
	session, err := a.meta.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return chat.Session{}, chat.ErrSessionNotFound
	}
	if err != nil {
		return chat.Session{}, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if session.OrganizationID != actor.OrganizationID {
		return chat.Session{}, chat.ErrUnauthorized
	}
	return session, nil
}
