package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/raasel/backend/internal/model/chat"
	"github.com/raasel/backend/internal/model/event"
	"github.com/raasel/backend/internal/store"
)

// CloseSession closes a waiting or active session on behalf of actor. A
// second close returns chat.ErrAlreadyClosed and publishes nothing. Closing
// an assigned session frees the agent and re-runs the organization queue.
func (s *Service) CloseSession(ctx context.Context, sessionID string, actor chat.Actor) (closed chat.Session, err error) {
	ctx, span := s.startSpan(ctx, "CloseSession", attribute.String("session_id", sessionID))
	defer func() { endSpan(span, err) }()

	var freedAgent string
	err = s.lanes.Do(ctx, sessionID, func(ctx context.Context) error {
		session, err := s.load(ctx, actor.OrganizationID, sessionID)
		if err != nil {
			return err
		}
		if err := s.authorize(ctx, actor, session, false); err != nil {
			return err
		}

		closed = session
		if err := closed.Transition(chat.StatusClosed, s.clock.Now()); err != nil {
			return err
		}
		if session.Status == chat.StatusActive && session.AgentID != "" {
			if err := s.meta.DecrementAgentLoad(ctx, session.OrganizationID, session.AgentID, closed); err != nil {
				return fmt.Errorf("release agent %s: %w", session.AgentID, err)
			}
			freedAgent = session.AgentID
		} else if err := s.meta.MoveSession(ctx, closed, session.Status, session.AgentID); err != nil {
			return fmt.Errorf("close session %s: %w", session.ID, err)
		}

		s.logger.Info("session closed",
			slog.String("session_id", session.ID),
			slog.String("closed_by", actor.ID),
			slog.String("previous_status", string(session.Status)),
		)
		s.publish(ctx, event.New(closed.OrganizationID, *closed.ClosedAt, event.SessionStatusUpdated{
			SessionID: closed.ID,
			Status:    chat.StatusClosed,
		}), sessionRooms(closed)...)
		return nil
	})
	if err != nil {
		return chat.Session{}, err
	}

	if freedAgent != "" {
		if _, err := s.SweepOrganization(ctx, closed.OrganizationID); err != nil {
			s.logger.Warn("sweep after close", slog.String("organization_id", closed.OrganizationID), slog.Any("error", err))
		}
	}
	return closed, nil
}

// Reassign hands an active session to another agent. When nobody else can
// take it the session returns to waiting and the queue picks it up later.
// A waiting session simply gets another assignment attempt.
func (s *Service) Reassign(ctx context.Context, sessionID string, actor chat.Actor) (result chat.Session, err error) {
	ctx, span := s.startSpan(ctx, "Reassign", attribute.String("session_id", sessionID))
	defer func() { endSpan(span, err) }()

	if actor.Type != chat.SenderAgent {
		return chat.Session{}, chat.ErrUnauthorized
	}
	err = s.lanes.Do(ctx, sessionID, func(ctx context.Context) error {
		session, err := s.load(ctx, actor.OrganizationID, sessionID)
		if err != nil {
			return err
		}
		if err := s.authorize(ctx, actor, session, false); err != nil {
			return err
		}
		result, err = s.reassignLocked(ctx, session)
		return err
	})
	if err != nil {
		return chat.Session{}, err
	}
	return result, nil
}

func (s *Service) reassignLocked(ctx context.Context, session chat.Session) (chat.Session, error) {
	switch session.Status {
	case chat.StatusClosed:
		return chat.Session{}, chat.ErrSessionClosed
	case chat.StatusWaiting:
		assigned, _, err := s.assigner.Assign(ctx, session)
		return assigned, err
	}

	previous := session.AgentID
	waiting := session
	if err := waiting.Transition(chat.StatusWaiting, s.clock.Now()); err != nil {
		return chat.Session{}, err
	}
	if err := s.meta.DecrementAgentLoad(ctx, session.OrganizationID, previous, waiting); err != nil {
		return chat.Session{}, fmt.Errorf("release agent %s: %w", previous, err)
	}

	assigned, ok, err := s.assigner.Assign(ctx, waiting, previous)
	if errors.Is(err, chat.ErrSessionConflict) {
		return assigned, nil
	}
	if err != nil {
		s.logger.Warn("reassign failed, session left waiting",
			slog.String("session_id", session.ID),
			slog.Any("error", err),
		)
	}
	if ok {
		s.logger.Info("session reassigned",
			slog.String("session_id", session.ID),
			slog.String("from_agent", previous),
			slog.String("to_agent", assigned.AgentID),
		)
		return assigned, nil
	}

	s.logger.Info("session returned to queue",
		slog.String("session_id", session.ID),
		slog.String("from_agent", previous),
	)
	s.publish(ctx, event.New(waiting.OrganizationID, s.clock.Now(), event.SessionStatusUpdated{
		SessionID: waiting.ID,
		Status:    chat.StatusWaiting,
	}), sessionRooms(waiting)...)
	return waiting, nil
}

// SetAgentStatus changes an agent's availability. Becoming active sweeps the
// organization's queue; becoming inactive hands the agent's sessions to
// colleagues. Busy agents keep their sessions but take no new ones.
func (s *Service) SetAgentStatus(ctx context.Context, organizationID, agentID string, status chat.AgentStatus) (agent chat.Agent, err error) {
	ctx, span := s.startSpan(ctx, "SetAgentStatus",
		attribute.String("organization_id", organizationID),
		attribute.String("agent_id", agentID),
		attribute.String("status", string(status)),
	)
	defer func() { endSpan(span, err) }()

	if !status.Valid() {
		return chat.Agent{}, chat.ErrInvalidStatus
	}
	agent, err = s.meta.SetAgentStatus(ctx, organizationID, agentID, status)
	if errors.Is(err, store.ErrNotFound) {
		return chat.Agent{}, chat.ErrAgentNotFound
	}
	if err != nil {
		return chat.Agent{}, fmt.Errorf("set status of %s: %w", agentID, err)
	}
	s.logger.Info("agent status changed",
		slog.String("organization_id", organizationID),
		slog.String("agent_id", agentID),
		slog.String("status", string(status)),
	)

	switch status {
	case chat.AgentActive:
		if _, err := s.SweepOrganization(ctx, organizationID); err != nil {
			s.logger.Warn("sweep after agent activation", slog.String("organization_id", organizationID), slog.Any("error", err))
		}
	case chat.AgentInactive:
		s.releaseAgent(ctx, organizationID, agentID)
	}
	return agent, nil
}

// UpdateAgentStatus is SetAgentStatus on behalf of actor. Agents change their
// own status; supervisors and admins change any agent of their organization.
func (s *Service) UpdateAgentStatus(ctx context.Context, actor chat.Actor, agentID string, status chat.AgentStatus) (chat.Agent, error) {
	if actor.Type != chat.SenderAgent {
		return chat.Agent{}, chat.ErrUnauthorized
	}
	if actor.ID != agentID {
		caller, err := s.meta.GetAgent(ctx, actor.OrganizationID, actor.ID)
		if errors.Is(err, store.ErrNotFound) {
			return chat.Agent{}, chat.ErrUnauthorized
		}
		if err != nil {
			return chat.Agent{}, fmt.Errorf("load agent %s: %w", actor.ID, err)
		}
		if !caller.Role.Oversees() {
			return chat.Agent{}, chat.ErrUnauthorized
		}
	}
	return s.SetAgentStatus(ctx, actor.OrganizationID, agentID, status)
}

func (s *Service) releaseAgent(ctx context.Context, organizationID, agentID string) {
	sessions, err := s.meta.ListAgentSessions(ctx, organizationID, agentID)
	if err != nil {
		s.logger.Warn("list sessions of inactive agent", slog.String("agent_id", agentID), slog.Any("error", err))
		return
	}
	for _, listed := range sessions {
		err := s.lanes.Do(ctx, listed.ID, func(ctx context.Context) error {
			session, err := s.load(ctx, organizationID, listed.ID)
			if err != nil {
				return err
			}
			if session.Status != chat.StatusActive || session.AgentID != agentID {
				return nil
			}
			_, err = s.reassignLocked(ctx, session)
			return err
		})
		if err != nil {
			s.logger.Warn("reassign session of inactive agent",
				slog.String("session_id", listed.ID),
				slog.Any("error", err),
			)
		}
	}
}

// SweepOrganization assigns waiting sessions of organizationID, oldest
// first, until no agent is available. It returns how many were assigned.
func (s *Service) SweepOrganization(ctx context.Context, organizationID string) (int, error) {
	waiting, err := s.meta.ListWaitingSessions(ctx, organizationID)
	if err != nil {
		return 0, fmt.Errorf("list waiting sessions of %s: %w", organizationID, err)
	}

	assigned := 0
	for _, listed := range waiting {
		exhausted := false
		err := s.lanes.Do(ctx, listed.ID, func(ctx context.Context) error {
			session, err := s.load(ctx, organizationID, listed.ID)
			if err != nil {
				return err
			}
			if session.Status != chat.StatusWaiting {
				return nil
			}
			_, ok, err := s.assigner.Assign(ctx, session)
			if errors.Is(err, chat.ErrSessionConflict) {
				return nil
			}
			if err != nil {
				return err
			}
			if ok {
				assigned++
			} else {
				exhausted = true
			}
			return nil
		})
		if err != nil {
			return assigned, fmt.Errorf("sweep session %s: %w", listed.ID, err)
		}
		if exhausted {
			break
		}
	}
	if assigned > 0 {
		s.logger.Info("waiting sessions assigned",
			slog.String("organization_id", organizationID),
			slog.Int("assigned", assigned),
			slog.Int("waiting", len(waiting)),
		)
	}
	return assigned, nil
}

// Run sweeps every organization with waiting sessions each SweepInterval.
// Waiting sessions never time out; they stay queued until an agent frees up.
func (s *Service) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.SweepAll(ctx)
		}
	}
}

// SweepAll runs SweepOrganization for every organization with a queue.
func (s *Service) SweepAll(ctx context.Context) {
	orgs, err := s.meta.ListOrganizationsWithWaiting(ctx)
	if err != nil {
		s.logger.Warn("list organizations with waiting sessions", slog.Any("error", err))
		return
	}
	for _, org := range orgs {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.SweepOrganization(ctx, org); err != nil {
			s.logger.Warn("periodic sweep", slog.String("organization_id", org), slog.Any("error", err))
		}
	}
}
