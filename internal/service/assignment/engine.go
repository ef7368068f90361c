// Package assignment picks the agent for a waiting session and commits the
// choice against the agent's versioned load record.
package assignment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/raasel/backend/internal/clock"
	"github.com/raasel/backend/internal/model/chat"
	"github.com/raasel/backend/internal/model/event"
	"github.com/raasel/backend/internal/store"
)

const defaultMaxAttempts = 8

// Publisher is the part of the fan-out hub the engine needs.
type Publisher interface {
	Publish(ctx context.Context, ev event.Event, rooms ...event.Room) error
}

// Config bounds agent load and CAS retries.
type Config struct {
	// Ceiling is the most open sessions an agent may hold. Zero or less
	// disables the limit.
	Ceiling     int
	MaxAttempts int
}

// Engine implements least-recently-assigned round robin per organization.
type Engine struct {
	meta        store.MetadataStore
	publisher   Publisher
	clock       clock.Clock
	logger      *slog.Logger
	ceiling     int
	maxAttempts int
}

// New wires an engine. A nil publisher disables event emission.
func New(meta store.MetadataStore, publisher Publisher, clk clock.Clock, logger *slog.Logger, cfg Config) *Engine {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	return &Engine{
		meta:        meta,
		publisher:   publisher,
		clock:       clk,
		logger:      logger.With("component", "assignment"),
		ceiling:     cfg.Ceiling,
		maxAttempts: attempts,
	}
}

// Ceiling returns the configured per-agent limit.
func (e *Engine) Ceiling() int { return e.ceiling }

func (e *Engine) eligible(load chat.AgentLoad) bool {
	if load.Status != chat.AgentActive {
		return false
	}
	return e.ceiling <= 0 || load.OpenSessions < e.ceiling
}

// Candidates returns every eligible agent not listed in exclude, least
// recently assigned first.
func (e *Engine) Candidates(ctx context.Context, organizationID string, exclude ...string) ([]chat.AgentLoad, error) {
	agents, err := e.meta.GetEligibleAgents(ctx, organizationID)
	if err != nil {
		return nil, fmt.Errorf("load agents of %s: %w", organizationID, err)
	}
	candidates := make([]chat.AgentLoad, 0, len(agents))
	for _, load := range agents {
		if e.eligible(load) && !slices.Contains(exclude, load.ID) {
			candidates = append(candidates, load)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].AssignedBefore(candidates[j])
	})
	return candidates, nil
}

// SelectAgent returns the next agent in rotation. The boolean is false when
// no agent is available.
func (e *Engine) SelectAgent(ctx context.Context, organizationID string, exclude ...string) (chat.AgentLoad, bool, error) {
	candidates, err := e.Candidates(ctx, organizationID, exclude...)
	if err != nil {
		return chat.AgentLoad{}, false, err
	}
	if len(candidates) == 0 {
		return chat.AgentLoad{}, false, nil
	}
	return candidates[0], true, nil
}

// Assign binds a waiting session to the selected agent. The session write
// and the load increment are one atomic store operation; a lost CAS race
// re-reads the candidates. The returned boolean is false when nobody could
// take the session, which leaves it unchanged. Agents in exclude are skipped.
//
// When the stored session is no longer waiting, another writer got there
// first: Assign returns the stored session and chat.ErrSessionConflict.
func (e *Engine) Assign(ctx context.Context, session chat.Session, exclude ...string) (chat.Session, bool, error) {
	if session.Status != chat.StatusWaiting {
		return session, false, chat.ErrInvalidTransition
	}

	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		agent, ok, err := e.SelectAgent(ctx, session.OrganizationID, exclude...)
		if err != nil {
			return session, false, err
		}
		if !ok {
			return session, false, nil
		}

		now := e.clock.Now().UTC()
		assigned := session
		if err := assigned.Assign(agent.ID, now); err != nil {
			return session, false, err
		}
		_, err = e.meta.IncrementAgentLoad(ctx, store.LoadIncrement{
			OrganizationID:  session.OrganizationID,
			AgentID:         agent.ID,
			ExpectedVersion: agent.Version,
			Ceiling:         e.ceiling,
			AssignedAt:      now,
			Session:         assigned,
		})
		switch {
		case err == nil:
			e.logger.Info("session assigned",
				slog.String("organization_id", session.OrganizationID),
				slog.String("session_id", session.ID),
				slog.String("agent_id", agent.ID),
				slog.Int("attempt", attempt),
			)
			e.announce(ctx, assigned, now)
			return assigned, true, nil
		case errors.Is(err, chat.ErrSessionConflict):
			current, reloadErr := e.meta.GetSession(ctx, session.ID)
			if reloadErr != nil {
				return session, false, fmt.Errorf("reload session %s: %w", session.ID, reloadErr)
			}
			if current.Status == chat.StatusWaiting && current.AgentID == "" {
				session = current
				continue
			}
			e.logger.Info("session taken by another writer",
				slog.String("session_id", session.ID),
				slog.String("status", string(current.Status)),
				slog.String("agent_id", current.AgentID),
			)
			return current, false, fmt.Errorf("assign %s: %w", session.ID, chat.ErrSessionConflict)
		case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrNotFound):
			e.logger.Debug("assignment lost race, retrying",
				slog.String("session_id", session.ID),
				slog.String("agent_id", agent.ID),
				slog.Int("attempt", attempt),
			)
			continue
		default:
			return session, false, fmt.Errorf("commit assignment of %s: %w", session.ID, err)
		}
	}

	e.logger.Warn("assignment gave up after contention",
		slog.String("session_id", session.ID),
		slog.Int("attempts", e.maxAttempts),
	)
	return session, false, nil
}

// announce emits agent_assigned and the active status to the session and
// organization rooms.
func (e *Engine) announce(ctx context.Context, session chat.Session, at time.Time) {
	if e.publisher == nil {
		return
	}
	rooms := []event.Room{event.SessionRoom(session.ID), event.OrgRoom(session.OrganizationID)}
	for _, payload := range []event.Payload{
		event.AgentAssigned{SessionID: session.ID, AgentID: session.AgentID},
		event.SessionStatusUpdated{SessionID: session.ID, Status: chat.StatusActive},
	} {
		ev := event.New(session.OrganizationID, at, payload)
		if err := e.publisher.Publish(ctx, ev, rooms...); err != nil {
			e.logger.Warn("publish assignment event",
				slog.String("session_id", session.ID),
				slog.String("type", string(ev.Type())),
				slog.Any("error", err),
			)
		}
	}
}
