// Package typing maintains typing indicators and online markers in the
// presence store and announces typing changes to the session room.
package typing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/raasel/backend/internal/clock"
	"github.com/raasel/backend/internal/model/chat"
	"github.com/raasel/backend/internal/model/event"
	"github.com/raasel/backend/internal/model/presence"
	"github.com/raasel/backend/internal/serial"
	"github.com/raasel/backend/internal/store"
)

// Publisher is the part of the fan-out hub the manager needs.
type Publisher interface {
	Publish(ctx context.Context, ev event.Event, rooms ...event.Room) error
}

// Config tunes indicator lifetimes.
type Config struct {
	TTL           time.Duration
	SweepInterval time.Duration
	OnlineTTL     time.Duration
	// NodeID scopes online markers to this process.
	NodeID string
}

// tracked is a typing entry started by this process, swept at expiry.
type tracked struct {
	entry          presence.Entry
	organizationID string
}

// Manager implements start/stop typing with debounce and expiry.
type Manager struct {
	presence  store.PresenceStore
	publisher Publisher
	clock     clock.Clock
	logger    *slog.Logger
	cfg       Config

	keys *serial.Executor

	mu      sync.Mutex
	started map[string]tracked
}

// New builds a manager.
func New(ps store.PresenceStore, publisher Publisher, clk clock.Clock, logger *slog.Logger, cfg Config) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	if cfg.OnlineTTL <= 0 {
		cfg.OnlineTTL = time.Minute
	}
	if cfg.NodeID == "" {
		cfg.NodeID = "local"
	}
	return &Manager{
		presence:  ps,
		publisher: publisher,
		clock:     clk,
		logger:    logger.With("component", "typing"),
		cfg:       cfg,
		keys:      serial.New(),
		started:   make(map[string]tracked),
	}
}

// load returns the live entry at key, treating expired entries as absent.
func (m *Manager) load(ctx context.Context, key string) (presence.Entry, bool, error) {
	raw, err := m.presence.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return presence.Entry{}, false, nil
	}
	if err != nil {
		return presence.Entry{}, false, err
	}
	var entry presence.Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return presence.Entry{}, false, nil
	}
	if entry.Expired(m.clock.Now()) {
		return presence.Entry{}, false, nil
	}
	return entry, true, nil
}

func (m *Manager) save(ctx context.Context, entry presence.Entry, ttl time.Duration) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode presence entry: %w", err)
	}
	return m.presence.SetWithTTL(ctx, entry.Key(), raw, ttl)
}

// StartTyping marks actor as typing in sessionID. The first call publishes
// typing_start; calls while the indicator is live only extend it.
func (m *Manager) StartTyping(ctx context.Context, actor chat.Actor, sessionID string) error {
	key := presence.Key(presence.KindTyping, sessionID, actor.ID)
	return m.keys.Do(ctx, key, func(ctx context.Context) error {
		_, live, err := m.load(ctx, key)
		if err != nil {
			return err
		}
		entry := presence.Entry{
			SessionID: sessionID,
			ActorID:   actor.ID,
			ActorType: actor.Type,
			Kind:      presence.KindTyping,
			ExpiresAt: m.clock.Now().Add(m.cfg.TTL),
		}
		if err := m.save(ctx, entry, m.cfg.TTL); err != nil {
			return err
		}

		m.mu.Lock()
		_, ours := m.started[key]
		if !live || ours {
			m.started[key] = tracked{entry: entry, organizationID: actor.OrganizationID}
		}
		m.mu.Unlock()

		if live {
			return nil
		}
		m.announce(ctx, actor.OrganizationID, event.TypingStart(typingPayload(entry)))
		return nil
	})
}

// StopTyping clears the indicator and publishes typing_stop. It does
// nothing when the indicator is absent or already expired.
func (m *Manager) StopTyping(ctx context.Context, actor chat.Actor, sessionID string) error {
	key := presence.Key(presence.KindTyping, sessionID, actor.ID)
	return m.keys.Do(ctx, key, func(ctx context.Context) error {
		m.forget(key)
		entry, live, err := m.load(ctx, key)
		if err != nil {
			return err
		}
		if !live {
			return nil
		}
		if err := m.presence.Delete(ctx, key); err != nil {
			return err
		}
		m.announce(ctx, actor.OrganizationID, event.TypingStop(typingPayload(entry)))
		return nil
	})
}

// ClearActor drops every indicator of actor in sessionID. It runs when the
// actor's last connection to the session goes away.
func (m *Manager) ClearActor(ctx context.Context, actor chat.Actor, sessionID string) {
	if err := m.StopTyping(ctx, actor, sessionID); err != nil {
		m.logger.Warn("clear typing on disconnect",
			slog.String("session_id", sessionID),
			slog.String("actor_id", actor.ID),
			slog.Any("error", err),
		)
	}
	if err := m.MarkOffline(ctx, actor, sessionID); err != nil {
		m.logger.Warn("mark offline",
			slog.String("session_id", sessionID),
			slog.String("actor_id", actor.ID),
			slog.Any("error", err),
		)
	}
}

// MarkOnline records or refreshes that actor has a live connection to
// sessionID through this process. Each process holds its own marker and is
// listed in the actor's holder set.
func (m *Manager) MarkOnline(ctx context.Context, actor chat.Actor, sessionID string) error {
	entry := presence.Entry{
		SessionID: sessionID,
		ActorID:   actor.ID,
		ActorType: actor.Type,
		Kind:      presence.KindOnline,
		NodeID:    m.cfg.NodeID,
		ExpiresAt: m.clock.Now().Add(m.cfg.OnlineTTL),
	}
	if err := m.save(ctx, entry, m.cfg.OnlineTTL); err != nil {
		return err
	}
	return m.presence.AddMember(ctx, presence.Key(presence.KindOnline, sessionID, actor.ID), m.cfg.NodeID)
}

// MarkOffline removes this process's online marker of actor in sessionID.
// Markers held by other processes stay.
func (m *Manager) MarkOffline(ctx context.Context, actor chat.Actor, sessionID string) error {
	if err := m.presence.Delete(ctx, presence.NodeKey(presence.KindOnline, sessionID, actor.ID, m.cfg.NodeID)); err != nil {
		return err
	}
	return m.presence.RemoveMember(ctx, presence.Key(presence.KindOnline, sessionID, actor.ID), m.cfg.NodeID)
}

// Online reports whether actorID has a live connection to sessionID through
// any process. Holders whose marker expired count as offline.
func (m *Manager) Online(ctx context.Context, sessionID, actorID string) (bool, error) {
	nodes, err := m.presence.Members(ctx, presence.Key(presence.KindOnline, sessionID, actorID))
	if err != nil {
		return false, err
	}
	for _, node := range nodes {
		_, live, err := m.load(ctx, presence.NodeKey(presence.KindOnline, sessionID, actorID, node))
		if err != nil {
			return false, err
		}
		if live {
			return true, nil
		}
	}
	return false, nil
}

// Typing reports whether actorID has a live typing indicator in sessionID.
func (m *Manager) Typing(ctx context.Context, sessionID, actorID string) (bool, error) {
	_, live, err := m.load(ctx, presence.Key(presence.KindTyping, sessionID, actorID))
	return live, err
}

func (m *Manager) forget(key string) {
	m.mu.Lock()
	delete(m.started, key)
	m.mu.Unlock()
}

func (m *Manager) announce(ctx context.Context, organizationID string, payload event.Payload) {
	if m.publisher == nil {
		return
	}
	ev := event.New(organizationID, m.clock.Now(), payload)
	if err := m.publisher.Publish(ctx, ev, event.SessionRoom(ev.SessionID())); err != nil {
		m.logger.Warn("publish typing event",
			slog.String("type", string(ev.Type())),
			slog.String("session_id", ev.SessionID()),
			slog.Any("error", err),
		)
	}
}

func typingPayload(entry presence.Entry) event.Typing {
	return event.Typing{SessionID: entry.SessionID, ActorID: entry.ActorID, ActorType: entry.ActorType}
}
