// Package fanout delivers events to every connection subscribed to a room,
// across all API processes. Local connections live in this process; the
// presence store records which processes hold members of which room, and the
// relay carries events to those processes.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/raasel/backend/internal/model/chat"
	"github.com/raasel/backend/internal/model/event"
	"github.com/raasel/backend/internal/relay"
	"github.com/raasel/backend/internal/serial"
	"github.com/raasel/backend/internal/store"
)

// Conn is a subscriber connection owned by this process. Send must not
// block; slow connections drop events.
type Conn interface {
	ID() string
	Send(ev event.Event) error
}

// Hooks observe connection membership per session.
type Hooks struct {
	// Join runs after an actor's connection joins a session room.
	Join func(ctx context.Context, actor chat.Actor, sessionID string)
	// Leave runs when an actor's last local connection leaves a session room.
	Leave func(ctx context.Context, actor chat.Actor, sessionID string)
}

// Config tunes the hub.
type Config struct {
	NodeID         string
	PublishTimeout time.Duration
	RegistryTTL    time.Duration
	// MaxParallelSends bounds concurrent relay sends per publish.
	MaxParallelSends int
}

type member struct {
	conn  Conn
	actor chat.Actor
	rooms []event.Room
}

// Hub is the realtime fan-out core of one process.
type Hub struct {
	nodeID   string
	presence store.PresenceStore
	relay    relay.Relay
	authz    *Authorizer
	logger   *slog.Logger
	cfg      Config
	hooks    Hooks

	// registry serializes membership-set writes per room.
	registry *serial.Executor

	mu      sync.RWMutex
	members map[string]*member
	rooms   map[event.Room]map[string]*member
}

// New builds a hub for cfg.NodeID.
func New(presence store.PresenceStore, rl relay.Relay, authz *Authorizer, logger *slog.Logger, cfg Config) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	if cfg.RegistryTTL <= 0 {
		cfg.RegistryTTL = time.Minute
	}
	if cfg.MaxParallelSends <= 0 {
		cfg.MaxParallelSends = 16
	}
	return &Hub{
		nodeID:   cfg.NodeID,
		presence: presence,
		relay:    rl,
		authz:    authz,
		logger:   logger.With("component", "fanout", "node_id", cfg.NodeID),
		cfg:      cfg,
		registry: serial.New(),
		members:  make(map[string]*member),
		rooms:    make(map[event.Room]map[string]*member),
	}
}

// SetHooks installs membership hooks. Call before serving connections.
func (h *Hub) SetHooks(hooks Hooks) { h.hooks = hooks }

// NodeID returns the registry identity of this process.
func (h *Hub) NodeID() string { return h.nodeID }

// Subscribe authorizes actor and registers conn in the organization room
// and, when sessionID is set, the session room. It returns the joined rooms.
func (h *Hub) Subscribe(ctx context.Context, conn Conn, actor chat.Actor, sessionID string) ([]event.Room, error) {
	rooms, err := h.authz.Rooms(ctx, actor, sessionID)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	if _, dup := h.members[conn.ID()]; dup {
		h.mu.Unlock()
		return nil, fmt.Errorf("connection %s already subscribed", conn.ID())
	}
	m := &member{conn: conn, actor: actor, rooms: rooms}
	h.members[conn.ID()] = m
	for _, room := range rooms {
		set, ok := h.rooms[room]
		if !ok {
			set = make(map[string]*member)
			h.rooms[room] = set
		}
		set[conn.ID()] = m
	}
	h.mu.Unlock()

	if err := h.register(ctx, conn.ID(), rooms); err != nil {
		h.drop(conn.ID())
		_ = h.syncRooms(context.WithoutCancel(ctx), rooms)
		return nil, err
	}

	h.logger.Debug("connection subscribed",
		slog.String("conn_id", conn.ID()),
		slog.String("organization_id", actor.OrganizationID),
		slog.String("actor_id", actor.ID),
		slog.Int("rooms", len(rooms)),
	)
	if h.hooks.Join != nil && sessionID != "" {
		h.hooks.Join(ctx, actor, sessionID)
	}
	return rooms, nil
}

// Unsubscribe removes conn from every room it joined. Leave hooks run for
// sessions the actor no longer watches from this process.
func (h *Hub) Unsubscribe(ctx context.Context, conn Conn) error {
	m := h.drop(conn.ID())
	if m == nil {
		return nil
	}

	var errs []error
	if err := h.presence.Delete(ctx, connKey(conn.ID())); err != nil {
		errs = append(errs, err)
	}
	if err := h.syncRooms(ctx, m.rooms); err != nil {
		errs = append(errs, err)
	}

	if h.hooks.Leave != nil {
		for _, room := range m.rooms {
			sessionID, ok := room.SessionID()
			if !ok || h.watching(m.actor, room) {
				continue
			}
			h.hooks.Leave(ctx, m.actor, sessionID)
		}
	}
	return errors.Join(errs...)
}

// drop removes a connection from the local tables and returns it.
func (h *Hub) drop(connID string) *member {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.members[connID]
	if !ok {
		return nil
	}
	delete(h.members, connID)
	for _, room := range m.rooms {
		if set, ok := h.rooms[room]; ok {
			delete(set, connID)
			if len(set) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	return m
}

// watching reports whether another local connection of actor is in room.
func (h *Hub) watching(actor chat.Actor, room event.Room) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, m := range h.rooms[room] {
		if m.actor.ID == actor.ID && m.actor.OrganizationID == actor.OrganizationID {
			return true
		}
	}
	return false
}

// Publish delivers ev to the union of connections in rooms, once per
// connection. Local connections are served directly; each other process
// holding members receives one relayed envelope within the publish timeout.
// The returned error aggregates relay failures for logging.
func (h *Hub) Publish(ctx context.Context, ev event.Event, rooms ...event.Room) error {
	if ev.OrganizationID == "" || ev.Payload == nil {
		return fmt.Errorf("publish %s: event has no organization or payload", ev.ID)
	}
	if len(rooms) == 0 {
		return nil
	}

	nodes, err := h.nodesFor(ctx, rooms)
	if err != nil {
		h.logger.Warn("registry lookup failed, delivering locally only",
			slog.String("event_id", ev.ID), slog.Any("error", err))
	}

	h.deliverLocal(ev, rooms)

	remote := make([]string, 0, len(nodes))
	for _, node := range nodes {
		if node != h.nodeID {
			remote = append(remote, node)
		}
	}
	if len(remote) == 0 {
		return err
	}

	env, sealErr := event.Seal(ev, rooms, h.nodeID)
	if sealErr != nil {
		return errors.Join(err, sealErr)
	}

	var (
		mu   sync.Mutex
		errs = []error{err}
	)
	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	g.SetLimit(h.cfg.MaxParallelSends)
	for _, node := range remote {
		g.Go(func() error {
			sendCtx, cancel := context.WithTimeout(gctx, h.cfg.PublishTimeout)
			defer cancel()
			if sendErr := h.sendRemote(sendCtx, node, env, rooms); sendErr != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("relay to %s: %w", node, sendErr))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (h *Hub) sendRemote(ctx context.Context, node string, env event.Envelope, rooms []event.Room) error {
	if !h.alive(ctx, node) {
		h.prune(ctx, node, rooms)
		return nil
	}
	err := h.relay.Send(ctx, node, env)
	if errors.Is(err, relay.ErrUnreachable) {
		h.prune(ctx, node, rooms)
	}
	return err
}

// Deliver hands a relayed envelope to local connections.
func (h *Hub) Deliver(_ context.Context, env event.Envelope) error {
	ev, err := env.Open()
	if err != nil {
		return fmt.Errorf("open envelope %s: %w", env.Meta.ID, err)
	}
	h.deliverLocal(ev, env.Rooms)
	return nil
}

func (h *Hub) deliverLocal(ev event.Event, rooms []event.Room) {
	h.mu.RLock()
	targets := make(map[string]*member)
	for _, room := range rooms {
		for id, m := range h.rooms[room] {
			if m.actor.OrganizationID != ev.OrganizationID {
				continue
			}
			targets[id] = m
		}
	}
	h.mu.RUnlock()

	ids := make([]string, 0, len(targets))
	for id := range targets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := targets[id].conn.Send(ev); err != nil {
			h.logger.Debug("drop event for connection",
				slog.String("conn_id", id),
				slog.String("event_id", ev.ID),
				slog.Any("error", err),
			)
		}
	}
}

// LocalConnections returns how many connections this process holds.
func (h *Hub) LocalConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}
