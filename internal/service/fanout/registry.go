package fanout

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/raasel/backend/internal/clock"
	"github.com/raasel/backend/internal/model/event"
	"github.com/raasel/backend/internal/store"
)

// Registry keys in the presence store. Each write touches one key.
func connKey(connID string) string { return "conn:" + connID }
func nodeKey(nodeID string) string { return "node:" + nodeID }
func roomKey(room event.Room) string { return "room:" + string(room) }

// register records the connection and this process in the registry.
func (h *Hub) register(ctx context.Context, connID string, rooms []event.Room) error {
	ttl := h.cfg.RegistryTTL
	if err := h.presence.SetWithTTL(ctx, nodeKey(h.nodeID), []byte(h.nodeID), ttl); err != nil {
		return err
	}
	if err := h.presence.SetWithTTL(ctx, connKey(connID), []byte(h.nodeID), ttl); err != nil {
		return err
	}
	return h.syncRooms(ctx, rooms)
}

// syncRooms makes the membership set of each room match local state: this
// process is listed while it holds at least one member. Writes for a room
// are serialized so a late leave never erases a newer join.
func (h *Hub) syncRooms(ctx context.Context, rooms []event.Room) error {
	var errs []error
	for _, room := range rooms {
		err := h.registry.Do(ctx, string(room), func(ctx context.Context) error {
			h.mu.RLock()
			held := len(h.rooms[room]) > 0
			h.mu.RUnlock()
			if held {
				return h.presence.AddMember(ctx, roomKey(room), h.nodeID)
			}
			return h.presence.RemoveMember(ctx, roomKey(room), h.nodeID)
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// nodesFor returns the union of processes listed for rooms.
func (h *Hub) nodesFor(ctx context.Context, rooms []event.Room) ([]string, error) {
	seen := make(map[string]struct{})
	var (
		nodes []string
		errs  []error
	)
	for _, room := range rooms {
		members, err := h.presence.Members(ctx, roomKey(room))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, node := range members {
			if _, dup := seen[node]; dup {
				continue
			}
			seen[node] = struct{}{}
			nodes = append(nodes, node)
		}
	}
	return nodes, errors.Join(errs...)
}

// alive reports whether node refreshed its liveness key within the TTL.
// Lookup failures count as alive so a flaky store never prunes.
func (h *Hub) alive(ctx context.Context, node string) bool {
	_, err := h.presence.Get(ctx, nodeKey(node))
	return !errors.Is(err, store.ErrNotFound)
}

// prune drops a dead process from the membership sets of rooms.
func (h *Hub) prune(ctx context.Context, node string, rooms []event.Room) {
	for _, room := range rooms {
		if err := h.presence.RemoveMember(ctx, roomKey(room), node); err != nil {
			h.logger.Warn("prune stale node", slog.String("stale_node", node), slog.Any("error", err))
			return
		}
	}
	h.logger.Info("pruned stale node", slog.String("stale_node", node), slog.Int("rooms", len(rooms)))
}

// Run refreshes this process's registry entries every third of the TTL
// until ctx is done, then removes them.
func (h *Hub) Run(ctx context.Context, clk clock.Clock) error {
	if clk == nil {
		clk = clock.Real()
	}
	interval := h.cfg.RegistryTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := clk.NewTicker(interval)
	defer ticker.Stop()

	h.heartbeat(ctx)
	for {
		select {
		case <-ctx.Done():
			cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			h.deregister(cleanupCtx)
			cancel()
			return nil
		case <-ticker.C:
			h.heartbeat(ctx)
		}
	}
}

func (h *Hub) heartbeat(ctx context.Context) {
	ttl := h.cfg.RegistryTTL
	if err := h.presence.SetWithTTL(ctx, nodeKey(h.nodeID), []byte(h.nodeID), ttl); err != nil {
		h.logger.Warn("registry heartbeat failed", slog.Any("error", err))
		return
	}

	h.mu.RLock()
	connIDs := make([]string, 0, len(h.members))
	for id := range h.members {
		connIDs = append(connIDs, id)
	}
	rooms := make([]event.Room, 0, len(h.rooms))
	for room := range h.rooms {
		rooms = append(rooms, room)
	}
	h.mu.RUnlock()

	for _, id := range connIDs {
		if err := h.presence.SetWithTTL(ctx, connKey(id), []byte(h.nodeID), ttl); err != nil {
			h.logger.Warn("refresh connection key", slog.String("conn_id", id), slog.Any("error", err))
		}
	}
	if err := h.syncRooms(ctx, rooms); err != nil {
		h.logger.Warn("refresh room membership", slog.Any("error", err))
	}
}

func (h *Hub) deregister(ctx context.Context) {
	h.mu.RLock()
	connIDs := make([]string, 0, len(h.members))
	for id := range h.members {
		connIDs = append(connIDs, id)
	}
	rooms := make([]event.Room, 0, len(h.rooms))
	for room := range h.rooms {
		rooms = append(rooms, room)
	}
	h.mu.RUnlock()

	for _, room := range rooms {
		_ = h.presence.RemoveMember(ctx, roomKey(room), h.nodeID)
	}
	for _, id := range connIDs {
		_ = h.presence.Delete(ctx, connKey(id))
	}
	if err := h.presence.Delete(ctx, nodeKey(h.nodeID)); err != nil {
		h.logger.Warn("deregister node", slog.Any("error", err))
	}
}
