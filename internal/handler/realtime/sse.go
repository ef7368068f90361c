package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/raasel/backend/internal/handler/apierr"
	"github.com/raasel/backend/internal/middleware"
	"github.com/raasel/backend/internal/model/event"
	"github.com/raasel/backend/pkg/utils"
)

const keepAliveInterval = 15 * time.Second

// SSEHandler serves realtime subscriptions as a Server-Sent Events stream.
// It is receive-only; senders use the REST endpoints.
type SSEHandler struct {
	hub       Hub
	presence  Presence
	logger    *slog.Logger
	keepAlive time.Duration
}

// NewSSEHandler creates the event-stream handler.
func NewSSEHandler(hub Hub, presence Presence, logger *slog.Logger) *SSEHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SSEHandler{
		hub:       hub,
		presence:  presence,
		logger:    logger.With("component", "sse"),
		keepAlive: keepAliveInterval,
	}
}

// RegisterRoutes mounts the event stream.
func (h *SSEHandler) RegisterRoutes(r chi.Router) {
	r.Get("/events", h.handleEvents)
}

func (h *SSEHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	actor, ok := middleware.ActorFrom(r.Context())
	if !ok {
		utils.RespondError(w, http.StatusUnauthorized, "missing actor identity")
		return
	}
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))

	conn := newQueueConn()
	rooms, err := h.hub.Subscribe(r.Context(), conn, actor, sessionID)
	if err != nil {
		apierr.Respond(w, r, err)
		return
	}
	defer func() {
		conn.close()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), releaseTimeout)
		defer cancel()
		if err := h.hub.Unsubscribe(ctx, conn); err != nil {
			h.logger.Warn("unsubscribe", slog.String("conn_id", conn.ID()), slog.Any("error", err))
		}
	}()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	if err := utils.SendSSEEvent(w, flusher, "", "subscribed", map[string]any{"rooms": rooms}); err != nil {
		return
	}
	h.logger.Info("stream opened",
		slog.String("conn_id", conn.ID()),
		slog.String("actor_id", actor.ID),
		slog.String("session_id", sessionID),
	)

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.done:
			if conn.overflowed() {
				_ = utils.SendSSEEvent(w, flusher, "", "resync", map[string]string{"reason": "subscriber too slow"})
			}
			return
		case ev := <-conn.out:
			frame := event.ToFrame(ev)
			if err := utils.SendSSEEvent(w, flusher, ev.ID, string(frame.Type), frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "keep-alive"); err != nil {
				return
			}
			if sessionID != "" && h.presence != nil {
				if err := h.presence.MarkOnline(ctx, actor, sessionID); err != nil {
					h.logger.Debug("refresh online marker", slog.Any("error", err))
				}
			}
		}
	}
}
