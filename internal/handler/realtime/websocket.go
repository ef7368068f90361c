package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/raasel/backend/internal/handler/apierr"
	"github.com/raasel/backend/internal/middleware"
	"github.com/raasel/backend/internal/model/chat"
	"github.com/raasel/backend/internal/model/event"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxFrameBytes  = 64 << 10
	releaseTimeout = 5 * time.Second
)

// SessionService is the write path reachable from inbound frames.
type SessionService interface {
	RecordInboundMessage(ctx context.Context, sessionID string, msg chat.Message) (chat.Message, error)
	CloseSession(ctx context.Context, sessionID string, actor chat.Actor) (chat.Session, error)
}

// Presence records typing and liveness of connected actors.
type Presence interface {
	StartTyping(ctx context.Context, actor chat.Actor, sessionID string) error
	StopTyping(ctx context.Context, actor chat.Actor, sessionID string) error
	MarkOnline(ctx context.Context, actor chat.Actor, sessionID string) error
}

// Limits bounds inbound frames per connection.
type Limits struct {
	FrameRate  rate.Limit
	FrameBurst int
}

// WebSocketHandler serves realtime subscriptions over websockets.
type WebSocketHandler struct {
	hub      Hub
	sessions SessionService
	presence Presence
	limits   Limits
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewWebSocketHandler creates the websocket handler.
func NewWebSocketHandler(hub Hub, sessions SessionService, presence Presence, limits Limits, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if limits.FrameRate <= 0 {
		limits.FrameRate = 10
	}
	if limits.FrameBurst <= 0 {
		limits.FrameBurst = 20
	}
	return &WebSocketHandler{
		hub:      hub,
		sessions: sessions,
		presence: presence,
		limits:   limits,
		logger:   logger.With("component", "websocket"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes mounts the websocket endpoint.
func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

type inboundFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type messageData struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

type replyFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type wsClient struct {
	*queueConn
	ws        *websocket.Conn
	actor     chat.Actor
	sessionID string
	limiter   *rate.Limiter
	replies   chan replyFrame
}

// handleWebSocket subscribes the caller before upgrading, so authorization
// failures surface as plain HTTP errors.
func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFrom(r.Context())
	if !ok {
		http.Error(w, "missing actor identity", http.StatusUnauthorized)
		return
	}
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))

	conn := newQueueConn()
	if _, err := h.hub.Subscribe(r.Context(), conn, actor, sessionID); err != nil {
		apierr.Respond(w, r, err)
		return
	}
	defer h.release(r.Context(), conn)

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", slog.Any("error", err))
		return
	}
	defer ws.Close()

	client := &wsClient{
		queueConn: conn,
		ws:        ws,
		actor:     actor,
		sessionID: sessionID,
		limiter:   rate.NewLimiter(h.limits.FrameRate, h.limits.FrameBurst),
		replies:   make(chan replyFrame, 8),
	}
	h.logger.Info("connection opened",
		slog.String("conn_id", conn.ID()),
		slog.String("actor_id", actor.ID),
		slog.String("session_id", sessionID),
	)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		h.writeLoop(ctx, client)
		// A dead writer must also stop the reader.
		conn.close()
		_ = ws.Close()
	}()

	h.readLoop(ctx, client)
	conn.close()
	h.logger.Info("connection closed", slog.String("conn_id", conn.ID()))
}

func (h *WebSocketHandler) release(ctx context.Context, conn *queueConn) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := h.hub.Unsubscribe(ctx, conn); err != nil {
		h.logger.Warn("unsubscribe", slog.String("conn_id", conn.ID()), slog.Any("error", err))
	}
}

func (h *WebSocketHandler) readLoop(ctx context.Context, c *wsClient) {
	c.ws.SetReadLimit(maxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if c.sessionID != "" {
			if err := h.presence.MarkOnline(ctx, c.actor, c.sessionID); err != nil {
				h.logger.Debug("refresh online marker", slog.Any("error", err))
			}
		}
		return nil
	})

	for {
		var frame inboundFrame
		if err := c.ws.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("read error", slog.String("conn_id", c.ID()), slog.Any("error", err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		if !c.limiter.Allow() {
			h.replyError(c, frame, frameError("rate limit exceeded"))
			continue
		}
		h.handleFrame(ctx, c, frame)
	}
}

func (h *WebSocketHandler) handleFrame(ctx context.Context, c *wsClient, frame inboundFrame) {
	sessionID := frame.SessionID
	if sessionID == "" {
		sessionID = c.sessionID
	}
	if sessionID == "" {
		h.replyError(c, frame, frameError("sessionId is required"))
		return
	}

	switch frame.Type {
	case "message":
		var data messageData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			h.replyError(c, frame, frameError("invalid message payload"))
			return
		}
		stored, err := h.sessions.RecordInboundMessage(ctx, sessionID, chat.Message{
			ID:             data.ID,
			OrganizationID: c.actor.OrganizationID,
			SenderID:       c.actor.ID,
			SenderType:     c.actor.Type,
			Content:        data.Content,
		})
		if err != nil {
			h.replyError(c, frame, err)
			return
		}
		if sessionID == c.sessionID {
			if err := h.presence.StopTyping(ctx, c.actor, sessionID); err != nil {
				h.logger.Debug("stop typing after message", slog.Any("error", err))
			}
		}
		h.reply(c, replyFrame{Type: "ack", RequestID: frame.RequestID, Data: stored})

	case "typing_start", "typing_stop":
		// Typing is scoped to the session this connection watches.
		if sessionID != c.sessionID {
			h.replyError(c, frame, frameError("session mismatch"))
			return
		}
		var err error
		if frame.Type == "typing_start" {
			err = h.presence.StartTyping(ctx, c.actor, sessionID)
		} else {
			err = h.presence.StopTyping(ctx, c.actor, sessionID)
		}
		if err != nil {
			h.replyError(c, frame, err)
		}

	case "close":
		session, err := h.sessions.CloseSession(ctx, sessionID, c.actor)
		if err != nil {
			h.replyError(c, frame, err)
			return
		}
		h.reply(c, replyFrame{Type: "ack", RequestID: frame.RequestID, Data: session})

	default:
		h.replyError(c, frame, frameError("unsupported frame type: "+frame.Type))
	}
}

// frameError is a protocol error reported verbatim to the sender.
type frameError string

func (e frameError) Error() string { return string(e) }

func (h *WebSocketHandler) replyError(c *wsClient, frame inboundFrame, err error) {
	var protocol frameError
	message := apierr.Message(err)
	if errors.As(err, &protocol) {
		message = protocol.Error()
	} else if apierr.Status(err) >= http.StatusInternalServerError {
		h.logger.Warn("frame failed",
			slog.String("conn_id", c.ID()),
			slog.String("type", frame.Type),
			slog.Any("error", err),
		)
	}
	h.reply(c, replyFrame{Type: "error", RequestID: frame.RequestID, Data: map[string]string{"message": message}})
}

func (h *WebSocketHandler) reply(c *wsClient, frame replyFrame) {
	frame.Timestamp = time.Now().UnixMilli()
	select {
	case c.replies <- frame:
	case <-c.done:
	}
}

// writeLoop owns every write to the socket: events, replies and pings.
func (h *WebSocketHandler) writeLoop(ctx context.Context, c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	write := func(v any) bool {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteJSON(v); err != nil {
			h.logger.Debug("write failed", slog.String("conn_id", c.ID()), slog.Any("error", err))
			return false
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			if c.overflowed() {
				_ = c.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "resync required"),
					time.Now().Add(writeWait))
			}
			return
		case ev := <-c.out:
			if !write(event.ToFrame(ev)) {
				return
			}
		case frame := <-c.replies:
			if !write(frame) {
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
