package session

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/raasel/backend/internal/handler/apierr"
	"github.com/raasel/backend/internal/middleware"
	"github.com/raasel/backend/internal/model/chat"
	"github.com/raasel/backend/pkg/utils"
)

// Service is the session lifecycle the handler exposes.
type Service interface {
	CreateSession(ctx context.Context, organizationID string, client chat.Client) (chat.Session, error)
	GetSession(ctx context.Context, actor chat.Actor, sessionID string) (chat.Session, error)
	ListMessages(ctx context.Context, actor chat.Actor, sessionID string, since time.Time) ([]chat.Message, error)
	RecordInboundMessage(ctx context.Context, sessionID string, msg chat.Message) (chat.Message, error)
	CloseSession(ctx context.Context, sessionID string, actor chat.Actor) (chat.Session, error)
	Reassign(ctx context.Context, sessionID string, actor chat.Actor) (chat.Session, error)
}

// Handler serves the session REST endpoints.
type Handler struct {
	svc Service
}

// New creates a session handler.
func New(svc Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the session routes. Requests must carry an actor.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.handleCreate)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", h.handleGet)
			r.Get("/messages", h.handleListMessages)
			r.Post("/messages", h.handlePostMessage)
			r.Post("/close", h.handleClose)
			r.Post("/reassign", h.handleReassign)
		})
	})
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFrom(r.Context())
	if !ok {
		utils.RespondError(w, http.StatusUnauthorized, "missing actor identity")
		return
	}

	var payload struct {
		ClientID    string          `json:"clientId"`
		DisplayName string          `json:"displayName"`
		Contact     json.RawMessage `json:"contact"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	clientID := strings.TrimSpace(payload.ClientID)
	if actor.Type == chat.SenderClient {
		// Clients open sessions for themselves only.
		if clientID != "" && clientID != actor.ID {
			apierr.Respond(w, r, chat.ErrUnauthorized)
			return
		}
		clientID = actor.ID
	}

	session, err := h.svc.CreateSession(r.Context(), actor.OrganizationID, chat.Client{
		ID:          clientID,
		DisplayName: payload.DisplayName,
		Contact:     payload.Contact,
	})
	if err != nil {
		apierr.Respond(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, session)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.ActorFrom(r.Context())
	session, err := h.svc.GetSession(r.Context(), actor, chi.URLParam(r, "sessionID"))
	if err != nil {
		apierr.Respond(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, session)
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.ActorFrom(r.Context())

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			utils.RespondError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		since = parsed
	}

	messages, err := h.svc.ListMessages(r.Context(), actor, chi.URLParam(r, "sessionID"), since)
	if err != nil {
		apierr.Respond(w, r, err)
		return
	}
	if messages == nil {
		messages = []chat.Message{}
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (h *Handler) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.ActorFrom(r.Context())

	var payload struct {
		ID      string `json:"id"`
		Content string `json:"content"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	stored, err := h.svc.RecordInboundMessage(r.Context(), chi.URLParam(r, "sessionID"), chat.Message{
		ID:             payload.ID,
		OrganizationID: actor.OrganizationID,
		SenderID:       actor.ID,
		SenderType:     actor.Type,
		Content:        payload.Content,
	})
	if err != nil {
		apierr.Respond(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusCreated, stored)
}

func (h *Handler) handleClose(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.ActorFrom(r.Context())
	session, err := h.svc.CloseSession(r.Context(), chi.URLParam(r, "sessionID"), actor)
	if err != nil {
		apierr.Respond(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, session)
}

func (h *Handler) handleReassign(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.ActorFrom(r.Context())
	session, err := h.svc.Reassign(r.Context(), chi.URLParam(r, "sessionID"), actor)
	if err != nil {
		apierr.Respond(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, session)
}
