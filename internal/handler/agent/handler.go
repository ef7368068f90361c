package agent

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/raasel/backend/internal/handler/apierr"
	"github.com/raasel/backend/internal/middleware"
	"github.com/raasel/backend/internal/model/chat"
	"github.com/raasel/backend/pkg/utils"
)

// StatusService changes agent availability.
type StatusService interface {
	UpdateAgentStatus(ctx context.Context, actor chat.Actor, agentID string, status chat.AgentStatus) (chat.Agent, error)
}

// Handler serves agent availability.
type Handler struct {
	svc StatusService
}

// New creates an agent handler.
func New(svc StatusService) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the agent routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Put("/agents/{agentID}/status", h.handleSetStatus)
}

func (h *Handler) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.ActorFrom(r.Context())

	var payload struct {
		Status chat.AgentStatus `json:"status"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	agent, err := h.svc.UpdateAgentStatus(r.Context(), actor, chi.URLParam(r, "agentID"), payload.Status)
	if err != nil {
		apierr.Respond(w, r, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, agent)
}
