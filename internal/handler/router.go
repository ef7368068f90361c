package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/raasel/backend/internal/handler/agent"
	"github.com/raasel/backend/internal/handler/realtime"
	"github.com/raasel/backend/internal/handler/session"
	middlewarePkg "github.com/raasel/backend/internal/middleware"
	sessionService "github.com/raasel/backend/internal/service/session"
	"github.com/raasel/backend/pkg/utils"
)

// Deps are the services behind the HTTP surface.
type Deps struct {
	Sessions *sessionService.Service
	Hub      realtime.Hub
	Presence realtime.Presence
	Limits   realtime.Limits
	Logger   *slog.Logger
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	sessionHandler := session.New(deps.Sessions)
	agentHandler := agent.New(deps.Sessions)
	wsHandler := realtime.NewWebSocketHandler(deps.Hub, deps.Sessions, deps.Presence, deps.Limits, deps.Logger)
	sseHandler := realtime.NewSSEHandler(deps.Hub, deps.Presence, deps.Logger)

	r.Route("/api", func(api chi.Router) {
		api.Use(middlewarePkg.Identity)

		sessionHandler.RegisterRoutes(api)
		agentHandler.RegisterRoutes(api)
		wsHandler.RegisterRoutes(api)
		sseHandler.RegisterRoutes(api)
	})

	return r
}
