package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/raasel/backend/internal/model/chat"
	"github.com/raasel/backend/pkg/utils"
)

// Headers set by the authenticating gateway in front of the core.
const (
	HeaderOrganizationID = "X-Organization-ID"
	HeaderActorID        = "X-Actor-ID"
	HeaderActorType      = "X-Actor-Type"
)

// Query parameters carrying the same identity for browser websocket and
// EventSource clients, which cannot set headers.
const (
	queryOrganizationID = "org"
	queryActorID        = "actor"
	queryActorType      = "actor_type"
)

type actorKey struct{}

// Identity resolves the verified actor of the request and rejects requests
// without one.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorFromRequest(r)
		if !ok {
			utils.RespondError(w, http.StatusUnauthorized, "missing or invalid actor identity")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

func actorFromRequest(r *http.Request) (chat.Actor, bool) {
	query := r.URL.Query()
	pick := func(header, param string) string {
		if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
			return v
		}
		return strings.TrimSpace(query.Get(param))
	}

	actor := chat.Actor{
		OrganizationID: pick(HeaderOrganizationID, queryOrganizationID),
		ID:             pick(HeaderActorID, queryActorID),
		Type:           chat.ActorType(strings.ToLower(pick(HeaderActorType, queryActorType))),
	}
	if actor.OrganizationID == "" || actor.ID == "" || !actor.Type.Valid() {
		return chat.Actor{}, false
	}
	return actor, true
}

// WithActor stores actor in ctx.
func WithActor(ctx context.Context, actor chat.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor stored by Identity.
func ActorFrom(ctx context.Context) (chat.Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(chat.Actor)
	return actor, ok
}
