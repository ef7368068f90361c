package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/raasel/backend/internal/model/chat"
)

func echoActor(t *testing.T, want chat.Actor) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := ActorFrom(r.Context())
		if !ok {
			t.Fatal("expected actor in context")
		}
		if got != want {
			t.Fatalf("expected %+v, got %+v", want, got)
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestIdentityFromHeaders(t *testing.T) {
	want := chat.Actor{ID: "a1", Type: chat.SenderAgent, OrganizationID: "acme"}
	req := httptest.NewRequest(http.MethodGet, "/api/sessions/s1", nil)
	req.Header.Set(HeaderOrganizationID, "acme")
	req.Header.Set(HeaderActorID, "a1")
	req.Header.Set(HeaderActorType, "Agent")
	resp := httptest.NewRecorder()

	Identity(echoActor(t, want)).ServeHTTP(resp, req)

	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
}

func TestIdentityFromQuery(t *testing.T) {
	want := chat.Actor{ID: "c1", Type: chat.SenderClient, OrganizationID: "acme"}
	req := httptest.NewRequest(http.MethodGet, "/api/ws?org=acme&actor=c1&actor_type=client", nil)
	resp := httptest.NewRecorder()

	Identity(echoActor(t, want)).ServeHTTP(resp, req)

	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
}

func TestIdentityRejectsIncompleteActor(t *testing.T) {
	for name, target := range map[string]string{
		"missing org":  "/api/ws?actor=c1&actor_type=client",
		"missing id":   "/api/ws?org=acme&actor_type=client",
		"unknown type": "/api/ws?org=acme&actor=c1&actor_type=robot",
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, target, nil)
			resp := httptest.NewRecorder()
			Identity(http.NotFoundHandler()).ServeHTTP(resp, req)
			if resp.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", resp.Code)
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/api/sessions", nil)
	resp := httptest.NewRecorder()

	CORS(http.NotFoundHandler()).ServeHTTP(resp, req)

	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
	if resp.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("expected allow-origin header")
	}
}
