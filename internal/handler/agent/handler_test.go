package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/raasel/backend/internal/middleware"
	"github.com/raasel/backend/internal/model/chat"
)

type stubService struct {
	gotActor  chat.Actor
	gotAgent  string
	gotStatus chat.AgentStatus
	err       error
}

func (s *stubService) UpdateAgentStatus(_ context.Context, actor chat.Actor, agentID string, status chat.AgentStatus) (chat.Agent, error) {
	s.gotActor, s.gotAgent, s.gotStatus = actor, agentID, status
	if s.err != nil {
		return chat.Agent{}, s.err
	}
	return chat.Agent{ID: agentID, OrganizationID: actor.OrganizationID, Status: status}, nil
}

func setupRouter(svc StatusService) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Identity)
	New(svc).RegisterRoutes(r)
	return r
}

func request(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPut, "/agents/a1/status", strings.NewReader(body))
	req.Header.Set(middleware.HeaderOrganizationID, "acme")
	req.Header.Set(middleware.HeaderActorID, "a1")
	req.Header.Set(middleware.HeaderActorType, "agent")
	return req
}

func TestSetStatus(t *testing.T) {
	svc := &stubService{}
	resp := httptest.NewRecorder()

	setupRouter(svc).ServeHTTP(resp, request(`{"status":"active"}`))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if svc.gotAgent != "a1" || svc.gotStatus != chat.AgentActive || svc.gotActor.OrganizationID != "acme" {
		t.Fatalf("unexpected call %+v", svc)
	}
	var agent chat.Agent
	if err := json.Unmarshal(resp.Body.Bytes(), &agent); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if agent.Status != chat.AgentActive {
		t.Fatalf("expected active, got %q", agent.Status)
	}
}

func TestSetStatusErrors(t *testing.T) {
	cases := map[string]struct {
		body string
		err  error
		want int
	}{
		"bad body":      {body: `{`, want: http.StatusBadRequest},
		"bad status":    {body: `{"status":"asleep"}`, err: chat.ErrInvalidStatus, want: http.StatusBadRequest},
		"unknown agent": {body: `{"status":"busy"}`, err: chat.ErrAgentNotFound, want: http.StatusNotFound},
		"not allowed":   {body: `{"status":"busy"}`, err: chat.ErrUnauthorized, want: http.StatusForbidden},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			resp := httptest.NewRecorder()
			setupRouter(&stubService{err: tc.err}).ServeHTTP(resp, request(tc.body))
			if resp.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, resp.Code)
			}
		})
	}
}
