package session

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/raasel/backend/internal/middleware"
	"github.com/raasel/backend/internal/model/chat"
	"github.com/raasel/backend/internal/service/assignment"
	sessionsvc "github.com/raasel/backend/internal/service/session"
	"github.com/raasel/backend/internal/store/memory"
)

type fixture struct {
	router *chi.Mux
	svc    *sessionsvc.Service
	meta   *memory.Metadata
}

func setupRouter(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	meta := memory.NewMetadata()
	if err := meta.PutOrganization(ctx, chat.Organization{ID: "acme"}); err != nil {
		t.Fatalf("put org: %v", err)
	}
	if err := meta.PutAgent(ctx, chat.Agent{ID: "a1", OrganizationID: "acme", Role: chat.RoleAgent, Status: chat.AgentActive}); err != nil {
		t.Fatalf("put agent: %v", err)
	}
	engine := assignment.New(meta, nil, nil, nil, assignment.Config{Ceiling: 5})
	svc := sessionsvc.NewService(meta, memory.NewMessageLog(), engine, nil, nil, nil, sessionsvc.Config{})

	r := chi.NewRouter()
	r.Use(middleware.Identity)
	New(svc).RegisterRoutes(r)
	return fixture{router: r, svc: svc, meta: meta}
}

func do(t *testing.T, r http.Handler, method, target, actorType, actorID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.HeaderOrganizationID, "acme")
	req.Header.Set(middleware.HeaderActorID, actorID)
	req.Header.Set(middleware.HeaderActorType, actorType)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func createSession(t *testing.T, f fixture, clientID string) chat.Session {
	t.Helper()
	resp := do(t, f.router, http.MethodPost, "/sessions", "client", clientID, map[string]string{"displayName": "Ada"})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	var session chat.Session
	if err := json.Unmarshal(resp.Body.Bytes(), &session); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	return session
}

func TestCreateSessionForClient(t *testing.T) {
	f := setupRouter(t)
	session := createSession(t, f, "c1")

	if session.ClientID != "c1" || session.Status != chat.StatusWaiting {
		t.Fatalf("unexpected session %+v", session)
	}
}

func TestCreateSessionForAnotherClientIsForbidden(t *testing.T) {
	f := setupRouter(t)
	resp := do(t, f.router, http.MethodPost, "/sessions", "client", "c1", map[string]string{"clientId": "c2"})

	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.Code)
	}
}

func TestCreateSessionRejectsUnknownFields(t *testing.T) {
	f := setupRouter(t)
	resp := do(t, f.router, http.MethodPost, "/sessions", "client", "c1", map[string]string{"personaId": "x"})

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestPostMessageAssignsAgent(t *testing.T) {
	f := setupRouter(t)
	session := createSession(t, f, "c1")

	resp := do(t, f.router, http.MethodPost, "/sessions/"+session.ID+"/messages", "client", "c1", map[string]string{"id": "m-1", "content": "hello"})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}

	resp = do(t, f.router, http.MethodGet, "/sessions/"+session.ID, "agent", "a1", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var got chat.Session
	if err := json.Unmarshal(resp.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != chat.StatusActive || got.AgentID != "a1" {
		t.Fatalf("expected active session for a1, got %+v", got)
	}
}

func TestListMessagesAfterRetry(t *testing.T) {
	f := setupRouter(t)
	session := createSession(t, f, "c1")
	target := "/sessions/" + session.ID + "/messages"

	for range 2 {
		resp := do(t, f.router, http.MethodPost, target, "client", "c1", map[string]string{"id": "m-42", "content": "hello"})
		if resp.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d", resp.Code)
		}
	}

	resp := do(t, f.router, http.MethodGet, target, "client", "c1", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var body struct {
		Messages []chat.Message `json:"messages"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Messages) != 1 || body.Messages[0].ID != "m-42" {
		t.Fatalf("expected a single m-42, got %+v", body.Messages)
	}

	resp = do(t, f.router, http.MethodGet, target+"?since=yesterday", "client", "c1", nil)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad since, got %d", resp.Code)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	f := setupRouter(t)
	session := createSession(t, f, "c1")
	base := "/sessions/" + session.ID

	if resp := do(t, f.router, http.MethodGet, "/sessions/missing", "client", "c1", nil); resp.Code != http.StatusNotFound {
		t.Fatalf("missing session: expected 404, got %d", resp.Code)
	}
	if resp := do(t, f.router, http.MethodGet, base, "client", "c2", nil); resp.Code != http.StatusForbidden {
		t.Fatalf("other client: expected 403, got %d", resp.Code)
	}
	if resp := do(t, f.router, http.MethodPost, base+"/messages", "client", "c1", map[string]string{"content": "  "}); resp.Code != http.StatusBadRequest {
		t.Fatalf("blank message: expected 400, got %d", resp.Code)
	}
	if resp := do(t, f.router, http.MethodPost, base+"/reassign", "client", "c1", nil); resp.Code != http.StatusForbidden {
		t.Fatalf("client reassign: expected 403, got %d", resp.Code)
	}

	if resp := do(t, f.router, http.MethodPost, base+"/close", "client", "c1", nil); resp.Code != http.StatusOK {
		t.Fatalf("close: expected 200, got %d", resp.Code)
	}
	if resp := do(t, f.router, http.MethodPost, base+"/close", "client", "c1", nil); resp.Code != http.StatusConflict {
		t.Fatalf("second close: expected 409, got %d", resp.Code)
	}
	if resp := do(t, f.router, http.MethodPost, base+"/messages", "client", "c1", map[string]string{"content": "late"}); resp.Code != http.StatusConflict {
		t.Fatalf("message to closed session: expected 409, got %d", resp.Code)
	}
}

func TestOtherTenantSeesNotFound(t *testing.T) {
	f := setupRouter(t)
	session := createSession(t, f, "c1")

	req := httptest.NewRequest(http.MethodGet, "/sessions/"+session.ID, nil)
	req.Header.Set(middleware.HeaderOrganizationID, "globex")
	req.Header.Set(middleware.HeaderActorID, "c1")
	req.Header.Set(middleware.HeaderActorType, "client")
	resp := httptest.NewRecorder()
	f.router.ServeHTTP(resp, req)

	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}
