package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/raasel/backend/internal/model/chat"
	"github.com/raasel/backend/internal/store"
)

var base = time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)

func openTempStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "raasel.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return s
}

func seedTenant(t *testing.T, s *Store) {
	t.Helper()

	ctx := context.Background()
	if err := s.PutOrganization(ctx, chat.Organization{ID: "acme", Domain: "acme.test"}); err != nil {
		t.Fatalf("put organization: %v", err)
	}
	for _, id := range []string{"a1", "a2"} {
		agent := chat.Agent{ID: id, OrganizationID: "acme", Role: chat.RoleAgent, Status: chat.AgentActive}
		if err := s.PutAgent(ctx, agent); err != nil {
			t.Fatalf("put agent %s: %v", id, err)
		}
	}
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Open(context.Background(), " "); err == nil {
		t.Fatal("expected empty path error")
	}
}

func TestOpenIsIdempotentAcrossRestarts(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "raasel.db")
	first, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := first.PutOrganization(context.Background(), chat.Organization{ID: "acme"}); err != nil {
		t.Fatalf("put organization: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	if _, err := second.GetOrganization(context.Background(), "acme"); err != nil {
		t.Fatalf("get organization after reopen: %v", err)
	}
}

func TestPutAgentRequiresOrganization(t *testing.T) {
	t.Parallel()

	s := openTempStore(t)
	err := s.PutAgent(context.Background(), chat.Agent{ID: "a1", OrganizationID: "ghost", Role: chat.RoleAgent, Status: chat.AgentActive})
	if !errors.Is(err, chat.ErrTenantNotFound) {
		t.Fatalf("put agent error = %v, want ErrTenantNotFound", err)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	t.Parallel()

	s := openTempStore(t)
	seedTenant(t, s)
	ctx := context.Background()

	session := chat.Session{
		ID:             "s1",
		OrganizationID: "acme",
		ClientID:       "c1",
		Status:         chat.StatusWaiting,
		CreatedAt:      base,
		LastActivityAt: base,
	}
	if err := s.CreateSession(ctx, session); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := s.CreateSession(ctx, session); !errors.Is(err, store.ErrAlreadyExists) {
		t.Fatalf("duplicate create error = %v, want ErrAlreadyExists", err)
	}

	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != chat.StatusWaiting || !got.CreatedAt.Equal(base) || got.ClosedAt != nil {
		t.Fatalf("session = %+v", got)
	}

	if err := got.Transition(chat.StatusClosed, base.Add(time.Minute)); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.UpsertSession(ctx, got); err != nil {
		t.Fatalf("upsert session: %v", err)
	}
	closed, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get closed session: %v", err)
	}
	if closed.ClosedAt == nil || !closed.ClosedAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("closed_at = %v", closed.ClosedAt)
	}

	if _, err := s.GetSession(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing session error = %v, want ErrNotFound", err)
	}
}

func TestUpdateSessionSummaryKeepsLatestActivity(t *testing.T) {
	t.Parallel()

	s := openTempStore(t)
	seedTenant(t, s)
	ctx := context.Background()
	session := chat.Session{ID: "s1", OrganizationID: "acme", ClientID: "c1", Status: chat.StatusWaiting, CreatedAt: base, LastActivityAt: base.Add(time.Minute)}
	if err := s.CreateSession(ctx, session); err != nil {
		t.Fatalf("create session: %v", err)
	}

	if err := s.UpdateSessionSummary(ctx, "s1", "hello", base); err != nil {
		t.Fatalf("update summary: %v", err)
	}
	got, _ := s.GetSession(ctx, "s1")
	if got.LastMessagePreview != "hello" {
		t.Fatalf("preview = %q, want hello", got.LastMessagePreview)
	}
	if !got.LastActivityAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("last_activity_at moved backwards to %v", got.LastActivityAt)
	}
}

func TestWaitingSessionsOrderedOldestFirst(t *testing.T) {
	t.Parallel()

	s := openTempStore(t)
	seedTenant(t, s)
	ctx := context.Background()
	for i, id := range []string{"s3", "s1", "s2"} {
		session := chat.Session{ID: id, OrganizationID: "acme", ClientID: "c1", Status: chat.StatusWaiting, CreatedAt: base.Add(time.Duration(3-i) * time.Second)}
		if err := s.CreateSession(ctx, session); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	waiting, err := s.ListWaitingSessions(ctx, "acme")
	if err != nil {
		t.Fatalf("list waiting: %v", err)
	}
	var ids []string
	for _, session := range waiting {
		ids = append(ids, session.ID)
	}
	want := []string{"s2", "s1", "s3"}
	if len(ids) != len(want) {
		t.Fatalf("waiting = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("waiting = %v, want %v", ids, want)
		}
	}

	orgs, err := s.ListOrganizationsWithWaiting(ctx)
	if err != nil {
		t.Fatalf("list orgs: %v", err)
	}
	if len(orgs) != 1 || orgs[0] != "acme" {
		t.Fatalf("orgs = %v, want [acme]", orgs)
	}
}

func TestIncrementAgentLoadCompareAndSwap(t *testing.T) {
	t.Parallel()

	s := openTempStore(t)
	seedTenant(t, s)
	ctx := context.Background()
	session := chat.Session{ID: "s1", OrganizationID: "acme", ClientID: "c1", Status: chat.StatusWaiting, CreatedAt: base}
	if err := s.CreateSession(ctx, session); err != nil {
		t.Fatalf("create session: %v", err)
	}

	agents, err := s.GetEligibleAgents(ctx, "acme")
	if err != nil {
		t.Fatalf("eligible agents: %v", err)
	}
	if len(agents) != 2 {
		t.Fatalf("eligible agents = %d, want 2", len(agents))
	}

	assigned := session
	if err := assigned.Assign("a1", base); err != nil {
		t.Fatalf("assign: %v", err)
	}
	load, err := s.IncrementAgentLoad(ctx, store.LoadIncrement{
		OrganizationID:  "acme",
		AgentID:         "a1",
		ExpectedVersion: agents[0].Version,
		Ceiling:         1,
		AssignedAt:      base,
		Session:         assigned,
	})
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if load.OpenSessions != 1 || load.LastAssignedSeq != 1 {
		t.Fatalf("load = %+v", load)
	}

	got, _ := s.GetSession(ctx, "s1")
	if got.Status != chat.StatusActive || got.AgentID != "a1" {
		t.Fatalf("session not written with the load: %+v", got)
	}

	second := chat.Session{ID: "s2", OrganizationID: "acme", ClientID: "c2", Status: chat.StatusWaiting, CreatedAt: base}
	if err := s.CreateSession(ctx, second); err != nil {
		t.Fatalf("create second session: %v", err)
	}
	secondAssigned := second
	if err := secondAssigned.Assign("a1", base); err != nil {
		t.Fatalf("assign second: %v", err)
	}

	_, err = s.IncrementAgentLoad(ctx, store.LoadIncrement{
		OrganizationID:  "acme",
		AgentID:         "a1",
		ExpectedVersion: agents[0].Version,
		Ceiling:         5,
		AssignedAt:      base,
		Session:         secondAssigned,
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("stale version error = %v, want ErrConflict", err)
	}

	_, err = s.IncrementAgentLoad(ctx, store.LoadIncrement{
		OrganizationID:  "acme",
		AgentID:         "a1",
		ExpectedVersion: load.Version,
		Ceiling:         1,
		AssignedAt:      base,
		Session:         secondAssigned,
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("full agent error = %v, want ErrConflict", err)
	}
	if still, _ := s.GetSession(ctx, "s2"); still.Status != chat.StatusWaiting || still.AgentID != "" {
		t.Fatalf("refused assignment must not touch the session: %+v", still)
	}

	released := got
	if err := released.Transition(chat.StatusClosed, base.Add(time.Minute)); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.DecrementAgentLoad(ctx, "acme", "a1", released); err != nil {
		t.Fatalf("decrement: %v", err)
	}
	if err := s.DecrementAgentLoad(ctx, "acme", "a1", released); !errors.Is(err, chat.ErrSessionConflict) {
		t.Fatalf("second decrement error = %v, want ErrSessionConflict", err)
	}
	after, err := s.agentLoad(ctx, s.sqlDB, "acme", "a1")
	if err != nil {
		t.Fatalf("agent load: %v", err)
	}
	if after.OpenSessions != 0 {
		t.Fatalf("open sessions = %d, want 0", after.OpenSessions)
	}
}

func TestIncrementAgentLoadRefusesAssignedSession(t *testing.T) {
	t.Parallel()

	s := openTempStore(t)
	seedTenant(t, s)
	ctx := context.Background()
	session := chat.Session{ID: "s1", OrganizationID: "acme", ClientID: "c1", Status: chat.StatusWaiting, CreatedAt: base}
	if err := s.CreateSession(ctx, session); err != nil {
		t.Fatalf("create session: %v", err)
	}
	agents, err := s.GetEligibleAgents(ctx, "acme")
	if err != nil || len(agents) != 2 {
		t.Fatalf("eligible agents = %v, err %v", agents, err)
	}

	// Both writers read the same waiting row.
	for i, agent := range agents {
		assigned := session
		if err := assigned.Assign(agent.ID, base); err != nil {
			t.Fatalf("assign: %v", err)
		}
		_, err := s.IncrementAgentLoad(ctx, store.LoadIncrement{
			OrganizationID:  "acme",
			AgentID:         agent.ID,
			ExpectedVersion: agent.Version,
			Ceiling:         5,
			AssignedAt:      base,
			Session:         assigned,
		})
		switch {
		case i == 0 && err != nil:
			t.Fatalf("first assignment: %v", err)
		case i == 1 && !errors.Is(err, chat.ErrSessionConflict):
			t.Fatalf("second assignment error = %v, want ErrSessionConflict", err)
		}
	}

	total := 0
	for _, id := range []string{"a1", "a2"} {
		load, err := s.agentLoad(ctx, s.sqlDB, "acme", id)
		if err != nil {
			t.Fatalf("agent load %s: %v", id, err)
		}
		total += load.OpenSessions
	}
	if total != 1 {
		t.Fatalf("open sessions across agents = %d, want 1", total)
	}
	got, _ := s.GetSession(ctx, "s1")
	if got.AgentID != agents[0].ID {
		t.Fatalf("session agent = %q, want %q", got.AgentID, agents[0].ID)
	}
}

func TestAppendMessageIsIdempotentPerOrganization(t *testing.T) {
	t.Parallel()

	s := openTempStore(t)
	ctx := context.Background()
	msg := chat.Message{ID: "m-42", SenderID: "c1", SenderType: chat.SenderClient, Content: "hi", CreatedAt: base}

	stored, created, err := s.AppendMessage(ctx, "acme", "s1", msg)
	if err != nil || !created {
		t.Fatalf("first append created=%v err=%v", created, err)
	}
	if stored.SessionID != "s1" || stored.OrganizationID != "acme" {
		t.Fatalf("stored = %+v", stored)
	}

	retry := msg
	retry.Content = "hi again"
	retry.CreatedAt = base.Add(time.Second)
	stored, created, err = s.AppendMessage(ctx, "acme", "s1", retry)
	if err != nil {
		t.Fatalf("retry append: %v", err)
	}
	if created || stored.Content != "hi" || !stored.CreatedAt.Equal(base) {
		t.Fatalf("retry returned created=%v stored=%+v", created, stored)
	}

	if _, created, err := s.AppendMessage(ctx, "globex", "s9", msg); err != nil || !created {
		t.Fatalf("same id in other organization created=%v err=%v", created, err)
	}
}

func TestListMessagesOrdersByCreatedAtThenID(t *testing.T) {
	t.Parallel()

	s := openTempStore(t)
	ctx := context.Background()
	for _, msg := range []chat.Message{
		{ID: "b", Content: "2", CreatedAt: base},
		{ID: "c", Content: "3", CreatedAt: base.Add(time.Second)},
		{ID: "a", Content: "1", CreatedAt: base},
	} {
		msg.SenderID, msg.SenderType = "c1", chat.SenderClient
		if _, _, err := s.AppendMessage(ctx, "acme", "s1", msg); err != nil {
			t.Fatalf("append %s: %v", msg.ID, err)
		}
	}

	all, err := s.ListMessages(ctx, "acme", "s1", time.Time{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].ID != "a" || all[1].ID != "b" || all[2].ID != "c" {
		t.Fatalf("order = %+v", all)
	}

	since, err := s.ListMessages(ctx, "acme", "s1", base.Add(time.Second))
	if err != nil {
		t.Fatalf("list since: %v", err)
	}
	if len(since) != 1 || since[0].ID != "c" {
		t.Fatalf("since = %+v", since)
	}
}

func TestMoveSessionRequiresExpectedState(t *testing.T) {
	t.Parallel()

	s := openTempStore(t)
	seedTenant(t, s)
	ctx := context.Background()
	session := chat.Session{ID: "s1", OrganizationID: "acme", ClientID: "c1", Status: chat.StatusWaiting, CreatedAt: base}
	if err := s.CreateSession(ctx, session); err != nil {
		t.Fatalf("create session: %v", err)
	}

	closed := session
	if err := closed.Transition(chat.StatusClosed, base.Add(time.Minute)); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := s.MoveSession(ctx, closed, chat.StatusWaiting, ""); err != nil {
		t.Fatalf("close waiting session: %v", err)
	}
	// The row is closed now, so a writer holding the waiting snapshot loses.
	if err := s.MoveSession(ctx, closed, chat.StatusWaiting, ""); !errors.Is(err, chat.ErrSessionConflict) {
		t.Fatalf("second close error = %v, want ErrSessionConflict", err)
	}

	missing := closed
	missing.ID = "nope"
	if err := s.MoveSession(ctx, missing, chat.StatusWaiting, ""); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing session error = %v, want ErrNotFound", err)
	}

	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != chat.StatusClosed || got.ClosedAt == nil {
		t.Fatalf("session = %+v, want closed", got)
	}
}
