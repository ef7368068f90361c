package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/raasel/backend/internal/model/chat"
	"github.com/raasel/backend/internal/store"
)

const sessionColumns = `id, organization_id, client_id, agent_id, status,
       created_at, closed_at, last_activity_at, last_message_preview`

const agentColumns = `id, organization_id, name, role, status,
       open_sessions, last_assigned_at, last_assigned_seq, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (chat.Session, error) {
	var (
		session      chat.Session
		status       string
		createdAt    int64
		closedAt     sql.NullInt64
		lastActivity int64
	)
	if err := row.Scan(
		&session.ID,
		&session.OrganizationID,
		&session.ClientID,
		&session.AgentID,
		&status,
		&createdAt,
		&closedAt,
		&lastActivity,
		&session.LastMessagePreview,
	); err != nil {
		return chat.Session{}, err
	}
	session.Status = chat.SessionStatus(status)
	session.CreatedAt = fromNanos(createdAt)
	session.LastActivityAt = fromNanos(lastActivity)
	if closedAt.Valid {
		at := fromNanos(closedAt.Int64)
		session.ClosedAt = &at
	}
	return session, nil
}

func scanAgentLoad(row rowScanner) (chat.AgentLoad, error) {
	var (
		load         chat.AgentLoad
		role, status string
		lastAssigned int64
	)
	if err := row.Scan(
		&load.ID,
		&load.OrganizationID,
		&load.Name,
		&role,
		&status,
		&load.OpenSessions,
		&lastAssigned,
		&load.LastAssignedSeq,
		&load.Version,
	); err != nil {
		return chat.AgentLoad{}, err
	}
	load.Role = chat.AgentRole(role)
	load.Status = chat.AgentStatus(status)
	load.LastAssignedAt = fromNanos(lastAssigned)
	return load, nil
}

func closedAtValue(session chat.Session) any {
	if session.ClosedAt == nil {
		return nil
	}
	return toNanos(*session.ClosedAt)
}

func jsonText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

// PutOrganization creates or replaces an organization.
func (s *Store) PutOrganization(ctx context.Context, org chat.Organization) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO organizations (id, domain, settings) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET domain = excluded.domain, settings = excluded.settings`,
		org.ID, org.Domain, jsonText(org.Settings),
	)
	if err != nil {
		return store.Unavailable("put organization", err)
	}
	return nil
}

// PutAgent creates or updates an agent without touching its load record.
func (s *Store) PutAgent(ctx context.Context, agent chat.Agent) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if _, err := s.GetOrganization(ctx, agent.OrganizationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return chat.ErrTenantNotFound
		}
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO agents (organization_id, id, name, role, status) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(organization_id, id) DO UPDATE SET
		   name = excluded.name, role = excluded.role, status = excluded.status, version = version + 1`,
		agent.OrganizationID, agent.ID, agent.Name, string(agent.Role), string(agent.Status),
	)
	if err != nil {
		return store.Unavailable("put agent", err)
	}
	return nil
}

func (s *Store) GetOrganization(ctx context.Context, organizationID string) (chat.Organization, error) {
	if err := s.ready(ctx); err != nil {
		return chat.Organization{}, err
	}
	var (
		org      chat.Organization
		settings string
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, domain, settings FROM organizations WHERE id = ?`, organizationID,
	).Scan(&org.ID, &org.Domain, &settings)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Organization{}, store.ErrNotFound
	}
	if err != nil {
		return chat.Organization{}, store.Unavailable("get organization", err)
	}
	org.Settings = json.RawMessage(settings)
	return org, nil
}

func (s *Store) GetAgent(ctx context.Context, organizationID, agentID string) (chat.Agent, error) {
	load, err := s.agentLoad(ctx, s.sqlDB, organizationID, agentID)
	if err != nil {
		return chat.Agent{}, err
	}
	return load.Agent, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) agentLoad(ctx context.Context, q queryer, organizationID, agentID string) (chat.AgentLoad, error) {
	if err := s.ready(ctx); err != nil {
		return chat.AgentLoad{}, err
	}
	load, err := scanAgentLoad(q.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE organization_id = ? AND id = ?`,
		organizationID, agentID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return chat.AgentLoad{}, store.ErrNotFound
	}
	if err != nil {
		return chat.AgentLoad{}, store.Unavailable("get agent", err)
	}
	return load, nil
}

func (s *Store) SetAgentStatus(ctx context.Context, organizationID, agentID string, status chat.AgentStatus) (chat.Agent, error) {
	if err := s.ready(ctx); err != nil {
		return chat.Agent{}, err
	}
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE agents SET status = ?, version = version + 1 WHERE organization_id = ? AND id = ?`,
		string(status), organizationID, agentID,
	)
	if err != nil {
		return chat.Agent{}, store.Unavailable("set agent status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return chat.Agent{}, store.ErrNotFound
	}
	return s.GetAgent(ctx, organizationID, agentID)
}

func (s *Store) GetClient(ctx context.Context, organizationID, clientID string) (chat.Client, error) {
	if err := s.ready(ctx); err != nil {
		return chat.Client{}, err
	}
	var (
		client  chat.Client
		contact string
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT organization_id, id, display_name, contact FROM clients WHERE organization_id = ? AND id = ?`,
		organizationID, clientID,
	).Scan(&client.OrganizationID, &client.ID, &client.DisplayName, &contact)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Client{}, store.ErrNotFound
	}
	if err != nil {
		return chat.Client{}, store.Unavailable("get client", err)
	}
	client.Contact = json.RawMessage(contact)
	return client, nil
}

func (s *Store) EnsureClient(ctx context.Context, client chat.Client) (chat.Client, error) {
	if err := s.ready(ctx); err != nil {
		return chat.Client{}, err
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO clients (organization_id, id, display_name, contact) VALUES (?, ?, ?, ?)
		 ON CONFLICT(organization_id, id) DO NOTHING`,
		client.OrganizationID, client.ID, client.DisplayName, jsonText(client.Contact),
	)
	if err != nil {
		return chat.Client{}, store.Unavailable("ensure client", err)
	}
	return s.GetClient(ctx, client.OrganizationID, client.ID)
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (chat.Session, error) {
	if err := s.ready(ctx); err != nil {
		return chat.Session{}, err
	}
	session, err := scanSession(s.sqlDB.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, sessionID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Session{}, store.ErrNotFound
	}
	if err != nil {
		return chat.Session{}, store.Unavailable("get session", err)
	}
	return session, nil
}

func (s *Store) CreateSession(ctx context.Context, session chat.Session) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.OrganizationID, session.ClientID, session.AgentID, string(session.Status),
		toNanos(session.CreatedAt), closedAtValue(session), toNanos(session.LastActivityAt), session.LastMessagePreview,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return store.Unavailable("create session", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// moveSession writes session only while the stored row still has status
// fromStatus and agent fromAgent. A row that moved on yields
// chat.ErrSessionConflict.
func moveSession(ctx context.Context, e execer, session chat.Session, fromStatus chat.SessionStatus, fromAgent string) error {
	res, err := e.ExecContext(ctx,
		`UPDATE sessions SET agent_id = ?, status = ?, closed_at = ?, last_activity_at = ?, last_message_preview = ?
		  WHERE id = ? AND organization_id = ? AND status = ? AND agent_id = ?`,
		session.AgentID, string(session.Status), closedAtValue(session), toNanos(session.LastActivityAt),
		session.LastMessagePreview, session.ID, session.OrganizationID, string(fromStatus), fromAgent,
	)
	if err != nil {
		return store.Unavailable("write session", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var exists int
	err = e.QueryRowContext(ctx,
		`SELECT 1 FROM sessions WHERE id = ? AND organization_id = ?`,
		session.ID, session.OrganizationID,
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return store.Unavailable("write session", err)
	}
	return chat.ErrSessionConflict
}

func (s *Store) MoveSession(ctx context.Context, session chat.Session, fromStatus chat.SessionStatus, fromAgent string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	return moveSession(ctx, s.sqlDB, session, fromStatus, fromAgent)
}

func (s *Store) UpsertSession(ctx context.Context, session chat.Session) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   agent_id = excluded.agent_id,
		   status = excluded.status,
		   closed_at = excluded.closed_at,
		   last_activity_at = excluded.last_activity_at,
		   last_message_preview = excluded.last_message_preview`,
		session.ID, session.OrganizationID, session.ClientID, session.AgentID, string(session.Status),
		toNanos(session.CreatedAt), closedAtValue(session), toNanos(session.LastActivityAt), session.LastMessagePreview,
	)
	if err != nil {
		return store.Unavailable("upsert session", err)
	}
	return nil
}

func (s *Store) UpdateSessionSummary(ctx context.Context, sessionID, preview string, lastActivity time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE sessions SET last_message_preview = ?, last_activity_at = MAX(last_activity_at, ?) WHERE id = ?`,
		preview, toNanos(lastActivity), sessionID,
	)
	if err != nil {
		return store.Unavailable("update session summary", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) listSessions(ctx context.Context, op, where string, args ...any) ([]chat.Session, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE `+where+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, store.Unavailable(op, err)
	}
	defer rows.Close()

	sessions := make([]chat.Session, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, store.Unavailable(op, err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Unavailable(op, err)
	}
	return sessions, nil
}

func (s *Store) ListWaitingSessions(ctx context.Context, organizationID string) ([]chat.Session, error) {
	return s.listSessions(ctx, "list waiting sessions",
		`organization_id = ? AND status = ?`, organizationID, string(chat.StatusWaiting))
}

func (s *Store) ListAgentSessions(ctx context.Context, organizationID, agentID string) ([]chat.Session, error) {
	return s.listSessions(ctx, "list agent sessions",
		`organization_id = ? AND agent_id = ? AND status = ?`, organizationID, agentID, string(chat.StatusActive))
}

func (s *Store) ListOrganizationsWithWaiting(ctx context.Context) ([]string, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT DISTINCT organization_id FROM sessions WHERE status = ? ORDER BY organization_id`,
		string(chat.StatusWaiting),
	)
	if err != nil {
		return nil, store.Unavailable("list organizations with waiting", err)
	}
	defer rows.Close()

	var orgs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, store.Unavailable("list organizations with waiting", err)
		}
		orgs = append(orgs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Unavailable("list organizations with waiting", err)
	}
	return orgs, nil
}

func (s *Store) GetEligibleAgents(ctx context.Context, organizationID string) ([]chat.AgentLoad, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE organization_id = ? AND status = ? ORDER BY id`,
		organizationID, string(chat.AgentActive),
	)
	if err != nil {
		return nil, store.Unavailable("get eligible agents", err)
	}
	defer rows.Close()

	agents := make([]chat.AgentLoad, 0)
	for rows.Next() {
		load, err := scanAgentLoad(rows)
		if err != nil {
			return nil, store.Unavailable("get eligible agents", err)
		}
		agents = append(agents, load)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Unavailable("get eligible agents", err)
	}
	return agents, nil
}

func (s *Store) IncrementAgentLoad(ctx context.Context, inc store.LoadIncrement) (chat.AgentLoad, error) {
	if err := s.ready(ctx); err != nil {
		return chat.AgentLoad{}, err
	}
	if inc.Session.OrganizationID != inc.OrganizationID {
		return chat.AgentLoad{}, chat.ErrUnauthorized
	}

	var load chat.AgentLoad
	err := s.withTx(ctx, "increment agent load", func(tx *sql.Tx) error {
		if err := moveSession(ctx, tx, inc.Session, chat.StatusWaiting, ""); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE agents SET
			   open_sessions = open_sessions + 1,
			   last_assigned_at = ?,
			   last_assigned_seq = (SELECT COALESCE(MAX(last_assigned_seq), 0) + 1 FROM agents WHERE organization_id = ?),
			   version = version + 1
			 WHERE organization_id = ? AND id = ? AND version = ? AND status = ?
			   AND (? <= 0 OR open_sessions < ?)`,
			toNanos(inc.AssignedAt), inc.OrganizationID,
			inc.OrganizationID, inc.AgentID, inc.ExpectedVersion, string(chat.AgentActive),
			inc.Ceiling, inc.Ceiling,
		)
		if err != nil {
			return store.Unavailable("increment agent load", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, err := s.agentLoad(ctx, tx, inc.OrganizationID, inc.AgentID); err != nil {
				return err
			}
			return store.ErrConflict
		}

		load, err = s.agentLoad(ctx, tx, inc.OrganizationID, inc.AgentID)
		return err
	})
	if err != nil {
		return chat.AgentLoad{}, err
	}
	return load, nil
}

func (s *Store) DecrementAgentLoad(ctx context.Context, organizationID, agentID string, session chat.Session) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	return s.withTx(ctx, "decrement agent load", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE agents SET open_sessions = MAX(open_sessions - 1, 0), version = version + 1
			  WHERE organization_id = ? AND id = ?`,
			organizationID, agentID,
		)
		if err != nil {
			return store.Unavailable("decrement agent load", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrNotFound
		}
		return moveSession(ctx, tx, session, chat.StatusActive, agentID)
	})
}
