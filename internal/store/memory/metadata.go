// Package memory implements the store adapters in process memory, suitable
// for single-process runs and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/raasel/backend/internal/model/chat"
	"github.com/raasel/backend/internal/store"
)

type tenantKey struct {
	organizationID string
	id             string
}

// Metadata implements store.MetadataStore and store.Admin.
type Metadata struct {
	mu            sync.RWMutex
	organizations map[string]chat.Organization
	agents        map[tenantKey]chat.AgentLoad
	clients       map[tenantKey]chat.Client
	sessions      map[string]chat.Session
	assignSeq     map[string]int64
}

// NewMetadata returns an empty metadata store.
func NewMetadata() *Metadata {
	return &Metadata{
		organizations: make(map[string]chat.Organization),
		agents:        make(map[tenantKey]chat.AgentLoad),
		clients:       make(map[tenantKey]chat.Client),
		sessions:      make(map[string]chat.Session),
		assignSeq:     make(map[string]int64),
	}
}

func (m *Metadata) PutOrganization(_ context.Context, org chat.Organization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.organizations[org.ID] = org
	return nil
}

// PutAgent creates or updates an agent, keeping its load record.
func (m *Metadata) PutAgent(_ context.Context, agent chat.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.organizations[agent.OrganizationID]; !ok {
		return chat.ErrTenantNotFound
	}
	key := tenantKey{agent.OrganizationID, agent.ID}
	load := m.agents[key]
	load.Agent = agent
	load.Version++
	m.agents[key] = load
	return nil
}

func (m *Metadata) GetOrganization(_ context.Context, organizationID string) (chat.Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	org, ok := m.organizations[organizationID]
	if !ok {
		return chat.Organization{}, store.ErrNotFound
	}
	return org, nil
}

func (m *Metadata) GetAgent(_ context.Context, organizationID, agentID string) (chat.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	load, ok := m.agents[tenantKey{organizationID, agentID}]
	if !ok {
		return chat.Agent{}, store.ErrNotFound
	}
	return load.Agent, nil
}

// AgentLoad returns the full load record of an agent.
func (m *Metadata) AgentLoad(organizationID, agentID string) (chat.AgentLoad, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	load, ok := m.agents[tenantKey{organizationID, agentID}]
	return load, ok
}

func (m *Metadata) SetAgentStatus(_ context.Context, organizationID, agentID string, status chat.AgentStatus) (chat.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := tenantKey{organizationID, agentID}
	load, ok := m.agents[key]
	if !ok {
		return chat.Agent{}, store.ErrNotFound
	}
	load.Status = status
	load.Version++
	m.agents[key] = load
	return load.Agent, nil
}

func (m *Metadata) GetClient(_ context.Context, organizationID, clientID string) (chat.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	client, ok := m.clients[tenantKey{organizationID, clientID}]
	if !ok {
		return chat.Client{}, store.ErrNotFound
	}
	return client, nil
}

func (m *Metadata) EnsureClient(_ context.Context, client chat.Client) (chat.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := tenantKey{client.OrganizationID, client.ID}
	if existing, ok := m.clients[key]; ok {
		return existing, nil
	}
	m.clients[key] = client
	return client, nil
}

func (m *Metadata) GetSession(_ context.Context, sessionID string) (chat.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return chat.Session{}, store.ErrNotFound
	}
	return session, nil
}

func (m *Metadata) CreateSession(_ context.Context, session chat.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[session.ID]; ok {
		return store.ErrAlreadyExists
	}
	m.sessions[session.ID] = session
	return nil
}

func (m *Metadata) UpsertSession(_ context.Context, session chat.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.ID] = session
	return nil
}

func (m *Metadata) MoveSession(_ context.Context, session chat.Session, fromStatus chat.SessionStatus, fromAgent string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.sessions[session.ID]
	if !ok || current.OrganizationID != session.OrganizationID {
		return store.ErrNotFound
	}
	if current.Status != fromStatus || current.AgentID != fromAgent {
		return chat.ErrSessionConflict
	}
	m.sessions[session.ID] = session
	return nil
}

func (m *Metadata) UpdateSessionSummary(_ context.Context, sessionID, preview string, lastActivity time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	session.LastMessagePreview = preview
	if lastActivity.After(session.LastActivityAt) {
		session.LastActivityAt = lastActivity
	}
	m.sessions[sessionID] = session
	return nil
}

func (m *Metadata) ListWaitingSessions(_ context.Context, organizationID string) ([]chat.Session, error) {
	return m.filterSessions(func(s chat.Session) bool {
		return s.OrganizationID == organizationID && s.Status == chat.StatusWaiting
	}), nil
}

func (m *Metadata) ListAgentSessions(_ context.Context, organizationID, agentID string) ([]chat.Session, error) {
	return m.filterSessions(func(s chat.Session) bool {
		return s.OrganizationID == organizationID && s.AgentID == agentID && s.Status == chat.StatusActive
	}), nil
}

func (m *Metadata) ListOrganizationsWithWaiting(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, s := range m.sessions {
		if s.Status == chat.StatusWaiting {
			seen[s.OrganizationID] = struct{}{}
		}
	}
	orgs := make([]string, 0, len(seen))
	for id := range seen {
		orgs = append(orgs, id)
	}
	sort.Strings(orgs)
	return orgs, nil
}

func (m *Metadata) filterSessions(keep func(chat.Session) bool) []chat.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]chat.Session, 0)
	for _, s := range m.sessions {
		if keep(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Metadata) GetEligibleAgents(_ context.Context, organizationID string) ([]chat.AgentLoad, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]chat.AgentLoad, 0)
	for key, load := range m.agents {
		if key.organizationID == organizationID && load.Status == chat.AgentActive {
			out = append(out, load)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Metadata) IncrementAgentLoad(_ context.Context, inc store.LoadIncrement) (chat.AgentLoad, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := tenantKey{inc.OrganizationID, inc.AgentID}
	load, ok := m.agents[key]
	if !ok {
		return chat.AgentLoad{}, store.ErrNotFound
	}
	if inc.Session.OrganizationID != inc.OrganizationID {
		return chat.AgentLoad{}, chat.ErrUnauthorized
	}
	current, ok := m.sessions[inc.Session.ID]
	if !ok || current.OrganizationID != inc.OrganizationID {
		return chat.AgentLoad{}, store.ErrNotFound
	}
	if current.Status != chat.StatusWaiting || current.AgentID != "" {
		return chat.AgentLoad{}, chat.ErrSessionConflict
	}
	if load.Version != inc.ExpectedVersion || load.Status != chat.AgentActive {
		return chat.AgentLoad{}, store.ErrConflict
	}
	if inc.Ceiling > 0 && load.OpenSessions >= inc.Ceiling {
		return chat.AgentLoad{}, store.ErrConflict
	}

	m.assignSeq[inc.OrganizationID]++
	load.OpenSessions++
	load.LastAssignedAt = inc.AssignedAt.UTC()
	load.LastAssignedSeq = m.assignSeq[inc.OrganizationID]
	load.Version++
	m.agents[key] = load
	m.sessions[inc.Session.ID] = inc.Session
	return load, nil
}

func (m *Metadata) DecrementAgentLoad(_ context.Context, organizationID, agentID string, session chat.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := tenantKey{organizationID, agentID}
	load, ok := m.agents[key]
	if !ok {
		return store.ErrNotFound
	}
	current, ok := m.sessions[session.ID]
	if !ok || current.OrganizationID != organizationID {
		return store.ErrNotFound
	}
	if current.Status != chat.StatusActive || current.AgentID != agentID {
		return chat.ErrSessionConflict
	}
	if load.OpenSessions > 0 {
		load.OpenSessions--
	}
	load.Version++
	m.agents[key] = load
	m.sessions[session.ID] = session
	return nil
}

var (
	_ store.MetadataStore = (*Metadata)(nil)
	_ store.Admin         = (*Metadata)(nil)
)
