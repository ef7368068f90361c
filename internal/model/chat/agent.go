package chat

import "time"

// AgentRole is managed by the admin collaborator.
type AgentRole string

const (
	RoleAgent      AgentRole = "agent"
	RoleSupervisor AgentRole = "supervisor"
	RoleAdmin      AgentRole = "admin"
)

// Oversees reports whether the role may join any session of its organization.
func (r AgentRole) Oversees() bool {
	return r == RoleSupervisor || r == RoleAdmin
}

// AgentStatus is the availability of an agent for new work.
type AgentStatus string

const (
	AgentActive   AgentStatus = "active"
	AgentBusy     AgentStatus = "busy"
	AgentInactive AgentStatus = "inactive"
)

// Valid reports whether s is a known availability status.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentActive, AgentBusy, AgentInactive:
		return true
	}
	return false
}

// Agent is a support operator inside one organization.
type Agent struct {
	ID             string      `json:"id"`
	OrganizationID string      `json:"organizationId"`
	Name           string      `json:"name"`
	Role           AgentRole   `json:"role"`
	Status         AgentStatus `json:"status"`
}

// AgentLoad is the versioned assignment record of an agent. Version changes
// on every load update so writers can compare-and-swap.
type AgentLoad struct {
	Agent
	OpenSessions    int       `json:"openSessions"`
	LastAssignedAt  time.Time `json:"lastAssignedAt"`
	LastAssignedSeq int64     `json:"lastAssignedSeq"`
	Version         int64     `json:"version"`
}

// AssignedBefore orders agents least-recently-assigned first.
func (a AgentLoad) AssignedBefore(other AgentLoad) bool {
	if !a.LastAssignedAt.Equal(other.LastAssignedAt) {
		return a.LastAssignedAt.Before(other.LastAssignedAt)
	}
	if a.LastAssignedSeq != other.LastAssignedSeq {
		return a.LastAssignedSeq < other.LastAssignedSeq
	}
	return a.ID < other.ID
}
