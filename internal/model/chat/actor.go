package chat

// ActorType identifies who is behind a connection. Clients and agents are
// the only actors the auth collaborator vouches for.
type ActorType = SenderType

// Actor is the verified identity triple supplied by the auth collaborator.
type Actor struct {
	ID             string    `json:"id"`
	Type           ActorType `json:"type"`
	OrganizationID string    `json:"organizationId"`
}
