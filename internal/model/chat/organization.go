package chat

import "encoding/json"

// Organization is the tenant boundary. Settings is opaque to the core.
type Organization struct {
	ID       string          `json:"id"`
	Domain   string          `json:"domain"`
	Settings json.RawMessage `json:"settings,omitempty"`
}

// Client is the party seeking support, reused across sessions.
type Client struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organizationId"`
	DisplayName    string          `json:"displayName"`
	Contact        json.RawMessage `json:"contact,omitempty"`
}
