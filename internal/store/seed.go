package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/raasel/backend/internal/model/chat"
)

// Admin is the write surface used by the admin collaborator. The core only
// reads what it writes.
type Admin interface {
	PutOrganization(ctx context.Context, org chat.Organization) error
	PutAgent(ctx context.Context, agent chat.Agent) error
}

// Seed is a set of tenant records loaded at startup for local runs.
type Seed struct {
	Organizations []chat.Organization `json:"organizations"`
	Agents        []chat.Agent        `json:"agents"`
}

// LoadSeed reads a JSON seed file.
func LoadSeed(path string) (Seed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("read seed %s: %w", path, err)
	}
	var seed Seed
	if err := json.Unmarshal(raw, &seed); err != nil {
		return Seed{}, fmt.Errorf("decode seed %s: %w", path, err)
	}
	return seed, nil
}

// Apply writes every record of the seed through admin.
func (s Seed) Apply(ctx context.Context, admin Admin) error {
	for _, org := range s.Organizations {
		if err := admin.PutOrganization(ctx, org); err != nil {
			return fmt.Errorf("seed organization %s: %w", org.ID, err)
		}
	}
	for _, agent := range s.Agents {
		if err := admin.PutAgent(ctx, agent); err != nil {
			return fmt.Errorf("seed agent %s: %w", agent.ID, err)
		}
	}
	return nil
}
