package store_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raasel/backend/internal/model/chat"
	"github.com/raasel/backend/internal/store"
	"github.com/raasel/backend/internal/store/memory"
)

func TestSeedLoadAndApply(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "seed.json")
	raw := `{
		"organizations": [{"id": "acme", "domain": "acme.test"}],
		"agents": [{"id": "a1", "organizationId": "acme", "role": "agent", "status": "active"}]
	}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	seed, err := store.LoadSeed(path)
	require.NoError(t, err)
	require.Len(t, seed.Organizations, 1)
	require.Len(t, seed.Agents, 1)

	meta := memory.NewMetadata()
	ctx := context.Background()
	require.NoError(t, seed.Apply(ctx, meta))

	agent, err := meta.GetAgent(ctx, "acme", "a1")
	require.NoError(t, err)
	assert.Equal(t, chat.AgentActive, agent.Status)
}

func TestLoadSeedErrors(t *testing.T) {
	t.Parallel()

	_, err := store.LoadSeed(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0o600))
	_, err = store.LoadSeed(bad)
	assert.Error(t, err)
}
