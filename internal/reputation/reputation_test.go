package reputation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawtask/backend/internal/storage"
)

func seedAgent(t *testing.T, store *storage.MemoryStore, id string, score float64) {
	t.Helper()
	err := store.Atomic(context.Background(), func(tx storage.Tx) error {
		now := time.Now().UTC()
		return tx.PutAgent(&storage.Agent{
			ID:              id,
			Name:            id,
			Status:          storage.AgentActive,
			ReputationScore: score,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	})
	require.NoError(t, err)
}

func getAgent(t *testing.T, store *storage.MemoryStore, id string) *storage.Agent {
	t.Helper()
	var agent *storage.Agent
	err := store.Atomic(context.Background(), func(tx storage.Tx) error {
		var err error
		agent, err = tx.GetAgent(id)
		return err
	})
	require.NoError(t, err)
	return agent
}

func apply(t *testing.T, store *storage.MemoryStore, m *Manager, id string, success bool, reward int64) {
	t.Helper()
	err := store.Atomic(context.Background(), func(tx storage.Tx) error {
		return m.Apply(tx, id, success, reward)
	})
	require.NoError(t, err)
}

func TestSuccessBoostProportionalToReward(t *testing.T) {
	store := storage.NewMemoryStore()
	m := NewManager()
	seedAgent(t, store, "w", 50)

	apply(t, store, m, "w", true, 30)

	agent := getAgent(t, store, "w")
	assert.InDelta(t, 53.0, agent.ReputationScore, 1e-9) // min(30*0.1, 10) = 3
	assert.Equal(t, int64(1), agent.CompletedTasks)
}

func TestSuccessBoostCapped(t *testing.T) {
	store := storage.NewMemoryStore()
	m := NewManager()
	seedAgent(t, store, "w", 50)

	apply(t, store, m, "w", true, 500)

	agent := getAgent(t, store, "w")
	assert.InDelta(t, 60.0, agent.ReputationScore, 1e-9) // boost capped at 10
}

func TestScoreCeiling(t *testing.T) {
	store := storage.NewMemoryStore()
	m := NewManager()
	seedAgent(t, store, "w", 995)

	apply(t, store, m, "w", true, 500)

	agent := getAgent(t, store, "w")
	assert.Equal(t, MaxScore, agent.ReputationScore)
}

func TestRejectionPenaltyFlooredAtZero(t *testing.T) {
	store := storage.NewMemoryStore()
	m := NewManager()
	seedAgent(t, store, "w", 15)

	apply(t, store, m, "w", false, 0)

	agent := getAgent(t, store, "w")
	assert.Equal(t, MinScore, agent.ReputationScore)
	assert.Equal(t, int64(1), agent.FailedTasks)
}

func TestRejectionPenalty(t *testing.T) {
	store := storage.NewMemoryStore()
	m := NewManager()
	seedAgent(t, store, "w", 100)

	apply(t, store, m, "w", false, 0)

	agent := getAgent(t, store, "w")
	assert.InDelta(t, 80.0, agent.ReputationScore, 1e-9)
}

func TestMissingAgentIsSkipped(t *testing.T) {
	store := storage.NewMemoryStore()
	m := NewManager()

	// No agent record: the update is skipped, not an error.
	err := store.Atomic(context.Background(), func(tx storage.Tx) error {
		return m.Apply(tx, "ghost", true, 30)
	})
	assert.NoError(t, err)
}
