package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawtask/backend/internal/ledger"
	"github.com/clawtask/backend/internal/lifecycle"
	"github.com/clawtask/backend/internal/reputation"
	"github.com/clawtask/backend/internal/storage"
)

func setup(t *testing.T) (*lifecycle.Engine, *storage.MemoryStore, *ledger.Ledger) {
	t.Helper()
	store := storage.NewMemoryStore()
	led := ledger.New(store, nil)
	engine := lifecycle.NewEngine(store, led, reputation.NewManager(), nil, nil)

	err := store.Atomic(context.Background(), func(tx storage.Tx) error {
		now := time.Now().UTC()
		for _, id := range []string{"pub", "worker"} {
			if err := tx.PutAgent(&storage.Agent{
				ID: id, Name: id, Status: storage.AgentActive,
				ReputationScore: 100, CreatedAt: now, UpdatedAt: now,
			}); err != nil {
				return err
			}
			if _, err := led.CreateWallet(tx, id, 100); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	return engine, store, led
}

func TestDefaultIntervalApplied(t *testing.T) {
	engine, _, _ := setup(t)

	s := New(engine, 0)
	assert.Equal(t, DefaultInterval, s.interval)

	s = New(engine, 5*time.Second)
	assert.Equal(t, 5*time.Second, s.interval)
}

func TestRunOnceProcessesOverdueTask(t *testing.T) {
	engine, store, _ := setup(t)
	ctx := context.Background()

	task, err := engine.CreateTask(ctx, "pub", lifecycle.TaskSpec{
		Title:       "slow task",
		Description: "takes too long",
		Type:        storage.TypeCustom,
		Reward:      30,
	})
	require.NoError(t, err)
	_, err = engine.ClaimTask(ctx, task.ID, "worker")
	require.NoError(t, err)

	// Backdate the claim past the timeout.
	err = store.Atomic(ctx, func(tx storage.Tx) error {
		got, err := tx.GetTask(task.ID)
		if err != nil {
			return err
		}
		past := got.ClaimedAt.Add(-2 * time.Hour)
		got.ClaimedAt = &past
		return tx.PutTask(got)
	})
	require.NoError(t, err)

	s := New(engine, time.Minute)
	s.runOnce()

	got, err := engine.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.TaskOpen, got.Status)
	assert.Nil(t, got.AssigneeID)
}

func TestStartStop(t *testing.T) {
	engine, _, _ := setup(t)

	s := New(engine, time.Minute)
	require.NoError(t, s.Start())
	s.Stop()
}
