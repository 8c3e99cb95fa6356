package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawtask/backend/internal/core"
	"github.com/clawtask/backend/internal/ledger"
	"github.com/clawtask/backend/internal/reputation"
	"github.com/clawtask/backend/internal/storage"
)

func newTestEngine(t *testing.T) (*Engine, *storage.MemoryStore, *ledger.Ledger) {
	t.Helper()
	store := storage.NewMemoryStore()
	led := ledger.New(store, nil)
	return NewEngine(store, led, reputation.NewManager(), nil, nil), store, led
}

func seedAgent(t *testing.T, store *storage.MemoryStore, led *ledger.Ledger, id string, grant int64) {
	t.Helper()
	err := store.Atomic(context.Background(), func(tx storage.Tx) error {
		now := time.Now().UTC()
		if err := tx.PutAgent(&storage.Agent{
			ID:              id,
			Name:            id,
			Status:          storage.AgentActive,
			ReputationScore: 100,
			CreatedAt:       now,
			UpdatedAt:       now,
		}); err != nil {
			return err
		}
		_, err := led.CreateWallet(tx, id, grant)
		return err
	})
	require.NoError(t, err)
}

func wallet(t *testing.T, led *ledger.Ledger, id string) *storage.Wallet {
	t.Helper()
	w, err := led.Wallet(context.Background(), id)
	require.NoError(t, err)
	return w
}

func agentScore(t *testing.T, store *storage.MemoryStore, id string) float64 {
	t.Helper()
	var score float64
	err := store.Atomic(context.Background(), func(tx storage.Tx) error {
		a, err := tx.GetAgent(id)
		if err != nil {
			return err
		}
		score = a.ReputationScore
		return nil
	})
	require.NoError(t, err)
	return score
}

func basicSpec(reward int64) TaskSpec {
	return TaskSpec{
		Title:       "Summarize dataset",
		Description: "Produce a short summary of the attached dataset.",
		Type:        storage.TypeDataAnalysis,
		Reward:      reward,
	}
}

func TestCreateTaskLocksReward(t *testing.T) {
	engine, store, led := newTestEngine(t)
	seedAgent(t, store, led, "pub", 100)

	task, err := engine.CreateTask(context.Background(), "pub", basicSpec(30))
	require.NoError(t, err)
	assert.Equal(t, storage.TaskOpen, task.Status)
	assert.Equal(t, int64(30), task.Reward)
	assert.Equal(t, DefaultClaimTimeoutMinutes, task.ClaimTimeoutMinutes)
	assert.Equal(t, DefaultReviewTimeoutMinutes, task.ReviewTimeoutMinutes)

	w := wallet(t, led, "pub")
	assert.Equal(t, int64(70), w.Balance)
	assert.Equal(t, int64(30), w.LockedBalance)

	// The deposit entry references the real task id.
	txns, err := led.Transactions(context.Background(), "pub", 1)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, storage.TxTaskDeposit, txns[0].Type)
	assert.Equal(t, task.ID, txns[0].TaskID)
}

func TestCreateTaskInsufficientFundsLeavesNothingBehind(t *testing.T) {
	engine, store, led := newTestEngine(t)
	seedAgent(t, store, led, "pub", 10)

	_, err := engine.CreateTask(context.Background(), "pub", basicSpec(30))
	assert.ErrorIs(t, err, core.ErrInsufficientFunds)

	w := wallet(t, led, "pub")
	assert.Equal(t, int64(10), w.Balance)
	assert.Equal(t, int64(0), w.LockedBalance)

	tasks, err := engine.ListTasks(context.Background(), storage.TaskFilter{})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestCreateTaskValidation(t *testing.T) {
	engine, store, led := newTestEngine(t)
	seedAgent(t, store, led, "pub", 100)

	cases := []struct {
		name string
		spec TaskSpec
	}{
		{"empty title", TaskSpec{Description: "d", Type: storage.TypeCustom, Reward: 1}},
		{"zero reward", TaskSpec{Title: "t", Description: "d", Type: storage.TypeCustom}},
		{"unknown type", TaskSpec{Title: "t", Description: "d", Type: "mystery", Reward: 1}},
		{"tiny timeout", TaskSpec{Title: "t", Description: "d", Type: storage.TypeCustom, Reward: 1, ClaimTimeoutMin: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := engine.CreateTask(context.Background(), "pub", tc.spec)
			assert.ErrorIs(t, err, core.ErrInvalidInput)
		})
	}
}

func TestClaimTask(t *testing.T) {
	engine, store, led := newTestEngine(t)
	seedAgent(t, store, led, "pub", 100)
	seedAgent(t, store, led, "worker", 0)

	task, err := engine.CreateTask(context.Background(), "pub", basicSpec(30))
	require.NoError(t, err)

	claimed, err := engine.ClaimTask(context.Background(), task.ID, "worker")
	require.NoError(t, err)
	assert.Equal(t, storage.TaskInProgress, claimed.Status)
	require.NotNil(t, claimed.AssigneeID)
	assert.Equal(t, "worker", *claimed.AssigneeID)
	assert.NotNil(t, claimed.ClaimedAt)
}

func TestClaimOwnTaskFails(t *testing.T) {
	engine, store, led := newTestEngine(t)
	seedAgent(t, store, led, "pub", 100)

	task, err := engine.CreateTask(context.Background(), "pub", basicSpec(30))
	require.NoError(t, err)

	_, err = engine.ClaimTask(context.Background(), task.ID, "pub")
	assert.ErrorIs(t, err, core.ErrNotAuthorized)
}

func TestSecondClaimLosesCleanly(t *testing.T) {
	engine, store, led := newTestEngine(t)
	seedAgent(t, store, led, "pub", 100)
	seedAgent(t, store, led, "w1", 0)
	seedAgent(t, store, led, "w2", 0)

	task, err := engine.CreateTask(context.Background(), "pub", basicSpec(30))
	require.NoError(t, err)

	_, err = engine.ClaimTask(context.Background(), task.ID, "w1")
	require.NoError(t, err)

	_, err = engine.ClaimTask(context.Background(), task.ID, "w2")
	assert.ErrorIs(t, err, core.ErrInvalidState)

	got, err := engine.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, "w1", *got.AssigneeID)
}

func TestUpdateProgress(t *testing.T) {
	engine, store, led := newTestEngine(t)
	seedAgent(t, store, led, "pub", 100)
	seedAgent(t, store, led, "worker", 0)

	task, _ := engine.CreateTask(context.Background(), "pub", basicSpec(30))
	_, err := engine.ClaimTask(context.Background(), task.ID, "worker")
	require.NoError(t, err)

	got, err := engine.UpdateProgress(context.Background(), task.ID, "worker",
		ProgressReport{Percent: 40, Message: "halfway there"})
	require.NoError(t, err)
	require.Len(t, got.ProgressUpdates, 1)
	assert.Equal(t, storage.ProgressWorker, got.ProgressUpdates[0].Kind)
	assert.Equal(t, 40, got.ProgressUpdates[0].Percent)

	// Not the assignee.
	_, err = engine.UpdateProgress(context.Background(), task.ID, "pub",
		ProgressReport{Percent: 50})
	assert.ErrorIs(t, err, core.ErrNotAuthorized)

	// Out of range.
	_, err = engine.UpdateProgress(context.Background(), task.ID, "worker",
		ProgressReport{Percent: 120})
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestSubmitAndAcceptPaysWorker(t *testing.T) {
	engine, store, led := newTestEngine(t)
	seedAgent(t, store, led, "pub", 100)
	seedAgent(t, store, led, "worker", 0)

	task, _ := engine.CreateTask(context.Background(), "pub", basicSpec(30))
	_, err := engine.ClaimTask(context.Background(), task.ID, "worker")
	require.NoError(t, err)

	submitted, err := engine.SubmitTask(context.Background(), task.ID, "worker",
		Submission{Result: map[string]interface{}{"answer": 42}})
	require.NoError(t, err)
	assert.Equal(t, storage.TaskPendingReview, submitted.Status)
	assert.NotNil(t, submitted.SubmittedAt)

	accepted, err := engine.AcceptTask(context.Background(), task.ID, "pub")
	require.NoError(t, err)
	assert.Equal(t, storage.TaskCompleted, accepted.Status)
	assert.NotNil(t, accepted.CompletedAt)

	pub := wallet(t, led, "pub")
	assert.Equal(t, int64(70), pub.Balance)
	assert.Equal(t, int64(0), pub.LockedBalance)

	worker := wallet(t, led, "worker")
	assert.Equal(t, int64(30), worker.Balance)
	assert.Equal(t, int64(30), worker.TotalEarned)

	// Boost = min(30*0.1, 10) = 3 on top of the seeded 100.
	assert.InDelta(t, 103.0, agentScore(t, store, "worker"), 1e-9)
}

func TestAcceptRequiresPublisher(t *testing.T) {
	engine, store, led := newTestEngine(t)
	seedAgent(t, store, led, "pub", 100)
	seedAgent(t, store, led, "worker", 0)

	task, _ := engine.CreateTask(context.Background(), "pub", basicSpec(30))
	_, _ = engine.ClaimTask(context.Background(), task.ID, "worker")
	_, err := engine.SubmitTask(context.Background(), task.ID, "worker",
		Submission{Result: map[string]interface{}{}})
	require.NoError(t, err)

	_, err = engine.AcceptTask(context.Background(), task.ID, "worker")
	assert.ErrorIs(t, err, core.ErrNotAuthorized)
}

func TestRejectKeepsEscrowAndPenalizes(t *testing.T) {
	engine, store, led := newTestEngine(t)
	seedAgent(t, store, led, "pub", 100)
	seedAgent(t, store, led, "w1", 0)
	seedAgent(t, store, led, "w2", 0)

	ctx := context.Background()
	task, _ := engine.CreateTask(ctx, "pub", basicSpec(30))
	_, _ = engine.ClaimTask(ctx, task.ID, "w1")
	_, err := engine.SubmitTask(ctx, task.ID, "w1",
		Submission{Result: map[string]interface{}{"answer": "wrong"}})
	require.NoError(t, err)

	rejected, err := engine.RejectTask(ctx, task.ID, "pub", "does not meet criteria")
	require.NoError(t, err)
	assert.Equal(t, storage.TaskOpen, rejected.Status)
	assert.Nil(t, rejected.AssigneeID)
	assert.Nil(t, rejected.Result)
	assert.Equal(t, "does not meet criteria", rejected.ReviewNotes)

	// Escrow survives the rejection for re-assignment.
	pub := wallet(t, led, "pub")
	assert.Equal(t, int64(70), pub.Balance)
	assert.Equal(t, int64(30), pub.LockedBalance)

	assert.InDelta(t, 80.0, agentScore(t, store, "w1"), 1e-9)

	// A different worker picks it up and gets paid the same locked reward.
	_, err = engine.ClaimTask(ctx, task.ID, "w2")
	require.NoError(t, err)
	_, err = engine.SubmitTask(ctx, task.ID, "w2",
		Submission{Result: map[string]interface{}{"answer": "right"}})
	require.NoError(t, err)
	_, err = engine.AcceptTask(ctx, task.ID, "pub")
	require.NoError(t, err)

	assert.Equal(t, int64(30), wallet(t, led, "w2").Balance)
	assert.Equal(t, int64(0), wallet(t, led, "pub").LockedBalance)
}

func TestCancelRefundsEscrow(t *testing.T) {
	engine, store, led := newTestEngine(t)
	seedAgent(t, store, led, "pub", 100)

	ctx := context.Background()
	task, _ := engine.CreateTask(ctx, "pub", basicSpec(30))

	cancelled, err := engine.CancelTask(ctx, task.ID, "pub")
	require.NoError(t, err)
	assert.Equal(t, storage.TaskCancelled, cancelled.Status)

	w := wallet(t, led, "pub")
	assert.Equal(t, int64(100), w.Balance)
	assert.Equal(t, int64(0), w.LockedBalance)

	// Terminal states cannot be cancelled again.
	_, err = engine.CancelTask(ctx, task.ID, "pub")
	assert.ErrorIs(t, err, core.ErrInvalidState)
}

func TestAdjustReward(t *testing.T) {
	engine, store, led := newTestEngine(t)
	seedAgent(t, store, led, "pub", 100)

	ctx := context.Background()
	task, _ := engine.CreateTask(ctx, "pub", basicSpec(30))

	// Raise: locks the difference.
	got, err := engine.AdjustReward(ctx, task.ID, "pub", 50, "more work than expected")
	require.NoError(t, err)
	assert.Equal(t, int64(50), got.Reward)
	w := wallet(t, led, "pub")
	assert.Equal(t, int64(50), w.Balance)
	assert.Equal(t, int64(50), w.LockedBalance)

	// Lower: releases the excess.
	got, err = engine.AdjustReward(ctx, task.ID, "pub", 20, "")
	require.NoError(t, err)
	assert.Equal(t, int64(20), got.Reward)
	w = wallet(t, led, "pub")
	assert.Equal(t, int64(80), w.Balance)
	assert.Equal(t, int64(20), w.LockedBalance)

	// The adjustment trail lives in the progress log.
	require.Len(t, got.ProgressUpdates, 2)
	assert.Equal(t, storage.ProgressRewardChange, got.ProgressUpdates[0].Kind)
}

func TestAdjustRewardInsufficientFundsKeepsOldReward(t *testing.T) {
	engine, store, led := newTestEngine(t)
	seedAgent(t, store, led, "pub", 40)

	ctx := context.Background()
	task, _ := engine.CreateTask(ctx, "pub", basicSpec(30))

	_, err := engine.AdjustReward(ctx, task.ID, "pub", 500, "")
	assert.ErrorIs(t, err, core.ErrInsufficientFunds)

	got, err := engine.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(30), got.Reward)
	assert.Equal(t, int64(30), wallet(t, led, "pub").LockedBalance)
}

func TestSplitTaskRedistributesEscrow(t *testing.T) {
	engine, store, led := newTestEngine(t)
	seedAgent(t, store, led, "pub", 100)

	ctx := context.Background()
	task, _ := engine.CreateTask(ctx, "pub", basicSpec(30))

	subtasks, err := engine.SplitTask(ctx, task.ID, "pub", []SubtaskSpec{
		{Title: "Part A", Description: "first half", Reward: 10},
		{Title: "Part B", Description: "second half", Reward: 15},
	})
	require.NoError(t, err)
	require.Len(t, subtasks, 2)

	// Remainder 5 refunded, 25 still escrowed for the subtasks.
	w := wallet(t, led, "pub")
	assert.Equal(t, int64(75), w.Balance)
	assert.Equal(t, int64(25), w.LockedBalance)

	parent, err := engine.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.TaskCancelled, parent.Status)
	assert.Len(t, parent.SubtaskIDs, 2)

	for _, sub := range subtasks {
		assert.Equal(t, storage.TaskOpen, sub.Status)
		assert.Equal(t, task.ID, sub.ParentTaskID)
	}
}

func TestSplitTaskOverAllocationFails(t *testing.T) {
	engine, store, led := newTestEngine(t)
	seedAgent(t, store, led, "pub", 100)

	ctx := context.Background()
	task, _ := engine.CreateTask(ctx, "pub", basicSpec(30))

	_, err := engine.SplitTask(ctx, task.ID, "pub", []SubtaskSpec{
		{Title: "Part A", Description: "a", Reward: 20},
		{Title: "Part B", Description: "b", Reward: 20},
	})
	assert.ErrorIs(t, err, core.ErrInsufficientFunds)

	got, err := engine.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.TaskOpen, got.Status)
	assert.Empty(t, got.SubtaskIDs)
}

// backdate rewrites a task's claim/submit timestamps so expiry tests don't
// have to wait out real timeouts.
func backdate(t *testing.T, store *storage.MemoryStore, taskID string, by time.Duration) {
	t.Helper()
	err := store.Atomic(context.Background(), func(tx storage.Tx) error {
		task, err := tx.GetTask(taskID)
		if err != nil {
			return err
		}
		if task.ClaimedAt != nil {
			past := task.ClaimedAt.Add(-by)
			task.ClaimedAt = &past
		}
		if task.SubmittedAt != nil {
			past := task.SubmittedAt.Add(-by)
			task.SubmittedAt = &past
		}
		return tx.PutTask(task)
	})
	require.NoError(t, err)
}

func TestExpiredClaimReturnsTaskToPool(t *testing.T) {
	engine, store, led := newTestEngine(t)
	seedAgent(t, store, led, "pub", 100)
	seedAgent(t, store, led, "worker", 0)

	ctx := context.Background()
	task, _ := engine.CreateTask(ctx, "pub", basicSpec(30))
	_, err := engine.ClaimTask(ctx, task.ID, "worker")
	require.NoError(t, err)

	backdate(t, store, task.ID, 2*time.Hour)

	processed, err := engine.CheckExpiredTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	got, err := engine.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.TaskOpen, got.Status)
	assert.Nil(t, got.AssigneeID)
	require.NotEmpty(t, got.ProgressUpdates)
	assert.Equal(t, storage.ProgressSystem, got.ProgressUpdates[len(got.ProgressUpdates)-1].Kind)

	// Escrow untouched by the reopen.
	assert.Equal(t, int64(30), wallet(t, led, "pub").LockedBalance)

	// A second sweep finds nothing.
	processed, err = engine.CheckExpiredTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, processed)
}

func TestExpiredReviewAutoAccepts(t *testing.T) {
	engine, store, led := newTestEngine(t)
	seedAgent(t, store, led, "pub", 100)
	seedAgent(t, store, led, "worker", 0)

	ctx := context.Background()
	task, _ := engine.CreateTask(ctx, "pub", basicSpec(30))
	_, _ = engine.ClaimTask(ctx, task.ID, "worker")
	_, err := engine.SubmitTask(ctx, task.ID, "worker",
		Submission{Result: map[string]interface{}{"done": true}})
	require.NoError(t, err)

	backdate(t, store, task.ID, 2*time.Hour)

	processed, err := engine.CheckExpiredTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	got, err := engine.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.TaskCompleted, got.Status)
	assert.Equal(t, int64(30), wallet(t, led, "worker").Balance)
	assert.InDelta(t, 103.0, agentScore(t, store, "worker"), 1e-9)
}

func TestFreshTasksSurviveSweep(t *testing.T) {
	engine, store, led := newTestEngine(t)
	seedAgent(t, store, led, "pub", 100)
	seedAgent(t, store, led, "worker", 0)

	ctx := context.Background()
	task, _ := engine.CreateTask(ctx, "pub", basicSpec(30))
	_, err := engine.ClaimTask(ctx, task.ID, "worker")
	require.NoError(t, err)

	processed, err := engine.CheckExpiredTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, processed)

	got, _ := engine.GetTask(ctx, task.ID)
	assert.Equal(t, storage.TaskInProgress, got.Status)
}
