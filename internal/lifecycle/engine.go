// Package lifecycle implements the task state machine and its coupling to
// the escrow ledger.
//
// Every operation is a single storage transaction: read, validate
// preconditions, write, commit. Fund movements ride the same transaction as
// the status change they belong to, so a task can never change state
// without the matching escrow movement, or vice versa. Race losers (the
// second of two concurrent claims, a sweeper pass overlapping a live
// accept) observe the already-updated record and fail their precondition
// check as a normal negative result.
package lifecycle

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/clawtask/backend/internal/core"
	"github.com/clawtask/backend/internal/events"
	"github.com/clawtask/backend/internal/ledger"
	"github.com/clawtask/backend/internal/reputation"
	"github.com/clawtask/backend/internal/storage"
)

// Default timeout configuration, in minutes.
const (
	DefaultClaimTimeoutMinutes  = 60
	DefaultReviewTimeoutMinutes = 30
	MinTimeoutMinutes           = 5
)

// Input size limits, matching the published API contract.
const (
	maxTitleLen       = 200
	maxDescriptionLen = 5000
	maxMessageLen     = 500
	maxNotesLen       = 1000
)

// Engine orchestrates task status transitions.
type Engine struct {
	store      storage.Store
	ledger     *ledger.Ledger
	reputation reputation.Updater
	emitter    events.Emitter // may be nil
	metrics    *Metrics       // may be nil
	logger     *log.Logger
}

// NewEngine creates the lifecycle engine. emitter and metrics may be nil.
func NewEngine(store storage.Store, led *ledger.Ledger, rep reputation.Updater,
	emitter events.Emitter, metrics *Metrics) *Engine {
	return &Engine{
		store:      store,
		ledger:     led,
		reputation: rep,
		emitter:    emitter,
		metrics:    metrics,
		logger:     log.New(log.Writer(), "[Lifecycle] ", log.LstdFlags),
	}
}

func (e *Engine) emit(eventType, taskID, agentID string, data map[string]interface{}) {
	if e.emitter != nil {
		e.emitter.Emit(eventType, taskID, agentID, data)
	}
}

// TaskSpec is the publisher's description of a new task.
type TaskSpec struct {
	Title              string                 `json:"title"`
	Description        string                 `json:"description"`
	Type               storage.TaskType       `json:"task_type"`
	Priority           storage.TaskPriority   `json:"priority"`
	Requirements       map[string]interface{} `json:"requirements"`
	AcceptanceCriteria map[string]interface{} `json:"acceptance_criteria"`
	Reward             int64                  `json:"reward"`
	Deadline           *time.Time             `json:"deadline"`
	ClaimTimeoutMin    int                    `json:"claim_timeout_minutes"`
	ReviewTimeoutMin   int                    `json:"review_timeout_minutes"`
}

func (s *TaskSpec) validate() error {
	if s.Title == "" || len(s.Title) > maxTitleLen {
		return fmt.Errorf("title length must be 1..%d: %w", maxTitleLen, core.ErrInvalidInput)
	}
	if s.Description == "" || len(s.Description) > maxDescriptionLen {
		return fmt.Errorf("description length must be 1..%d: %w", maxDescriptionLen, core.ErrInvalidInput)
	}
	if s.Reward <= 0 {
		return fmt.Errorf("reward must be positive: %w", core.ErrInvalidInput)
	}
	switch s.Type {
	case storage.TypeCodeGeneration, storage.TypeCodeReview, storage.TypeTesting,
		storage.TypeDocumentation, storage.TypeDataAnalysis,
		storage.TypeContentCreation, storage.TypeOrchestration, storage.TypeCustom:
	default:
		return fmt.Errorf("unknown task type %q: %w", s.Type, core.ErrInvalidInput)
	}
	if s.Priority == 0 {
		s.Priority = storage.PriorityNormal
	}
	if s.Priority < storage.PriorityLow || s.Priority > storage.PriorityUrgent {
		return fmt.Errorf("priority out of range: %w", core.ErrInvalidInput)
	}
	if s.ClaimTimeoutMin == 0 {
		s.ClaimTimeoutMin = DefaultClaimTimeoutMinutes
	}
	if s.ReviewTimeoutMin == 0 {
		s.ReviewTimeoutMin = DefaultReviewTimeoutMinutes
	}
	if s.ClaimTimeoutMin < MinTimeoutMinutes || s.ReviewTimeoutMin < MinTimeoutMinutes {
		return fmt.Errorf("timeouts must be at least %d minutes: %w", MinTimeoutMinutes, core.ErrInvalidInput)
	}
	return nil
}

// CreateTask publishes a new task. The task id is generated first and the
// reward is locked against that id before the task row is written, so every
// deposit entry in the ledger references the real task. A failed lock means
// no task: the transaction rolls back as a unit.
func (e *Engine) CreateTask(ctx context.Context, publisherID string, spec TaskSpec) (*storage.Task, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}

	taskID := uuid.NewString()
	var task *storage.Task
	err := e.store.Atomic(ctx, func(tx storage.Tx) error {
		if _, err := tx.GetAgent(publisherID); err != nil {
			return err
		}
		if err := e.ledger.LockFunds(tx, publisherID, spec.Reward, taskID); err != nil {
			return err
		}

		now := time.Now().UTC()
		task = &storage.Task{
			ID:                   taskID,
			PublisherID:          publisherID,
			Title:                spec.Title,
			Description:          spec.Description,
			Type:                 spec.Type,
			Priority:             spec.Priority,
			Requirements:         spec.Requirements,
			AcceptanceCriteria:   spec.AcceptanceCriteria,
			Reward:               spec.Reward,
			Status:               storage.TaskOpen,
			Alignment:            storage.Alignment{State: storage.UnderstandingNone, ComplexityScore: 1},
			CreatedAt:            now,
			UpdatedAt:            now,
			Deadline:             spec.Deadline,
			ClaimTimeoutMinutes:  spec.ClaimTimeoutMin,
			ReviewTimeoutMinutes: spec.ReviewTimeoutMin,
		}
		return tx.PutTask(task)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Printf("📋 Task %s published by %s (reward %d)", taskID, publisherID, spec.Reward)
	e.metrics.RecordTransition("create")
	e.emit(events.TaskCreated, taskID, publisherID, map[string]interface{}{"reward": spec.Reward})
	return task, nil
}

// ClaimTask assigns an open task to a worker. Exactly one of any number of
// concurrent claims wins; the rest fail with ErrInvalidState because their
// transaction sees the task already in progress.
func (e *Engine) ClaimTask(ctx context.Context, taskID, assigneeID string) (*storage.Task, error) {
	var task *storage.Task
	err := e.store.Atomic(ctx, func(tx storage.Tx) error {
		var err error
		task, err = tx.GetTask(taskID)
		if err != nil {
			return err
		}
		if task.Status != storage.TaskOpen {
			return fmt.Errorf("task %s is %s, not open: %w", taskID, task.Status, core.ErrInvalidState)
		}
		if task.PublisherID == assigneeID {
			return fmt.Errorf("cannot claim own task: %w", core.ErrNotAuthorized)
		}
		if _, err := tx.GetAgent(assigneeID); err != nil {
			return err
		}

		now := time.Now().UTC()
		task.AssigneeID = &assigneeID
		task.Status = storage.TaskInProgress
		task.ClaimedAt = &now
		task.UpdatedAt = now
		return tx.PutTask(task)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Printf("🤝 Task %s claimed by %s", taskID, assigneeID)
	e.metrics.RecordTransition("claim")
	e.emit(events.TaskClaimed, taskID, assigneeID, nil)
	return task, nil
}

// ProgressReport is a worker's progress entry.
type ProgressReport struct {
	Percent  int                    `json:"progress_percent"`
	Message  string                 `json:"message"`
	Metadata map[string]interface{} `json:"metadata"`
}

func (r *ProgressReport) validate() error {
	if r.Percent < 0 || r.Percent > 100 {
		return fmt.Errorf("progress percent must be 0..100: %w", core.ErrInvalidInput)
	}
	if len(r.Message) > maxMessageLen {
		return fmt.Errorf("message exceeds %d chars: %w", maxMessageLen, core.ErrInvalidInput)
	}
	return nil
}

// UpdateProgress appends a timestamped progress entry. Only the current
// assignee may report, and only while the task is in progress.
func (e *Engine) UpdateProgress(ctx context.Context, taskID, assigneeID string, report ProgressReport) (*storage.Task, error) {
	if err := report.validate(); err != nil {
		return nil, err
	}

	var task *storage.Task
	err := e.store.Atomic(ctx, func(tx storage.Tx) error {
		var err error
		task, err = tx.GetTask(taskID)
		if err != nil {
			return err
		}
		if task.AssigneeID == nil || *task.AssigneeID != assigneeID {
			return fmt.Errorf("caller is not the assignee: %w", core.ErrNotAuthorized)
		}
		if task.Status != storage.TaskInProgress {
			return fmt.Errorf("task %s is %s, not in progress: %w", taskID, task.Status, core.ErrInvalidState)
		}

		now := time.Now().UTC()
		task.ProgressUpdates = append(task.ProgressUpdates, storage.ProgressUpdate{
			Kind:      storage.ProgressWorker,
			Percent:   report.Percent,
			Message:   report.Message,
			Metadata:  report.Metadata,
			Timestamp: now,
		})
		task.Alignment.DialogueMessages++
		task.UpdatedAt = now
		return tx.PutTask(task)
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// Submission is a worker's completed result.
type Submission struct {
	Result map[string]interface{} `json:"result"`
	Notes  string                 `json:"notes"`
}

// SubmitTask stores the result and moves the task to pending review.
func (e *Engine) SubmitTask(ctx context.Context, taskID, assigneeID string, sub Submission) (*storage.Task, error) {
	if sub.Result == nil {
		return nil, fmt.Errorf("submission result is required: %w", core.ErrInvalidInput)
	}
	if len(sub.Notes) > maxNotesLen {
		return nil, fmt.Errorf("notes exceed %d chars: %w", maxNotesLen, core.ErrInvalidInput)
	}

	var task *storage.Task
	err := e.store.Atomic(ctx, func(tx storage.Tx) error {
		var err error
		task, err = tx.GetTask(taskID)
		if err != nil {
			return err
		}
		if task.AssigneeID == nil || *task.AssigneeID != assigneeID {
			return fmt.Errorf("caller is not the assignee: %w", core.ErrNotAuthorized)
		}
		if task.Status != storage.TaskInProgress {
			return fmt.Errorf("task %s is %s, not in progress: %w", taskID, task.Status, core.ErrInvalidState)
		}

		now := time.Now().UTC()
		task.Result = sub.Result
		if sub.Notes != "" {
			task.ReviewNotes = sub.Notes
		}
		task.Status = storage.TaskPendingReview
		task.SubmittedAt = &now
		task.UpdatedAt = now
		return tx.PutTask(task)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Printf("📬 Task %s submitted by %s", taskID, assigneeID)
	e.metrics.RecordTransition("submit")
	e.emit(events.TaskSubmitted, taskID, assigneeID, nil)
	return task, nil
}

// AcceptTask releases payment and completes the task. The reward transfer
// and completion commit together; if the transfer fails the task stays
// pending review and the failure surfaces unchanged.
func (e *Engine) AcceptTask(ctx context.Context, taskID, publisherID string) (*storage.Task, error) {
	var task *storage.Task
	var assignee string
	err := e.store.Atomic(ctx, func(tx storage.Tx) error {
		var err error
		task, assignee, err = e.acceptLocked(tx, taskID, publisherID)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.logger.Printf("✅ Task %s accepted, %d paid to %s", taskID, task.Reward, assignee)
	e.metrics.RecordTransition("accept")
	e.emit(events.TaskCompleted, taskID, assignee, map[string]interface{}{"reward": task.Reward})
	return task, nil
}

// acceptLocked performs the accept transition inside an open transaction.
// Shared by AcceptTask and the review-timeout auto-accept, which acts with
// system authority by passing the task's own publisher id.
func (e *Engine) acceptLocked(tx storage.Tx, taskID, publisherID string) (*storage.Task, string, error) {
	task, err := tx.GetTask(taskID)
	if err != nil {
		return nil, "", err
	}
	if task.PublisherID != publisherID {
		return nil, "", fmt.Errorf("caller is not the publisher: %w", core.ErrNotAuthorized)
	}
	if task.Status != storage.TaskPendingReview {
		return nil, "", fmt.Errorf("task %s is %s, not pending review: %w", taskID, task.Status, core.ErrInvalidState)
	}
	if task.AssigneeID == nil {
		return nil, "", fmt.Errorf("pending-review task %s has no assignee: %w", taskID, core.ErrConsistency)
	}
	assignee := *task.AssigneeID

	if err := e.ledger.TransferReward(tx, task.PublisherID, assignee, task.Reward, taskID); err != nil {
		return nil, "", err
	}

	now := time.Now().UTC()
	task.Status = storage.TaskCompleted
	task.CompletedAt = &now
	task.UpdatedAt = now
	if err := tx.PutTask(task); err != nil {
		return nil, "", err
	}
	if err := e.reputation.Apply(tx, assignee, true, task.Reward); err != nil {
		return nil, "", err
	}
	return task, assignee, nil
}

// RejectTask returns a submitted task to the open pool. The escrow stays
// locked for re-assignment; the prior assignee is cleared and penalized.
func (e *Engine) RejectTask(ctx context.Context, taskID, publisherID, reason string) (*storage.Task, error) {
	var task *storage.Task
	var prior string
	err := e.store.Atomic(ctx, func(tx storage.Tx) error {
		var err error
		task, err = tx.GetTask(taskID)
		if err != nil {
			return err
		}
		if task.PublisherID != publisherID {
			return fmt.Errorf("caller is not the publisher: %w", core.ErrNotAuthorized)
		}
		if task.Status != storage.TaskPendingReview {
			return fmt.Errorf("task %s is %s, not pending review: %w", taskID, task.Status, core.ErrInvalidState)
		}
		if task.AssigneeID != nil {
			prior = *task.AssigneeID
		}

		now := time.Now().UTC()
		task.Status = storage.TaskOpen
		task.AssigneeID = nil
		task.Result = nil
		task.SubmittedAt = nil
		task.ClaimedAt = nil
		if reason != "" {
			task.ReviewNotes = reason
		} else {
			task.ReviewNotes = "Task rejected"
		}
		task.UpdatedAt = now
		if err := tx.PutTask(task); err != nil {
			return err
		}
		if prior != "" {
			return e.reputation.Apply(tx, prior, false, 0)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Printf("↩️  Task %s rejected, returned to pool", taskID)
	e.metrics.RecordTransition("reject")
	e.emit(events.TaskRejected, taskID, prior, map[string]interface{}{"reason": reason})
	return task, nil
}

// CancelTask cancels an open or in-progress task and refunds the full
// locked reward to the publisher.
func (e *Engine) CancelTask(ctx context.Context, taskID, publisherID string) (*storage.Task, error) {
	var task *storage.Task
	err := e.store.Atomic(ctx, func(tx storage.Tx) error {
		var err error
		task, err = tx.GetTask(taskID)
		if err != nil {
			return err
		}
		if task.PublisherID != publisherID {
			return fmt.Errorf("caller is not the publisher: %w", core.ErrNotAuthorized)
		}
		if task.Status != storage.TaskOpen && task.Status != storage.TaskInProgress {
			return fmt.Errorf("task %s is %s, not cancellable: %w", taskID, task.Status, core.ErrInvalidState)
		}

		if err := e.ledger.ReleaseLockedFunds(tx, publisherID, task.Reward, taskID); err != nil {
			return err
		}
		task.Status = storage.TaskCancelled
		task.UpdatedAt = time.Now().UTC()
		return tx.PutTask(task)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Printf("🚫 Task %s cancelled, %d refunded to %s", taskID, task.Reward, publisherID)
	e.metrics.RecordTransition("cancel")
	e.emit(events.TaskCancelled, taskID, publisherID, nil)
	return task, nil
}

// AdjustReward re-prices an open or in-progress task. Raising the reward
// locks the difference from the publisher's wallet; lowering it releases
// the excess. The reward field and the fund movement commit together, so a
// failed lock leaves the reward untouched.
func (e *Engine) AdjustReward(ctx context.Context, taskID, publisherID string, newReward int64, reason string) (*storage.Task, error) {
	if newReward <= 0 {
		return nil, fmt.Errorf("reward must be positive: %w", core.ErrInvalidInput)
	}

	var task *storage.Task
	var oldReward int64
	err := e.store.Atomic(ctx, func(tx storage.Tx) error {
		var err error
		task, err = tx.GetTask(taskID)
		if err != nil {
			return err
		}
		if task.PublisherID != publisherID {
			return fmt.Errorf("caller is not the publisher: %w", core.ErrNotAuthorized)
		}
		if task.Status != storage.TaskOpen && task.Status != storage.TaskInProgress {
			return fmt.Errorf("task %s is %s, reward not adjustable: %w", taskID, task.Status, core.ErrInvalidState)
		}

		oldReward = task.Reward
		delta := newReward - oldReward
		switch {
		case delta > 0:
			if err := e.ledger.LockFunds(tx, publisherID, delta, taskID); err != nil {
				return err
			}
		case delta < 0:
			if err := e.ledger.ReleaseLockedFunds(tx, publisherID, -delta, taskID); err != nil {
				return err
			}
		default:
			return nil // no change
		}

		now := time.Now().UTC()
		task.Reward = newReward
		task.ProgressUpdates = append(task.ProgressUpdates, storage.ProgressUpdate{
			Kind:      storage.ProgressRewardChange,
			Message:   fmt.Sprintf("Reward adjusted from %d to %d credits. Reason: %s", oldReward, newReward, orDefault(reason, "publisher decision")),
			Timestamp: now,
		})
		task.UpdatedAt = now
		return tx.PutTask(task)
	})
	if err != nil {
		return nil, err
	}

	if oldReward != newReward {
		e.logger.Printf("💰 Task %s reward adjusted %d -> %d", taskID, oldReward, newReward)
		e.metrics.RecordTransition("adjust_reward")
		e.emit(events.RewardAdjusted, taskID, publisherID, map[string]interface{}{
			"old_reward": oldReward, "new_reward": newReward,
		})
	}
	return task, nil
}

// GetTask reads a task by id.
func (e *Engine) GetTask(ctx context.Context, taskID string) (*storage.Task, error) {
	var task *storage.Task
	err := e.store.Atomic(ctx, func(tx storage.Tx) error {
		var err error
		task, err = tx.GetTask(taskID)
		return err
	})
	return task, err
}

// ListTasks lists tasks matching the filter, newest first.
func (e *Engine) ListTasks(ctx context.Context, f storage.TaskFilter) ([]*storage.Task, error) {
	var out []*storage.Task
	err := e.store.Atomic(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.ListTasks(f)
		return err
	})
	return out, err
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
