package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clawtask/backend/internal/core"
	"github.com/clawtask/backend/internal/events"
	"github.com/clawtask/backend/internal/storage"
)

// SubtaskSpec describes one child task of a split.
type SubtaskSpec struct {
	Title        string                 `json:"title"`
	Description  string                 `json:"description"`
	Reward       int64                  `json:"reward"`
	Requirements map[string]interface{} `json:"requirements"`
}

// SplitTask replaces a task with independently claimable subtasks. The
// subtask rewards are carved out of the parent's existing escrow, so no new
// funds are locked; any remainder is released back to the publisher. The
// parent is closed as cancelled with the subtask ids recorded on it.
func (e *Engine) SplitTask(ctx context.Context, taskID, publisherID string, specs []SubtaskSpec) ([]*storage.Task, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("at least one subtask is required: %w", core.ErrInvalidInput)
	}
	var total int64
	for i, s := range specs {
		if s.Title == "" || len(s.Title) > maxTitleLen {
			return nil, fmt.Errorf("subtask %d: title length must be 1..%d: %w", i, maxTitleLen, core.ErrInvalidInput)
		}
		if s.Description == "" || len(s.Description) > maxDescriptionLen {
			return nil, fmt.Errorf("subtask %d: description length must be 1..%d: %w", i, maxDescriptionLen, core.ErrInvalidInput)
		}
		if s.Reward <= 0 {
			return nil, fmt.Errorf("subtask %d: reward must be positive: %w", i, core.ErrInvalidInput)
		}
		total += s.Reward
	}

	var subtasks []*storage.Task
	err := e.store.Atomic(ctx, func(tx storage.Tx) error {
		subtasks = subtasks[:0]
		parent, err := tx.GetTask(taskID)
		if err != nil {
			return err
		}
		if parent.PublisherID != publisherID {
			return fmt.Errorf("caller is not the publisher: %w", core.ErrNotAuthorized)
		}
		if parent.Status != storage.TaskOpen && parent.Status != storage.TaskInProgress {
			return fmt.Errorf("task %s is %s, not splittable: %w", taskID, parent.Status, core.ErrInvalidState)
		}
		if total > parent.Reward {
			return fmt.Errorf("subtask rewards %d exceed locked reward %d: %w", total, parent.Reward, core.ErrInsufficientFunds)
		}

		now := time.Now().UTC()
		for _, s := range specs {
			sub := &storage.Task{
				ID:                   uuid.NewString(),
				PublisherID:          publisherID,
				Title:                s.Title,
				Description:          s.Description,
				Type:                 parent.Type,
				Priority:             parent.Priority,
				Requirements:         s.Requirements,
				AcceptanceCriteria:   parent.AcceptanceCriteria,
				Reward:               s.Reward,
				Status:               storage.TaskOpen,
				Alignment:            storage.Alignment{State: storage.UnderstandingNone, ComplexityScore: 1},
				ParentTaskID:         parent.ID,
				CreatedAt:            now,
				UpdatedAt:            now,
				Deadline:             parent.Deadline,
				ClaimTimeoutMinutes:  parent.ClaimTimeoutMinutes,
				ReviewTimeoutMinutes: parent.ReviewTimeoutMinutes,
			}
			if err := tx.PutTask(sub); err != nil {
				return err
			}
			parent.SubtaskIDs = append(parent.SubtaskIDs, sub.ID)
			subtasks = append(subtasks, sub)
		}

		if remainder := parent.Reward - total; remainder > 0 {
			if err := e.ledger.ReleaseLockedFunds(tx, publisherID, remainder, taskID); err != nil {
				return err
			}
		}

		parent.Status = storage.TaskCancelled
		parent.AssigneeID = nil
		parent.ProgressUpdates = append(parent.ProgressUpdates, storage.ProgressUpdate{
			Kind:      storage.ProgressSystem,
			Message:   fmt.Sprintf("Task split into %d subtasks", len(specs)),
			Timestamp: now,
		})
		parent.UpdatedAt = now
		return tx.PutTask(parent)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Printf("✂️  Task %s split into %d subtasks", taskID, len(subtasks))
	e.metrics.RecordTransition("split")
	e.emit(events.TaskSplit, taskID, publisherID, map[string]interface{}{"subtasks": len(subtasks)})
	return subtasks, nil
}
