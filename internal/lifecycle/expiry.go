package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/clawtask/backend/internal/events"
	"github.com/clawtask/backend/internal/storage"
)

// CheckExpiredTasks scans for overdue tasks and applies their timeout
// transitions: in-progress tasks past the claim timeout return to the open
// pool, pending-review tasks past the review timeout are auto-accepted.
// Each task is processed in its own transaction, re-validated against the
// current clock and status, so an overlapping pass or a racing live
// operation makes the expiry a no-op rather than a double transition.
// Returns the number of tasks transitioned.
func (e *Engine) CheckExpiredTasks(ctx context.Context) (int, error) {
	now := time.Now().UTC()

	type candidate struct {
		id     string
		status storage.TaskStatus
	}
	var candidates []candidate
	err := e.store.Atomic(ctx, func(tx storage.Tx) error {
		candidates = candidates[:0]
		for _, status := range []storage.TaskStatus{storage.TaskInProgress, storage.TaskPendingReview} {
			tasks, err := tx.ListTasks(storage.TaskFilter{Status: status, Limit: -1})
			if err != nil {
				return err
			}
			for _, t := range tasks {
				if taskOverdue(t, now) {
					candidates = append(candidates, candidate{id: t.ID, status: status})
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, c := range candidates {
		var err error
		switch c.status {
		case storage.TaskInProgress:
			err = e.reopenExpired(ctx, c.id, now)
		case storage.TaskPendingReview:
			err = e.autoAccept(ctx, c.id, now)
		}
		if err != nil {
			if !errors.Is(err, errSkipped) {
				e.logger.Printf("⚠️ Expiry of task %s failed: %v", c.id, err)
			}
			continue
		}
		processed++
	}
	if processed > 0 {
		e.logger.Printf("⏰ Expiry sweep transitioned %d task(s)", processed)
	}
	e.metrics.RecordSweep(processed)
	return processed, nil
}

func taskOverdue(t *storage.Task, now time.Time) bool {
	switch t.Status {
	case storage.TaskInProgress:
		if t.ClaimedAt == nil {
			return false
		}
		return now.After(t.ClaimedAt.Add(time.Duration(t.ClaimTimeoutMinutes) * time.Minute))
	case storage.TaskPendingReview:
		if t.SubmittedAt == nil {
			return false
		}
		return now.After(t.SubmittedAt.Add(time.Duration(t.ReviewTimeoutMinutes) * time.Minute))
	}
	return false
}

// reopenExpired returns a timed-out in-progress task to the open pool. The
// escrow stays locked; the worker simply loses the assignment.
func (e *Engine) reopenExpired(ctx context.Context, taskID string, now time.Time) error {
	var reopened bool
	err := e.store.Atomic(ctx, func(tx storage.Tx) error {
		reopened = false
		task, err := tx.GetTask(taskID)
		if err != nil {
			return err
		}
		if task.Status != storage.TaskInProgress || !taskOverdue(task, now) {
			return nil // state moved under us, nothing to do
		}

		task.Status = storage.TaskOpen
		task.AssigneeID = nil
		task.ClaimedAt = nil
		task.ProgressUpdates = append(task.ProgressUpdates, storage.ProgressUpdate{
			Kind:      storage.ProgressSystem,
			Message:   "Claim timed out; task returned to open pool",
			Timestamp: now,
		})
		task.UpdatedAt = now
		if err := tx.PutTask(task); err != nil {
			return err
		}
		reopened = true
		return nil
	})
	if err != nil {
		return err
	}
	if reopened {
		e.metrics.RecordTransition("expire_reopen")
		e.emit(events.TaskReopened, taskID, "", map[string]interface{}{"reason": "claim_timeout"})
	} else {
		return errSkipped
	}
	return nil
}

// autoAccept completes a pending-review task whose review window lapsed,
// acting with the publisher's authority. Payment and reputation follow the
// same path as an explicit accept.
func (e *Engine) autoAccept(ctx context.Context, taskID string, now time.Time) error {
	var task *storage.Task
	var assignee string
	err := e.store.Atomic(ctx, func(tx storage.Tx) error {
		cur, err := tx.GetTask(taskID)
		if err != nil {
			return err
		}
		if cur.Status != storage.TaskPendingReview || !taskOverdue(cur, now) {
			task = nil
			return nil
		}
		task, assignee, err = e.acceptLocked(tx, taskID, cur.PublisherID)
		return err
	})
	if err != nil {
		return err
	}
	if task == nil {
		return errSkipped
	}

	e.logger.Printf("✅ Task %s auto-accepted after review timeout, %d paid to %s", taskID, task.Reward, assignee)
	e.metrics.RecordTransition("auto_accept")
	e.emit(events.TaskCompleted, taskID, assignee, map[string]interface{}{
		"reward": task.Reward, "auto_accepted": true,
	})
	return nil
}

var errSkipped = fmt.Errorf("task no longer eligible")
