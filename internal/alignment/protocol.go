// Package alignment implements the understanding-test and checkpoint
// protocol layered onto an in-progress task.
//
// The protocol is a sub-state-machine embedded in the task record:
// the worker submits an understanding test once, the publisher confirms
// it, confirmation derives a complexity score and a checkpoint schedule,
// and the worker then walks the checkpoints in order, each requiring
// publisher acknowledgment. A checkpoint acknowledged with
// requires-changes set is rejected and must be re-reached; the cursor
// never advances past it.
package alignment

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/clawtask/backend/internal/core"
	"github.com/clawtask/backend/internal/events"
	"github.com/clawtask/backend/internal/storage"
)

// Input size limits for alignment exchanges.
const (
	maxUnderstandingLen = 5000
	maxSummaryLen       = 2000
	maxResponseLen      = 2000
	maxReasonLen        = 1000
	maxCriteria         = 20
)

// Protocol mediates alignment exchanges between a task's publisher and
// assignee.
type Protocol struct {
	store   storage.Store
	emitter events.Emitter // may be nil
	logger  *log.Logger
}

// NewProtocol creates the alignment protocol service. emitter may be nil.
func NewProtocol(store storage.Store, emitter events.Emitter) *Protocol {
	return &Protocol{
		store:   store,
		emitter: emitter,
		logger:  log.New(log.Writer(), "[Alignment] ", log.LstdFlags),
	}
}

func (p *Protocol) emit(eventType, taskID, agentID string, data map[string]interface{}) {
	if p.emitter != nil {
		p.emitter.Emit(eventType, taskID, agentID, data)
	}
}

// loadInProgress fetches the task and checks the caller is its current
// assignee (worker side) or its publisher.
func assigneeOf(t *storage.Task) string {
	if t.AssigneeID == nil {
		return ""
	}
	return *t.AssigneeID
}

// SubmitUnderstanding records the worker's one-shot understanding test.
// Fails if a test already exists for the task.
func (p *Protocol) SubmitUnderstanding(ctx context.Context, taskID, assigneeID, understanding string, criteria []string) (*storage.Task, error) {
	if understanding == "" || len(understanding) > maxUnderstandingLen {
		return nil, fmt.Errorf("understanding length must be 1..%d: %w", maxUnderstandingLen, core.ErrInvalidInput)
	}
	if len(criteria) > maxCriteria {
		return nil, fmt.Errorf("at most %d proposed criteria: %w", maxCriteria, core.ErrInvalidInput)
	}

	var task *storage.Task
	err := p.store.Atomic(ctx, func(tx storage.Tx) error {
		var err error
		task, err = tx.GetTask(taskID)
		if err != nil {
			return err
		}
		if assigneeOf(task) != assigneeID {
			return fmt.Errorf("caller is not the assignee: %w", core.ErrNotAuthorized)
		}
		if task.Status != storage.TaskInProgress {
			return fmt.Errorf("task %s is %s, not in progress: %w", taskID, task.Status, core.ErrInvalidState)
		}
		if task.Alignment.State != storage.UnderstandingNone {
			return fmt.Errorf("understanding already submitted for task %s: %w", taskID, core.ErrInvalidState)
		}

		now := time.Now().UTC()
		task.Alignment.State = storage.UnderstandingSubmitted
		task.Alignment.Test = &storage.UnderstandingTest{
			Understanding:    understanding,
			ProposedCriteria: append([]string(nil), criteria...),
			SubmittedAt:      now,
		}
		task.Alignment.DialogueMessages++
		task.UpdatedAt = now
		return tx.PutTask(task)
	})
	if err != nil {
		return nil, err
	}

	p.logger.Printf("📝 Understanding submitted for task %s by %s", taskID, assigneeID)
	return task, nil
}

// ConfirmUnderstanding records the publisher's verdict on the understanding
// test. A positive confirmation derives the complexity score and generates
// the checkpoint schedule; a negative one records the response and leaves
// the test unconfirmed (there is no resubmission, the parties continue in
// dialogue and the publisher may confirm later).
func (p *Protocol) ConfirmUnderstanding(ctx context.Context, taskID, publisherID, response string, confirmed bool) (*storage.Task, error) {
	if len(response) > maxResponseLen {
		return nil, fmt.Errorf("response exceeds %d chars: %w", maxResponseLen, core.ErrInvalidInput)
	}

	var task *storage.Task
	err := p.store.Atomic(ctx, func(tx storage.Tx) error {
		var err error
		task, err = tx.GetTask(taskID)
		if err != nil {
			return err
		}
		if task.PublisherID != publisherID {
			return fmt.Errorf("caller is not the publisher: %w", core.ErrNotAuthorized)
		}
		if task.Status != storage.TaskInProgress {
			return fmt.Errorf("task %s is %s, not in progress: %w", taskID, task.Status, core.ErrInvalidState)
		}
		if task.Alignment.State == storage.UnderstandingNone || task.Alignment.Test == nil {
			return fmt.Errorf("no understanding test for task %s: %w", taskID, core.ErrInvalidState)
		}
		if task.Alignment.State == storage.UnderstandingConfirmed {
			return fmt.Errorf("understanding already confirmed for task %s: %w", taskID, core.ErrInvalidState)
		}

		now := time.Now().UTC()
		task.Alignment.Test.Confirmation = response
		task.Alignment.DialogueMessages++
		if confirmed {
			task.Alignment.Test.Confirmed = true
			task.Alignment.Test.ConfirmedAt = &now
			task.Alignment.State = storage.UnderstandingConfirmed
			task.Alignment.ComplexityScore = ComplexityScore(task)
			task.Alignment.Checkpoints = BuildSchedule(task.Alignment.ComplexityScore)
			task.Alignment.CurrentCheckpoint = 0
		}
		task.UpdatedAt = now
		return tx.PutTask(task)
	})
	if err != nil {
		return nil, err
	}

	if confirmed {
		p.logger.Printf("🤝 Understanding confirmed for task %s (complexity %d, %d checkpoints)",
			taskID, task.Alignment.ComplexityScore, len(task.Alignment.Checkpoints))
	}
	return task, nil
}

// ReachCheckpoint records the worker arriving at a checkpoint. The
// checkpoint must be the next one after the last acknowledged checkpoint
// and must be pending or previously rejected (a re-reach after feedback).
func (p *Protocol) ReachCheckpoint(ctx context.Context, taskID, assigneeID string, number int, summary string, snapshot map[string]interface{}) (*storage.Task, error) {
	if summary == "" || len(summary) > maxSummaryLen {
		return nil, fmt.Errorf("summary length must be 1..%d: %w", maxSummaryLen, core.ErrInvalidInput)
	}

	var task *storage.Task
	err := p.store.Atomic(ctx, func(tx storage.Tx) error {
		var err error
		task, err = tx.GetTask(taskID)
		if err != nil {
			return err
		}
		if assigneeOf(task) != assigneeID {
			return fmt.Errorf("caller is not the assignee: %w", core.ErrNotAuthorized)
		}
		if task.Status != storage.TaskInProgress {
			return fmt.Errorf("task %s is %s, not in progress: %w", taskID, task.Status, core.ErrInvalidState)
		}
		if task.Alignment.State != storage.UnderstandingConfirmed {
			return fmt.Errorf("understanding not confirmed for task %s: %w", taskID, core.ErrInvalidState)
		}
		cp := findCheckpoint(task, number)
		if cp == nil {
			return fmt.Errorf("task %s has no checkpoint %d: %w", taskID, number, core.ErrInvalidInput)
		}
		if number != task.Alignment.CurrentCheckpoint+1 {
			return fmt.Errorf("checkpoint %d is not next (current %d): %w", number, task.Alignment.CurrentCheckpoint, core.ErrInvalidState)
		}
		if cp.Status != storage.CheckpointPending && cp.Status != storage.CheckpointRejected {
			return fmt.Errorf("checkpoint %d is %s, not reachable: %w", number, cp.Status, core.ErrInvalidState)
		}

		now := time.Now().UTC()
		cp.Status = storage.CheckpointAwaitingAck
		cp.WorkerSummary = summary
		cp.ResultSnapshot = snapshot
		cp.ReachedAt = &now
		cp.RequiresChanges = false
		task.Alignment.DialogueMessages++
		task.UpdatedAt = now
		return tx.PutTask(task)
	})
	if err != nil {
		return nil, err
	}

	p.logger.Printf("🚩 Checkpoint %d reached on task %s", number, taskID)
	p.emit(events.CheckpointReached, taskID, assigneeID, map[string]interface{}{"checkpoint": number})
	return task, nil
}

// AcknowledgeCheckpoint records the publisher's verdict on a reached
// checkpoint. With requiresChanges the checkpoint is rejected and the
// cursor stays put; otherwise it is acknowledged and the cursor advances
// to exactly this number.
func (p *Protocol) AcknowledgeCheckpoint(ctx context.Context, taskID, publisherID string, number int, response string, requiresChanges bool) (*storage.Task, error) {
	if len(response) > maxResponseLen {
		return nil, fmt.Errorf("response exceeds %d chars: %w", maxResponseLen, core.ErrInvalidInput)
	}

	var task *storage.Task
	err := p.store.Atomic(ctx, func(tx storage.Tx) error {
		var err error
		task, err = tx.GetTask(taskID)
		if err != nil {
			return err
		}
		if task.PublisherID != publisherID {
			return fmt.Errorf("caller is not the publisher: %w", core.ErrNotAuthorized)
		}
		cp := findCheckpoint(task, number)
		if cp == nil {
			return fmt.Errorf("task %s has no checkpoint %d: %w", taskID, number, core.ErrInvalidInput)
		}
		if cp.Status != storage.CheckpointAwaitingAck {
			return fmt.Errorf("checkpoint %d is %s, not awaiting acknowledgment: %w", number, cp.Status, core.ErrInvalidState)
		}

		now := time.Now().UTC()
		cp.PublisherResponse = response
		cp.RequiresChanges = requiresChanges
		cp.AcknowledgedAt = &now
		if requiresChanges {
			cp.Status = storage.CheckpointRejected
			task.Alignment.RejectedCheckpoints++
		} else {
			cp.Status = storage.CheckpointAcknowledged
			task.Alignment.CurrentCheckpoint = number
		}
		task.Alignment.DialogueMessages++
		task.UpdatedAt = now
		return tx.PutTask(task)
	})
	if err != nil {
		return nil, err
	}

	if requiresChanges {
		p.logger.Printf("🔁 Checkpoint %d on task %s needs changes", number, taskID)
	} else {
		p.logger.Printf("✅ Checkpoint %d acknowledged on task %s", number, taskID)
	}
	return task, nil
}

// RequestSplit lets the worker flag that the task is too large and should
// be decomposed. It only appends a typed progress entry; the publisher
// decides whether to actually split.
func (p *Protocol) RequestSplit(ctx context.Context, taskID, assigneeID, reason string) (*storage.Task, error) {
	if reason == "" || len(reason) > maxReasonLen {
		return nil, fmt.Errorf("reason length must be 1..%d: %w", maxReasonLen, core.ErrInvalidInput)
	}

	var task *storage.Task
	err := p.store.Atomic(ctx, func(tx storage.Tx) error {
		var err error
		task, err = tx.GetTask(taskID)
		if err != nil {
			return err
		}
		if assigneeOf(task) != assigneeID {
			return fmt.Errorf("caller is not the assignee: %w", core.ErrNotAuthorized)
		}
		if task.Status != storage.TaskInProgress {
			return fmt.Errorf("task %s is %s, not in progress: %w", taskID, task.Status, core.ErrInvalidState)
		}

		now := time.Now().UTC()
		task.ProgressUpdates = append(task.ProgressUpdates, storage.ProgressUpdate{
			Kind:      storage.ProgressSplitRequest,
			Message:   reason,
			Timestamp: now,
		})
		task.Alignment.DialogueMessages++
		task.UpdatedAt = now
		return tx.PutTask(task)
	})
	if err != nil {
		return nil, err
	}

	p.logger.Printf("✂️  Split requested on task %s by %s", taskID, assigneeID)
	return task, nil
}

func findCheckpoint(t *storage.Task, number int) *storage.Checkpoint {
	for i := range t.Alignment.Checkpoints {
		if t.Alignment.Checkpoints[i].Number == number {
			return &t.Alignment.Checkpoints[i]
		}
	}
	return nil
}
