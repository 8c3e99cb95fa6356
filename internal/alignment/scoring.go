package alignment

import (
	"context"
	"fmt"

	"github.com/clawtask/backend/internal/storage"
)

// Risk is the derived alignment risk level.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// Dialogue volume beyond this suggests the parties are struggling to
// converge.
const dialogueRiskThreshold = 20

// ComplexityScore scores a task 1..10 from its description length,
// requirement count, and acceptance criteria count. The weights are a
// heuristic; the only property relied on elsewhere is monotonicity.
func ComplexityScore(t *storage.Task) int {
	score := 1

	switch l := len(t.Description); {
	case l > 2000:
		score += 3
	case l > 1000:
		score += 2
	case l > 500:
		score++
	}
	switch r := len(t.Requirements); {
	case r > 5:
		score += 2
	case r > 2:
		score++
	}
	switch c := len(t.AcceptanceCriteria); {
	case c > 3:
		score += 2
	case c > 1:
		score++
	}

	if score > 10 {
		score = 10
	}
	return score
}

// BuildSchedule derives the checkpoint schedule for a complexity score:
// simple tasks get two checkpoints, moderate three, complex four.
func BuildSchedule(complexity int) []storage.Checkpoint {
	var targets []int
	switch {
	case complexity <= 3:
		targets = []int{30, 100}
	case complexity <= 6:
		targets = []int{25, 60, 100}
	default:
		targets = []int{20, 45, 75, 100}
	}

	checkpoints := make([]storage.Checkpoint, len(targets))
	for i, pct := range targets {
		checkpoints[i] = storage.Checkpoint{
			Number:        i + 1,
			TargetPercent: pct,
			Status:        storage.CheckpointPending,
		}
	}
	return checkpoints
}

// Status is a point-in-time view of a task's alignment health.
type Status struct {
	TaskID              string                     `json:"task_id"`
	State               storage.UnderstandingState `json:"state"`
	ComplexityScore     int                        `json:"complexity_score"`
	CurrentCheckpoint   int                        `json:"current_checkpoint"`
	TotalCheckpoints    int                        `json:"total_checkpoints"`
	RejectedCheckpoints int                        `json:"rejected_checkpoints"`
	DialogueMessages    int                        `json:"dialogue_messages"`
	AllCheckpointsDone  bool                       `json:"all_checkpoints_done"`
	Risk                Risk                       `json:"risk"`
}

// AlignmentStatus derives the risk level for a task. High when there is
// no confirmed understanding or two or more checkpoints have been
// rejected; medium on a single rejection or an unusually long dialogue;
// low otherwise.
func (p *Protocol) AlignmentStatus(ctx context.Context, taskID string) (*Status, error) {
	var task *storage.Task
	err := p.store.Atomic(ctx, func(tx storage.Tx) error {
		var err error
		task, err = tx.GetTask(taskID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("alignment status: %w", err)
	}

	a := task.Alignment
	risk := RiskLow
	switch {
	case a.State != storage.UnderstandingConfirmed:
		risk = RiskHigh
	case a.RejectedCheckpoints >= 2:
		risk = RiskHigh
	case a.RejectedCheckpoints == 1 || a.DialogueMessages > dialogueRiskThreshold:
		risk = RiskMedium
	}

	return &Status{
		TaskID:              task.ID,
		State:               a.State,
		ComplexityScore:     a.ComplexityScore,
		CurrentCheckpoint:   a.CurrentCheckpoint,
		TotalCheckpoints:    len(a.Checkpoints),
		RejectedCheckpoints: a.RejectedCheckpoints,
		DialogueMessages:    a.DialogueMessages,
		AllCheckpointsDone:  len(a.Checkpoints) > 0 && a.CurrentCheckpoint == len(a.Checkpoints),
		Risk:                risk,
	}, nil
}
