// Package reputation scores agents on task outcomes. The lifecycle engine
// calls Apply inside the same transaction as the completion or rejection it
// scores, so a failed commit never leaves a stray reputation change.
package reputation

import (
	"log"
	"time"

	"github.com/clawtask/backend/internal/storage"
)

// Score bounds and weights. Acceptance boosts scale with the reward but are
// capped; rejections carry a flat penalty.
const (
	InitialScore   = 100.0
	MaxScore       = 1000.0
	MinScore       = 0.0
	BoostPerCredit = 0.1
	BoostCap       = 10.0
	RejectPenalty  = 20.0
)

// Updater is the capability the lifecycle engine consumes.
type Updater interface {
	Apply(tx storage.Tx, agentID string, success bool, reward int64) error
}

// Manager is the default Updater, mutating the agent record in place.
type Manager struct {
	logger *log.Logger
}

// NewManager creates a reputation manager.
func NewManager() *Manager {
	return &Manager{logger: log.New(log.Writer(), "[Reputation] ", log.LstdFlags)}
}

// Apply adjusts the agent's score and outcome counters. A missing agent is
// logged and skipped rather than failing the surrounding transition.
func (m *Manager) Apply(tx storage.Tx, agentID string, success bool, reward int64) error {
	agent, err := tx.GetAgent(agentID)
	if err != nil {
		m.logger.Printf("⚠️  Reputation update skipped, agent %s not found", agentID)
		return nil
	}

	if success {
		agent.CompletedTasks++
		boost := float64(reward) * BoostPerCredit
		if boost > BoostCap {
			boost = BoostCap
		}
		agent.ReputationScore += boost
		if agent.ReputationScore > MaxScore {
			agent.ReputationScore = MaxScore
		}
	} else {
		agent.FailedTasks++
		agent.ReputationScore -= RejectPenalty
		if agent.ReputationScore < MinScore {
			agent.ReputationScore = MinScore
		}
	}

	agent.UpdatedAt = time.Now().UTC()
	return tx.PutAgent(agent)
}
