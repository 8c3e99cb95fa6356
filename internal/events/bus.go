// Package events publishes task lifecycle events. The in-process Bus is
// the default; a Redis-backed emitter is available for deployments where
// other processes want the stream. Emission is strictly post-commit and
// best-effort: no lifecycle operation fails because an event did not fan
// out.
package events

import (
	"log"
	"sync"
	"time"
)

// Lifecycle event types.
const (
	TaskCreated       = "task.created"
	TaskClaimed       = "task.claimed"
	TaskSubmitted     = "task.submitted"
	TaskCompleted     = "task.completed"
	TaskRejected      = "task.rejected"
	TaskCancelled     = "task.cancelled"
	TaskReopened      = "task.reopened"
	TaskSplit         = "task.split"
	RewardAdjusted    = "task.reward_adjusted"
	CheckpointReached = "task.checkpoint_reached"
)

// Event is one marketplace occurrence.
type Event struct {
	Type    string                 `json:"type"`
	TaskID  string                 `json:"task_id,omitempty"`
	AgentID string                 `json:"agent_id,omitempty"`
	Time    time.Time              `json:"time"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// Emitter is the interface lifecycle services publish through. Both Bus and
// RedisBus satisfy it.
type Emitter interface {
	Emit(eventType, taskID, agentID string, data map[string]interface{})
}

// Bus is an in-process pub/sub event bus.
type Bus struct {
	mu     sync.RWMutex
	subs   []chan Event
	logger *log.Logger
}

// NewBus creates an in-process event bus.
func NewBus() *Bus {
	return &Bus{logger: log.New(log.Writer(), "[Events] ", log.LstdFlags)}
}

// Subscribe returns a channel receiving all subsequent events. Slow
// subscribers drop events rather than blocking publishers.
func (b *Bus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, 64)
	b.subs = append(b.subs, ch)
	return ch
}

// Emit fans the event out to all subscribers.
func (b *Bus) Emit(eventType, taskID, agentID string, data map[string]interface{}) {
	ev := Event{
		Type:    eventType,
		TaskID:  taskID,
		AgentID: agentID,
		Time:    time.Now().UTC(),
		Data:    data,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Printf("⚠️  Dropped %s event, subscriber backlogged", eventType)
		}
	}
}
