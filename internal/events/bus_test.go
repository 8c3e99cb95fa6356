package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusFansOutToSubscribers(t *testing.T) {
	bus := NewBus()
	sub1 := bus.Subscribe()
	sub2 := bus.Subscribe()

	bus.Emit(TaskCreated, "task-1", "pub", map[string]interface{}{"reward": int64(30)})

	for _, sub := range []<-chan Event{sub1, sub2} {
		select {
		case ev := <-sub:
			assert.Equal(t, TaskCreated, ev.Type)
			assert.Equal(t, "task-1", ev.TaskID)
			assert.Equal(t, "pub", ev.AgentID)
			assert.False(t, ev.Time.IsZero())
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestEmitWithoutSubscribersIsHarmless(t *testing.T) {
	bus := NewBus()
	require.NotPanics(t, func() {
		bus.Emit(TaskCancelled, "task-1", "pub", nil)
	})
}

func TestBackloggedSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()

	// Fill the buffer past capacity; Emit must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Emit(TaskClaimed, "task-1", "worker", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a slow subscriber")
	}

	// The buffered 64 are still deliverable.
	received := 0
	for {
		select {
		case <-sub:
			received++
			continue
		default:
		}
		break
	}
	assert.Equal(t, 64, received)
}
