package events

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBus publishes lifecycle events to a Redis pub/sub channel so other
// processes (dashboards, notifiers) can follow the marketplace. The caller
// decides whether to fall back to the in-process Bus when Redis is down.
type RedisBus struct {
	rdb     *redis.Client
	channel string
	logger  *log.Logger
}

// NewRedisBus connects to Redis and verifies connectivity.
func NewRedisBus(addr, password string, db int, channel string) (*RedisBus, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}

	if channel == "" {
		channel = "clawtask.events"
	}
	return &RedisBus{
		rdb:     rdb,
		channel: channel,
		logger:  log.New(log.Writer(), "[Events] ", log.LstdFlags),
	}, nil
}

// Emit publishes the event as JSON. Publish failures are logged, never
// propagated.
func (b *RedisBus) Emit(eventType, taskID, agentID string, data map[string]interface{}) {
	ev := Event{
		Type:    eventType,
		TaskID:  taskID,
		AgentID: agentID,
		Time:    time.Now().UTC(),
		Data:    data,
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.Printf("⚠️  Encode %s event: %v", eventType, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		b.logger.Printf("⚠️  Publish %s event: %v", eventType, err)
	}
}

// Close shuts down the Redis connection.
func (b *RedisBus) Close() error { return b.rdb.Close() }
