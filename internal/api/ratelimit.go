package api

import (
	"log"
	"sync"
	"time"
)

// RateLimiter enforces a per-agent request budget using fixed one-minute
// windows. Counts are soft limits; expired windows are garbage-collected in
// the background.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*rateWindow

	perMinute int
	burst     int
	logger    *log.Logger
}

type rateWindow struct {
	count int
	start time.Time
}

// NewRateLimiter creates a limiter allowing perMinute requests per key with
// a temporary burst allowance on top.
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 120
	}
	if burst <= 0 {
		burst = perMinute / 4
	}

	rl := &RateLimiter{
		windows:   make(map[string]*rateWindow),
		perMinute: perMinute,
		burst:     burst,
		logger:    log.New(log.Writer(), "[RateLimit] ", log.LstdFlags),
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether a request under the given key fits the budget.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[key]
	if !ok || now.Sub(w.start) > time.Minute {
		rl.windows[key] = &rateWindow{count: 1, start: now}
		return true
	}

	w.count++
	if w.count > rl.perMinute+rl.burst {
		rl.logger.Printf("🚫 Rate limit exceeded: key=%s count=%d limit=%d",
			key, w.count, rl.perMinute+rl.burst)
		return false
	}
	return true
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		cutoff := time.Now().Add(-2 * time.Minute)
		rl.mu.Lock()
		for key, w := range rl.windows {
			if w.start.Before(cutoff) {
				delete(rl.windows, key)
			}
		}
		rl.mu.Unlock()
	}
}
