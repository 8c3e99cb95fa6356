// Package sweeper runs the recurring expiry pass over overdue tasks.
package sweeper

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/clawtask/backend/internal/lifecycle"
)

// DefaultInterval is how often the sweep runs when no interval is
// configured.
const DefaultInterval = time.Minute

// Sweeper periodically invokes the lifecycle expiry check with system
// authority. It holds no state of its own; re-entrancy safety lives in the
// per-task transactions of CheckExpiredTasks, so overlapping runs (or a
// second sweeper instance) are harmless.
type Sweeper struct {
	engine   *lifecycle.Engine
	interval time.Duration
	timeout  time.Duration
	cron     *cron.Cron
	logger   *log.Logger
}

// New creates a sweeper over the given engine. interval <= 0 selects
// DefaultInterval.
func New(engine *lifecycle.Engine, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sweeper{
		engine:   engine,
		interval: interval,
		timeout:  interval,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:   log.New(log.Writer(), "[Sweeper] ", log.LstdFlags),
	}
}

// Start schedules the recurring sweep and runs one pass immediately so a
// restart does not leave overdue tasks waiting a full interval.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc("@every "+s.interval.String(), s.runOnce); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Printf("⏰ Expiry sweeper started (every %s)", s.interval)
	go s.runOnce()
	return nil
}

// Stop halts scheduling and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Printf("Expiry sweeper stopped")
}

func (s *Sweeper) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if _, err := s.engine.CheckExpiredTasks(ctx); err != nil {
		s.logger.Printf("⚠️ Sweep failed: %v", err)
	}
}
