package worker

import (
	"context"
	"log/slog"
	"time"
)

// Tickable is satisfied by the timer-driven handlers (Discover,
// ScheduleDuePolls), neither of which is triggered by the bus.
type Tickable interface {
	Tick(ctx context.Context) error
}

// TimerRunner runs a Tickable on a fixed interval until stopped, the same
// ticker-loop idiom the bus reclaimer uses.
type TimerRunner struct {
	name     string
	interval time.Duration
	target   Tickable
	logger   *slog.Logger

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewTimerRunner(name string, interval time.Duration, target Tickable, logger *slog.Logger) *TimerRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &TimerRunner{
		name:      name,
		interval:  interval,
		target:    target,
		logger:    logger,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

func (r *TimerRunner) Run(ctx context.Context) {
	defer close(r.stoppedCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if err := r.target.Tick(ctx); err != nil {
				r.logger.ErrorContext(ctx, "timer tick failed", "timer", r.name, "error", err)
			}
		}
	}
}

func (r *TimerRunner) Stop() {
	close(r.stopCh)
	<-r.stoppedCh
}
