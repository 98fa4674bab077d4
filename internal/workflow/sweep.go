package workflow

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically resumes scheduled runs whose FireAt has passed.
//
// The sweep is the only mechanism that re-enters a run; the engine never
// sleeps. Because FireAt is persisted, a crash between "scheduled" and
// "fired" loses no work: the next sweep after restart picks the run up.
type Sweeper struct {
	runs     RunStore
	engine   *Engine
	interval time.Duration
	batch    int
	log      *slog.Logger

	clock func() time.Time
}

func NewSweeper(runs RunStore, engine *Engine, interval time.Duration, log *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		runs:     runs,
		engine:   engine,
		interval: interval,
		batch:    100,
		log:      log,
		clock:    time.Now,
	}
}

// Run blocks until ctx is done, sweeping at the configured interval.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep resumes one batch of due runs. Exposed for tests and for a final
// drain during shutdown.
func (s *Sweeper) Sweep(ctx context.Context) {
	due, err := s.runs.DueScheduled(ctx, s.clock().UTC(), s.batch)
	if err != nil {
		s.log.Error("scheduled run sweep failed", "err", err)
		return
	}
	for _, run := range due {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.engine.Resume(ctx, run); err != nil {
			s.log.Error("run resume failed", "run_id", run.ID, "err", err)
		}
	}
}
