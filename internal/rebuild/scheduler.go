package rebuild

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// TypesFunc returns the types to rebuild on a scheduled run.
type TypesFunc func(ctx context.Context) ([]string, error)

// StaticTypes returns a TypesFunc for a fixed list.
func StaticTypes(types ...string) TypesFunc {
	return func(context.Context) ([]string, error) {
		return types, nil
	}
}

// Scheduler runs RebuildAll on a cron schedule.
// Runs never overlap: a run that is still going delays the next tick.
type Scheduler struct {
	expr  string
	orch  *Orchestrator
	types TypesFunc
}

// NewScheduler validates expr and creates a scheduler.
func NewScheduler(expr string, orch *Orchestrator, types TypesFunc) (*Scheduler, error) {
	if !gronx.IsValid(expr) {
		return nil, fmt.Errorf("invalid rebuild schedule: %q", expr)
	}
	return &Scheduler{expr: expr, orch: orch, types: types}, nil
}

// Next returns the first tick strictly after t.
func (s *Scheduler) Next(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.expr, t, false)
}

// Run blocks until ctx is done, rebuilding on every tick.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("rebuild_scheduler_started", slog.String("schedule", s.expr))
	for {
		next, err := s.Next(time.Now())
		if err != nil {
			return fmt.Errorf("compute next rebuild: %w", err)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("rebuild_scheduler_stopping")
			return nil
		case <-timer.C:
		}

		s.RunOnce(ctx)
	}
}

// RunOnce performs one scheduled run and logs its outcome.
func (s *Scheduler) RunOnce(ctx context.Context) {
	types, err := s.types(ctx)
	if err != nil {
		slog.Error("rebuild_types_failed", slog.String("error", err.Error()))
		return
	}
	reports, err := s.orch.RebuildAll(ctx, types)
	if err != nil {
		slog.Error("scheduled_rebuild_failed",
			slog.Int("types", len(types)),
			slog.String("error", err.Error()))
	}
	slog.Info("scheduled_rebuild_finished",
		slog.Int("types", len(types)),
		slog.Int("reports", len(reports)))
}
