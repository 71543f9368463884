// Package scheduler triggers periodic backlog reconciliation from a
// cron expression.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// Scheduler ticks once a minute and fires the hook when the cron
// expression is due. The hook is skipped while a previous run is still
// going or the watcher is not running; the hook itself decides that.
type Scheduler struct {
	expr string
	gron *gronx.Gronx
	fire func(ctx context.Context)
}

// New creates a scheduler for the given cron expression. Returns nil
// when the expression is empty or invalid, which disables scheduling.
func New(expr string, fire func(ctx context.Context)) *Scheduler {
	if expr == "" {
		return nil
	}
	g := gronx.New()
	if !g.IsValid(expr) {
		slog.Warn("invalid backlog cron expression, scheduling disabled", "expr", expr)
		return nil
	}
	return &Scheduler{expr: expr, gron: g, fire: fire}
}

// Run blocks until ctx is cancelled, firing the hook whenever the
// expression is due.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("backlog scheduler running", "expr", s.expr)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			due, err := s.gron.IsDue(s.expr, now)
			if err != nil {
				slog.Warn("cron evaluation failed", "expr", s.expr, "error", err)
				continue
			}
			if due {
				s.fire(ctx)
			}
		}
	}
}
