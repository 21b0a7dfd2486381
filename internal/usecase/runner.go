package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/robfig/cron/v3"

	"paracord-validate/internal/infra/config"
)

// Runner executes validation runs, once by default or repeatedly on a cron
// schedule. Each run gets a fresh Orchestrator so state and entity suffixes
// never leak between passes.
type Runner struct {
	cfg    *config.Config
	logger *slog.Logger

	running atomic.Bool
}

// NewRunner creates a Runner.
func NewRunner(cfg *config.Config, logger *slog.Logger) *Runner {
	return &Runner{cfg: cfg, logger: logger}
}

// Run blocks until the single pass completes, or, when a schedule is
// configured, until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	if r.cfg.Schedule == "" {
		return r.runOnce(ctx)
	}

	c := cron.New()
	if _, err := c.AddFunc(r.cfg.Schedule, func() {
		// A slow run must not stack onto the next tick.
		if !r.running.CompareAndSwap(false, true) {
			r.logger.Warn("previous validation run still in progress, skipping tick")
			return
		}
		defer r.running.Store(false)

		if err := r.runOnce(ctx); err != nil {
			r.logger.Error("scheduled validation run failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", r.cfg.Schedule, err)
	}

	r.logger.Info("running on schedule", "schedule", r.cfg.Schedule)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func (r *Runner) runOnce(ctx context.Context) error {
	o, err := NewOrchestrator(r.cfg, r.logger)
	if err != nil {
		return err
	}
	return o.Run(ctx)
}
