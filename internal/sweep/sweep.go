// Package sweep nudges stalled onboarding threads with reminder events.
package sweep

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/onboarding-cli/internal/model"
	"github.com/sells-group/onboarding-cli/internal/store"
	"github.com/sells-group/onboarding-cli/internal/webhook"
)

// Config tunes the sweep.
type Config struct {
	// StaleAfter is how long a thread may sit at a remindable stage with no
	// activity before it gets a reminder.
	StaleAfter time.Duration

	// MaxReminders matches the engine's cap; threads at the cap are not
	// loaded at all.
	MaxReminders int

	// Parallel bounds concurrent engine invocations per run.
	Parallel int

	// Policy, when set, overrides StaleAfter and MaxReminders per stage.
	Policy *Policy
}

// Runner executes reminder sweeps.
type Runner struct {
	store store.Store
	eng   webhook.Advancer
	cfg   Config
	now   func() time.Time
}

// New creates a Runner.
func New(st store.Store, eng webhook.Advancer, cfg Config) *Runner {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 48 * time.Hour
	}
	if cfg.MaxReminders <= 0 {
		cfg.MaxReminders = 3
	}
	if cfg.Parallel <= 0 {
		cfg.Parallel = 4
	}
	return &Runner{
		store: st,
		eng:   eng,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Run performs one sweep and returns how many threads were nudged. Busy
// threads are skipped; they are being advanced right now and need no nudge.
func (r *Runner) Run(ctx context.Context) (int, error) {
	policy := r.cfg.Policy
	if policy == nil {
		policy = DefaultPolicy(r.cfg)
	}

	now := r.now()
	var ids []string
	for rule, stages := range policy.groups() {
		before := now.Add(-time.Duration(rule.StaleHours) * time.Hour)
		got, err := r.store.ListStalled(ctx, before, stages, rule.MaxReminders)
		if err != nil {
			return 0, err
		}
		ids = append(ids, got...)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	zap.L().Info("sweep starting", zap.Int("stalled", len(ids)))

	var nudged int
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Parallel)
	results := make(chan bool, len(ids))

	for _, id := range ids {
		g.Go(func() error {
			_, err := r.eng.Advance(gctx, id, model.Trigger{
				Kind:   model.TriggerEvent,
				Event:  &model.ExternalEvent{Kind: model.EventReminder},
				Source: model.SourceSweep,
			})
			switch {
			case err == nil:
				results <- true
			case store.IsBusy(err):
				zap.L().Debug("sweep skipped busy thread", zap.String("thread_id", id))
			default:
				zap.L().Warn("sweep reminder failed",
					zap.String("thread_id", id), zap.Error(err))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nudged, err
	}
	close(results)
	for range results {
		nudged++
	}

	zap.L().Info("sweep complete", zap.Int("nudged", nudged))
	return nudged, nil
}

// Start runs the sweep on a ticker until ctx is cancelled. Used by serve.
func (r *Runner) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Run(ctx); err != nil {
				zap.L().Error("sweep run failed", zap.Error(err))
			}
		}
	}
}
