package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/recipe-agent/internal/credit"
	"github.com/jonathan/recipe-agent/internal/recipe"
)

// StaleDetail is recorded for recipes whose pipeline died with its process.
const StaleDetail = "stale: pipeline interrupted"

// ReconcileOptions tunes the reconciler. Zero values take defaults.
type ReconcileOptions struct {
	// StaleAfter is how long an in-progress recipe may go without an update.
	StaleAfter time.Duration
	// Interval between passes of Run.
	Interval time.Duration
	// BatchSize bounds the rows handled per pass.
	BatchSize int
}

// Default reconciler values
const (
	DefaultStaleAfter = 15 * time.Minute
	DefaultInterval   = time.Minute
	DefaultBatchSize  = 100
)

// Report summarizes one reconciliation pass.
type Report struct {
	Failed      int `json:"failed"`
	Compensated int `json:"compensated"`
	Errors      int `json:"errors"`
}

// Reconciler closes out recipes abandoned by a crash and finishes refunds
// that were interrupted.
type Reconciler struct {
	orch   *Orchestrator
	ledger credit.Ledger
	opts   ReconcileOptions
	logger *slog.Logger
}

// NewReconciler creates a reconciler over the orchestrator's store and guard.
func NewReconciler(orch *Orchestrator, ledger credit.Ledger, opts ReconcileOptions) *Reconciler {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	return &Reconciler{
		orch:   orch,
		ledger: ledger,
		opts:   opts,
		logger: orch.logger.With("component", "reconciler"),
	}
}

// Run reconciles immediately and then on every interval until ctx is done.
func (rc *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(rc.opts.Interval)
	defer ticker.Stop()

	for {
		if _, err := rc.RunOnce(ctx); err != nil && ctx.Err() == nil {
			rc.logger.Error("reconciliation pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single pass.
func (rc *Reconciler) RunOnce(ctx context.Context) (Report, error) {
	var report Report
	if err := rc.failStale(ctx, &report); err != nil {
		return report, err
	}
	if err := rc.redriveRefunds(ctx, &report); err != nil {
		return report, err
	}
	if report != (Report{}) {
		rc.logger.Info("reconciliation pass", "failed", report.Failed, "compensated", report.Compensated, "errors", report.Errors)
	}
	return report, nil
}

func (rc *Reconciler) failStale(ctx context.Context, report *Report) error {
	o := rc.orch
	cutoff := o.now().Add(-rc.opts.StaleAfter)
	stale, err := o.store.ListStaleRecipes(ctx, cutoff, rc.opts.BatchSize)
	if err != nil {
		return err
	}

	for i := range stale {
		r := &stale[i]
		if o.Running(r.ID) {
			continue
		}

		// A run whose final save was lost has already written its terminal entry.
		closed, err := rc.trailClosed(ctx, r.ID)
		if err != nil {
			rc.logger.Error("failed to read progress of stale recipe", "recipe_id", r.ID, "error", err)
			report.Errors++
			continue
		}

		if err := r.Fail(o.now()); err != nil {
			report.Errors++
			continue
		}
		// The conditional update decides the race with a live run elsewhere.
		if err := o.store.SaveRecipe(ctx, r); err != nil {
			if !errors.Is(err, recipe.ErrTerminal) {
				rc.logger.Error("failed to fail stale recipe", "recipe_id", r.ID, "error", err)
				report.Errors++
			}
			continue
		}
		report.Failed++
		if !closed {
			o.append(ctx, r.ID, r.Step, recipe.OutcomeFailed, StaleDetail)
		}
		rc.logger.Warn("failed stale recipe", "recipe_id", r.ID, "step", r.Step, "updated_at", r.UpdatedAt, "trail_closed", closed)

		if err := o.guard.Compensate(ctx, r.ID); err != nil {
			rc.logger.Error("failed to refund stale recipe", "recipe_id", r.ID, "error", err)
			report.Errors++
			continue
		}
		report.Compensated++
	}
	return nil
}

// trailClosed reports whether the recipe's progress log ends in a terminal entry.
func (rc *Reconciler) trailClosed(ctx context.Context, id uuid.UUID) (bool, error) {
	closed := false
	for e, err := range rc.orch.log.ReadAll(ctx, id) {
		if err != nil {
			return false, err
		}
		closed = e.Terminal()
	}
	return closed, nil
}

// redriveRefunds refunds charges of failed recipes that a crash left unrefunded.
func (rc *Reconciler) redriveRefunds(ctx context.Context, report *Report) error {
	o := rc.orch
	charges, err := rc.ledger.ListCharges(ctx, []credit.State{credit.StateSpending, credit.StateSpent, credit.StateRefundPending}, rc.opts.BatchSize)
	if err != nil {
		return err
	}

	for _, charge := range charges {
		if o.Running(charge.RecipeID) {
			continue
		}
		r, err := o.store.GetRecipe(ctx, charge.RecipeID)
		if err != nil {
			rc.logger.Error("failed to load charged recipe", "recipe_id", charge.RecipeID, "error", err)
			report.Errors++
			continue
		}
		if r.Status != recipe.StatusFailed {
			continue
		}
		if err := o.guard.Compensate(ctx, charge.RecipeID); err != nil {
			rc.logger.Error("failed to redrive refund", "recipe_id", charge.RecipeID, "error", err)
			report.Errors++
			continue
		}
		report.Compensated++
	}
	return nil
}
