// Package pipeline drives recipe creation: it claims the source URL, charges the
// user, runs the extraction stages in order and records every boundary in the
// progress log.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/jonathan/recipe-agent/internal/credit"
	"github.com/jonathan/recipe-agent/internal/progress"
	"github.com/jonathan/recipe-agent/internal/recipe"
	"github.com/jonathan/recipe-agent/internal/stages"
)

// Store is the persistence the orchestrator needs.
type Store interface {
	recipe.ClaimStore
	progress.Store
	GetRecipe(ctx context.Context, id uuid.UUID) (*recipe.Recipe, error)
	SaveRecipe(ctx context.Context, r *recipe.Recipe) error
	ListRecipes(ctx context.Context, f recipe.ListFilter) ([]recipe.Recipe, error)
	ListStaleRecipes(ctx context.Context, before time.Time, limit int) ([]recipe.Recipe, error)
	IncrementViews(ctx context.Context, id uuid.UUID) (int64, error)
	SaveArtifact(ctx context.Context, a *recipe.Artifact) error
	ListArtifacts(ctx context.Context, recipeID uuid.UUID) ([]recipe.Artifact, error)
}

// Options tunes orchestration. Zero values take defaults.
type Options struct {
	// Concurrency is the number of stage calls allowed in flight across all recipes.
	Concurrency int64
	// MaxAttempts is the total number of calls per stage when the remote is unavailable.
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// StageTimeout bounds one stage attempt; zero leaves it to the stage client.
	StageTimeout time.Duration
	// CreditCost is charged per recipe.
	CreditCost int64
	// OnProgress observes every appended progress entry.
	OnProgress func(recipe.ProgressEntry)
}

// Default option values
const (
	DefaultConcurrency = 8
	DefaultMaxAttempts = 3
	DefaultBackoffBase = 500 * time.Millisecond
	DefaultBackoffMax  = 10 * time.Second
	DefaultCreditCost  = 1
)

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BackoffBase < 0 {
		o.BackoffBase = 0
	} else if o.BackoffBase == 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = DefaultBackoffMax
	}
	if o.CreditCost <= 0 {
		o.CreditCost = DefaultCreditCost
	}
	return o
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Store  Store
	Guard  *credit.Guard
	Stages []stages.Stage
	Logger *slog.Logger
}

// Orchestrator runs recipe creation pipelines.
type Orchestrator struct {
	store  Store
	guard  *credit.Guard
	stages []stages.Stage
	dedup  *recipe.Deduplicator
	log    *progress.Log
	pool   *semaphore.Weighted
	opts   Options
	logger *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	// runCtx is cancelled when a shutdown gives up waiting.
	runCtx     context.Context
	cancelRuns context.CancelFunc

	mu      sync.Mutex
	closed  bool
	running map[uuid.UUID]*runState
	wg      sync.WaitGroup
}

type runState struct {
	cancelled atomic.Bool
}

// New creates an orchestrator. Stages must be ordered so that every stage's
// requirements are produced by an earlier stage.
func New(deps Deps, opts Options) (*Orchestrator, error) {
	if deps.Store == nil || deps.Guard == nil {
		return nil, errors.New("pipeline: store and guard are required")
	}
	if err := ValidateOrder(deps.Stages); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()

	runCtx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:      deps.Store,
		guard:      deps.Guard,
		stages:     deps.Stages,
		dedup:      recipe.NewDeduplicator(deps.Store),
		log:        progress.NewLog(deps.Store),
		pool:       semaphore.NewWeighted(opts.Concurrency),
		opts:       opts,
		logger:     logger.With("component", "pipeline"),
		now:        time.Now,
		sleep:      sleepContext,
		runCtx:     runCtx,
		cancelRuns: cancel,
		running:    make(map[uuid.UUID]*runState),
	}, nil
}

// ValidateOrder checks that stages run in strictly increasing step order and
// that each stage only requires payloads of earlier steps.
func ValidateOrder(ss []stages.Stage) error {
	if len(ss) == 0 {
		return fmt.Errorf("%w: no stages", ErrStageOrder)
	}
	produced := map[recipe.Step]bool{recipe.StepReady: true}
	last := recipe.StepReady
	for _, s := range ss {
		step := s.Step()
		if step <= last || step >= recipe.StepDone {
			return fmt.Errorf("%w: %s after %s", ErrStageOrder, step, last)
		}
		for _, req := range s.Requires() {
			if !produced[req] {
				return fmt.Errorf("%w: %s requires %s", ErrStageOrder, step, req)
			}
		}
		produced[step] = true
		last = step
	}
	return nil
}

// Log returns the progress log the orchestrator appends to.
func (o *Orchestrator) Log() *progress.Log {
	return o.log
}

// Create claims sourceURL for userID, charges the user and starts the stage
// run in the background. It returns the new recipe id once the charge went
// through; stage outcomes are reported through the progress log. When the
// charge is refused the recipe is already FAILED and its id is returned with
// the error, since the claim on sourceURL is permanent.
func (o *Orchestrator) Create(ctx context.Context, sourceURL string, userID uuid.UUID) (uuid.UUID, error) {
	// Reserve the run before any side effect so Shutdown never waits on a
	// counter that is still growing.
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return uuid.Nil, ErrShuttingDown
	}
	o.wg.Add(1)
	o.mu.Unlock()
	launched := false
	defer func() {
		if !launched {
			o.wg.Done()
		}
	}()

	r, err := o.dedup.Claim(ctx, sourceURL, userID)
	if err != nil {
		return uuid.Nil, err
	}
	logger := o.logger.With("recipe_id", r.ID, "user_id", userID)

	hold, err := o.guard.Begin(ctx, credit.Charge{UserID: userID, RecipeID: r.ID, Amount: o.opts.CreditCost})
	if err != nil {
		logger.Info("charge refused", "error", err)
		_ = o.fail(ctx, r, recipe.StepReady, recipe.OutcomeFailed, "credit: "+err.Error(), err)
		return r.ID, err
	}

	st := &runState{}
	o.mu.Lock()
	o.running[r.ID] = st
	o.mu.Unlock()
	launched = true

	// The run outlives the request but not a forced shutdown.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(o.runCtx, cancel)

	go func() {
		defer o.wg.Done()
		defer o.unregister(r.ID)
		defer cancel()
		defer stop()

		err := hold.Run(runCtx, func(ctx context.Context) (err error) {
			defer func() {
				if p := recover(); p != nil {
					logger.Error("pipeline panic", "panic", p)
					err = o.fail(ctx, r, r.Step, recipe.OutcomeFailed, "internal error", fmt.Errorf("pipeline panic: %v", p))
				}
			}()
			return o.runStages(ctx, r, st, logger)
		})
		if err != nil {
			logger.Info("recipe creation failed", "step", r.Step, "error", err)
			return
		}
		logger.Info("recipe created")
	}()

	logger.Info("recipe creation started", "source_url", r.SourceURL)
	return r.ID, nil
}

func (o *Orchestrator) unregister(id uuid.UUID) {
	o.mu.Lock()
	delete(o.running, id)
	o.mu.Unlock()
}

// runStages executes every stage in order. Any returned error makes the
// surrounding credit hold refund the charge.
func (o *Orchestrator) runStages(ctx context.Context, r *recipe.Recipe, st *runState, logger *slog.Logger) error {
	payloads := &stages.Payloads{SourceURL: r.SourceURL}

	for _, stage := range o.stages {
		step := stage.Step()

		if st.cancelled.Load() {
			return o.fail(ctx, r, r.Step, recipe.OutcomeCancelled, "cancelled by user", ErrCancelled)
		}

		if err := r.Advance(step, o.now()); err != nil {
			return o.fail(ctx, r, r.Step, recipe.OutcomeFailed, err.Error(), err)
		}
		if err := o.store.SaveRecipe(ctx, r); err != nil {
			if errors.Is(err, recipe.ErrTerminal) {
				// Someone else closed the recipe; its trail is already complete.
				return err
			}
			return o.fail(ctx, r, step, recipe.OutcomeFailed, "persist step: "+err.Error(), err)
		}

		if err := stages.CheckRequires(stage, payloads); err != nil {
			return o.fail(ctx, r, step, recipe.OutcomeFailed, err.Error(), err)
		}

		start := o.now()
		if err := o.execStage(ctx, stage, payloads, logger); err != nil {
			kind := stages.KindOf(err)
			if kind == stages.KindMalformedResponse {
				logger.Error("stage returned malformed response", "step", step, "error", err)
			} else {
				logger.Warn("stage failed", "step", step, "kind", kind, "error", err)
			}
			return o.fail(ctx, r, step, recipe.OutcomeFailed, failureDetail(kind, err), err)
		}

		if !payloads.Has(step) {
			err := stages.Wrap(stages.ErrMalformedResponse, step.String(), "", "stage produced no payload", nil)
			logger.Error("stage returned no payload", "step", step)
			return o.fail(ctx, r, step, recipe.OutcomeFailed, failureDetail(stages.KindMalformedResponse, err), err)
		}
		if err := o.saveArtifact(ctx, r.ID, step, payloads.Artifact(step)); err != nil {
			return o.fail(ctx, r, step, recipe.OutcomeFailed, "persist artifact: "+err.Error(), err)
		}
		o.append(ctx, r.ID, step, recipe.OutcomeSucceeded, summarize(step, payloads))
		logger.Debug("stage succeeded", "step", step, "duration", o.now().Sub(start))
	}

	if st.cancelled.Load() {
		return o.fail(ctx, r, r.Step, recipe.OutcomeCancelled, "cancelled by user", ErrCancelled)
	}

	done := *r
	if err := done.Succeed(o.now()); err != nil {
		return o.fail(ctx, r, r.Step, recipe.OutcomeFailed, err.Error(), err)
	}
	if err := o.store.SaveRecipe(ctx, &done); err != nil {
		if errors.Is(err, recipe.ErrTerminal) {
			return err
		}
		return o.fail(ctx, r, r.Step, recipe.OutcomeFailed, "persist success: "+err.Error(), err)
	}
	*r = done

	// The recipe is committed; a lost DONE entry must not trigger a refund.
	o.append(ctx, r.ID, recipe.StepDone, recipe.OutcomeSucceeded, "recipe created")
	return nil
}

// execStage calls the stage, retrying remote unavailability with exponential backoff.
func (o *Orchestrator) execStage(ctx context.Context, stage stages.Stage, p *stages.Payloads, logger *slog.Logger) error {
	var err error
	for attempt := 1; attempt <= o.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			if serr := o.sleep(ctx, o.backoff(attempt-1)); serr != nil {
				return stages.Wrap(stages.ErrRemoteUnavailable, stage.Step().String(), "retry", "gave up waiting", serr)
			}
		}

		err = o.callStage(ctx, stage, p)
		if err == nil || !stages.Retryable(err) {
			return err
		}
		logger.Warn("stage attempt failed", "step", stage.Step(), "attempt", attempt, "max_attempts", o.opts.MaxAttempts, "error", err)
	}
	return err
}

// callStage runs one attempt inside the admission pool.
func (o *Orchestrator) callStage(ctx context.Context, stage stages.Stage, p *stages.Payloads) error {
	if err := o.pool.Acquire(ctx, 1); err != nil {
		return stages.Wrap(stages.ErrRemoteUnavailable, stage.Step().String(), "acquire slot", "", err)
	}
	defer o.pool.Release(1)

	if o.opts.StageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.StageTimeout)
		defer cancel()
	}
	return stage.Execute(ctx, p)
}

// backoff returns the wait before retry n (1-based).
func (o *Orchestrator) backoff(n int) time.Duration {
	d := o.opts.BackoffBase
	for i := 1; i < n && d < o.opts.BackoffMax; i++ {
		d *= 2
	}
	return min(d, o.opts.BackoffMax)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// fail records a terminal entry, moves the recipe to FAILED and returns cause.
func (o *Orchestrator) fail(ctx context.Context, r *recipe.Recipe, step recipe.Step, outcome recipe.Outcome, detail string, cause error) error {
	// Bookkeeping must land even when the run context is gone.
	ctx = context.WithoutCancel(ctx)

	o.append(ctx, r.ID, step, outcome, detail)
	if err := r.Fail(o.now()); err != nil {
		o.logger.Error("failed to fail recipe", "recipe_id", r.ID, "error", err)
		return cause
	}
	if err := o.store.SaveRecipe(ctx, r); err != nil && !errors.Is(err, recipe.ErrTerminal) {
		o.logger.Error("failed to persist failed recipe", "recipe_id", r.ID, "error", err)
	}
	return cause
}

func (o *Orchestrator) append(ctx context.Context, id uuid.UUID, step recipe.Step, outcome recipe.Outcome, detail string) {
	entry, err := o.log.Append(ctx, id, step, outcome, detail)
	if err != nil {
		o.logger.Error("failed to append progress", "recipe_id", id, "step", step, "error", err)
		return
	}
	if o.opts.OnProgress != nil {
		o.opts.OnProgress(entry)
	}
}

func (o *Orchestrator) saveArtifact(ctx context.Context, id uuid.UUID, step recipe.Step, payload any) error {
	content, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s artifact: %w", step, err)
	}
	return o.store.SaveArtifact(ctx, &recipe.Artifact{RecipeID: id, Step: step, Content: content})
}

// Cancel asks an in-flight creation to stop at the next stage boundary.
func (o *Orchestrator) Cancel(id uuid.UUID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.running[id]
	if !ok {
		return ErrNotRunning
	}
	st.cancelled.Store(true)
	return nil
}

// Running reports whether a creation for id is in flight in this process.
func (o *Orchestrator) Running(id uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.running[id]
	return ok
}

// Wait blocks until every in-flight creation has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Shutdown stops accepting creations and waits for in-flight runs. When ctx
// expires first the runs are cancelled, which fails and refunds them.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		o.cancelRuns()
		<-done
		return ctx.Err()
	}
}

// Status returns the recipe without side effects.
func (o *Orchestrator) Status(ctx context.Context, id uuid.UUID) (*recipe.Recipe, error) {
	return o.store.GetRecipe(ctx, id)
}

// View returns the recipe and counts a view when it was created successfully.
func (o *Orchestrator) View(ctx context.Context, id uuid.UUID) (*recipe.Recipe, error) {
	r, err := o.store.GetRecipe(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status == recipe.StatusSuccess {
		count, err := o.store.IncrementViews(ctx, id)
		if err != nil {
			return nil, err
		}
		r.ViewCount = count
	}
	return r, nil
}

// Progress returns the ordered progress entries of a recipe.
func (o *Orchestrator) Progress(ctx context.Context, id uuid.UUID) ([]recipe.ProgressEntry, error) {
	if _, err := o.store.GetRecipe(ctx, id); err != nil {
		return nil, err
	}
	return o.log.Collect(ctx, id)
}

// Artifacts returns the stored stage payloads of a recipe.
func (o *Orchestrator) Artifacts(ctx context.Context, id uuid.UUID) ([]recipe.Artifact, error) {
	if _, err := o.store.GetRecipe(ctx, id); err != nil {
		return nil, err
	}
	return o.store.ListArtifacts(ctx, id)
}

// List returns recipes matching f.
func (o *Orchestrator) List(ctx context.Context, f recipe.ListFilter) ([]recipe.Recipe, error) {
	return o.store.ListRecipes(ctx, f)
}
