package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/jonathan/recipe-agent/internal/config"
	"github.com/jonathan/recipe-agent/internal/credit"
	"github.com/jonathan/recipe-agent/internal/db"
	"github.com/jonathan/recipe-agent/internal/db/sqlite"
	"github.com/jonathan/recipe-agent/internal/llm"
	"github.com/jonathan/recipe-agent/internal/logging"
	"github.com/jonathan/recipe-agent/internal/pipeline"
	"github.com/jonathan/recipe-agent/internal/stages"
)

// store is what both database backends provide.
type store interface {
	pipeline.Store
	credit.Ledger
	Ping(ctx context.Context) error
}

// app holds the wired service for one command invocation.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   store
	credit  *credit.HTTPClient
	orch    *pipeline.Orchestrator
	closers []func() error
}

// loadConfig reads the configuration and builds the logger. Commands other
// than serve log to stderr so their output stays parseable.
func loadConfig(toStderr bool) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	var logger *slog.Logger
	if toStderr {
		logger = logging.NewWithWriter(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	} else {
		logger = logging.New(cfg.Log.Level, cfg.Log.Format)
	}
	return cfg, logger, nil
}

// openStore connects to Postgres when a URL is configured and otherwise opens
// the SQLite file. With exclusive set a SQLite file is locked against other
// writing processes.
func openStore(ctx context.Context, cfg *config.Config, exclusive bool, logger *slog.Logger) (store, []func() error, error) {
	if cfg.Database.Postgres() {
		pg, err := db.Connect(ctx, cfg.Database.URL)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		logger.Info("using postgres store")
		return pg, []func() error{func() error { pg.Close(); return nil }}, nil
	}

	var closers []func() error
	path := cfg.Database.SQLitePath
	if exclusive {
		lock := flock.New(path + ".lock")
		ok, err := lock.TryLock()
		if err != nil {
			return nil, nil, fmt.Errorf("acquire lock: %w", err)
		}
		if !ok {
			return nil, nil, fmt.Errorf("database %s is in use by another process", path)
		}
		closers = append(closers, lock.Unlock)
	}

	s, err := sqlite.Open(path)
	if err != nil {
		closeAll(closers)
		return nil, nil, err
	}
	logger.Info("using sqlite store", "path", path)
	// Close the database before releasing the lock.
	return s, append([]func() error{s.Close}, closers...), nil
}

// newApp wires the store, the credit guard, the stages and the orchestrator.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	st, closers, err := openStore(ctx, cfg, true, logger)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, store: st, closers: closers}

	a.credit = credit.NewHTTPClient(cfg.Credit.URL, cfg.Credit.APIKey, cfg.Credit.Timeout)
	guard := credit.NewGuard(a.credit, st, logger)

	remote := stages.NewRemoteClient(cfg.Stages.URL, cfg.Stages.APIKey, cfg.Stages.Timeout)
	var tagger stages.Stage
	if cfg.Gemini.Tagging {
		llmCfg := llm.DefaultConfig()
		if cfg.Gemini.Model != "" {
			llmCfg = llmCfg.WithModel(llm.TierLite, cfg.Gemini.Model)
		}
		client, err := llm.NewGeminiClient(ctx, llmCfg, cfg.Gemini.APIKey)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create gemini client: %w", err)
		}
		a.closers = append([]func() error{client.Close}, a.closers...)
		tagger = stages.NewGeminiTagger(client)
		logger.Info("tagging with gemini", "model", llmCfg.GetModel(llm.TierLite))
	}

	a.orch, err = pipeline.New(pipeline.Deps{
		Store:  st,
		Guard:  guard,
		Stages: stages.Ordered(remote, tagger),
		Logger: logger,
	}, pipeline.Options{
		Concurrency:  cfg.Pipeline.Concurrency,
		MaxAttempts:  cfg.Pipeline.MaxAttempts,
		BackoffBase:  cfg.Pipeline.BackoffBase,
		BackoffMax:   cfg.Pipeline.BackoffMax,
		StageTimeout: cfg.Pipeline.StageTimeout,
		CreditCost:   cfg.Credit.Cost,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) reconciler() *pipeline.Reconciler {
	return pipeline.NewReconciler(a.orch, a.store, pipeline.ReconcileOptions{
		StaleAfter: a.cfg.Reconcile.StaleAfter,
		Interval:   a.cfg.Reconcile.Interval,
		BatchSize:  a.cfg.Reconcile.BatchSize,
	})
}

// Close releases everything newApp opened, in reverse order of acquisition.
func (a *app) Close() {
	if err := closeAll(a.closers); err != nil {
		a.logger.Warn("failed to close resources", "error", err)
	}
	a.closers = nil
}

func closeAll(closers []func() error) error {
	var errs []error
	for _, c := range closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func parseRecipeID(arg string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(arg))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid recipe id %q: %w", arg, err)
	}
	return id, nil
}
