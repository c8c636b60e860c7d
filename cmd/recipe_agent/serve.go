package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/recipe-agent/internal/config"
	"github.com/jonathan/recipe-agent/internal/server"
	"github.com/jonathan/recipe-agent/internal/server/ratelimit"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server",
	Long: `Start an HTTP server that accepts recipe creation requests, streams their
progress and reconciles recipes abandoned by an earlier crash.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(false)
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}

	jwtCfg, err := config.NewJWTConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	limiter, err := ratelimit.NewLimiter(ratelimit.LoadConfig(), logger)
	if err != nil {
		return fmt.Errorf("failed to create rate limiter: %w", err)
	}

	health := map[string]server.Pinger{"database": a.store}
	if checked, _ := limiter.Ping(ctx); checked {
		health["ratelimit"] = pingFunc(func(ctx context.Context) error {
			_, err := limiter.Ping(ctx)
			return err
		})
	}

	srv, err := server.New(server.Config{
		Port:            cfg.Server.Port,
		PollInterval:    cfg.Server.PollInterval,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, server.Deps{
		Recipes: a.orch,
		Tokens:  server.NewJWTService(jwtCfg).AsTokenValidator(),
		Limiter: limiter,
		Health:  health,
		Logger:  logger,
	})
	if err != nil {
		limiter.Stop()
		return fmt.Errorf("failed to create server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	if cfg.Reconcile.Enabled {
		rc := a.reconciler()
		g.Go(func() error { return rc.Run(gctx) })
	}
	runErr := g.Wait()

	// Runs still in flight get the shutdown timeout to finish; the rest are
	// failed and refunded.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.orch.Shutdown(shutdownCtx); err != nil {
		logger.Warn("in-flight recipes cancelled at shutdown", "error", err)
	}
	logger.Info("shutdown complete")
	return runErr
}
