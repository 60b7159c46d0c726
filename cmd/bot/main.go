// Command bot runs the counter-trend liquidation engine.
//
// Usage:
//
//	bot -config configs/config.yaml
//
// Credentials come from LIQ_API_KEY, LIQ_API_SECRET, LIQ_DATABASE_URL and
// LIQ_OPERATOR_PIN; LIQ_DRY_RUN=1 submits no real orders.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"counterliq/internal/config"
	"counterliq/internal/engine"
	"counterliq/internal/observability"
	"counterliq/internal/storage/migrations"
	"counterliq/internal/storage/postgres"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting", "config", configPath, "dry_run", cfg.DryRun)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	store := postgres.NewStore(pool)
	return engine.New(cfg, store, logger).Run(ctx)
}
