// Package engine assembles the full system and supervises its long-lived
// workers: the two stream feeds, the ingress processor, the cascade
// detector, the periodic jobs, and the operator API.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"counterliq/internal/api"
	"counterliq/internal/cascade"
	"counterliq/internal/config"
	"counterliq/internal/exchange"
	"counterliq/internal/ingress"
	"counterliq/internal/position"
	"counterliq/internal/scheduler"
	"counterliq/internal/storage"
	"counterliq/internal/strategy"
	"counterliq/internal/syncer"
	"counterliq/pkg/types"
)

// precisionRefresh is how often the symbol precision cache is refetched.
const precisionRefresh = time.Hour

// Engine owns every running component.
type Engine struct {
	cfg    *config.Config
	store  *storage.Store
	client *exchange.Client
	logger *slog.Logger

	pm       *position.Manager
	detector *cascade.Detector
	sched    *scheduler.Scheduler
	sync     *syncer.Syncer
	server   *api.Server

	liqFeed  *exchange.LiquidationFeed
	userFeed *exchange.UserFeed
	ingress  *ingress.Processor
	fills    *position.FillApplier

	precMu sync.RWMutex
	prec   map[string]types.SymbolPrecision
}

// New wires the engine from config and an opened store.
func New(cfg *config.Config, store *storage.Store, logger *slog.Logger) *Engine {
	e := &Engine{
		cfg:    cfg,
		store:  store,
		logger: logger.With("component", "engine"),
		prec:   make(map[string]types.SymbolPrecision),
	}

	e.client = exchange.NewClient(cfg.Venue, cfg.DryRun, logger)
	e.pm = position.NewManager(store, e.client, e.precision, logger)
	e.detector = cascade.NewDetector(store.Liquidations, e.client, e.strategyView, cfg.Cascade, logger)
	e.sync = syncer.New(store, e.client, e.pm, logger)

	eng := strategy.NewEngine(store, e.client, e.detector, e.pm, e.precision, cfg.DryRun, logger)
	e.ingress = ingress.NewProcessor(store.Liquidations, []ingress.Consumer{eng}, logger)
	e.fills = position.NewFillApplier(store, e.pm, logger)

	e.liqFeed = exchange.NewLiquidationFeed(cfg.Venue.StreamURL, logger)
	e.userFeed = exchange.NewUserFeed(cfg.Venue.UserDataURL, e.client, logger)
	e.sched = scheduler.New(logger)

	if cfg.Operator.Enabled {
		ctrl := api.NewController(store, e.client, e.pm, e.detector, cfg.Operator.PIN, logger)
		e.server = api.NewServer(ctrl, cfg.Operator.Port, logger)
	}
	return e
}

// Run starts everything and blocks until ctx is cancelled, then drains.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.loadPrecisions(ctx); err != nil {
		return fmt.Errorf("load symbol precisions: %w", err)
	}
	if err := e.applyVenueModes(ctx); err != nil {
		e.logger.Warn("venue mode setup incomplete", "error", err)
	}
	if err := e.registerJobs(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Error("worker exited", "worker", name, "error", err)
				cancel()
			}
		}()
	}

	start("liquidation-feed", e.liqFeed.Run)
	start("ingress", func(ctx context.Context) error {
		e.ingress.Run(ctx, e.liqFeed.Events())
		return nil
	})
	start("detector", func(ctx context.Context) error {
		e.detector.Run(ctx)
		return nil
	})
	start("fill-applier", func(ctx context.Context) error {
		e.fills.Run(ctx, e.userFeed.Trades())
		return nil
	})
	if !e.cfg.DryRun {
		start("user-feed", e.userFeed.Run)
	}
	if e.server != nil {
		start("operator-api", e.server.Run)
	}

	e.sched.Start(runCtx)
	e.logger.Info("engine started", "dry_run", e.cfg.DryRun)

	<-runCtx.Done()
	e.sched.Stop()
	wg.Wait()
	e.logger.Info("engine stopped")
	return nil
}

// registerJobs schedules the periodic work.
func (e *Engine) registerJobs() error {
	jobs := []struct {
		name     string
		interval time.Duration
		fn       func(context.Context) error
	}{
		{"exit-monitor", e.cfg.Jobs.ExitMonitor, e.sessionJob(e.exitMonitor)},
		{"protective-sweep", e.cfg.Jobs.ProtectiveSweep, e.sessionJob(func(ctx context.Context, sessID int64, strat *types.Strategy) error {
			return e.pm.ReconcileProtective(ctx, sessID, strat)
		})},
		{"orphan-sweep", e.cfg.Jobs.OrphanSweep, e.sessionJob(func(ctx context.Context, sessID int64, _ *types.Strategy) error {
			_, err := e.sync.SweepOrphans(ctx, sessID)
			return err
		})},
		{"income-sync", e.cfg.Jobs.IncomeSync, e.sessionJob(func(ctx context.Context, sessID int64, _ *types.Strategy) error {
			return e.sync.RebuildHistory(ctx, sessID)
		})},
		{"retention-sweep", e.cfg.Jobs.RetentionSweep, e.retentionSweep},
		{"precision-refresh", precisionRefresh, e.loadPrecisions},
	}
	for _, j := range jobs {
		if err := e.sched.Every(j.interval, scheduler.JobFunc{JobName: j.name, Fn: j.fn}); err != nil {
			return err
		}
	}
	return nil
}

// sessionJob wraps a job that only makes sense while a session is active.
func (e *Engine) sessionJob(fn func(ctx context.Context, sessionID int64, strat *types.Strategy) error) func(context.Context) error {
	return func(ctx context.Context) error {
		strat, err := e.store.Strategies.Get(ctx)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !strat.IsActive {
			return nil
		}
		sess, err := e.store.Sessions.Active(ctx, strat.ID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return fn(ctx, sess.ID, strat)
	}
}

// exitMonitor recomputes unrealized P&L from one batch price call. No
// programmatic exits happen here; closure belongs to the venue.
func (e *Engine) exitMonitor(ctx context.Context, sessionID int64, _ *types.Strategy) error {
	rows, err := e.client.TickerPrices(ctx)
	if err != nil {
		return fmt.Errorf("fetch prices: %w", err)
	}
	prices := make(map[string]decimal.Decimal, len(rows))
	for _, row := range rows {
		p, err := decimal.NewFromString(row.Price)
		if err != nil {
			continue
		}
		prices[row.Symbol] = p
	}
	return e.pm.RefreshUnrealized(ctx, sessionID, prices)
}

// retentionSweep deletes liquidation events past the retention window.
func (e *Engine) retentionSweep(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -e.cfg.Retention.LiquidationDays)
	n, err := e.store.Liquidations.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		e.logger.Info("liquidation retention sweep", "deleted", n, "cutoff", cutoff)
	}
	return nil
}

// strategyView feeds the cascade detector the symbols and thresholds of the
// current strategy.
func (e *Engine) strategyView(ctx context.Context) (symbols []string, retHigh, retMedium float64, autoEnabled bool) {
	strat, err := e.store.Strategies.Get(ctx)
	if err != nil {
		return nil, 0, 0, false
	}
	retHigh = strat.RetHighThreshold
	if retHigh <= 0 {
		retHigh = 35
	}
	retMedium = strat.RetMediumThreshold
	if retMedium <= 0 {
		retMedium = 25
	}
	return strat.SelectedAssets, retHigh, retMedium, strat.CascadeAutoBlockEnabled
}

// loadPrecisions refreshes the symbol precision cache from exchange info.
func (e *Engine) loadPrecisions(ctx context.Context) error {
	precs, err := e.client.SymbolPrecisions(ctx)
	if err != nil {
		return err
	}
	e.precMu.Lock()
	e.prec = precs
	e.precMu.Unlock()
	e.logger.Info("symbol precisions loaded", "symbols", len(precs))
	return nil
}

// precision is the PrecisionFunc handed to sizing and order placement.
func (e *Engine) precision(symbol string) types.SymbolPrecision {
	e.precMu.RLock()
	defer e.precMu.RUnlock()
	return e.prec[symbol]
}

// applyVenueModes pushes the strategy's leverage and margin settings to the
// venue for every monitored symbol. Skipped when no strategy exists yet.
func (e *Engine) applyVenueModes(ctx context.Context) error {
	strat, err := e.store.Strategies.Get(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := e.client.SetPositionMode(ctx, strat.HedgeMode); err != nil {
		e.logger.Warn("position mode update failed", "error", err)
	}
	mode := strat.MarginMode
	if mode == "" {
		mode = types.MarginIsolated
	}
	for _, symbol := range strat.SelectedAssets {
		if err := e.client.SetMarginMode(ctx, symbol, mode); err != nil {
			e.logger.Warn("margin mode update failed", "symbol", symbol, "error", err)
		}
		if strat.Leverage > 0 {
			if err := e.client.SetLeverage(ctx, symbol, strat.Leverage); err != nil {
				e.logger.Warn("leverage update failed", "symbol", symbol, "error", err)
			}
		}
	}
	return nil
}
