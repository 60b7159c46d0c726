// Package strategy evaluates each liquidation event against the gate
// pipeline and executes the counter-trade entries and DCA layers that pass.
//
// Every decision runs under the per-(session, symbol, side) lock shared with
// the position manager, so two events arriving milliseconds apart cannot
// open duplicate positions. The engine holds no durable state of its own;
// the strategy and session are re-read on every event so operator edits take
// effect immediately.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"counterliq/internal/exchange"
	"counterliq/internal/observability"
	"counterliq/internal/position"
	"counterliq/internal/storage"
	"counterliq/pkg/types"
)

// The percentile window is a system constant, independent of any strategy
// setting.
const percentileWindow = 60 * time.Second

// chasePollInterval is how often a working limit order is re-checked while
// price chasing.
const chasePollInterval = 500 * time.Millisecond

// Gate names, used for rejection metrics and logs.
const (
	GatePause      = "pause"
	GateCascade    = "cascade"
	GateCooldown   = "cooldown"
	GatePercentile = "percentile"
	GatePortfolio  = "portfolio_limit"
	GateRiskBudget = "risk_budget"
	GateMaxLayers  = "max_layers"
)

// Venue is the slice of the exchange client the engine needs.
type Venue interface {
	NewOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderResponse, error)
	CancelOrder(ctx context.Context, symbol, venueOrderID string) error
	QueryOrder(ctx context.Context, symbol, venueOrderID string) (*exchange.OrderResponse, error)
	TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	Klines(ctx context.Context, symbol, interval string, limit int) ([]exchange.Kline, error)
}

// CascadeGate is the detector's synchronous entry guard.
type CascadeGate interface {
	AutoBlock(symbol string) bool
}

// Decision is the typed outcome of one event evaluation.
type Decision struct {
	Accepted bool
	Gate     string // the gate that rejected, empty when accepted
	Layer    int    // 1 for a new entry, n for the n-th layer
	OrderID  string // venue order id when accepted
}

// Engine runs the gate pipeline. It implements the ingress consumer
// contract: evaluation errors never propagate back into stream consumption.
type Engine struct {
	store   *storage.Store
	venue   Venue
	cascade CascadeGate
	pm      *position.Manager
	prec    position.PrecisionFunc
	dryRun  bool
	logger  *slog.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	cooldowns map[string]time.Time // (symbol, side) -> last qualifying submit
}

// NewEngine creates the strategy engine. dryRun short-circuits fill
// application from order acks since no user stream exists to deliver them.
func NewEngine(store *storage.Store, venue Venue, cascade CascadeGate, pm *position.Manager, prec position.PrecisionFunc, dryRun bool, logger *slog.Logger) *Engine {
	return &Engine{
		store:     store,
		venue:     venue,
		cascade:   cascade,
		pm:        pm,
		prec:      prec,
		dryRun:    dryRun,
		logger:    logger.With("component", "strategy"),
		now:       time.Now,
		sleep:     sleepCtx,
		cooldowns: make(map[string]time.Time),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// OnLiquidation is the ingress fan-out target. All errors are contained
// here; the stream reader must never stall on a bad decision.
func (e *Engine) OnLiquidation(ctx context.Context, liq *types.Liquidation) {
	decision, err := e.Evaluate(ctx, liq)
	if err != nil {
		e.logger.Error("event evaluation failed",
			"symbol", liq.Symbol, "event", liq.EventID, "error", err)
		return
	}
	if decision == nil {
		return
	}
	if !decision.Accepted {
		observability.GateRejections.WithLabelValues(decision.Gate).Inc()
		e.logger.Debug("event rejected",
			"symbol", liq.Symbol, "gate", decision.Gate, "notional", liq.Notional)
		return
	}
	observability.EntriesSubmitted.Inc()
	e.logger.Info("entry submitted",
		"symbol", liq.Symbol, "layer", decision.Layer, "order", decision.OrderID)
}

// Evaluate runs the gate pipeline for one event and executes the trade when
// every gate passes. A nil decision means the event was out of scope (no
// strategy, inactive, unmonitored symbol, no session).
func (e *Engine) Evaluate(ctx context.Context, liq *types.Liquidation) (*Decision, error) {
	strat, err := e.store.Strategies.Get(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load strategy: %w", err)
	}
	if !strat.IsActive || !strat.Monitors(liq.Symbol) {
		return nil, nil
	}
	sess, err := e.store.Sessions.Active(ctx, strat.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	// Counter-trade direction: opposite of the liquidated side.
	side := liq.Side.Opposite()

	unlock := e.pm.Lock(sess.ID, liq.Symbol, side)
	defer unlock()

	if strat.Paused {
		return &Decision{Gate: GatePause}, nil
	}
	if e.cascade != nil && e.cascade.AutoBlock(liq.Symbol) {
		return &Decision{Gate: GateCascade}, nil
	}
	if !e.cooldownExpired(liq.Symbol, side, strat.LayerDelay()) {
		return &Decision{Gate: GateCooldown}, nil
	}

	pass, err := e.percentilePass(ctx, liq, strat.PercentileThreshold)
	if err != nil {
		return nil, err
	}
	if !pass {
		return &Decision{Gate: GatePercentile}, nil
	}

	pos, err := e.openPosition(ctx, sess.ID, liq.Symbol, side)
	if err != nil {
		return nil, err
	}

	if pos == nil {
		full, err := e.portfolioFull(ctx, sess.ID, liq.Symbol, side, strat)
		if err != nil {
			return nil, err
		}
		if full {
			return &Decision{Gate: GatePortfolio}, nil
		}
	} else if pos.LayersFilled >= strat.MaxLayers {
		return &Decision{Gate: GateMaxLayers}, nil
	}

	price, err := e.venue.TickerPrice(ctx, liq.Symbol)
	if err != nil {
		return nil, fmt.Errorf("fetch reference price: %w", err)
	}
	prec := e.prec(liq.Symbol)
	qty := position.LayerQuantity(sess.CurrentBalance, strat, price, prec)

	overBudget, err := e.riskBudgetExceeded(ctx, sess.ID, pos, qty, price, liq.Symbol, strat)
	if err != nil {
		return nil, err
	}
	if overBudget {
		return &Decision{Gate: GateRiskBudget}, nil
	}

	layer := 1
	if pos != nil {
		layer = pos.LayersFilled + 1
	}

	if qty.LessThan(prec.MinQty) || (!prec.MinNotional.IsZero() && qty.Mul(price).LessThan(prec.MinNotional)) {
		e.recordEntryError(ctx, sess.ID, liq.Symbol, liq.Side,
			fmt.Sprintf("layer quantity %s below venue minimum at price %s", qty, price))
		return nil, nil
	}

	orderID, err := e.execute(ctx, sess, strat, liq.Symbol, side, qty, price, layer)
	if err != nil {
		var apiErr *exchange.APIError
		if errors.As(err, &apiErr) && apiErr.Permanent() {
			e.recordEntryError(ctx, sess.ID, liq.Symbol, liq.Side, apiErr.Error())
			return nil, nil
		}
		return nil, fmt.Errorf("execute layer %d: %w", layer, err)
	}
	return &Decision{Accepted: true, Layer: layer, OrderID: orderID}, nil
}

// cooldownExpired reports whether the (symbol, side) cooldown has elapsed.
// An event arriving exactly at last + delay passes.
func (e *Engine) cooldownExpired(symbol string, side types.PositionSide, delay time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	last, ok := e.cooldowns[cooldownKey(symbol, side)]
	if !ok {
		return true
	}
	return !e.now().Before(last.Add(delay))
}

// armCooldown records a qualifying submit. Only called after the order went
// to the venue; rejected gates never arm it.
func (e *Engine) armCooldown(symbol string, side types.PositionSide) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cooldowns[cooldownKey(symbol, side)] = e.now()
}

func cooldownKey(symbol string, side types.PositionSide) string {
	return symbol + "|" + string(side)
}

// percentilePass ranks the event's notional among all same-symbol
// liquidations of the last 60 seconds. The window already contains the
// current event, persisted by the ingress before fan-out. Rank at exactly
// the threshold passes.
func (e *Engine) percentilePass(ctx context.Context, liq *types.Liquidation, threshold float64) (bool, error) {
	notionals, err := e.store.Liquidations.NotionalsSince(ctx, liq.Symbol, e.now().Add(-percentileWindow))
	if err != nil {
		return false, fmt.Errorf("percentile window: %w", err)
	}
	if len(notionals) == 0 {
		return false, nil
	}
	rank := 0
	for _, n := range notionals {
		if n.LessThanOrEqual(liq.Notional) {
			rank++
		}
	}
	pct := float64(rank) / float64(len(notionals)) * 100
	return pct >= threshold, nil
}

// openPosition fetches the open position for (session, symbol, side), or
// nil when none exists.
func (e *Engine) openPosition(ctx context.Context, sessionID int64, symbol string, side types.PositionSide) (*types.Position, error) {
	pos, err := e.store.Positions.GetOpen(ctx, sessionID, symbol, side)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load position: %w", err)
	}
	return pos, nil
}

// portfolioFull checks the distinct-symbol cap. A symbol that already has an
// open position on either side is exempt: hedged long+short counts once and
// never re-counts.
func (e *Engine) portfolioFull(ctx context.Context, sessionID int64, symbol string, side types.PositionSide, strat *types.Strategy) (bool, error) {
	if strat.MaxPortfolioSymbols <= 0 {
		return false, nil
	}
	_, err := e.store.Positions.GetOpen(ctx, sessionID, symbol, side.Opposite())
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return false, fmt.Errorf("load hedge position: %w", err)
	}
	count, err := e.store.Positions.OpenSymbolCount(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("count open symbols: %w", err)
	}
	return count >= strat.MaxPortfolioSymbols, nil
}

// riskBudgetExceeded computes the reserved-risk delta of adding this layer
// plus all still-unfilled layers and rejects when the portfolio total would
// exceed the configured cap.
func (e *Engine) riskBudgetExceeded(ctx context.Context, sessionID int64, pos *types.Position, qty, price decimal.Decimal, symbol string, strat *types.Strategy) (bool, error) {
	if strat.MaxPortfolioRiskDollars.Sign() <= 0 {
		return false, nil
	}
	total, err := e.store.Positions.SumReservedRisk(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("sum reserved risk: %w", err)
	}

	ref := price
	filled := decimal.Zero
	layersFilled := 0
	current := decimal.Zero
	if pos != nil {
		ref = pos.AvgEntryPrice
		filled = pos.Quantity
		layersFilled = pos.LayersFilled
		current = pos.ReservedRisk
	}
	stopPct, err := position.StopDistancePct(ctx, e.venue, strat, symbol, ref)
	if err != nil {
		e.logger.Warn("adaptive stop unavailable, using fixed", "symbol", symbol, "error", err)
		stopPct = strat.StopLossPercent
	}
	projected := position.ProjectedRisk(filled, layersFilled, strat.MaxLayers, qty, ref, stopPct)
	delta := projected.Sub(current)

	return total.Add(delta).GreaterThan(strat.MaxPortfolioRiskDollars), nil
}

func (e *Engine) recordEntryError(ctx context.Context, sessionID int64, symbol string, liquidated types.PositionSide, reason string) {
	e.logger.Warn("entry rejected by venue", "symbol", symbol, "reason", reason)
	rec := &types.TradeEntryError{
		SessionID: &sessionID,
		Symbol:    symbol,
		Side:      liquidated,
		Reason:    reason,
		CreatedAt: e.now(),
	}
	if err := e.store.EntryErrors.Insert(ctx, rec); err != nil {
		e.logger.Error("entry error record failed", "symbol", symbol, "error", err)
	}
}
