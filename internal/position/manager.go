// Package position maintains the materialized position state: applying
// fills idempotently, keeping the weighted-average entry, reserving risk,
// and managing the protective take-profit / stop-loss pair.
//
// The engine never closes a position itself. Closure happens when the venue
// fills a protective (or manual-exit) order; the manager only observes the
// exit fill, recomputes realized P&L, and marks the position closed.
package position

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
	"counterliq/internal/storage"
	"counterliq/pkg/types"
)

// Venue is the slice of the exchange client the manager needs.
type Venue interface {
	NewOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderResponse, error)
	CancelOrder(ctx context.Context, symbol, venueOrderID string) error
	OpenOrders(ctx context.Context, symbol string) ([]exchange.OrderResponse, error)
	TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	Klines(ctx context.Context, symbol, interval string, limit int) ([]exchange.Kline, error)
}

// PrecisionFunc resolves a symbol's rounding rules.
type PrecisionFunc func(symbol string) types.SymbolPrecision

// Manager owns all position state transitions.
type Manager struct {
	store  *storage.Store
	venue  Venue
	prec   PrecisionFunc
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a Manager.
func NewManager(store *storage.Store, venue Venue, prec PrecisionFunc, logger *slog.Logger) *Manager {
	return &Manager{
		store:  store,
		venue:  venue,
		prec:   prec,
		logger: logger.With("component", "position"),
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
}

// Lock serializes state transitions for one (session, symbol, side). The
// returned function releases it.
func (m *Manager) Lock(sessionID int64, symbol string, side types.PositionSide) func() {
	key := fmt.Sprintf("%d|%s|%s", sessionID, symbol, side)
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// ApplyFill applies one execution to the (session, symbol, side) position.
// Idempotent by (venue trade id, session): a duplicate returns the stored
// fill with no side effects. strat drives risk reservation and protective
// prices.
func (m *Manager) ApplyFill(ctx context.Context, fill *types.Fill, side types.PositionSide, strat *types.Strategy) (*types.Fill, error) {
	unlock := m.Lock(fill.SessionID, fill.Symbol, side)
	defer unlock()
	return m.ApplyFillLocked(ctx, fill, side, strat)
}

// ApplyFillLocked is ApplyFill for callers already holding the
// (session, symbol, side) lock.
func (m *Manager) ApplyFillLocked(ctx context.Context, fill *types.Fill, side types.PositionSide, strat *types.Strategy) (*types.Fill, error) {
	pos, err := m.store.Positions.GetOpen(ctx, fill.SessionID, fill.Symbol, side)
	if errors.Is(err, storage.ErrNotFound) {
		if !fill.IsEntryFor(side) {
			m.logger.Warn("exit fill with no open position, dropping",
				"symbol", fill.Symbol, "side", side, "trade_id", fill.VenueTradeID)
			return nil, nil
		}
		pos = &types.Position{
			SessionID: fill.SessionID,
			Symbol:    fill.Symbol,
			Side:      side,
			Leverage:  strat.Leverage,
			MaxLayers: strat.MaxLayers,
			OpenedAt:  fill.FilledAt,
			IsOpen:    true,
		}
		if err := m.store.Positions.Insert(ctx, pos); err != nil {
			if !errors.Is(err, storage.ErrDuplicateKey) {
				return nil, fmt.Errorf("create position: %w", err)
			}
			// Lost a race with another process; adopt the winner's row.
			pos, err = m.store.Positions.GetOpen(ctx, fill.SessionID, fill.Symbol, side)
			if err != nil {
				return nil, fmt.Errorf("refetch position: %w", err)
			}
		}
	} else if err != nil {
		return nil, fmt.Errorf("load position: %w", err)
	}

	fill.PositionID = pos.ID
	if err := m.store.Fills.Insert(ctx, fill); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			existing, getErr := m.store.Fills.GetByVenueTradeID(ctx, fill.SessionID, fill.VenueTradeID)
			if getErr != nil {
				return nil, fmt.Errorf("fetch duplicate fill: %w", getErr)
			}
			return existing, nil
		}
		return nil, fmt.Errorf("insert fill: %w", err)
	}
	if fill.IsEntryFor(side) {
		observability.FillsApplied.WithLabelValues("entry").Inc()
	} else {
		observability.FillsApplied.WithLabelValues("exit").Inc()
	}

	closed, err := m.recompute(ctx, pos, strat)
	if err != nil {
		return nil, err
	}

	if closed {
		if err := m.settleClosed(ctx, pos); err != nil {
			return nil, err
		}
		return fill, nil
	}

	if fill.IsEntryFor(side) {
		if err := m.PlaceProtective(ctx, pos, strat); err != nil {
			m.logger.Error("protective placement failed", "position", pos.ID, "error", err)
		}
	}
	return fill, nil
}

// recompute rebuilds the position's aggregates from its fills in filled_at
// order and persists the result. Returns true when the position went flat.
func (m *Manager) recompute(ctx context.Context, pos *types.Position, strat *types.Strategy) (bool, error) {
	fills, err := m.store.Fills.ListByPosition(ctx, pos.ID)
	if err != nil {
		return false, fmt.Errorf("list fills: %w", err)
	}

	qty := decimal.Zero
	cost := decimal.Zero
	avg := decimal.Zero
	realized := decimal.Zero
	commissions := decimal.Zero
	layers := 0
	dir := decimal.NewFromInt(1)
	if pos.Side == types.SHORT {
		dir = decimal.NewFromInt(-1)
	}

	for _, f := range fills {
		commissions = commissions.Add(f.Commission)
		if f.IsEntryFor(pos.Side) {
			qty = qty.Add(f.Quantity)
			cost = cost.Add(f.Quantity.Mul(f.Price))
			avg = cost.Div(qty)
			layers++
			continue
		}
		exitQty := f.Quantity
		if exitQty.GreaterThan(qty) {
			// A fill can never flip the position through zero. Apply the
			// covered part and flag the excess.
			m.logger.Warn("exit fill exceeds open quantity, clamping",
				"position", pos.ID, "open_qty", qty, "fill_qty", f.Quantity)
			exitQty = qty
		}
		realized = realized.Add(f.Price.Sub(avg).Mul(exitQty).Mul(dir))
		qty = qty.Sub(exitQty)
		cost = avg.Mul(qty)
	}
	realized = realized.Sub(commissions)

	pos.Quantity = qty
	pos.AvgEntryPrice = avg
	pos.TotalCost = cost
	pos.LayersFilled = layers

	flat := qty.Sign() <= 0 && len(fills) > 0
	if flat {
		pos.IsOpen = false
		closedAt := m.now()
		pos.ClosedAt = &closedAt
		pos.RealizedPnL = &realized
		pos.ReservedRisk = decimal.Zero
	} else if layers > 0 {
		// Reserved risk: current exposure plus remaining layers at the
		// average per-layer quantity, each losing the stop distance.
		layerQty := qty.Div(decimal.NewFromInt(int64(layers)))
		pos.ReservedRisk = ProjectedRisk(qty, layers, pos.MaxLayers, layerQty, avg, m.stopPct(ctx, strat, pos.Symbol, avg))
	}

	if err := m.store.Positions.Update(ctx, pos); err != nil {
		return false, fmt.Errorf("update position: %w", err)
	}
	return flat, nil
}

// settleClosed finishes a flat position: session stats, protective cleanup.
func (m *Manager) settleClosed(ctx context.Context, pos *types.Position) error {
	m.logger.Info("position closed",
		"symbol", pos.Symbol, "side", pos.Side, "realized_pnl", pos.RealizedPnL)

	if err := m.CancelProtective(ctx, pos); err != nil {
		m.logger.Warn("protective cancel after close failed", "position", pos.ID, "error", err)
	}

	sess, err := m.store.Sessions.Get(ctx, pos.SessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	pnl := *pos.RealizedPnL
	sess.CurrentBalance = sess.CurrentBalance.Add(pnl)
	sess.RealizedPnL = sess.RealizedPnL.Add(pnl)
	if pnl.Sign() >= 0 {
		sess.TradesWon++
	} else {
		sess.TradesLost++
	}
	if err := m.store.Sessions.Update(ctx, sess); err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

// protectivePrices computes the tick-rounded TP and SL trigger prices.
func protectivePrices(pos *types.Position, strat *types.Strategy, stopPct decimal.Decimal, prec types.SymbolPrecision) (tp, sl decimal.Decimal) {
	target := pos.AvgEntryPrice.Mul(strat.ProfitTargetPercent).Div(hundred)
	stop := pos.AvgEntryPrice.Mul(stopPct).Div(hundred)
	if pos.Side == types.LONG {
		tp = pos.AvgEntryPrice.Add(target)
		sl = pos.AvgEntryPrice.Sub(stop)
	} else {
		tp = pos.AvgEntryPrice.Sub(target)
		sl = pos.AvgEntryPrice.Add(stop)
	}
	return prec.RoundPrice(tp), prec.RoundPrice(sl)
}

// PlaceProtective (re)places the TP/SL pair for a position. When existing
// protective orders already sit at the same tick-rounded prices and
// quantity, nothing is done. Replacement is place-then-cancel: the new
// order goes up before the stale one comes down, keeping the unguarded
// window minimal.
func (m *Manager) PlaceProtective(ctx context.Context, pos *types.Position, strat *types.Strategy) error {
	prec := m.prec(pos.Symbol)
	stopPct := m.stopPct(ctx, strat, pos.Symbol, pos.AvgEntryPrice)
	tp, sl := protectivePrices(pos, strat, stopPct, prec)
	qty := prec.RoundQty(pos.Quantity)

	existing, err := m.store.Orders.ListByPosition(ctx, pos.ID, types.PurposeTakeProfit, types.PurposeStopLoss)
	if err != nil {
		return fmt.Errorf("list protective orders: %w", err)
	}
	var curTP, curSL *types.Order
	for _, o := range existing {
		if o.Status != types.OrderPending {
			continue
		}
		switch o.Purpose {
		case types.PurposeTakeProfit:
			curTP = o
		case types.PurposeStopLoss:
			curSL = o
		}
	}

	if err := m.ensureProtective(ctx, pos, strat, types.PurposeTakeProfit, curTP, tp, qty); err != nil {
		return err
	}
	return m.ensureProtective(ctx, pos, strat, types.PurposeStopLoss, curSL, sl, qty)
}

func protectiveUnchanged(cur *types.Order, price, qty decimal.Decimal) bool {
	return cur != nil && cur.Price != nil && cur.Price.Equal(price) && cur.Quantity.Equal(qty)
}

func (m *Manager) ensureProtective(ctx context.Context, pos *types.Position, strat *types.Strategy, purpose types.OrderPurpose, cur *types.Order, price, qty decimal.Decimal) error {
	if protectiveUnchanged(cur, price, qty) {
		return nil
	}
	if qty.Sign() <= 0 {
		return nil
	}

	req := exchange.OrderRequest{
		Symbol:     pos.Symbol,
		Side:       pos.Side.ExitSide(),
		Quantity:   qty,
		ReduceOnly: true,
	}
	if strat.HedgeMode {
		req.PositionSide = pos.Side
	}
	orderType := types.OrderTypeLimit
	if purpose == types.PurposeStopLoss {
		orderType = types.OrderTypeStopMarket
		req.StopPrice = price
	} else {
		req.Price = price
	}
	req.Type = orderType

	resp, err := m.submitWithBackoff(ctx, req)
	if err != nil {
		return fmt.Errorf("place %s: %w", purpose, err)
	}

	posID := pos.ID
	record := &types.Order{
		VenueOrderID: resp.VenueOrderID(),
		SessionID:    pos.SessionID,
		PositionID:   &posID,
		Symbol:       pos.Symbol,
		Side:         req.Side,
		Type:         orderType,
		Purpose:      purpose,
		Price:        &price,
		Quantity:     qty,
		Status:       types.OrderPending,
		ReduceOnly:   true,
		CreatedAt:    m.now(),
	}
	if err := m.store.Orders.Insert(ctx, record); err != nil {
		return fmt.Errorf("record %s order: %w", purpose, err)
	}

	// New order is live; retire the stale one.
	if cur != nil {
		if err := m.venue.CancelOrder(ctx, pos.Symbol, cur.VenueOrderID); err != nil {
			m.logger.Warn("stale protective cancel failed",
				"order", cur.VenueOrderID, "error", err)
		}
		cur.Status = types.OrderCancelled
		if err := m.store.Orders.Update(ctx, cur); err != nil {
			m.logger.Warn("stale protective status update failed", "order", cur.VenueOrderID, "error", err)
		}
	}

	m.logger.Info("protective order placed",
		"symbol", pos.Symbol, "purpose", purpose, "price", price, "qty", qty)
	return nil
}

// submitWithBackoff retries transient order placement failures a few times.
func (m *Manager) submitWithBackoff(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderResponse, error) {
	var lastErr error
	delay := 250 * time.Millisecond
	for attempt := 0; attempt < 4; attempt++ {
		resp, err := m.venue.NewOrder(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, lastErr
}

// CancelProtective cancels any pending TP/SL orders of a position.
func (m *Manager) CancelProtective(ctx context.Context, pos *types.Position) error {
	orders, err := m.store.Orders.ListByPosition(ctx, pos.ID, types.PurposeTakeProfit, types.PurposeStopLoss)
	if err != nil {
		return fmt.Errorf("list protective orders: %w", err)
	}
	for _, o := range orders {
		if o.Status != types.OrderPending {
			continue
		}
		if err := m.venue.CancelOrder(ctx, pos.Symbol, o.VenueOrderID); err != nil {
			m.logger.Warn("protective cancel failed", "order", o.VenueOrderID, "error", err)
			continue
		}
		o.Status = types.OrderCancelled
		if err := m.store.Orders.Update(ctx, o); err != nil {
			m.logger.Warn("protective status update failed", "order", o.VenueOrderID, "error", err)
		}
	}
	return nil
}

// ReconcileProtective verifies every open position still has its TP/SL pair
// live at the venue, re-placing anything absent or mismatched.
func (m *Manager) ReconcileProtective(ctx context.Context, sessionID int64, strat *types.Strategy) error {
	positions, err := m.store.Positions.ListOpen(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("list open positions: %w", err)
	}

	for _, pos := range positions {
		venueOrders, err := m.venue.OpenOrders(ctx, pos.Symbol)
		if err != nil {
			m.logger.Warn("open orders query failed", "symbol", pos.Symbol, "error", err)
			continue
		}
		live := make(map[string]bool, len(venueOrders))
		for _, o := range venueOrders {
			live[o.VenueOrderID()] = true
		}

		stored, err := m.store.Orders.ListByPosition(ctx, pos.ID, types.PurposeTakeProfit, types.PurposeStopLoss)
		if err != nil {
			return fmt.Errorf("list protective orders: %w", err)
		}
		var liveTP, liveSL bool
		for _, o := range stored {
			if o.Status != types.OrderPending {
				continue
			}
			if !live[o.VenueOrderID] {
				m.logger.Warn("protective order missing at venue",
					"symbol", pos.Symbol, "purpose", o.Purpose, "order", o.VenueOrderID)
				o.Status = types.OrderCancelled
				if err := m.store.Orders.Update(ctx, o); err != nil {
					m.logger.Warn("order status update failed", "order", o.VenueOrderID, "error", err)
				}
				continue
			}
			switch o.Purpose {
			case types.PurposeTakeProfit:
				liveTP = true
			case types.PurposeStopLoss:
				liveSL = true
			}
		}
		// A position with no record of a live TP or SL (adopted, or created
		// before a crash mid-placement) gets a fresh pair, not just one that
		// lost its venue order.
		if !liveTP || !liveSL {
			unlock := m.Lock(pos.SessionID, pos.Symbol, pos.Side)
			err := m.PlaceProtective(ctx, pos, strat)
			unlock()
			if err != nil {
				m.logger.Error("protective re-place failed", "position", pos.ID, "error", err)
			}
		}
	}
	return nil
}

// RefreshUnrealized recomputes unrealized P&L for all open positions from
// current prices. prices maps symbol to mark price.
func (m *Manager) RefreshUnrealized(ctx context.Context, sessionID int64, prices map[string]decimal.Decimal) error {
	positions, err := m.store.Positions.ListOpen(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("list open positions: %w", err)
	}
	observability.OpenPositions.Set(float64(len(positions)))

	for _, pos := range positions {
		price, ok := prices[pos.Symbol]
		if !ok || price.Sign() <= 0 {
			continue
		}
		diff := price.Sub(pos.AvgEntryPrice)
		if pos.Side == types.SHORT {
			diff = diff.Neg()
		}
		pos.UnrealizedPnL = diff.Mul(pos.Quantity)
		if err := m.store.Positions.Update(ctx, pos); err != nil {
			return fmt.Errorf("update position %d: %w", pos.ID, err)
		}
	}
	return nil
}

// ManualClose places a reduce-only limit order at the current market price
// to exit the position at maker-grade fees. The venue fill closes it.
func (m *Manager) ManualClose(ctx context.Context, positionID int64, strat *types.Strategy) error {
	pos, err := m.store.Positions.Get(ctx, positionID)
	if err != nil {
		return fmt.Errorf("load position: %w", err)
	}
	if !pos.IsOpen {
		return fmt.Errorf("position %d is not open", positionID)
	}

	price, err := m.venue.TickerPrice(ctx, pos.Symbol)
	if err != nil {
		return fmt.Errorf("fetch price: %w", err)
	}
	prec := m.prec(pos.Symbol)
	limit := prec.RoundPrice(price)

	req := exchange.OrderRequest{
		Symbol:     pos.Symbol,
		Side:       pos.Side.ExitSide(),
		Type:       types.OrderTypeLimit,
		Price:      limit,
		Quantity:   prec.RoundQty(pos.Quantity),
		ReduceOnly: true,
	}
	if strat.HedgeMode {
		req.PositionSide = pos.Side
	}
	resp, err := m.venue.NewOrder(ctx, req)
	if err != nil {
		return fmt.Errorf("place manual exit: %w", err)
	}

	posID := pos.ID
	record := &types.Order{
		VenueOrderID: resp.VenueOrderID(),
		SessionID:    pos.SessionID,
		PositionID:   &posID,
		Symbol:       pos.Symbol,
		Side:         req.Side,
		Type:         types.OrderTypeLimit,
		Purpose:      types.PurposeManualExit,
		Price:        &limit,
		Quantity:     req.Quantity,
		Status:       types.OrderPending,
		ReduceOnly:   true,
		CreatedAt:    m.now(),
	}
	if err := m.store.Orders.Insert(ctx, record); err != nil {
		return fmt.Errorf("record manual exit: %w", err)
	}
	m.logger.Info("manual close submitted", "position", pos.ID, "price", limit)
	return nil
}

// ReReserve recomputes reserved risk for every open position of the session
// against the given strategy. Called whenever the operator changes risk
// settings, so the budget gate sees the new stop distance immediately.
func (m *Manager) ReReserve(ctx context.Context, sessionID int64, strat *types.Strategy) error {
	positions, err := m.store.Positions.ListOpen(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("list open positions: %w", err)
	}
	for _, pos := range positions {
		unlock := m.Lock(pos.SessionID, pos.Symbol, pos.Side)
		if pos.LayersFilled > 0 {
			layerQty := pos.Quantity.Div(decimal.NewFromInt(int64(pos.LayersFilled)))
			pos.ReservedRisk = ProjectedRisk(pos.Quantity, pos.LayersFilled, pos.MaxLayers,
				layerQty, pos.AvgEntryPrice, m.stopPct(ctx, strat, pos.Symbol, pos.AvgEntryPrice))
			if err := m.store.Positions.Update(ctx, pos); err != nil {
				unlock()
				return fmt.Errorf("update position %d: %w", pos.ID, err)
			}
		}
		unlock()
	}
	return nil
}

// stopPct resolves the stop distance, falling back to the fixed stop when
// the adaptive computation cannot reach market data.
func (m *Manager) stopPct(ctx context.Context, strat *types.Strategy, symbol string, ref decimal.Decimal) decimal.Decimal {
	pct, err := StopDistancePct(ctx, m.venue, strat, symbol, ref)
	if err != nil {
		m.logger.Warn("adaptive stop unavailable, using fixed", "symbol", symbol, "error", err)
		return strat.StopLossPercent
	}
	return pct
}
