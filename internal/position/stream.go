package position

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"counterliq/internal/exchange"
	"counterliq/internal/storage"
	"counterliq/pkg/types"
)

// FillApplier consumes the authenticated user stream and feeds executions
// into the position manager. Orders not recorded locally are ignored; the
// orphan sweep picks up anything placed outside the engine.
type FillApplier struct {
	store  *storage.Store
	pm     *Manager
	logger *slog.Logger
}

// NewFillApplier creates the user-stream consumer.
func NewFillApplier(store *storage.Store, pm *Manager, logger *slog.Logger) *FillApplier {
	return &FillApplier{
		store:  store,
		pm:     pm,
		logger: logger.With("component", "fills"),
	}
}

// Run consumes trade updates until the channel closes or ctx is cancelled.
func (a *FillApplier) Run(ctx context.Context, updates <-chan exchange.UserTradeUpdate) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			if err := a.Handle(ctx, u); err != nil {
				a.logger.Error("trade update failed",
					"order", u.Order.OrderID, "error", err)
			}
		}
	}
}

// Handle applies one ORDER_TRADE_UPDATE: order status transitions plus, for
// TRADE executions, the fill itself.
func (a *FillApplier) Handle(ctx context.Context, u exchange.UserTradeUpdate) error {
	venueOrderID := strconv.FormatInt(u.Order.OrderID, 10)
	order, err := a.store.Orders.GetByVenueID(ctx, venueOrderID)
	if errors.Is(err, storage.ErrNotFound) {
		a.logger.Debug("update for unknown order, ignoring", "order", venueOrderID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load order: %w", err)
	}

	if err := a.transition(ctx, order, u.Order.Status, u.Order.TradeTime); err != nil {
		return err
	}
	if u.Order.ExecType != "TRADE" {
		return nil
	}

	side, err := a.positionSide(order, u.Order.PositionSide)
	if err != nil {
		return err
	}
	strat, err := a.store.Strategies.Get(ctx)
	if err != nil {
		return fmt.Errorf("load strategy: %w", err)
	}

	qty, err := decimal.NewFromString(u.Order.LastFillQty)
	if err != nil {
		return fmt.Errorf("parse fill quantity %q: %w", u.Order.LastFillQty, err)
	}
	price, err := decimal.NewFromString(u.Order.LastFillPrice)
	if err != nil {
		return fmt.Errorf("parse fill price %q: %w", u.Order.LastFillPrice, err)
	}
	commission := decimal.Zero
	if u.Order.Commission != "" {
		if commission, err = decimal.NewFromString(u.Order.Commission); err != nil {
			return fmt.Errorf("parse commission %q: %w", u.Order.Commission, err)
		}
	}

	fill := &types.Fill{
		VenueTradeID: strconv.FormatInt(u.Order.TradeID, 10),
		SessionID:    order.SessionID,
		OrderID:      venueOrderID,
		Symbol:       order.Symbol,
		Side:         types.Side(u.Order.Side),
		Quantity:     qty,
		Price:        price,
		Notional:     qty.Mul(price),
		Commission:   commission,
		Layer:        order.Layer,
		FilledAt:     time.UnixMilli(u.Order.TradeTime),
	}
	if _, err := a.pm.ApplyFill(ctx, fill, side, strat); err != nil {
		return fmt.Errorf("apply fill: %w", err)
	}
	return nil
}

// transition moves the local order record along the venue lifecycle.
func (a *FillApplier) transition(ctx context.Context, order *types.Order, status string, tradeTime int64) error {
	var next types.OrderStatus
	switch status {
	case "FILLED":
		next = types.OrderFilled
	case "CANCELED", "EXPIRED":
		next = types.OrderCancelled
	case "REJECTED":
		next = types.OrderRejected
	default:
		return nil
	}
	if order.Status == next {
		return nil
	}
	order.Status = next
	if next == types.OrderFilled {
		at := time.UnixMilli(tradeTime)
		order.FilledAt = &at
	}
	if err := a.store.Orders.Update(ctx, order); err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	return nil
}

// positionSide resolves which directional exposure a fill belongs to. Hedge
// mode reports it explicitly; one-way mode derives it from the order's side
// and purpose.
func (a *FillApplier) positionSide(order *types.Order, reported string) (types.PositionSide, error) {
	switch reported {
	case string(types.LONG), string(types.SHORT):
		return types.PositionSide(reported), nil
	}
	entry := order.Purpose == types.PurposeEntry
	switch {
	case entry && order.Side == types.BUY:
		return types.LONG, nil
	case entry && order.Side == types.SELL:
		return types.SHORT, nil
	case !entry && order.Side == types.SELL:
		return types.LONG, nil
	case !entry && order.Side == types.BUY:
		return types.SHORT, nil
	}
	return "", fmt.Errorf("cannot resolve position side for order %s", order.VenueOrderID)
}
