// Package api is the operator's HTTP control surface: strategy lifecycle,
// manual position actions, cascade visibility, and settings transfer.
//
// The controller holds the lifecycle logic; the server wraps it in routes.
// All writes go through the same stores the engine uses, so operator edits
// are visible to the next gate evaluation without restarts.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"counterliq/internal/position"
	"counterliq/internal/storage"
	"counterliq/pkg/types"
)

var (
	// ErrNoStrategy is returned for operations needing a strategy before one
	// was created.
	ErrNoStrategy = errors.New("no strategy configured")
	// ErrNoActiveSession is returned for session-scoped operations while
	// stopped.
	ErrNoActiveSession = errors.New("no active session")
	// ErrBadPIN rejects an emergency stop with the wrong operator PIN.
	ErrBadPIN = errors.New("operator pin mismatch")
)

// Venue is the slice of the exchange client the controller needs.
type Venue interface {
	CancelOrder(ctx context.Context, symbol, venueOrderID string) error
	WalletBalance(ctx context.Context) (decimal.Decimal, error)
}

// CascadeView exposes the detector's published output.
type CascadeView interface {
	All() []types.CascadeStatus
}

// Controller implements the operator operations.
type Controller struct {
	store   *storage.Store
	venue   Venue
	pm      *position.Manager
	cascade CascadeView
	pin     string
	logger  *slog.Logger
	now     func() time.Time
}

// NewController wires the operator control logic.
func NewController(store *storage.Store, venue Venue, pm *position.Manager, cascade CascadeView, pin string, logger *slog.Logger) *Controller {
	return &Controller{
		store:   store,
		venue:   venue,
		pm:      pm,
		cascade: cascade,
		pin:     pin,
		logger:  logger.With("component", "api"),
		now:     time.Now,
	}
}

// Strategy returns the current strategy.
func (c *Controller) Strategy(ctx context.Context) (*types.Strategy, error) {
	strat, err := c.store.Strategies.Get(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoStrategy
	}
	return strat, err
}

// CreateStrategy creates the strategy. Creation is always explicit; nothing
// in the engine auto-creates one.
func (c *Controller) CreateStrategy(ctx context.Context, strat *types.Strategy) error {
	if err := validateStrategy(strat); err != nil {
		return err
	}
	if _, err := c.store.Strategies.Get(ctx); err == nil {
		return fmt.Errorf("strategy already exists, use update")
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	strat.CreatedAt = c.now()
	strat.UpdatedAt = strat.CreatedAt
	if err := c.store.Strategies.Create(ctx, strat); err != nil {
		return fmt.Errorf("create strategy: %w", err)
	}
	c.logger.Info("strategy created", "name", strat.Name)
	return nil
}

// UpdateStrategy applies the new settings, writes the audit row, and
// re-reserves risk on open positions so the budget gate sees the change.
func (c *Controller) UpdateStrategy(ctx context.Context, next *types.Strategy) error {
	if err := validateStrategy(next); err != nil {
		return err
	}
	prev, err := c.Strategy(ctx)
	if err != nil {
		return err
	}

	next.ID = prev.ID
	next.CreatedAt = prev.CreatedAt
	next.UpdatedAt = c.now()
	if err := c.store.Strategies.Update(ctx, next); err != nil {
		return fmt.Errorf("update strategy: %w", err)
	}

	if err := c.audit(ctx, prev, next); err != nil {
		c.logger.Error("strategy audit write failed", "error", err)
	}

	sess, err := c.store.Sessions.Active(ctx, prev.ID)
	if err == nil {
		if err := c.pm.ReReserve(ctx, sess.ID, next); err != nil {
			c.logger.Error("risk re-reservation failed", "error", err)
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	c.logger.Info("strategy updated", "name", next.Name)
	return nil
}

func (c *Controller) audit(ctx context.Context, prev, next *types.Strategy) error {
	before, err := json.Marshal(prev)
	if err != nil {
		return err
	}
	after, err := json.Marshal(next)
	if err != nil {
		return err
	}
	change := &types.StrategyChange{
		StrategyID: prev.ID,
		Before:     before,
		After:      after,
		ChangedAt:  c.now(),
	}
	if sess, err := c.store.Sessions.Active(ctx, prev.ID); err == nil {
		change.SessionID = &sess.ID
	}
	return c.store.StrategyChanges.Insert(ctx, change)
}

// Start activates trading: unpauses and opens a session when none is active.
// The starting balance is read from the venue account.
func (c *Controller) Start(ctx context.Context) error {
	strat, err := c.Strategy(ctx)
	if err != nil {
		return err
	}
	strat.Paused = false
	strat.IsActive = true
	strat.UpdatedAt = c.now()
	if err := c.store.Strategies.Update(ctx, strat); err != nil {
		return fmt.Errorf("activate strategy: %w", err)
	}

	if _, err := c.store.Sessions.Active(ctx, strat.ID); err == nil {
		return nil // already running
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	balance, err := c.venue.WalletBalance(ctx)
	if err != nil {
		return fmt.Errorf("fetch account balance: %w", err)
	}
	sess := &types.Session{
		StrategyID:      strat.ID,
		StartingBalance: balance,
		CurrentBalance:  balance,
		StartedAt:       c.now(),
		IsActive:        true,
	}
	if err := c.store.Sessions.Create(ctx, sess); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	c.logger.Info("session started", "session", sess.ID, "balance", balance)
	return nil
}

// Stop archives the session and cancels pending non-protective orders.
// Protective orders stay live so the venue can still close positions.
func (c *Controller) Stop(ctx context.Context) error {
	strat, err := c.Strategy(ctx)
	if err != nil {
		return err
	}
	sess, err := c.store.Sessions.Active(ctx, strat.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNoActiveSession
	}
	if err != nil {
		return err
	}

	c.cancelPendingEntries(ctx, sess.ID)

	if err := c.store.Sessions.End(ctx, sess.ID, c.now()); err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	strat.IsActive = false
	strat.UpdatedAt = c.now()
	if err := c.store.Strategies.Update(ctx, strat); err != nil {
		return fmt.Errorf("deactivate strategy: %w", err)
	}
	c.logger.Info("session stopped", "session", sess.ID)
	return nil
}

func (c *Controller) cancelPendingEntries(ctx context.Context, sessionID int64) {
	pending, err := c.store.Orders.ListPendingEntries(ctx, sessionID)
	if err != nil {
		c.logger.Error("pending entry listing failed", "error", err)
		return
	}
	for _, o := range pending {
		if err := c.venue.CancelOrder(ctx, o.Symbol, o.VenueOrderID); err != nil {
			c.logger.Warn("pending entry cancel failed", "order", o.VenueOrderID, "error", err)
			continue
		}
		o.Status = types.OrderCancelled
		if err := c.store.Orders.Update(ctx, o); err != nil {
			c.logger.Warn("order status update failed", "order", o.VenueOrderID, "error", err)
		}
	}
}

// Pause suspends new entries without touching the session.
func (c *Controller) Pause(ctx context.Context) error { return c.setPaused(ctx, true) }

// Resume lifts a pause.
func (c *Controller) Resume(ctx context.Context) error { return c.setPaused(ctx, false) }

func (c *Controller) setPaused(ctx context.Context, paused bool) error {
	strat, err := c.Strategy(ctx)
	if err != nil {
		return err
	}
	strat.Paused = paused
	strat.UpdatedAt = c.now()
	if err := c.store.Strategies.Update(ctx, strat); err != nil {
		return fmt.Errorf("update strategy: %w", err)
	}
	c.logger.Info("pause state changed", "paused", paused)
	return nil
}

// EmergencyStop is Stop behind the operator PIN.
func (c *Controller) EmergencyStop(ctx context.Context, pin string) error {
	if c.pin == "" || subtle.ConstantTimeCompare([]byte(pin), []byte(c.pin)) != 1 {
		return ErrBadPIN
	}
	c.logger.Warn("emergency stop requested")
	return c.Stop(ctx)
}

// NewSession archives the running session and opens a fresh one at the
// current venue balance.
func (c *Controller) NewSession(ctx context.Context) error {
	strat, err := c.Strategy(ctx)
	if err != nil {
		return err
	}
	if sess, err := c.store.Sessions.Active(ctx, strat.ID); err == nil {
		if err := c.store.Sessions.End(ctx, sess.ID, c.now()); err != nil {
			return fmt.Errorf("end session: %w", err)
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	balance, err := c.venue.WalletBalance(ctx)
	if err != nil {
		return fmt.Errorf("fetch account balance: %w", err)
	}
	sess := &types.Session{
		StrategyID:      strat.ID,
		StartingBalance: balance,
		CurrentBalance:  balance,
		StartedAt:       c.now(),
		IsActive:        true,
	}
	if err := c.store.Sessions.Create(ctx, sess); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	c.logger.Info("fresh session started", "session", sess.ID)
	return nil
}

// ClosePosition submits a manual reduce-only limit close.
func (c *Controller) ClosePosition(ctx context.Context, positionID int64) error {
	strat, err := c.Strategy(ctx)
	if err != nil {
		return err
	}
	return c.pm.ManualClose(ctx, positionID, strat)
}

// OpenPositions lists the active session's open positions.
func (c *Controller) OpenPositions(ctx context.Context) ([]*types.Position, error) {
	strat, err := c.Strategy(ctx)
	if err != nil {
		return nil, err
	}
	sess, err := c.store.Sessions.Active(ctx, strat.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoActiveSession
	}
	if err != nil {
		return nil, err
	}
	return c.store.Positions.ListOpen(ctx, sess.ID)
}

// CascadeStatuses returns the detector's per-symbol output.
func (c *Controller) CascadeStatuses() []types.CascadeStatus {
	if c.cascade == nil {
		return nil
	}
	return c.cascade.All()
}

// ExportSettings serializes the strategy for backup or transfer.
func (c *Controller) ExportSettings(ctx context.Context) ([]byte, error) {
	strat, err := c.Strategy(ctx)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(strat, "", "  ")
}

// ImportSettings replaces the strategy from an exported blob, through the
// normal update path so the audit row and re-reservation still happen.
func (c *Controller) ImportSettings(ctx context.Context, blob []byte) error {
	var strat types.Strategy
	if err := json.Unmarshal(blob, &strat); err != nil {
		return fmt.Errorf("parse settings blob: %w", err)
	}
	if _, err := c.Strategy(ctx); errors.Is(err, ErrNoStrategy) {
		return c.CreateStrategy(ctx, &strat)
	} else if err != nil {
		return err
	}
	return c.UpdateStrategy(ctx, &strat)
}

// validateStrategy enforces the recognized option ranges.
func validateStrategy(s *types.Strategy) error {
	switch {
	case s.Name == "":
		return fmt.Errorf("name is required")
	case len(s.SelectedAssets) == 0:
		return fmt.Errorf("selected_assets must not be empty")
	case s.PercentileThreshold < 0 || s.PercentileThreshold > 100:
		return fmt.Errorf("percentile_threshold must be in [0, 100]")
	case s.MaxLayers < 1:
		return fmt.Errorf("max_layers must be >= 1")
	case s.PositionSizePercent.Sign() <= 0:
		return fmt.Errorf("position_size_percent must be > 0")
	case s.ProfitTargetPercent.Sign() <= 0:
		return fmt.Errorf("profit_target_percent must be > 0")
	case s.StopLossPercent.Sign() <= 0:
		return fmt.Errorf("stop_loss_percent must be > 0")
	case s.Leverage < 1:
		return fmt.Errorf("leverage must be >= 1")
	case s.RiskLevel < 0 || s.RiskLevel > 5:
		return fmt.Errorf("risk_level must be in [0, 5]")
	}
	if s.OrderType == "" {
		s.OrderType = types.OrderTypeMarket
	}
	if s.OrderType != types.OrderTypeMarket && s.OrderType != types.OrderTypeLimit {
		return fmt.Errorf("order_type must be market or limit")
	}
	return nil
}
