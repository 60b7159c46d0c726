// Package storage defines the persistence interfaces for the engine.
//
// Two implementations exist: postgres (production) and memory (tests). The
// database is the synchronization point for the engine's uniqueness
// invariants — the in-memory dedup structures upstream are optimizations,
// not the source of truth.
package storage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"counterliq/pkg/types"
)

// SideNotional is the long/short split of liquidation notional over a window.
type SideNotional struct {
	Long  decimal.Decimal
	Short decimal.Decimal
}

// LiquidationStore persists the append-only forced-order event log.
type LiquidationStore interface {
	// Insert stores a liquidation. Returns ErrDuplicateKey when the venue
	// event id is already in the log.
	Insert(ctx context.Context, l *types.Liquidation) error
	// GetByEventID fetches the row for a venue event id.
	GetByEventID(ctx context.Context, eventID string) (*types.Liquidation, error)
	// NotionalsSince returns the notionals of all liquidations for symbol
	// with event time >= since, used by the percentile gate.
	NotionalsSince(ctx context.Context, symbol string, since time.Time) ([]decimal.Decimal, error)
	// SideNotionalSince returns the long/short notional split for symbol
	// since the given time, used by the cascade detector.
	SideNotionalSince(ctx context.Context, symbol string, since time.Time) (SideNotional, error)
	// DeleteOlderThan removes events ingested before the cutoff and
	// returns the number of rows deleted.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// StrategyStore persists the single operator strategy.
type StrategyStore interface {
	Create(ctx context.Context, s *types.Strategy) error
	// Get returns the strategy, or ErrNotFound when none was created yet.
	Get(ctx context.Context) (*types.Strategy, error)
	Update(ctx context.Context, s *types.Strategy) error
}

// StrategyChangeStore records the audit log of strategy updates.
type StrategyChangeStore interface {
	Insert(ctx context.Context, c *types.StrategyChange) error
	ListByStrategy(ctx context.Context, strategyID int64) ([]*types.StrategyChange, error)
}

// SessionStore persists trade sessions. At most one session is active per
// strategy, enforced by a partial unique index.
type SessionStore interface {
	Create(ctx context.Context, s *types.Session) error
	Active(ctx context.Context, strategyID int64) (*types.Session, error)
	// End archives the session: is_active=false, ended_at set.
	End(ctx context.Context, sessionID int64, endedAt time.Time) error
	// Update persists balance, pnl, and trade counters.
	Update(ctx context.Context, s *types.Session) error
	Get(ctx context.Context, sessionID int64) (*types.Session, error)
}

// PositionStore persists positions. At most one open position exists per
// (session, symbol, side), enforced by a partial unique index.
type PositionStore interface {
	Insert(ctx context.Context, p *types.Position) error
	Update(ctx context.Context, p *types.Position) error
	Get(ctx context.Context, id int64) (*types.Position, error)
	// GetOpen returns the open position for (session, symbol, side), or
	// ErrNotFound.
	GetOpen(ctx context.Context, sessionID int64, symbol string, side types.PositionSide) (*types.Position, error)
	ListOpen(ctx context.Context, sessionID int64) ([]*types.Position, error)
	// OpenSymbolCount counts distinct symbols with an open position in the
	// session; hedged long+short on one symbol counts once.
	OpenSymbolCount(ctx context.Context, sessionID int64) (int, error)
	// SumReservedRisk totals reserved_risk across open positions.
	SumReservedRisk(ctx context.Context, sessionID int64) (decimal.Decimal, error)
}

// OrderStore persists orders.
type OrderStore interface {
	Insert(ctx context.Context, o *types.Order) error
	Update(ctx context.Context, o *types.Order) error
	GetByVenueID(ctx context.Context, venueOrderID string) (*types.Order, error)
	// ListByPosition returns orders attached to a position, optionally
	// filtered to the given purposes.
	ListByPosition(ctx context.Context, positionID int64, purposes ...types.OrderPurpose) ([]*types.Order, error)
	// ListPendingEntries returns non-protective pending orders for the
	// session, cancelled on operator stop.
	ListPendingEntries(ctx context.Context, sessionID int64) ([]*types.Order, error)
}

// FillStore persists fills. (venue_trade_id, session_id) is unique.
type FillStore interface {
	// Insert stores a fill. Returns ErrDuplicateKey when the
	// (venue trade id, session) pair already exists.
	Insert(ctx context.Context, f *types.Fill) error
	GetByVenueTradeID(ctx context.Context, sessionID int64, venueTradeID string) (*types.Fill, error)
	// ListByPosition returns fills in filled_at order; the weighted
	// average must be applied in that order.
	ListByPosition(ctx context.Context, positionID int64) ([]*types.Fill, error)
	// ExistsByOrderID reports whether any fill in the session carries the
	// given order id. Used by the historical rebuild's sync-pnl-{tradeId}
	// idempotency key.
	ExistsByOrderID(ctx context.Context, sessionID int64, orderID string) (bool, error)
}

// TradeEntryErrorStore records permanent venue rejections.
type TradeEntryErrorStore interface {
	Insert(ctx context.Context, e *types.TradeEntryError) error
}

// IncomeStore mirrors the venue income stream.
type IncomeStore interface {
	// Upsert is idempotent on the venue income id.
	Upsert(ctx context.Context, r *types.IncomeRecord) error
	TotalByType(ctx context.Context, incomeType string) (decimal.Decimal, error)
	// EarliestTime returns the oldest income timestamp on record, or
	// ErrNotFound when the mirror is empty.
	EarliestTime(ctx context.Context) (time.Time, error)
	// LatestTime returns the newest income timestamp on record, or
	// ErrNotFound when the mirror is empty. The historical rebuild resumes
	// from here instead of re-walking the whole mirror.
	LatestTime(ctx context.Context) (time.Time, error)
}

// Store bundles every store behind one handle for wiring.
type Store struct {
	Liquidations    LiquidationStore
	Strategies      StrategyStore
	StrategyChanges StrategyChangeStore
	Sessions        SessionStore
	Positions       PositionStore
	Orders          OrderStore
	Fills           FillStore
	EntryErrors     TradeEntryErrorStore
	Income          IncomeStore
}
