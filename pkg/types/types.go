// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — liquidation events,
// strategy settings, positions, orders, fills, and cascade output. It has no
// dependencies on internal packages, so it can be imported by any layer.
// Monetary and quantity values are fixed-precision decimals; the venue reports
// them as strings and they are parsed exactly once, at the boundary.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// PositionSide is the direction of a directional exposure.
type PositionSide string

const (
	LONG  PositionSide = "LONG"
	SHORT PositionSide = "SHORT"
)

// Opposite returns the other position side.
func (p PositionSide) Opposite() PositionSide {
	if p == LONG {
		return SHORT
	}
	return LONG
}

// EntrySide returns the order side that opens or extends exposure on p.
func (p PositionSide) EntrySide() Side {
	if p == LONG {
		return BUY
	}
	return SELL
}

// ExitSide returns the order side that reduces exposure on p.
func (p PositionSide) ExitSide() Side {
	return p.EntrySide().Opposite()
}

// LiquidatedSide converts the side the venue reports on a forced order into
// the side that was actually liquidated. The venue reports the offsetting
// order: a SELL closes out longs, a BUY closes out shorts.
func LiquidatedSide(venueSide Side) PositionSide {
	if venueSide == SELL {
		return LONG
	}
	return SHORT
}

// OrderType enumerates supported order execution styles.
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
)

// OrderStatus tracks an order through its venue lifecycle.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
	OrderRejected  OrderStatus = "rejected"
)

// OrderPurpose distinguishes entry orders from the protective pair.
type OrderPurpose string

const (
	PurposeEntry      OrderPurpose = "entry"
	PurposeTakeProfit OrderPurpose = "take_profit"
	PurposeStopLoss   OrderPurpose = "stop_loss"
	PurposeManualExit OrderPurpose = "manual_exit"
)

// MarginMode is the venue account margin mode.
type MarginMode string

const (
	MarginIsolated MarginMode = "isolated"
	MarginCross    MarginMode = "cross"
)

// ————————————————————————————————————————————————————————————————————————
// Cascade
// ————————————————————————————————————————————————————————————————————————

// CascadeLevel is the four-valued traffic light summarizing near-term
// systemic liquidation risk for one symbol. Ordering matters: escalation is
// immediate, de-escalation requires a sustained cooldown.
type CascadeLevel int

const (
	LevelGreen CascadeLevel = iota
	LevelYellow
	LevelOrange
	LevelRed
)

func (l CascadeLevel) String() string {
	switch l {
	case LevelGreen:
		return "green"
	case LevelYellow:
		return "yellow"
	case LevelOrange:
		return "orange"
	case LevelRed:
		return "red"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ReversalQuality buckets the informational quality-of-reversal score.
// It never feeds the trade decision.
type ReversalQuality string

const (
	QualityPoor      ReversalQuality = "poor"
	QualityOK        ReversalQuality = "ok"
	QualityGood      ReversalQuality = "good"
	QualityExcellent ReversalQuality = "excellent"
)

// CascadeStatus is the detector's published per-symbol output. The strategy
// engine consults AutoBlock synchronously before any entry decision.
type CascadeStatus struct {
	Symbol       string          `json:"symbol"`
	Score        int             `json:"score"`
	LQ           float64         `json:"lq"`
	RET          float64         `json:"ret"`
	OI           float64         `json:"oi"`
	Level        CascadeLevel    `json:"-"`
	LevelName    string          `json:"level"`
	DominantSide PositionSide    `json:"dominant_side,omitempty"`
	Quality      ReversalQuality `json:"quality"`
	AutoBlock    bool            `json:"auto_block"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ————————————————————————————————————————————————————————————————————————
// Domain entities
// ————————————————————————————————————————————————————————————————————————

// Liquidation is one forced-order event after side inversion. Immutable;
// EventID is globally unique across the event log.
type Liquidation struct {
	ID         int64
	EventID    string
	Symbol     string
	Side       PositionSide // the side that was liquidated
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	Notional   decimal.Decimal
	EventTime  time.Time
	IngestedAt time.Time
}

// Strategy is the operator's mutable configuration. Created once explicitly,
// never auto-created, and updated in place with an audit row per change.
type Strategy struct {
	ID                  int64           `json:"id"`
	Name                string          `json:"name"`
	SelectedAssets      []string        `json:"selected_assets"`
	PercentileThreshold float64         `json:"percentile_threshold"` // 0–100
	MaxLayers           int             `json:"max_layers"`
	PositionSizePercent decimal.Decimal `json:"position_size_percent"`

	ProfitTargetPercent decimal.Decimal `json:"profit_target_percent"`
	StopLossPercent     decimal.Decimal `json:"stop_loss_percent"`
	AdaptiveStops       bool            `json:"adaptive_stops"` // ATR×k, clamped to [1%, 15%]
	ATRMultiplier       decimal.Decimal `json:"atr_multiplier"`

	Leverage   int        `json:"leverage"`
	MarginMode MarginMode `json:"margin_mode"`
	HedgeMode  bool       `json:"hedge_mode"`

	OrderType               OrderType       `json:"order_type"`
	SlippageTolerancePct    decimal.Decimal `json:"slippage_tolerance_percent"`
	MaxRetryDurationMs      int64           `json:"max_retry_duration_ms"`
	OrderDelayMs            int64           `json:"order_delay_ms"`
	LayerDelaySeconds       int64           `json:"layer_delay_seconds"` // default 120
	MaxPortfolioSymbols     int             `json:"max_portfolio_symbols"`
	MaxPortfolioRiskDollars decimal.Decimal `json:"max_portfolio_risk_dollars"`
	RetHighThreshold        float64         `json:"ret_high_threshold"`   // default 35
	RetMediumThreshold      float64         `json:"ret_medium_threshold"` // default 25
	RiskLevel               int             `json:"risk_level"`           // 1–5 cascade sensitivity
	CascadeAutoBlockEnabled bool            `json:"cascade_auto_block_enabled"`

	Paused    bool      `json:"paused"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LayerDelay returns the minimum spacing between fills of one (symbol, side).
func (s *Strategy) LayerDelay() time.Duration {
	secs := s.LayerDelaySeconds
	if secs <= 0 {
		secs = 120
	}
	return time.Duration(secs) * time.Second
}

// MaxRetryDuration returns the limit-chasing deadline.
func (s *Strategy) MaxRetryDuration() time.Duration {
	return time.Duration(s.MaxRetryDurationMs) * time.Millisecond
}

// Monitors reports whether the strategy trades the given symbol.
func (s *Strategy) Monitors(symbol string) bool {
	for _, a := range s.SelectedAssets {
		if a == symbol {
			return true
		}
	}
	return false
}

// Session is one trading session owned by a strategy. A strategy has at most
// one active session; stopped sessions are archived, never deleted.
type Session struct {
	ID              int64
	StrategyID      int64
	StartingBalance decimal.Decimal
	CurrentBalance  decimal.Decimal
	RealizedPnL     decimal.Decimal
	TradesWon       int
	TradesLost      int
	StartedAt       time.Time
	EndedAt         *time.Time
	IsActive        bool
}

// Position is the materialized view of one directional exposure on a
// (session, symbol, side). RealizedPnL is nil until the position closes,
// distinguishing "never closed" from "closed flat".
type Position struct {
	ID            int64
	SessionID     int64
	Symbol        string
	Side          PositionSide
	Quantity      decimal.Decimal
	AvgEntryPrice decimal.Decimal
	TotalCost     decimal.Decimal
	Leverage      int
	LayersFilled  int
	MaxLayers     int
	ReservedRisk  decimal.Decimal
	RealizedPnL   *decimal.Decimal
	UnrealizedPnL decimal.Decimal
	OpenedAt      time.Time
	ClosedAt      *time.Time
	IsOpen        bool
}

// Order is one venue order, created locally before submission.
type Order struct {
	ID           int64
	VenueOrderID string
	SessionID    int64
	PositionID   *int64
	Symbol       string
	Side         Side
	Type         OrderType
	Purpose      OrderPurpose
	Price        *decimal.Decimal // nil for market orders
	Quantity     decimal.Decimal
	Status       OrderStatus
	Layer        int
	ReduceOnly   bool
	CreatedAt    time.Time
	FilledAt     *time.Time
}

// Fill is one execution. Immutable; (VenueTradeID, SessionID) is unique and
// is the enforcement point for idempotency.
type Fill struct {
	ID           int64
	VenueTradeID string
	SessionID    int64
	OrderID      string // venue order id the fill belongs to
	PositionID   int64
	Symbol       string
	Side         Side
	Quantity     decimal.Decimal
	Price        decimal.Decimal
	Notional     decimal.Decimal
	Commission   decimal.Decimal
	Layer        int
	FilledAt     time.Time
}

// IsEntryFor reports whether the fill adds exposure to a position on side ps.
func (f Fill) IsEntryFor(ps PositionSide) bool {
	return f.Side == ps.EntrySide()
}

// StrategyChange is an immutable audit entry for a strategy update.
type StrategyChange struct {
	ID         int64
	StrategyID int64
	SessionID  *int64
	Before     []byte // JSON snapshot
	After      []byte
	ChangedAt  time.Time
}

// TradeEntryError records a permanent venue rejection of an entry decision.
type TradeEntryError struct {
	ID        int64
	SessionID *int64
	Symbol    string
	Side      PositionSide
	Reason    string
	Payload   []byte
	CreatedAt time.Time
}

// IncomeRecord mirrors one venue income event (realized pnl, commission,
// funding fee). VenueIncomeID is unique for idempotent upsert.
type IncomeRecord struct {
	ID            int64
	VenueIncomeID string
	Symbol        string
	IncomeType    string // REALIZED_PNL | COMMISSION | FUNDING_FEE | ...
	Income        decimal.Decimal
	IncomeTime    time.Time
	ImportedAt    time.Time
}

// Income types reported by the venue's income endpoint.
const (
	IncomeRealizedPnL = "REALIZED_PNL"
	IncomeCommission  = "COMMISSION"
	IncomeFundingFee  = "FUNDING_FEE"
)

// SymbolPrecision holds the venue's per-symbol rounding rules. Quantities are
// rounded down to QtyStep and prices to PriceTick before submission.
type SymbolPrecision struct {
	Symbol      string
	PriceTick   decimal.Decimal
	QtyStep     decimal.Decimal
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
}

// RoundQty rounds q down to the symbol's quantity step.
func (p SymbolPrecision) RoundQty(q decimal.Decimal) decimal.Decimal {
	if p.QtyStep.IsZero() {
		return q
	}
	return q.Div(p.QtyStep).Floor().Mul(p.QtyStep)
}

// RoundPrice rounds px down to the symbol's price tick.
func (p SymbolPrecision) RoundPrice(px decimal.Decimal) decimal.Decimal {
	if p.PriceTick.IsZero() {
		return px
	}
	return px.Div(p.PriceTick).Floor().Mul(p.PriceTick)
}
