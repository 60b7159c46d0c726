package postgres

import (
	"context"
	"fmt"
	"time"

	"counterliq/internal/storage"
	"counterliq/pkg/types"
)

// StrategyStore implements storage.StrategyStore using PostgreSQL.
// The system supports a single operator strategy; Get returns the newest row.
type StrategyStore struct {
	pool *Pool
}

// NewStrategyStore creates a new StrategyStore.
func NewStrategyStore(pool *Pool) *StrategyStore {
	return &StrategyStore{pool: pool}
}

var _ storage.StrategyStore = (*StrategyStore)(nil)

const strategyColumns = `
	id, name, selected_assets, percentile_threshold, max_layers,
	position_size_percent, profit_target_percent, stop_loss_percent,
	adaptive_stops, atr_multiplier, leverage, margin_mode, hedge_mode,
	order_type, slippage_tolerance_pct, max_retry_duration_ms, order_delay_ms,
	layer_delay_seconds, max_portfolio_symbols, max_portfolio_risk_dollars,
	ret_high_threshold, ret_medium_threshold, risk_level,
	cascade_auto_block_enabled, paused, is_active, created_at, updated_at`

// Create inserts the strategy. The operator creates it exactly once.
func (s *StrategyStore) Create(ctx context.Context, st *types.Strategy) error {
	query := `
		INSERT INTO strategies (
			name, selected_assets, percentile_threshold, max_layers,
			position_size_percent, profit_target_percent, stop_loss_percent,
			adaptive_stops, atr_multiplier, leverage, margin_mode, hedge_mode,
			order_type, slippage_tolerance_pct, max_retry_duration_ms, order_delay_ms,
			layer_delay_seconds, max_portfolio_symbols, max_portfolio_risk_dollars,
			ret_high_threshold, ret_medium_threshold, risk_level,
			cascade_auto_block_enabled, paused, is_active, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27)
		RETURNING id
	`
	now := time.Now().UTC()
	st.CreatedAt = now
	st.UpdatedAt = now
	err := s.pool.QueryRow(ctx, query,
		st.Name, st.SelectedAssets, st.PercentileThreshold, st.MaxLayers,
		st.PositionSizePercent, st.ProfitTargetPercent, st.StopLossPercent,
		st.AdaptiveStops, st.ATRMultiplier, st.Leverage, string(st.MarginMode), st.HedgeMode,
		string(st.OrderType), st.SlippageTolerancePct, st.MaxRetryDurationMs, st.OrderDelayMs,
		st.LayerDelaySeconds, st.MaxPortfolioSymbols, st.MaxPortfolioRiskDollars,
		st.RetHighThreshold, st.RetMediumThreshold, st.RiskLevel,
		st.CascadeAutoBlockEnabled, st.Paused, st.IsActive, st.CreatedAt, st.UpdatedAt,
	).Scan(&st.ID)
	if err != nil {
		return fmt.Errorf("insert strategy: %w", mapError(err))
	}
	return nil
}

// Get returns the strategy, or ErrNotFound when none exists.
func (s *StrategyStore) Get(ctx context.Context) (*types.Strategy, error) {
	query := `SELECT ` + strategyColumns + ` FROM strategies ORDER BY id DESC LIMIT 1`
	var st types.Strategy
	var marginMode, orderType string
	err := s.pool.QueryRow(ctx, query).Scan(
		&st.ID, &st.Name, &st.SelectedAssets, &st.PercentileThreshold, &st.MaxLayers,
		&st.PositionSizePercent, &st.ProfitTargetPercent, &st.StopLossPercent,
		&st.AdaptiveStops, &st.ATRMultiplier, &st.Leverage, &marginMode, &st.HedgeMode,
		&orderType, &st.SlippageTolerancePct, &st.MaxRetryDurationMs, &st.OrderDelayMs,
		&st.LayerDelaySeconds, &st.MaxPortfolioSymbols, &st.MaxPortfolioRiskDollars,
		&st.RetHighThreshold, &st.RetMediumThreshold, &st.RiskLevel,
		&st.CascadeAutoBlockEnabled, &st.Paused, &st.IsActive, &st.CreatedAt, &st.UpdatedAt,
	)
	if err != nil {
		if mapped := mapError(err); mapped == storage.ErrNotFound {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get strategy: %w", err)
	}
	st.MarginMode = types.MarginMode(marginMode)
	st.OrderType = types.OrderType(orderType)
	return &st, nil
}

// Update persists the strategy in place.
func (s *StrategyStore) Update(ctx context.Context, st *types.Strategy) error {
	query := `
		UPDATE strategies SET
			name=$2, selected_assets=$3, percentile_threshold=$4, max_layers=$5,
			position_size_percent=$6, profit_target_percent=$7, stop_loss_percent=$8,
			adaptive_stops=$9, atr_multiplier=$10, leverage=$11, margin_mode=$12, hedge_mode=$13,
			order_type=$14, slippage_tolerance_pct=$15, max_retry_duration_ms=$16, order_delay_ms=$17,
			layer_delay_seconds=$18, max_portfolio_symbols=$19, max_portfolio_risk_dollars=$20,
			ret_high_threshold=$21, ret_medium_threshold=$22, risk_level=$23,
			cascade_auto_block_enabled=$24, paused=$25, is_active=$26, updated_at=$27
		WHERE id=$1
	`
	st.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx, query,
		st.ID, st.Name, st.SelectedAssets, st.PercentileThreshold, st.MaxLayers,
		st.PositionSizePercent, st.ProfitTargetPercent, st.StopLossPercent,
		st.AdaptiveStops, st.ATRMultiplier, st.Leverage, string(st.MarginMode), st.HedgeMode,
		string(st.OrderType), st.SlippageTolerancePct, st.MaxRetryDurationMs, st.OrderDelayMs,
		st.LayerDelaySeconds, st.MaxPortfolioSymbols, st.MaxPortfolioRiskDollars,
		st.RetHighThreshold, st.RetMediumThreshold, st.RiskLevel,
		st.CascadeAutoBlockEnabled, st.Paused, st.IsActive, st.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update strategy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}
