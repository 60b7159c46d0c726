package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"counterliq/internal/storage"
	"counterliq/pkg/types"
)

// LiquidationStore implements storage.LiquidationStore using PostgreSQL.
type LiquidationStore struct {
	pool *Pool
}

// NewLiquidationStore creates a new LiquidationStore.
func NewLiquidationStore(pool *Pool) *LiquidationStore {
	return &LiquidationStore{pool: pool}
}

// Compile-time interface check.
var _ storage.LiquidationStore = (*LiquidationStore)(nil)

// Insert adds a liquidation. Returns ErrDuplicateKey if the event id exists.
func (s *LiquidationStore) Insert(ctx context.Context, l *types.Liquidation) error {
	query := `
		INSERT INTO liquidations (event_id, symbol, side, qty, price, notional, event_time, ingested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`
	err := s.pool.QueryRow(ctx, query,
		l.EventID, l.Symbol, string(l.Side), l.Quantity, l.Price, l.Notional, l.EventTime, l.IngestedAt,
	).Scan(&l.ID)
	if err != nil {
		if mapped := mapError(err); mapped == storage.ErrDuplicateKey {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert liquidation: %w", err)
	}
	return nil
}

// GetByEventID fetches one liquidation by venue event id.
func (s *LiquidationStore) GetByEventID(ctx context.Context, eventID string) (*types.Liquidation, error) {
	query := `
		SELECT id, event_id, symbol, side, qty, price, notional, event_time, ingested_at
		FROM liquidations WHERE event_id = $1
	`
	var l types.Liquidation
	var side string
	err := s.pool.QueryRow(ctx, query, eventID).Scan(
		&l.ID, &l.EventID, &l.Symbol, &side, &l.Quantity, &l.Price, &l.Notional, &l.EventTime, &l.IngestedAt,
	)
	if err != nil {
		if mapped := mapError(err); mapped == storage.ErrNotFound {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get liquidation: %w", err)
	}
	l.Side = types.PositionSide(side)
	return &l, nil
}

// NotionalsSince returns notionals of same-symbol liquidations since the cutoff.
func (s *LiquidationStore) NotionalsSince(ctx context.Context, symbol string, since time.Time) ([]decimal.Decimal, error) {
	query := `SELECT notional FROM liquidations WHERE symbol = $1 AND event_time >= $2`
	rows, err := s.pool.Query(ctx, query, symbol, since)
	if err != nil {
		return nil, fmt.Errorf("query notionals: %w", err)
	}
	defer rows.Close()

	var out []decimal.Decimal
	for rows.Next() {
		var n decimal.Decimal
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan notional: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// SideNotionalSince returns the long/short notional split since the cutoff.
func (s *LiquidationStore) SideNotionalSince(ctx context.Context, symbol string, since time.Time) (storage.SideNotional, error) {
	query := `
		SELECT
			COALESCE(SUM(notional) FILTER (WHERE side = 'LONG'), 0),
			COALESCE(SUM(notional) FILTER (WHERE side = 'SHORT'), 0)
		FROM liquidations
		WHERE symbol = $1 AND event_time >= $2
	`
	var sn storage.SideNotional
	if err := s.pool.QueryRow(ctx, query, symbol, since).Scan(&sn.Long, &sn.Short); err != nil {
		return sn, fmt.Errorf("query side notional: %w", err)
	}
	return sn, nil
}

// DeleteOlderThan removes events ingested before the cutoff.
func (s *LiquidationStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM liquidations WHERE ingested_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete liquidations: %w", err)
	}
	return tag.RowsAffected(), nil
}
