package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"counterliq/internal/storage"
	"counterliq/pkg/types"
)

// StrategyChangeStore implements storage.StrategyChangeStore using PostgreSQL.
type StrategyChangeStore struct {
	pool *Pool
}

// NewStrategyChangeStore creates a new StrategyChangeStore.
func NewStrategyChangeStore(pool *Pool) *StrategyChangeStore {
	return &StrategyChangeStore{pool: pool}
}

var _ storage.StrategyChangeStore = (*StrategyChangeStore)(nil)

// Insert records one strategy update.
func (s *StrategyChangeStore) Insert(ctx context.Context, c *types.StrategyChange) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO strategy_changes (strategy_id, session_id, before, after, changed_at)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id`,
		c.StrategyID, c.SessionID, c.Before, c.After, c.ChangedAt,
	).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("insert strategy change: %w", err)
	}
	return nil
}

// ListByStrategy returns the audit trail, newest first.
func (s *StrategyChangeStore) ListByStrategy(ctx context.Context, strategyID int64) ([]*types.StrategyChange, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, strategy_id, session_id, before, after, changed_at
		FROM strategy_changes WHERE strategy_id = $1 ORDER BY changed_at DESC`,
		strategyID,
	)
	if err != nil {
		return nil, fmt.Errorf("list strategy changes: %w", err)
	}
	defer rows.Close()

	var out []*types.StrategyChange
	for rows.Next() {
		var c types.StrategyChange
		if err := rows.Scan(&c.ID, &c.StrategyID, &c.SessionID, &c.Before, &c.After, &c.ChangedAt); err != nil {
			return nil, fmt.Errorf("scan strategy change: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// TradeEntryErrorStore implements storage.TradeEntryErrorStore using PostgreSQL.
type TradeEntryErrorStore struct {
	pool *Pool
}

// NewTradeEntryErrorStore creates a new TradeEntryErrorStore.
func NewTradeEntryErrorStore(pool *Pool) *TradeEntryErrorStore {
	return &TradeEntryErrorStore{pool: pool}
}

var _ storage.TradeEntryErrorStore = (*TradeEntryErrorStore)(nil)

// Insert records a permanent venue rejection.
func (s *TradeEntryErrorStore) Insert(ctx context.Context, e *types.TradeEntryError) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO trade_entry_errors (session_id, symbol, side, reason, payload, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id`,
		e.SessionID, e.Symbol, string(e.Side), e.Reason, e.Payload, e.CreatedAt,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("insert trade entry error: %w", err)
	}
	return nil
}

// IncomeStore implements storage.IncomeStore using PostgreSQL.
type IncomeStore struct {
	pool *Pool
}

// NewIncomeStore creates a new IncomeStore.
func NewIncomeStore(pool *Pool) *IncomeStore {
	return &IncomeStore{pool: pool}
}

var _ storage.IncomeStore = (*IncomeStore)(nil)

// Upsert inserts an income record, ignoring duplicates on the venue id.
func (s *IncomeStore) Upsert(ctx context.Context, r *types.IncomeRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO income_records (venue_income_id, symbol, income_type, income, income_time, imported_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (venue_income_id) DO NOTHING`,
		r.VenueIncomeID, r.Symbol, r.IncomeType, r.Income, r.IncomeTime, r.ImportedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert income record: %w", err)
	}
	return nil
}

// TotalByType sums income of one type across the mirror.
func (s *IncomeStore) TotalByType(ctx context.Context, incomeType string) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(income), 0) FROM income_records WHERE income_type = $1`,
		incomeType,
	).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("total income: %w", err)
	}
	return total, nil
}

// EarliestTime returns the oldest income timestamp on record.
func (s *IncomeStore) EarliestTime(ctx context.Context) (time.Time, error) {
	var t *time.Time
	err := s.pool.QueryRow(ctx, `SELECT MIN(income_time) FROM income_records`).Scan(&t)
	if err != nil {
		return time.Time{}, fmt.Errorf("earliest income time: %w", err)
	}
	if t == nil {
		return time.Time{}, storage.ErrNotFound
	}
	return *t, nil
}

// LatestTime returns the newest income timestamp on record.
func (s *IncomeStore) LatestTime(ctx context.Context) (time.Time, error) {
	var t *time.Time
	err := s.pool.QueryRow(ctx, `SELECT MAX(income_time) FROM income_records`).Scan(&t)
	if err != nil {
		return time.Time{}, fmt.Errorf("latest income time: %w", err)
	}
	if t == nil {
		return time.Time{}, storage.ErrNotFound
	}
	return *t, nil
}
