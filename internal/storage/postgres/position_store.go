package postgres

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"counterliq/internal/storage"
	"counterliq/pkg/types"
)

// PositionStore implements storage.PositionStore using PostgreSQL. A partial
// unique index on (session_id, symbol, side) WHERE is_open enforces at most
// one open position per exposure.
type PositionStore struct {
	pool *Pool
}

// NewPositionStore creates a new PositionStore.
func NewPositionStore(pool *Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

var _ storage.PositionStore = (*PositionStore)(nil)

const positionColumns = `
	id, session_id, symbol, side, qty, avg_entry, total_cost, leverage,
	layers_filled, max_layers, reserved_risk, realized_pnl, unrealized_pnl,
	opened_at, closed_at, is_open`

func scanPosition(row interface{ Scan(...any) error }) (*types.Position, error) {
	var p types.Position
	var side string
	err := row.Scan(
		&p.ID, &p.SessionID, &p.Symbol, &side, &p.Quantity, &p.AvgEntryPrice, &p.TotalCost, &p.Leverage,
		&p.LayersFilled, &p.MaxLayers, &p.ReservedRisk, &p.RealizedPnL, &p.UnrealizedPnL,
		&p.OpenedAt, &p.ClosedAt, &p.IsOpen,
	)
	if err != nil {
		return nil, err
	}
	p.Side = types.PositionSide(side)
	return &p, nil
}

// Insert adds a position. Returns ErrDuplicateKey when an open position
// already exists for (session, symbol, side).
func (s *PositionStore) Insert(ctx context.Context, p *types.Position) error {
	query := `
		INSERT INTO positions (
			session_id, symbol, side, qty, avg_entry, total_cost, leverage,
			layers_filled, max_layers, reserved_risk, realized_pnl, unrealized_pnl,
			opened_at, closed_at, is_open
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		RETURNING id
	`
	err := s.pool.QueryRow(ctx, query,
		p.SessionID, p.Symbol, string(p.Side), p.Quantity, p.AvgEntryPrice, p.TotalCost, p.Leverage,
		p.LayersFilled, p.MaxLayers, p.ReservedRisk, p.RealizedPnL, p.UnrealizedPnL,
		p.OpenedAt, p.ClosedAt, p.IsOpen,
	).Scan(&p.ID)
	if err != nil {
		if mapped := mapError(err); mapped == storage.ErrDuplicateKey {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert position: %w", err)
	}
	return nil
}

// Update persists the full mutable state of a position.
func (s *PositionStore) Update(ctx context.Context, p *types.Position) error {
	query := `
		UPDATE positions SET
			qty=$2, avg_entry=$3, total_cost=$4, leverage=$5, layers_filled=$6,
			reserved_risk=$7, realized_pnl=$8, unrealized_pnl=$9, closed_at=$10, is_open=$11
		WHERE id=$1
	`
	tag, err := s.pool.Exec(ctx, query,
		p.ID, p.Quantity, p.AvgEntryPrice, p.TotalCost, p.Leverage, p.LayersFilled,
		p.ReservedRisk, p.RealizedPnL, p.UnrealizedPnL, p.ClosedAt, p.IsOpen,
	)
	if err != nil {
		return fmt.Errorf("update position: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Get fetches a position by id.
func (s *PositionStore) Get(ctx context.Context, id int64) (*types.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE id = $1`
	p, err := scanPosition(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if mapped := mapError(err); mapped == storage.ErrNotFound {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get position: %w", err)
	}
	return p, nil
}

// GetOpen returns the open position for (session, symbol, side).
func (s *PositionStore) GetOpen(ctx context.Context, sessionID int64, symbol string, side types.PositionSide) (*types.Position, error) {
	query := `SELECT ` + positionColumns + `
		FROM positions WHERE session_id = $1 AND symbol = $2 AND side = $3 AND is_open`
	p, err := scanPosition(s.pool.QueryRow(ctx, query, sessionID, symbol, string(side)))
	if err != nil {
		if mapped := mapError(err); mapped == storage.ErrNotFound {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get open position: %w", err)
	}
	return p, nil
}

// ListOpen returns all open positions in a session.
func (s *PositionStore) ListOpen(ctx context.Context, sessionID int64) ([]*types.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE session_id = $1 AND is_open ORDER BY opened_at`
	rows, err := s.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list open positions: %w", err)
	}
	defer rows.Close()

	var out []*types.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// OpenSymbolCount counts distinct symbols with open positions. Hedged
// long+short on one symbol counts once.
func (s *PositionStore) OpenSymbolCount(ctx context.Context, sessionID int64) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(DISTINCT symbol) FROM positions WHERE session_id = $1 AND is_open`,
		sessionID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open symbols: %w", err)
	}
	return n, nil
}

// SumReservedRisk totals reserved_risk across open positions.
func (s *PositionStore) SumReservedRisk(ctx context.Context, sessionID int64) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(reserved_risk), 0) FROM positions WHERE session_id = $1 AND is_open`,
		sessionID,
	).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum reserved risk: %w", err)
	}
	return sum, nil
}
