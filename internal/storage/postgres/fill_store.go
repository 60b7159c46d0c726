package postgres

import (
	"context"
	"fmt"

	"counterliq/internal/storage"
	"counterliq/pkg/types"
)

// FillStore implements storage.FillStore using PostgreSQL. The unique index
// on (venue_trade_id, session_id) is the idempotency enforcement point.
type FillStore struct {
	pool *Pool
}

// NewFillStore creates a new FillStore.
func NewFillStore(pool *Pool) *FillStore {
	return &FillStore{pool: pool}
}

var _ storage.FillStore = (*FillStore)(nil)

const fillColumns = `
	id, venue_trade_id, session_id, order_id, position_id, symbol, side,
	qty, price, notional, commission, layer, filled_at`

func scanFill(row interface{ Scan(...any) error }) (*types.Fill, error) {
	var f types.Fill
	var side string
	err := row.Scan(
		&f.ID, &f.VenueTradeID, &f.SessionID, &f.OrderID, &f.PositionID, &f.Symbol, &side,
		&f.Quantity, &f.Price, &f.Notional, &f.Commission, &f.Layer, &f.FilledAt,
	)
	if err != nil {
		return nil, err
	}
	f.Side = types.Side(side)
	return &f, nil
}

// Insert adds a fill. Returns ErrDuplicateKey when (venue_trade_id, session)
// already exists.
func (s *FillStore) Insert(ctx context.Context, f *types.Fill) error {
	query := `
		INSERT INTO fills (
			venue_trade_id, session_id, order_id, position_id, symbol, side,
			qty, price, notional, commission, layer, filled_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING id
	`
	err := s.pool.QueryRow(ctx, query,
		f.VenueTradeID, f.SessionID, f.OrderID, f.PositionID, f.Symbol, string(f.Side),
		f.Quantity, f.Price, f.Notional, f.Commission, f.Layer, f.FilledAt,
	).Scan(&f.ID)
	if err != nil {
		if mapped := mapError(err); mapped == storage.ErrDuplicateKey {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert fill: %w", err)
	}
	return nil
}

// GetByVenueTradeID fetches the fill for (session, venue trade id).
func (s *FillStore) GetByVenueTradeID(ctx context.Context, sessionID int64, venueTradeID string) (*types.Fill, error) {
	query := `SELECT ` + fillColumns + ` FROM fills WHERE session_id = $1 AND venue_trade_id = $2`
	f, err := scanFill(s.pool.QueryRow(ctx, query, sessionID, venueTradeID))
	if err != nil {
		if mapped := mapError(err); mapped == storage.ErrNotFound {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get fill: %w", err)
	}
	return f, nil
}

// ListByPosition returns fills ordered by filled_at; the weighted-average
// entry must be recomputed in that order.
func (s *FillStore) ListByPosition(ctx context.Context, positionID int64) ([]*types.Fill, error) {
	query := `SELECT ` + fillColumns + ` FROM fills WHERE position_id = $1 ORDER BY filled_at, id`
	rows, err := s.pool.Query(ctx, query, positionID)
	if err != nil {
		return nil, fmt.Errorf("list fills: %w", err)
	}
	defer rows.Close()

	var out []*types.Fill
	for rows.Next() {
		f, err := scanFill(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ExistsByOrderID reports whether any fill in the session carries the order id.
func (s *FillStore) ExistsByOrderID(ctx context.Context, sessionID int64, orderID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM fills WHERE session_id = $1 AND order_id = $2)`,
		sessionID, orderID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check fill order id: %w", err)
	}
	return exists, nil
}
