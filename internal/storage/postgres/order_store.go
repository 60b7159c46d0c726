package postgres

import (
	"context"
	"fmt"

	"counterliq/internal/storage"
	"counterliq/pkg/types"
)

// OrderStore implements storage.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *Pool
}

// NewOrderStore creates a new OrderStore.
func NewOrderStore(pool *Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

var _ storage.OrderStore = (*OrderStore)(nil)

const orderColumns = `
	id, venue_order_id, session_id, position_id, symbol, side, order_type,
	purpose, price, qty, status, layer, reduce_only, created_at, filled_at`

func scanOrder(row interface{ Scan(...any) error }) (*types.Order, error) {
	var o types.Order
	var side, orderType, purpose, status string
	err := row.Scan(
		&o.ID, &o.VenueOrderID, &o.SessionID, &o.PositionID, &o.Symbol, &side, &orderType,
		&purpose, &o.Price, &o.Quantity, &status, &o.Layer, &o.ReduceOnly, &o.CreatedAt, &o.FilledAt,
	)
	if err != nil {
		return nil, err
	}
	o.Side = types.Side(side)
	o.Type = types.OrderType(orderType)
	o.Purpose = types.OrderPurpose(purpose)
	o.Status = types.OrderStatus(status)
	return &o, nil
}

// Insert adds an order created before venue submission.
func (s *OrderStore) Insert(ctx context.Context, o *types.Order) error {
	query := `
		INSERT INTO orders (
			venue_order_id, session_id, position_id, symbol, side, order_type,
			purpose, price, qty, status, layer, reduce_only, created_at, filled_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING id
	`
	err := s.pool.QueryRow(ctx, query,
		o.VenueOrderID, o.SessionID, o.PositionID, o.Symbol, string(o.Side), string(o.Type),
		string(o.Purpose), o.Price, o.Quantity, string(o.Status), o.Layer, o.ReduceOnly, o.CreatedAt, o.FilledAt,
	).Scan(&o.ID)
	if err != nil {
		return fmt.Errorf("insert order: %w", mapError(err))
	}
	return nil
}

// Update persists status transitions and venue id assignment.
func (s *OrderStore) Update(ctx context.Context, o *types.Order) error {
	query := `
		UPDATE orders SET
			venue_order_id=$2, position_id=$3, price=$4, status=$5, filled_at=$6
		WHERE id=$1
	`
	tag, err := s.pool.Exec(ctx, query, o.ID, o.VenueOrderID, o.PositionID, o.Price, string(o.Status), o.FilledAt)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetByVenueID fetches an order by the venue's order id.
func (s *OrderStore) GetByVenueID(ctx context.Context, venueOrderID string) (*types.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE venue_order_id = $1`
	o, err := scanOrder(s.pool.QueryRow(ctx, query, venueOrderID))
	if err != nil {
		if mapped := mapError(err); mapped == storage.ErrNotFound {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

// ListByPosition returns a position's orders, optionally filtered by purpose.
func (s *OrderStore) ListByPosition(ctx context.Context, positionID int64, purposes ...types.OrderPurpose) ([]*types.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE position_id = $1`
	args := []any{positionID}
	if len(purposes) > 0 {
		ps := make([]string, len(purposes))
		for i, p := range purposes {
			ps[i] = string(p)
		}
		query += ` AND purpose = ANY($2)`
		args = append(args, ps)
	}
	query += ` ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []*types.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ListPendingEntries returns pending non-protective orders for the session.
func (s *OrderStore) ListPendingEntries(ctx context.Context, sessionID int64) ([]*types.Order, error) {
	query := `SELECT ` + orderColumns + `
		FROM orders
		WHERE session_id = $1 AND status = 'pending' AND purpose IN ('entry', 'manual_exit')
		ORDER BY created_at`
	rows, err := s.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list pending entries: %w", err)
	}
	defer rows.Close()

	var out []*types.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
