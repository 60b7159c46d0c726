package postgres

import (
	"context"
	"fmt"
	"time"

	"counterliq/internal/storage"
	"counterliq/pkg/types"
)

// SessionStore implements storage.SessionStore using PostgreSQL. A partial
// unique index on (strategy_id) WHERE is_active enforces one live session.
type SessionStore struct {
	pool *Pool
}

// NewSessionStore creates a new SessionStore.
func NewSessionStore(pool *Pool) *SessionStore {
	return &SessionStore{pool: pool}
}

var _ storage.SessionStore = (*SessionStore)(nil)

// Create inserts a new active session. Returns ErrDuplicateKey if the
// strategy already has one.
func (s *SessionStore) Create(ctx context.Context, sess *types.Session) error {
	query := `
		INSERT INTO trade_sessions (
			strategy_id, starting_balance, current_balance, realized_pnl,
			trades_won, trades_lost, started_at, is_active
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id
	`
	err := s.pool.QueryRow(ctx, query,
		sess.StrategyID, sess.StartingBalance, sess.CurrentBalance, sess.RealizedPnL,
		sess.TradesWon, sess.TradesLost, sess.StartedAt, sess.IsActive,
	).Scan(&sess.ID)
	if err != nil {
		if mapped := mapError(err); mapped == storage.ErrDuplicateKey {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

const sessionColumns = `
	id, strategy_id, starting_balance, current_balance, realized_pnl,
	trades_won, trades_lost, started_at, ended_at, is_active`

func scanSession(row interface{ Scan(...any) error }) (*types.Session, error) {
	var sess types.Session
	err := row.Scan(
		&sess.ID, &sess.StrategyID, &sess.StartingBalance, &sess.CurrentBalance, &sess.RealizedPnL,
		&sess.TradesWon, &sess.TradesLost, &sess.StartedAt, &sess.EndedAt, &sess.IsActive,
	)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// Active returns the strategy's active session, or ErrNotFound.
func (s *SessionStore) Active(ctx context.Context, strategyID int64) (*types.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM trade_sessions WHERE strategy_id = $1 AND is_active`
	sess, err := scanSession(s.pool.QueryRow(ctx, query, strategyID))
	if err != nil {
		if mapped := mapError(err); mapped == storage.ErrNotFound {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get active session: %w", err)
	}
	return sess, nil
}

// Get fetches a session by id.
func (s *SessionStore) Get(ctx context.Context, sessionID int64) (*types.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM trade_sessions WHERE id = $1`
	sess, err := scanSession(s.pool.QueryRow(ctx, query, sessionID))
	if err != nil {
		if mapped := mapError(err); mapped == storage.ErrNotFound {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// End archives a session. Sessions are never deleted.
func (s *SessionStore) End(ctx context.Context, sessionID int64, endedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE trade_sessions SET is_active = false, ended_at = $2 WHERE id = $1 AND is_active`,
		sessionID, endedAt,
	)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Update persists balance, pnl, and trade counters.
func (s *SessionStore) Update(ctx context.Context, sess *types.Session) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE trade_sessions SET
			current_balance = $2, realized_pnl = $3, trades_won = $4, trades_lost = $5
		WHERE id = $1`,
		sess.ID, sess.CurrentBalance, sess.RealizedPnL, sess.TradesWon, sess.TradesLost,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}
