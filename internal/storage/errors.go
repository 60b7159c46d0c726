package storage

import "errors"

var (
	// ErrDuplicateKey is returned when an insert violates a unique
	// constraint. Callers treat it as "already persisted", not a failure:
	// the ingress and the position manager fetch the existing row and
	// continue.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrNotFound is returned when a lookup matches no rows.
	ErrNotFound = errors.New("not found")
)
