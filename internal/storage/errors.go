package storage

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrVersionConflict is returned when a thread save loses the optimistic
// concurrency race: the stored version no longer matches the version the
// thread was loaded with. Callers reload and retry.
var ErrVersionConflict = errors.New("storage: version conflict")

// ErrUnavailable tags connectivity and query failures so callers can
// distinguish an unreachable store from a missing row or a lost race.
var ErrUnavailable = errors.New("storage: unavailable")

// markUnavailable wraps a database error with ErrUnavailable so callers can
// match it with errors.Is while keeping the underlying cause in the chain.
func markUnavailable(op string, err error) error {
	return fmt.Errorf("storage: %s: %w", op, errors.Join(ErrUnavailable, err))
}
