package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a device, point or link does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when registering a device id twice.
	ErrAlreadyExists = errors.New("already exists")

	// ErrConflict is returned when a transaction lost a race with another
	// writer. Nothing from the transaction was applied.
	ErrConflict = errors.New("transaction conflict")

	// ErrIO wraps failures of the underlying storage engine.
	ErrIO = errors.New("storage I/O error")

	// ErrInvalidTransition is returned by Relabel for a role change that
	// is not allowed (for example committed back to anchor).
	ErrInvalidTransition = errors.New("invalid role transition")

	// ErrImmutable is returned when a write would modify a committed point
	// or the link that reaches it.
	ErrImmutable = errors.New("committed point is immutable")

	// ErrStillReferenced is returned by DeleteDetached for a point that is
	// still linked or owned.
	ErrStillReferenced = errors.New("point is still referenced")

	// ErrReadOnly is returned when a write is attempted inside View.
	ErrReadOnly = errors.New("read-only transaction")
)

// IOError wraps err so that errors.Is(err, ErrIO) holds while keeping the
// engine error reachable.
func IOError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrIO, err)
}
