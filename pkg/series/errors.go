package series

import (
	"errors"

	"github.com/nicktill/swingdoor/pkg/storage"
)

var (
	// ErrInvalidArgument is returned for a call the compressor rejects
	// before touching the series: negative tolerance, a non-finite value,
	// or an out-of-order timestamp under strict ordering.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrCorruptState is returned when the persisted graph violates the
	// anchor/frontier cardinality or chain shape. It is never repaired
	// automatically.
	ErrCorruptState = errors.New("corrupt series state")
)

// IsRetriable reports whether the whole append may be retried from scratch.
// Nothing from a failed transaction was applied, so a retry is safe.
func IsRetriable(err error) bool {
	return errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrIO)
}

// ErrorClass buckets an append error for logs and metrics.
func ErrorClass(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, storage.ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrCorruptState):
		return "corrupt_state"
	case errors.Is(err, storage.ErrConflict):
		return "conflict"
	case errors.Is(err, storage.ErrIO):
		return "io"
	default:
		return "other"
	}
}
