package series

import (
	"fmt"
	"math"

	"github.com/nicktill/swingdoor/pkg/storage"
)

// Tighten narrows prior to the envelope of reference ± tolerance.
// The result is never wider than prior on either side.
func Tighten(prior storage.Bounds, reference, tolerance float64) (storage.Bounds, error) {
	if err := checkTolerance(tolerance); err != nil {
		return storage.Bounds{}, err
	}
	return storage.Bounds{
		Min: math.Max(prior.Min, reference-tolerance),
		Max: math.Min(prior.Max, reference+tolerance),
	}, nil
}

// Envelope is the initial bounds of a segment opened at reference.
func Envelope(reference, tolerance float64) (storage.Bounds, error) {
	return Tighten(storage.Unbounded(), reference, tolerance)
}

func checkTolerance(tolerance float64) error {
	if math.IsNaN(tolerance) || tolerance < 0 {
		return fmt.Errorf("%w: tolerance %v must be >= 0", ErrInvalidArgument, tolerance)
	}
	return nil
}
