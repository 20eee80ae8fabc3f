package series

import (
	"fmt"

	"github.com/nicktill/swingdoor/pkg/storage"
)

// TransitionKind names what an append did to the open segment.
type TransitionKind string

const (
	// TransitionOpen starts a new series: the sample becomes the anchor.
	TransitionOpen TransitionKind = "open"

	// TransitionStart adds the first frontier after an anchor.
	TransitionStart TransitionKind = "start"

	// TransitionExtend replaces the frontier with an in-bounds sample.
	TransitionExtend TransitionKind = "extend"

	// TransitionClose commits anchor and frontier and opens a new segment
	// at the out-of-bounds sample.
	TransitionClose TransitionKind = "close"
)

// Role is the role the appended point ends up with.
func (k TransitionKind) Role() storage.Role {
	switch k {
	case TransitionOpen, TransitionClose:
		return storage.RoleAnchor
	case TransitionStart, TransitionExtend:
		return storage.RoleFrontier
	}
	return storage.RolePending
}

// Transition is the decision for one sample. Bounds is the envelope the
// new link carries; it is unset for TransitionOpen.
type Transition struct {
	Kind   TransitionKind
	Bounds storage.Bounds
}

// window is the open segment as read from the store.
type window struct {
	anchor   *storage.Point
	frontier *storage.Frontier
}

// decide classifies value against the open window. It has no side effects.
func decide(w window, value, tolerance float64) (Transition, error) {
	if err := checkTolerance(tolerance); err != nil {
		return Transition{}, err
	}

	if w.anchor == nil {
		if w.frontier != nil {
			return Transition{}, fmt.Errorf("%w: frontier %s without anchor", ErrCorruptState, w.frontier.Point.ID)
		}
		return Transition{Kind: TransitionOpen}, nil
	}

	if w.frontier == nil {
		b, err := Envelope(w.anchor.Value, tolerance)
		if err != nil {
			return Transition{}, err
		}
		return Transition{Kind: TransitionStart, Bounds: b}, nil
	}

	b, err := Tighten(w.frontier.Bounds, w.frontier.Point.Value, tolerance)
	if err != nil {
		return Transition{}, err
	}
	if b.Contains(value) {
		return Transition{Kind: TransitionExtend, Bounds: b}, nil
	}
	return Transition{Kind: TransitionClose, Bounds: b}, nil
}
