package series

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/nicktill/swingdoor/pkg/storage"
)

// Observer is notified after an append has been committed.
type Observer func(p storage.Point, kind TransitionKind)

// Appender runs the swinging-door state machine against a store.
//
// Appender holds no per-device state and no locks: callers must serialise
// Append calls for the same device. Appends for different devices may run
// in parallel.
type Appender struct {
	store     storage.Store
	strict    bool
	observers []Observer
	now       func() time.Time
}

// Option configures an Appender.
type Option func(*Appender)

// WithStrictOrdering rejects samples older than the device's active point.
func WithStrictOrdering() Option {
	return func(a *Appender) {
		a.strict = true
	}
}

// WithObserver registers fn to be called after every committed append.
func WithObserver(fn Observer) Option {
	return func(a *Appender) {
		a.observers = append(a.observers, fn)
	}
}

// WithClock sets the time source used by AppendNow.
func WithClock(now func() time.Time) Option {
	return func(a *Appender) {
		a.now = now
	}
}

// New creates an Appender over store.
func New(store storage.Store, opts ...Option) *Appender {
	a := &Appender{
		store: store,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Store returns the backing store.
func (a *Appender) Store() storage.Store {
	return a.store
}

// AppendNow appends value stamped with the Appender's clock.
func (a *Appender) AppendNow(ctx context.Context, devid string, value float64) (storage.Point, error) {
	return a.Append(ctx, devid, value, a.now())
}

// Append feeds one sample into the device's series and returns the stored
// point with its resulting role (anchor or frontier).
//
// The whole transition runs in one store transaction. On any error nothing
// is applied and the series is unchanged.
func (a *Appender) Append(ctx context.Context, devid string, value float64, ts time.Time) (storage.Point, error) {
	start := time.Now()

	p, kind, err := a.append(ctx, devid, value, ts)
	observeAppend(kind, err, time.Since(start))
	if err != nil {
		return storage.Point{}, err
	}

	for _, fn := range a.observers {
		fn(p, kind)
	}
	return p, nil
}

func (a *Appender) append(ctx context.Context, devid string, value float64, ts time.Time) (storage.Point, TransitionKind, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return storage.Point{}, "", fmt.Errorf("%w: value %v is not finite", ErrInvalidArgument, value)
	}
	if ts.IsZero() {
		return storage.Point{}, "", fmt.Errorf("%w: missing timestamp", ErrInvalidArgument)
	}
	ts = ts.Round(0).UTC()

	var (
		result storage.Point
		kind   TransitionKind
	)

	err := a.store.Update(ctx, func(tx storage.Tx) error {
		dev, err := tx.LookupDevice(devid)
		if err != nil {
			return err
		}
		if err := checkTolerance(dev.Deviation); err != nil {
			return fmt.Errorf("device %q: %w", devid, err)
		}

		if a.strict {
			if err := checkOrder(tx, devid, ts); err != nil {
				return err
			}
		}

		p, err := tx.CreatePending(devid, value, ts)
		if err != nil {
			return fmt.Errorf("failed to create point: %w", err)
		}

		w, err := loadWindow(tx, devid)
		if err != nil {
			return err
		}

		tr, err := decide(w, p.Value, dev.Deviation)
		if err != nil {
			return err
		}

		if err := apply(tx, w, p, tr); err != nil {
			return fmt.Errorf("%s transition for device %q: %w", tr.Kind, devid, asCorrupt(err))
		}

		p.Role = tr.Kind.Role()
		result = p
		kind = tr.Kind
		return nil
	})
	if err != nil {
		return storage.Point{}, kind, err
	}
	return result, kind, nil
}

// loadWindow reads the open segment of a device and checks its cardinality.
func loadWindow(tx storage.Tx, devid string) (window, error) {
	var w window

	anchors, err := tx.FindAnchors(devid)
	if err != nil {
		return w, fmt.Errorf("failed to find anchor: %w", err)
	}

	switch len(anchors) {
	case 0:
		// A frontier must never outlive its anchor
		owned, err := tx.Owned(devid)
		if err != nil {
			return w, fmt.Errorf("failed to read active point: %w", err)
		}
		if owned != nil && owned.Role == storage.RoleFrontier {
			w.frontier = &storage.Frontier{Point: *owned}
		}
		return w, nil
	case 1:
		w.anchor = &anchors[0]
	default:
		return w, fmt.Errorf("%w: device %q has %d anchors", ErrCorruptState, devid, len(anchors))
	}

	frontiers, err := tx.FindFrontiers(w.anchor.ID)
	if err != nil {
		return w, fmt.Errorf("failed to find frontier: %w", err)
	}
	switch len(frontiers) {
	case 0:
	case 1:
		w.frontier = &frontiers[0]
	default:
		return w, fmt.Errorf("%w: anchor %s has %d frontiers", ErrCorruptState, w.anchor.ID, len(frontiers))
	}
	return w, nil
}

// apply performs the store operations for tr. p is the pending point.
func apply(tx storage.Tx, w window, p storage.Point, tr Transition) error {
	switch tr.Kind {
	case TransitionOpen:
		if err := tx.Relabel(p.ID, storage.RoleAnchor); err != nil {
			return err
		}
		return tx.SetOwnership(p.DeviceID, p.ID)

	case TransitionStart:
		if err := tx.Relabel(p.ID, storage.RoleFrontier); err != nil {
			return err
		}
		if err := tx.SetLink(w.anchor.ID, p.ID, tr.Bounds); err != nil {
			return err
		}
		return tx.SetOwnership(p.DeviceID, p.ID)

	case TransitionExtend:
		// Replacing the anchor's link detaches the old frontier
		if err := tx.SetLink(w.anchor.ID, p.ID, tr.Bounds); err != nil {
			return err
		}
		if err := tx.SetOwnership(p.DeviceID, p.ID); err != nil {
			return err
		}
		if err := tx.DeleteDetached(w.frontier.Point.ID); err != nil {
			return err
		}
		return tx.Relabel(p.ID, storage.RoleFrontier)

	case TransitionClose:
		if err := tx.Relabel(w.anchor.ID, storage.RoleCommitted); err != nil {
			return err
		}
		if err := tx.Relabel(w.frontier.Point.ID, storage.RoleCommitted); err != nil {
			return err
		}
		if err := tx.Relabel(p.ID, storage.RoleAnchor); err != nil {
			return err
		}
		if err := tx.SetLink(w.frontier.Point.ID, p.ID, tr.Bounds); err != nil {
			return err
		}
		return tx.SetOwnership(p.DeviceID, p.ID)
	}
	return fmt.Errorf("unknown transition %q", tr.Kind)
}

// checkOrder rejects ts if it is before the device's active point.
func checkOrder(tx storage.Tx, devid string, ts time.Time) error {
	owned, err := tx.Owned(devid)
	if err != nil {
		return fmt.Errorf("failed to read active point: %w", err)
	}
	if owned != nil && ts.Before(owned.Timestamp) {
		return fmt.Errorf("%w: timestamp %s is before last sample %s",
			ErrInvalidArgument, ts.Format(time.RFC3339Nano), owned.Timestamp.Format(time.RFC3339Nano))
	}
	return nil
}

// asCorrupt marks store refusals that can only follow from a broken graph.
func asCorrupt(err error) error {
	if errors.Is(err, storage.ErrInvalidTransition) ||
		errors.Is(err, storage.ErrImmutable) ||
		errors.Is(err, storage.ErrStillReferenced) {
		return fmt.Errorf("%w: %w", ErrCorruptState, err)
	}
	return err
}
