package series

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nicktill/swingdoor/pkg/storage"
)

// Reconstruct returns the device's compressed series, oldest first: every
// committed point followed by the current anchor and frontier.
//
// The chain is rebuilt from the persisted links on every call, so the
// result always reflects the store at read time.
func Reconstruct(ctx context.Context, store storage.Store, devid string) ([]storage.Point, error) {
	entries, err := ReconstructEntries(ctx, store, devid)
	if err != nil {
		return nil, err
	}
	return pointsOf(entries), nil
}

// Entry is a reconstructed point together with the bounds of the link that
// reaches it. Bounds is nil for the first point of the chain.
type Entry struct {
	storage.Point
	Bounds *storage.Bounds `json:"bounds,omitempty"`
}

// ReconstructEntries is Reconstruct keeping the link bounds.
func ReconstructEntries(ctx context.Context, store storage.Store, devid string) ([]Entry, error) {
	var entries []Entry
	err := store.View(ctx, func(tx storage.Tx) error {
		if _, err := tx.LookupDevice(devid); err != nil {
			return err
		}
		var err error
		entries, err = walkChain(tx, devid)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func pointsOf(entries []Entry) []storage.Point {
	points := make([]storage.Point, len(entries))
	for i, e := range entries {
		points[i] = e.Point
	}
	return points
}

// walkChain orders a device's points by following links from the unique
// point that nothing links to.
func walkChain(tx storage.Tx, devid string) ([]Entry, error) {
	all, err := tx.ListPoints(devid)
	if err != nil {
		return nil, fmt.Errorf("failed to list points: %w", err)
	}
	if len(all) == 0 {
		return []Entry{}, nil
	}

	byID := make(map[uuid.UUID]storage.Point, len(all))
	for _, p := range all {
		byID[p.ID] = p
	}

	next := make(map[uuid.UUID]storage.Link, len(all))
	linked := make(map[uuid.UUID]bool, len(all))
	for _, p := range all {
		l, err := tx.GetLink(p.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to read link of %s: %w", p.ID, err)
		}
		if l == nil {
			continue
		}
		if _, ok := byID[l.To]; !ok {
			return nil, fmt.Errorf("%w: link %s -> %s leaves device %q", ErrCorruptState, l.From, l.To, devid)
		}
		next[p.ID] = *l
		linked[l.To] = true
	}

	var heads []uuid.UUID
	for _, p := range all {
		if !linked[p.ID] {
			heads = append(heads, p.ID)
		}
	}
	if len(heads) != 1 {
		return nil, fmt.Errorf("%w: device %q has %d chain heads", ErrCorruptState, devid, len(heads))
	}

	chain := make([]Entry, 0, len(all))
	seen := make(map[uuid.UUID]bool, len(all))
	var inbound *storage.Bounds
	for id := heads[0]; ; {
		if seen[id] {
			return nil, fmt.Errorf("%w: cycle at point %s", ErrCorruptState, id)
		}
		seen[id] = true
		chain = append(chain, Entry{Point: byID[id], Bounds: inbound})

		l, ok := next[id]
		if !ok {
			break
		}
		b := l.Bounds
		inbound = &b
		id = l.To
	}
	if len(chain) != len(all) {
		return nil, fmt.Errorf("%w: %d of %d points of device %q are unreachable",
			ErrCorruptState, len(all)-len(chain), len(all), devid)
	}
	return chain, nil
}

// TimeSeries is a cached view of one device's compressed series.
// It is not safe for concurrent use.
type TimeSeries struct {
	appender *Appender
	devid    string
	device   storage.Device
	points   []storage.Point
}

// Open loads the series of devid.
func Open(ctx context.Context, appender *Appender, devid string) (*TimeSeries, error) {
	ts := &TimeSeries{appender: appender, devid: devid}
	if err := ts.Refresh(ctx); err != nil {
		return nil, err
	}
	return ts, nil
}

// Device returns the device configuration read at the last refresh.
func (ts *TimeSeries) Device() storage.Device {
	return ts.device
}

// Len returns the number of cached points.
func (ts *TimeSeries) Len() int {
	return len(ts.points)
}

// At returns the i-th cached point, oldest first.
func (ts *TimeSeries) At(i int) storage.Point {
	return ts.points[i]
}

// Points returns a copy of the cached points.
func (ts *TimeSeries) Points() []storage.Point {
	out := make([]storage.Point, len(ts.points))
	copy(out, ts.points)
	return out
}

// Refresh reloads the device and its chain from the store.
func (ts *TimeSeries) Refresh(ctx context.Context) error {
	var (
		dev     storage.Device
		entries []Entry
	)
	err := ts.appender.Store().View(ctx, func(tx storage.Tx) error {
		var err error
		if dev, err = tx.LookupDevice(ts.devid); err != nil {
			return err
		}
		entries, err = walkChain(tx, ts.devid)
		return err
	})
	if err != nil {
		return err
	}
	ts.device = dev
	ts.points = pointsOf(entries)
	return nil
}

// Append appends a sample and refreshes the view.
func (ts *TimeSeries) Append(ctx context.Context, value float64, at time.Time) (storage.Point, error) {
	p, err := ts.appender.Append(ctx, ts.devid, value, at)
	if err != nil {
		return storage.Point{}, err
	}
	if err := ts.Refresh(ctx); err != nil {
		return p, fmt.Errorf("appended but failed to refresh: %w", err)
	}
	return p, nil
}

// AppendNoRefresh appends a sample and adds the returned point to the cache
// without reading the store back. Roles of earlier cached points may be
// stale until the next Refresh.
func (ts *TimeSeries) AppendNoRefresh(ctx context.Context, value float64, at time.Time) (storage.Point, error) {
	p, err := ts.appender.Append(ctx, ts.devid, value, at)
	if err != nil {
		return storage.Point{}, err
	}
	ts.points = append(ts.points, p)
	return p, nil
}
