package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/nicktill/swingdoor/pkg/series"
	"github.com/nicktill/swingdoor/pkg/storage"
)

// Import modes reported in ImportResult.Mode.
const (
	ModeRestore = "restore"
	ModeReplay  = "replay"
)

// AppendFunc appends one sample to a device's series.
type AppendFunc func(ctx context.Context, devid string, value float64, ts time.Time) (storage.Point, error)

// Importer loads JSON exports.
//
// Points that carry roles (every export does) are restored as the same
// chain: same values, roles and link bounds, in one transaction. Points
// without roles are raw samples and are fed through the compressor.
type Importer struct {
	store  storage.Store
	append AppendFunc
}

// NewImporter creates a new importer. appendFn must serialise appends per
// device the way the ingest path does.
func NewImporter(store storage.Store, appendFn AppendFunc) *Importer {
	return &Importer{store: store, append: appendFn}
}

// ImportResult contains stats about the import operation
type ImportResult struct {
	DeviceID        string    `json:"devid"`
	Mode            string    `json:"mode"`
	PointsRestored  int       `json:"points_restored,omitempty"`
	SamplesReplayed int       `json:"samples_replayed,omitempty"`
	Registered      bool      `json:"registered"`
	TimeRange       string    `json:"time_range"`
	ImportedAt      time.Time `json:"imported_at"`
	Errors          []string  `json:"errors,omitempty"`
}

// ImportFromJSON loads a JSON export into devid. An empty devid imports
// into the exported device. A missing target device is registered with
// the exported configuration.
func (im *Importer) ImportFromJSON(ctx context.Context, r io.Reader, devid string) (*ImportResult, error) {
	var data Data
	if err := json.NewDecoder(r).Decode(&data); err != nil {
		return nil, fmt.Errorf("%w: failed to decode JSON: %w", series.ErrInvalidArgument, err)
	}
	if data.Metadata.Version != "" && data.Metadata.Version != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported export version %q", series.ErrInvalidArgument, data.Metadata.Version)
	}

	if devid == "" {
		devid = data.Device.ID
	}
	if devid == "" {
		return nil, fmt.Errorf("%w: export names no device", series.ErrInvalidArgument)
	}

	withRoles := 0
	for _, p := range data.Points {
		if p.Role != "" {
			withRoles++
		}
	}
	switch {
	case withRoles == 0:
		return im.replay(ctx, &data, devid)
	case withRoles == len(data.Points):
		return im.restore(ctx, &data, devid)
	default:
		return nil, fmt.Errorf("%w: %d of %d points carry a role", series.ErrInvalidArgument, withRoles, len(data.Points))
	}
}

// restore rebuilds the exported chain under devid. The target must not
// have a series yet.
func (im *Importer) restore(ctx context.Context, data *Data, devid string) (*ImportResult, error) {
	if err := checkChain(data.Points); err != nil {
		return nil, err
	}

	result := &ImportResult{
		DeviceID:   devid,
		Mode:       ModeRestore,
		TimeRange:  timeRange(data.Points),
		ImportedAt: time.Now().UTC(),
	}

	err := im.store.Update(ctx, func(tx storage.Tx) error {
		registered := false
		if _, err := tx.LookupDevice(devid); err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			d := data.Device
			d.ID = devid
			if err := series.CheckDevice(d); err != nil {
				return err
			}
			if err := tx.PutDevice(d); err != nil {
				return err
			}
			registered = true
		}

		owned, err := tx.Owned(devid)
		if err != nil {
			return err
		}
		if owned != nil {
			return fmt.Errorf("device %q already has a series: %w", devid, storage.ErrAlreadyExists)
		}

		if err := rebuild(tx, devid, data.Points); err != nil {
			return err
		}
		result.Registered = registered
		return nil
	})
	if err != nil {
		return nil, err
	}

	result.PointsRestored = len(data.Points)
	return result, nil
}

// checkChain accepts committed points followed by an anchor and an
// optional frontier, each after the first carrying its inbound bounds.
// A time-filtered export that cut off the open segment is rejected.
func checkChain(entries []series.Entry) error {
	for i, e := range entries {
		if e.Timestamp.IsZero() {
			return fmt.Errorf("%w: point %d: timestamp cannot be zero", series.ErrInvalidArgument, i)
		}
		if math.IsNaN(e.Value) || math.IsInf(e.Value, 0) {
			return fmt.Errorf("%w: point %d: value %v is not finite", series.ErrInvalidArgument, i, e.Value)
		}
		if i > 0 && e.Bounds == nil {
			return fmt.Errorf("%w: point %d: missing link bounds", series.ErrInvalidArgument, i)
		}

		var prev storage.Role
		if i > 0 {
			prev = entries[i-1].Role
		}
		switch e.Role {
		case storage.RoleCommitted:
			if prev != "" && prev != storage.RoleCommitted {
				return fmt.Errorf("%w: point %d: committed point after %s", series.ErrInvalidArgument, i, prev)
			}
		case storage.RoleAnchor:
			if prev != "" && prev != storage.RoleCommitted {
				return fmt.Errorf("%w: point %d: anchor after %s", series.ErrInvalidArgument, i, prev)
			}
		case storage.RoleFrontier:
			if prev != storage.RoleAnchor {
				return fmt.Errorf("%w: point %d: frontier without anchor", series.ErrInvalidArgument, i)
			}
		default:
			return fmt.Errorf("%w: point %d: role %q cannot be imported", series.ErrInvalidArgument, i, e.Role)
		}
	}

	if n := len(entries); n > 0 && entries[n-1].Role == storage.RoleCommitted {
		return fmt.Errorf("%w: export ends before the open segment; export without an end time", series.ErrInvalidArgument)
	}
	return nil
}

// rebuild creates the chain with fresh ids. Links are set while every
// point is still pending since a committed point can't be linked to.
func rebuild(tx storage.Tx, devid string, entries []series.Entry) error {
	created := make([]storage.Point, len(entries))
	for i, e := range entries {
		p, err := tx.CreatePending(devid, e.Value, e.Timestamp.Round(0).UTC())
		if err != nil {
			return fmt.Errorf("point %d: %w", i, err)
		}
		created[i] = p
	}

	for i := 1; i < len(created); i++ {
		if err := tx.SetLink(created[i-1].ID, created[i].ID, *entries[i].Bounds); err != nil {
			return fmt.Errorf("link %d: %w", i, err)
		}
	}

	for i, e := range entries {
		// Pending can only become anchor or frontier
		path := []storage.Role{e.Role}
		if e.Role == storage.RoleCommitted {
			path = []storage.Role{storage.RoleAnchor, storage.RoleCommitted}
		}
		for _, role := range path {
			if err := tx.Relabel(created[i].ID, role); err != nil {
				return fmt.Errorf("point %d: %w", i, err)
			}
		}
	}

	if len(created) == 0 {
		return nil
	}
	return tx.SetOwnership(devid, created[len(created)-1].ID)
}

// replay feeds raw samples through the compressor in document order.
func (im *Importer) replay(ctx context.Context, data *Data, devid string) (*ImportResult, error) {
	result := &ImportResult{
		DeviceID:   devid,
		Mode:       ModeReplay,
		TimeRange:  "empty",
		ImportedAt: time.Now().UTC(),
	}

	if _, err := series.Lookup(ctx, im.store, devid); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		d := data.Device
		d.ID = devid
		if _, err := series.Register(ctx, im.store, d); err != nil {
			return nil, fmt.Errorf("failed to register device %q: %w", devid, err)
		}
		result.Registered = true
	}

	var replayed []series.Entry
	for i, p := range data.Points {
		if p.Timestamp.IsZero() {
			result.Errors = append(result.Errors, fmt.Sprintf("point %d: timestamp cannot be zero", i))
			continue
		}

		if _, err := im.append(ctx, devid, p.Value, p.Timestamp); err != nil {
			if errors.Is(err, series.ErrInvalidArgument) {
				result.Errors = append(result.Errors, fmt.Sprintf("point %d: %v", i, err))
				continue
			}
			return result, fmt.Errorf("failed to replay point %d: %w", i, err)
		}
		replayed = append(replayed, p)
	}

	result.SamplesReplayed = len(replayed)
	result.TimeRange = timeRange(replayed)
	return result, nil
}

func timeRange(entries []series.Entry) string {
	if len(entries) == 0 {
		return "empty"
	}
	minTime, maxTime := entries[0].Timestamp, entries[0].Timestamp
	for _, e := range entries[1:] {
		if e.Timestamp.Before(minTime) {
			minTime = e.Timestamp
		}
		if e.Timestamp.After(maxTime) {
			maxTime = e.Timestamp
		}
	}
	return fmt.Sprintf("%s to %s", minTime.Format(time.RFC3339), maxTime.Format(time.RFC3339))
}
