package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/nicktill/swingdoor/pkg/series"
	"github.com/nicktill/swingdoor/pkg/storage"
)

// FormatVersion is written into every JSON export.
const FormatVersion = "1.0"

// Exporter writes reconstructed device series to various formats
type Exporter struct {
	store storage.Store
}

// NewExporter creates a new exporter
func NewExporter(store storage.Store) *Exporter {
	return &Exporter{store: store}
}

// ExportOptions configures the export operation
type ExportOptions struct {
	DeviceID string

	// Optional time range; a zero bound is open
	Start time.Time
	End   time.Time

	// Format: "json" or "csv"
	Format string
}

// ExportResult contains stats about the export
type ExportResult struct {
	DeviceID       string    `json:"devid"`
	PointsExported int       `json:"points_exported"`
	Format         string    `json:"format"`
	ExportedAt     time.Time `json:"exported_at"`
}

// Metadata describes a JSON export.
type Metadata struct {
	ExportedAt time.Time `json:"exported_at"`
	DeviceID   string    `json:"devid"`
	StartTime  time.Time `json:"start_time,omitempty"`
	EndTime    time.Time `json:"end_time,omitempty"`
	PointCount int       `json:"point_count"`
	Format     string    `json:"format"`
	Version    string    `json:"version"`
}

// Data is the document produced by ExportToJSON and read by the importer.
type Data struct {
	Metadata Metadata       `json:"metadata"`
	Device   storage.Device `json:"device"`
	Points   []series.Entry `json:"points"`
}

// snapshot is a device and its filtered chain read in one go.
type snapshot struct {
	device  storage.Device
	entries []series.Entry
	opts    ExportOptions
}

// ExportToJSON exports the device's compressed series as JSON.
func (e *Exporter) ExportToJSON(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	snap, err := e.load(ctx, opts)
	if err != nil {
		return nil, err
	}
	return writeJSON(w, snap)
}

func writeJSON(w io.Writer, snap *snapshot) (*ExportResult, error) {
	device, entries, opts := snap.device, snap.entries, snap.opts
	data := Data{
		Metadata: Metadata{
			ExportedAt: time.Now().UTC(),
			DeviceID:   device.ID,
			StartTime:  opts.Start,
			EndTime:    opts.End,
			PointCount: len(entries),
			Format:     "json",
			Version:    FormatVersion,
		},
		Device: device,
		Points: entries,
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return nil, fmt.Errorf("failed to encode JSON: %w", err)
	}

	return &ExportResult{
		DeviceID:       device.ID,
		PointsExported: len(entries),
		Format:         "json",
		ExportedAt:     data.Metadata.ExportedAt,
	}, nil
}

// csvHeader lists the CSV columns. vmin/vmax are the bounds of the link
// reaching the point and are empty for the first point.
var csvHeader = []string{"timestamp", "value", "role", "id", "vmin", "vmax"}

// ExportToCSV exports the device's compressed series as CSV. CSV exports
// cannot be imported.
func (e *Exporter) ExportToCSV(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	snap, err := e.load(ctx, opts)
	if err != nil {
		return nil, err
	}
	return writeCSV(w, snap)
}

func writeCSV(w io.Writer, snap *snapshot) (*ExportResult, error) {
	device, entries := snap.device, snap.entries
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, entry := range entries {
		row := []string{
			entry.Timestamp.Format(time.RFC3339Nano),
			strconv.FormatFloat(entry.Value, 'f', -1, 64),
			string(entry.Role),
			entry.ID.String(),
			"",
			"",
		}
		if entry.Bounds != nil {
			row[4] = strconv.FormatFloat(entry.Bounds.Min, 'f', -1, 64)
			row[5] = strconv.FormatFloat(entry.Bounds.Max, 'f', -1, 64)
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush CSV: %w", err)
	}

	return &ExportResult{
		DeviceID:       device.ID,
		PointsExported: len(entries),
		Format:         "csv",
		ExportedAt:     time.Now().UTC(),
	}, nil
}

// load reconstructs the chain and keeps the points inside the time range.
func (e *Exporter) load(ctx context.Context, opts ExportOptions) (*snapshot, error) {
	device, err := series.Lookup(ctx, e.store, opts.DeviceID)
	if err != nil {
		return nil, err
	}

	entries, err := series.ReconstructEntries(ctx, e.store, opts.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to reconstruct series: %w", err)
	}

	filtered := entries[:0]
	for _, entry := range entries {
		if !opts.Start.IsZero() && entry.Timestamp.Before(opts.Start) {
			continue
		}
		if !opts.End.IsZero() && entry.Timestamp.After(opts.End) {
			continue
		}
		filtered = append(filtered, entry)
	}
	return &snapshot{device: device, entries: filtered, opts: opts}, nil
}
