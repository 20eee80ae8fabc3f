// Package export provides backup and restore of compressed device series.
//
// # Overview
//
// An export is the reconstructed chain of one device: every committed
// point followed by the open anchor and frontier, each with the bounds of
// the link that reaches it. Useful for:
//   - Moving a device's history between servers
//   - Analysing the compressed series in external tools
//   - Archiving before resetting a data directory
//
// # Supported Formats
//
// JSON Format:
//   - Device configuration, points, link bounds and export metadata
//   - Can be re-imported
//
// CSV Format:
//   - One row per point: timestamp, value, role, id, vmin, vmax
//   - Export-only
//
// Either format can be zstd-compressed with compress=zstd.
//
// # HTTP API
//
// Export endpoint: GET /v1/devices/{id}/export
// Query parameters:
//   - format: "json" or "csv" (default: json)
//   - start, end: RFC3339 bounds on point timestamps (optional)
//   - compress: "zstd" (optional)
//
// Example:
//
//	curl "http://localhost:8080/v1/devices/123/export?compress=zstd" -o 123.json.zst
//
// Import endpoints: POST /v1/devices/{id}/import, POST /v1/import
//
// The body is a JSON export; send Content-Encoding: zstd for a compressed
// one. The exported chain is restored as is: values, timestamps, roles and
// link bounds, with new point ids. The target device must not have a
// series yet, and an export cut off by an end time is rejected because it
// lacks the open segment. A point list without roles is treated as raw
// samples and replayed through the compressor. A missing target device is
// registered with the exported configuration.
//
//	curl -X POST "http://localhost:8080/v1/devices/123-copy/import" \
//	  -H "Content-Encoding: zstd" --data-binary @123.json.zst
//
// # Programmatic Usage
//
//	exporter := export.NewExporter(store)
//	result, err := exporter.ExportToJSON(ctx, file, export.ExportOptions{DeviceID: "123"})
package export
