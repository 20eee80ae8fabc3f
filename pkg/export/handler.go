package export

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/nicktill/swingdoor/pkg/config"
	"github.com/nicktill/swingdoor/pkg/httpx"
	"github.com/nicktill/swingdoor/pkg/storage"
)

// Handler handles export/import HTTP endpoints
type Handler struct {
	exporter *Exporter
	importer *Importer
}

// NewHandler creates a new export/import handler
func NewHandler(store storage.Store, appendFn AppendFunc) *Handler {
	return &Handler{
		exporter: NewExporter(store),
		importer: NewImporter(store, appendFn),
	}
}

// HandleExport handles GET /v1/devices/{id}/export
// Query params:
//   - format: "json" or "csv" (default: json)
//   - start, end: RFC3339 timestamps (optional)
//   - compress: "zstd" (optional)
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	format := query.Get("format")
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "Invalid format. Must be 'json' or 'csv'")
		return
	}

	compression := query.Get("compress")
	if compression != CompressionNone && compression != CompressionZstd {
		httpx.RespondErrorString(w, http.StatusBadRequest, "Invalid compress. Must be 'zstd' or empty")
		return
	}

	start, err := parseTimeParam(query.Get("start"))
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	end, err := parseTimeParam(query.Get("end"))
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		httpx.RespondErrorString(w, http.StatusBadRequest, "start must not be after end")
		return
	}

	opts := ExportOptions{
		DeviceID: mux.Vars(r)["id"],
		Start:    start,
		End:      end,
		Format:   format,
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.ExportTimeout)
	defer cancel()

	// Load before writing headers so lookup errors keep their status code
	snap, err := h.exporter.load(ctx, opts)
	if err != nil {
		httpx.RespondSeriesError(w, err)
		return
	}

	contentType := "application/json"
	if format == "csv" {
		contentType = "text/csv"
	}
	filename := fmt.Sprintf("swingdoor-%s-%s.%s", snap.device.ID, time.Now().Format("20060102-150405"), format)

	var out io.Writer = w
	if compression == CompressionZstd {
		zw, err := NewZstdWriter(w)
		if err != nil {
			httpx.RespondError(w, http.StatusInternalServerError, err)
			return
		}
		defer zw.Close()
		out = zw
		contentType = "application/zstd"
		filename += ".zst"
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))

	var result *ExportResult
	if format == "json" {
		result, err = writeJSON(out, snap)
	} else {
		result, err = writeCSV(out, snap)
	}
	if err != nil {
		// Headers are gone, the client sees a truncated body
		log.Printf("Export of device %q failed: %v", opts.DeviceID, err)
		return
	}

	log.Printf("Exported %d points of device %q (%s)", result.PointsExported, result.DeviceID, format)
}

// HandleImport handles POST /v1/devices/{id}/import and POST /v1/import.
// The body is a JSON export, zstd-compressed when Content-Encoding is zstd.
func (h *Handler) HandleImport(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, config.MaxImportBodyBytes)

	var reader io.Reader = body
	if r.Header.Get("Content-Encoding") == CompressionZstd {
		zr, err := NewZstdReader(body)
		if err != nil {
			httpx.RespondError(w, http.StatusBadRequest, err)
			return
		}
		defer zr.Close()
		reader = zr
	}

	result, err := h.importer.ImportFromJSON(r.Context(), reader, mux.Vars(r)["id"])
	if err != nil {
		log.Printf("Import failed: %v", err)
		httpx.RespondSeriesError(w, err)
		return
	}

	if len(result.Errors) > 0 {
		log.Printf("Import completed with %d validation errors", len(result.Errors))
		for i, msg := range result.Errors {
			if i == 10 {
				log.Printf("   ... and %d more errors", len(result.Errors)-10)
				break
			}
			log.Printf("   - %s", msg)
		}
	}

	if result.Mode == ModeRestore {
		log.Printf("Restored %d points into device %q (%s)", result.PointsRestored, result.DeviceID, result.TimeRange)
	} else {
		log.Printf("Replayed %d samples into device %q (%s)", result.SamplesReplayed, result.DeviceID, result.TimeRange)
	}
	httpx.RespondJSON(w, http.StatusOK, result)
}

// parseTimeParam parses an optional RFC3339 or plain datetime parameter.
func parseTimeParam(param string) (time.Time, error) {
	if param == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, param); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02T15:04:05", param); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid time %q, expected RFC3339", param)
}
