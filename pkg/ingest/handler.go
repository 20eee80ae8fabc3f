package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/nicktill/swingdoor/pkg/config"
	"github.com/nicktill/swingdoor/pkg/httpx"
	"github.com/nicktill/swingdoor/pkg/series"
	"github.com/nicktill/swingdoor/pkg/storage"
)

// StorageChecker reports disk usage against the configured limit.
type StorageChecker interface {
	GetUsage() (int64, error)
	GetLimit() int64
}

// Handler serves device registration, sample ingestion and series reads.
type Handler struct {
	appender       *series.Appender
	store          storage.Store
	locks          *deviceLocks
	retries        int
	retryDelay     time.Duration
	storageChecker StorageChecker
}

// NewHandler creates a new ingest handler around appender.
func NewHandler(appender *series.Appender) *Handler {
	return &Handler{
		appender:   appender,
		store:      appender.Store(),
		locks:      newDeviceLocks(config.IngestLockStripes),
		retries:    config.IngestConflictRetries,
		retryDelay: config.IngestRetryBaseDelay,
	}
}

// SetStorageChecker enables rejecting writes once the data directory is full.
func (h *Handler) SetStorageChecker(checker StorageChecker) {
	h.storageChecker = checker
}

// Sample is one value for a device given by the URL.
// A missing timestamp means "now".
type Sample struct {
	Value     *float64   `json:"value"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// DeviceSample is a sample inside a multi-device ingest batch.
type DeviceSample struct {
	DeviceID  string     `json:"devid"`
	Value     *float64   `json:"value"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// AppendRequest is the body of POST /v1/devices/{id}/samples. It holds
// either a single sample inline or a list under "samples".
type AppendRequest struct {
	Sample
	Samples []Sample `json:"samples,omitempty"`
}

// AppendResponse reports the stored points in request order.
type AppendResponse struct {
	Status string          `json:"status"`
	Count  int             `json:"count"`
	Points []storage.Point `json:"points"`
}

// IngestRequest is the body of POST /v1/ingest.
type IngestRequest struct {
	Samples []DeviceSample `json:"samples"`
}

// DeviceResult is the outcome of the samples of one device in a batch.
type DeviceResult struct {
	Appended int    `json:"appended"`
	Error    string `json:"error,omitempty"`
	Class    string `json:"class,omitempty"`
}

// IngestResponse represents the response payload of POST /v1/ingest.
type IngestResponse struct {
	Status  string                  `json:"status"`
	Count   int                     `json:"count"`
	Devices map[string]DeviceResult `json:"devices"`
}

// DeviceResponse is a device with its newest point.
type DeviceResponse struct {
	storage.Device
	Active *storage.Point `json:"active,omitempty"`
}

// SeriesResponse is the reconstructed series of one device.
type SeriesResponse struct {
	DeviceID string         `json:"devid"`
	Device   storage.Device `json:"device"`
	Count    int            `json:"count"`
	Points   []series.Entry `json:"points"`
}

// HandleRegisterDevice handles POST /v1/devices.
func (h *Handler) HandleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, config.IngestMaxBodyBytes)

	var d storage.Device
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}
	if err := ValidateDevice(d); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid device: %w", err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.IngestTimeout)
	defer cancel()

	registered, err := series.Register(ctx, h.store, d)
	if err != nil {
		httpx.RespondSeriesError(w, err)
		return
	}

	log.Printf("Registered device %q (deviation %v)", registered.ID, registered.Deviation)
	httpx.RespondJSON(w, http.StatusCreated, registered)
}

// HandleListDevices handles GET /v1/devices.
func (h *Handler) HandleListDevices(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.IngestTimeout)
	defer cancel()

	devices, err := series.Devices(ctx, h.store)
	if err != nil {
		httpx.RespondSeriesError(w, err)
		return
	}
	if devices == nil {
		devices = []storage.Device{}
	}

	httpx.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"devices": devices,
		"count":   len(devices),
	})
}

// HandleGetDevice handles GET /v1/devices/{id}.
func (h *Handler) HandleGetDevice(w http.ResponseWriter, r *http.Request) {
	devid := mux.Vars(r)["id"]
	if err := ValidateDeviceID(devid); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.IngestTimeout)
	defer cancel()

	var resp DeviceResponse
	err := h.store.View(ctx, func(tx storage.Tx) error {
		d, err := tx.LookupDevice(devid)
		if err != nil {
			return err
		}
		resp.Device = d
		resp.Active, err = tx.Owned(devid)
		return err
	})
	if err != nil {
		httpx.RespondSeriesError(w, err)
		return
	}

	httpx.RespondJSON(w, http.StatusOK, resp)
}

// HandleAppend handles POST /v1/devices/{id}/samples.
// Samples are appended in order; on failure the earlier ones stay stored.
func (h *Handler) HandleAppend(w http.ResponseWriter, r *http.Request) {
	devid := mux.Vars(r)["id"]
	if err := ValidateDeviceID(devid); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	if !h.checkStorage(w) {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, config.IngestMaxBodyBytes)

	var req AppendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}
	samples := req.Samples
	if len(samples) == 0 && req.Value != nil {
		samples = []Sample{req.Sample}
	}
	if err := ValidateSamples(samples); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid samples: %w", err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.IngestTimeout)
	defer cancel()

	points := make([]storage.Point, 0, len(samples))
	for i, s := range samples {
		p, err := h.appendSample(ctx, devid, *s.Value, s.Timestamp)
		if err != nil {
			httpx.RespondSeriesError(w, fmt.Errorf("sample %d of %d: %w", i+1, len(samples), err))
			return
		}
		points = append(points, p)
	}

	httpx.RespondJSON(w, http.StatusOK, AppendResponse{
		Status: "success",
		Count:  len(points),
		Points: points,
	})
}

// HandleIngest handles POST /v1/ingest. Samples are grouped by device and
// the groups appended in parallel; within a device request order is kept.
func (h *Handler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	if !h.checkStorage(w) {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, config.IngestMaxBodyBytes)

	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}
	if err := ValidateDeviceSamples(req.Samples); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid samples: %w", err))
		return
	}

	// Group by device keeping first-seen order
	var order []string
	groups := make(map[string][]DeviceSample)
	for _, s := range req.Samples {
		if _, ok := groups[s.DeviceID]; !ok {
			order = append(order, s.DeviceID)
		}
		groups[s.DeviceID] = append(groups[s.DeviceID], s)
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.IngestTimeout)
	defer cancel()

	results := make([]DeviceResult, len(order))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(MaxIngestWorkers)
	for i, devid := range order {
		g.Go(func() error {
			for _, s := range groups[devid] {
				if err := gctx.Err(); err != nil {
					return err
				}
				if _, err := h.appendSample(gctx, devid, *s.Value, s.Timestamp); err != nil {
					results[i].Error = err.Error()
					results[i].Class = series.ErrorClass(err)
					return nil
				}
				results[i].Appended++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		httpx.RespondSeriesError(w, fmt.Errorf("ingest interrupted: %w", err))
		return
	}

	resp := IngestResponse{
		Status:  "success",
		Devices: make(map[string]DeviceResult, len(order)),
	}
	status := http.StatusOK
	for i, devid := range order {
		resp.Devices[devid] = results[i]
		resp.Count += results[i].Appended
		if results[i].Error != "" {
			resp.Status = "partial"
			status = http.StatusMultiStatus
		}
	}

	httpx.RespondJSON(w, status, resp)
}

// HandleSeries handles GET /v1/devices/{id}/series.
func (h *Handler) HandleSeries(w http.ResponseWriter, r *http.Request) {
	devid := mux.Vars(r)["id"]
	if err := ValidateDeviceID(devid); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.IngestSeriesTimeout)
	defer cancel()

	dev, err := series.Lookup(ctx, h.store, devid)
	if err != nil {
		httpx.RespondSeriesError(w, err)
		return
	}
	entries, err := series.ReconstructEntries(ctx, h.store, devid)
	if err != nil {
		httpx.RespondSeriesError(w, err)
		return
	}

	httpx.RespondJSON(w, http.StatusOK, SeriesResponse{
		DeviceID: devid,
		Device:   dev,
		Count:    len(entries),
		Points:   entries,
	})
}

// HandleStats handles GET /v1/stats.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.IngestStatsTimeout)
	defer cancel()

	stats, err := h.store.Stats(ctx)
	if err != nil {
		httpx.RespondSeriesError(w, fmt.Errorf("failed to get stats: %w", err))
		return
	}

	httpx.RespondJSON(w, http.StatusOK, stats)
}

// Append appends one sample the way the HTTP handlers do: serialised per
// device and retried on conflict. It matches export.AppendFunc.
func (h *Handler) Append(ctx context.Context, devid string, value float64, ts time.Time) (storage.Point, error) {
	return h.appendSample(ctx, devid, value, &ts)
}

// appendSample appends one sample under the device lock, retrying the whole
// append with exponential backoff when the transaction lost a race.
func (h *Handler) appendSample(ctx context.Context, devid string, value float64, ts *time.Time) (storage.Point, error) {
	unlock := h.locks.lock(devid)
	defer unlock()

	var lastErr error
	for attempt := 0; attempt <= h.retries; attempt++ {
		if attempt > 0 {
			delay := h.retryDelay * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return storage.Point{}, ctx.Err()
			}
		}

		var (
			p   storage.Point
			err error
		)
		if ts == nil {
			p, err = h.appender.AppendNow(ctx, devid, value)
		} else {
			p, err = h.appender.Append(ctx, devid, value, *ts)
		}
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return storage.Point{}, err
		}

		lastErr = err
		log.Printf("Append conflict for device %q (attempt %d/%d): %v", devid, attempt+1, h.retries+1, err)
	}
	return storage.Point{}, fmt.Errorf("giving up after %d attempts: %w", h.retries+1, lastErr)
}

// checkStorage rejects the request when the storage limit is reached.
func (h *Handler) checkStorage(w http.ResponseWriter) bool {
	if h.storageChecker == nil {
		return true
	}
	used, err := h.storageChecker.GetUsage()
	if err != nil {
		log.Printf("Failed to check storage usage: %v", err)
		return true
	}
	if limit := h.storageChecker.GetLimit(); limit > 0 && used >= limit {
		httpx.RespondErrorString(w, http.StatusInsufficientStorage,
			fmt.Sprintf("storage limit reached: %d of %d bytes used", used, limit))
		return false
	}
	return true
}
