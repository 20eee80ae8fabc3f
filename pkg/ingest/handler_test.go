package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/swingdoor/pkg/series"
	"github.com/nicktill/swingdoor/pkg/storage"
	"github.com/nicktill/swingdoor/pkg/storage/memory"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRouter(t *testing.T, store storage.Store) (*Handler, *mux.Router) {
	t.Helper()
	_, err := series.Register(context.Background(), store, storage.Device{ID: "dev1", Alias: "boiler", Deviation: 1})
	require.NoError(t, err)

	h := NewHandler(series.New(store))
	h.retryDelay = time.Millisecond

	r := mux.NewRouter()
	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/devices", h.HandleRegisterDevice).Methods("POST")
	api.HandleFunc("/devices", h.HandleListDevices).Methods("GET")
	api.HandleFunc("/devices/{id}", h.HandleGetDevice).Methods("GET")
	api.HandleFunc("/devices/{id}/samples", h.HandleAppend).Methods("POST")
	api.HandleFunc("/devices/{id}/series", h.HandleSeries).Methods("GET")
	api.HandleFunc("/ingest", h.HandleIngest).Methods("POST")
	api.HandleFunc("/stats", h.HandleStats).Methods("GET")
	return h, r
}

func do(t *testing.T, r http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func value(v float64) *float64 {
	return &v
}

func stamp(i int) *time.Time {
	ts := base.Add(time.Duration(i) * time.Second)
	return &ts
}

func TestHandleRegisterDevice(t *testing.T) {
	_, r := newTestRouter(t, memory.New())

	rr := do(t, r, http.MethodPost, "/v1/devices", storage.Device{ID: "dev2", Alias: "pump", Deviation: 0.5})
	require.Equal(t, http.StatusCreated, rr.Code)
	var d storage.Device
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &d))
	assert.Equal(t, "dev2", d.ID)
	assert.Equal(t, 0.5, d.Deviation)

	// Duplicate id
	rr = do(t, r, http.MethodPost, "/v1/devices", storage.Device{ID: "dev2", Deviation: 2})
	assert.Equal(t, http.StatusConflict, rr.Code)

	// Generated id
	rr = do(t, r, http.MethodPost, "/v1/devices", storage.Device{Deviation: 3})
	require.Equal(t, http.StatusCreated, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &d))
	assert.Len(t, d.ID, 36)

	// Deviation must be positive
	rr = do(t, r, http.MethodPost, "/v1/devices", storage.Device{ID: "dev3"})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "invalid_argument", resp["class"])

	rr = do(t, r, http.MethodPost, "/v1/devices", "{not json")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, r, http.MethodPost, "/v1/devices", storage.Device{ID: strings.Repeat("x", MaxDeviceIDLength+1), Deviation: 1})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, r, http.MethodGet, "/v1/devices", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var list struct {
		Devices []storage.Device `json:"devices"`
		Count   int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	assert.Equal(t, 3, list.Count)
}

func TestHandleAppend_Transitions(t *testing.T) {
	_, r := newTestRouter(t, memory.New())

	req := AppendRequest{Samples: []Sample{
		{Value: value(0), Timestamp: stamp(0)},
		{Value: value(0.5), Timestamp: stamp(1)},
		{Value: value(0.5), Timestamp: stamp(2)},
		{Value: value(5.0), Timestamp: stamp(3)},
	}}
	rr := do(t, r, http.MethodPost, "/v1/devices/dev1/samples", req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp AppendResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, 4, resp.Count)
	want := []storage.Role{storage.RoleAnchor, storage.RoleFrontier, storage.RoleFrontier, storage.RoleAnchor}
	for i, p := range resp.Points {
		assert.Equal(t, want[i], p.Role, "point %d", i)
	}

	rr = do(t, r, http.MethodGet, "/v1/devices/dev1/series", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var s SeriesResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &s))
	require.Equal(t, 3, s.Count)
	assert.Equal(t, "boiler", s.Device.Alias)
	assert.Nil(t, s.Points[0].Bounds)
	require.NotNil(t, s.Points[2].Bounds)
	assert.InDelta(t, -0.5, s.Points[2].Bounds.Min, 1e-9)
	assert.InDelta(t, 1.0, s.Points[2].Bounds.Max, 1e-9)
	assert.Equal(t, storage.RoleCommitted, s.Points[1].Role)

	// Device view shows the active point
	rr = do(t, r, http.MethodGet, "/v1/devices/dev1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var dev DeviceResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &dev))
	require.NotNil(t, dev.Active)
	assert.Equal(t, 5.0, dev.Active.Value)
	assert.Equal(t, storage.RoleAnchor, dev.Active.Role)
}

func TestHandleAppend_SingleSampleWithoutTimestamp(t *testing.T) {
	_, r := newTestRouter(t, memory.New())

	rr := do(t, r, http.MethodPost, "/v1/devices/dev1/samples", `{"value": 21.5}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp AppendResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Points, 1)
	assert.Equal(t, storage.RoleAnchor, resp.Points[0].Role)
	assert.WithinDuration(t, time.Now(), resp.Points[0].Timestamp, time.Minute)
}

func TestHandleAppend_Errors(t *testing.T) {
	_, r := newTestRouter(t, memory.New())

	tests := []struct {
		name     string
		path     string
		body     interface{}
		status   int
		contains string
	}{
		{"unknown device", "/v1/devices/nope/samples", `{"value": 1}`, http.StatusNotFound, "not found"},
		{"no samples", "/v1/devices/dev1/samples", `{}`, http.StatusBadRequest, "no samples"},
		{"missing value", "/v1/devices/dev1/samples", `{"samples": [{"value": 1}, {}]}`, http.StatusBadRequest, "value is required"},
		{"bad json", "/v1/devices/dev1/samples", `{"value": "hot"}`, http.StatusBadRequest, "Invalid JSON"},
		{
			"too many samples", "/v1/devices/dev1/samples",
			AppendRequest{Samples: make([]Sample, MaxSamplesPerRequest+1)},
			http.StatusBadRequest, "too many samples",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, r, http.MethodPost, tt.path, tt.body)
			require.Equal(t, tt.status, rr.Code)
			var resp map[string]string
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			assert.Contains(t, resp["message"], tt.contains)
		})
	}
}

func TestHandleGetDevice_NotFound(t *testing.T) {
	_, r := newTestRouter(t, memory.New())
	rr := do(t, r, http.MethodGet, "/v1/devices/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, r, http.MethodGet, "/v1/devices/ghost/series", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandleIngest_MultiDevice(t *testing.T) {
	store := memory.New()
	_, r := newTestRouter(t, store)
	_, err := series.Register(context.Background(), store, storage.Device{ID: "dev2", Deviation: 10})
	require.NoError(t, err)

	req := IngestRequest{}
	for i := 0; i < 10; i++ {
		req.Samples = append(req.Samples,
			DeviceSample{DeviceID: "dev1", Value: value(float64(i * 3)), Timestamp: stamp(i)},
			DeviceSample{DeviceID: "dev2", Value: value(float64(i)), Timestamp: stamp(i)},
		)
	}

	rr := do(t, r, http.MethodPost, "/v1/ingest", req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp IngestResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, 20, resp.Count)
	assert.Equal(t, 10, resp.Devices["dev1"].Appended)
	assert.Equal(t, 10, resp.Devices["dev2"].Appended)

	// dev2 stays inside its envelope: anchor and a single frontier
	points, err := series.Reconstruct(context.Background(), store, "dev2")
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, 9.0, points[1].Value)

	// dev1 jumps by 3 each step, so every sample closes a segment
	points, err = series.Reconstruct(context.Background(), store, "dev1")
	require.NoError(t, err)
	for i := 1; i < len(points); i++ {
		assert.True(t, points[i].Timestamp.After(points[i-1].Timestamp), "chain must keep insertion order")
	}
}

func TestHandleIngest_Partial(t *testing.T) {
	_, r := newTestRouter(t, memory.New())

	req := IngestRequest{Samples: []DeviceSample{
		{DeviceID: "dev1", Value: value(1)},
		{DeviceID: "ghost", Value: value(2)},
	}}
	rr := do(t, r, http.MethodPost, "/v1/ingest", req)
	require.Equal(t, http.StatusMultiStatus, rr.Code)

	var resp IngestResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "partial", resp.Status)
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, "not_found", resp.Devices["ghost"].Class)
	assert.Empty(t, resp.Devices["dev1"].Error)
}

func TestHandleIngest_Invalid(t *testing.T) {
	_, r := newTestRouter(t, memory.New())

	rr := do(t, r, http.MethodPost, "/v1/ingest", IngestRequest{Samples: []DeviceSample{{Value: value(1)}}})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Contains(t, resp["message"], "devid cannot be empty")
}

type fullDisk struct{}

func (fullDisk) GetUsage() (int64, error) { return 2048, nil }
func (fullDisk) GetLimit() int64          { return 1024 }

func TestHandleAppend_StorageLimit(t *testing.T) {
	h, r := newTestRouter(t, memory.New())
	h.SetStorageChecker(fullDisk{})

	rr := do(t, r, http.MethodPost, "/v1/devices/dev1/samples", `{"value": 1}`)
	require.Equal(t, http.StatusInsufficientStorage, rr.Code)

	rr = do(t, r, http.MethodPost, "/v1/ingest", IngestRequest{Samples: []DeviceSample{{DeviceID: "dev1", Value: value(1)}}})
	require.Equal(t, http.StatusInsufficientStorage, rr.Code)
}

func TestHandleStats(t *testing.T) {
	_, r := newTestRouter(t, memory.New())
	do(t, r, http.MethodPost, "/v1/devices/dev1/samples", `{"samples": [{"value": 1}, {"value": 1.2}]}`)

	rr := do(t, r, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var stats storage.Stats
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	assert.Equal(t, uint64(1), stats.TotalDevices)
	assert.Equal(t, uint64(2), stats.TotalPoints)
}

// conflictingStore fails the first n updates with ErrConflict.
type conflictingStore struct {
	storage.Store
	remaining atomic.Int32
}

func (s *conflictingStore) Update(ctx context.Context, fn func(storage.Tx) error) error {
	if s.remaining.Add(-1) >= 0 {
		return storage.ErrConflict
	}
	return s.Store.Update(ctx, fn)
}

func TestAppendSample_RetriesConflicts(t *testing.T) {
	inner := memory.New()
	_, err := series.Register(context.Background(), inner, storage.Device{ID: "dev1", Deviation: 1})
	require.NoError(t, err)

	store := &conflictingStore{Store: inner}
	store.remaining.Store(2)

	h := NewHandler(series.New(store))
	h.retryDelay = time.Millisecond

	p, err := h.appendSample(context.Background(), "dev1", 3, stamp(0))
	require.NoError(t, err)
	assert.Equal(t, storage.RoleAnchor, p.Role)

	// More conflicts than retries
	store.remaining.Store(int32(h.retries + 1))
	_, err = h.appendSample(context.Background(), "dev1", 4, stamp(1))
	require.ErrorIs(t, err, storage.ErrConflict)
	assert.Contains(t, err.Error(), "giving up")
}
