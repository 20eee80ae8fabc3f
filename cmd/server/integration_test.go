package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/swingdoor/pkg/ingest"
	"github.com/nicktill/swingdoor/pkg/server"
	"github.com/nicktill/swingdoor/pkg/server/monitor"
	"github.com/nicktill/swingdoor/pkg/storage"
	"github.com/nicktill/swingdoor/pkg/storage/badger"
	"github.com/nicktill/swingdoor/pkg/storage/memory"
)

var t0 = time.Date(2025, 11, 19, 12, 0, 0, 0, time.UTC)

// setupRouter wires the full server around store and starts the hub.
func setupRouter(t *testing.T, store storage.Store) (*mux.Router, *ingest.PointsHub) {
	t.Helper()
	cfg := server.Config{Port: "8080"}
	storageMonitor := monitor.NewStorageMonitor("", 1<<30)
	ingestHandler, exportHandler, hub := server.InitializeHandlers(store, storageMonitor, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go server.RunHub(ctx, hub, &wg)
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	router := mux.NewRouter()
	server.SetupRoutes(router, ingestHandler, exportHandler, storageMonitor, server.NewGCMonitor(), hub, cfg.Port)
	return router, hub
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func register(t *testing.T, h http.Handler, devid string, deviation float64) {
	t.Helper()
	w := doJSON(t, h, "POST", "/v1/devices", map[string]interface{}{
		"devid":            devid,
		"sensor_deviation": deviation,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func seriesOf(t *testing.T, h http.Handler, devid string) ingest.SeriesResponse {
	t.Helper()
	w := doJSON(t, h, "GET", "/v1/devices/"+devid+"/series", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp ingest.SeriesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

// TestE2E_BatchIngestAndSeries ingests two devices in one batch and reads
// both compressed series back.
func TestE2E_BatchIngestAndSeries(t *testing.T) {
	store := memory.New()
	defer store.Close()
	router, _ := setupRouter(t, store)

	register(t, router, "flat", 10)
	register(t, router, "jumpy", 1)

	var samples []map[string]interface{}
	for i := 0; i < 10; i++ {
		ts := t0.Add(time.Duration(i) * time.Second)
		samples = append(samples,
			map[string]interface{}{"devid": "flat", "value": float64(i), "timestamp": ts},
			map[string]interface{}{"devid": "jumpy", "value": float64(i * 3), "timestamp": ts},
		)
	}

	w := doJSON(t, router, "POST", "/v1/ingest", map[string]interface{}{"samples": samples})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp ingest.IngestResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, 20, resp.Count)
	assert.Equal(t, 10, resp.Devices["flat"].Appended)

	// 0..9 stays inside a 10-wide envelope: one anchor, one frontier
	flat := seriesOf(t, router, "flat")
	require.Len(t, flat.Points, 2)
	assert.Equal(t, storage.RoleAnchor, flat.Points[0].Role)
	assert.Equal(t, storage.RoleFrontier, flat.Points[1].Role)
	assert.Equal(t, 9.0, flat.Points[1].Value)

	// Every step of 3 leaves a 1-wide envelope
	jumpy := seriesOf(t, router, "jumpy")
	assert.Greater(t, len(jumpy.Points), 2)
	for _, p := range jumpy.Points[:len(jumpy.Points)-2] {
		assert.Equal(t, storage.RoleCommitted, p.Role)
	}

	w = doJSON(t, router, "GET", "/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats storage.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, uint64(2), stats.TotalDevices)
	assert.Equal(t, uint64(len(flat.Points)+len(jumpy.Points)), stats.TotalPoints)
}

// TestE2E_PartialBatch reports per-device failures with 207.
func TestE2E_PartialBatch(t *testing.T) {
	store := memory.New()
	defer store.Close()
	router, _ := setupRouter(t, store)

	register(t, router, "known", 1)

	w := doJSON(t, router, "POST", "/v1/ingest", map[string]interface{}{
		"samples": []map[string]interface{}{
			{"devid": "known", "value": 1.0},
			{"devid": "unknown", "value": 1.0},
		},
	})
	require.Equal(t, http.StatusMultiStatus, w.Code, w.Body.String())

	var resp ingest.IngestResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "partial", resp.Status)
	assert.Equal(t, 1, resp.Devices["known"].Appended)
	assert.Equal(t, "not_found", resp.Devices["unknown"].Class)
}

// TestE2E_BadgerPersistence restarts the store between appends: the open
// segment must survive and keep compressing.
func TestE2E_BadgerPersistence(t *testing.T) {
	dir := t.TempDir()

	store, err := badger.New(badger.Config{Path: dir})
	require.NoError(t, err)
	router, _ := setupRouter(t, store)

	register(t, router, "boiler", 1)
	for i, v := range []float64{0, 0.5, 0.5, 5.0} {
		w := doJSON(t, router, "POST", "/v1/devices/boiler/samples", map[string]interface{}{
			"value":     v,
			"timestamp": t0.Add(time.Duration(i) * time.Second),
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}
	before := seriesOf(t, router, "boiler")
	require.Len(t, before.Points, 3)
	require.NoError(t, store.Close())

	store, err = badger.New(badger.Config{Path: dir})
	require.NoError(t, err)
	defer store.Close()
	router, _ = setupRouter(t, store)

	after := seriesOf(t, router, "boiler")
	require.Len(t, after.Points, 3)
	for i := range before.Points {
		assert.Equal(t, before.Points[i].ID, after.Points[i].ID)
		assert.Equal(t, before.Points[i].Role, after.Points[i].Role)
	}

	w := doJSON(t, router, "POST", "/v1/devices/boiler/samples", map[string]interface{}{
		"value":     5.2,
		"timestamp": t0.Add(10 * time.Second),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	after = seriesOf(t, router, "boiler")
	require.Len(t, after.Points, 4)
	assert.Equal(t, storage.RoleAnchor, after.Points[2].Role)
	assert.Equal(t, storage.RoleFrontier, after.Points[3].Role)
}

// TestE2E_WebSocketStream receives the point events of one device.
func TestE2E_WebSocketStream(t *testing.T) {
	store := memory.New()
	defer store.Close()
	router, hub := setupRouter(t, store)

	register(t, router, "watched", 1)
	register(t, router, "ignored", 1)

	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws?devid=watched"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, hub.HasClients, 2*time.Second, 5*time.Millisecond)

	doJSON(t, router, "POST", "/v1/devices/ignored/samples", map[string]interface{}{"value": 1.0})
	doJSON(t, router, "POST", "/v1/devices/watched/samples", map[string]interface{}{"value": 2.0})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event ingest.PointEvent
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, "watched", event.Point.DeviceID)
	assert.Equal(t, storage.RoleAnchor, event.Point.Role)
	assert.Equal(t, 2.0, event.Point.Value)
}

// TestE2E_InvalidRequests tests error handling
func TestE2E_InvalidRequests(t *testing.T) {
	store := memory.New()
	defer store.Close()
	router, _ := setupRouter(t, store)

	register(t, router, "dev", 1)

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
	}{
		{"wrong method for ingest", "GET", "/v1/ingest", "", http.StatusMethodNotAllowed},
		{"invalid JSON", "POST", "/v1/ingest", "{invalid json}", http.StatusBadRequest},
		{"empty batch", "POST", "/v1/ingest", `{"samples":[]}`, http.StatusBadRequest},
		{"missing value", "POST", "/v1/devices/dev/samples", `{"timestamp":"2025-11-19T12:00:00Z"}`, http.StatusBadRequest},
		{"non-positive deviation", "POST", "/v1/devices", `{"devid":"x","sensor_deviation":0}`, http.StatusBadRequest},
		{"duplicate device", "POST", "/v1/devices", `{"devid":"dev","sensor_deviation":1}`, http.StatusConflict},
		{"unknown device", "GET", "/v1/devices/ghost", "", http.StatusNotFound},
		{"unknown route", "GET", "/v1/query", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, bytes.NewBufferString(tt.body))
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
		})
	}
}
