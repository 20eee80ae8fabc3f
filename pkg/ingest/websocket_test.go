package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/swingdoor/pkg/series"
	"github.com/nicktill/swingdoor/pkg/storage"
	"github.com/nicktill/swingdoor/pkg/storage/memory"
)

func TestPointsHub_StreamsAppends(t *testing.T) {
	store := memory.New()
	for _, id := range []string{"dev1", "dev2"} {
		_, err := series.Register(context.Background(), store, storage.Device{ID: id, Deviation: 1})
		require.NoError(t, err)
	}

	hub := NewPointsHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	app := series.New(store, series.WithObserver(hub.Publish))
	h := NewHandler(app)

	srv := httptest.NewServer(h.HandleWebSocket(hub))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?devid=dev1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, hub.HasClients, time.Second, 5*time.Millisecond)

	// Filtered out
	_, err = app.Append(context.Background(), "dev2", 7, base)
	require.NoError(t, err)

	p, err := app.Append(context.Background(), "dev1", 3, base)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var event PointEvent
	require.NoError(t, json.Unmarshal(data, &event))
	assert.Equal(t, "point", event.Type)
	assert.Equal(t, series.TransitionOpen, event.Transition)
	assert.Equal(t, p.ID, event.Point.ID)
	assert.Equal(t, "dev1", event.Point.DeviceID)
	assert.Equal(t, storage.RoleAnchor, event.Point.Role)
}

func TestPointsHub_PublishWithoutClients(t *testing.T) {
	hub := NewPointsHub()
	hub.Publish(storage.Point{DeviceID: "dev1"}, series.TransitionOpen)
	assert.Len(t, hub.broadcast, 0)
}

func TestHandleWebSocket_InvalidDevice(t *testing.T) {
	hub := NewPointsHub()
	h := NewHandler(series.New(memory.New()))

	req := httptest.NewRequest("GET", "/v1/ws?devid="+strings.Repeat("x", MaxDeviceIDLength+1), nil)
	rr := httptest.NewRecorder()
	h.HandleWebSocket(hub)(rr, req)
	assert.Equal(t, 400, rr.Code)
}

func TestHandleWebSocket_AfterHubStopped(t *testing.T) {
	hub := NewPointsHub()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	h := NewHandler(series.New(memory.New()))
	returned := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(returned)
		h.HandleWebSocket(hub)(w, r)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Handler still running after the hub stopped")
	}

	// The server side closed the connection rather than leaving it open
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		assert.False(t, netErr.Timeout(), "connection was left open")
	}
	assert.False(t, hub.HasClients())
}

func TestHandleWebSocket_DisconnectAfterHubStopped(t *testing.T) {
	hub := NewPointsHub()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	h := NewHandler(series.New(memory.New()))
	returned := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(returned)
		h.HandleWebSocket(hub)(w, r)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	require.Eventually(t, hub.HasClients, time.Second, 5*time.Millisecond)

	// Nothing drains unregister any more
	cancel()
	<-stopped
	for full := false; !full; {
		select {
		case hub.unregister <- nil:
		default:
			full = true
		}
	}
	conn.Close()

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Handler blocked unregistering from a stopped hub")
	}
}
