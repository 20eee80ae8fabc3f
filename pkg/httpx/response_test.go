package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/swingdoor/pkg/series"
	"github.com/nicktill/swingdoor/pkg/storage"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("value: %w", series.ErrInvalidArgument), http.StatusBadRequest},
		{fmt.Errorf("device %q: %w", "x", storage.ErrNotFound), http.StatusNotFound},
		{storage.ErrAlreadyExists, http.StatusConflict},
		{storage.ErrConflict, http.StatusConflict},
		{storage.IOError("commit", errors.New("disk gone")), http.StatusServiceUnavailable},
		{fmt.Errorf("%w: two anchors", series.ErrCorruptState), http.StatusInternalServerError},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("mystery"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), "error %v", tt.err)
	}
}

func TestRespondSeriesError(t *testing.T) {
	rr := httptest.NewRecorder()
	RespondSeriesError(rr, fmt.Errorf("device %q: %w", "42", storage.ErrNotFound))

	require.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "Not Found", resp.Error)
	assert.Equal(t, "not_found", resp.Class)
	assert.Contains(t, resp.Message, `"42"`)
}

func TestRespondErrorString(t *testing.T) {
	rr := httptest.NewRecorder()
	RespondErrorString(rr, http.StatusBadRequest, "bad body")

	require.Equal(t, http.StatusBadRequest, rr.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "bad body", resp["message"])
	_, hasClass := resp["class"]
	assert.False(t, hasClass)
}
