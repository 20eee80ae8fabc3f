package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/nicktill/swingdoor/pkg/httpx"
	"github.com/nicktill/swingdoor/pkg/ingest"
	"github.com/nicktill/swingdoor/pkg/storage"
)

// errDeviceExists is returned by Register when the id is taken.
var errDeviceExists = errors.New("device already registered")

// Client talks to a swingdoor server.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the server at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Register creates d on the server.
func (c *Client) Register(ctx context.Context, d storage.Device) error {
	resp, err := c.do(ctx, http.MethodPost, "/v1/devices", d)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
		return nil
	case http.StatusConflict:
		return errDeviceExists
	default:
		return decodeError(resp)
	}
}

// Send posts samples for devid in batches the server accepts.
func (c *Client) Send(ctx context.Context, devid string, samples []Sample) (int, error) {
	sent := 0
	for start := 0; start < len(samples); start += ingest.MaxSamplesPerRequest {
		end := min(start+ingest.MaxSamplesPerRequest, len(samples))

		batch := make([]ingest.Sample, 0, end-start)
		for _, s := range samples[start:end] {
			batch = append(batch, ingest.Sample{Value: &s.Value, Timestamp: &s.Timestamp})
		}

		resp, err := c.do(ctx, http.MethodPost, "/v1/devices/"+url.PathEscape(devid)+"/samples", ingest.AppendRequest{Samples: batch})
		if err != nil {
			return sent, err
		}
		if resp.StatusCode != http.StatusOK {
			err := decodeError(resp)
			resp.Body.Close()
			return sent, err
		}

		var out ingest.AppendResponse
		err = json.NewDecoder(resp.Body).Decode(&out)
		resp.Body.Close()
		if err != nil {
			return sent, fmt.Errorf("decode append response: %w", err)
		}
		sent += out.Count
	}
	return sent, nil
}

// Series fetches the compressed series of devid.
func (c *Client) Series(ctx context.Context, devid string) (*ingest.SeriesResponse, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/devices/"+url.PathEscape(devid)+"/series", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}

	var out ingest.SeriesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode series: %w", err)
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

func decodeError(resp *http.Response) error {
	var e httpx.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Message == "" {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return fmt.Errorf("server returned %s: %s", resp.Status, e.Message)
}
