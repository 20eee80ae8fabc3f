// Command example feeds a sine wave into a running swingdoor server and
// reports how far it was compressed.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nicktill/swingdoor/pkg/storage"
)

func main() {
	baseURL := getEnv("SWINGDOOR_URL", "http://localhost:8080")
	devid := getEnv("EXAMPLE_DEVICE", "123")
	count := getEnvInt("EXAMPLE_SAMPLES", 1000)

	wave := Wave{
		Amplitude: getEnvFloat("EXAMPLE_AMPLITUDE", 1),
		Period:    getEnvInt("EXAMPLE_PERIOD", 100),
		Interval:  time.Second,
		Start:     time.Now().UTC(),
	}
	device := storage.Device{
		ID:         devid,
		Alias:      "DummySensor",
		SensorType: "dummy",
		Deviation:  getEnvFloat("EXAMPLE_DEVIATION", 1),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := NewClient(baseURL)
	if err := run(ctx, client, device, wave, count); err != nil {
		log.Fatalf("Example failed: %v", err)
	}
}

func run(ctx context.Context, client *Client, device storage.Device, wave Wave, count int) error {
	err := client.Register(ctx, device)
	switch {
	case errors.Is(err, errDeviceExists):
		log.Printf("Device %q already registered, appending to its series", device.ID)
	case err != nil:
		return err
	default:
		log.Printf("Registered device %q (deviation %v)", device.ID, device.Deviation)
	}

	samples := wave.Generate(count)
	start := time.Now()
	sent, err := client.Send(ctx, device.ID, samples)
	if err != nil {
		return err
	}
	log.Printf("Sent %d samples in %v", sent, time.Since(start).Round(time.Millisecond))

	series, err := client.Series(ctx, device.ID)
	if err != nil {
		return err
	}
	if series.Count > 0 {
		log.Printf("Stored %d points for %d samples (ratio %.1f:1)", series.Count, sent, float64(sent)/float64(series.Count))
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Printf("Invalid value for %s: %q, using default %d", key, v, def)
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		log.Printf("Invalid value for %s: %q, using default %v", key, v, def)
	}
	return def
}
