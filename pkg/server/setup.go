package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/nicktill/swingdoor/pkg/config"
	"github.com/nicktill/swingdoor/pkg/export"
	"github.com/nicktill/swingdoor/pkg/ingest"
	"github.com/nicktill/swingdoor/pkg/series"
	"github.com/nicktill/swingdoor/pkg/server/monitor"
	"github.com/nicktill/swingdoor/pkg/storage"
	"github.com/nicktill/swingdoor/pkg/storage/badger"
	"github.com/nicktill/swingdoor/pkg/storage/memory"
)

// Config holds server configuration.
type Config struct {
	MaxStorageGB int64
	MaxMemoryMB  int64

	// DataDir is the Badger directory. Empty selects the in-memory store.
	DataDir string
	Port    string

	// DevicesFile is an optional YAML file of devices registered at startup.
	DevicesFile string

	StrictOrdering bool
	VerboseStorage bool
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() Config {
	dataDir, ok := os.LookupEnv("SWINGDOOR_DATA_DIR")
	if !ok {
		dataDir = config.DefaultDataDir
	}

	return Config{
		MaxStorageGB:   getEnvInt64("SWINGDOOR_MAX_STORAGE_GB", config.DefaultMaxStorageGB),
		MaxMemoryMB:    getEnvInt64("SWINGDOOR_MAX_MEMORY_MB", config.DefaultMaxMemoryMB),
		DataDir:        dataDir,
		Port:           getPort(),
		DevicesFile:    os.Getenv("SWINGDOOR_DEVICES"),
		StrictOrdering: getEnvBool("SWINGDOOR_STRICT_ORDERING", false),
		VerboseStorage: getEnvBool("SWINGDOOR_VERBOSE_STORAGE", false),
	}
}

// MaxStorageBytes converts the configured storage limit to bytes.
func (c Config) MaxStorageBytes() int64 {
	return c.MaxStorageGB * 1024 * 1024 * 1024
}

// InitializeStorage opens the store selected by cfg.
func InitializeStorage(cfg Config) (storage.Store, error) {
	if cfg.DataDir == "" {
		log.Println("No data directory configured, using in-memory storage (not persisted)")
		return memory.New(), nil
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	log.Printf("Opening BadgerDB storage at %s...", cfg.DataDir)
	store, err := badger.New(badger.Config{
		Path:        cfg.DataDir,
		MaxMemoryMB: cfg.MaxMemoryMB,
		Verbose:     cfg.VerboseStorage,
	})
	if err != nil {
		return nil, err
	}
	log.Println("BadgerDB storage initialized successfully")
	return store, nil
}

// SeedDevices registers the devices listed in cfg.DevicesFile. Devices
// that already exist keep their stored configuration.
func SeedDevices(ctx context.Context, store storage.Store, cfg Config) (int, error) {
	if cfg.DevicesFile == "" {
		return 0, nil
	}

	devices, err := config.LoadDevices(cfg.DevicesFile)
	if err != nil {
		return 0, err
	}

	registered := 0
	for _, d := range devices {
		if _, err := series.Register(ctx, store, d); err != nil {
			if errors.Is(err, storage.ErrAlreadyExists) {
				continue
			}
			return registered, fmt.Errorf("register device %q: %w", d.ID, err)
		}
		registered++
	}

	log.Printf("Seeded %d of %d devices from %s", registered, len(devices), cfg.DevicesFile)
	return registered, nil
}

// InitializeHandlers creates and configures all request handlers. Every
// point the appender writes is published to the returned hub.
func InitializeHandlers(
	store storage.Store,
	storageMonitor *monitor.StorageMonitor,
	cfg Config,
) (
	*ingest.Handler,
	*export.Handler,
	*ingest.PointsHub,
) {
	hub := ingest.NewPointsHub()

	opts := []series.Option{series.WithObserver(hub.Publish)}
	if cfg.StrictOrdering {
		opts = append(opts, series.WithStrictOrdering())
		log.Println("Strict timestamp ordering enabled")
	}
	appender := series.New(store, opts...)

	ingestHandler := ingest.NewHandler(appender)
	ingestHandler.SetStorageChecker(storageMonitor)

	// Imports go through the ingest path so they share its locks and retries
	exportHandler := export.NewHandler(store, ingestHandler.Append)

	return ingestHandler, exportHandler, hub
}

// getEnvInt64 gets an int64 from environment variable or returns default.
func getEnvInt64(key string, defaultValue int64) int64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			return parsed
		}
		log.Printf("Invalid value for %s: %q, using default %d", key, val, defaultValue)
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
		log.Printf("Invalid value for %s: %q, using default %t", key, val, defaultValue)
	}
	return defaultValue
}

// getPort gets the server port from PORT environment variable or returns default.
func getPort() string {
	if port := os.Getenv("PORT"); port != "" {
		return port
	}
	return config.DefaultPort
}
