package config

import "time"

// Server defaults
const (
	DefaultPort         = "8080"
	DefaultDataDir      = "./data/swingdoor"
	DefaultMaxStorageGB = 1
	DefaultMaxMemoryMB  = 48
)

// HTTP server timeouts
const (
	ServerReadTimeout  = 10 * time.Second
	ServerWriteTimeout = 10 * time.Second
	ShutdownTimeout    = 30 * time.Second
	TaskStopTimeout    = 5 * time.Second
)

// Background maintenance
const (
	BadgerGCInterval     = 10 * time.Minute
	BadgerGCDiscardRatio = 0.5
	StorageUsageCacheTTL = 10 * time.Second
)

// Ingest timeouts and limits
const (
	IngestTimeout         = 5 * time.Second
	IngestSeriesTimeout   = 10 * time.Second
	IngestStatsTimeout    = 5 * time.Second
	IngestMaxBodyBytes    = 4 << 20
	IngestLockStripes     = 256
	IngestConflictRetries = 3
	IngestRetryBaseDelay  = 5 * time.Millisecond
)

// Export limits
const (
	ExportTimeout      = 30 * time.Second
	MaxImportBodyBytes = 64 << 20
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)
