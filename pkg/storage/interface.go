package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store defines the interface for compressed point storage backends.
// Implementations: memory (testing), badger (production)
type Store interface {
	// Update runs fn inside a read-write transaction. Every change made
	// through tx is applied atomically when fn returns nil, and discarded
	// when fn returns an error, panics, or ctx is cancelled.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// View runs fn inside a read-only transaction.
	View(ctx context.Context, fn func(tx Tx) error) error

	// Stats returns storage statistics
	Stats(ctx context.Context) (*Stats, error)

	// Close cleanly shuts down the storage
	Close() error
}

// Tx is the handle every store operation goes through. A Tx is only valid
// inside the Update or View callback that received it.
type Tx interface {
	Devices
	Points
}

// Devices is the device configuration collaborator.
type Devices interface {
	// LookupDevice returns ErrNotFound for an unknown id.
	LookupDevice(devid string) (Device, error)

	// PutDevice registers a device. Returns ErrAlreadyExists if the id is taken.
	PutDevice(d Device) error

	// ListDevices returns all devices ordered by id.
	ListDevices() ([]Device, error)
}

// Points holds the graph of compressed points.
type Points interface {
	// CreatePending persists a new point with RolePending.
	CreatePending(devid string, value float64, ts time.Time) (Point, error)

	// FindAnchors returns every anchor of the device. Callers treat more
	// than one result as corruption.
	FindAnchors(devid string) ([]Point, error)

	// FindFrontiers returns every frontier reached by a link from anchor.
	FindFrontiers(anchor uuid.UUID) ([]Frontier, error)

	// Relabel atomically changes the role of a point.
	Relabel(id uuid.UUID, role Role) error

	// SetLink creates or replaces the outgoing link of from.
	SetLink(from, to uuid.UUID, bounds Bounds) error

	// SetOwnership moves the device's active-point edge to id.
	SetOwnership(devid string, id uuid.UUID) error

	// DeleteDetached removes a point that has no inbound or outgoing link
	// and is not owned by its device.
	DeleteDetached(id uuid.UUID) error

	// GetPoint returns ErrNotFound for an unknown id.
	GetPoint(id uuid.UUID) (Point, error)

	// GetLink returns the outgoing link of from, or nil if it has none.
	GetLink(from uuid.UUID) (*Link, error)

	// ListPoints returns all points of a device in no particular order.
	ListPoints(devid string) ([]Point, error)

	// Owned returns the device's active point, or nil if it has none.
	Owned(devid string) (*Point, error)
}

// Stats provides storage health and usage info
type Stats struct {
	// Registered devices
	TotalDevices uint64 `json:"total_devices"`

	// Persisted points across all devices, any role
	TotalPoints uint64 `json:"total_points"`

	// Points per role
	Roles map[Role]uint64 `json:"roles"`

	// Storage size in bytes (estimate for memory)
	SizeBytes uint64 `json:"size_bytes"`

	// Oldest point timestamp
	OldestPoint time.Time `json:"oldest_point"`

	// Newest point timestamp
	NewestPoint time.Time `json:"newest_point"`
}
