package series

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/nicktill/swingdoor/pkg/storage"
)

// Register validates d and stores it. An empty ID is replaced by a random
// UUID. The registered device is returned.
func Register(ctx context.Context, store storage.Store, d storage.Device) (storage.Device, error) {
	if err := CheckDevice(d); err != nil {
		return storage.Device{}, err
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}

	err := store.Update(ctx, func(tx storage.Tx) error {
		return tx.PutDevice(d)
	})
	if err != nil {
		return storage.Device{}, err
	}
	return d, nil
}

// CheckDevice rejects a device whose deviation is not a positive finite
// number.
func CheckDevice(d storage.Device) error {
	if math.IsNaN(d.Deviation) || math.IsInf(d.Deviation, 0) || d.Deviation <= 0 {
		return fmt.Errorf("%w: sensor deviation %v must be > 0", ErrInvalidArgument, d.Deviation)
	}
	return nil
}

// Lookup returns the device registered under devid.
func Lookup(ctx context.Context, store storage.Store, devid string) (storage.Device, error) {
	var d storage.Device
	err := store.View(ctx, func(tx storage.Tx) error {
		var err error
		d, err = tx.LookupDevice(devid)
		return err
	})
	return d, err
}

// Devices lists every registered device ordered by id.
func Devices(ctx context.Context, store storage.Store) ([]storage.Device, error) {
	var devices []storage.Device
	err := store.View(ctx, func(tx storage.Tx) error {
		var err error
		devices, err = tx.ListDevices()
		return err
	})
	return devices, err
}
