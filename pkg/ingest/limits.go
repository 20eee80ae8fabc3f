package ingest

import (
	"fmt"

	"github.com/nicktill/swingdoor/pkg/storage"
)

// Validation limits
const (
	MaxSamplesPerRequest = 1000 // Maximum samples in a single append or ingest request
	MaxDeviceIDLength    = 256  // Maximum devid length
	MaxAliasLength       = 256  // Maximum alias and sensor type length
	MaxIngestWorkers     = 8    // Devices appended in parallel by one ingest request
)

var (
	// ErrTooManySamples is returned when a request carries too many samples
	ErrTooManySamples = fmt.Errorf("too many samples in request (max %d)", MaxSamplesPerRequest)

	// ErrNoSamples is returned for an append or ingest request without samples
	ErrNoSamples = fmt.Errorf("request contains no samples")

	// ErrDeviceIDEmpty is returned when a sample names no device
	ErrDeviceIDEmpty = fmt.Errorf("devid cannot be empty")

	// ErrDeviceIDTooLong is returned when a devid is too long
	ErrDeviceIDTooLong = fmt.Errorf("devid too long (max %d chars)", MaxDeviceIDLength)

	// ErrAliasTooLong is returned when a device alias or sensor type is too long
	ErrAliasTooLong = fmt.Errorf("alias too long (max %d chars)", MaxAliasLength)

	// ErrMissingValue is returned when a sample has no value
	ErrMissingValue = fmt.Errorf("sample value is required")
)

// ValidateDeviceID checks a devid taken from a path or payload.
func ValidateDeviceID(devid string) error {
	if devid == "" {
		return ErrDeviceIDEmpty
	}
	if len(devid) > MaxDeviceIDLength {
		return fmt.Errorf("%w: %d chars", ErrDeviceIDTooLong, len(devid))
	}
	return nil
}

// ValidateDevice checks a registration payload. An empty ID is allowed and
// replaced by a generated one. Deviation is checked by the registry.
func ValidateDevice(d storage.Device) error {
	if d.ID != "" {
		if err := ValidateDeviceID(d.ID); err != nil {
			return err
		}
	}
	if len(d.Alias) > MaxAliasLength {
		return fmt.Errorf("%w: alias has %d chars", ErrAliasTooLong, len(d.Alias))
	}
	if len(d.SensorType) > MaxAliasLength {
		return fmt.Errorf("%w: sensor_type has %d chars", ErrAliasTooLong, len(d.SensorType))
	}
	return nil
}

// ValidateSamples checks the size of a sample list and that every sample
// carries a value.
func ValidateSamples(samples []Sample) error {
	if len(samples) == 0 {
		return ErrNoSamples
	}
	if len(samples) > MaxSamplesPerRequest {
		return fmt.Errorf("%w: got %d", ErrTooManySamples, len(samples))
	}
	for i, s := range samples {
		if s.Value == nil {
			return fmt.Errorf("sample %d: %w", i, ErrMissingValue)
		}
	}
	return nil
}

// ValidateDeviceSamples checks an ingest batch.
func ValidateDeviceSamples(samples []DeviceSample) error {
	if len(samples) == 0 {
		return ErrNoSamples
	}
	if len(samples) > MaxSamplesPerRequest {
		return fmt.Errorf("%w: got %d", ErrTooManySamples, len(samples))
	}
	for i, s := range samples {
		if err := ValidateDeviceID(s.DeviceID); err != nil {
			return fmt.Errorf("sample %d: %w", i, err)
		}
		if s.Value == nil {
			return fmt.Errorf("sample %d: %w", i, ErrMissingValue)
		}
	}
	return nil
}
