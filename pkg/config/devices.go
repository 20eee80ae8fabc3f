package config

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nicktill/swingdoor/pkg/storage"
)

// DeviceFile is the YAML seed file listing devices to register at startup.
//
//	devices:
//	  - devid: "123"
//	    alias: DummySensor
//	    sensor_type: temperature
//	    sensor_deviation: 1.0
type DeviceFile struct {
	Devices []DeviceEntry `yaml:"devices"`
}

// DeviceEntry is one device in a DeviceFile.
type DeviceEntry struct {
	ID         string  `yaml:"devid"`
	Alias      string  `yaml:"alias"`
	SensorType string  `yaml:"sensor_type"`
	Deviation  float64 `yaml:"sensor_deviation"`
}

// LoadDevices reads and validates a device seed file.
func LoadDevices(path string) ([]storage.Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read device file: %w", err)
	}

	var file DeviceFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse device file: %w", err)
	}

	if err := file.Validate(); err != nil {
		return nil, fmt.Errorf("validate device file: %w", err)
	}

	devices := make([]storage.Device, 0, len(file.Devices))
	for _, e := range file.Devices {
		devices = append(devices, storage.Device{
			ID:         e.ID,
			Alias:      e.Alias,
			SensorType: e.SensorType,
			Deviation:  e.Deviation,
		})
	}
	return devices, nil
}

// Validate checks every entry has an id and a positive, finite deviation,
// and that no id appears twice.
func (f *DeviceFile) Validate() error {
	seen := make(map[string]bool, len(f.Devices))
	for i, e := range f.Devices {
		if e.ID == "" {
			return fmt.Errorf("devices[%d]: devid is required", i)
		}
		if seen[e.ID] {
			return fmt.Errorf("devices[%d]: duplicate devid %q", i, e.ID)
		}
		seen[e.ID] = true

		if !(e.Deviation > 0) || math.IsInf(e.Deviation, 0) {
			return fmt.Errorf("devices[%d]: sensor_deviation must be positive, got %v", i, e.Deviation)
		}
	}
	return nil
}
