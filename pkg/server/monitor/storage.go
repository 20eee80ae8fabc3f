package monitor

import (
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nicktill/swingdoor/pkg/config"
)

// StorageMonitor reports disk usage of the data directory. Results are
// cached and concurrent refreshes share a single directory walk.
type StorageMonitor struct {
	dataDir  string
	maxBytes int64
	ttl      time.Duration

	group singleflight.Group

	mu        sync.RWMutex
	cached    int64
	lastCheck time.Time
}

// NewStorageMonitor creates a monitor for dataDir with a limit of maxBytes.
// An empty dataDir (in-memory store) always reports zero usage.
func NewStorageMonitor(dataDir string, maxBytes int64) *StorageMonitor {
	return &StorageMonitor{
		dataDir:  dataDir,
		maxBytes: maxBytes,
		ttl:      config.StorageUsageCacheTTL,
	}
}

// GetUsage returns current storage usage in bytes.
func (sm *StorageMonitor) GetUsage() (int64, error) {
	if sm.dataDir == "" {
		return 0, nil
	}

	sm.mu.RLock()
	if !sm.lastCheck.IsZero() && time.Since(sm.lastCheck) < sm.ttl {
		usage := sm.cached
		sm.mu.RUnlock()
		return usage, nil
	}
	sm.mu.RUnlock()

	v, err, _ := sm.group.Do(sm.dataDir, func() (interface{}, error) {
		usage, err := dirSize(sm.dataDir)
		if err != nil {
			return int64(0), err
		}
		sm.mu.Lock()
		sm.cached = usage
		sm.lastCheck = time.Now()
		sm.mu.Unlock()
		return usage, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// GetLimit returns the configured storage limit in bytes.
func (sm *StorageMonitor) GetLimit() int64 {
	return sm.maxBytes
}

// dirSize sums allocated bytes under path, falling back to the logical
// size when the platform can't report allocation.
func dirSize(path string) (int64, error) {
	var size int64
	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			// Badger may drop a file between listing and stat
			return nil
		}
		if actual, err := getActualFileSize(p, info); err == nil {
			size += actual
		} else {
			size += info.Size()
		}
		return nil
	})
	return size, err
}
