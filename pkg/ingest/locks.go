package ingest

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// deviceLocks serialises appends per device. Devices share a fixed set of
// mutexes picked by hashing the devid, so memory stays bounded no matter
// how many devices report.
type deviceLocks struct {
	stripes []sync.Mutex
}

func newDeviceLocks(n int) *deviceLocks {
	if n < 1 {
		n = 1
	}
	return &deviceLocks{stripes: make([]sync.Mutex, n)}
}

// lock acquires the stripe of devid and returns its unlock function.
func (l *deviceLocks) lock(devid string) func() {
	m := &l.stripes[xxhash.Sum64String(devid)%uint64(len(l.stripes))]
	m.Lock()
	return m.Unlock
}
