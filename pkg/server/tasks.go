package server

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/nicktill/swingdoor/pkg/config"
	"github.com/nicktill/swingdoor/pkg/ingest"
	"github.com/nicktill/swingdoor/pkg/server/monitor"
	"github.com/nicktill/swingdoor/pkg/storage"
)

// ValueLogCollector is implemented by stores with a garbage-collected
// value log (badger.Storage).
type ValueLogCollector interface {
	RunGC(discardRatio float64) error
}

// NewGCMonitor returns a monitor that goes stale after three missed GC
// intervals.
func NewGCMonitor() *monitor.GCMonitor {
	return monitor.NewGCMonitor(3 * config.BadgerGCInterval)
}

// RunBadgerGC runs value-log garbage collection every interval until stop
// is closed. Stores without a value log are skipped.
func RunBadgerGC(store storage.Store, gcMonitor *monitor.GCMonitor, interval time.Duration, stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()

	collector, ok := store.(ValueLogCollector)
	if !ok {
		log.Println("Storage has no value log, skipping GC")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("BadgerDB GC scheduler started (runs every %v)", interval)

	for {
		select {
		case <-ticker.C:
			runGC(collector, gcMonitor)
		case <-stop:
			log.Println("Stopping BadgerDB GC scheduler")
			return
		}
	}
}

func runGC(collector ValueLogCollector, gcMonitor *monitor.GCMonitor) {
	start := time.Now()
	if err := collector.RunGC(config.BadgerGCDiscardRatio); err != nil {
		gcMonitor.RecordFailure(err)
		status := gcMonitor.Status()
		log.Printf("GC failed after %v: %v", time.Since(start).Round(time.Millisecond), err)
		if status.ConsecutiveErrors > monitor.MaxConsecutiveGCErrors {
			log.Printf("ALERT: value-log GC has been failing! Consecutive errors: %d", status.ConsecutiveErrors)
		}
		return
	}
	gcMonitor.RecordSuccess()
	log.Printf("GC completed in %v", time.Since(start).Round(time.Millisecond))
}

// RunHub runs the websocket hub until ctx is cancelled.
func RunHub(ctx context.Context, hub *ingest.PointsHub, wg *sync.WaitGroup) {
	defer wg.Done()
	hub.Run(ctx)
}

// WaitWithTimeout waits for wg, giving up after timeout. It reports
// whether every task stopped.
func WaitWithTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
