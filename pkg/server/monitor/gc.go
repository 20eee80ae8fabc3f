package monitor

import (
	"sync"
	"time"
)

// MaxConsecutiveGCErrors is how many GC runs in a row may fail before the
// store is reported degraded.
const MaxConsecutiveGCErrors = 3

// GCMonitor tracks value-log garbage collection health.
type GCMonitor struct {
	mu                sync.RWMutex
	lastSuccess       time.Time
	lastAttempt       time.Time
	runs              int
	consecutiveErrors int
	lastError         string

	// Zero disables the staleness check
	staleAfter time.Duration
}

// NewGCMonitor returns a monitor that also reports unhealthy when the last
// successful run is older than staleAfter.
func NewGCMonitor(staleAfter time.Duration) *GCMonitor {
	return &GCMonitor{staleAfter: staleAfter}
}

// RecordSuccess records a successful GC run.
func (m *GCMonitor) RecordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.lastSuccess = now
	m.lastAttempt = now
	m.runs++
	m.consecutiveErrors = 0
	m.lastError = ""
}

// RecordFailure records a failed GC run.
func (m *GCMonitor) RecordFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastAttempt = time.Now()
	m.runs++
	m.consecutiveErrors++
	if err != nil {
		m.lastError = err.Error()
	}
}

// IsHealthy returns false after more than MaxConsecutiveGCErrors failures
// in a row or when the last success is stale. A monitor that never ran is
// healthy: the first run happens one interval after startup.
func (m *GCMonitor) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthyLocked()
}

func (m *GCMonitor) healthyLocked() bool {
	if m.consecutiveErrors > MaxConsecutiveGCErrors {
		return false
	}
	if m.staleAfter > 0 && !m.lastSuccess.IsZero() && time.Since(m.lastSuccess) > m.staleAfter {
		return false
	}
	return true
}

// GCStatus is the GC section of the health response.
type GCStatus struct {
	Healthy           bool   `json:"healthy"`
	Runs              int    `json:"runs"`
	LastSuccess       string `json:"last_success,omitempty"`
	TimeSinceSuccess  string `json:"time_since_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Status returns current GC status for health checks.
func (m *GCMonitor) Status() GCStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := GCStatus{
		Healthy: m.healthyLocked(),
		Runs:    m.runs,
	}

	if !m.lastSuccess.IsZero() {
		status.LastSuccess = m.lastSuccess.Format(time.RFC3339)
		status.TimeSinceSuccess = time.Since(m.lastSuccess).Round(time.Second).String()
	}
	if !m.lastAttempt.IsZero() {
		status.LastAttempt = m.lastAttempt.Format(time.RFC3339)
	}
	if m.consecutiveErrors > 0 {
		status.ConsecutiveErrors = m.consecutiveErrors
		status.LastError = m.lastError
	}

	return status
}
