package monitor

import (
	"errors"
	"testing"
	"time"
)

func TestGCMonitor_RecordSuccess(t *testing.T) {
	m := NewGCMonitor(time.Hour)
	m.RecordSuccess()

	status := m.Status()
	if !status.Healthy {
		t.Error("Status should be healthy after success")
	}
	if status.Runs != 1 {
		t.Errorf("Runs = %d, want 1", status.Runs)
	}
	if status.ConsecutiveErrors != 0 || status.LastError != "" {
		t.Errorf("Unexpected error state %+v", status)
	}
}

func TestGCMonitor_RecordFailure(t *testing.T) {
	m := NewGCMonitor(time.Hour)
	m.RecordFailure(errors.New("disk full"))

	status := m.Status()
	if status.ConsecutiveErrors != 1 {
		t.Errorf("ConsecutiveErrors = %d, want 1", status.ConsecutiveErrors)
	}
	if status.LastError != "disk full" {
		t.Errorf("LastError = %q, want %q", status.LastError, "disk full")
	}
	if !status.Healthy {
		t.Error("A single failure must not degrade health")
	}
}

func TestGCMonitor_IsHealthy(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(*GCMonitor)
		expected bool
	}{
		{
			name:     "never ran",
			setup:    func(*GCMonitor) {},
			expected: true,
		},
		{
			name: "recent success",
			setup: func(m *GCMonitor) {
				m.RecordSuccess()
			},
			expected: true,
		},
		{
			name: "stale success",
			setup: func(m *GCMonitor) {
				m.mu.Lock()
				m.lastSuccess = time.Now().Add(-2 * time.Hour)
				m.mu.Unlock()
			},
			expected: false,
		},
		{
			name: "too many consecutive errors",
			setup: func(m *GCMonitor) {
				m.RecordSuccess()
				for i := 0; i <= MaxConsecutiveGCErrors; i++ {
					m.RecordFailure(errors.New("boom"))
				}
			},
			expected: false,
		},
		{
			name: "recovered",
			setup: func(m *GCMonitor) {
				for i := 0; i <= MaxConsecutiveGCErrors; i++ {
					m.RecordFailure(errors.New("boom"))
				}
				m.RecordSuccess()
			},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewGCMonitor(time.Hour)
			tt.setup(m)
			if got := m.IsHealthy(); got != tt.expected {
				t.Errorf("IsHealthy() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestGCMonitor_NoStalenessCheck(t *testing.T) {
	m := NewGCMonitor(0)
	m.mu.Lock()
	m.lastSuccess = time.Now().Add(-48 * time.Hour)
	m.mu.Unlock()

	if !m.IsHealthy() {
		t.Error("Staleness must be ignored when disabled")
	}
}
