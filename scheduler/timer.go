package scheduler

import (
	"sync"
	"time"
)

// MonotonicTimer is a WakeTimer on the Go runtime timer. It does not advance
// while the machine is suspended.
type MonotonicTimer struct {
	mu    sync.Mutex
	t     *time.Timer
	gen   uint64
	close bool
}

// NewMonotonicTimer returns an idle MonotonicTimer.
func NewMonotonicTimer() *MonotonicTimer {
	return &MonotonicTimer{}
}

// Arm implements WakeTimer.
func (m *MonotonicTimer) Arm(deadline time.Time, fire func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.close {
		return errTimerClosed
	}
	if m.t != nil {
		m.t.Stop()
	}
	m.gen++
	gen := m.gen
	m.t = time.AfterFunc(time.Until(deadline), func() {
		m.mu.Lock()
		stale := gen != m.gen || m.close
		m.mu.Unlock()
		if !stale {
			fire()
		}
	})
	return nil
}

// Disarm implements WakeTimer.
func (m *MonotonicTimer) Disarm() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	if m.t != nil {
		m.t.Stop()
		m.t = nil
	}
}

// Close implements WakeTimer.
func (m *MonotonicTimer) Close() error {
	m.Disarm()
	m.mu.Lock()
	m.close = true
	m.mu.Unlock()
	return nil
}
