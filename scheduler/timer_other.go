//go:build !linux

package scheduler

import "errors"

var errTimerClosed = errors.New("timer closed")

// NewWakeTimer returns the best wake timer for the platform.
func NewWakeTimer() WakeTimer {
	return NewMonotonicTimer()
}
