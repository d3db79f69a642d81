//go:build linux

package scheduler

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/yllada/vpn-orchestrator/common"
)

var errTimerClosed = errors.New("timer closed")

// BootTimer is a WakeTimer backed by a timerfd on CLOCK_BOOTTIME_ALARM, so it
// keeps counting across suspend and can wake the machine. Without
// CAP_WAKE_ALARM it falls back to CLOCK_BOOTTIME, which still counts suspended
// time but fires only after resume.
type BootTimer struct {
	mu   sync.Mutex
	f    *os.File
	fd   int
	fire func()
	done chan struct{}
}

// NewBootTimer creates the timerfd and starts its reader goroutine.
func NewBootTimer() (*BootTimer, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_BOOTTIME_ALARM, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		common.LogDebug("Scheduler: CLOCK_BOOTTIME_ALARM unavailable (%v), using CLOCK_BOOTTIME", err)
		fd, err = unix.TimerfdCreate(unix.CLOCK_BOOTTIME, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
		if err != nil {
			return nil, fmt.Errorf("timerfd_create: %w", err)
		}
	}

	t := &BootTimer{
		f:    os.NewFile(uintptr(fd), "timerfd"),
		fd:   fd,
		done: make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

func (t *BootTimer) readLoop() {
	defer close(t.done)
	var buf [8]byte
	for {
		// Each read returns the expiration count; the value is irrelevant.
		if _, err := t.f.Read(buf[:]); err != nil {
			if errors.Is(err, os.ErrClosed) {
				return
			}
			common.LogWarn("Scheduler: timerfd read failed: %v", err)
			return
		}
		t.mu.Lock()
		fire := t.fire
		t.fire = nil
		t.mu.Unlock()
		if fire != nil {
			fire()
		}
	}
}

// Arm implements WakeTimer.
func (t *BootTimer) Arm(deadline time.Time, fire func()) error {
	d := time.Until(deadline)
	if d <= 0 {
		// A zero it_value disarms the timerfd.
		d = time.Nanosecond
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return errTimerClosed
	}
	spec := unix.ItimerSpec{Value: unix.NsecToTimespec(d.Nanoseconds())}
	if err := unix.TimerfdSettime(t.fd, 0, &spec, nil); err != nil {
		return fmt.Errorf("timerfd_settime: %w", err)
	}
	t.fire = fire
	return nil
}

// Disarm implements WakeTimer.
func (t *BootTimer) Disarm() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return
	}
	t.fire = nil
	var spec unix.ItimerSpec
	if err := unix.TimerfdSettime(t.fd, 0, &spec, nil); err != nil {
		common.LogWarn("Scheduler: timerfd disarm failed: %v", err)
	}
}

// Close implements WakeTimer.
func (t *BootTimer) Close() error {
	t.mu.Lock()
	f := t.f
	t.f = nil
	t.fire = nil
	t.mu.Unlock()
	if f == nil {
		return nil
	}
	err := f.Close()
	<-t.done
	return err
}

// NewWakeTimer returns the best wake timer for the platform.
func NewWakeTimer() WakeTimer {
	t, err := NewBootTimer()
	if err != nil {
		common.LogWarn("Scheduler: boot-time timer unavailable, falling back to monotonic timer: %v", err)
		return NewMonotonicTimer()
	}
	return t
}
