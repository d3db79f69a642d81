// Package scheduler multiplexes any number of deadline jobs onto a single
// wake timer.
//
// Jobs live in a min-heap ordered by deadline. Only the earliest deadline is
// ever registered with the WakeTimer, and the registration is touched only
// when the earliest deadline changes.
package scheduler

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/yllada/vpn-orchestrator/common"
)

// JobID identifies a job. Scheduling an ID that is already pending replaces it.
type JobID string

// WakeTimer is a single re-armable timer. Arm replaces any previous
// registration; fire is called from an arbitrary goroutine.
type WakeTimer interface {
	Arm(deadline time.Time, fire func()) error
	Disarm()
	Close() error
}

// Dispatcher receives due jobs. It must not block; callers that own state
// forward the ID into their own event loop.
type Dispatcher func(id JobID)

type job struct {
	id       JobID
	deadline time.Time
	seq      uint64
	index    int
}

type jobHeap []*job

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *jobHeap) Push(x any) {
	j := x.(*job)
	j.index = len(*h)
	*h = append(*h, j)
}
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*h = old[:n-1]
	return j
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	mu       sync.Mutex
	timer    WakeTimer
	dispatch Dispatcher
	now      func() time.Time

	jobs   jobHeap
	byID   map[JobID]*job
	seq    uint64
	armed  bool
	armAt  time.Time
	closed bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New returns a scheduler that arms timer and hands due jobs to dispatch.
func New(timer WakeTimer, dispatch Dispatcher, opts ...Option) *Scheduler {
	s := &Scheduler{
		timer:    timer,
		dispatch: dispatch,
		now:      time.Now,
		byID:     make(map[JobID]*job),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ScheduleAt runs id at deadline. An error means the wake timer refused the
// registration; the job stays queued and will run on the next successful arm
// or fire, but callers that cannot wait should run it themselves.
func (s *Scheduler) ScheduleAt(id JobID, deadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return common.ErrSchedulerClosed
	}

	if j, ok := s.byID[id]; ok {
		j.deadline = deadline
		s.seq++
		j.seq = s.seq
		heap.Fix(&s.jobs, j.index)
	} else {
		s.seq++
		j := &job{id: id, deadline: deadline, seq: s.seq}
		heap.Push(&s.jobs, j)
		s.byID[id] = j
	}
	return s.rearmLocked()
}

// ScheduleAfter runs id after d.
func (s *Scheduler) ScheduleAfter(id JobID, d time.Duration) error {
	return s.ScheduleAt(id, s.now().Add(d))
}

// Cancel removes id if it is still pending and reports whether it was.
func (s *Scheduler) Cancel(id JobID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&s.jobs, j.index)
	delete(s.byID, id)
	if err := s.rearmLocked(); err != nil {
		common.LogWarn("Scheduler: re-arm after cancel of %s failed: %v", id, err)
	}
	return true
}

// Pending returns the deadline of id if it has not fired yet.
func (s *Scheduler) Pending(id JobID) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.byID[id]
	if !ok {
		return time.Time{}, false
	}
	return j.deadline, true
}

// Len returns the number of pending jobs.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// ArmedAt returns the deadline the wake timer is currently registered for.
func (s *Scheduler) ArmedAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armAt, s.armed
}

// rearmLocked makes the timer registration match the earliest job.
func (s *Scheduler) rearmLocked() error {
	if len(s.jobs) == 0 {
		if s.armed {
			s.timer.Disarm()
			s.armed = false
			s.armAt = time.Time{}
		}
		return nil
	}

	earliest := s.jobs[0].deadline
	if s.armed && s.armAt.Equal(earliest) {
		return nil
	}
	if err := s.timer.Arm(earliest, s.fire); err != nil {
		s.armed = false
		s.armAt = time.Time{}
		return fmt.Errorf("%w: %v", common.ErrTimerArm, err)
	}
	s.armed = true
	s.armAt = earliest
	return nil
}

// fire pops every due job, re-arms for the next one and dispatches the due
// jobs in deadline order outside the lock.
func (s *Scheduler) fire() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.armed = false
	s.armAt = time.Time{}

	now := s.now()
	var due []JobID
	for len(s.jobs) > 0 && !s.jobs[0].deadline.After(now) {
		j := heap.Pop(&s.jobs).(*job)
		delete(s.byID, j.id)
		due = append(due, j.id)
	}
	if err := s.rearmLocked(); err != nil {
		common.LogWarn("Scheduler: re-arm failed, running remaining jobs now: %v", err)
		for len(s.jobs) > 0 {
			j := heap.Pop(&s.jobs).(*job)
			delete(s.byID, j.id)
			due = append(due, j.id)
		}
	}
	s.mu.Unlock()

	for _, id := range due {
		s.dispatch(id)
	}
}

// Close disarms the timer and drops all pending jobs.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.jobs = nil
	s.byID = make(map[JobID]*job)
	s.armed = false
	s.mu.Unlock()

	// The timer may be inside fire waiting for s.mu.
	return s.timer.Close()
}
