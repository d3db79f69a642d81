package vpn

import (
	"context"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/scheduler"
)

// Observer is notified with a snapshot after each committed transition.
// StateChanged runs on the state machine goroutine and must not block.
type Observer interface {
	StateChanged(Snapshot)
}

// RestoreStore persists the active profile across restarts.
type RestoreStore interface {
	SaveActiveProfile(p *Profile) error
	ActiveProfile() (*Profile, error)
	ClearActiveProfile() error
}

// MachineConfig wires a StateMachine.
type MachineConfig struct {
	Engine      Engine
	Establisher Establisher
	Credentials common.CredentialStore
	Store       RestoreStore
	Policy      RetryPolicy
	Settings    SettingsOptions
	// Timer backs retry scheduling; nil selects scheduler.NewWakeTimer.
	Timer scheduler.WakeTimer
	// TickInterval is how often the retry countdown is published.
	TickInterval time.Duration
	Clock        func() time.Time
	Metrics      *Metrics
}

const (
	jobRetry     scheduler.JobID = "retry"
	jobRetryTick scheduler.JobID = "retry-tick"
)

// StateMachine is the connection orchestrator. Every public method enqueues
// work for a single goroutine started by Run, which owns all fields below the
// queue; nothing else reads or writes them.
type StateMachine struct {
	cfg        MachineConfig
	now        func() time.Time
	sched      *scheduler.Scheduler
	controller *Controller
	published  atomic.Pointer[Snapshot]

	qmu    sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool

	state         State
	errKind       ErrorKind
	imc           ImcState
	remediation   []string
	profile       *Profile
	attempt       uint64
	counter       RetryCounter
	retryPending  bool
	retryDeadline time.Time
	retryTimeout  time.Duration
	networkUp     bool
	observers     []Observer
	last          Snapshot
}

// NewStateMachine builds the state machine and its TunnelController.
// Nothing runs until Run is called.
func NewStateMachine(cfg MachineConfig) *StateMachine {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = common.RetryTickInterval
	}
	if cfg.Policy.Max == 0 && cfg.Policy.DefaultBase == 0 {
		cfg.Policy = DefaultRetryPolicy()
	}
	if cfg.Settings.DefaultMTU == 0 {
		cfg.Settings.DefaultMTU = common.DefaultMTU
	}
	if cfg.Timer == nil {
		cfg.Timer = scheduler.NewWakeTimer()
	}

	m := &StateMachine{
		cfg:       cfg,
		now:       cfg.Clock,
		wake:      make(chan struct{}, 1),
		state:     StateDisabled,
		networkUp: true,
	}
	m.sched = scheduler.New(cfg.Timer, m.dispatchJob, scheduler.WithClock(cfg.Clock))
	m.controller = NewController(ControllerConfig{
		Engine:      cfg.Engine,
		Establisher: cfg.Establisher,
		Credentials: cfg.Credentials,
		Settings:    cfg.Settings,
		Reporter:    m,
	})

	initial := Snapshot{State: StateDisabled, ChangedAt: m.now()}
	m.last = initial
	m.published.Store(&initial)
	return m
}

// Run processes events until ctx is done, then shuts down the controller.
// The persisted active profile is left in place so the next start can restore it.
func (m *StateMachine) Run(ctx context.Context) error {
	m.controller.Start()
	m.cfg.Metrics.setState(m.state)
	common.LogInfo("StateMachine: running")

	defer func() {
		m.qmu.Lock()
		m.closed = true
		m.queue = nil
		m.qmu.Unlock()
		m.controller.Shutdown()
		m.sched.Close()
		common.LogInfo("StateMachine: stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.wake:
			m.drain()
		}
	}
}

func (m *StateMachine) enqueue(fn func()) {
	m.qmu.Lock()
	if m.closed {
		m.qmu.Unlock()
		return
	}
	m.queue = append(m.queue, fn)
	m.qmu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *StateMachine) drain() {
	for {
		m.qmu.Lock()
		batch := m.queue
		m.queue = nil
		m.qmu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			fn()
		}
	}
}

// Snapshot returns the last published state. Safe from any goroutine.
func (m *StateMachine) Snapshot() Snapshot {
	return m.published.Load().Clone()
}

// Connect starts a connection to p. A retry keeps the backoff counter.
func (m *StateMachine) Connect(p *Profile, isRetry bool) {
	p = p.Clone()
	m.enqueue(func() { m.connect(p, isRetry, StateConnecting) })
}

// Disconnect stops the current connection, if any.
func (m *StateMachine) Disconnect() {
	m.enqueue(m.disconnect)
}

// Reconnect restarts the current profile as a retry.
func (m *StateMachine) Reconnect() {
	m.enqueue(func() {
		if m.profile == nil {
			return
		}
		m.connect(m.profile, true, StateReconnecting)
	})
}

// SetError records kind for the current attempt.
func (m *StateMachine) SetError(kind ErrorKind) {
	m.enqueue(func() { m.setError(kind) })
}

// OnNativeStatus applies an engine status to the current attempt.
func (m *StateMachine) OnNativeStatus(code StatusCode) {
	m.enqueue(func() { m.applyStatus(code) })
}

// OnConnectivityChanged reports whether the host has a usable network.
func (m *StateMachine) OnConnectivityChanged(connected bool) {
	m.enqueue(func() { m.connectivityChanged(connected) })
}

// Restore resumes the profile that was active before the last shutdown.
func (m *StateMachine) Restore() {
	m.enqueue(m.restore)
}

// Subscribe registers o and immediately sends it the current snapshot.
func (m *StateMachine) Subscribe(o Observer) {
	m.enqueue(func() {
		if slices.Contains(m.observers, o) {
			return
		}
		m.observers = append(m.observers, o)
		o.StateChanged(m.last.Clone())
	})
}

// Unsubscribe removes o.
func (m *StateMachine) Unsubscribe(o Observer) {
	m.enqueue(func() {
		m.observers = slices.DeleteFunc(m.observers, func(x Observer) bool { return x == o })
	})
}

// Reporter implementation. These arrive from the controller and engine
// goroutines tagged with their attempt.

func (m *StateMachine) ConnectionStarted(attempt uint64) {
	m.enqueueFor(attempt, "started", func() {
		m.imc = ImcUnknown
		m.remediation = nil
		if m.state != StateWaitingForNetwork {
			m.state = StateConnecting
		}
		m.commit()
	})
}

func (m *StateMachine) StateReported(attempt uint64, state State) {
	m.enqueueFor(attempt, state.String(), func() {
		// Teardown on the way to a new profile is not shown as Disconnecting.
		if m.profile != nil {
			return
		}
		m.state = state
		m.commit()
	})
}

func (m *StateMachine) ErrorReported(attempt uint64, kind ErrorKind) {
	m.enqueueFor(attempt, kind.String(), func() { m.setError(kind) })
}

func (m *StateMachine) StatusReported(attempt uint64, code StatusCode) {
	m.enqueueFor(attempt, code.String(), func() { m.applyStatus(code) })
}

func (m *StateMachine) ImcStateReported(attempt uint64, state ImcState) {
	m.enqueueFor(attempt, "imc", func() {
		m.imc = state
		if state == ImcUnknown {
			m.remediation = nil
		}
		m.commit()
	})
}

func (m *StateMachine) RemediationReported(attempt uint64, text string) {
	m.enqueueFor(attempt, "remediation", func() {
		m.remediation = append(m.remediation, text)
		m.commit()
	})
}

// enqueueFor runs fn only if attempt is still current when it is dequeued.
func (m *StateMachine) enqueueFor(attempt uint64, what string, fn func()) {
	m.enqueue(func() {
		if attempt != m.attempt {
			common.LogDebug("StateMachine: dropping stale %s from attempt %d (current %d)", what, attempt, m.attempt)
			m.cfg.Metrics.stale()
			return
		}
		fn()
	})
}

func (m *StateMachine) connect(p *Profile, isRetry bool, state State) {
	if p == nil {
		common.LogWarn("StateMachine: connect without profile ignored")
		return
	}
	if !isRetry {
		m.counter.Reset()
	}
	m.cancelRetry()

	m.attempt++
	m.profile = p
	m.errKind = ErrorNone
	m.state = state
	m.cfg.Metrics.attempt(isRetry)

	if !isRetry && m.cfg.Store != nil {
		if err := m.cfg.Store.SaveActiveProfile(p); err != nil {
			common.LogWarn("StateMachine: could not persist active profile: %v", err)
		}
	}

	common.LogInfo("StateMachine: connecting to %s (attempt %d, retry=%t)", p.Server(), m.attempt, isRetry)
	m.controller.RequestProfile(Request{Profile: p, Attempt: m.attempt})
	m.commit()
}

func (m *StateMachine) disconnect() {
	m.cancelRetry()
	m.counter.Reset()
	m.errKind = ErrorNone
	m.attempt++
	m.profile = nil
	if m.state != StateDisabled {
		m.state = StateDisconnecting
	}

	if m.cfg.Store != nil {
		if err := m.cfg.Store.ClearActiveProfile(); err != nil {
			common.LogWarn("StateMachine: could not clear active profile: %v", err)
		}
	}

	common.LogInfo("StateMachine: disconnecting (attempt %d)", m.attempt)
	m.controller.RequestProfile(Request{Attempt: m.attempt})
	m.commit()
}

func (m *StateMachine) applyStatus(code StatusCode) {
	switch code {
	case StatusChildSAUp:
		if m.profile == nil {
			return
		}
		m.cancelRetry()
		m.counter.Reset()
		m.errKind = ErrorNone
		m.state = StateConnected
		m.commit()
	case StatusChildSADown:
		if m.profile == nil || m.state == StateDisconnecting || m.state == StateWaitingForNetwork {
			return
		}
		m.state = StateConnecting
		m.commit()
	default:
		kind := code.ErrorKind()
		if kind == ErrorNone {
			common.LogWarn("StateMachine: unknown engine status %d", int(code))
			return
		}
		if m.profile == nil {
			return
		}
		m.setError(kind)
	}
}

// setError records kind. A retry is armed only when leaving ErrorNone, and
// ErrorNone cancels a pending one. Observers hear about actual changes only.
func (m *StateMachine) setError(kind ErrorKind) {
	if kind == m.errKind {
		return
	}
	prev := m.errKind
	m.errKind = kind

	switch {
	case prev == ErrorNone:
		m.armRetry(kind)
	case kind == ErrorNone:
		m.cancelRetry()
	}

	if kind != ErrorNone {
		common.LogWarn("StateMachine: error %s on attempt %d", kind, m.attempt)
		m.cfg.Metrics.error(kind)
		switch {
		case m.state == StateWaitingForNetwork:
		case !m.networkUp && m.profile != nil:
			// The deferred retry is issued once connectivity returns.
			m.state = StateWaitingForNetwork
		default:
			m.state = StateError
		}
	} else if m.state == StateError {
		if m.profile != nil {
			m.state = StateConnecting
		} else {
			m.state = StateDisabled
		}
	}
	m.commit()
}

func (m *StateMachine) armRetry(kind ErrorKind) {
	if m.profile == nil {
		return
	}
	if !m.networkUp {
		common.LogInfo("StateMachine: network down, retry deferred until it returns")
		return
	}

	delay := m.counter.Next(m.cfg.Policy, kind)
	m.retryTimeout = delay
	m.retryDeadline = m.now().Add(delay)
	m.retryPending = true
	m.cfg.Metrics.retryScheduled(delay.Seconds())

	if err := m.sched.ScheduleAt(jobRetry, m.retryDeadline); err != nil {
		common.LogError("StateMachine: %v; retrying now", err)
		m.cfg.Metrics.timerFallback()
		m.sched.Cancel(jobRetry)
		m.enqueue(m.retryDue)
		return
	}
	m.scheduleTick()
	common.LogInfo("StateMachine: retry in %s after %s", delay, kind)
}

func (m *StateMachine) scheduleTick() {
	next := m.now().Add(m.cfg.TickInterval)
	if !next.Before(m.retryDeadline) {
		return
	}
	if err := m.sched.ScheduleAt(jobRetryTick, next); err != nil {
		common.LogWarn("StateMachine: countdown tick not scheduled: %v", err)
	}
}

func (m *StateMachine) cancelRetry() {
	m.sched.Cancel(jobRetry)
	m.sched.Cancel(jobRetryTick)
	m.retryPending = false
	m.retryDeadline = time.Time{}
	m.retryTimeout = 0
}

// dispatchJob runs on the timer goroutine and re-enters the event queue.
func (m *StateMachine) dispatchJob(id scheduler.JobID) {
	m.enqueue(func() {
		switch id {
		case jobRetryTick:
			if !m.retryPending {
				return
			}
			m.commit()
			m.scheduleTick()
		case jobRetry:
			m.retryDue()
		}
	})
}

func (m *StateMachine) retryDue() {
	if !m.retryPending {
		return
	}
	m.retryPending = false
	m.sched.Cancel(jobRetryTick)

	if m.profile == nil {
		return
	}
	if !m.cfg.Policy.Retryable(m.errKind) {
		common.LogWarn("StateMachine: %s is not retried, stopping", m.errKind)
		m.disconnect()
		return
	}
	m.connect(m.profile, true, StateConnecting)
}

func (m *StateMachine) connectivityChanged(connected bool) {
	if connected == m.networkUp {
		return
	}
	m.networkUp = connected

	if !connected {
		common.LogInfo("StateMachine: network lost")
		if m.profile == nil {
			return
		}
		switch m.state {
		case StateConnecting, StateConnected, StateReconnecting, StateError:
			m.cancelRetry()
			m.state = StateWaitingForNetwork
			m.commit()
		}
		return
	}

	common.LogInfo("StateMachine: network available")
	if m.profile == nil || m.retryPending {
		return
	}
	if m.state != StateWaitingForNetwork && m.state != StateError {
		return
	}
	if m.errKind != ErrorNone && !m.cfg.Policy.Retryable(m.errKind) {
		// Same single timeout as online, after which the connection stops.
		m.state = StateError
		m.armRetry(m.errKind)
		m.commit()
		return
	}
	m.connect(m.profile, true, StateConnecting)
}

func (m *StateMachine) restore() {
	if m.cfg.Store == nil || m.profile != nil {
		return
	}
	m.state = StateCheckingAvailability
	m.commit()

	p, err := m.cfg.Store.ActiveProfile()
	if err != nil {
		common.LogWarn("StateMachine: reading restart state: %v", err)
	}
	if p == nil {
		m.state = StateDisabled
		m.commit()
		return
	}
	common.LogInfo("StateMachine: restoring connection to %s", p.Name)
	m.connect(p, false, StateConnecting)
}

func (m *StateMachine) snapshot() Snapshot {
	s := Snapshot{
		State:       m.state,
		Error:       m.errKind,
		Attempt:     m.attempt,
		Imc:         m.imc,
		Remediation: slices.Clone(m.remediation),
	}
	if m.profile != nil {
		s.ActiveServer = m.profile.Server()
		s.ProfileID = m.profile.ID
		s.ProfileName = m.profile.Name
	}
	if m.retryPending {
		remaining := m.retryDeadline.Sub(m.now())
		if remaining < 0 {
			remaining = 0
		}
		s.RetryIn = int(math.Ceil(remaining.Seconds()))
		s.RetryTimeout = int(m.retryTimeout / time.Second)
	}
	return s
}

// commit publishes the current state if an observer could tell the difference.
func (m *StateMachine) commit() {
	s := m.snapshot()
	if s.equalPublished(m.last) {
		return
	}
	s.ChangedAt = m.now()
	if s.State != m.last.State {
		common.LogInfo("StateMachine: %s -> %s", m.last.State, s.State)
		m.cfg.Metrics.setState(s.State)
	}
	m.last = s
	published := s.Clone()
	m.published.Store(&published)

	for _, o := range m.observers {
		o.StateChanged(s.Clone())
	}
}

// ChannelObserver delivers snapshots on a buffered channel, dropping the
// oldest one when the reader falls behind.
type ChannelObserver struct {
	ch chan Snapshot
}

// NewChannelObserver returns an observer buffering up to size snapshots.
func NewChannelObserver(size int) *ChannelObserver {
	if size < 1 {
		size = 1
	}
	return &ChannelObserver{ch: make(chan Snapshot, size)}
}

// StateChanged implements Observer.
func (c *ChannelObserver) StateChanged(s Snapshot) {
	for {
		select {
		case c.ch <- s:
			return
		default:
		}
		select {
		case <-c.ch:
		default:
		}
	}
}

// C returns the snapshot channel.
func (c *ChannelObserver) C() <-chan Snapshot {
	return c.ch
}
