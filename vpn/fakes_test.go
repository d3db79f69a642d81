package vpn

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yllada/vpn-orchestrator/common"
)

// eventLog collects ordered events from several fakes.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(format string, args ...any) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.events = append(l.events, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

type fakeEngine struct {
	mu       sync.Mutex
	log      *eventLog
	starts   []EngineConfig
	stops    int
	startErr error
	// gate, if set, blocks Start until it is closed or receives.
	gate   chan struct{}
	onStop func(EngineConfig)
}

func (f *fakeEngine) Start(cfg EngineConfig) error {
	f.mu.Lock()
	f.starts = append(f.starts, cfg)
	gate := f.gate
	err := f.startErr
	f.mu.Unlock()
	f.log.add("start")
	if gate != nil {
		<-gate
	}
	return err
}

func (f *fakeEngine) Stop() {
	f.mu.Lock()
	f.stops++
	var last EngineConfig
	if len(f.starts) > 0 {
		last = f.starts[len(f.starts)-1]
	}
	onStop := f.onStop
	f.mu.Unlock()
	f.log.add("stop")
	if onStop != nil {
		onStop(last)
	}
}

func (f *fakeEngine) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

func (f *fakeEngine) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

func (f *fakeEngine) last() EngineConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts[len(f.starts)-1]
}

func (f *fakeEngine) settings(t *testing.T, i int) map[string]string {
	t.Helper()
	f.mu.Lock()
	text := f.starts[i].Settings
	f.mu.Unlock()
	s, err := ParseSettings(text)
	require.NoError(t, err)
	return s
}

type fakeHandle struct {
	name string
	log  *eventLog
}

func (h *fakeHandle) Name() string { return h.name }
func (h *fakeHandle) Close() error {
	h.log.add("close %s", h.name)
	return nil
}

type fakeEstablisher struct {
	mu    sync.Mutex
	log   *eventLog
	specs []TunnelInterfaceSpec
	err   error
}

func (f *fakeEstablisher) Establish(spec TunnelInterfaceSpec) (TunnelHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.specs = append(f.specs, spec)
	return &fakeHandle{name: fmt.Sprintf("tun%d", len(f.specs)), log: f.log}, nil
}

func (f *fakeEstablisher) established() []TunnelInterfaceSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]TunnelInterfaceSpec(nil), f.specs...)
}

type fakeCreds map[string]string

func (c fakeCreds) Store(id, secret string) error { c[id] = secret; return nil }
func (c fakeCreds) Delete(id string) error        { delete(c, id); return nil }
func (c fakeCreds) Get(id string) (string, error) {
	s, ok := c[id]
	if !ok {
		return "", common.ErrCredentialsNotFound
	}
	return s, nil
}

type memStore struct {
	mu     sync.Mutex
	active *Profile
	err    error
}

func (s *memStore) SaveActiveProfile(p *Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = p.Clone()
	return nil
}

func (s *memStore) ActiveProfile() (*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active.Clone(), s.err
}

func (s *memStore) ClearActiveProfile() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = nil
	return nil
}

func (s *memStore) get() *Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active.Clone()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeWakeTimer fires only on trigger.
type fakeWakeTimer struct {
	mu      sync.Mutex
	fire    func()
	at      time.Time
	failArm error
}

func (f *fakeWakeTimer) Arm(deadline time.Time, fire func()) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failArm != nil {
		return f.failArm
	}
	f.fire = fire
	f.at = deadline
	return nil
}

func (f *fakeWakeTimer) Disarm() {
	f.mu.Lock()
	f.fire = nil
	f.mu.Unlock()
}

func (f *fakeWakeTimer) Close() error {
	f.Disarm()
	return nil
}

func (f *fakeWakeTimer) trigger() {
	f.mu.Lock()
	fire := f.fire
	f.fire = nil
	f.mu.Unlock()
	if fire != nil {
		fire()
	}
}

// recordingObserver keeps every snapshot it receives.
type recordingObserver struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recordingObserver) StateChanged(s Snapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
}

func (r *recordingObserver) all() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.snaps...)
}

type machineHarness struct {
	m      *StateMachine
	engine *fakeEngine
	estab  *fakeEstablisher
	timer  *fakeWakeTimer
	clock  *fakeClock
	store  *memStore
}

func newHarness(t *testing.T, mutate ...func(*MachineConfig)) *machineHarness {
	t.Helper()
	h := &machineHarness{
		engine: &fakeEngine{},
		estab:  &fakeEstablisher{},
		timer:  &fakeWakeTimer{},
		clock:  newFakeClock(),
		store:  &memStore{},
	}
	cfg := MachineConfig{
		Engine:      h.engine,
		Establisher: h.estab,
		Credentials: fakeCreds{},
		Store:       h.store,
		Policy:      DefaultRetryPolicy(),
		Settings:    SettingsOptions{DefaultMTU: 1400, Language: "en"},
		Timer:       h.timer,
		Clock:       h.clock.Now,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	h.m = NewStateMachine(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *machineHarness) waitFor(t *testing.T, what string, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	var last Snapshot
	require.Eventually(t, func() bool {
		last = h.m.Snapshot()
		return cond(last)
	}, 2*time.Second, time.Millisecond, "waiting for %s, last snapshot %+v", what, last)
	return last
}

func (h *machineHarness) waitState(t *testing.T, s State) Snapshot {
	t.Helper()
	return h.waitFor(t, s.String(), func(snap Snapshot) bool { return snap.State == s })
}

func (h *machineHarness) waitStarts(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.engine.startCount() == n },
		2*time.Second, time.Millisecond, "waiting for %d engine starts", n)
}

// sync waits until every event enqueued so far has been processed.
func (h *machineHarness) sync(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	h.m.enqueue(func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("state machine loop stalled")
	}
}

func testProfile(name string) *Profile {
	return &Profile{
		ID:       "id-" + name,
		Name:     name,
		Type:     TypeIKEv2EAP,
		Gateway:  name + ".vpn.example.com",
		Username: "alice",
	}
}
