package vpn

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/yllada/vpn-orchestrator/common"
)

// Request is the desired profile for an attempt. A nil Profile means
// "tear down and go idle".
type Request struct {
	Profile *Profile
	Attempt uint64
}

// Reporter receives everything the controller and the engine learn about an
// attempt. Implementations must not block.
type Reporter interface {
	ConnectionStarted(attempt uint64)
	StateReported(attempt uint64, state State)
	ErrorReported(attempt uint64, kind ErrorKind)
	StatusReported(attempt uint64, code StatusCode)
	ImcStateReported(attempt uint64, state ImcState)
	RemediationReported(attempt uint64, text string)
}

// ControllerConfig wires a Controller.
type ControllerConfig struct {
	Engine      Engine
	Establisher Establisher
	// Credentials resolves passwords of profiles that carry none. Optional.
	Credentials common.CredentialStore
	Settings    SettingsOptions
	Reporter    Reporter
}

// Controller owns the native engine. A single goroutine applies the most
// recent Request; requests that arrive while it is busy replace each other in
// a one-element slot, so only the latest one is ever acted upon.
type Controller struct {
	cfg ControllerConfig

	mu        sync.Mutex
	cond      *sync.Cond
	next      Request
	updated   bool
	terminate bool
	latest    uint64
	started   bool
	done      chan struct{}

	// Owned by the control goroutine.
	current *session
}

// NewController returns a stopped controller.
func NewController(cfg ControllerConfig) *Controller {
	c := &Controller{
		cfg:  cfg,
		done: make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Start launches the control goroutine. It is a no-op after the first call.
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.terminate {
		return
	}
	c.started = true
	go c.run()
}

// RequestProfile hands req to the control goroutine and returns immediately.
// Requests for an attempt that is not newer than the last one are ignored.
func (c *Controller) RequestProfile(req Request) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.terminate {
		return
	}
	if req.Attempt <= c.latest {
		common.LogDebug("Controller: ignoring request for attempt %d, already at %d", req.Attempt, c.latest)
		return
	}
	c.latest = req.Attempt
	if c.updated && c.next.Profile != nil {
		common.LogDebug("Controller: attempt %d supersedes pending attempt %d", req.Attempt, c.next.Attempt)
	}
	c.next = Request{Profile: req.Profile.Clone(), Attempt: req.Attempt}
	c.updated = true
	c.cond.Signal()
}

// Shutdown tears down the current connection and waits for the control
// goroutine to exit.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	if c.terminate {
		c.mu.Unlock()
		<-c.done
		return
	}
	c.terminate = true
	c.next = Request{Attempt: c.latest}
	c.updated = true
	started := c.started
	c.cond.Signal()
	c.mu.Unlock()

	if !started {
		close(c.done)
		return
	}
	<-c.done
}

func (c *Controller) run() {
	defer close(c.done)

	for {
		c.mu.Lock()
		for !c.updated {
			c.cond.Wait()
		}
		req := c.next
		terminate := c.terminate
		c.next = Request{}
		c.updated = false
		c.mu.Unlock()

		c.stopCurrent(req.Attempt)

		if terminate {
			common.LogInfo("Controller: shut down")
			return
		}
		if req.Profile == nil {
			c.cfg.Reporter.StateReported(req.Attempt, StateDisabled)
			continue
		}
		c.startSession(req)
	}
}

// stopCurrent stops the engine, drops the interface cache and reports
// Disconnecting, in that order.
func (c *Controller) stopCurrent(attempt uint64) {
	s := c.current
	if s == nil {
		return
	}
	c.current = nil

	common.LogInfo("Controller: tearing down attempt %d", s.attempt)
	s.disconnecting.Store(true)
	c.cfg.Engine.Stop()
	s.close()
	c.cfg.Reporter.StateReported(attempt, StateDisconnecting)
}

func (c *Controller) startSession(req Request) {
	p := req.Profile
	if p.Password == "" && p.Type.HasUsername() && c.cfg.Credentials != nil {
		pw, err := c.cfg.Credentials.Get(p.ID)
		if err != nil {
			common.LogWarn("Controller: no stored password for profile %s: %v", p.Name, err)
		} else {
			p.Password = pw
		}
	}

	cache, err := NewBuilderCache(p)
	if err != nil {
		common.LogError("Controller: invalid profile %s: %v", p.Name, err)
		c.cfg.Reporter.ErrorReported(req.Attempt, ErrorGeneric)
		return
	}

	s := &session{ctrl: c, attempt: req.Attempt, profile: p, cache: cache}
	c.current = s
	c.cfg.Reporter.ConnectionStarted(req.Attempt)

	common.LogInfo("Controller: starting engine for %s (attempt %d)", p.Server(), req.Attempt)
	err = c.cfg.Engine.Start(EngineConfig{
		Settings: BuildSettings(p, c.cfg.Settings),
		Builder:  s,
		Events:   s,
	})
	if err != nil {
		common.LogError("Controller: engine start failed: %v", err)
		c.cfg.Reporter.ErrorReported(req.Attempt, ErrorGeneric)
	}
}

// session binds one engine run to its attempt. It is the InterfaceBuilder and
// EngineEvents handed to the engine.
type session struct {
	ctrl          *Controller
	attempt       uint64
	profile       *Profile
	disconnecting atomic.Bool

	mu          sync.Mutex
	cache       *BuilderCache
	established *BuilderCache
	handle      TunnelHandle
}

var (
	_ InterfaceBuilder = (*session)(nil)
	_ EngineEvents     = (*session)(nil)
)

func (s *session) withCache(fn func(*BuilderCache)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache == nil {
		return common.ErrStopped
	}
	fn(s.cache)
	return nil
}

func (s *session) AddAddress(p netip.Prefix) error {
	if !p.IsValid() {
		return fmt.Errorf("invalid address %v", p)
	}
	return s.withCache(func(c *BuilderCache) { c.AddAddress(p) })
}

func (s *session) AddRoute(p netip.Prefix) error {
	if !p.IsValid() {
		return fmt.Errorf("invalid route %v", p)
	}
	return s.withCache(func(c *BuilderCache) { c.AddRoute(p) })
}

func (s *session) AddDNSServer(a netip.Addr) error {
	if !a.IsValid() {
		return fmt.Errorf("invalid DNS server %v", a)
	}
	return s.withCache(func(c *BuilderCache) { c.AddDNSServer(a) })
}

func (s *session) AddSearchDomain(d string) error {
	return s.withCache(func(c *BuilderCache) { c.AddSearchDomain(d) })
}

func (s *session) SetMTU(mtu int) error {
	if mtu < 0 {
		return fmt.Errorf("invalid mtu %d", mtu)
	}
	return s.withCache(func(c *BuilderCache) { c.SetMTU(mtu) })
}

// Establish brings up the interface from everything requested so far. The
// cache then starts over for a possible later re-establish.
func (s *session) Establish() (TunnelHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache == nil || s.disconnecting.Load() {
		return nil, common.ErrStopped
	}

	spec := s.cache.Build(s.ctrl.cfg.Settings.DefaultMTU)
	h, err := s.establishLocked(spec)
	if err != nil {
		return nil, err
	}
	s.established = s.cache
	if fresh, err := NewBuilderCache(s.profile); err == nil {
		s.cache = fresh
	}
	return h, nil
}

// EstablishNoDNS re-establishes the last interface without resolvers.
func (s *session) EstablishNoDNS() (TunnelHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache == nil || s.disconnecting.Load() {
		return nil, common.ErrStopped
	}
	if s.established == nil {
		return nil, common.ErrNotEstablished
	}
	return s.establishLocked(s.established.BuildNoDNS(s.ctrl.cfg.Settings.DefaultMTU))
}

func (s *session) establishLocked(spec TunnelInterfaceSpec) (TunnelHandle, error) {
	h, err := s.ctrl.cfg.Establisher.Establish(spec)
	if err != nil {
		kind := ErrorGeneric
		if errors.Is(err, common.ErrMultiUserPermission) {
			kind = ErrorMultiUserPermission
		}
		common.LogError("Controller: establish failed for attempt %d: %v", s.attempt, err)
		s.ctrl.cfg.Reporter.ErrorReported(s.attempt, kind)
		return nil, fmt.Errorf("%w: %v", common.ErrEstablish, err)
	}
	if s.handle != nil {
		if err := s.handle.Close(); err != nil {
			common.LogWarn("Controller: closing previous interface %s: %v", s.handle.Name(), err)
		}
	}
	s.handle = h
	common.LogInfo("Controller: interface %s up (mtu %d, %d routes)", h.Name(), spec.MTU, len(spec.Routes))
	return h, nil
}

func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != nil {
		if err := s.handle.Close(); err != nil {
			common.LogWarn("Controller: closing interface %s: %v", s.handle.Name(), err)
		}
		s.handle = nil
	}
	s.cache = nil
	s.established = nil
}

// UpdateStatus forwards engine status. While tearing down, SA-down and error
// reports are expected noise and dropped.
func (s *session) UpdateStatus(code StatusCode) {
	if s.disconnecting.Load() && (code == StatusChildSADown || code.ErrorKind() != ErrorNone) {
		common.LogDebug("Controller: dropping %s during teardown of attempt %d", code, s.attempt)
		return
	}
	s.ctrl.cfg.Reporter.StatusReported(s.attempt, code)
}

func (s *session) UpdateImcState(state ImcState) {
	s.ctrl.cfg.Reporter.ImcStateReported(s.attempt, state)
}

func (s *session) AddRemediationInstruction(text string) {
	s.ctrl.cfg.Reporter.RemediationReported(s.attempt, text)
}
