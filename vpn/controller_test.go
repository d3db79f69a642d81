package vpn

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/vpn-orchestrator/common"
)

type logReporter struct{ log *eventLog }

func (r logReporter) ConnectionStarted(a uint64)            { r.log.add("started %d", a) }
func (r logReporter) StateReported(a uint64, s State)       { r.log.add("state %d %s", a, s) }
func (r logReporter) ErrorReported(a uint64, k ErrorKind)   { r.log.add("error %d %s", a, k) }
func (r logReporter) StatusReported(a uint64, c StatusCode) { r.log.add("status %d %s", a, c) }
func (r logReporter) ImcStateReported(a uint64, s ImcState) { r.log.add("imc %d %s", a, s) }
func (r logReporter) RemediationReported(a uint64, text string) {
	r.log.add("remediation %d %s", a, text)
}

type controllerHarness struct {
	c      *Controller
	log    *eventLog
	engine *fakeEngine
	estab  *fakeEstablisher
}

func newControllerHarness(t *testing.T, creds common.CredentialStore) *controllerHarness {
	t.Helper()
	log := &eventLog{}
	h := &controllerHarness{
		log:    log,
		engine: &fakeEngine{log: log},
		estab:  &fakeEstablisher{log: log},
	}
	h.c = NewController(ControllerConfig{
		Engine:      h.engine,
		Establisher: h.estab,
		Credentials: creds,
		Settings:    SettingsOptions{DefaultMTU: 1400},
		Reporter:    logReporter{log: log},
	})
	t.Cleanup(h.c.Shutdown)
	return h
}

func (h *controllerHarness) waitLog(t *testing.T, entry string) {
	t.Helper()
	require.Eventually(t, func() bool { return slices.Contains(h.log.all(), entry) },
		2*time.Second, time.Millisecond, "waiting for %q in %v", entry, h.log.all())
}

func TestController_LatestRequestWins(t *testing.T) {
	h := newControllerHarness(t, nil)
	gate := make(chan struct{})
	h.engine.gate = gate
	h.c.Start()

	h.c.RequestProfile(Request{Profile: testProfile("a"), Attempt: 1})
	require.Eventually(t, func() bool { return h.engine.startCount() == 1 }, time.Second, time.Millisecond)

	// Both arrive while the engine is still starting; only the last survives.
	h.c.RequestProfile(Request{Profile: testProfile("b"), Attempt: 2})
	h.c.RequestProfile(Request{Profile: testProfile("c"), Attempt: 3})
	close(gate)

	require.Eventually(t, func() bool { return h.engine.startCount() == 2 }, time.Second, time.Millisecond)
	assert.Never(t, func() bool { return h.engine.startCount() > 2 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, "c.vpn.example.com", h.engine.settings(t, 1)["connection.server"])
	assert.Equal(t, 1, h.engine.stopCount())
}

func TestController_IgnoresOldAttempts(t *testing.T) {
	h := newControllerHarness(t, nil)
	h.c.Start()

	h.c.RequestProfile(Request{Profile: testProfile("a"), Attempt: 5})
	h.waitLog(t, "started 5")
	h.c.RequestProfile(Request{Profile: testProfile("a"), Attempt: 5})
	h.c.RequestProfile(Request{Profile: testProfile("b"), Attempt: 4})

	assert.Never(t, func() bool { return h.engine.startCount() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestController_TeardownOrder(t *testing.T) {
	h := newControllerHarness(t, nil)
	h.c.Start()

	h.c.RequestProfile(Request{Profile: testProfile("a"), Attempt: 1})
	require.Eventually(t, func() bool { return h.engine.startCount() == 1 }, time.Second, time.Millisecond)

	b := h.engine.last().Builder
	require.NoError(t, b.AddAddress(netip.MustParsePrefix("10.0.0.2/32")))
	_, err := b.Establish()
	require.NoError(t, err)

	h.c.RequestProfile(Request{Attempt: 2})
	h.waitLog(t, "state 2 Disabled")

	assert.Equal(t, []string{
		"started 1",
		"start",
		"stop",
		"close tun1",
		"state 2 Disconnecting",
		"state 2 Disabled",
	}, h.log.all())
}

func TestController_DropsTeardownNoise(t *testing.T) {
	h := newControllerHarness(t, nil)
	h.engine.onStop = func(cfg EngineConfig) {
		cfg.Events.UpdateStatus(StatusChildSADown)
		cfg.Events.UpdateStatus(StatusUnreachableError)
	}
	h.c.Start()

	h.c.RequestProfile(Request{Profile: testProfile("a"), Attempt: 1})
	require.Eventually(t, func() bool { return h.engine.startCount() == 1 }, time.Second, time.Millisecond)
	h.engine.last().Events.UpdateStatus(StatusChildSAUp)

	h.c.RequestProfile(Request{Attempt: 2})
	h.waitLog(t, "state 2 Disabled")

	var statuses []string
	for _, e := range h.log.all() {
		if len(e) > 6 && e[:6] == "status" {
			statuses = append(statuses, e)
		}
	}
	assert.Equal(t, []string{"status 1 child-sa-up"}, statuses)
}

func TestController_ResolvesStoredPassword(t *testing.T) {
	h := newControllerHarness(t, fakeCreds{"id-a": "from-keyring"})
	h.c.Start()

	h.c.RequestProfile(Request{Profile: testProfile("a"), Attempt: 1})
	require.Eventually(t, func() bool { return h.engine.startCount() == 1 }, time.Second, time.Millisecond)

	settings := h.engine.settings(t, 0)
	assert.Equal(t, "alice", settings["connection.username"])
	assert.Equal(t, "from-keyring", settings["connection.password"])
}

func TestController_EngineStartFailure(t *testing.T) {
	h := newControllerHarness(t, nil)
	h.engine.startErr = errors.New("charon not found")
	h.c.Start()

	h.c.RequestProfile(Request{Profile: testProfile("a"), Attempt: 1})
	h.waitLog(t, "error 1 generic")
}

func TestController_EstablishFailureKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"multi user", fmt.Errorf("netlink: %w", common.ErrMultiUserPermission), "error 1 multi_user_permission"},
		{"other", errors.New("no tun device"), "error 1 generic"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newControllerHarness(t, nil)
			h.estab.err = tt.err
			h.c.Start()

			h.c.RequestProfile(Request{Profile: testProfile("a"), Attempt: 1})
			require.Eventually(t, func() bool { return h.engine.startCount() == 1 }, time.Second, time.Millisecond)

			_, err := h.engine.last().Builder.Establish()
			require.ErrorIs(t, err, common.ErrEstablish)
			h.waitLog(t, tt.want)
		})
	}
}

func TestController_EstablishNoDNS(t *testing.T) {
	h := newControllerHarness(t, nil)
	h.c.Start()

	h.c.RequestProfile(Request{Profile: testProfile("a"), Attempt: 1})
	require.Eventually(t, func() bool { return h.engine.startCount() == 1 }, time.Second, time.Millisecond)
	b := h.engine.last().Builder

	_, err := b.EstablishNoDNS()
	require.ErrorIs(t, err, common.ErrNotEstablished)

	require.NoError(t, b.AddAddress(netip.MustParsePrefix("10.0.0.2/32")))
	require.NoError(t, b.AddDNSServer(netip.MustParseAddr("10.0.0.53")))
	require.NoError(t, b.AddSearchDomain("corp.example.com"))
	_, err = b.Establish()
	require.NoError(t, err)
	_, err = b.EstablishNoDNS()
	require.NoError(t, err)

	require.Len(t, h.estab.specs, 2)
	assert.Len(t, h.estab.specs[0].DNSServers, 1)
	assert.Empty(t, h.estab.specs[1].DNSServers)
	assert.Empty(t, h.estab.specs[1].SearchDomains)
	assert.Equal(t, h.estab.specs[0].Addresses, h.estab.specs[1].Addresses)
	// The first interface is replaced by the second.
	assert.Contains(t, h.log.all(), "close tun1")
}

func TestController_BuilderRejectedAfterTeardown(t *testing.T) {
	h := newControllerHarness(t, nil)
	h.c.Start()

	h.c.RequestProfile(Request{Profile: testProfile("a"), Attempt: 1})
	require.Eventually(t, func() bool { return h.engine.startCount() == 1 }, time.Second, time.Millisecond)
	b := h.engine.last().Builder

	h.c.RequestProfile(Request{Attempt: 2})
	h.waitLog(t, "state 2 Disabled")

	assert.ErrorIs(t, b.AddAddress(netip.MustParsePrefix("10.0.0.2/32")), common.ErrStopped)
	_, err := b.Establish()
	assert.ErrorIs(t, err, common.ErrStopped)
}

func TestController_Shutdown(t *testing.T) {
	h := newControllerHarness(t, nil)
	h.c.Start()

	h.c.RequestProfile(Request{Profile: testProfile("a"), Attempt: 1})
	require.Eventually(t, func() bool { return h.engine.startCount() == 1 }, time.Second, time.Millisecond)

	h.c.Shutdown()
	assert.Equal(t, 1, h.engine.stopCount())

	h.c.RequestProfile(Request{Profile: testProfile("b"), Attempt: 2})
	assert.Never(t, func() bool { return h.engine.startCount() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestController_ShutdownWithoutStart(t *testing.T) {
	c := NewController(ControllerConfig{Engine: &fakeEngine{}, Reporter: logReporter{log: &eventLog{}}})
	done := make(chan struct{})
	go func() {
		c.Shutdown()
		c.Start()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Shutdown blocked on a controller that never started")
	}
}
