package vpn

import (
	"bufio"
	"fmt"
	"net/netip"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/vpn-orchestrator/common"
)

func TestParseEngineLine(t *testing.T) {
	tests := []struct {
		line    string
		want    engineCommand
		wantErr bool
	}{
		{line: "status 1", want: engineCommand{verb: "status", n: 1}},
		{line: "imc 2", want: engineCommand{verb: "imc", n: 2}},
		{line: "mtu 1380", want: engineCommand{verb: "mtu", n: 1380}},
		{line: "addr 10.0.0.2/24", want: engineCommand{verb: "addr", prefix: netip.MustParsePrefix("10.0.0.2/24")}},
		{line: "addr fd00::2", want: engineCommand{verb: "addr", prefix: netip.MustParsePrefix("fd00::2/128")}},
		{line: "route 192.168.0.0/16", want: engineCommand{verb: "route", prefix: netip.MustParsePrefix("192.168.0.0/16")}},
		{line: "dns 10.0.0.53", want: engineCommand{verb: "dns", addr: netip.MustParseAddr("10.0.0.53")}},
		{line: "domain corp.example.com", want: engineCommand{verb: "domain", text: "corp.example.com"}},
		{line: "remediation Enable the firewall", want: engineCommand{verb: "remediation", text: "Enable the firewall"}},
		{line: "log", want: engineCommand{verb: "log"}},
		{line: "  establish  ", want: engineCommand{verb: "establish"}},
		{line: "establish-nodns", want: engineCommand{verb: "establish-nodns"}},
		{line: "status up", wantErr: true},
		{line: "addr 10.0.0.300", wantErr: true},
		{line: "dns example.com", wantErr: true},
		{line: "domain", wantErr: true},
		{line: "reboot now", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := parseEngineLine(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestHelperProcess is not a real test. It is re-executed by the tests below
// as the engine helper.
func TestHelperProcess(t *testing.T) {
	mode := os.Getenv("VPNORCH_HELPER_MODE")
	if mode == "" {
		return
	}
	in := bufio.NewScanner(os.Stdin)
	for in.Scan() && in.Text() != "." {
	}

	switch mode {
	case "connect":
		fmt.Println("log handshake done")
		fmt.Println("addr 10.0.0.2/32")
		fmt.Println("dns 10.0.0.53")
		fmt.Println("establish")
		if !in.Scan() {
			os.Exit(3)
		}
		fmt.Println("remediation " + in.Text())
		fmt.Println("status 1")
		// Stay up until stdin is closed by Stop.
		for in.Scan() {
		}
		os.Exit(0)
	case "crash":
		fmt.Println("status 6")
		os.Exit(1)
	}
	os.Exit(2)
}

type recordingEvents struct {
	mu          sync.Mutex
	statuses    []StatusCode
	remediation []string
}

func (r *recordingEvents) UpdateStatus(c StatusCode) {
	r.mu.Lock()
	r.statuses = append(r.statuses, c)
	r.mu.Unlock()
}

func (r *recordingEvents) UpdateImcState(ImcState) {}

func (r *recordingEvents) AddRemediationInstruction(text string) {
	r.mu.Lock()
	r.remediation = append(r.remediation, text)
	r.mu.Unlock()
}

func (r *recordingEvents) snapshot() ([]StatusCode, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StatusCode(nil), r.statuses...), append([]string(nil), r.remediation...)
}

func newHelperEngine(t *testing.T, mode string) *ProcessEngine {
	t.Helper()
	t.Setenv("VPNORCH_HELPER_MODE", mode)
	return NewProcessEngine(ProcessEngineOptions{
		Command:     os.Args[0],
		Args:        []string{"-test.run=^TestHelperProcess$"},
		StopTimeout: 2 * time.Second,
	})
}

func TestProcessEngine_Connect(t *testing.T) {
	h := newControllerHarness(t, nil)
	h.c.Start()
	h.c.RequestProfile(Request{Profile: testProfile("a"), Attempt: 1})
	require.Eventually(t, func() bool { return h.engine.startCount() == 1 }, time.Second, time.Millisecond)
	builder := h.engine.last().Builder

	eng := newHelperEngine(t, "connect")
	events := &recordingEvents{}
	require.NoError(t, eng.Start(EngineConfig{
		Settings: BuildSettings(testProfile("a"), SettingsOptions{}),
		Builder:  builder,
		Events:   events,
	}))

	require.Eventually(t, func() bool {
		statuses, _ := events.snapshot()
		return len(statuses) == 1
	}, 5*time.Second, 5*time.Millisecond)

	statuses, remediation := events.snapshot()
	assert.Equal(t, []StatusCode{StatusChildSAUp}, statuses)
	assert.Equal(t, []string{"ok tun1"}, remediation)

	specs := h.estab.established()
	require.Len(t, specs, 1)
	assert.Equal(t, []netip.Prefix{netip.MustParsePrefix("10.0.0.2/32")}, specs[0].Addresses)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("10.0.0.53")}, specs[0].DNSServers)

	eng.Stop()
	statuses, _ = events.snapshot()
	assert.Equal(t, []StatusCode{StatusChildSAUp}, statuses, "a requested stop is not an error")
}

func TestProcessEngine_UnexpectedExit(t *testing.T) {
	eng := newHelperEngine(t, "crash")
	events := &recordingEvents{}
	require.NoError(t, eng.Start(EngineConfig{Events: events}))

	require.Eventually(t, func() bool {
		statuses, _ := events.snapshot()
		return len(statuses) == 2
	}, 5*time.Second, 5*time.Millisecond)

	statuses, _ := events.snapshot()
	assert.Equal(t, []StatusCode{StatusUnreachableError, StatusGenericError}, statuses)
	eng.Stop()
}

func TestProcessEngine_StartFailure(t *testing.T) {
	eng := NewProcessEngine(ProcessEngineOptions{Command: "/nonexistent/charon-helper"})
	err := eng.Start(EngineConfig{Events: &recordingEvents{}})
	assert.ErrorIs(t, err, common.ErrEngineStart)
	eng.Stop()
}
