package netwatch

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/config"
)

type scriptedSource struct {
	events []Event
}

func (s *scriptedSource) Name() string { return "scripted" }

func (s *scriptedSource) Run(ctx context.Context, emit func(Event)) error {
	for _, ev := range s.events {
		emit(ev)
	}
	return nil
}

func collect(t *testing.T, events ...Event) []bool {
	t.Helper()
	var got []bool
	w := New(&scriptedSource{events: events}, func(c bool) { got = append(got, c) })
	require.NoError(t, w.Run(context.Background()))
	return got
}

func TestWatcher(t *testing.T) {
	tests := []struct {
		name   string
		events []Event
		want   []bool
	}{
		{
			name:   "starts connected",
			events: []Event{{Kind: DefaultNetworkChanged, Network: "wlan0"}},
			want:   nil,
		},
		{
			name:   "no network at start",
			events: []Event{{Kind: DefaultNetworkChanged}},
			want:   []bool{false},
		},
		{
			name: "second network appearing and leaving",
			events: []Event{
				{Kind: NetworkAvailable, Network: "wlan0"},
				{Kind: DefaultNetworkChanged, Network: "wlan0"},
				{Kind: NetworkAvailable, Network: "wwan0"},
				{Kind: NetworkLost, Network: "wwan0"},
			},
			want: nil,
		},
		{
			name: "handover keeps connectivity",
			events: []Event{
				{Kind: NetworkAvailable, Network: "wlan0"},
				{Kind: DefaultNetworkChanged, Network: "wlan0"},
				{Kind: NetworkAvailable, Network: "eth0"},
				{Kind: NetworkLost, Network: "wlan0"},
				{Kind: DefaultNetworkChanged, Network: "eth0"},
			},
			want: nil,
		},
		{
			name: "lost and regained",
			events: []Event{
				{Kind: NetworkAvailable, Network: "wlan0"},
				{Kind: DefaultNetworkChanged, Network: "wlan0"},
				{Kind: NetworkLost, Network: "wlan0"},
				{Kind: DefaultNetworkChanged},
				{Kind: NetworkAvailable, Network: "wlan0"},
				{Kind: DefaultNetworkChanged, Network: "wlan0"},
			},
			want: []bool{false, true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, collect(t, tt.events...))
		})
	}
}

func TestDefaultRoutes(t *testing.T) {
	d := newDefaultRoutes([]string{"vpnorch0"})

	assert.Equal(t, []Event{
		{Kind: NetworkAvailable, Network: "wlan0"},
		{Kind: DefaultNetworkChanged, Network: "wlan0"},
	}, d.add("wlan0", 2, 600))
	assert.Nil(t, d.add("wlan0", 2, 600), "duplicate route")
	assert.Nil(t, d.add("wlan0", 10, 600), "second family on the same link")
	assert.Nil(t, d.add("vpnorch0", 2, 0), "excluded link")

	assert.Equal(t, []Event{
		{Kind: NetworkAvailable, Network: "eth0"},
		{Kind: DefaultNetworkChanged, Network: "eth0"},
	}, d.add("eth0", 2, 100))

	assert.Nil(t, d.remove("wlan0", 2, 600))
	assert.Equal(t, []Event{{Kind: NetworkLost, Network: "wlan0"}}, d.remove("wlan0", 10, 600))
	assert.Equal(t, []Event{
		{Kind: NetworkLost, Network: "eth0"},
		{Kind: DefaultNetworkChanged, Network: ""},
	}, d.remove("eth0", 2, 100))
	assert.Nil(t, d.remove("eth0", 2, 100))
	assert.Equal(t, []Event{{Kind: DefaultNetworkChanged, Network: ""}}, d.sync())
}

func TestNMState(t *testing.T) {
	st := &nmState{}
	assert.False(t, st.update(map[string]dbus.Variant{"Metered": dbus.MakeVariant(uint32(4))}))

	assert.True(t, st.update(map[string]dbus.Variant{
		"State":             dbus.MakeVariant(uint32(70)),
		"PrimaryConnection": dbus.MakeVariant(dbus.ObjectPath("/org/freedesktop/NetworkManager/ActiveConnection/3")),
	}))
	assert.Equal(t, Event{Kind: DefaultNetworkChanged, Network: "/org/freedesktop/NetworkManager/ActiveConnection/3"}, st.event())

	st.update(map[string]dbus.Variant{"PrimaryConnection": dbus.MakeVariant(dbus.ObjectPath("/"))})
	assert.Equal(t, Event{Kind: DefaultNetworkChanged, Network: "networkmanager"}, st.event())

	st.update(map[string]dbus.Variant{"State": dbus.MakeVariant(uint32(20))})
	assert.Equal(t, Event{Kind: DefaultNetworkChanged}, st.event())
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) emit(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func TestProbeSource(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	src := NewProbeSource(ProbeConfig{
		Hosts:            []string{ln.Addr().String()},
		Interval:         10 * time.Millisecond,
		Timeout:          time.Second,
		FailureThreshold: 2,
	})
	rec := &eventRecorder{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, rec.emit) }()

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, Event{Kind: DefaultNetworkChanged, Network: common.BackendProbe}, rec.all()[0])

	ln.Close()
	require.Eventually(t, func() bool { return len(rec.all()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, Event{Kind: DefaultNetworkChanged}, rec.all()[1])

	cancel()
	assert.NoError(t, <-done)
}

func TestProbeSource_NoHosts(t *testing.T) {
	src := NewProbeSource(ProbeConfig{Interval: time.Hour, FailureThreshold: 1})
	rec := &eventRecorder{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, rec.emit) }()

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, Event{Kind: DefaultNetworkChanged}, rec.all()[0])
	cancel()
	assert.NoError(t, <-done)
}

func TestNewSource(t *testing.T) {
	base := config.DefaultConfig().Connectivity

	tests := []struct {
		backend string
		want    string
		wantErr bool
	}{
		{backend: common.BackendProbe, want: common.BackendProbe},
		{backend: common.BackendNetworkManager, want: common.BackendNetworkManager},
		{backend: "carrier-pigeon", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			cfg := base
			cfg.Backend = tt.backend
			src, err := NewSource(cfg)
			if tt.wantErr {
				assert.ErrorIs(t, err, common.ErrInvalidConfig)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, src.Name())
		})
	}

	cfg := base
	cfg.Backend = common.BackendNone
	src, err := NewSource(cfg)
	require.NoError(t, err)
	assert.Nil(t, src)
}
