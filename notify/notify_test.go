package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/vpn-orchestrator/vpn"
)

func TestForTransition(t *testing.T) {
	office := func(s vpn.Snapshot) vpn.Snapshot {
		s.ProfileName = "Office"
		return s
	}

	tests := []struct {
		name      string
		prev      vpn.Snapshot
		next      vpn.Snapshot
		wantTitle string
		wantMsg   string
	}{
		{
			name:      "connected",
			prev:      office(vpn.Snapshot{State: vpn.StateConnecting}),
			next:      office(vpn.Snapshot{State: vpn.StateConnected}),
			wantTitle: "VPN Connected",
			wantMsg:   "Connected to Office",
		},
		{
			name: "still connected",
			prev: office(vpn.Snapshot{State: vpn.StateConnected}),
			next: office(vpn.Snapshot{State: vpn.StateConnected, Imc: vpn.ImcAllow}),
		},
		{
			name:      "error with retry",
			prev:      office(vpn.Snapshot{State: vpn.StateConnecting}),
			next:      office(vpn.Snapshot{State: vpn.StateError, Error: vpn.ErrorUnreachable, RetryIn: 5, RetryTimeout: 5}),
			wantTitle: "Connection Error",
			wantMsg:   "Office: Server is unreachable (retrying in 5s)",
		},
		{
			name: "countdown tick",
			prev: office(vpn.Snapshot{State: vpn.StateError, Error: vpn.ErrorUnreachable, RetryIn: 5, RetryTimeout: 5}),
			next: office(vpn.Snapshot{State: vpn.StateError, Error: vpn.ErrorUnreachable, RetryIn: 4, RetryTimeout: 5}),
		},
		{
			name:      "waiting for network",
			prev:      office(vpn.Snapshot{State: vpn.StateConnected}),
			next:      office(vpn.Snapshot{State: vpn.StateWaitingForNetwork}),
			wantTitle: "Waiting for Network",
			wantMsg:   "Office will reconnect when the network is back",
		},
		{
			name:      "disconnected",
			prev:      office(vpn.Snapshot{State: vpn.StateDisconnecting}),
			next:      vpn.Snapshot{State: vpn.StateDisabled},
			wantTitle: "VPN Disconnected",
			wantMsg:   "Disconnected from Office",
		},
		{
			name: "idle restore",
			prev: vpn.Snapshot{State: vpn.StateCheckingAvailability},
			next: vpn.Snapshot{State: vpn.StateDisabled},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := forTransition(tt.prev, tt.next)
			if tt.wantTitle == "" {
				assert.False(t, ok, "unexpected notification %+v", got)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.wantTitle, got.Title)
			assert.Equal(t, tt.wantMsg, got.Message)
		})
	}
}

type fakeSender struct {
	mu   sync.Mutex
	sent []Notification
}

func (f *fakeSender) Send(n Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return nil
}

func (f *fakeSender) titles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, n := range f.sent {
		out = append(out, n.Title)
	}
	return out
}

func TestNotifier(t *testing.T) {
	sender := &fakeSender{}
	n := NewNotifier(sender, 16)

	n.StateChanged(vpn.Snapshot{State: vpn.StateConnecting, ProfileName: "Office"})
	n.StateChanged(vpn.Snapshot{State: vpn.StateConnected, ProfileName: "Office"})
	n.StateChanged(vpn.Snapshot{State: vpn.StateDisconnecting, ProfileName: "Office"})
	n.StateChanged(vpn.Snapshot{State: vpn.StateDisabled})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	require.Eventually(t, func() bool { return len(sender.titles()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"VPN Connected", "VPN Disconnected"}, sender.titles())

	cancel()
	assert.NoError(t, <-done)
}

func TestType_Urgency(t *testing.T) {
	assert.Equal(t, byte(0), Info.urgency())
	assert.Equal(t, byte(0), Success.urgency())
	assert.Equal(t, byte(1), Warning.urgency())
	assert.Equal(t, byte(2), Error.urgency())
}
