// Package notify shows desktop notifications for connection events through
// the freedesktop notification service on the session bus.
package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/vpn"
)

const (
	notificationsDest  = "org.freedesktop.Notifications"
	notificationsPath  = "/org/freedesktop/Notifications"
	notificationsIface = "org.freedesktop.Notifications"
)

// Type represents the severity of a notification.
type Type int

const (
	Info Type = iota
	Success
	Warning
	Error
)

// urgency maps a type to the freedesktop urgency byte.
func (t Type) urgency() byte {
	switch t {
	case Error:
		return 2
	case Warning:
		return 1
	default:
		return 0
	}
}

// Notification is a single desktop notification.
type Notification struct {
	Title   string
	Message string
	Type    Type
	Icon    string
}

// Sender delivers notifications.
type Sender interface {
	Send(n Notification) error
}

// DBusSender sends notifications over the session bus. Each notification
// replaces the previous one so only the latest event stays on screen.
type DBusSender struct {
	conn *dbus.Conn
	obj  dbus.BusObject

	mu     sync.Mutex
	lastID uint32
}

// NewDBusSender connects to the session bus.
func NewDBusSender() (*DBusSender, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("session bus: %w", err)
	}
	return &DBusSender{
		conn: conn,
		obj:  conn.Object(notificationsDest, dbus.ObjectPath(notificationsPath)),
	}, nil
}

// Send implements Sender.
func (s *DBusSender) Send(n Notification) error {
	icon := n.Icon
	if icon == "" {
		icon = "network-vpn"
	}
	hints := map[string]dbus.Variant{
		"urgency": dbus.MakeVariant(n.Type.urgency()),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var id uint32
	err := s.obj.Call(notificationsIface+".Notify", 0,
		common.AppName, s.lastID, icon, n.Title, n.Message,
		[]string{}, hints, int32(-1)).Store(&id)
	if err != nil {
		return err
	}
	s.lastID = id
	return nil
}

// Close closes the bus connection.
func (s *DBusSender) Close() error {
	return s.conn.Close()
}

// Notifier turns published snapshots into notifications off the state
// machine goroutine.
type Notifier struct {
	sender Sender
	in     *vpn.ChannelObserver
}

// NewNotifier returns a notifier buffering up to size snapshots.
func NewNotifier(sender Sender, size int) *Notifier {
	return &Notifier{sender: sender, in: vpn.NewChannelObserver(size)}
}

// StateChanged implements vpn.Observer.
func (n *Notifier) StateChanged(s vpn.Snapshot) {
	n.in.StateChanged(s)
}

// Run sends notifications until ctx is done.
func (n *Notifier) Run(ctx context.Context) error {
	prev := vpn.Snapshot{State: vpn.StateDisabled}
	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-n.in.C():
			if note, ok := forTransition(prev, s); ok {
				if err := n.sender.Send(note); err != nil {
					common.LogDebug("Notify: %v", err)
				}
			}
			if s.ProfileName == "" {
				// Keep the name around for the disconnect message.
				s.ProfileName = prev.ProfileName
			}
			prev = s
		}
	}
}

// forTransition picks the notification for a state change, if any.
func forTransition(prev, next vpn.Snapshot) (Notification, bool) {
	name := next.ProfileName
	if name == "" {
		name = prev.ProfileName
	}

	switch {
	case next.State == vpn.StateConnected && prev.State != vpn.StateConnected:
		return Notification{
			Title:   "VPN Connected",
			Message: "Connected to " + name,
			Type:    Success,
			Icon:    "network-vpn",
		}, true

	case next.State == vpn.StateError && (prev.State != vpn.StateError || prev.Error != next.Error):
		msg := name + ": " + next.ErrorText()
		if next.RetryTimeout > 0 {
			msg += fmt.Sprintf(" (retrying in %ds)", next.RetryTimeout)
		}
		return Notification{
			Title:   "Connection Error",
			Message: msg,
			Type:    Error,
			Icon:    "network-vpn-error",
		}, true

	case next.State == vpn.StateWaitingForNetwork && prev.State != vpn.StateWaitingForNetwork:
		return Notification{
			Title:   "Waiting for Network",
			Message: name + " will reconnect when the network is back",
			Type:    Warning,
			Icon:    "network-vpn-acquiring",
		}, true

	case next.State == vpn.StateDisabled && prev.State != vpn.StateDisabled && name != "":
		return Notification{
			Title:   "VPN Disconnected",
			Message: "Disconnected from " + name,
			Type:    Info,
			Icon:    "network-vpn-disconnected",
		}, true
	}
	return Notification{}, false
}
