package netwatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/godbus/dbus/v5"

	"github.com/yllada/vpn-orchestrator/common"
)

const (
	nmService       = "org.freedesktop.NetworkManager"
	nmPath          = dbus.ObjectPath("/org/freedesktop/NetworkManager")
	nmInterface     = "org.freedesktop.NetworkManager"
	propsInterface  = "org.freedesktop.DBus.Properties"
	propsChanged    = propsInterface + ".PropertiesChanged"
	nmStateSite     = 60
	nmNoPrimaryPath = dbus.ObjectPath("/")
)

// NMSource follows NetworkManager's global state and primary connection over
// the system bus. The bus connection is re-established with backoff when it
// drops.
type NMSource struct {
	// connect opens the system bus.
	connect func() (*dbus.Conn, error)
	backoff func() backoff.BackOff
}

// NewNMSource returns a NetworkManager source.
func NewNMSource() *NMSource {
	return &NMSource{
		connect: func() (*dbus.Conn, error) { return dbus.ConnectSystemBus() },
		backoff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(time.Second),
				backoff.WithMaxInterval(30*time.Second),
				backoff.WithMaxElapsedTime(0),
			)
		},
	}
}

// Name implements Source.
func (s *NMSource) Name() string { return common.BackendNetworkManager }

// Run implements Source.
func (s *NMSource) Run(ctx context.Context, emit func(Event)) error {
	b := backoff.WithContext(s.backoff(), ctx)
	for {
		err := s.session(ctx, emit)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			b.Reset()
		}
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return err
		}
		common.LogWarn("NetWatch: NetworkManager session ended: %v; retrying in %s", err, delay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// session runs one bus connection until it fails or ctx is done.
func (s *NMSource) session(ctx context.Context, emit func(Event)) error {
	conn, err := s.connect()
	if err != nil {
		return fmt.Errorf("connecting to system bus: %w", err)
	}
	defer conn.Close()

	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(nmPath),
		dbus.WithMatchInterface(propsInterface),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		return fmt.Errorf("subscribing to NetworkManager: %w", err)
	}
	signals := make(chan *dbus.Signal, 16)
	conn.Signal(signals)
	defer conn.RemoveSignal(signals)

	obj := conn.Object(nmService, nmPath)
	st := &nmState{}
	state, err := obj.GetProperty(nmInterface + ".State")
	if err != nil {
		return fmt.Errorf("reading NetworkManager state: %w", err)
	}
	primary, err := obj.GetProperty(nmInterface + ".PrimaryConnection")
	if err != nil {
		return fmt.Errorf("reading primary connection: %w", err)
	}
	st.update(map[string]dbus.Variant{"State": state, "PrimaryConnection": primary})
	emit(st.event())

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return errors.New("system bus connection closed")
			}
			if sig.Name != propsChanged || sig.Path != nmPath || len(sig.Body) < 2 {
				continue
			}
			if iface, _ := sig.Body[0].(string); iface != nmInterface {
				continue
			}
			changed, ok := sig.Body[1].(map[string]dbus.Variant)
			if !ok {
				continue
			}
			if st.update(changed) {
				emit(st.event())
			}
		}
	}
}

// nmState is the part of NetworkManager's properties the source cares about.
type nmState struct {
	state   uint32
	primary dbus.ObjectPath
}

// update applies changed properties and reports whether the derived event
// could differ.
func (s *nmState) update(changed map[string]dbus.Variant) bool {
	touched := false
	if v, ok := changed["State"]; ok {
		if st, ok := v.Value().(uint32); ok {
			s.state = st
			touched = true
		}
	}
	if v, ok := changed["PrimaryConnection"]; ok {
		if p, ok := v.Value().(dbus.ObjectPath); ok {
			s.primary = p
			touched = true
		}
	}
	return touched
}

// event reports the primary connection as default network while
// NetworkManager has at least site connectivity.
func (s *nmState) event() Event {
	if s.state < nmStateSite {
		return Event{Kind: DefaultNetworkChanged}
	}
	network := string(s.primary)
	if s.primary == "" || s.primary == nmNoPrimaryPath {
		network = "networkmanager"
	}
	return Event{Kind: DefaultNetworkChanged, Network: network}
}
