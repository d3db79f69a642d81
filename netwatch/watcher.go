// Package netwatch turns host network notifications into a de-duplicated
// connected/disconnected stream.
package netwatch

import (
	"context"
	"sync"

	"github.com/yllada/vpn-orchestrator/common"
)

// EventKind is the type of a raw network notification.
type EventKind int

const (
	// NetworkAvailable reports a usable network identified by Event.Network.
	NetworkAvailable EventKind = iota
	// NetworkLost reports that Event.Network went away.
	NetworkLost
	// DefaultNetworkChanged reports the new default network; empty means none.
	DefaultNetworkChanged
)

// String implements fmt.Stringer.
func (k EventKind) String() string {
	switch k {
	case NetworkAvailable:
		return "available"
	case NetworkLost:
		return "lost"
	case DefaultNetworkChanged:
		return "default"
	default:
		return "unknown"
	}
}

// Event is one raw notification from a Source.
type Event struct {
	Kind    EventKind
	Network string
}

// Source produces raw network events until ctx is done. A source emits its
// initial view of the host before any change.
type Source interface {
	Name() string
	Run(ctx context.Context, emit func(Event)) error
}

// Watcher folds Source events into a boolean. The host counts as connected
// while it has a default network or any available one, so a second network
// appearing or disappearing next to a live one changes nothing.
type Watcher struct {
	src      Source
	onChange func(connected bool)

	mu         sync.Mutex
	available  map[string]struct{}
	defaultNet string
	connected  bool
}

// New returns a watcher reporting changes to onChange. The host is assumed
// connected until the source says otherwise.
func New(src Source, onChange func(connected bool)) *Watcher {
	return &Watcher{
		src:       src,
		onChange:  onChange,
		available: make(map[string]struct{}),
		connected: true,
	}
}

// Run blocks until ctx is done or the source fails.
func (w *Watcher) Run(ctx context.Context) error {
	common.LogInfo("NetWatch: using %s source", w.src.Name())
	return w.src.Run(ctx, w.handle)
}

// Connected returns the last computed connectivity.
func (w *Watcher) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

func (w *Watcher) handle(ev Event) {
	w.mu.Lock()
	switch ev.Kind {
	case NetworkAvailable:
		w.available[ev.Network] = struct{}{}
	case NetworkLost:
		delete(w.available, ev.Network)
		if w.defaultNet == ev.Network {
			w.defaultNet = ""
		}
	case DefaultNetworkChanged:
		w.defaultNet = ev.Network
	}
	connected := w.defaultNet != "" || len(w.available) > 0
	changed := connected != w.connected
	w.connected = connected
	w.mu.Unlock()

	common.LogDebug("NetWatch: %s %q, connected=%t", ev.Kind, ev.Network, connected)
	if changed && w.onChange != nil {
		w.onChange(connected)
	}
}
