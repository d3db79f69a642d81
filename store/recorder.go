package store

import (
	"context"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/vpn"
)

// Recorder writes state transitions to a Store off the state machine goroutine.
// Countdown ticks are not recorded; only changes of state, error, profile or
// attempt are.
type Recorder struct {
	store *Store
	in    *vpn.ChannelObserver
}

// NewRecorder returns a recorder buffering up to size snapshots.
func NewRecorder(s *Store, size int) *Recorder {
	return &Recorder{store: s, in: vpn.NewChannelObserver(size)}
}

// StateChanged implements vpn.Observer. It never blocks.
func (r *Recorder) StateChanged(s vpn.Snapshot) {
	r.in.StateChanged(s)
}

// Run drains snapshots into the store until ctx is done.
func (r *Recorder) Run(ctx context.Context) error {
	var last *vpn.Snapshot
	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-r.in.C():
			if last != nil && !significant(*last, s) {
				continue
			}
			last = &s
			if err := r.store.RecordTransition(ctx, fromSnapshot(s)); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				common.LogWarn("Store: %v", err)
			}
		}
	}
}

func significant(prev, next vpn.Snapshot) bool {
	return prev.State != next.State ||
		prev.Error != next.Error ||
		prev.ProfileID != next.ProfileID ||
		prev.Attempt != next.Attempt
}

func fromSnapshot(s vpn.Snapshot) Transition {
	return Transition{
		At:          s.ChangedAt,
		State:       s.State,
		Error:       s.Error,
		ProfileID:   s.ProfileID,
		ProfileName: s.ProfileName,
		Server:      s.ActiveServer,
		Attempt:     s.Attempt,
		RetryIn:     s.RetryTimeout,
	}
}
