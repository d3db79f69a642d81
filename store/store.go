// Package store persists orchestrator state in a local SQLite database:
// the active profile that should be resumed after a restart, and the
// history of published state transitions.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"

	"github.com/yllada/vpn-orchestrator/common"
	"github.com/yllada/vpn-orchestrator/vpn"
)

// DefaultHistoryLimit is how many transitions are kept.
const DefaultHistoryLimit = 1000

const schema = `
CREATE TABLE IF NOT EXISTS active_profile (
	slot       INTEGER PRIMARY KEY CHECK (slot = 1),
	profile_id TEXT    NOT NULL,
	payload    TEXT    NOT NULL,
	saved_at   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS transitions (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	at           INTEGER NOT NULL,
	state        TEXT    NOT NULL,
	error        TEXT    NOT NULL,
	profile_id   TEXT    NOT NULL DEFAULT '',
	profile_name TEXT    NOT NULL DEFAULT '',
	server       TEXT    NOT NULL DEFAULT '',
	attempt      INTEGER NOT NULL DEFAULT 0,
	retry_in     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS transitions_at ON transitions (at);
`

// Transition is one recorded state change.
type Transition struct {
	At          time.Time
	State       vpn.State
	Error       vpn.ErrorKind
	ProfileID   string
	ProfileName string
	Server      string
	Attempt     uint64
	RetryIn     int
}

// Store is the SQLite backed state store. It implements vpn.RestoreStore.
type Store struct {
	db *sql.DB
	// keep bounds the transitions table.
	keep int

	mu     sync.Mutex
	closed bool
}

var _ vpn.RestoreStore = (*Store)(nil)

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrStateStore, err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", common.ErrStateStore, path, err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY between our own goroutines.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		schema,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: init %s: %v", common.ErrStateStore, path, err)
		}
	}

	common.LogDebug("Store: opened %s", path)
	return &Store{db: db, keep: DefaultHistoryLimit}, nil
}

// OpenDefault opens the database in dir, or in the data directory if dir is empty.
func OpenDefault(dir string) (*Store, error) {
	if dir == "" {
		var err error
		if dir, err = common.GetDataDir(); err != nil {
			return nil, err
		}
	}
	return Open(filepath.Join(dir, common.StateDBFileName))
}

// SetHistoryLimit changes how many transitions are kept. Values below one keep everything.
func (s *Store) SetHistoryLimit(n int) {
	s.mu.Lock()
	s.keep = n
	s.mu.Unlock()
}

// SaveActiveProfile records p as the profile to resume after a restart.
// The password is never written.
func (s *Store) SaveActiveProfile(p *vpn.Profile) error {
	if p == nil {
		return s.ClearActiveProfile()
	}
	payload, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("%w: encode profile: %v", common.ErrStateStore, err)
	}

	_, err = s.db.Exec(`
		INSERT INTO active_profile (slot, profile_id, payload, saved_at) VALUES (1, ?, ?, ?)
		ON CONFLICT (slot) DO UPDATE SET
			profile_id = excluded.profile_id,
			payload = excluded.payload,
			saved_at = excluded.saved_at`,
		p.ID, string(payload), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("%w: save active profile: %v", common.ErrStateStore, err)
	}
	return nil
}

// ActiveProfile returns the saved profile, or nil if none is saved.
func (s *Store) ActiveProfile() (*vpn.Profile, error) {
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM active_profile WHERE slot = 1`).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load active profile: %v", common.ErrStateStore, err)
	}

	var p vpn.Profile
	if err := yaml.Unmarshal([]byte(payload), &p); err != nil {
		return nil, fmt.Errorf("%w: decode active profile: %v", common.ErrStateStore, err)
	}
	return &p, nil
}

// ClearActiveProfile forgets the saved profile.
func (s *Store) ClearActiveProfile() error {
	if _, err := s.db.Exec(`DELETE FROM active_profile`); err != nil {
		return fmt.Errorf("%w: clear active profile: %v", common.ErrStateStore, err)
	}
	return nil
}

// RecordTransition appends t to the history and prunes old rows.
func (s *Store) RecordTransition(ctx context.Context, t Transition) error {
	if t.At.IsZero() {
		t.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transitions (at, state, error, profile_id, profile_name, server, attempt, retry_in)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.At.UnixNano(), stateName(t.State), t.Error.String(),
		t.ProfileID, t.ProfileName, t.Server, int64(t.Attempt), t.RetryIn)
	if err != nil {
		return fmt.Errorf("%w: record transition: %v", common.ErrStateStore, err)
	}

	s.mu.Lock()
	keep := s.keep
	s.mu.Unlock()
	if keep > 0 {
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM transitions WHERE id <= (SELECT MAX(id) FROM transitions) - ?`, keep)
		if err != nil {
			return fmt.Errorf("%w: prune history: %v", common.ErrStateStore, err)
		}
	}
	return nil
}

// History returns up to limit of the most recent transitions, oldest first.
// A limit below one returns all of them.
func (s *Store) History(ctx context.Context, limit int) ([]Transition, error) {
	if limit < 1 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT at, state, error, profile_id, profile_name, server, attempt, retry_in
		FROM (SELECT * FROM transitions ORDER BY id DESC LIMIT ?)
		ORDER BY id ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: query history: %v", common.ErrStateStore, err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var (
			t           Transition
			at          int64
			state, kind string
			attempt     int64
		)
		if err := rows.Scan(&at, &state, &kind, &t.ProfileID, &t.ProfileName, &t.Server, &attempt, &t.RetryIn); err != nil {
			return nil, fmt.Errorf("%w: scan history: %v", common.ErrStateStore, err)
		}
		t.At = time.Unix(0, at)
		t.State = parseState(state)
		t.Error = vpn.ParseErrorKind(kind)
		t.Attempt = uint64(attempt)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: read history: %v", common.ErrStateStore, err)
	}
	return out, nil
}

// Close closes the database. It is safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// stateName is the stored form of a state. It stays stable when display strings change.
func stateName(st vpn.State) string {
	switch st {
	case vpn.StateDisabled:
		return "disabled"
	case vpn.StateCheckingAvailability:
		return "checking_availability"
	case vpn.StateWaitingForNetwork:
		return "waiting_for_network"
	case vpn.StateConnecting:
		return "connecting"
	case vpn.StateConnected:
		return "connected"
	case vpn.StateReconnecting:
		return "reconnecting"
	case vpn.StateDisconnecting:
		return "disconnecting"
	case vpn.StateError:
		return "error"
	default:
		return "unknown"
	}
}

func parseState(s string) vpn.State {
	for st := vpn.StateDisabled; st <= vpn.StateError; st++ {
		if stateName(st) == s {
			return st
		}
	}
	return vpn.StateError
}
