package vpn

import (
	"slices"
	"time"
)

// State is the connection state published to observers.
type State int

const (
	StateDisabled State = iota
	StateCheckingAvailability
	StateWaitingForNetwork
	StateConnecting
	StateConnected
	StateReconnecting
	StateDisconnecting
	StateError
)

// String returns a human-readable state string.
func (s State) String() string {
	switch s {
	case StateDisabled:
		return "Disabled"
	case StateCheckingAvailability:
		return "Checking availability"
	case StateWaitingForNetwork:
		return "Waiting for network"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateReconnecting:
		return "Reconnecting"
	case StateDisconnecting:
		return "Disconnecting"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// ErrorKind classifies the last connection failure.
type ErrorKind int

const (
	ErrorNone ErrorKind = iota
	ErrorAuthFailed
	ErrorPeerAuthFailed
	ErrorLookupFailed
	ErrorUnreachable
	ErrorSessionInUse
	ErrorMaxSessions
	ErrorMultiUserPermission
	ErrorGeneric
)

// String returns the stable identifier of the kind, used in metrics and storage.
func (k ErrorKind) String() string {
	switch k {
	case ErrorNone:
		return "none"
	case ErrorAuthFailed:
		return "auth_failed"
	case ErrorPeerAuthFailed:
		return "peer_auth_failed"
	case ErrorLookupFailed:
		return "lookup_failed"
	case ErrorUnreachable:
		return "unreachable"
	case ErrorSessionInUse:
		return "session_in_use"
	case ErrorMaxSessions:
		return "max_sessions"
	case ErrorMultiUserPermission:
		return "multi_user_permission"
	case ErrorGeneric:
		return "generic"
	default:
		return "unknown"
	}
}

// ParseErrorKind is the inverse of ErrorKind.String. Unknown names map to ErrorGeneric.
func ParseErrorKind(s string) ErrorKind {
	for k := ErrorNone; k <= ErrorGeneric; k++ {
		if k.String() == s {
			return k
		}
	}
	return ErrorGeneric
}

// ImcState is the integrity measurement verdict reported by the engine.
type ImcState int

const (
	ImcUnknown ImcState = iota
	ImcAllow
	ImcBlock
	ImcIsolate
)

// String implements fmt.Stringer.
func (s ImcState) String() string {
	switch s {
	case ImcAllow:
		return "allow"
	case ImcBlock:
		return "block"
	case ImcIsolate:
		return "isolate"
	default:
		return "unknown"
	}
}

// Snapshot is the read-only view of the state machine handed to observers.
type Snapshot struct {
	State State
	Error ErrorKind
	// RetryIn is the whole seconds left before the next retry, zero if none is pending.
	RetryIn int
	// RetryTimeout is the full delay of the pending retry in seconds.
	RetryTimeout int
	// ActiveServer is the gateway of the current profile, empty when idle.
	ActiveServer string
	ProfileID    string
	ProfileName  string
	Attempt      uint64
	Imc          ImcState
	Remediation  []string
	ChangedAt    time.Time
}

// Clone returns a deep copy so observers can keep the snapshot.
func (s Snapshot) Clone() Snapshot {
	s.Remediation = slices.Clone(s.Remediation)
	return s
}

// ErrorText maps the error to a stable, displayable message.
func (s Snapshot) ErrorText() string {
	switch s.Error {
	case ErrorNone:
		return ""
	case ErrorAuthFailed:
		if s.Imc == ImcBlock {
			return "Security assessment failed"
		}
		return "User authentication failed"
	case ErrorPeerAuthFailed:
		return "Server authentication failed"
	case ErrorLookupFailed:
		return "Server lookup failed"
	case ErrorUnreachable:
		return "Server is unreachable"
	case ErrorSessionInUse:
		return "Session already in use"
	case ErrorMaxSessions:
		return "Maximum number of sessions reached"
	case ErrorMultiUserPermission:
		return "Missing permission to configure the tunnel for this user"
	default:
		return "Unknown error while connecting"
	}
}

// equalPublished reports whether a and b would look the same to an observer.
func (s Snapshot) equalPublished(o Snapshot) bool {
	return s.State == o.State &&
		s.Error == o.Error &&
		s.RetryIn == o.RetryIn &&
		s.RetryTimeout == o.RetryTimeout &&
		s.ActiveServer == o.ActiveServer &&
		s.ProfileID == o.ProfileID &&
		s.Attempt == o.Attempt &&
		s.Imc == o.Imc &&
		slices.Equal(s.Remediation, o.Remediation)
}
