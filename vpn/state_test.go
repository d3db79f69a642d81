package vpn

import (
	"testing"
)

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateDisabled, "Disabled"},
		{StateCheckingAvailability, "Checking availability"},
		{StateWaitingForNetwork, "Waiting for network"},
		{StateConnecting, "Connecting"},
		{StateConnected, "Connected"},
		{StateReconnecting, "Reconnecting"},
		{StateDisconnecting, "Disconnecting"},
		{StateError, "Error"},
		{State(99), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.state.String(); got != tt.expected {
				t.Errorf("State.String() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestErrorKind_RoundTrip(t *testing.T) {
	for k := ErrorNone; k <= ErrorGeneric; k++ {
		if got := ParseErrorKind(k.String()); got != k {
			t.Errorf("ParseErrorKind(%q) = %v, want %v", k.String(), got, k)
		}
	}
	if got := ParseErrorKind("bogus"); got != ErrorGeneric {
		t.Errorf("ParseErrorKind(bogus) = %v, want %v", got, ErrorGeneric)
	}
}

func TestSnapshot_ErrorText(t *testing.T) {
	tests := []struct {
		name     string
		snap     Snapshot
		expected string
	}{
		{"none", Snapshot{}, ""},
		{"auth", Snapshot{Error: ErrorAuthFailed}, "User authentication failed"},
		{"auth blocked by assessment", Snapshot{Error: ErrorAuthFailed, Imc: ImcBlock}, "Security assessment failed"},
		{"peer auth", Snapshot{Error: ErrorPeerAuthFailed}, "Server authentication failed"},
		{"lookup", Snapshot{Error: ErrorLookupFailed}, "Server lookup failed"},
		{"unreachable", Snapshot{Error: ErrorUnreachable}, "Server is unreachable"},
		{"session in use", Snapshot{Error: ErrorSessionInUse}, "Session already in use"},
		{"max sessions", Snapshot{Error: ErrorMaxSessions}, "Maximum number of sessions reached"},
		{"multi user", Snapshot{Error: ErrorMultiUserPermission}, "Missing permission to configure the tunnel for this user"},
		{"generic", Snapshot{Error: ErrorGeneric}, "Unknown error while connecting"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.snap.ErrorText(); got != tt.expected {
				t.Errorf("ErrorText() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestSnapshot_CloneIsDeep(t *testing.T) {
	s := Snapshot{Remediation: []string{"update antivirus"}}
	c := s.Clone()
	c.Remediation[0] = "changed"

	if s.Remediation[0] != "update antivirus" {
		t.Errorf("Clone shares remediation storage")
	}
}
