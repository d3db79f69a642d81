package common

import "errors"

// Sentinel errors for orchestrator operations.
// These can be checked with errors.Is() for proper error handling.
var (
	// Connection errors.
	ErrEngineStart         = errors.New("native engine failed to start")
	ErrEstablish           = errors.New("tunnel interface establish failed")
	ErrNotEstablished      = errors.New("tunnel interface not established")
	ErrMultiUserPermission = errors.New("missing permission to interact across users")
	ErrUnsupportedPlatform = errors.New("operation not supported on this platform")
	ErrStopped             = errors.New("orchestrator stopped")

	// Profile errors.
	ErrProfileNotFound = errors.New("profile not found")
	ErrInvalidConfig   = errors.New("invalid configuration file")
	ErrDuplicateName   = errors.New("profile name already exists")
	ErrInvalidProfile  = errors.New("invalid profile data")
	ErrInvalidRange    = errors.New("invalid IP range")

	// Credential errors.
	ErrCredentialsNotFound = errors.New("credentials not found")
	ErrCredentialStorage   = errors.New("failed to store credentials")
	ErrEncryption          = errors.New("encryption error")
	ErrDecryption          = errors.New("decryption error")

	// Configuration errors.
	ErrConfigLoad = errors.New("failed to load configuration")
	ErrConfigSave = errors.New("failed to save configuration")

	// Connectivity errors.
	ErrNoProbeHost = errors.New("no probe host configured")

	// State store errors.
	ErrStateStore = errors.New("state store error")

	// Scheduler errors.
	ErrSchedulerClosed = errors.New("scheduler closed")
	ErrTimerArm        = errors.New("wake timer registration failed")
)

// WrapError wraps an error with additional context.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return &wrappedError{
		msg: message,
		err: err,
	}
}

type wrappedError struct {
	msg string
	err error
}

func (e *wrappedError) Error() string {
	return e.msg + ": " + e.err.Error()
}

func (e *wrappedError) Unwrap() error {
	return e.err
}
