package common

// CredentialStore defines the interface for profile secret storage.
// Implementations may use the system keyring, encrypted files, etc.
type CredentialStore interface {
	// Store saves the secret for a profile.
	Store(profileID, secret string) error
	// Get retrieves the secret for a profile.
	Get(profileID string) (string, error)
	// Delete removes the secret for a profile.
	Delete(profileID string) error
}

// Logger defines the interface for leveled logging.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

var _ Logger = (*AppLogger)(nil)
