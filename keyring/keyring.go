// Package keyring provides secure credential storage.
// It uses the system keyring when available, falling back to
// encrypted local file storage when not.
package keyring

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/yllada/vpn-orchestrator/common"
)

// ErrNotFound is returned when no secret is stored for a profile.
var ErrNotFound = common.ErrCredentialsNotFound

// Store keeps profile secrets in the system keyring, or in an encrypted file
// under the config directory when no keyring service is reachable.
type Store struct {
	service string

	mu      sync.RWMutex
	useFile bool
	file    string
	key     []byte
	entries map[string]string
}

var _ common.CredentialStore = (*Store)(nil)

// Open returns a store backed by the system keyring if a test write
// succeeds, otherwise by an encrypted file in dir.
func Open(dir string) (*Store, error) {
	s := &Store{service: common.KeyringService}

	probe := common.AppName + "-probe"
	if err := keyring.Set(s.service, probe, "probe"); err == nil {
		_ = keyring.Delete(s.service, probe)
		common.LogDebug("Keyring: using system keyring")
		return s, nil
	} else {
		common.LogInfo("Keyring: system keyring unavailable (%v), using encrypted file", err)
	}
	if err := s.useLocalFile(dir); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenFile returns a store that only uses the encrypted file in dir.
func OpenFile(dir string) (*Store, error) {
	s := &Store{service: common.KeyringService}
	if err := s.useLocalFile(dir); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) useLocalFile(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("%w: %v", common.ErrCredentialStorage, err)
	}
	key, err := deriveKey()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.useFile = true
	s.file = filepath.Join(dir, common.CredentialsFileName)
	s.key = key
	s.entries = make(map[string]string)
	return s.loadLocked()
}

// deriveKey binds the file key to this machine and user.
func deriveKey() ([]byte, error) {
	hostname, _ := os.Hostname()
	secret := fmt.Sprintf("%s|%s|%d", machineID(), hostname, os.Getuid())

	kdf := hkdf.New(sha256.New, []byte(secret), []byte(common.ConfigDirName), []byte("credentials v1"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrEncryption, err)
	}
	return key, nil
}

func machineID() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(path); err == nil {
			return strings.TrimSpace(string(data))
		}
	}
	return "default-machine-id"
}

func (s *Store) loadLocked() error {
	data, err := os.ReadFile(s.file)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrCredentialStorage, err)
	}
	plain, err := s.decrypt(data)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plain, &s.entries); err != nil {
		return fmt.Errorf("%w: %v", common.ErrDecryption, err)
	}
	return nil
}

func (s *Store) saveLocked() error {
	plain, err := json.Marshal(s.entries)
	if err != nil {
		return err
	}
	data, err := s.encrypt(plain)
	if err != nil {
		return err
	}
	tmp := s.file + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("%w: %v", common.ErrCredentialStorage, err)
	}
	if err := os.Rename(tmp, s.file); err != nil {
		return fmt.Errorf("%w: %v", common.ErrCredentialStorage, err)
	}
	return nil
}

func (s *Store) encrypt(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrEncryption, err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrEncryption, err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return []byte(base64.StdEncoding.EncodeToString(sealed)), nil
}

func (s *Store) decrypt(data []byte) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryption, err)
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryption, err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext too short", common.ErrDecryption)
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryption, err)
	}
	return plain, nil
}

// Store saves the secret of a profile.
func (s *Store) Store(profileID, secret string) error {
	if profileID == "" {
		return fmt.Errorf("%w: profile ID cannot be empty", common.ErrCredentialStorage)
	}
	if secret == "" {
		return fmt.Errorf("%w: secret cannot be empty", common.ErrCredentialStorage)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.useFile {
		err := keyring.Set(s.service, profileID, secret)
		if err == nil {
			return nil
		}
		return fmt.Errorf("%w: %v", common.ErrCredentialStorage, err)
	}
	s.entries[profileID] = secret
	return s.saveLocked()
}

// Get returns the secret of a profile or ErrNotFound.
func (s *Store) Get(profileID string) (string, error) {
	if profileID == "" {
		return "", ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.useFile {
		secret, err := keyring.Get(s.service, profileID)
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrNotFound
		}
		if err != nil {
			return "", fmt.Errorf("%w: %v", common.ErrCredentialStorage, err)
		}
		return secret, nil
	}
	secret, ok := s.entries[profileID]
	if !ok {
		return "", ErrNotFound
	}
	return secret, nil
}

// Delete removes the secret of a profile. Deleting a missing secret is not an error.
func (s *Store) Delete(profileID string) error {
	if profileID == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.useFile {
		err := keyring.Delete(s.service, profileID)
		if err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("%w: %v", common.ErrCredentialStorage, err)
		}
		return nil
	}
	if _, ok := s.entries[profileID]; !ok {
		return nil
	}
	delete(s.entries, profileID)
	return s.saveLocked()
}

// Exists reports whether a secret is stored for the profile.
func (s *Store) Exists(profileID string) bool {
	_, err := s.Get(profileID)
	return err == nil
}

// Backend names the storage in use.
func (s *Store) Backend() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.useFile {
		return "file"
	}
	return "system"
}
