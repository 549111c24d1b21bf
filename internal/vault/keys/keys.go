// Package keys manages the per-device encryption key of the vault.
//
// A device owns one random root secret and one random salt, created on first
// run and never rotated. The vault key is derived from both with
// PBKDF2-SHA256 every time the process starts and is never written anywhere.
// Losing either the secret or the salt makes every encrypted entry
// unreadable.
package keys

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// SecretSize is the length of the device root secret in bytes.
	SecretSize = 32

	// SaltSize is the length of the device salt in bytes.
	SaltSize = 16

	// KeySize is the length of the derived AES-256 key in bytes.
	KeySize = 32

	// Iterations is the PBKDF2 iteration count.
	Iterations = 100000

	// SecretName and SaltName are the names under which a SecretProvider
	// persists the root material.
	SecretName = "device_secret"
	SaltName   = "device_salt"
)

// ErrEntropy is returned when the system random source cannot produce new
// root material. It is fatal for the engine.
var ErrEntropy = errors.New("entropy source unavailable")

// Manager derives and holds the vault key for the lifetime of the process.
type Manager struct {
	provider SecretProvider
	rand     io.Reader

	mu  sync.Mutex
	key *lockedKey
}

// NewManager creates a key manager reading root material through provider.
func NewManager(provider SecretProvider) *Manager {
	return &Manager{
		provider: provider,
		rand:     rand.Reader,
	}
}

// EnsureDeviceSecret returns the device root secret, creating and
// persisting a new one on first use.
func (m *Manager) EnsureDeviceSecret(ctx context.Context) ([]byte, error) {
	return m.ensure(ctx, SecretName, SecretSize)
}

// EnsureDeviceSalt returns the device salt, creating and persisting a new
// one on first use.
func (m *Manager) EnsureDeviceSalt(ctx context.Context) ([]byte, error) {
	return m.ensure(ctx, SaltName, SaltSize)
}

func (m *Manager) ensure(ctx context.Context, name string, size int) ([]byte, error) {
	existing, found, err := m.provider.Load(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", name, err)
	}
	if found {
		if len(existing) != size {
			// never replace: a new value would orphan every encrypted entry
			return nil, fmt.Errorf("stored %s has length %d, want %d", name, len(existing), size)
		}
		return existing, nil
	}

	fresh := make([]byte, size)
	if _, err := io.ReadFull(m.rand, fresh); err != nil {
		return nil, fmt.Errorf("failed to generate %s: %w: %v", name, ErrEntropy, err)
	}
	if err := m.provider.Save(ctx, name, fresh); err != nil {
		return nil, fmt.Errorf("failed to save %s: %w", name, err)
	}
	return fresh, nil
}

// DeriveKey derives the vault key from the device secret and salt.
// The result is deterministic for the same inputs.
func DeriveKey(secret, salt []byte) []byte {
	return pbkdf2.Key(secret, salt, Iterations, KeySize, sha256.New)
}

// Init ensures the root material exists and derives the vault key. Calling
// Init again after a successful call is a no-op.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.key != nil {
		return nil
	}

	secret, err := m.EnsureDeviceSecret(ctx)
	if err != nil {
		return err
	}
	salt, err := m.EnsureDeviceSalt(ctx)
	if err != nil {
		return err
	}

	derived := DeriveKey(secret, salt)
	zero(secret)

	key, err := newLockedKey(derived)
	if err != nil {
		return fmt.Errorf("failed to hold vault key: %w", err)
	}
	m.key = key
	return nil
}

// Key returns the derived vault key, or nil before Init. The returned slice
// is owned by the manager and becomes invalid after Close.
func (m *Manager) Key() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.key == nil {
		return nil
	}
	return m.key.Bytes()
}

// Close zeroes and releases the held key. Close is idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.key == nil {
		return nil
	}
	err := m.key.Close()
	m.key = nil
	return err
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
