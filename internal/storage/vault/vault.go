// Package vault provides an encrypted key/value store for credentials.
// Values are sealed with XChaCha20-Poly1305 using a per-installation key,
// and the key name is bound as associated data so ciphertexts cannot be
// swapped between keys.
package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/felixgeelhaar/picala/internal/storage/local"
)

var (
	// ErrInvalidKey is returned when the key file does not hold a usable key
	ErrInvalidKey = errors.New("invalid vault key")
	// ErrCorrupt is returned when a stored value cannot be opened
	ErrCorrupt = errors.New("vault entry corrupt")
)

// Vault is an encrypted key/value store
type Vault struct {
	store *local.Store
	aead  cipher.AEAD
}

// Open opens the vault stored in dir, creating the key at keyPath on first use
func Open(dir, keyPath string) (*Vault, error) {
	key, err := LoadOrCreateKey(keyPath)
	if err != nil {
		return nil, err
	}

	store, err := local.NewStore(dir)
	if err != nil {
		return nil, fmt.Errorf("open vault store: %w", err)
	}

	return New(store, key)
}

// New creates a vault over an existing store with the given 32-byte key
func New(store *local.Store, key []byte) (*Vault, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &Vault{store: store, aead: aead}, nil
}

// LoadOrCreateKey reads the key at path or generates a new random key
func LoadOrCreateKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, chacha20poly1305.KeySize, len(key))
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read vault key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}

	key = make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate vault key: %w", err)
	}
	if err := os.WriteFile(path, key, 0600); err != nil {
		return nil, fmt.Errorf("write vault key: %w", err)
	}
	return key, nil
}

// Get decrypts and returns the value for key
func (v *Vault) Get(key string) (string, bool, error) {
	sealed, ok, err := v.store.Get(key)
	if err != nil || !ok {
		return "", ok, err
	}

	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil || len(raw) < v.aead.NonceSize() {
		return "", false, ErrCorrupt
	}

	nonce, ciphertext := raw[:v.aead.NonceSize()], raw[v.aead.NonceSize():]
	plain, err := v.aead.Open(nil, nonce, ciphertext, []byte(key))
	if err != nil {
		return "", false, ErrCorrupt
	}
	return string(plain), true, nil
}

// Set encrypts and stores value under key
func (v *Vault) Set(key, value string) error {
	nonce := make([]byte, v.aead.NonceSize(), v.aead.NonceSize()+len(value)+v.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	sealed := v.aead.Seal(nonce, nonce, []byte(value), []byte(key))
	return v.store.Set(key, base64.StdEncoding.EncodeToString(sealed))
}

// Delete removes key
func (v *Vault) Delete(key string) error {
	return v.store.Delete(key)
}

// Clear removes every key
func (v *Vault) Clear() error {
	return v.store.Clear()
}
