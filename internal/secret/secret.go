// Package secret encrypts configuration secrets at rest.
//
// A random 256-bit master key is created on first use and kept in a
// user-private file (~/.felay/.master-key, hex, 0600). Values are sealed
// with AES-256-GCM (96-bit nonce, 128-bit tag) and stored as
// "enc:" + base64(nonce || ciphertext || tag). Plaintext exists only in
// memory; conversion happens at the config-store boundary.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Prefix marks an encrypted value on disk.
const Prefix = "enc:"

const keySize = 32 // AES-256

var (
	// ErrMalformed indicates a value that carries the prefix but does not
	// decode to a valid sealed payload.
	ErrMalformed = errors.New("malformed encrypted value")
)

// Store seals and opens secret strings with the per-host master key.
type Store struct {
	aead cipher.AEAD
}

// Open loads the master key from keyPath, creating it on first use.
// A key file that cannot be read or created is a fatal startup condition;
// the caller is expected to exit.
func Open(keyPath string) (*Store, error) {
	key, err := loadOrCreateKey(keyPath)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}

	return &Store{aead: aead}, nil
}

// loadOrCreateKey reads the hex-encoded key file, generating a fresh random
// key with owner-only permissions when absent.
func loadOrCreateKey(keyPath string) ([]byte, error) {
	data, err := os.ReadFile(keyPath)
	if err == nil {
		key, decErr := hex.DecodeString(strings.TrimSpace(string(data)))
		if decErr != nil || len(key) != keySize {
			return nil, fmt.Errorf("corrupt master key file %s", keyPath)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read master key: %w", err)
	}

	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(key)+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("failed to write master key: %w", err)
	}
	return key, nil
}

// IsEncrypted reports whether the value already carries the on-disk prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, Prefix)
}

// Encrypt seals a plaintext value. Already-encrypted values are returned
// unchanged so repeated saves are idempotent. Empty values stay empty.
func (s *Store) Encrypt(value string) (string, error) {
	if value == "" || IsEncrypted(value) {
		return value, nil
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal appends ciphertext||tag to the nonce.
	sealed := s.aead.Seal(nonce, nonce, []byte(value), nil)
	return Prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens an "enc:"-prefixed value. Unprefixed values are passed
// through unchanged (never-encrypted configs keep working).
func (s *Store) Decrypt(value string) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}

	sealed, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, Prefix))
	if err != nil {
		return "", ErrMalformed
	}
	if len(sealed) < s.aead.NonceSize() {
		return "", ErrMalformed
	}

	nonce, ciphertext := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrMalformed
	}
	return string(plain), nil
}
