// Package keystore seals secrets at rest: exported device identity keys
// and channel PSKs. One 32-byte master key, XChaCha20-Poly1305, with the
// record kind bound as associated data so a sealed blob cannot be
// replayed as a different record type.
package keystore

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	KeySize   = 32
	NonceSize = 24 // XChaCha20-Poly1305
)

var ErrSealedTooShort = errors.New("sealed record too short")

type Keystore struct {
	aead cipher.AEAD
}

// New builds a keystore from a raw 32-byte master key.
func New(masterKey []byte) (*Keystore, error) {
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", KeySize, len(masterKey))
	}
	aead, err := chacha20poly1305.NewX(masterKey)
	if err != nil {
		return nil, err
	}
	return &Keystore{aead: aead}, nil
}

// FromHex builds a keystore from a hex-encoded master key.
func FromHex(hexKey string) (*Keystore, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	return New(key)
}

// GenerateHex returns a fresh random master key, hex encoded, for
// first-time setup.
func GenerateHex() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", err
	}
	return hex.EncodeToString(key), nil
}

// Seal encrypts plaintext under the master key. The result is
// nonce-prefixed; kind is bound as associated data.
func (k *Keystore) Seal(kind string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return k.aead.Seal(nonce, nonce, plaintext, []byte(kind)), nil
}

// Open decrypts a record sealed with Seal under the same kind.
func (k *Keystore) Open(kind string, sealed []byte) ([]byte, error) {
	if len(sealed) < NonceSize+chacha20poly1305.Overhead {
		return nil, ErrSealedTooShort
	}
	plain, err := k.aead.Open(nil, sealed[:NonceSize], sealed[NonceSize:], []byte(kind))
	if err != nil {
		return nil, fmt.Errorf("open %s record: %w", kind, err)
	}
	return plain, nil
}
