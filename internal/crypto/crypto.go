// Package crypto seals small secrets, such as the stored bearer token, with
// AES-256-GCM under a key derived from a machine identifier.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

var (
	// ErrInvalidCiphertext is returned when opening fails.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	// ErrInvalidKey is returned when the key is invalid.
	ErrInvalidKey = errors.New("invalid key")
)

const (
	keySalt        = "tasksync"
	keyInfo        = "tasksync credential store v1"
	defaultMachine = "tasksync-default-machine"
)

// DeriveKey derives a 32-byte key from a machine identifier with HKDF-SHA256.
func DeriveKey(machineID string) ([]byte, error) {
	if machineID == "" {
		machineID = defaultMachine
	}
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(machineID), []byte(keySalt), []byte(keyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// Sealer encrypts and authenticates values with one fixed key.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer creates a Sealer from a 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != 32 {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: gcm}, nil
}

// NewMachineSealer creates a Sealer keyed to machineID.
func NewMachineSealer(machineID string) (*Sealer, error) {
	key, err := DeriveKey(machineID)
	if err != nil {
		return nil, err
	}
	return NewSealer(key)
}

// Seal encrypts plaintext and returns base64(nonce || ciphertext).
// additional is authenticated but not encrypted.
func (s *Sealer) Seal(plaintext, additional []byte) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := s.aead.Seal(nonce, nonce, plaintext, additional)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. additional must match the value given to Seal.
func (s *Sealer) Open(sealed string, additional []byte) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	nonceSize := s.aead.NonceSize()
	if len(data) < nonceSize {
		return nil, ErrInvalidCiphertext
	}
	plaintext, err := s.aead.Open(nil, data[:nonceSize], data[nonceSize:], additional)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plaintext, nil
}
