// Package crypto seals data source connection descriptors at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrInvalidKey is returned when the encryption key is empty.
	ErrInvalidKey = errors.New("invalid encryption key: must not be empty")
	// ErrDecryptionFailed covers bad ciphertext, a wrong key, or a descriptor sealed for another id.
	ErrDecryptionFailed = errors.New("decryption failed: invalid ciphertext or wrong key")
)

// DescriptorSealer encrypts descriptors with AES-256-GCM. The owning data source id is
// bound as additional data, so a sealed descriptor cannot be copied onto another row.
type DescriptorSealer struct {
	aead cipher.AEAD
}

// NewDescriptorSealer accepts a base64-encoded 32-byte key (openssl rand -base64 32) or,
// failing that, any passphrase, which is stretched with SHA-256.
func NewDescriptorSealer(keyInput string) (*DescriptorSealer, error) {
	if keyInput == "" {
		return nil, ErrInvalidKey
	}

	key, err := base64.StdEncoding.DecodeString(keyInput)
	if err != nil || len(key) != 32 {
		sum := sha256.Sum256([]byte(keyInput))
		key = sum[:]
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &DescriptorSealer{aead: aead}, nil
}

// Seal serializes descriptor and returns base64(nonce || ciphertext || tag).
func (s *DescriptorSealer) Seal(ownerID string, descriptor map[string]any) (string, error) {
	plain, err := json.Marshal(descriptor)
	if err != nil {
		return "", fmt.Errorf("failed to marshal descriptor: %w", err)
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := s.aead.Seal(nonce, nonce, plain, []byte(ownerID))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. An empty input yields an empty descriptor.
func (s *DescriptorSealer) Open(ownerID, sealed string) (map[string]any, error) {
	if sealed == "" {
		return map[string]any{}, nil
	}

	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: base64 decode failed", ErrDecryptionFailed)
	}

	n := s.aead.NonceSize()
	if len(data) < n+s.aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}

	plain, err := s.aead.Open(nil, data[:n], data[n:], []byte(ownerID))
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrDecryptionFailed)
	}

	var descriptor map[string]any
	if err := json.Unmarshal(plain, &descriptor); err != nil {
		return nil, fmt.Errorf("failed to unmarshal descriptor: %w", err)
	}
	return descriptor, nil
}
