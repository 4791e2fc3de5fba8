// Package vault encrypts credentials at rest with AES-256-GCM. The key is
// derived from a locally held secret with HKDF-SHA256; ciphertexts are
// base64(nonce || sealed).
package vault

import (
	"context"
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

const (
	salt = "tubescope-user-settings"
	info = "settings-credentials-v1"

	keySize   = 32
	nonceSize = 12
)

var (
	ErrEmptySecret       = errors.New("encryption secret is empty")
	ErrUnavailable       = errors.New("encryption unavailable")
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// Encryptor implements the settings encryption boundary. The zero value is
// usable and reports itself unavailable.
type Encryptor struct {
	aead cipher.AEAD
}

// New derives a key from secret.
func New(secret string) (*Encryptor, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), []byte(salt), []byte(info)), key); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating gcm: %w", err)
	}
	return &Encryptor{aead: aead}, nil
}

// Available reports whether the encryptor holds a key.
func (e *Encryptor) Available() bool {
	return e != nil && e.aead != nil
}

func (e *Encryptor) Encrypt(_ context.Context, plaintext string) (string, error) {
	if !e.Available() {
		return "", ErrUnavailable
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (e *Encryptor) Decrypt(_ context.Context, ciphertext string) (string, error) {
	if !e.Available() {
		return "", ErrUnavailable
	}
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	if len(data) < nonceSize+e.aead.Overhead() {
		return "", fmt.Errorf("%w: too short", ErrInvalidCiphertext)
	}
	plain, err := e.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}
