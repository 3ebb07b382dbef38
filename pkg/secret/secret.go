// Package secret encrypts configuration values at rest.
//
// An encrypted value has the form "encrypted:<base64(salt|nonce|ciphertext)>".
// The key is derived from a passphrase with Argon2id and the payload is sealed
// with XChaCha20-Poly1305.
package secret

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// Prefix marks a configuration value as encrypted.
	Prefix = "encrypted:"
	// KeyEnv names the environment variable holding the passphrase.
	KeyEnv = "SQLGATE_SECRET_KEY"

	saltLen = 16
)

var (
	ErrNoKey      = errors.New("secret: no passphrase configured")
	ErrMalformed  = errors.New("secret: malformed encrypted value")
	ErrNotEncrypt = errors.New("secret: value is not encrypted")
)

func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, chacha20poly1305.KeySize)
}

// Encrypt seals plaintext with passphrase and returns the prefixed value.
func Encrypt(passphrase, plaintext string) (string, error) {
	if passphrase == "" {
		return "", ErrNoKey
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("secret: salt: %w", err)
	}

	aead, err := chacha20poly1305.NewX(deriveKey(passphrase, salt))
	if err != nil {
		return "", fmt.Errorf("secret: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secret: nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return Prefix + base64.StdEncoding.EncodeToString(append(salt, sealed...)), nil
}

// Decrypt opens a value produced by Encrypt.
func Decrypt(passphrase, value string) (string, error) {
	if !IsEncrypted(value) {
		return "", ErrNotEncrypt
	}
	if passphrase == "" {
		return "", ErrNoKey
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, Prefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) < saltLen+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return "", ErrMalformed
	}

	salt, rest := raw[:saltLen], raw[saltLen:]
	aead, err := chacha20poly1305.NewX(deriveKey(passphrase, salt))
	if err != nil {
		return "", fmt.Errorf("secret: %w", err)
	}

	nonce, ciphertext := rest[:aead.NonceSize()], rest[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("secret: decrypt: %w", err)
	}
	return string(plain), nil
}

// IsEncrypted reports whether value carries the encrypted prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, Prefix)
}
