// Package crypto seals data source credentials at rest with AES-256-GCM.
// Only the declared sensitive fields of a connection config are encrypted;
// the rest stays queryable plaintext.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

// encPrefix marks an encrypted value. Values already carrying the prefix
// are left untouched, making EncryptConfig idempotent.
const encPrefix = "enc:v1:"

// sensitiveFields is the closed set of config keys encrypted at rest.
var sensitiveFields = map[string]bool{
	"password":      true,
	"api_key":       true,
	"secret":        true,
	"token":         true,
	"access_token":  true,
	"refresh_token": true,
	"client_secret": true,
	"private_key":   true,
	"ssh_key":       true,
}

// IsSensitiveField reports whether a config key holds credential material.
func IsSensitiveField(name string) bool {
	return sensitiveFields[strings.ToLower(name)]
}

// Encryptor seals and opens values with a fixed 32-byte key.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor builds an encryptor from a base64-encoded 32-byte key.
func NewEncryptor(encodedKey string) (*Encryptor, error) {
	if encodedKey == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}

	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		// Accept a raw 32-byte key for local development
		if len(encodedKey) == 32 {
			key = []byte(encodedKey)
		} else {
			return nil, fmt.Errorf("encryption key is not valid base64: %w", err)
		}
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Encryptor{aead: aead}, nil
}

// Encrypt seals plaintext and returns a prefixed, base64-encoded token.
func (e *Encryptor) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := e.aead.Seal(nonce, nonce, plaintext, nil)
	return encPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a token produced by Encrypt.
func (e *Encryptor) Decrypt(token string) ([]byte, error) {
	if !strings.HasPrefix(token, encPrefix) {
		return nil, fmt.Errorf("value is not encrypted")
	}

	sealed, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(token, encPrefix))
	if err != nil {
		return nil, fmt.Errorf("invalid encrypted value: %w", err)
	}
	if len(sealed) < e.aead.NonceSize() {
		return nil, fmt.Errorf("encrypted value too short")
	}

	nonce, ciphertext := sealed[:e.aead.NonceSize()], sealed[e.aead.NonceSize():]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plaintext, nil
}

// IsEncrypted reports whether a value carries the encryption prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, encPrefix)
}

// EncryptConfig returns a copy of the config with every sensitive string
// field sealed. Already-encrypted values pass through unchanged.
func (e *Encryptor) EncryptConfig(config map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(config))
	for k, v := range config {
		s, isString := v.(string)
		if !isString || !IsSensitiveField(k) || IsEncrypted(s) {
			out[k] = v
			continue
		}

		sealed, err := e.Encrypt([]byte(s))
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt field %q: %w", k, err)
		}
		out[k] = sealed
	}
	return out, nil
}

// DecryptConfig returns a copy of the config with every sealed field
// opened. Plaintext fields pass through unchanged.
func (e *Encryptor) DecryptConfig(config map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(config))
	for k, v := range config {
		s, isString := v.(string)
		if !isString || !IsEncrypted(s) {
			out[k] = v
			continue
		}

		plain, err := e.Decrypt(s)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt field %q: %w", k, err)
		}
		out[k] = string(plain)
	}
	return out, nil
}
