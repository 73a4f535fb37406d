// Package secrets encrypts sensitive metadata fields at rest. The key is
// derived from a configured secret with SHA-256; values are sealed with
// AES-256-GCM and stored as "enc:<base64 iv>.<base64 tag>.<base64 ct>".
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const encPrefix = "enc:"

// MinSecretLen is the minimum length of the configured secret.
const MinSecretLen = 32

// Box derives an AES-256-GCM cipher from a secret and seals/opens field
// values.
type Box struct {
	aead cipher.AEAD
}

// ErrSecretTooShort is returned when the configured secret is under 32 chars.
var ErrSecretTooShort = errors.New("secrets: secret must be at least 32 characters")

// NewBox derives the encryption key from secret.
func NewBox(secret string) (*Box, error) {
	if len(secret) < MinSecretLen {
		return nil, ErrSecretTooShort
	}
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("secrets: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: %w", err)
	}
	return &Box{aead: aead}, nil
}

// Encrypt seals a plaintext value into the stored form. Empty input is
// returned unchanged.
func (b *Box) Encrypt(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}
	iv := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("secrets: nonce: %w", err)
	}
	sealed := b.aead.Seal(nil, iv, []byte(plain), nil)
	// Seal appends the tag; split it out so the stored form carries
	// iv, tag, and ciphertext separately.
	tagAt := len(sealed) - b.aead.Overhead()
	ct, tag := sealed[:tagAt], sealed[tagAt:]
	enc := base64.StdEncoding
	return encPrefix + enc.EncodeToString(iv) + "." + enc.EncodeToString(tag) + "." + enc.EncodeToString(ct), nil
}

// Decrypt opens a stored value. Values without the enc: prefix pass through
// unchanged so pre-encryption rows stay readable.
func (b *Box) Decrypt(stored string) (string, error) {
	if !IsEncrypted(stored) {
		return stored, nil
	}
	parts := strings.SplitN(strings.TrimPrefix(stored, encPrefix), ".", 3)
	if len(parts) != 3 {
		return "", errors.New("secrets: malformed encrypted value")
	}
	enc := base64.StdEncoding
	iv, err := enc.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("secrets: iv: %w", err)
	}
	tag, err := enc.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("secrets: tag: %w", err)
	}
	ct, err := enc.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("secrets: ciphertext: %w", err)
	}
	plain, err := b.aead.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("secrets: open: %w", err)
	}
	return string(plain), nil
}

// IsEncrypted reports whether a stored value is in the sealed form.
func IsEncrypted(v string) bool { return strings.HasPrefix(v, encPrefix) }

// SensitiveMetadataKeys are the metadata fields encrypted at rest.
var SensitiveMetadataKeys = []string{"email", "name", "user_id", "customer_id"}

// EncryptMetadata seals the sensitive fields of a metadata map in place.
func (b *Box) EncryptMetadata(md map[string]any) error {
	for _, k := range SensitiveMetadataKeys {
		v, ok := md[k].(string)
		if !ok || v == "" || IsEncrypted(v) {
			continue
		}
		sealed, err := b.Encrypt(v)
		if err != nil {
			return err
		}
		md[k] = sealed
	}
	return nil
}
