// Copyright (C) 2025 Kodiak Ops (engineering@kodiakops.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package compliance

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/awnumar/memguard"
	"golang.org/x/sys/unix"
)

// PHI cipher errors.
var (
	// ErrNoKey means no key material was found in the environment or
	// key file.
	ErrNoKey = errors.New("no PHI encryption key configured")

	// ErrWeakKey means the key is too short, all-zero, or a known
	// placeholder value.
	ErrWeakKey = errors.New("PHI encryption key rejected as weak")

	// ErrCiphertext means the ciphertext is malformed or failed
	// authentication.
	ErrCiphertext = errors.New("invalid PHI ciphertext")
)

// phiKeyEnv is the environment variable holding the base64 or hex
// encoded 32-byte key.
const phiKeyEnv = "KODIAK_PHI_KEY"

// phiKeyBytes is the required key length (AES-256).
const phiKeyBytes = 32

// ciphertextPrefix versions the wire format so a future cipher change
// can coexist with old data.
const ciphertextPrefix = "phi:v1:"

// FieldCipher encrypts individual PHI field values with AES-256-GCM.
//
// # Description
//
// Each Encrypt call draws a fresh random nonce, so encrypting the same
// plaintext twice yields different ciphertexts. The key lives in a
// memguard LockedBuffer: mlocked where the OS allows it, zeroed on
// Destroy, and never copied into garbage-collected memory.
//
// Ciphertext format: "phi:v1:" + base64(nonce || sealed).
//
// # Thread Safety
//
// Safe for concurrent use after construction. Destroy must not race
// with Encrypt or Decrypt.
type FieldCipher struct {
	key  *memguard.LockedBuffer
	aead cipher.AEAD
}

// NewFieldCipher builds a cipher from raw 32-byte key material. The
// caller's copy should be wiped after the call; the cipher keeps its
// own locked copy.
func NewFieldCipher(key []byte) (*FieldCipher, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}

	locked := memguard.NewBufferFromBytes(key)

	block, err := aes.NewCipher(locked.Bytes())
	if err != nil {
		locked.Destroy()
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		locked.Destroy()
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	return &FieldCipher{key: locked, aead: aead}, nil
}

// NewFieldCipherFromEnv loads the key from KODIAK_PHI_KEY (base64 or
// hex), or from the file at keyFile when the variable is unset.
//
// Returns ErrNoKey when neither source yields material and ErrWeakKey
// when the material fails the strength check. There is no default key:
// PHI encryption without an operator-provided key is refused.
func NewFieldCipherFromEnv(keyFile string, logger *slog.Logger) (*FieldCipher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	raw := strings.TrimSpace(os.Getenv(phiKeyEnv))
	source := phiKeyEnv
	if raw == "" && keyFile != "" {
		data, err := os.ReadFile(keyFile)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, ErrNoKey
			}
			return nil, fmt.Errorf("read key file: %w", err)
		}
		raw = strings.TrimSpace(string(data))
		source = keyFile
	}
	if raw == "" {
		return nil, ErrNoKey
	}

	key, err := decodeKey(raw)
	if err != nil {
		return nil, fmt.Errorf("key from %s: %w", source, err)
	}

	if !mlockAvailable() {
		logger.Warn("RLIMIT_MEMLOCK too low; PHI key pages may be swappable",
			"hint", "raise memlock ulimit for the kodiak process")
	}

	c, err := NewFieldCipher(key)
	if err != nil {
		return nil, err
	}
	logger.Info("PHI field cipher initialized", "source", source)
	return c, nil
}

// decodeKey accepts base64 (std or url) or hex encodings of exactly 32
// bytes.
func decodeKey(raw string) ([]byte, error) {
	if key, err := hex.DecodeString(raw); err == nil && len(key) == phiKeyBytes {
		return key, nil
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding} {
		if key, err := enc.DecodeString(raw); err == nil && len(key) == phiKeyBytes {
			return key, nil
		}
	}
	return nil, fmt.Errorf("%w: need %d bytes, base64 or hex encoded", ErrWeakKey, phiKeyBytes)
}

// checkKey rejects short, all-identical, and placeholder keys.
func checkKey(key []byte) error {
	if len(key) != phiKeyBytes {
		return fmt.Errorf("%w: got %d bytes, need %d", ErrWeakKey, len(key), phiKeyBytes)
	}
	uniform := true
	for _, b := range key[1:] {
		if b != key[0] {
			uniform = false
			break
		}
	}
	if uniform {
		return fmt.Errorf("%w: uniform byte pattern", ErrWeakKey)
	}
	lowered := strings.ToLower(string(key))
	for _, placeholder := range []string{"default", "changeme", "password", "secret"} {
		if strings.Contains(lowered, placeholder) {
			return fmt.Errorf("%w: placeholder key material", ErrWeakKey)
		}
	}
	return nil
}

// mlockAvailable reports whether the memlock rlimit covers at least one
// page of locked key material.
func mlockAvailable() bool {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &lim); err != nil {
		return false
	}
	return lim.Cur == unix.RLIM_INFINITY || lim.Cur >= 4096
}

// GenerateKey returns a fresh random 32-byte key, base64 encoded for
// storage in the environment or a key file.
func GenerateKey() (string, error) {
	key := make([]byte, phiKeyBytes)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	memguard.WipeBytes(key)
	return encoded, nil
}

// Encrypt seals a field value. A fresh nonce is drawn per call.
func (c *FieldCipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return ciphertextPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt. Tampered or
// truncated input fails with ErrCiphertext.
func (c *FieldCipher) Decrypt(ciphertext string) (string, error) {
	encoded, ok := strings.CutPrefix(ciphertext, ciphertextPrefix)
	if !ok {
		return "", fmt.Errorf("%w: missing version prefix", ErrCiphertext)
	}

	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCiphertext, err)
	}
	if len(sealed) < c.aead.NonceSize() {
		return "", fmt.Errorf("%w: too short", ErrCiphertext)
	}

	nonce, body := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, body, nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrCiphertext)
	}
	return string(plaintext), nil
}

// EncryptFields seals the named fields of a record map in place,
// returning the list of fields actually encrypted. Missing fields are
// skipped; non-string fields are an error.
func (c *FieldCipher) EncryptFields(record map[string]any, fields []string) ([]string, error) {
	var encrypted []string
	for _, field := range fields {
		val, ok := record[field]
		if !ok {
			continue
		}
		s, ok := val.(string)
		if !ok {
			return encrypted, fmt.Errorf("field %q is not a string", field)
		}
		sealed, err := c.Encrypt(s)
		if err != nil {
			return encrypted, fmt.Errorf("encrypt field %q: %w", field, err)
		}
		record[field] = sealed
		encrypted = append(encrypted, field)
	}
	return encrypted, nil
}

// Destroy wipes the key. The cipher is unusable afterwards.
func (c *FieldCipher) Destroy() {
	if c.key != nil {
		c.key.Destroy()
		c.key = nil
	}
	c.aead = nil
}
