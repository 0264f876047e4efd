// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultKeyIterations is the PBKDF2 work factor used when none is
	// configured.
	DefaultKeyIterations = 100_000

	// saltContext binds derived keys to this purpose; rotating it
	// invalidates every sealed token.
	saltContext = "keyfort.session.v1"

	keyLen = 32 // AES-256
)

// Crypto seals session tokens at rest with AES-256-GCM. The key is
// derived once from the configured master key and lives only in memory.
type Crypto struct {
	aead cipher.AEAD
}

// NewCrypto derives the sealing key from masterKey. Iterations at or
// below zero fall back to DefaultKeyIterations.
func NewCrypto(masterKey string, iterations int) (*Crypto, error) {
	return NewCryptoWithSalt(masterKey, saltContext, iterations)
}

// NewCryptoWithSalt derives the sealing key with a deployment-specific
// salt. Changing the salt invalidates every sealed token.
func NewCryptoWithSalt(masterKey, salt string, iterations int) (*Crypto, error) {
	if masterKey == "" {
		return nil, fmt.Errorf("master key is required")
	}
	if salt == "" {
		salt = saltContext
	}
	if iterations <= 0 {
		iterations = DefaultKeyIterations
	}

	key := pbkdf2.Key([]byte(masterKey), []byte(salt), iterations, keyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Crypto{aead: aead}, nil
}

// Encrypt seals plaintext and returns a base64url ciphertext with the
// nonce prepended.
func (c *Crypto) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Tampered or foreign ciphertexts fail
// authentication.
func (c *Crypto) Decrypt(encoded string) (string, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("invalid ciphertext encoding: %w", err)
	}
	ns := c.aead.NonceSize()
	if len(data) < ns {
		return "", fmt.Errorf("ciphertext too short")
	}
	plain, err := c.aead.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plain), nil
}
