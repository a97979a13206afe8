// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2024-2026 runwatch contributors
// https://github.com/fr4nsys/runwatch

package crypto

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// TokenPrefix marks an encrypted credential value. Values without the
// prefix are treated as plaintext for forward migration.
const TokenPrefix = "enc:v1:"

const (
	keyEnvVar   = "RUNWATCH_SECRET_KEY"
	keyFileName = ".credentials.key"

	pbkdf2Iterations = 100_000
)

// pbkdf2Salt is fixed because the derived key must be stable across
// restarts without extra state next to the passphrase.
var pbkdf2Salt = []byte("runwatch-credential-vault")

// Vault encrypts notification credentials into self-describing tokens.
type Vault struct {
	enc *AESEncryptor
}

// NewVault wraps an encryptor.
func NewVault(enc *AESEncryptor) *Vault { return &Vault{enc: enc} }

// OpenVault resolves the vault key and returns a ready vault. Resolution
// order: RUNWATCH_SECRET_KEY (64 hex chars, or a passphrase to derive
// from), then a key file under dataDir (created on first use, mode 0600).
func OpenVault(dataDir string) (*Vault, error) {
	if v := os.Getenv(keyEnvVar); v != "" {
		enc, err := NewAESEncryptor(v)
		if err == nil {
			return NewVault(enc), nil
		}
		// Not a hex key: treat as passphrase.
		derived := pbkdf2.Key([]byte(v), pbkdf2Salt, pbkdf2Iterations, 32, sha256.New)
		enc, err = NewAESEncryptorFromBytes(derived)
		if err != nil {
			return nil, err
		}
		return NewVault(enc), nil
	}

	path := filepath.Join(dataDir, keyFileName)
	if raw, err := os.ReadFile(path); err == nil {
		enc, err := NewAESEncryptor(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("key file %s: %w", path, err)
		}
		return NewVault(enc), nil
	}

	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(key+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("write key file %s: %w", path, err)
	}
	enc, err := NewAESEncryptor(key)
	if err != nil {
		return nil, err
	}
	return NewVault(enc), nil
}

// Seal encrypts value into an enc:v1: token. Empty values and values that
// are already tokens pass through unchanged.
func (v *Vault) Seal(value string) (string, error) {
	if value == "" || IsSealed(value) {
		return value, nil
	}
	ct, err := v.enc.Encrypt(value)
	if err != nil {
		return "", err
	}
	return TokenPrefix + ct, nil
}

// Open decrypts an enc:v1: token. Plain values pass through unchanged so
// configs written before encryption was enabled keep working.
func (v *Vault) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	return v.enc.Decrypt(strings.TrimPrefix(value, TokenPrefix))
}

// IsSealed reports whether value is an encrypted token.
func IsSealed(value string) bool { return strings.HasPrefix(value, TokenPrefix) }
