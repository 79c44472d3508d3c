// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

// Package crypto implements envelope encryption for backup artifacts and
// deterministic PII protection for record payloads.
//
// Artifacts are sealed with AES-256-GCM. The data key for each key id is
// derived from the keyring's master key material with HKDF-SHA256, so
// master keys never touch ciphertext directly. Every ciphertext embeds
// the id of the key that sealed it; after rotation, old artifacts decrypt
// under their retired key while new writes use the active one.
//
// Decryption fails closed: a tampered ciphertext or unresolvable key id
// returns an error, never partial plaintext.
package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/crypto/hkdf"

	"github.com/custodia-engine/custodia/internal/audit"
	"github.com/custodia-engine/custodia/internal/metrics"
)

const (
	// hkdfSalt binds derived data keys to artifact encryption. Changing it
	// invalidates all existing ciphertexts.
	hkdfSalt = "custodia-artifact-encryption"

	// hkdfInfoAEAD versions the AEAD derivation context.
	hkdfInfoAEAD = "aead-v1"

	// hkdfInfoPII versions the pseudonymization derivation context. Kept
	// distinct from the AEAD context so the same master key yields
	// independent subkeys.
	hkdfInfoPII = "pii-v1"

	derivedKeySize = 32
	maxKeyIDLen    = 255
)

// Engine seals and opens artifact payloads using keys from a Keyring.
type Engine struct {
	keyring *Keyring
	auditor *audit.Logger
}

// NewEngine returns an Engine backed by the given keyring.
func NewEngine(keyring *Keyring, auditor *audit.Logger) *Engine {
	return &Engine{keyring: keyring, auditor: auditor}
}

// Keyring exposes the engine's keyring for rotation and key resolution.
func (e *Engine) Keyring() *Keyring {
	return e.keyring
}

// Encrypt seals plaintext under the active key and returns the
// ciphertext envelope together with the id of the key used. The envelope
// layout is:
//
//	[1 byte key id length][key id][12 byte nonce][GCM sealed data]
//
// The key id doubles as GCM additional data, binding the envelope header
// to the sealed payload.
func (e *Engine) Encrypt(ctx context.Context, plaintext []byte) ([]byte, string, error) {
	if len(plaintext) == 0 {
		return nil, "", ErrEmptyPlaintext
	}

	key, err := e.keyring.Current(ctx)
	if err != nil {
		e.recordFailure("encrypt", "", err)
		return nil, "", err
	}
	if len(key.ID) > maxKeyIDLen {
		return nil, "", fmt.Errorf("%w: key id %q exceeds %d bytes", ErrInvalidCiphertext, key.ID, maxKeyIDLen)
	}

	gcm, err := e.aead(key)
	if err != nil {
		e.recordFailure("encrypt", key.ID, err)
		return nil, "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		e.recordFailure("encrypt", key.ID, err)
		return nil, "", fmt.Errorf("generating nonce: %w", err)
	}

	out := make([]byte, 0, 1+len(key.ID)+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, byte(len(key.ID)))
	out = append(out, key.ID...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, plaintext, []byte(key.ID))

	metrics.CryptoOperationsTotal.WithLabelValues("encrypt", "success").Inc()
	if e.auditor != nil {
		e.auditor.Security(audit.EventCryptoEncrypt, audit.OutcomeSuccess, key.ID,
			map[string]string{"plaintext_bytes": strconv.Itoa(len(plaintext))})
	}

	return out, key.ID, nil
}

// Decrypt opens a ciphertext envelope, resolving the embedded key id
// against the keyring. Tampering with any byte of the envelope,
// including the key id header, yields ErrIntegrity.
func (e *Engine) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	keyID, nonce, sealed, err := splitEnvelope(ciphertext)
	if err != nil {
		e.recordFailure("decrypt", "", err)
		return nil, err
	}

	key, err := e.keyring.Resolve(ctx, keyID)
	if err != nil {
		e.recordFailure("decrypt", keyID, err)
		return nil, err
	}

	gcm, err := e.aead(key)
	if err != nil {
		e.recordFailure("decrypt", keyID, err)
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		e.recordFailure("decrypt", keyID, ErrInvalidCiphertext)
		return nil, ErrInvalidCiphertext
	}

	plaintext, err := gcm.Open(nil, nonce, sealed, []byte(keyID))
	if err != nil {
		e.recordFailure("decrypt", keyID, ErrIntegrity)
		return nil, ErrIntegrity
	}

	metrics.CryptoOperationsTotal.WithLabelValues("decrypt", "success").Inc()
	if e.auditor != nil {
		e.auditor.Security(audit.EventCryptoDecrypt, audit.OutcomeSuccess, keyID, nil)
	}

	return plaintext, nil
}

// aead builds the AES-256-GCM cipher for a key, deriving the data key
// from its master material.
func (e *Engine) aead(key *Key) (cipher.AEAD, error) {
	derived, err := deriveKey(key.Material, hkdfInfoAEAD)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

func (e *Engine) recordFailure(op, keyID string, err error) {
	metrics.CryptoOperationsTotal.WithLabelValues(op, "failure").Inc()
	if e.auditor != nil {
		e.auditor.Security(audit.EventCryptoFailure, audit.OutcomeFailure, keyID,
			map[string]string{"operation": op, "error": err.Error()})
	}
}

// splitEnvelope parses the ciphertext header without verifying the
// payload. The nonce boundary is validated against the fixed GCM nonce
// size during Decrypt.
func splitEnvelope(ciphertext []byte) (keyID string, nonce, sealed []byte, err error) {
	const nonceSize = 12 // standard GCM nonce
	if len(ciphertext) < 2 {
		return "", nil, nil, ErrCiphertextTooShort
	}
	idLen := int(ciphertext[0])
	if idLen == 0 || len(ciphertext) < 1+idLen+nonceSize+1 {
		return "", nil, nil, ErrCiphertextTooShort
	}
	keyID = string(ciphertext[1 : 1+idLen])
	nonce = ciphertext[1+idLen : 1+idLen+nonceSize]
	sealed = ciphertext[1+idLen+nonceSize:]
	return keyID, nonce, sealed, nil
}

// deriveKey expands master material into a purpose-bound subkey.
func deriveKey(material []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, material, []byte(hkdfSalt), []byte(info))
	derived := make([]byte, derivedKeySize)
	if _, err := io.ReadFull(r, derived); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return derived, nil
}
