// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

package crypto

import "errors"

var (
	// ErrIntegrity is returned when an authentication tag does not verify:
	// the ciphertext was tampered with or the wrong key was used. Never
	// retried.
	ErrIntegrity = errors.New("crypto: integrity check failed")

	// ErrKeyNotFound is returned when a key id cannot be resolved, current
	// or retired. Fatal to the operation; encryption never falls back to
	// plaintext.
	ErrKeyNotFound = errors.New("crypto: encryption key not found")

	// ErrEmptyPlaintext is returned when attempting to encrypt empty data.
	ErrEmptyPlaintext = errors.New("crypto: plaintext cannot be empty")

	// ErrCiphertextTooShort is returned when a ciphertext is shorter than
	// its mandatory header.
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")

	// ErrInvalidCiphertext is returned when the ciphertext envelope cannot
	// be parsed.
	ErrInvalidCiphertext = errors.New("crypto: invalid ciphertext format")

	// ErrKeyIDMismatch is returned when the key id embedded in a
	// ciphertext does not match the id the caller asked to decrypt under.
	ErrKeyIDMismatch = errors.New("crypto: ciphertext bound to a different key id")
)
