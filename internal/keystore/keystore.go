// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

// Package keystore provides the key-management collaborator boundary: a
// small secret store interface with badger, file and in-memory
// implementations, selected at configuration-load time.
//
// The in-memory store exists so the engine can run without a configured
// KMS; it is process-held material and acceptable for non-production only.
// Constructing it logs a degraded-security warning.
package keystore

import (
	"context"
	"errors"
)

// ErrSecretNotFound is returned when a secret id cannot be resolved.
var ErrSecretNotFound = errors.New("keystore: secret not found")

// Store is the key-management capability consumed by the crypto core.
type Store interface {
	// GetSecret resolves a secret by id. Returns ErrSecretNotFound when the
	// id is unknown.
	GetSecret(ctx context.Context, id string) ([]byte, error)

	// PutSecret persists a secret under an id, overwriting any prior value.
	PutSecret(ctx context.Context, id string, material []byte) error

	// List returns the ids stored under a prefix, in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Close releases the store's resources.
	Close() error
}
