// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

// Package storage provides the artifact storage backends. All backends
// move opaque encrypted blobs; nothing in this package sees plaintext.
package storage

import (
	"context"
	"errors"
)

// Storage classes an artifact can occupy. Standard is the hot tier an
// artifact is uploaded to; archive is the cold, cheaper tier retention
// migrates aged artifacts into.
const (
	ClassStandard = "standard"
	ClassArchive  = "archive"
)

var (
	// ErrObjectNotFound is returned when a storage key does not exist in
	// the backend.
	ErrObjectNotFound = errors.New("storage: object not found")

	// ErrBackendUnavailable wraps transport failures after the retry
	// budget is exhausted or while the circuit breaker is open.
	ErrBackendUnavailable = errors.New("storage: backend unavailable")
)

// Backend stores encrypted artifact payloads by key.
type Backend interface {
	// Name identifies the backend in logs, metrics, and artifact records.
	Name() string

	// Upload stores data under key, overwriting any existing object.
	Upload(ctx context.Context, key string, data []byte) error

	// Download returns the object stored under key, or ErrObjectNotFound.
	// Archived objects remain downloadable.
	Download(ctx context.Context, key string) ([]byte, error)

	// Delete removes the object under key. Deleting an absent key is not
	// an error; deletion is retried after partial failures.
	Delete(ctx context.Context, key string) error

	// Archive migrates the object to the cold storage class. The key is
	// unchanged. Archiving an already-archived object is a no-op.
	Archive(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}
