// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

// Package source reads from and restores into the operational database.
// The engine never owns the operational schema; it only assumes each
// table carries a primary key and soft-delete watermark columns, which
// is how change capture distinguishes inserts, updates, and deletes
// without a write-ahead log.
package source

import (
	"context"
	"errors"
	"time"

	"github.com/custodia-engine/custodia/internal/models"
)

var (
	// ErrTableNotFound is returned when a configured table does not exist
	// in the operational database.
	ErrTableNotFound = errors.New("source: table not found")

	// ErrNoWatermark is returned by change capture when a table has none
	// of the configured watermark columns; such tables can only be backed
	// up in full.
	ErrNoWatermark = errors.New("source: table has no watermark columns")
)

// Reader captures rows from the operational database.
type Reader interface {
	// ReadAll returns every live row of a table as insert records.
	ReadAll(ctx context.Context, table string) ([]models.Record, error)

	// ReadChangedSince returns rows created, updated, or soft-deleted
	// after the watermark, classified by change kind.
	ReadChangedSince(ctx context.Context, table string, since time.Time) ([]models.Record, error)

	// Count returns the live row count. Post-restore verification
	// compares it against the artifact manifest.
	Count(ctx context.Context, table string) (int64, error)
}

// Sink applies captured records back into the operational database
// during disaster recovery. All writes happen inside a restore-scoped
// transaction: a restore either commits in full or leaves the target
// in its pre-restore state.
type Sink interface {
	// BeginRestore opens a transaction spanning every table touched by
	// one restore. The caller must finish it with Commit or Rollback.
	BeginRestore(ctx context.Context) (RestoreTx, error)
}

// RestoreTx is one atomic restore. Nothing is visible to other readers
// of the operational database until Commit.
type RestoreTx interface {
	// Truncate removes every row of a table. Complete restore truncates
	// before replaying the full artifact.
	Truncate(ctx context.Context, table string) error

	// Apply replays records in order: inserts insert, updates replace by
	// primary key, deletes remove by primary key.
	Apply(ctx context.Context, table string, records []models.Record) error

	Commit() error
	Rollback() error
}

// Database is the full operational-database access the engine needs.
type Database interface {
	Reader
	Sink
	Close() error
}
