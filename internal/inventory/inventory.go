// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

// Package inventory tracks every backup artifact the engine has produced.
// The inventory is the authoritative record the retention sweeper,
// compliance processor, and disaster recovery all read; losing it means
// losing the ability to locate, verify, or expire artifacts, so the
// production store is a durable embedded database.
package inventory

import (
	"context"
	"errors"

	"github.com/custodia-engine/custodia/internal/models"
)

var (
	// ErrArtifactNotFound is returned when an artifact id is not in the
	// inventory.
	ErrArtifactNotFound = errors.New("inventory: artifact not found")

	// ErrChainBroken is returned when an incremental chain cannot be
	// walked back to a full artifact without gaps.
	ErrChainBroken = errors.New("inventory: incremental chain is broken")
)

// Store is the artifact inventory. Artifact ids are ULIDs, so
// lexicographic key order is creation-time order.
type Store interface {
	// Put inserts or replaces an artifact record.
	Put(ctx context.Context, artifact *models.BackupArtifact) error

	// Get returns the artifact with the given id, or ErrArtifactNotFound.
	Get(ctx context.Context, id string) (*models.BackupArtifact, error)

	// List returns all artifacts in creation order, oldest first.
	List(ctx context.Context) ([]*models.BackupArtifact, error)

	// Update applies mutate to the stored artifact atomically. The
	// retention sweeper and compliance processor use this for flag flips
	// (archived, legal hold, in-use) so concurrent writers never lose an
	// update.
	Update(ctx context.Context, id string, mutate func(*models.BackupArtifact) error) error

	// Delete removes an artifact record. Deleting an absent id is an
	// error; the caller should know what it is deleting.
	Delete(ctx context.Context, id string) error

	// Close releases the underlying database.
	Close() error
}

// LatestOfType returns the newest artifact of the given type, or
// ErrArtifactNotFound when none exists.
func LatestOfType(ctx context.Context, store Store, typ models.BackupType) (*models.BackupArtifact, error) {
	all, err := store.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Type == typ {
			return all[i], nil
		}
	}
	return nil, ErrArtifactNotFound
}

// Latest returns the newest artifact of any type, or ErrArtifactNotFound.
func Latest(ctx context.Context, store Store) (*models.BackupArtifact, error) {
	all, err := store.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, ErrArtifactNotFound
	}
	return all[len(all)-1], nil
}
