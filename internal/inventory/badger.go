// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

package inventory

import (
	"context"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/custodia-engine/custodia/internal/models"
)

// artifactKeyPrefix namespaces artifact records so the same badger
// database can host other inventory-adjacent data.
const artifactKeyPrefix = "artifact:"

// BadgerStore is the durable inventory backed by an embedded badger
// database.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) the inventory database at path.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // badger's own logger is too chatty; we log at call sites

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open inventory database: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// NewBadgerStoreFromDB wraps an already-open badger database. Used when
// the inventory shares a database with the compliance request log.
func NewBadgerStoreFromDB(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func artifactKey(id string) []byte {
	return []byte(artifactKeyPrefix + id)
}

// Put implements Store.
func (s *BadgerStore) Put(_ context.Context, artifact *models.BackupArtifact) error {
	if artifact.ID == "" {
		return fmt.Errorf("artifact has no id")
	}
	blob, err := json.Marshal(artifact)
	if err != nil {
		return fmt.Errorf("encoding artifact %s: %w", artifact.ID, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(artifactKey(artifact.ID), blob)
	})
	if err != nil {
		return fmt.Errorf("storing artifact %s: %w", artifact.ID, err)
	}
	return nil
}

// Get implements Store.
func (s *BadgerStore) Get(_ context.Context, id string) (*models.BackupArtifact, error) {
	var artifact models.BackupArtifact
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(artifactKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &artifact)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading artifact %s: %w", id, err)
	}
	return &artifact, nil
}

// List implements Store. ULID keys iterate in creation order.
func (s *BadgerStore) List(_ context.Context) ([]*models.BackupArtifact, error) {
	var artifacts []*models.BackupArtifact
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(artifactKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var artifact models.BackupArtifact
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &artifact)
			})
			if err != nil {
				return err
			}
			artifacts = append(artifacts, &artifact)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing artifacts: %w", err)
	}
	return artifacts, nil
}

// Update implements Store. The read-mutate-write runs inside one badger
// transaction, so concurrent flag flips serialize instead of clobbering.
func (s *BadgerStore) Update(_ context.Context, id string, mutate func(*models.BackupArtifact) error) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(artifactKey(id))
		if err != nil {
			return err
		}
		var artifact models.BackupArtifact
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &artifact)
		}); err != nil {
			return err
		}
		if err := mutate(&artifact); err != nil {
			return err
		}
		blob, err := json.Marshal(&artifact)
		if err != nil {
			return err
		}
		return txn.Set(artifactKey(id), blob)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", ErrArtifactNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("updating artifact %s: %w", id, err)
	}
	return nil
}

// Delete implements Store.
func (s *BadgerStore) Delete(_ context.Context, id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		// badger deletes are blind; check existence first so callers hear
		// about dangling ids.
		if _, err := txn.Get(artifactKey(id)); err != nil {
			return err
		}
		return txn.Delete(artifactKey(id))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", ErrArtifactNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("deleting artifact %s: %w", id, err)
	}
	return nil
}

// Close implements Store.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
