// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

package keystore

import (
	"context"
	"errors"
	"fmt"
	"sort"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerStore persists secrets in an embedded badger database. This is the
// production-local option when no external KMS is reachable from the
// engine's network segment.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) a badger-backed secret store at path.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // badger's own logger is too chatty; we log at call sites

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open keystore database: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// GetSecret implements Store.
func (s *BadgerStore) GetSecret(_ context.Context, id string) ([]byte, error) {
	var material []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(id))
		if err != nil {
			return err
		}
		material, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrSecretNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read secret %s: %w", id, err)
	}
	return material, nil
}

// PutSecret implements Store.
func (s *BadgerStore) PutSecret(_ context.Context, id string, material []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(id), material)
	})
	if err != nil {
		return fmt.Errorf("failed to store secret %s: %w", id, err)
	}
	return nil
}

// List implements Store.
func (s *BadgerStore) List(_ context.Context, prefix string) ([]string, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			ids = append(ids, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// Close implements Store.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
