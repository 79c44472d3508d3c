// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

package compliance

import (
	"context"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/custodia-engine/custodia/internal/crypto"
	"github.com/custodia-engine/custodia/internal/keystore"
)

// reverseMapPrefix namespaces pseudonym mappings inside the badger
// database.
const reverseMapPrefix = "revmap:"

// BadgerReverseMap retains pseudonym-to-original mappings, encrypted at
// rest with the engine's envelope encryption. Only portability exports
// read it back.
type BadgerReverseMap struct {
	db     *badger.DB
	engine *crypto.Engine
}

// NewBadgerReverseMap wraps an open badger database.
func NewBadgerReverseMap(db *badger.DB, engine *crypto.Engine) *BadgerReverseMap {
	return &BadgerReverseMap{db: db, engine: engine}
}

// Remember implements crypto.ReverseMapStore. Existing mappings are left
// alone; a pseudonym is a pure function of its original, so the first
// write is as good as any.
func (m *BadgerReverseMap) Remember(ctx context.Context, pseudonym, original string) error {
	key := []byte(reverseMapPrefix + pseudonym)

	err := m.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		sealed, _, err := m.engine.Encrypt(ctx, []byte(original))
		if err != nil {
			return err
		}
		return txn.Set(key, sealed)
	})
	if err != nil {
		return fmt.Errorf("storing reverse mapping: %w", err)
	}
	return nil
}

// Lookup implements crypto.ReverseMapStore.
func (m *BadgerReverseMap) Lookup(ctx context.Context, pseudonym string) (string, error) {
	var sealed []byte
	err := m.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(reverseMapPrefix + pseudonym))
		if err != nil {
			return err
		}
		sealed, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", keystore.ErrSecretNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reading reverse mapping: %w", err)
	}

	original, err := m.engine.Decrypt(ctx, sealed)
	if err != nil {
		return "", fmt.Errorf("unsealing reverse mapping: %w", err)
	}
	return string(original), nil
}
