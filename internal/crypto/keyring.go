// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

package crypto

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/custodia-engine/custodia/internal/audit"
	"github.com/custodia-engine/custodia/internal/keystore"
	"github.com/custodia-engine/custodia/internal/logging"
	"github.com/custodia-engine/custodia/internal/metrics"
)

const (
	// masterKeySize is the size of a master key in bytes (256 bits).
	masterKeySize = 32

	// currentKeyPointer is the keystore id holding the id of the active key.
	currentKeyPointer = "current-key"

	// keyIDPrefix prefixes every generated key id. Key ids contain no
	// colons or slashes so every keystore backend round-trips them.
	keyIDPrefix = "ek-"
)

// Key is a master encryption key held in the keystore. Material never
// appears in logs or audit events, only the id does.
type Key struct {
	ID          string    `json:"id"`
	Material    []byte    `json:"material"`
	CreatedAt   time.Time `json:"created_at"`
	RotatedFrom string    `json:"rotated_from,omitempty"`
}

// Keyring manages master keys: it tracks the single active key used for
// new encryptions and resolves retired keys by id so artifacts written
// under earlier keys stay decryptable after rotation.
type Keyring struct {
	store   keystore.Store
	auditor *audit.Logger

	mu        sync.RWMutex
	currentID string
	cache     map[string]*Key

	// rotateMu serializes rotations so concurrent attempts observing the
	// same key collapse to a single new key.
	rotateMu sync.Mutex
}

// NewKeyring loads the active key from the store, generating an initial
// key when the store is empty.
func NewKeyring(ctx context.Context, store keystore.Store, auditor *audit.Logger) (*Keyring, error) {
	kr := &Keyring{
		store:   store,
		auditor: auditor,
		cache:   make(map[string]*Key),
	}

	raw, err := store.GetSecret(ctx, currentKeyPointer)
	switch {
	case err == nil:
		id := strings.TrimSpace(string(raw))
		key, err := kr.load(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("loading active key %s: %w", id, err)
		}
		kr.currentID = key.ID
		logging.Info().Str("key_id", key.ID).Msg("Keyring loaded active encryption key")

	case errors.Is(err, keystore.ErrSecretNotFound):
		key, err := kr.generate(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("generating initial key: %w", err)
		}
		kr.currentID = key.ID
		logging.Info().Str("key_id", key.ID).Msg("Keyring generated initial encryption key")

	default:
		return nil, fmt.Errorf("reading active key pointer: %w", err)
	}

	return kr, nil
}

// CurrentID returns the id of the active key.
func (kr *Keyring) CurrentID() string {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return kr.currentID
}

// Current returns the active key.
func (kr *Keyring) Current(ctx context.Context) (*Key, error) {
	kr.mu.RLock()
	id := kr.currentID
	if key, ok := kr.cache[id]; ok {
		kr.mu.RUnlock()
		return key, nil
	}
	kr.mu.RUnlock()
	return kr.Resolve(ctx, id)
}

// Resolve returns the key with the given id, active or retired. Unknown
// ids return ErrKeyNotFound.
func (kr *Keyring) Resolve(ctx context.Context, id string) (*Key, error) {
	kr.mu.RLock()
	if key, ok := kr.cache[id]; ok {
		kr.mu.RUnlock()
		return key, nil
	}
	kr.mu.RUnlock()

	key, err := kr.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return key, nil
}

// Rotate generates a new master key and makes it the active key. The
// previous key stays resolvable for decryption of existing artifacts.
// Concurrent rotations collapse to a single winner: losers observe the
// changed pointer and return the winner's key.
func (kr *Keyring) Rotate(ctx context.Context) (*Key, error) {
	kr.mu.RLock()
	observed := kr.currentID
	kr.mu.RUnlock()
	return kr.rotateFrom(ctx, observed)
}

// rotateFrom rotates only if observed is still the active key id. A
// stale observed id means another rotation already won; the caller gets
// the winner's key instead of a second rotation.
func (kr *Keyring) rotateFrom(ctx context.Context, observed string) (*Key, error) {
	kr.rotateMu.Lock()
	defer kr.rotateMu.Unlock()

	kr.mu.RLock()
	if kr.currentID != observed {
		id := kr.currentID
		key := kr.cache[id]
		kr.mu.RUnlock()
		if key != nil {
			return key, nil
		}
		return kr.Resolve(ctx, id)
	}
	kr.mu.RUnlock()

	key, err := kr.generate(ctx, observed)
	if err != nil {
		return nil, fmt.Errorf("rotating encryption key: %w", err)
	}

	kr.mu.Lock()
	kr.currentID = key.ID
	kr.mu.Unlock()

	metrics.KeyRotationsTotal.Inc()
	logging.Info().
		Str("key_id", key.ID).
		Str("previous_key_id", observed).
		Msg("Encryption key rotated")

	if kr.auditor != nil {
		kr.auditor.Security(audit.EventKeyRotated, audit.OutcomeSuccess, key.ID,
			map[string]string{"previous_key_id": observed})
	}

	return key, nil
}

// generate creates a fresh key, persists it, and repoints the active-key
// pointer at it.
func (kr *Keyring) generate(ctx context.Context, rotatedFrom string) (*Key, error) {
	material := make([]byte, masterKeySize)
	if _, err := rand.Read(material); err != nil {
		return nil, fmt.Errorf("generating key material: %w", err)
	}

	now := time.Now().UTC()
	key := &Key{
		ID:          fmt.Sprintf("%s%d", keyIDPrefix, now.UnixNano()),
		Material:    material,
		CreatedAt:   now,
		RotatedFrom: rotatedFrom,
	}

	blob, err := json.Marshal(key)
	if err != nil {
		return nil, fmt.Errorf("encoding key: %w", err)
	}
	if err := kr.store.PutSecret(ctx, key.ID, blob); err != nil {
		return nil, fmt.Errorf("persisting key: %w", err)
	}
	if err := kr.store.PutSecret(ctx, currentKeyPointer, []byte(key.ID)); err != nil {
		return nil, fmt.Errorf("updating active key pointer: %w", err)
	}

	kr.mu.Lock()
	kr.cache[key.ID] = key
	kr.mu.Unlock()

	return key, nil
}

func (kr *Keyring) load(ctx context.Context, id string) (*Key, error) {
	raw, err := kr.store.GetSecret(ctx, id)
	if err != nil {
		if errors.Is(err, keystore.ErrSecretNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, id)
		}
		return nil, fmt.Errorf("reading key %s: %w", id, err)
	}

	var key Key
	if err := json.Unmarshal(raw, &key); err != nil {
		return nil, fmt.Errorf("decoding key %s: %w", id, err)
	}
	if len(key.Material) != masterKeySize {
		return nil, fmt.Errorf("key %s has invalid material length %d", id, len(key.Material))
	}

	kr.mu.Lock()
	kr.cache[key.ID] = &key
	kr.mu.Unlock()

	return &key, nil
}
