// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

package keystore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/custodia-engine/custodia/internal/logging"
)

// MemoryStore holds secrets in process memory. Secrets do not survive a
// restart and are visible to anything that can read process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	secrets map[string][]byte
}

// NewMemoryStore creates an in-memory secret store and logs the required
// degraded-security warning.
func NewMemoryStore() *MemoryStore {
	logging.Warn().
		Str("component", "keystore").
		Msg("No KMS configured; using process-held key material (non-production only)")
	return &MemoryStore{secrets: make(map[string][]byte)}
}

// GetSecret implements Store.
func (s *MemoryStore) GetSecret(_ context.Context, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	material, ok := s.secrets[id]
	if !ok {
		return nil, ErrSecretNotFound
	}
	out := make([]byte, len(material))
	copy(out, material)
	return out, nil
}

// PutSecret implements Store.
func (s *MemoryStore) PutSecret(_ context.Context, id string, material []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := make([]byte, len(material))
	copy(stored, material)
	s.secrets[id] = stored
	return nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id := range s.secrets {
		if strings.HasPrefix(id, prefix) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, material := range s.secrets {
		for i := range material {
			material[i] = 0
		}
		delete(s.secrets, id)
	}
	return nil
}
