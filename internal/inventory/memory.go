// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

package inventory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/custodia-engine/custodia/internal/models"
)

// MemoryStore is an in-memory inventory for tests and dry runs. Contents
// are lost on restart.
type MemoryStore struct {
	mu        sync.RWMutex
	artifacts map[string]models.BackupArtifact
}

// NewMemoryStore returns an empty in-memory inventory.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{artifacts: make(map[string]models.BackupArtifact)}
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, artifact *models.BackupArtifact) error {
	if artifact.ID == "" {
		return fmt.Errorf("artifact has no id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[artifact.ID] = *artifact
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (*models.BackupArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	artifact, ok := s.artifacts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, id)
	}
	return &artifact, nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context) ([]*models.BackupArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.BackupArtifact, 0, len(s.artifacts))
	for id := range s.artifacts {
		artifact := s.artifacts[id]
		out = append(out, &artifact)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Update implements Store.
func (s *MemoryStore) Update(_ context.Context, id string, mutate func(*models.BackupArtifact) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	artifact, ok := s.artifacts[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrArtifactNotFound, id)
	}
	if err := mutate(&artifact); err != nil {
		return err
	}
	s.artifacts[id] = artifact
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.artifacts[id]; !ok {
		return fmt.Errorf("%w: %s", ErrArtifactNotFound, id)
	}
	delete(s.artifacts, id)
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}
