// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

package keystore

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileStore keeps one secret per file under a directory, base64-encoded,
// with 0600 permissions.
type FileStore struct {
	dir string
}

// NewFileStore creates (if needed) the secrets directory and returns a
// file-backed store.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create keystore directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(id string) string {
	// Secret ids contain timestamps with colons; flatten to a safe name.
	name := strings.NewReplacer("/", "_", ":", "-").Replace(id)
	return filepath.Join(s.dir, name+".secret")
}

// GetSecret implements Store.
func (s *FileStore) GetSecret(_ context.Context, id string) ([]byte, error) {
	data, err := os.ReadFile(s.path(id))
	if os.IsNotExist(err) {
		return nil, ErrSecretNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read secret %s: %w", id, err)
	}

	material, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("corrupt secret file for %s: %w", id, err)
	}
	return material, nil
}

// PutSecret implements Store.
func (s *FileStore) PutSecret(_ context.Context, id string, material []byte) error {
	encoded := base64.StdEncoding.EncodeToString(material)

	// Write-then-rename so a crash never leaves a half-written secret.
	tmp := s.path(id) + ".tmp"
	if err := os.WriteFile(tmp, []byte(encoded), 0o600); err != nil {
		return fmt.Errorf("failed to write secret %s: %w", id, err)
	}
	if err := os.Rename(tmp, s.path(id)); err != nil {
		return fmt.Errorf("failed to commit secret %s: %w", id, err)
	}
	return nil
}

// List implements Store.
func (s *FileStore) List(_ context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list keystore directory: %w", err)
	}

	flatPrefix := strings.NewReplacer("/", "_", ":", "-").Replace(prefix)
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".secret") {
			continue
		}
		id := strings.TrimSuffix(name, ".secret")
		if strings.HasPrefix(id, flatPrefix) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Close implements Store.
func (s *FileStore) Close() error {
	return nil
}
