// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/custodia-engine/custodia/internal/logging"
	"github.com/custodia-engine/custodia/internal/metrics"
)

// archiveDir is the subdirectory holding cold-tier objects.
const archiveDir = "archive"

// FilesystemBackend stores artifacts as files under a base directory.
// The default for single-node deployments and the backend every test
// exercises.
type FilesystemBackend struct {
	baseDir string
}

// NewFilesystemBackend creates the base directory if needed.
func NewFilesystemBackend(baseDir string) (*FilesystemBackend, error) {
	for _, dir := range []string{baseDir, filepath.Join(baseDir, archiveDir)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating storage directory %s: %w", dir, err)
		}
	}
	logging.Info().Str("base_dir", baseDir).Msg("Filesystem storage backend ready")
	return &FilesystemBackend{baseDir: baseDir}, nil
}

// Name implements Backend.
func (b *FilesystemBackend) Name() string { return "filesystem" }

// path flattens a storage key into a file name. Keys are engine-built
// (artifact ULIDs plus suffixes), so the flattening never collides.
func (b *FilesystemBackend) path(key string) string {
	return filepath.Join(b.baseDir, flattenKey(key))
}

func (b *FilesystemBackend) archivePath(key string) string {
	return filepath.Join(b.baseDir, archiveDir, flattenKey(key))
}

func flattenKey(key string) string {
	return strings.NewReplacer("/", "_", "\\", "_").Replace(key)
}

// Upload implements Backend. Writes to a temp file and renames, so
// readers never observe a partial object.
func (b *FilesystemBackend) Upload(_ context.Context, key string, data []byte) error {
	defer metrics.ObserveStorageOp(b.Name(), "upload", time.Now())

	target := b.path(key)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("committing %s: %w", key, err)
	}
	return nil
}

// Download implements Backend. Falls back to the archive tier so
// archived artifacts stay restorable.
func (b *FilesystemBackend) Download(_ context.Context, key string) ([]byte, error) {
	defer metrics.ObserveStorageOp(b.Name(), "download", time.Now())

	data, err := os.ReadFile(b.path(key))
	if os.IsNotExist(err) {
		data, err = os.ReadFile(b.archivePath(key))
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	return data, nil
}

// Delete implements Backend. Removes the object from whichever tier
// holds it.
func (b *FilesystemBackend) Delete(_ context.Context, key string) error {
	defer metrics.ObserveStorageOp(b.Name(), "delete", time.Now())

	for _, p := range []string{b.path(key), b.archivePath(key)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("deleting %s: %w", key, err)
		}
	}
	return nil
}

// Archive implements Backend. Moves the object into the archive
// subdirectory.
func (b *FilesystemBackend) Archive(_ context.Context, key string) error {
	defer metrics.ObserveStorageOp(b.Name(), "archive", time.Now())

	src := b.path(key)
	dst := b.archivePath(key)
	err := os.Rename(src, dst)
	if os.IsNotExist(err) {
		if _, statErr := os.Stat(dst); statErr == nil {
			return nil // already archived
		}
		return fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	if err != nil {
		return fmt.Errorf("archiving %s: %w", key, err)
	}
	return nil
}

// Close implements Backend.
func (b *FilesystemBackend) Close() error { return nil }
