// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

package compliance

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/custodia-engine/custodia/internal/crypto"
	"github.com/custodia-engine/custodia/internal/inventory"
	"github.com/custodia-engine/custodia/internal/keystore"
	"github.com/custodia-engine/custodia/internal/models"
	"github.com/custodia-engine/custodia/internal/payload"
	"github.com/custodia-engine/custodia/internal/storage"
)

// memReverseMap is the in-memory crypto.ReverseMapStore for tests.
type memReverseMap struct {
	mu sync.Mutex
	m  map[string]string
}

func newMemReverseMap() *memReverseMap {
	return &memReverseMap{m: make(map[string]string)}
}

func (s *memReverseMap) Remember(_ context.Context, pseudonym, original string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[pseudonym]; !ok {
		s.m[pseudonym] = original
	}
	return nil
}

func (s *memReverseMap) Lookup(_ context.Context, pseudonym string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	original, ok := s.m[pseudonym]
	if !ok {
		return "", keystore.ErrSecretNotFound
	}
	return original, nil
}

// testEnv is the wired erasure/portability stack over an in-memory
// inventory and a filesystem backend.
type testEnv struct {
	inv       inventory.Store
	backend   storage.Backend
	engine    *crypto.Engine
	protector *crypto.Protector
	specs     []models.TableSpec
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	keyring, err := crypto.NewKeyring(ctx, keystore.NewMemoryStore(), nil)
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	backend, err := storage.NewFilesystemBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilesystemBackend: %v", err)
	}
	engine := crypto.NewEngine(keyring, nil)

	return &testEnv{
		inv:       inventory.NewMemoryStore(),
		backend:   backend,
		engine:    engine,
		protector: crypto.NewProtector(keyring, nil, crypto.ModePseudonymize, newMemReverseMap()),
		specs: []models.TableSpec{
			{Name: "users", Tier: models.TierCritical, ContainsPII: true, PIIFields: []string{"email"}, Frequency: models.FrequencyDaily, RetentionYears: 1},
			{Name: "orders", Tier: models.TierHigh, Frequency: models.FrequencyDaily, RetentionYears: 3},
		},
	}
}

func (e *testEnv) eraser() *Eraser {
	return NewEraser(e.inv, e.backend, e.engine, e.protector, e.specs, nil, nil)
}

func (e *testEnv) exporter(ttl time.Duration) *Exporter {
	return NewExporter(e.inv, e.backend, e.engine, e.protector, e.specs, nil, nil, ttl)
}

func userRecord(email string, orderCount int) models.Record {
	return models.Record{
		Kind: models.ChangeInsert,
		At:   time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
		Fields: map[string]any{
			"id":     fmt.Sprintf("u-%s", email),
			"email":  email,
			"orders": orderCount,
		},
	}
}

// seedArtifact protects PII fields, encodes, encrypts, uploads and
// registers one artifact the way the backup path does.
func seedArtifact(t *testing.T, env *testEnv, id string, tables map[string][]models.Record, legalHold bool) *models.BackupArtifact {
	t.Helper()
	ctx := context.Background()

	protected := make(map[string][]models.Record, len(tables))
	piiProtected := make(map[string]bool, len(tables))
	for _, spec := range env.specs {
		records, ok := tables[spec.Name]
		if !ok {
			continue
		}
		if spec.ContainsPII {
			out, err := env.protector.Protect(ctx, records, spec.PIIFields)
			if err != nil {
				t.Fatalf("Protect(%s): %v", spec.Name, err)
			}
			protected[spec.Name] = out
			piiProtected[spec.Name] = true
			continue
		}
		protected[spec.Name] = records
	}

	data, manifest, err := payload.Encode(protected)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	sealed, keyID, err := env.engine.Encrypt(ctx, data)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	key := "backups/" + id
	if err := env.backend.Upload(ctx, key, sealed); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	for table := range manifest {
		entry := manifest[table]
		entry.PIIProtected = piiProtected[table]
		manifest[table] = entry
	}
	artifact := &models.BackupArtifact{
		ID:              id,
		Type:            models.BackupFull,
		CreatedAt:       time.Now().UTC(),
		SizeBytes:       int64(len(sealed)),
		StorageLocation: env.backend.Name(),
		StorageKey:      key,
		StorageClass:    storage.ClassStandard,
		EncryptionKeyID: keyID,
		Compression:     payload.CompressionName,
		TableManifest:   manifest,
		LegalHold:       legalHold,
	}
	if err := env.inv.Put(ctx, artifact); err != nil {
		t.Fatalf("Put: %v", err)
	}
	return artifact
}

// readTables downloads and decodes one artifact's payload.
func readTables(t *testing.T, env *testEnv, artifact *models.BackupArtifact) map[string][]models.Record {
	t.Helper()
	ctx := context.Background()

	sealed, err := env.backend.Download(ctx, artifact.StorageKey)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	plain, err := env.engine.Decrypt(ctx, sealed)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	tables, err := payload.Decode(plain)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return tables
}
