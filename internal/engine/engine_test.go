// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

package engine

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/custodia-engine/custodia/internal/backup"
	"github.com/custodia-engine/custodia/internal/config"
	"github.com/custodia-engine/custodia/internal/crypto"
	"github.com/custodia-engine/custodia/internal/models"
	"github.com/custodia-engine/custodia/internal/source"
	"github.com/custodia-engine/custodia/internal/storage"
)

// seedSourceDB creates a duckdb file with the engine's test schema and a
// few rows, then closes it so the engine can open it itself.
func seedSourceDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.duckdb")
	db, err := sql.Open("duckdb", path)
	if err != nil {
		t.Fatalf("open duckdb: %v", err)
	}
	defer db.Close()

	now := time.Now().UTC().Add(-time.Hour)
	schema := `
		CREATE TABLE users (
			id INTEGER PRIMARY KEY,
			email VARCHAR,
			created_at TIMESTAMP,
			updated_at TIMESTAMP,
			deleted_at TIMESTAMP
		);
		CREATE TABLE orders (
			id INTEGER PRIMARY KEY,
			user_id INTEGER,
			created_at TIMESTAMP,
			updated_at TIMESTAMP,
			deleted_at TIMESTAMP
		);
	`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	if _, err := db.Exec(
		"INSERT INTO users (id, email, created_at, updated_at) VALUES (1, 'ada@example.com', ?, ?), (2, 'grace@example.com', ?, ?)",
		now, now, now, now); err != nil {
		t.Fatalf("seed users: %v", err)
	}
	if _, err := db.Exec(
		"INSERT INTO orders (id, user_id, created_at, updated_at) VALUES (10, 1, ?, ?)",
		now, now); err != nil {
		t.Fatalf("seed orders: %v", err)
	}
	return path
}

func testEngineConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Source: source.Config{
			Driver: "duckdb",
			DSN:    seedSourceDB(t),
		},
		Storage: storage.Config{
			Provider: "filesystem",
			BaseDir:  t.TempDir(),
		},
		Keystore: config.KeystoreConfig{Backend: "memory"},
		PII: config.PIIConfig{
			Mode:          crypto.ModePseudonymize,
			SubjectFields: []string{"email"},
		},
		Backup:     backup.DefaultConfig(),
		Compliance: config.ComplianceConfig{ExportTTL: time.Hour},
		Tables: []models.TableSpec{
			{Name: "users", Tier: models.TierCritical, ContainsPII: true, PIIFields: []string{"email"}, Frequency: models.FrequencyHourly, RetentionYears: 2},
			{Name: "orders", Tier: models.TierHigh, Frequency: models.FrequencyHourly, RetentionYears: 1, DependsOn: []string{"users"}},
		},
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(context.Background(), testEngineConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestEngineBackupRestoreCycle(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	artifact, err := e.RunFullBackup(ctx)
	if err != nil {
		t.Fatalf("RunFullBackup: %v", err)
	}
	if artifact.TableManifest["users"].Rows != 2 || artifact.TableManifest["orders"].Rows != 1 {
		t.Fatalf("manifest = %+v", artifact.TableManifest)
	}

	listed, err := e.Artifacts(ctx)
	if err != nil {
		t.Fatalf("Artifacts: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("inventory = %d artifacts, want 1", len(listed))
	}

	op, err := e.RestoreComplete(ctx, artifact.ID)
	if err != nil {
		t.Fatalf("RestoreComplete: %v", err)
	}
	if op.Status != models.RecoveryCompleted || !op.VerificationClean() {
		t.Fatalf("operation = %+v, want clean completion", op)
	}

	jobs := e.Jobs()
	if len(jobs) != 1 || jobs[0].Status != models.JobCompleted {
		t.Fatalf("jobs = %+v", jobs)
	}
}

func TestEngineIncrementalSeedsChain(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	artifact, err := e.RunIncrementalBackup(ctx)
	if err != nil {
		t.Fatalf("RunIncrementalBackup: %v", err)
	}
	if artifact.Type != models.BackupFull {
		t.Fatalf("Type = %s; an empty inventory must seed with a full", artifact.Type)
	}
}

func TestEngineKeyRotationKeepsOldArtifactsReadable(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	artifact, err := e.RunFullBackup(ctx)
	if err != nil {
		t.Fatalf("RunFullBackup: %v", err)
	}

	newID, err := e.RotateKey(ctx)
	if err != nil {
		t.Fatalf("RotateKey: %v", err)
	}
	if newID == artifact.EncryptionKeyID {
		t.Fatal("rotation did not change the active key id")
	}

	op, err := e.RestoreComplete(ctx, artifact.ID)
	if err != nil {
		t.Fatalf("RestoreComplete after rotation: %v", err)
	}
	if op.Status != models.RecoveryCompleted {
		t.Fatalf("Status = %s, want completed", op.Status)
	}
}

func TestEngineLegalHoldLifecycle(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	artifact, err := e.RunFullBackup(ctx)
	if err != nil {
		t.Fatalf("RunFullBackup: %v", err)
	}

	if err := e.SetLegalHold(ctx, artifact.ID, true); err != nil {
		t.Fatalf("SetLegalHold: %v", err)
	}
	got, err := e.Artifact(ctx, artifact.ID)
	if err != nil {
		t.Fatalf("Artifact: %v", err)
	}
	if !got.LegalHold {
		t.Fatal("legal hold not recorded")
	}

	if err := e.SetLegalHold(ctx, artifact.ID, false); err != nil {
		t.Fatalf("release SetLegalHold: %v", err)
	}
	got, _ = e.Artifact(ctx, artifact.ID)
	if got.LegalHold {
		t.Fatal("legal hold not released")
	}
}

func TestEngineComplianceRequestLifecycle(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	artifact, err := e.RunFullBackup(ctx)
	if err != nil {
		t.Fatalf("RunFullBackup: %v", err)
	}

	req, err := e.SubmitComplianceRequest(ctx, models.RequestRestriction, "subject-1", []string{artifact.ID})
	if err != nil {
		t.Fatalf("SubmitComplianceRequest: %v", err)
	}
	if req.Status != models.RequestPending {
		t.Fatalf("Status = %s, want pending", req.Status)
	}

	processed, err := e.ProcessComplianceRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("ProcessComplianceRequest: %v", err)
	}
	if processed.Status != models.RequestCompleted {
		t.Fatalf("Status = %s, want completed", processed.Status)
	}

	// Restriction places a legal hold on the scoped artifact.
	got, err := e.Artifact(ctx, artifact.ID)
	if err != nil {
		t.Fatalf("Artifact: %v", err)
	}
	if !got.LegalHold {
		t.Fatal("restriction did not hold the artifact")
	}

	// A terminal request cannot run again.
	if _, err := e.ProcessComplianceRequest(ctx, req.ID); !errors.Is(err, ErrRequestNotPending) {
		t.Fatalf("re-process err = %v, want ErrRequestNotPending", err)
	}
}

func TestEngineRetentionSweepRunsClean(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	if _, err := e.RunFullBackup(ctx); err != nil {
		t.Fatalf("RunFullBackup: %v", err)
	}
	report, err := e.ApplyRetention(ctx)
	if err != nil {
		t.Fatalf("ApplyRetention: %v", err)
	}
	// A fresh artifact is neither expired nor archive-due.
	if n := len(report.Decisions); n != 0 {
		t.Fatalf("decisions = %d, want none for a fresh artifact", n)
	}

	policy, err := e.RetentionPolicy("users")
	if err != nil {
		t.Fatalf("RetentionPolicy: %v", err)
	}
	if policy.EffectiveYears() < 2 {
		t.Fatalf("EffectiveYears = %d, want at least the business requirement", policy.EffectiveYears())
	}
}

func TestEngineRegimeToggle(t *testing.T) {
	e := newTestEngine(t)

	before, err := e.RetentionPolicy("users")
	if err != nil {
		t.Fatalf("RetentionPolicy: %v", err)
	}

	if err := e.SetRegimeEnabled("hipaa", true); err != nil {
		t.Fatalf("SetRegimeEnabled: %v", err)
	}
	after, err := e.RetentionPolicy("users")
	if err != nil {
		t.Fatalf("RetentionPolicy: %v", err)
	}
	if after.EffectiveYears() < before.EffectiveYears() {
		t.Fatal("enabling a regime lowered effective retention")
	}
	if after.EffectiveYears() < 6 {
		t.Fatalf("EffectiveYears = %d, want hipaa floor of 6", after.EffectiveYears())
	}
}

func TestEngineRejectsHashModeUnderPortabilityRegime(t *testing.T) {
	cfg := testEngineConfig(t)
	cfg.PII.Mode = crypto.ModeHash

	// gdpr mandates portability; a one-way PII mode can never satisfy it.
	e, err := New(context.Background(), cfg)
	if err == nil {
		e.Close()
		t.Fatal("New accepted hash mode with a portability regime enabled")
	}
	if !errors.Is(err, ErrPortabilityUnavailable) {
		t.Fatalf("err = %v, want ErrPortabilityUnavailable", err)
	}
}

func TestEnginePortabilityRequestNeedsReverseMap(t *testing.T) {
	ctx := context.Background()
	// No inventory path, so pseudonymization has no reverse map and
	// exports cannot be de-pseudonymized.
	e := newTestEngine(t)

	_, err := e.SubmitComplianceRequest(ctx, models.RequestPortability, "subject-1", nil)
	if !errors.Is(err, ErrPortabilityUnavailable) {
		t.Fatalf("SubmitComplianceRequest err = %v, want ErrPortabilityUnavailable", err)
	}

	// Re-enabling the portability regime is rejected for the same reason.
	if err := e.SetRegimeEnabled("gdpr", true); !errors.Is(err, ErrPortabilityUnavailable) {
		t.Fatalf("SetRegimeEnabled err = %v, want ErrPortabilityUnavailable", err)
	}
	// Regimes without a portability mandate still toggle freely.
	if err := e.SetRegimeEnabled("sox", true); err != nil {
		t.Fatalf("SetRegimeEnabled(sox): %v", err)
	}
}

func TestEnginePortabilityRequestWithReverseMap(t *testing.T) {
	ctx := context.Background()
	cfg := testEngineConfig(t)
	cfg.Inventory.Path = filepath.Join(t.TempDir(), "state")

	e, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Close()

	req, err := e.SubmitComplianceRequest(ctx, models.RequestPortability, "subject-1", nil)
	if err != nil {
		t.Fatalf("SubmitComplianceRequest: %v", err)
	}
	if req.Status != models.RequestPending {
		t.Fatalf("Status = %s, want pending", req.Status)
	}
}

func TestEngineErasureNeedsGrantingRegime(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t)

	// gdpr grants erasure by default; without it nothing does.
	if err := e.SetRegimeEnabled("gdpr", false); err != nil {
		t.Fatalf("SetRegimeEnabled: %v", err)
	}
	if _, err := e.SubmitComplianceRequest(ctx, models.RequestErasure, "subject-1", nil); !errors.Is(err, ErrRightNotGranted) {
		t.Fatalf("SubmitComplianceRequest err = %v, want ErrRightNotGranted", err)
	}
}
