// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

package source

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/custodia-engine/custodia/internal/models"
)

func newTestDatabase(t *testing.T) *SQLDatabase {
	t.Helper()
	db, err := sql.Open("duckdb", ":memory:")
	if err != nil {
		t.Fatalf("open duckdb: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	schema := `
		CREATE TABLE users (
			id INTEGER PRIMARY KEY,
			email VARCHAR,
			created_at TIMESTAMP,
			updated_at TIMESTAMP,
			deleted_at TIMESTAMP
		);
		CREATE TABLE settings (
			id INTEGER PRIMARY KEY,
			value VARCHAR
		);
	`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return OpenDB(db, Config{Driver: "duckdb"})
}

func seedUsers(t *testing.T, s *SQLDatabase, base time.Time) {
	t.Helper()
	rows := []struct {
		id      int
		email   string
		created time.Time
		updated time.Time
		deleted *time.Time
	}{
		{1, "ada@example.com", base, base, nil},
		{2, "grace@example.com", base, base.Add(2 * time.Hour), nil},
		{3, "joan@example.com", base.Add(3 * time.Hour), base.Add(3 * time.Hour), nil},
	}
	gone := base.Add(4 * time.Hour)
	rows = append(rows, struct {
		id      int
		email   string
		created time.Time
		updated time.Time
		deleted *time.Time
	}{4, "old@example.com", base, base, &gone})

	for _, r := range rows {
		_, err := s.db.Exec(
			"INSERT INTO users (id, email, created_at, updated_at, deleted_at) VALUES (?, ?, ?, ?, ?)",
			r.id, r.email, r.created, r.updated, r.deleted)
		if err != nil {
			t.Fatalf("seed user %d: %v", r.id, err)
		}
	}
}

func TestReadAllExcludesSoftDeleted(t *testing.T) {
	t.Parallel()

	s := newTestDatabase(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	seedUsers(t, s, base)
	ctx := context.Background()

	records, err := s.ReadAll(ctx, "users")
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("ReadAll() returned %d records, want 3 live rows", len(records))
	}
	for _, rec := range records {
		if rec.Kind != models.ChangeInsert {
			t.Errorf("ReadAll() record kind = %s, want insert", rec.Kind)
		}
		if rec.Fields["email"] == "old@example.com" {
			t.Error("ReadAll() included a soft-deleted row")
		}
	}

	count, err := s.Count(ctx, "users")
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 3 {
		t.Errorf("Count() = %d, want 3", count)
	}
}

func TestReadChangedSinceClassifiesKinds(t *testing.T) {
	t.Parallel()

	s := newTestDatabase(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	seedUsers(t, s, base)

	since := base.Add(time.Hour)
	records, err := s.ReadChangedSince(context.Background(), "users", since)
	if err != nil {
		t.Fatalf("ReadChangedSince() error = %v", err)
	}

	kinds := make(map[string]models.ChangeKind)
	for _, rec := range records {
		kinds[rec.Fields["email"].(string)] = rec.Kind
	}

	want := map[string]models.ChangeKind{
		"grace@example.com": models.ChangeUpdate, // updated after watermark
		"joan@example.com":  models.ChangeInsert, // created after watermark
		"old@example.com":   models.ChangeDelete, // soft-deleted after watermark
	}
	if len(kinds) != len(want) {
		t.Fatalf("ReadChangedSince() returned %d rows %v, want %d", len(kinds), kinds, len(want))
	}
	for email, kind := range want {
		if kinds[email] != kind {
			t.Errorf("row %s classified %s, want %s", email, kinds[email], kind)
		}
	}
}

func TestReadChangedSinceNoChanges(t *testing.T) {
	t.Parallel()

	s := newTestDatabase(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	seedUsers(t, s, base)

	records, err := s.ReadChangedSince(context.Background(), "users", base.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("ReadChangedSince() error = %v", err)
	}
	if len(records) != 0 {
		t.Errorf("ReadChangedSince() past all activity returned %d records, want 0", len(records))
	}
}

func TestReadChangedSinceNoWatermark(t *testing.T) {
	t.Parallel()

	s := newTestDatabase(t)
	_, err := s.ReadChangedSince(context.Background(), "settings", time.Now())
	if !errors.Is(err, ErrNoWatermark) {
		t.Errorf("ReadChangedSince(settings) error = %v, want ErrNoWatermark", err)
	}
}

func TestTableNotFound(t *testing.T) {
	t.Parallel()

	s := newTestDatabase(t)
	ctx := context.Background()
	if _, err := s.ReadAll(ctx, "ghost"); !errors.Is(err, ErrTableNotFound) {
		t.Errorf("ReadAll(ghost) error = %v, want ErrTableNotFound", err)
	}

	tx, err := s.BeginRestore(ctx)
	if err != nil {
		t.Fatalf("BeginRestore() error = %v", err)
	}
	defer tx.Rollback()
	if err := tx.Truncate(ctx, "ghost"); !errors.Is(err, ErrTableNotFound) {
		t.Errorf("Truncate(ghost) error = %v, want ErrTableNotFound", err)
	}
}

func TestRestoreReplaysRecords(t *testing.T) {
	t.Parallel()

	s := newTestDatabase(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	seedUsers(t, s, base)
	ctx := context.Background()

	tx, err := s.BeginRestore(ctx)
	if err != nil {
		t.Fatalf("BeginRestore() error = %v", err)
	}
	if err := tx.Truncate(ctx, "users"); err != nil {
		t.Fatalf("Truncate() error = %v", err)
	}

	records := []models.Record{
		{Kind: models.ChangeInsert, Fields: map[string]any{
			"id": 1, "email": "ada@example.com", "created_at": base, "updated_at": base, "deleted_at": nil,
		}},
		{Kind: models.ChangeInsert, Fields: map[string]any{
			"id": 2, "email": "grace@example.com", "created_at": base, "updated_at": base, "deleted_at": nil,
		}},
		// Update replaces row 1's email.
		{Kind: models.ChangeUpdate, Fields: map[string]any{
			"id": 1, "email": "ada@new.example.com", "created_at": base, "updated_at": base.Add(time.Hour), "deleted_at": nil,
		}},
		// Delete removes row 2.
		{Kind: models.ChangeDelete, Fields: map[string]any{
			"id": 2, "email": "grace@example.com", "created_at": base, "updated_at": base, "deleted_at": nil,
		}},
	}
	if err := tx.Apply(ctx, "users", records); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	got, err := s.ReadAll(ctx, "users")
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("ReadAll() after replay returned %d rows, want 1", len(got))
	}
	if got[0].Fields["email"] != "ada@new.example.com" {
		t.Errorf("replayed email = %v, want ada@new.example.com", got[0].Fields["email"])
	}
}

func TestRestoreRollsBackAcrossTables(t *testing.T) {
	t.Parallel()

	s := newTestDatabase(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	seedUsers(t, s, base)
	ctx := context.Background()
	if _, err := s.db.Exec("INSERT INTO settings (id, value) VALUES (1, 'dark')"); err != nil {
		t.Fatalf("seed settings: %v", err)
	}

	tx, err := s.BeginRestore(ctx)
	if err != nil {
		t.Fatalf("BeginRestore() error = %v", err)
	}
	if err := tx.Truncate(ctx, "users"); err != nil {
		t.Fatalf("Truncate(users) error = %v", err)
	}
	if err := tx.Apply(ctx, "users", []models.Record{
		{Kind: models.ChangeInsert, Fields: map[string]any{
			"id": 9, "email": "new@example.com", "created_at": base, "updated_at": base, "deleted_at": nil,
		}},
	}); err != nil {
		t.Fatalf("Apply(users) error = %v", err)
	}
	// A later table fails; the already-loaded users table must come back.
	if err := tx.Apply(ctx, "settings", []models.Record{
		{Kind: models.ChangeInsert, Fields: map[string]any{"id": 2, "no_such_column": true}},
	}); err == nil {
		t.Fatal("Apply() with bad record succeeded")
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}

	count, err := s.Count(ctx, "users")
	if err != nil {
		t.Fatalf("Count(users) error = %v", err)
	}
	if count != 3 {
		t.Errorf("Count(users) after rollback = %d, want the 3 pre-restore rows", count)
	}
	got, err := s.ReadAll(ctx, "settings")
	if err != nil {
		t.Fatalf("ReadAll(settings) error = %v", err)
	}
	if len(got) != 1 || got[0].Fields["value"] != "dark" {
		t.Errorf("settings after rollback = %+v, want the pre-restore row", got)
	}
}
