// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

package restore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/custodia-engine/custodia/internal/crypto"
	"github.com/custodia-engine/custodia/internal/inventory"
	"github.com/custodia-engine/custodia/internal/keystore"
	"github.com/custodia-engine/custodia/internal/models"
	"github.com/custodia-engine/custodia/internal/payload"
	"github.com/custodia-engine/custodia/internal/source"
	"github.com/custodia-engine/custodia/internal/storage"
)

// fakeTarget implements Target with the documented replay semantics:
// inserts insert, updates replace by primary key, deletes remove by
// primary key. Writes stage inside a transaction and reach the visible
// state only on Commit, mirroring the SQL sink.
type fakeTarget struct {
	mu        sync.Mutex
	state     map[string]map[any]models.Record
	truncated []string
	counts    map[string]int64 // per-table count override
	failApply map[string]error // per-table Apply failure injection
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{
		state:     make(map[string]map[any]models.Record),
		counts:    make(map[string]int64),
		failApply: make(map[string]error),
	}
}

func (f *fakeTarget) BeginRestore(_ context.Context) (source.RestoreTx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	staged := make(map[string]map[any]models.Record, len(f.state))
	for table, rows := range f.state {
		copied := make(map[any]models.Record, len(rows))
		for k, v := range rows {
			copied[k] = v
		}
		staged[table] = copied
	}
	return &fakeTx{target: f, staged: staged}, nil
}

type fakeTx struct {
	target    *fakeTarget
	staged    map[string]map[any]models.Record
	truncated []string
	done      bool
}

func (tx *fakeTx) Truncate(_ context.Context, table string) error {
	tx.staged[table] = make(map[any]models.Record)
	tx.truncated = append(tx.truncated, table)
	return nil
}

func (tx *fakeTx) Apply(_ context.Context, table string, records []models.Record) error {
	tx.target.mu.Lock()
	failure := tx.target.failApply[table]
	tx.target.mu.Unlock()
	if failure != nil {
		return failure
	}
	rows, ok := tx.staged[table]
	if !ok {
		rows = make(map[any]models.Record)
		tx.staged[table] = rows
	}
	for _, record := range records {
		key := fmt.Sprint(record.Fields["id"])
		if record.Kind == models.ChangeDelete {
			delete(rows, key)
			continue
		}
		rows[key] = record
	}
	return nil
}

func (tx *fakeTx) Commit() error {
	if tx.done {
		return errors.New("transaction already finished")
	}
	tx.done = true
	tx.target.mu.Lock()
	defer tx.target.mu.Unlock()
	tx.target.state = tx.staged
	tx.target.truncated = append(tx.target.truncated, tx.truncated...)
	return nil
}

func (tx *fakeTx) Rollback() error {
	tx.done = true
	return nil
}

// put seeds visible state directly, outside any restore transaction.
func (f *fakeTarget) put(table string, records ...models.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows, ok := f.state[table]
	if !ok {
		rows = make(map[any]models.Record)
		f.state[table] = rows
	}
	for _, record := range records {
		rows[fmt.Sprint(record.Fields["id"])] = record
	}
}

func (f *fakeTarget) Count(_ context.Context, table string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.counts[table]; ok {
		return n, nil
	}
	return int64(len(f.state[table])), nil
}

func (f *fakeTarget) row(table string, id any) (models.Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.state[table][fmt.Sprint(id)]
	return record, ok
}

func (f *fakeTarget) truncateOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.truncated...)
}

type restoreEnv struct {
	db       *fakeTarget
	inv      inventory.Store
	backend  storage.Backend
	engine   *crypto.Engine
	restorer *Restorer
}

func newRestoreEnv(t *testing.T) *restoreEnv {
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
	db := newFakeTarget()
	inv := inventory.NewMemoryStore()

	specs := []models.TableSpec{
		{Name: "users", Tier: models.TierCritical, Frequency: models.FrequencyHourly, RetentionYears: 1},
		{Name: "orders", Tier: models.TierHigh, Frequency: models.FrequencyHourly, RetentionYears: 1, DependsOn: []string{"users"}},
		{Name: "settings", Tier: models.TierLow, Frequency: models.FrequencyDaily, RetentionYears: 1},
	}
	restorer, err := NewRestorer(db, backend, engine, inv, specs, nil)
	if err != nil {
		t.Fatalf("NewRestorer: %v", err)
	}
	return &restoreEnv{db: db, inv: inv, backend: backend, engine: engine, restorer: restorer}
}

func row(id any, at time.Time, kind models.ChangeKind, extra map[string]any) models.Record {
	fields := map[string]any{"id": id}
	for k, v := range extra {
		fields[k] = v
	}
	return models.Record{Kind: kind, At: at, Fields: fields}
}

// seed seals a consistent artifact and registers it in the inventory.
func (e *restoreEnv) seed(t *testing.T, typ models.BackupType, baseID string, at time.Time, tables map[string][]models.Record) *models.BackupArtifact {
	t.Helper()
	ctx := context.Background()

	data, manifest, err := payload.Encode(tables)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	sealed, keyID, err := e.engine.Encrypt(ctx, data)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	artifact := &models.BackupArtifact{
		ID:              models.NewArtifactID(at),
		Type:            typ,
		CreatedAt:       at,
		BaseArtifactID:  baseID,
		SizeBytes:       int64(len(sealed)),
		StorageLocation: e.backend.Name(),
		StorageClass:    storage.ClassStandard,
		EncryptionKeyID: keyID,
		Compression:     payload.CompressionName,
		TableManifest:   manifest,
	}
	artifact.StorageKey = "artifacts/" + artifact.ID
	if err := e.backend.Upload(ctx, artifact.StorageKey, sealed); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if err := e.inv.Put(ctx, artifact); err != nil {
		t.Fatalf("Put: %v", err)
	}
	return artifact
}

var t0 = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

func TestCompleteRestore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newRestoreEnv(t)

	artifact := env.seed(t, models.BackupFull, "", t0, map[string][]models.Record{
		"users": {
			row("u1", t0, models.ChangeInsert, map[string]any{"name": "ada"}),
			row("u2", t0, models.ChangeInsert, nil),
		},
		"orders": {
			row("o1", t0, models.ChangeInsert, map[string]any{"user_id": "u1"}),
		},
	})

	op, err := env.restorer.Complete(ctx, artifact.ID)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if op.Status != models.RecoveryCompleted || op.FinishedAt == nil {
		t.Fatalf("operation = %+v, want completed", op)
	}
	if !op.VerificationClean() || len(op.Verification) != 2 {
		t.Fatalf("verification = %+v, want clean entries for both tables", op.Verification)
	}

	if _, ok := env.db.row("users", "u2"); !ok {
		t.Fatal("users row u2 not restored")
	}
	if _, ok := env.db.row("orders", "o1"); !ok {
		t.Fatal("orders row o1 not restored")
	}

	// Parents load before children.
	order := env.db.truncateOrder()
	if len(order) != 2 || order[0] != "users" || order[1] != "orders" {
		t.Fatalf("truncate order = %v, want [users orders]", order)
	}

	// The in-use flag does not outlive the operation.
	stored, err := env.inv.Get(ctx, artifact.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.InUse {
		t.Fatal("artifact still flagged in use after restore")
	}

	got, err := env.restorer.Operation(op.ID)
	if err != nil {
		t.Fatalf("Operation: %v", err)
	}
	if got.Strategy != models.RecoveryComplete || len(got.SourceArtifactIDs) != 1 {
		t.Fatalf("recorded operation = %+v", got)
	}
}

func TestCompleteRestoreRejectsCorruptPayload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newRestoreEnv(t)

	artifact := env.seed(t, models.BackupFull, "", t0, map[string][]models.Record{
		"users": {row("u1", t0, models.ChangeInsert, nil)},
	})
	err := env.inv.Update(ctx, artifact.ID, func(a *models.BackupArtifact) error {
		entry := a.TableManifest["users"]
		entry.Checksum = "deadbeef"
		a.TableManifest["users"] = entry
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	op, err := env.restorer.Complete(ctx, artifact.ID)
	if err == nil {
		t.Fatal("Complete should reject a payload/manifest mismatch")
	}
	if op.Status != models.RecoveryFailed || op.Error == "" {
		t.Fatalf("operation = %+v, want failed with reason", op)
	}
	if len(env.db.truncateOrder()) != 0 {
		t.Fatal("target touched despite corrupt artifact")
	}
}

func TestCompleteRestoreRollsBackOnMidRestoreFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newRestoreEnv(t)

	// Live state the failed restore must not destroy.
	env.db.put("users", row("u-live", t0.Add(-time.Hour), models.ChangeInsert, map[string]any{"name": "pre"}))

	artifact := env.seed(t, models.BackupFull, "", t0, map[string][]models.Record{
		"users":  {row("u1", t0, models.ChangeInsert, nil)},
		"orders": {row("o1", t0, models.ChangeInsert, map[string]any{"user_id": "u1"})},
	})
	env.db.mu.Lock()
	env.db.failApply["orders"] = errors.New("disk full")
	env.db.mu.Unlock()

	op, err := env.restorer.Complete(ctx, artifact.ID)
	if err == nil {
		t.Fatal("Complete should fail when a table cannot be loaded")
	}
	if op.Status != models.RecoveryFailed {
		t.Fatalf("Status = %s, want failed", op.Status)
	}

	// The first table had already been truncated and loaded inside the
	// transaction; rollback must bring the pre-restore state back.
	if _, ok := env.db.row("users", "u-live"); !ok {
		t.Fatal("pre-restore users row destroyed by failed restore")
	}
	if _, ok := env.db.row("users", "u1"); ok {
		t.Fatal("artifact row leaked out of the rolled-back restore")
	}
	if got := env.db.truncateOrder(); len(got) != 0 {
		t.Fatalf("committed truncates = %v, want none after rollback", got)
	}
}

func TestCompleteRestoreUnknownArtifact(t *testing.T) {
	t.Parallel()
	env := newRestoreEnv(t)

	op, err := env.restorer.Complete(context.Background(), "missing")
	if !errors.Is(err, inventory.ErrArtifactNotFound) {
		t.Fatalf("err = %v, want ErrArtifactNotFound", err)
	}
	if op.Status != models.RecoveryFailed {
		t.Fatalf("Status = %s, want failed", op.Status)
	}
}

func TestRestoreSingleFlight(t *testing.T) {
	t.Parallel()
	env := newRestoreEnv(t)
	env.restorer.busy.Store(true)
	defer env.restorer.busy.Store(false)

	if _, err := env.restorer.Complete(context.Background(), "any"); !errors.Is(err, ErrRecoveryInProgress) {
		t.Fatalf("Complete err = %v, want ErrRecoveryInProgress", err)
	}
	if _, err := env.restorer.PointInTime(context.Background(), t0); !errors.Is(err, ErrRecoveryInProgress) {
		t.Fatalf("PointInTime err = %v, want ErrRecoveryInProgress", err)
	}
	if _, err := env.restorer.Selective(context.Background(), "any", []string{"users"}); !errors.Is(err, ErrRecoveryInProgress) {
		t.Fatalf("Selective err = %v, want ErrRecoveryInProgress", err)
	}
}

func TestPointInTimeReplaysChainUpToTarget(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newRestoreEnv(t)

	full := env.seed(t, models.BackupFull, "", t0, map[string][]models.Record{
		"users": {
			row("u1", t0, models.ChangeInsert, map[string]any{"name": "v1"}),
			row("u2", t0, models.ChangeInsert, nil),
		},
	})
	incr1 := env.seed(t, models.BackupIncremental, full.ID, t0.Add(time.Hour), map[string][]models.Record{
		"users": {
			row("u1", t0.Add(time.Hour), models.ChangeUpdate, map[string]any{"name": "v2"}),
			row("u3", t0.Add(time.Hour), models.ChangeInsert, nil),
		},
	})
	// Newer than the target; must not be replayed.
	env.seed(t, models.BackupIncremental, incr1.ID, t0.Add(3*time.Hour), map[string][]models.Record{
		"users": {row("u2", t0.Add(3*time.Hour), models.ChangeDelete, nil)},
	})

	target := t0.Add(2 * time.Hour)
	op, err := env.restorer.PointInTime(ctx, target)
	if err != nil {
		t.Fatalf("PointInTime: %v", err)
	}
	if op.Status != models.RecoveryCompleted {
		t.Fatalf("Status = %s, want completed", op.Status)
	}
	if len(op.SourceArtifactIDs) != 2 || op.SourceArtifactIDs[0] != full.ID || op.SourceArtifactIDs[1] != incr1.ID {
		t.Fatalf("SourceArtifactIDs = %v, want [%s %s]", op.SourceArtifactIDs, full.ID, incr1.ID)
	}

	// u1 updated, u2 still present (the delete is after the target), u3
	// inserted by the replayed incremental.
	u1, ok := env.db.row("users", "u1")
	if !ok || u1.Fields["name"] != "v2" {
		t.Fatalf("u1 = %+v, want update applied", u1)
	}
	if _, ok := env.db.row("users", "u2"); !ok {
		t.Fatal("u2 missing; future delete leaked into the replay")
	}
	if _, ok := env.db.row("users", "u3"); !ok {
		t.Fatal("u3 not replayed")
	}
}

func TestPointInTimeDropsRecordsPastTarget(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newRestoreEnv(t)

	full := env.seed(t, models.BackupFull, "", t0, map[string][]models.Record{
		"users": {row("u1", t0, models.ChangeInsert, nil)},
	})
	// An incremental captured before the target can still carry a record
	// stamped after it; those records must not be replayed.
	target := t0.Add(2 * time.Hour)
	env.seed(t, models.BackupIncremental, full.ID, t0.Add(time.Hour), map[string][]models.Record{
		"users": {
			row("u2", t0.Add(time.Hour), models.ChangeInsert, nil),
			row("u9", target.Add(time.Minute), models.ChangeInsert, nil),
		},
	})

	if _, err := env.restorer.PointInTime(ctx, target); err != nil {
		t.Fatalf("PointInTime: %v", err)
	}
	if _, ok := env.db.row("users", "u2"); !ok {
		t.Fatal("u2 not replayed")
	}
	if _, ok := env.db.row("users", "u9"); ok {
		t.Fatal("record past the target was replayed")
	}
}

func TestPointInTimeWithoutBase(t *testing.T) {
	t.Parallel()
	env := newRestoreEnv(t)

	env.seed(t, models.BackupFull, "", t0, map[string][]models.Record{
		"users": {row("u1", t0, models.ChangeInsert, nil)},
	})

	op, err := env.restorer.PointInTime(context.Background(), t0.Add(-time.Hour))
	if !errors.Is(err, ErrNoBaseBackup) {
		t.Fatalf("err = %v, want ErrNoBaseBackup", err)
	}
	if op.Status != models.RecoveryFailed {
		t.Fatalf("Status = %s, want failed", op.Status)
	}
}

func TestSelectiveRestorePullsDependencies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newRestoreEnv(t)

	// Pre-existing settings state must survive a selective restore of
	// other tables.
	env.db.put("settings", row("s1", t0, models.ChangeInsert, nil))

	artifact := env.seed(t, models.BackupFull, "", t0, map[string][]models.Record{
		"users":    {row("u1", t0, models.ChangeInsert, nil)},
		"orders":   {row("o1", t0, models.ChangeInsert, map[string]any{"user_id": "u1"})},
		"settings": {row("s2", t0, models.ChangeInsert, nil)},
	})

	op, err := env.restorer.Selective(ctx, artifact.ID, []string{"orders"})
	if err != nil {
		t.Fatalf("Selective: %v", err)
	}
	if len(op.TableSubset) != 1 || op.TableSubset[0] != "orders" {
		t.Fatalf("TableSubset = %v, want [orders]", op.TableSubset)
	}
	if len(op.Verification) != 2 {
		t.Fatalf("verification = %+v, want users and orders only", op.Verification)
	}

	// users restored as a dependency of orders.
	if _, ok := env.db.row("users", "u1"); !ok {
		t.Fatal("dependency table users not restored")
	}
	if _, ok := env.db.row("orders", "o1"); !ok {
		t.Fatal("orders not restored")
	}
	// settings untouched: old row present, artifact row absent.
	if _, ok := env.db.row("settings", "s1"); !ok {
		t.Fatal("settings state clobbered by selective restore")
	}
	if _, ok := env.db.row("settings", "s2"); ok {
		t.Fatal("settings restored despite not being requested")
	}
}

func TestSelectiveRestoreMissingTables(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newRestoreEnv(t)

	// orders depends on users, which this artifact does not carry.
	artifact := env.seed(t, models.BackupIncremental, "base", t0, map[string][]models.Record{
		"orders": {row("o1", t0, models.ChangeInsert, nil)},
	})

	if _, err := env.restorer.Selective(ctx, artifact.ID, []string{"orders"}); !errors.Is(err, ErrTablesNotInArtifact) {
		t.Fatalf("err = %v, want ErrTablesNotInArtifact", err)
	}
	if _, err := env.restorer.Selective(ctx, artifact.ID, []string{"ghosts"}); !errors.Is(err, ErrTablesNotInArtifact) {
		t.Fatalf("unknown table err = %v, want ErrTablesNotInArtifact", err)
	}
	if len(env.db.truncateOrder()) != 0 {
		t.Fatal("target touched despite failed preconditions")
	}
}

func TestVerificationMismatchIsRecordedNotRolledBack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newRestoreEnv(t)

	artifact := env.seed(t, models.BackupFull, "", t0, map[string][]models.Record{
		"users": {row("u1", t0, models.ChangeInsert, nil)},
	})
	env.db.mu.Lock()
	env.db.counts["users"] = 7
	env.db.mu.Unlock()

	op, err := env.restorer.Complete(ctx, artifact.ID)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if op.Status != models.RecoveryCompleted {
		t.Fatalf("Status = %s; a count mismatch must not fail the restore", op.Status)
	}
	if op.VerificationClean() {
		t.Fatal("verification reported clean despite the mismatch")
	}
	entry := op.Verification["users"]
	if entry.Expected != 1 || entry.Actual != 7 || entry.Match {
		t.Fatalf("entry = %+v, want expected 1 actual 7 mismatch", entry)
	}
}
