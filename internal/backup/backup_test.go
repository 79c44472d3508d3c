// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

package backup

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

// fakeDB is a controllable source.Database. Reads record their call
// order; failures and missing watermarks are injected per table.
type fakeDB struct {
	mu          sync.Mutex
	rows        map[string][]models.Record
	changed     map[string][]models.Record
	noWatermark map[string]bool
	failTables  map[string]error
	fullReads   []string
	deltaReads  []string
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		rows:        make(map[string][]models.Record),
		changed:     make(map[string][]models.Record),
		noWatermark: make(map[string]bool),
		failTables:  make(map[string]error),
	}
}

func (f *fakeDB) ReadAll(_ context.Context, table string) ([]models.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failTables[table]; err != nil {
		return nil, err
	}
	f.fullReads = append(f.fullReads, table)
	return f.rows[table], nil
}

func (f *fakeDB) ReadChangedSince(_ context.Context, table string, _ time.Time) ([]models.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failTables[table]; err != nil {
		return nil, err
	}
	if f.noWatermark[table] {
		return nil, source.ErrNoWatermark
	}
	f.deltaReads = append(f.deltaReads, table)
	return f.changed[table], nil
}

func (f *fakeDB) Count(_ context.Context, table string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.rows[table])), nil
}

func (f *fakeDB) BeginRestore(context.Context) (source.RestoreTx, error) {
	return nopRestoreTx{}, nil
}

func (f *fakeDB) Close() error { return nil }

// nopRestoreTx satisfies the sink side of source.Database; backups never
// write to the operational database.
type nopRestoreTx struct{}

func (nopRestoreTx) Truncate(context.Context, string) error               { return nil }
func (nopRestoreTx) Apply(context.Context, string, []models.Record) error { return nil }
func (nopRestoreTx) Commit() error                                        { return nil }
func (nopRestoreTx) Rollback() error                                      { return nil }

type orchEnv struct {
	db      *fakeDB
	inv     inventory.Store
	backend storage.Backend
	engine  *crypto.Engine
	orch    *Orchestrator
}

func testRecord(id int, email string) models.Record {
	fields := map[string]any{"id": id}
	if email != "" {
		fields["email"] = email
	}
	return models.Record{
		Kind:   models.ChangeInsert,
		At:     time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
		Fields: fields,
	}
}

func newOrchEnv(t *testing.T, concurrency int) *orchEnv {
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
	protector := crypto.NewProtector(keyring, nil, crypto.ModePseudonymize, nil)

	db := newFakeDB()
	db.rows["users"] = []models.Record{testRecord(1, "ada@example.com")}
	db.rows["orders"] = []models.Record{testRecord(10, ""), testRecord(11, "")}
	db.rows["settings"] = []models.Record{testRecord(100, "")}

	specs := []models.TableSpec{
		{Name: "users", Tier: models.TierCritical, ContainsPII: true, PIIFields: []string{"email"}, Frequency: models.FrequencyHourly, RetentionYears: 1},
		{Name: "orders", Tier: models.TierHigh, Frequency: models.FrequencyHourly, RetentionYears: 1},
		{Name: "settings", Tier: models.TierLow, Frequency: models.FrequencyDaily, RetentionYears: 1},
	}

	registry := NewRegistry()
	t.Cleanup(registry.Close)
	inv := inventory.NewMemoryStore()
	orch := NewOrchestrator(db, backend, engine, protector, inv, registry, nil, specs, Config{Concurrency: concurrency})
	return &orchEnv{db: db, inv: inv, backend: backend, engine: engine, orch: orch}
}

func (e *orchEnv) decode(t *testing.T, artifact *models.BackupArtifact) map[string][]models.Record {
	t.Helper()
	ctx := context.Background()
	sealed, err := e.backend.Download(ctx, artifact.StorageKey)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	plain, err := e.engine.Decrypt(ctx, sealed)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	tables, err := payload.Decode(plain)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return tables
}

func TestPerformFullProducesArtifact(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newOrchEnv(t, 2)

	artifact, err := env.orch.PerformFull(ctx)
	if err != nil {
		t.Fatalf("PerformFull: %v", err)
	}
	if artifact.Type != models.BackupFull || artifact.BaseArtifactID != "" {
		t.Fatalf("artifact = %+v, want full with no base", artifact)
	}
	if artifact.TableManifest["users"].Rows != 1 || artifact.TableManifest["orders"].Rows != 2 {
		t.Fatalf("manifest = %+v", artifact.TableManifest)
	}
	if !artifact.TableManifest["users"].PIIProtected {
		t.Fatal("users manifest entry must be marked PII-protected")
	}
	if artifact.TableManifest["orders"].PIIProtected {
		t.Fatal("orders manifest entry must not be marked PII-protected")
	}

	// The stored payload round-trips and the PII field is a token, not
	// the raw address.
	tables := env.decode(t, artifact)
	email, _ := tables["users"][0].Fields["email"].(string)
	if !crypto.IsProtectedToken(email) {
		t.Fatalf("stored email %q is not protected", email)
	}

	stored, err := env.inv.Get(ctx, artifact.ID)
	if err != nil {
		t.Fatalf("inventory Get: %v", err)
	}
	if stored.EncryptionKeyID == "" || stored.Compression != payload.CompressionName {
		t.Fatalf("inventory entry incomplete: %+v", stored)
	}

	jobs := env.orch.Registry().List()
	if len(jobs) != 1 || jobs[0].Status != models.JobCompleted || jobs[0].ArtifactID != artifact.ID {
		t.Fatalf("jobs = %+v, want one completed job for the artifact", jobs)
	}
}

func TestPerformFullCapturesTiersInOrder(t *testing.T) {
	t.Parallel()
	env := newOrchEnv(t, 1)

	if _, err := env.orch.PerformFull(context.Background()); err != nil {
		t.Fatalf("PerformFull: %v", err)
	}

	want := []string{"users", "orders", "settings"} // critical, high, low
	env.db.mu.Lock()
	got := append([]string(nil), env.db.fullReads...)
	env.db.mu.Unlock()
	if len(got) != len(want) {
		t.Fatalf("fullReads = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("capture order = %v, want %v", got, want)
		}
	}
}

func TestPerformFullFailsAtomically(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newOrchEnv(t, 2)
	env.db.failTables["orders"] = errors.New("connection reset")

	if _, err := env.orch.PerformFull(ctx); err == nil {
		t.Fatal("PerformFull should fail when any table capture fails")
	}

	// No partial artifact is ever recorded.
	artifacts, err := env.inv.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(artifacts) != 0 {
		t.Fatalf("inventory = %d artifacts, want 0 after failed full", len(artifacts))
	}
	jobs := env.orch.Registry().List()
	if len(jobs) != 1 || jobs[0].Status != models.JobFailed || jobs[0].Error == "" {
		t.Fatalf("jobs = %+v, want one failed job with reason", jobs)
	}
}

func TestPerformIncrementalWithoutPriorBackup(t *testing.T) {
	t.Parallel()
	env := newOrchEnv(t, 2)

	if _, err := env.orch.PerformIncremental(context.Background()); !errors.Is(err, ErrNoPriorBackup) {
		t.Fatalf("err = %v, want ErrNoPriorBackup", err)
	}
}

func TestPerformIncrementalChainsFromLatest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newOrchEnv(t, 2)

	full, err := env.orch.PerformFull(ctx)
	if err != nil {
		t.Fatalf("PerformFull: %v", err)
	}

	env.db.changed["users"] = []models.Record{
		{Kind: models.ChangeUpdate, At: time.Now().UTC(), Fields: map[string]any{"id": 1, "email": "ada@new.example.com"}},
	}
	incr, err := env.orch.PerformIncremental(ctx)
	if err != nil {
		t.Fatalf("PerformIncremental: %v", err)
	}
	if incr.Type != models.BackupIncremental || incr.BaseArtifactID != full.ID {
		t.Fatalf("incremental = %+v, want base %s", incr, full.ID)
	}
	if _, ok := incr.TableManifest["settings"]; ok {
		t.Fatal("daily-class table captured in an hourly incremental")
	}

	// Hourly tables only were read for changes.
	env.db.mu.Lock()
	deltas := append([]string(nil), env.db.deltaReads...)
	env.db.mu.Unlock()
	for _, table := range deltas {
		if table == "settings" {
			t.Fatal("settings read during incremental")
		}
	}

	tables := env.decode(t, incr)
	if got := len(tables["users"]); got != 1 {
		t.Fatalf("users delta rows = %d, want 1", got)
	}
	if tables["users"][0].Kind != models.ChangeUpdate {
		t.Fatalf("kind = %s, want update", tables["users"][0].Kind)
	}
}

func TestPerformIncrementalNoChanges(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newOrchEnv(t, 2)

	if _, err := env.orch.PerformFull(ctx); err != nil {
		t.Fatalf("PerformFull: %v", err)
	}
	before, _ := env.inv.List(ctx)

	_, err := env.orch.PerformIncremental(ctx)
	if !errors.Is(err, ErrNoChanges) {
		t.Fatalf("err = %v, want ErrNoChanges", err)
	}

	after, _ := env.inv.List(ctx)
	if len(after) != len(before) {
		t.Fatalf("inventory grew from %d to %d on a no-change cycle", len(before), len(after))
	}

	jobs := env.orch.Registry().List()
	last := jobs[len(jobs)-1]
	if last.Status != models.JobCompleted || last.ArtifactID != "" {
		t.Fatalf("no-change job = %+v, want completed without artifact", last)
	}
}

func TestPerformIncrementalFlagsFailedTableForRetry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newOrchEnv(t, 1)

	if _, err := env.orch.PerformFull(ctx); err != nil {
		t.Fatalf("PerformFull: %v", err)
	}

	env.db.changed["users"] = []models.Record{testRecord(2, "grace@example.com")}
	env.db.failTables["orders"] = errors.New("lock timeout")

	incr, err := env.orch.PerformIncremental(ctx)
	if err != nil {
		t.Fatalf("PerformIncremental: %v", err)
	}
	if len(incr.RetryTables) != 1 || incr.RetryTables[0] != "orders" {
		t.Fatalf("RetryTables = %v, want [orders]", incr.RetryTables)
	}
	if _, ok := incr.TableManifest["users"]; !ok {
		t.Fatal("succeeding table missing from partial incremental")
	}

	// Next cycle re-captures the flagged table in full.
	delete(env.db.failTables, "orders")
	env.db.changed["users"] = []models.Record{testRecord(3, "joan@example.com")}

	next, err := env.orch.PerformIncremental(ctx)
	if err != nil {
		t.Fatalf("retry PerformIncremental: %v", err)
	}
	if len(next.RetryTables) != 0 {
		t.Fatalf("RetryTables = %v, want none after successful retry", next.RetryTables)
	}
	if next.TableManifest["orders"].Rows != 2 {
		t.Fatalf("orders rows = %d, want full re-capture of 2", next.TableManifest["orders"].Rows)
	}

	env.db.mu.Lock()
	fulls := append([]string(nil), env.db.fullReads...)
	env.db.mu.Unlock()
	var ordersFullReads int
	for _, table := range fulls {
		if table == "orders" {
			ordersFullReads++
		}
	}
	if ordersFullReads != 2 { // initial full + retry re-capture
		t.Fatalf("orders full reads = %d, want 2", ordersFullReads)
	}
}

func TestPerformIncrementalNoWatermarkFallsBackToFull(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newOrchEnv(t, 1)

	if _, err := env.orch.PerformFull(ctx); err != nil {
		t.Fatalf("PerformFull: %v", err)
	}
	env.db.noWatermark["orders"] = true

	incr, err := env.orch.PerformIncremental(ctx)
	if err != nil {
		t.Fatalf("PerformIncremental: %v", err)
	}
	if incr.TableManifest["orders"].Rows != 2 {
		t.Fatalf("orders rows = %d, want full re-capture of 2", incr.TableManifest["orders"].Rows)
	}
	if len(incr.RetryTables) != 0 {
		t.Fatalf("RetryTables = %v, want none", incr.RetryTables)
	}
}

func TestPerformDifferentialUsesLastFull(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newOrchEnv(t, 2)

	full, err := env.orch.PerformFull(ctx)
	if err != nil {
		t.Fatalf("PerformFull: %v", err)
	}

	// Put an incremental between the full and the differential; the
	// differential must still chain from the full.
	env.db.changed["users"] = []models.Record{testRecord(2, "grace@example.com")}
	if _, err := env.orch.PerformIncremental(ctx); err != nil {
		t.Fatalf("PerformIncremental: %v", err)
	}

	env.db.changed["settings"] = []models.Record{testRecord(101, "")}
	diff, err := env.orch.PerformDifferential(ctx)
	if err != nil {
		t.Fatalf("PerformDifferential: %v", err)
	}
	if diff.Type != models.BackupDifferential || diff.BaseArtifactID != full.ID {
		t.Fatalf("differential = %+v, want base %s", diff, full.ID)
	}
	// Differentials cover every table class.
	if _, ok := diff.TableManifest["settings"]; !ok {
		t.Fatal("daily-class table missing from differential")
	}
}

func TestRegistryLifecycle(t *testing.T) {
	t.Parallel()
	registry := NewRegistry()
	defer registry.Close()

	job := registry.Create(models.BackupFull)
	if job.Status != models.JobQueued {
		t.Fatalf("Status = %s, want queued", job.Status)
	}

	registry.Start(job.ID)
	got, err := registry.Get(job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.JobRunning || got.StartedAt.IsZero() {
		t.Fatalf("job = %+v, want running", got)
	}

	registry.Fail(job.ID, fmt.Errorf("boom"))
	got, _ = registry.Get(job.ID)
	if got.Status != models.JobFailed || got.Error != "boom" {
		t.Fatalf("job = %+v, want failed with reason", got)
	}

	// Terminal states do not transition again.
	registry.Complete(job.ID, "artifact-1", nil)
	got, _ = registry.Get(job.ID)
	if got.Status != models.JobFailed || got.ArtifactID != "" {
		t.Fatalf("job = %+v, terminal state must not change", got)
	}

	if _, err := registry.Get("missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("Get(missing) = %v, want ErrJobNotFound", err)
	}
}

func TestRegistrySnapshotsAreCopies(t *testing.T) {
	t.Parallel()
	registry := NewRegistry()
	defer registry.Close()

	job := registry.Create(models.BackupFull)
	job.Status = models.JobFailed // mutating the snapshot

	stored, err := registry.Get(job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != models.JobQueued {
		t.Fatalf("Status = %s; snapshot mutation leaked into the registry", stored.Status)
	}
}

func TestSchedulerNextRun(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)
	tests := []struct {
		name string
		cfg  ScheduleConfig
		want time.Time
	}{
		{
			name: "short interval ignores preferred hour",
			cfg:  ScheduleConfig{Interval: time.Hour, PreferredHour: 3},
			want: base.Add(time.Hour),
		},
		{
			name: "daily interval aligns to preferred hour next day",
			cfg:  ScheduleConfig{Interval: 24 * time.Hour, PreferredHour: 3},
			want: time.Date(2026, 3, 11, 3, 0, 0, 0, time.UTC),
		},
		{
			name: "daily interval without preferred hour",
			cfg:  ScheduleConfig{Interval: 24 * time.Hour, PreferredHour: -1},
			want: base.Add(24 * time.Hour),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := NewScheduler(nil, tt.cfg)
			s.now = func() time.Time { return base }
			if got := s.nextRun(); !got.Equal(tt.want) {
				t.Fatalf("nextRun() = %v, want %v", got, tt.want)
			}
		})
	}
}
