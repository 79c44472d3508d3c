// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

// Package restore reconstructs database state from sealed backup
// artifacts. Three strategies are supported: complete (one artifact,
// every table), point-in-time (a full snapshot plus ordered incremental
// replay up to a target timestamp) and selective (a table subset and its
// dependencies from one artifact).
//
// At most one recovery operation runs system-wide at any time. Tables
// are replayed parents-first so foreign keys hold at every step, and
// every table of a restore is written inside one transaction: a failure
// anywhere rolls the whole restore back, leaving the target in its
// pre-restore state. A post-restore row-count verification is recorded
// on the operation -- mismatches are surfaced for operator review,
// never rolled back.
package restore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/custodia-engine/custodia/internal/audit"
	"github.com/custodia-engine/custodia/internal/crypto"
	"github.com/custodia-engine/custodia/internal/inventory"
	"github.com/custodia-engine/custodia/internal/logging"
	"github.com/custodia-engine/custodia/internal/metrics"
	"github.com/custodia-engine/custodia/internal/models"
	"github.com/custodia-engine/custodia/internal/payload"
	"github.com/custodia-engine/custodia/internal/source"
	"github.com/custodia-engine/custodia/internal/storage"
)

var (
	// ErrRecoveryInProgress is returned when a restore is requested while
	// another recovery operation is still running.
	ErrRecoveryInProgress = errors.New("restore: recovery operation already in progress")

	// ErrNoBaseBackup is returned by point-in-time restore when no
	// artifact exists at or before the target timestamp.
	ErrNoBaseBackup = errors.New("restore: no backup at or before target time")

	// ErrTablesNotInArtifact is returned by selective restore when a
	// requested table, or one of its dependencies, is not present in the
	// artifact.
	ErrTablesNotInArtifact = errors.New("restore: tables not present in artifact")

	// ErrOperationNotFound is returned for unknown operation ids.
	ErrOperationNotFound = errors.New("restore: operation not found")

	// errPayloadCorrupt marks a manifest/payload disagreement. A corrupt
	// artifact is never applied.
	errPayloadCorrupt = errors.New("restore: artifact payload does not match manifest")
)

// Target is the database surface a restore writes to.
type Target interface {
	source.Sink
	Count(ctx context.Context, table string) (int64, error)
}

// Restorer runs recovery operations against a target database.
type Restorer struct {
	db      Target
	backend storage.Backend
	engine  *crypto.Engine
	inv     inventory.Store
	graph   *source.DependencyGraph
	auditor *audit.Logger

	busy atomic.Bool

	mu  sync.Mutex
	ops map[string]*models.RecoveryOperation
}

// NewRestorer wires a restorer. The table specs supply the dependency
// graph used for replay ordering; auditor may be nil.
func NewRestorer(db Target, backend storage.Backend, engine *crypto.Engine, inv inventory.Store, specs []models.TableSpec, auditor *audit.Logger) (*Restorer, error) {
	graph, err := source.NewDependencyGraph(specs)
	if err != nil {
		return nil, fmt.Errorf("building dependency graph: %w", err)
	}
	return &Restorer{
		db:      db,
		backend: backend,
		engine:  engine,
		inv:     inv,
		graph:   graph,
		auditor: auditor,
		ops:     make(map[string]*models.RecoveryOperation),
	}, nil
}

// Operation returns a snapshot of one recovery operation.
func (r *Restorer) Operation(id string) (models.RecoveryOperation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, ok := r.ops[id]
	if !ok {
		return models.RecoveryOperation{}, ErrOperationNotFound
	}
	return *op, nil
}

// Operations returns snapshots of all recorded operations, oldest first.
func (r *Restorer) Operations() []models.RecoveryOperation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.RecoveryOperation, 0, len(r.ops))
	for _, op := range r.ops {
		out = append(out, *op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Complete restores every table of one artifact, truncate-then-load.
func (r *Restorer) Complete(ctx context.Context, artifactID string) (models.RecoveryOperation, error) {
	if !r.acquire(models.RecoveryComplete) {
		return models.RecoveryOperation{}, ErrRecoveryInProgress
	}
	defer r.busy.Store(false)

	op := r.begin(models.RecoveryComplete, nil, nil)
	artifact, err := r.inv.Get(ctx, artifactID)
	if err != nil {
		return r.fail(op, fmt.Errorf("resolving artifact %s: %w", artifactID, err))
	}
	op.SourceArtifactIDs = []string{artifact.ID}

	release, err := r.markInUse(ctx, artifact.ID)
	if err != nil {
		return r.fail(op, err)
	}
	defer release()

	tables, err := r.fetch(ctx, artifact)
	if err != nil {
		return r.fail(op, err)
	}
	order, err := r.replayOrder(artifact.Tables())
	if err != nil {
		return r.fail(op, err)
	}
	err = r.atomically(ctx, func(tx source.RestoreTx) error {
		return load(ctx, tx, order, tables)
	})
	if err != nil {
		return r.fail(op, err)
	}

	expected := make(map[string]int64, len(artifact.TableManifest))
	for table, entry := range artifact.TableManifest {
		expected[table] = entry.Rows
	}
	r.verify(ctx, op, expected)
	return r.complete(op)
}

// PointInTime restores the newest chain captured at or before target:
// the full snapshot is loaded, then each incremental is replayed in
// capture order with records newer than the target dropped.
func (r *Restorer) PointInTime(ctx context.Context, target time.Time) (models.RecoveryOperation, error) {
	if !r.acquire(models.RecoveryPointInTime) {
		return models.RecoveryOperation{}, ErrRecoveryInProgress
	}
	defer r.busy.Store(false)

	op := r.begin(models.RecoveryPointInTime, &target, nil)
	chain, err := inventory.ChainFor(ctx, r.inv, func(a *models.BackupArtifact) bool {
		return !a.CreatedAt.After(target)
	})
	if errors.Is(err, inventory.ErrArtifactNotFound) {
		return r.fail(op, ErrNoBaseBackup)
	}
	if err != nil {
		return r.fail(op, fmt.Errorf("resolving chain: %w", err))
	}
	for _, artifact := range chain {
		op.SourceArtifactIDs = append(op.SourceArtifactIDs, artifact.ID)
	}

	var releases []func()
	defer func() {
		for _, release := range releases {
			release()
		}
	}()
	for _, artifact := range chain {
		release, err := r.markInUse(ctx, artifact.ID)
		if err != nil {
			return r.fail(op, err)
		}
		releases = append(releases, release)
	}

	// Row counts after replay are only predictable for tables no delta
	// touched after the full snapshot; deltas shift counts by amounts the
	// manifest does not record.
	expected := make(map[string]int64)

	// Every artifact is downloaded and validated before the transaction
	// opens, so the replay holds no locks while waiting on storage.
	type chainStep struct {
		order  []string
		tables map[string][]models.Record
	}
	steps := make([]chainStep, 0, len(chain))
	for i, artifact := range chain {
		tables, err := r.fetch(ctx, artifact)
		if err != nil {
			return r.fail(op, err)
		}
		order, err := r.replayOrder(artifact.Tables())
		if err != nil {
			return r.fail(op, err)
		}
		if i == 0 {
			for table, entry := range artifact.TableManifest {
				expected[table] = entry.Rows
			}
		} else {
			for table, records := range tables {
				tables[table] = recordsUpTo(records, target)
			}
			for table := range artifact.TableManifest {
				delete(expected, table)
			}
		}
		steps = append(steps, chainStep{order: order, tables: tables})
	}

	err = r.atomically(ctx, func(tx source.RestoreTx) error {
		for i, step := range steps {
			if i == 0 {
				if err := load(ctx, tx, step.order, step.tables); err != nil {
					return err
				}
				continue
			}
			if err := apply(ctx, tx, step.order, step.tables); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return r.fail(op, err)
	}

	r.verify(ctx, op, expected)
	return r.complete(op)
}

// Selective restores the requested tables plus their transitive
// dependencies from one artifact. Every needed table must be present in
// the artifact; restoring a child without its parents would break
// referential integrity.
func (r *Restorer) Selective(ctx context.Context, artifactID string, requested []string) (models.RecoveryOperation, error) {
	if !r.acquire(models.RecoverySelective) {
		return models.RecoveryOperation{}, ErrRecoveryInProgress
	}
	defer r.busy.Store(false)

	op := r.begin(models.RecoverySelective, nil, requested)
	artifact, err := r.inv.Get(ctx, artifactID)
	if err != nil {
		return r.fail(op, fmt.Errorf("resolving artifact %s: %w", artifactID, err))
	}
	op.SourceArtifactIDs = []string{artifact.ID}

	needed, err := r.graph.Subset(requested)
	if err != nil {
		return r.fail(op, fmt.Errorf("%w: %v", ErrTablesNotInArtifact, err))
	}
	var missing []string
	for _, table := range needed {
		if !artifact.HasTable(table) {
			missing = append(missing, table)
		}
	}
	if len(missing) > 0 {
		return r.fail(op, fmt.Errorf("%w: %v", ErrTablesNotInArtifact, missing))
	}

	release, err := r.markInUse(ctx, artifact.ID)
	if err != nil {
		return r.fail(op, err)
	}
	defer release()

	all, err := r.fetch(ctx, artifact)
	if err != nil {
		return r.fail(op, err)
	}
	tables := make(map[string][]models.Record, len(needed))
	expected := make(map[string]int64, len(needed))
	for _, table := range needed {
		tables[table] = all[table]
		expected[table] = artifact.TableManifest[table].Rows
	}
	err = r.atomically(ctx, func(tx source.RestoreTx) error {
		return load(ctx, tx, needed, tables)
	})
	if err != nil {
		return r.fail(op, err)
	}

	r.verify(ctx, op, expected)
	return r.complete(op)
}

// acquire claims the single-flight slot. A rejected request is an
// auditable event: concurrent restores would corrupt the target.
func (r *Restorer) acquire(strategy models.RecoveryStrategy) bool {
	if r.busy.CompareAndSwap(false, true) {
		return true
	}
	metrics.RestoreRejected.Inc()
	if r.auditor != nil {
		r.auditor.RestoreEvent(audit.EventRestoreRejected, audit.OutcomeFailure, "",
			"recovery rejected: another operation is running",
			map[string]string{"strategy": string(strategy)})
	}
	logging.Warn().Str("strategy", string(strategy)).Msg("Recovery rejected; operation already in progress")
	return false
}

func (r *Restorer) begin(strategy models.RecoveryStrategy, target *time.Time, subset []string) *models.RecoveryOperation {
	op := &models.RecoveryOperation{
		ID:              models.NewOperationID(),
		Strategy:        strategy,
		TargetTimestamp: target,
		TableSubset:     subset,
		Status:          models.RecoveryRunning,
		StartedAt:       time.Now().UTC(),
	}
	r.mu.Lock()
	r.ops[op.ID] = op
	r.mu.Unlock()

	if r.auditor != nil {
		r.auditor.RestoreEvent(audit.EventRestoreStarted, audit.OutcomeSuccess, op.ID,
			string(strategy)+" restore started", nil)
	}
	logging.Info().Str("operation_id", op.ID).Str("strategy", string(strategy)).Msg("Recovery operation started")
	return op
}

func (r *Restorer) fail(op *models.RecoveryOperation, cause error) (models.RecoveryOperation, error) {
	now := time.Now().UTC()
	r.mu.Lock()
	op.Status = models.RecoveryFailed
	op.FinishedAt = &now
	op.Error = cause.Error()
	snapshot := *op
	r.mu.Unlock()

	metrics.ObserveRestore(string(op.Strategy), string(models.RecoveryFailed), now.Sub(op.StartedAt))
	if r.auditor != nil {
		r.auditor.RestoreEvent(audit.EventRestoreFailed, audit.OutcomeFailure, op.ID, cause.Error(), nil)
	}
	logging.Error().Err(cause).Str("operation_id", op.ID).Str("strategy", string(op.Strategy)).Msg("Recovery operation failed")
	return snapshot, fmt.Errorf("%s restore %s: %w", op.Strategy, op.ID, cause)
}

func (r *Restorer) complete(op *models.RecoveryOperation) (models.RecoveryOperation, error) {
	now := time.Now().UTC()
	r.mu.Lock()
	op.Status = models.RecoveryCompleted
	op.FinishedAt = &now
	snapshot := *op
	r.mu.Unlock()

	metrics.ObserveRestore(string(op.Strategy), string(models.RecoveryCompleted), now.Sub(op.StartedAt))
	if r.auditor != nil {
		r.auditor.RestoreEvent(audit.EventRestoreCompleted, audit.OutcomeSuccess, op.ID,
			string(op.Strategy)+" restore completed",
			map[string]string{"artifacts": fmt.Sprintf("%v", snapshot.SourceArtifactIDs)})
	}
	logging.Info().
		Str("operation_id", op.ID).
		Str("strategy", string(op.Strategy)).
		Bool("verification_clean", snapshot.VerificationClean()).
		Msg("Recovery operation completed")
	return snapshot, nil
}

// markInUse flags an artifact so the retention sweeper will not archive
// or delete it mid-restore. The returned release clears the flag.
func (r *Restorer) markInUse(ctx context.Context, id string) (func(), error) {
	err := r.inv.Update(ctx, id, func(a *models.BackupArtifact) error {
		a.InUse = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("marking artifact %s in use: %w", id, err)
	}
	return func() {
		err := r.inv.Update(context.Background(), id, func(a *models.BackupArtifact) error {
			a.InUse = false
			return nil
		})
		if err != nil {
			logging.Error().Err(err).Str("artifact_id", id).Msg("Failed to clear in-use flag")
		}
	}, nil
}

// fetch downloads, decrypts and decodes one artifact and validates the
// payload against its manifest before anything touches the target.
func (r *Restorer) fetch(ctx context.Context, artifact *models.BackupArtifact) (map[string][]models.Record, error) {
	sealed, err := r.backend.Download(ctx, artifact.StorageKey)
	if err != nil {
		if r.auditor != nil {
			r.auditor.RestoreEvent(audit.EventStorageDownloadFailed, audit.OutcomeFailure, artifact.ID, err.Error(), nil)
		}
		return nil, fmt.Errorf("downloading artifact %s: %w", artifact.ID, err)
	}
	plain, err := r.engine.Decrypt(ctx, sealed)
	if err != nil {
		return nil, fmt.Errorf("decrypting artifact %s: %w", artifact.ID, err)
	}
	tables, err := payload.Decode(plain)
	if err != nil {
		return nil, fmt.Errorf("decoding artifact %s: %w", artifact.ID, err)
	}

	if len(tables) != len(artifact.TableManifest) {
		return nil, fmt.Errorf("%w: artifact %s has %d tables, manifest lists %d",
			errPayloadCorrupt, artifact.ID, len(tables), len(artifact.TableManifest))
	}
	for table, entry := range artifact.TableManifest {
		records, ok := tables[table]
		if !ok {
			return nil, fmt.Errorf("%w: artifact %s is missing table %s", errPayloadCorrupt, artifact.ID, table)
		}
		if int64(len(records)) != entry.Rows {
			return nil, fmt.Errorf("%w: artifact %s table %s has %d rows, manifest lists %d",
				errPayloadCorrupt, artifact.ID, table, len(records), entry.Rows)
		}
		sum, err := payload.ChecksumRecords(records)
		if err != nil {
			return nil, fmt.Errorf("checksumming %s: %w", table, err)
		}
		if sum != entry.Checksum {
			return nil, fmt.Errorf("%w: artifact %s table %s checksum mismatch", errPayloadCorrupt, artifact.ID, table)
		}
	}
	return tables, nil
}

// replayOrder restricts the full dependency order to the given tables.
func (r *Restorer) replayOrder(tables []string) ([]string, error) {
	present := make(map[string]bool, len(tables))
	for _, table := range tables {
		present[table] = true
	}
	full, err := r.graph.Order()
	if err != nil {
		return nil, err
	}
	order := make([]string, 0, len(tables))
	for _, table := range full {
		if present[table] {
			order = append(order, table)
			delete(present, table)
		}
	}
	// Tables captured outside the configured specs restore last, in name
	// order; they have no declared dependencies.
	var extra []string
	for table, pending := range present {
		if pending {
			extra = append(extra, table)
		}
	}
	sort.Strings(extra)
	return append(order, extra...), nil
}

// atomically runs fn inside one restore transaction. Any error rolls
// everything back, so a failed restore leaves the target untouched.
func (r *Restorer) atomically(ctx context.Context, fn func(source.RestoreTx) error) error {
	tx, err := r.db.BeginRestore(ctx)
	if err != nil {
		return fmt.Errorf("beginning restore transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logging.Error().Err(rbErr).Msg("Restore rollback failed")
		}
		return err
	}
	return tx.Commit()
}

// load truncates then applies each table in order.
func load(ctx context.Context, tx source.RestoreTx, order []string, tables map[string][]models.Record) error {
	for _, table := range order {
		if err := tx.Truncate(ctx, table); err != nil {
			return fmt.Errorf("truncating %s: %w", table, err)
		}
		if err := tx.Apply(ctx, table, tables[table]); err != nil {
			return fmt.Errorf("loading %s: %w", table, err)
		}
	}
	return nil
}

// apply replays change records in order without truncating.
func apply(ctx context.Context, tx source.RestoreTx, order []string, tables map[string][]models.Record) error {
	for _, table := range order {
		records := tables[table]
		if len(records) == 0 {
			continue
		}
		if err := tx.Apply(ctx, table, records); err != nil {
			return fmt.Errorf("replaying %s: %w", table, err)
		}
	}
	return nil
}

// verify compares restored row counts against expectations and records
// the result on the operation. Mismatches are reported, never undone.
func (r *Restorer) verify(ctx context.Context, op *models.RecoveryOperation, expected map[string]int64) {
	if len(expected) == 0 {
		return
	}
	verification := make(map[string]models.VerificationEntry, len(expected))
	clean := true
	for table, want := range expected {
		got, err := r.db.Count(ctx, table)
		if err != nil {
			logging.Error().Err(err).Str("table", table).Msg("Post-restore count failed")
			verification[table] = models.VerificationEntry{Expected: want, Actual: -1}
			clean = false
			continue
		}
		match := got == want
		if !match {
			metrics.RestoreVerificationMismatches.Inc()
			clean = false
			logging.Warn().
				Str("table", table).
				Int64("expected", want).
				Int64("actual", got).
				Msg("Post-restore row count mismatch")
		}
		verification[table] = models.VerificationEntry{Expected: want, Actual: got, Match: match}
	}

	r.mu.Lock()
	op.Verification = verification
	r.mu.Unlock()

	outcome := audit.OutcomeSuccess
	if !clean {
		outcome = audit.OutcomeFailure
	}
	if r.auditor != nil {
		r.auditor.RestoreEvent(audit.EventRestoreVerified, outcome, op.ID,
			fmt.Sprintf("verified %d tables", len(verification)), nil)
	}
}

// recordsUpTo drops records newer than the cutoff. Capture order within
// a table is preserved.
func recordsUpTo(records []models.Record, cutoff time.Time) []models.Record {
	out := records[:0:0]
	for _, record := range records {
		if !record.At.After(cutoff) {
			out = append(out, record)
		}
	}
	return out
}
