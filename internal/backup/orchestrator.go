// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

package backup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

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

// ErrNoPriorBackup is returned when an incremental or differential job
// has no prior artifact to chain from. The caller falls back to a full.
var ErrNoPriorBackup = errors.New("backup: no prior backup to chain from")

// ErrNoChanges is returned when change capture finds nothing to record;
// no artifact is produced.
var ErrNoChanges = errors.New("backup: no changes since watermark")

// Config holds the orchestrator settings.
type Config struct {
	// Concurrency bounds how many tables are captured in parallel within
	// one tier. Source connection limits set the ceiling.
	Concurrency int `koanf:"concurrency" validate:"min=1"`

	// StoragePrefix prefixes artifact object keys.
	StoragePrefix string `koanf:"storage_prefix"`

	Schedule ScheduleConfig `koanf:"schedule"`
}

// DefaultConfig returns the capture defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:   4,
		StoragePrefix: "artifacts",
		Schedule:      DefaultScheduleConfig(),
	}
}

// Orchestrator runs capture jobs end to end.
type Orchestrator struct {
	db        source.Database
	backend   storage.Backend
	engine    *crypto.Engine
	protector *crypto.Protector
	inv       inventory.Store
	registry  *Registry
	auditor   *audit.Logger
	specs     []models.TableSpec
	cfg       Config
}

// NewOrchestrator wires a capture pipeline. protector and auditor may be
// nil when PII protection or auditing is not configured.
func NewOrchestrator(db source.Database, backend storage.Backend, engine *crypto.Engine, protector *crypto.Protector, inv inventory.Store, registry *Registry, auditor *audit.Logger, specs []models.TableSpec, cfg Config) *Orchestrator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	if cfg.StoragePrefix == "" {
		cfg.StoragePrefix = DefaultConfig().StoragePrefix
	}
	return &Orchestrator{
		db:        db,
		backend:   backend,
		engine:    engine,
		protector: protector,
		inv:       inv,
		registry:  registry,
		auditor:   auditor,
		specs:     specs,
		cfg:       cfg,
	}
}

// Registry exposes the job registry for status reads.
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// PerformFull captures every configured table, critical tier first. Any
// table failure fails the whole job; an incomplete full must never be
// recorded as usable.
func (o *Orchestrator) PerformFull(ctx context.Context) (*models.BackupArtifact, error) {
	job := o.registry.Create(models.BackupFull)
	o.registry.Start(job.ID)
	start := time.Now()
	o.jobEvent(audit.EventBackupStarted, audit.OutcomeSuccess, job.ID, "full backup started", nil)

	tables := make(map[string][]models.Record, len(o.specs))
	var mu sync.Mutex

	for _, tier := range []models.Tier{models.TierCritical, models.TierHigh, models.TierMedium, models.TierLow} {
		group, gctx := errgroup.WithContext(ctx)
		group.SetLimit(o.cfg.Concurrency)
		for _, spec := range o.specsInTier(tier) {
			group.Go(func() error {
				records, err := o.captureFull(gctx, spec)
				if err != nil {
					return fmt.Errorf("capturing %s: %w", spec.Name, err)
				}
				mu.Lock()
				tables[spec.Name] = records
				mu.Unlock()
				metrics.BackupTablesCaptured.Inc()
				return nil
			})
		}
		// Tiers are sequential: critical data is on stable storage
		// before lower tiers are even read.
		if err := group.Wait(); err != nil {
			return nil, o.failJob(job.ID, models.BackupFull, start, err)
		}
	}

	artifact, err := o.sealAndRecord(ctx, models.BackupFull, "", tables, nil)
	if err != nil {
		return nil, o.failJob(job.ID, models.BackupFull, start, err)
	}
	o.completeJob(job.ID, artifact, start, nil)
	return artifact, nil
}

// PerformIncremental captures hourly-class tables changed since the last
// successful backup of any type. Per-table failures are recorded and
// flagged for the next cycle; the job still completes. ErrNoChanges is
// returned when nothing moved.
func (o *Orchestrator) PerformIncremental(ctx context.Context) (*models.BackupArtifact, error) {
	base, err := inventory.Latest(ctx, o.inv)
	if errors.Is(err, inventory.ErrArtifactNotFound) {
		return nil, ErrNoPriorBackup
	}
	if err != nil {
		return nil, fmt.Errorf("resolving watermark: %w", err)
	}
	specs := o.specsForIncremental(base.RetryTables)
	return o.performDelta(ctx, models.BackupIncremental, base, specs, base.RetryTables)
}

// PerformDifferential captures every configured table changed since the
// last full backup.
func (o *Orchestrator) PerformDifferential(ctx context.Context) (*models.BackupArtifact, error) {
	base, err := inventory.LatestOfType(ctx, o.inv, models.BackupFull)
	if errors.Is(err, inventory.ErrArtifactNotFound) {
		return nil, ErrNoPriorBackup
	}
	if err != nil {
		return nil, fmt.Errorf("resolving last full: %w", err)
	}
	return o.performDelta(ctx, models.BackupDifferential, base, o.specs, nil)
}

// performDelta is the shared change-capture job body.
func (o *Orchestrator) performDelta(ctx context.Context, jobType models.BackupType, base *models.BackupArtifact, specs []models.TableSpec, retryTables []string) (*models.BackupArtifact, error) {
	job := o.registry.Create(jobType)
	o.registry.Start(job.ID)
	start := time.Now()
	o.jobEvent(audit.EventBackupStarted, audit.OutcomeSuccess, job.ID,
		string(jobType)+" backup started", map[string]string{"base_artifact_id": base.ID})

	retryNow := make(map[string]bool, len(retryTables))
	for _, table := range retryTables {
		retryNow[table] = true
	}

	tables := make(map[string][]models.Record)
	var (
		mu     sync.Mutex
		failed []string
	)

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(o.cfg.Concurrency)
	for _, spec := range specs {
		group.Go(func() error {
			records, err := o.captureDelta(gctx, spec, base.CreatedAt, retryNow[spec.Name])
			if err != nil {
				// A single table's capture failure does not sink the
				// delta: record it, flag it, move on.
				mu.Lock()
				failed = append(failed, spec.Name)
				mu.Unlock()
				metrics.BackupTableFailures.WithLabelValues(spec.Name).Inc()
				logging.Error().
					Err(err).
					Str("table", spec.Name).
					Str("job_id", job.ID).
					Msg("Table capture failed; flagged for retry")
				return nil
			}
			if len(records) == 0 {
				return nil
			}
			mu.Lock()
			tables[spec.Name] = records
			mu.Unlock()
			metrics.BackupTablesCaptured.Inc()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		// Only context cancellation reaches here.
		return nil, o.failJob(job.ID, jobType, start, err)
	}

	sort.Strings(failed)
	if len(tables) == 0 {
		if len(failed) > 0 {
			return nil, o.failJob(job.ID, jobType, start,
				fmt.Errorf("no table captured; failed: %v", failed))
		}
		o.registry.Complete(job.ID, "", nil)
		o.jobEvent(audit.EventBackupSkipped, audit.OutcomeSuccess, job.ID,
			"no changes since watermark", nil)
		return nil, ErrNoChanges
	}

	artifact, err := o.sealAndRecord(ctx, jobType, base.ID, tables, failed)
	if err != nil {
		return nil, o.failJob(job.ID, jobType, start, err)
	}
	o.completeJob(job.ID, artifact, start, failed)
	return artifact, nil
}

// captureFull reads a whole table and protects PII fields.
func (o *Orchestrator) captureFull(ctx context.Context, spec models.TableSpec) ([]models.Record, error) {
	records, err := o.db.ReadAll(ctx, spec.Name)
	if err != nil {
		return nil, err
	}
	return o.protect(ctx, spec, records)
}

// captureDelta reads changes since the watermark. Tables without
// watermark columns and tables flagged for retry are re-captured in
// full.
func (o *Orchestrator) captureDelta(ctx context.Context, spec models.TableSpec, since time.Time, retry bool) ([]models.Record, error) {
	if retry {
		// The previous cycle failed this table, so its true watermark is
		// older than the chain's; a full re-capture closes the gap.
		return o.captureFull(ctx, spec)
	}
	records, err := o.db.ReadChangedSince(ctx, spec.Name, since)
	if errors.Is(err, source.ErrNoWatermark) {
		logging.Warn().
			Str("table", spec.Name).
			Msg("Table has no watermark columns; re-capturing in full")
		return o.captureFull(ctx, spec)
	}
	if err != nil {
		return nil, err
	}
	return o.protect(ctx, spec, records)
}

func (o *Orchestrator) protect(ctx context.Context, spec models.TableSpec, records []models.Record) ([]models.Record, error) {
	if !spec.ContainsPII || o.protector == nil || len(records) == 0 {
		return records, nil
	}
	return o.protector.Protect(ctx, records, spec.PIIFields)
}

// sealAndRecord serializes, compresses, encrypts, uploads and registers
// one artifact. Encrypt and compress failures are terminal, never
// retried; upload retries live inside the resilient backend.
func (o *Orchestrator) sealAndRecord(ctx context.Context, jobType models.BackupType, baseID string, tables map[string][]models.Record, retryTables []string) (*models.BackupArtifact, error) {
	data, manifest, err := payload.Encode(tables)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	sealed, keyID, err := o.engine.Encrypt(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("encrypting payload: %w", err)
	}

	now := time.Now().UTC()
	artifact := &models.BackupArtifact{
		ID:              models.NewArtifactID(now),
		Type:            jobType,
		CreatedAt:       now,
		BaseArtifactID:  baseID,
		SizeBytes:       int64(len(sealed)),
		StorageLocation: o.backend.Name(),
		StorageClass:    storage.ClassStandard,
		EncryptionKeyID: keyID,
		Compression:     payload.CompressionName,
		TableManifest:   manifest,
		RetryTables:     retryTables,
	}
	for table := range manifest {
		if spec, ok := o.spec(table); ok && spec.ContainsPII {
			entry := manifest[table]
			entry.PIIProtected = true
			manifest[table] = entry
		}
	}

	key := o.cfg.StoragePrefix + "/" + artifact.ID
	if err := o.backend.Upload(ctx, key, sealed); err != nil {
		o.auditEvent(audit.EventStorageUploadFailed, artifact.ID, err)
		return nil, fmt.Errorf("uploading artifact: %w", err)
	}
	artifact.StorageKey = key

	if err := o.inv.Put(ctx, artifact); err != nil {
		return nil, fmt.Errorf("recording artifact: %w", err)
	}
	return artifact, nil
}

func (o *Orchestrator) specsInTier(tier models.Tier) []models.TableSpec {
	var out []models.TableSpec
	for _, spec := range o.specs {
		if spec.Tier == tier {
			out = append(out, spec)
		}
	}
	return out
}

// specsForIncremental selects hourly-class tables plus any table the
// previous cycle flagged for retry.
func (o *Orchestrator) specsForIncremental(retryTables []string) []models.TableSpec {
	retry := make(map[string]bool, len(retryTables))
	for _, table := range retryTables {
		retry[table] = true
	}
	var out []models.TableSpec
	for _, spec := range o.specs {
		if spec.Frequency == models.FrequencyHourly || retry[spec.Name] {
			out = append(out, spec)
		}
	}
	return out
}

func (o *Orchestrator) spec(table string) (models.TableSpec, bool) {
	for _, spec := range o.specs {
		if spec.Name == table {
			return spec, true
		}
	}
	return models.TableSpec{}, false
}

func (o *Orchestrator) failJob(jobID string, jobType models.BackupType, start time.Time, cause error) error {
	o.registry.Fail(jobID, cause)
	metrics.ObserveBackup(string(jobType), string(models.JobFailed), time.Since(start), 0)
	o.jobEvent(audit.EventBackupFailed, audit.OutcomeFailure, jobID, cause.Error(), nil)
	logging.Error().Err(cause).Str("job_id", jobID).Str("type", string(jobType)).Msg("Backup job failed")
	return fmt.Errorf("%s backup job %s: %w", jobType, jobID, cause)
}

func (o *Orchestrator) completeJob(jobID string, artifact *models.BackupArtifact, start time.Time, retryTables []string) {
	o.registry.Complete(jobID, artifact.ID, retryTables)
	metrics.ObserveBackup(string(artifact.Type), string(models.JobCompleted), time.Since(start), artifact.SizeBytes)
	meta := map[string]string{
		"artifact_id": artifact.ID,
		"tables":      fmt.Sprintf("%d", len(artifact.TableManifest)),
	}
	if len(retryTables) > 0 {
		meta["retry_tables"] = fmt.Sprintf("%v", retryTables)
	}
	o.jobEvent(audit.EventBackupCompleted, audit.OutcomeSuccess, jobID, "backup completed", meta)
	logging.Info().
		Str("job_id", jobID).
		Str("artifact_id", artifact.ID).
		Str("type", string(artifact.Type)).
		Int64("size_bytes", artifact.SizeBytes).
		Msg("Backup job completed")
}

func (o *Orchestrator) jobEvent(eventType audit.EventType, outcome audit.Outcome, jobID, description string, metadata map[string]string) {
	if o.auditor != nil {
		o.auditor.JobEvent(eventType, outcome, jobID, description, metadata)
	}
}

func (o *Orchestrator) auditEvent(eventType audit.EventType, artifactID string, cause error) {
	if o.auditor != nil {
		o.auditor.JobEvent(eventType, audit.OutcomeFailure, artifactID, cause.Error(), nil)
	}
}
