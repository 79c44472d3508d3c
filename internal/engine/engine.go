// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

// Package engine assembles the backup, retention, restore and compliance
// components from configuration and exposes them as one operations
// facade. The HTTP API and the background services both run against this
// surface, so every invocation path shares the same wiring, auditing and
// metrics.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/custodia-engine/custodia/internal/audit"
	"github.com/custodia-engine/custodia/internal/backup"
	"github.com/custodia-engine/custodia/internal/compliance"
	"github.com/custodia-engine/custodia/internal/config"
	"github.com/custodia-engine/custodia/internal/crypto"
	"github.com/custodia-engine/custodia/internal/inventory"
	"github.com/custodia-engine/custodia/internal/keystore"
	"github.com/custodia-engine/custodia/internal/logging"
	"github.com/custodia-engine/custodia/internal/models"
	"github.com/custodia-engine/custodia/internal/restore"
	"github.com/custodia-engine/custodia/internal/retention"
	"github.com/custodia-engine/custodia/internal/source"
	"github.com/custodia-engine/custodia/internal/storage"
)

var (
	// ErrRequestNotPending is returned when processing is requested for a
	// compliance request that already reached a terminal state.
	ErrRequestNotPending = errors.New("engine: compliance request is not pending")

	// ErrPortabilityUnavailable is returned when a portability regime or
	// request needs de-pseudonymization the PII configuration cannot
	// provide.
	ErrPortabilityUnavailable = errors.New("engine: portability requires reversible pseudonymization")

	// ErrRightNotGranted is returned when a subject-rights request names
	// a right no enabled compliance regime grants.
	ErrRightNotGranted = errors.New("engine: no enabled compliance regime grants this right")
)

// Engine is the assembled system.
type Engine struct {
	cfg *config.Config

	db      *source.SQLDatabase
	backend storage.Backend
	keys    keystore.Store
	keyring *crypto.Keyring
	sealer  *crypto.Engine

	stateDB  *badger.DB
	inv      inventory.Store
	requests compliance.RequestStore

	auditor    *audit.Logger
	auditStore *audit.FileStore

	protector *crypto.Protector

	regimes   *compliance.Registry
	processor *compliance.Processor
	exporter  *compliance.Exporter
	reporter  *compliance.Reporter

	jobs     *backup.Registry
	orch     *backup.Orchestrator
	restorer *restore.Restorer

	policies *retention.PolicyEngine
	sweeper  *retention.Sweeper
}

// New assembles an engine from validated configuration. Construction is
// fail-fast: any component that cannot start aborts the whole engine.
func New(ctx context.Context, cfg *config.Config) (*Engine, error) {
	e := &Engine{cfg: cfg}
	if err := e.init(ctx); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) init(ctx context.Context) error {
	cfg := e.cfg

	if err := e.initAudit(); err != nil {
		return err
	}

	var err error
	e.keys, err = openKeystore(cfg.Keystore)
	if err != nil {
		return fmt.Errorf("opening keystore: %w", err)
	}
	if cfg.Keystore.Backend == "memory" && e.auditor != nil {
		e.auditor.Log(&audit.Event{
			Type:        audit.EventDegradedKeyMode,
			Severity:    audit.SeverityWarning,
			Outcome:     audit.OutcomeSuccess,
			Component:   "crypto",
			Action:      string(audit.EventDegradedKeyMode),
			Description: "no KMS configured; key material is process-held",
		})
	}
	e.keyring, err = crypto.NewKeyring(ctx, e.keys, e.auditor)
	if err != nil {
		return fmt.Errorf("initializing keyring: %w", err)
	}
	e.sealer = crypto.NewEngine(e.keyring, e.auditor)

	e.backend, err = storage.New(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("opening storage backend: %w", err)
	}

	var reverseMap crypto.ReverseMapStore
	if cfg.Inventory.Path != "" {
		opts := badger.DefaultOptions(cfg.Inventory.Path)
		opts.Logger = nil
		e.stateDB, err = badger.Open(opts)
		if err != nil {
			return fmt.Errorf("opening state database: %w", err)
		}
		e.inv = inventory.NewBadgerStoreFromDB(e.stateDB)
		e.requests = compliance.NewBadgerRequestStore(e.stateDB)
		reverseMap = compliance.NewBadgerReverseMap(e.stateDB, e.sealer)
	} else {
		logging.Warn().Msg("No inventory path configured; state is in-memory and will not survive a restart")
		e.inv = inventory.NewMemoryStore()
		e.requests = compliance.NewMemoryRequestStore()
	}

	e.protector = crypto.NewProtector(e.keyring, e.auditor, cfg.PII.Mode, reverseMap)
	protector := e.protector
	if !protector.Reversible() {
		logging.Warn().Str("mode", string(cfg.PII.Mode)).Msg("PII protection is irreversible; erasure and portability will not match protected values")
	}

	e.db, err = source.Open(cfg.Source)
	if err != nil {
		return fmt.Errorf("opening source database: %w", err)
	}

	e.regimes = compliance.NewRegistry(nil)
	for _, name := range cfg.Compliance.Regimes {
		e.regimes.SetEnabled(name, true)
	}
	if e.regimes.RequiresPortability() && !protector.Reversible() {
		// A one-way mode can never satisfy a portability mandate; that is
		// an operator contradiction, not a degraded deployment.
		if cfg.PII.Mode == crypto.ModeHash {
			return fmt.Errorf("enabled regime requires portability but pii.mode is %q: %w", cfg.PII.Mode, ErrPortabilityUnavailable)
		}
		logging.Warn().Msg("Enabled regime requires portability but no reverse map store is configured; portability requests will be rejected")
	}

	eraser := compliance.NewEraser(e.inv, e.backend, e.sealer, protector, cfg.Tables, cfg.PII.SubjectFields, e.auditor)
	e.exporter = compliance.NewExporter(e.inv, e.backend, e.sealer, protector, cfg.Tables, cfg.PII.SubjectFields, e.auditor, cfg.Compliance.ExportTTL)
	e.processor = compliance.NewProcessor(e.requests, eraser, e.exporter, e.inv, e.auditor)
	var auditReader compliance.AuditReader
	if e.auditStore != nil {
		auditReader = e.auditStore
	}
	e.reporter = compliance.NewReporter(e.inv, e.requests, e.regimes, auditReader, cfg.Tables, compliance.DefaultCostRates())

	e.jobs = backup.NewRegistry()
	e.orch = backup.NewOrchestrator(e.db, e.backend, e.sealer, protector, e.inv, e.jobs, e.auditor, cfg.Tables, cfg.Backup)

	e.restorer, err = restore.NewRestorer(e.db, e.backend, e.sealer, e.inv, cfg.Tables, e.auditor)
	if err != nil {
		return fmt.Errorf("initializing restorer: %w", err)
	}

	e.policies = retention.NewPolicyEngine(e.regimes, cfg.Tables)
	e.sweeper = retention.NewSweeper(e.inv, e.backend, e.sealer, e.policies, cfg.Tables, e.requests, e.auditor, cfg.Retention)

	return nil
}

func (e *Engine) initAudit() error {
	cfg := e.cfg.Audit
	if !cfg.Enabled {
		return nil
	}
	store, err := audit.NewFileStore(cfg.Path, cfg.MaxFileBytes, cfg.MaxFiles)
	if err != nil {
		return fmt.Errorf("opening audit store: %w", err)
	}
	var sinks []audit.Sink
	if cfg.AlertWebhookURL != "" {
		sinks = append(sinks, audit.NewWebhookSink(cfg.AlertWebhookURL, 10*time.Second))
	}
	if cfg.SIEM.Enabled {
		siem, err := audit.NewNATSSink(cfg.SIEM.URL, cfg.SIEM.Subject, nil)
		if err != nil {
			store.Close()
			return fmt.Errorf("connecting SIEM sink: %w", err)
		}
		sinks = append(sinks, siem)
	}
	e.auditStore = store
	e.auditor = audit.NewLogger(store, cfg.ToAudit(), sinks...)
	return nil
}

func openKeystore(cfg config.KeystoreConfig) (keystore.Store, error) {
	switch cfg.Backend {
	case "badger":
		return keystore.NewBadgerStore(cfg.Path)
	case "file":
		return keystore.NewFileStore(cfg.Path)
	case "memory":
		return keystore.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown keystore backend %q", cfg.Backend)
	}
}

// Close releases every component. Safe on a partially constructed
// engine.
func (e *Engine) Close() error {
	var errs []error
	if e.jobs != nil {
		e.jobs.Close()
	}
	if e.db != nil {
		errs = append(errs, e.db.Close())
	}
	if e.backend != nil {
		errs = append(errs, e.backend.Close())
	}
	if e.inv != nil && e.stateDB == nil {
		errs = append(errs, e.inv.Close())
	}
	if e.stateDB != nil {
		errs = append(errs, e.stateDB.Close())
	}
	if e.keys != nil {
		errs = append(errs, e.keys.Close())
	}
	if e.auditor != nil {
		errs = append(errs, e.auditor.Close())
	}
	return errors.Join(errs...)
}

// Services returns the long-running background services to supervise:
// the backup scheduler and the retention sweep loop.
func (e *Engine) Services() (*backup.Scheduler, *retention.SweepService) {
	scheduler := backup.NewScheduler(e.orch, e.cfg.Backup.Schedule)
	sweeps := retention.NewSweepService(e.sweeper, e.cfg.Retention.SweepInterval)
	return scheduler, sweeps
}

// RunFullBackup captures every configured table.
func (e *Engine) RunFullBackup(ctx context.Context) (*models.BackupArtifact, error) {
	return e.orch.PerformFull(ctx)
}

// RunIncrementalBackup captures changes since the last backup. With no
// prior backup it seeds the chain with a full instead.
func (e *Engine) RunIncrementalBackup(ctx context.Context) (*models.BackupArtifact, error) {
	artifact, err := e.orch.PerformIncremental(ctx)
	if errors.Is(err, backup.ErrNoPriorBackup) {
		logging.Info().Msg("No prior backup; seeding chain with a full")
		return e.orch.PerformFull(ctx)
	}
	return artifact, err
}

// RunDifferentialBackup captures changes since the last full backup.
func (e *Engine) RunDifferentialBackup(ctx context.Context) (*models.BackupArtifact, error) {
	return e.orch.PerformDifferential(ctx)
}

// Job returns one backup job's state.
func (e *Engine) Job(id string) (backup.Job, error) {
	return e.jobs.Get(id)
}

// Jobs lists backup jobs, oldest first.
func (e *Engine) Jobs() []backup.Job {
	return e.jobs.List()
}

// Artifacts lists the backup inventory, oldest first.
func (e *Engine) Artifacts(ctx context.Context) ([]*models.BackupArtifact, error) {
	return e.inv.List(ctx)
}

// Artifact resolves one inventory entry.
func (e *Engine) Artifact(ctx context.Context, id string) (*models.BackupArtifact, error) {
	return e.inv.Get(ctx, id)
}

// SetLegalHold places or releases a legal hold on an artifact. Held
// artifacts are exempt from retention deletion and erasure until
// released.
func (e *Engine) SetLegalHold(ctx context.Context, artifactID string, held bool) error {
	err := e.inv.Update(ctx, artifactID, func(a *models.BackupArtifact) error {
		a.LegalHold = held
		return nil
	})
	if err != nil {
		return fmt.Errorf("updating legal hold on %s: %w", artifactID, err)
	}
	if e.auditor != nil {
		e.auditor.RetentionEvent(audit.EventLegalHoldChanged, artifactID, fmt.Sprintf("legal hold set to %t", held))
	}
	return nil
}

// RestoreComplete restores one artifact in full.
func (e *Engine) RestoreComplete(ctx context.Context, artifactID string) (models.RecoveryOperation, error) {
	return e.restorer.Complete(ctx, artifactID)
}

// RestorePointInTime restores state as of the target time.
func (e *Engine) RestorePointInTime(ctx context.Context, target time.Time) (models.RecoveryOperation, error) {
	return e.restorer.PointInTime(ctx, target)
}

// RestoreSelective restores a table subset from one artifact.
func (e *Engine) RestoreSelective(ctx context.Context, artifactID string, tables []string) (models.RecoveryOperation, error) {
	return e.restorer.Selective(ctx, artifactID, tables)
}

// RecoveryOperation returns one recorded restore operation.
func (e *Engine) RecoveryOperation(id string) (models.RecoveryOperation, error) {
	return e.restorer.Operation(id)
}

// RecoveryOperations lists recorded restore operations, oldest first.
func (e *Engine) RecoveryOperations() []models.RecoveryOperation {
	return e.restorer.Operations()
}

// ApplyRetention runs one retention sweep now.
func (e *Engine) ApplyRetention(ctx context.Context) (*retention.SweepReport, error) {
	return e.sweeper.Apply(ctx)
}

// RetentionPolicy computes the effective policy for one table.
func (e *Engine) RetentionPolicy(table string) (models.RetentionPolicy, error) {
	return e.policies.ComputePolicy(table)
}

// RotateKey rotates the active encryption key. Existing artifacts stay
// readable under their recorded key ids.
func (e *Engine) RotateKey(ctx context.Context) (string, error) {
	key, err := e.keyring.Rotate(ctx)
	if err != nil {
		return "", fmt.Errorf("rotating key: %w", err)
	}
	return key.ID, nil
}

// SubmitComplianceRequest records a new pending subject-rights request.
// Erasure and portability are only accepted when an enabled regime
// grants the right, and portability additionally needs a reversible
// PII configuration to de-pseudonymize the export.
func (e *Engine) SubmitComplianceRequest(ctx context.Context, typ models.ComplianceRequestType, subjectID string, artifactIDs []string) (*models.ComplianceRequest, error) {
	switch typ {
	case models.RequestErasure:
		if !e.regimes.RequiresErasure() {
			return nil, fmt.Errorf("erasure request: %w", ErrRightNotGranted)
		}
	case models.RequestPortability:
		if !e.regimes.RequiresPortability() {
			return nil, fmt.Errorf("portability request: %w", ErrRightNotGranted)
		}
		if !e.protector.Reversible() {
			return nil, fmt.Errorf("portability request with pii mode %q: %w", e.protector.Mode(), ErrPortabilityUnavailable)
		}
	}

	req := &models.ComplianceRequest{
		ID:                  models.NewRequestID(),
		Type:                typ,
		SubjectID:           subjectID,
		RequestedAt:         time.Now().UTC(),
		Status:              models.RequestPending,
		AffectedArtifactIDs: artifactIDs,
	}
	if err := e.requests.Save(ctx, req); err != nil {
		return nil, fmt.Errorf("recording compliance request: %w", err)
	}
	if e.auditor != nil {
		e.auditor.ComplianceEvent(audit.EventComplianceRequest, audit.OutcomeSuccess, req.ID,
			map[string]string{"type": string(typ)})
	}
	return req, nil
}

// ProcessComplianceRequest runs a pending request to completion.
func (e *Engine) ProcessComplianceRequest(ctx context.Context, id string) (*models.ComplianceRequest, error) {
	req, err := e.requests.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Status != models.RequestPending {
		return req, ErrRequestNotPending
	}
	if err := e.processor.ProcessRequest(ctx, req); err != nil {
		return req, err
	}
	return req, nil
}

// ComplianceRequest returns one recorded request.
func (e *Engine) ComplianceRequest(ctx context.Context, id string) (*models.ComplianceRequest, error) {
	return e.requests.Get(ctx, id)
}

// ComplianceRequests lists recorded requests.
func (e *Engine) ComplianceRequests(ctx context.Context) ([]*models.ComplianceRequest, error) {
	return e.requests.List(ctx)
}

// OpenExport returns a portability export's rendered content by handle.
func (e *Engine) OpenExport(handleID string) ([]byte, error) {
	return e.exporter.Open(handleID)
}

// SetRegimeEnabled toggles a compliance regime at runtime. Retention
// floors only ever rise for affected artifacts. Enabling a regime that
// mandates portability is rejected while the PII configuration cannot
// reverse pseudonyms; honoring the toggle would silently produce
// non-exportable data.
func (e *Engine) SetRegimeEnabled(name string, enabled bool) error {
	if enabled {
		if regime, ok := e.regimes.Get(name); ok && regime.RequiresPortability && !e.protector.Reversible() {
			return fmt.Errorf("enabling regime %s with pii mode %q: %w", name, e.protector.Mode(), ErrPortabilityUnavailable)
		}
	}
	e.regimes.SetEnabled(name, enabled)
	return nil
}

// Regimes lists the currently enabled compliance regimes.
func (e *Engine) Regimes() []compliance.Regime {
	return e.regimes.Enabled()
}

// GenerateComplianceReport builds the compliance report for a period.
func (e *Engine) GenerateComplianceReport(ctx context.Context, start, end time.Time) (*compliance.Report, error) {
	report, err := e.reporter.GenerateReport(ctx, start, end)
	if err != nil {
		return nil, err
	}
	if e.auditor != nil {
		e.auditor.ComplianceEvent(audit.EventComplianceReport, audit.OutcomeSuccess, "", map[string]string{
			"period_start": start.Format(time.RFC3339),
			"period_end":   end.Format(time.RFC3339),
		})
	}
	return report, nil
}
