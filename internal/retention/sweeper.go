// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/custodia-engine/custodia/internal/audit"
	"github.com/custodia-engine/custodia/internal/compliance"
	"github.com/custodia-engine/custodia/internal/crypto"
	"github.com/custodia-engine/custodia/internal/inventory"
	"github.com/custodia-engine/custodia/internal/logging"
	"github.com/custodia-engine/custodia/internal/metrics"
	"github.com/custodia-engine/custodia/internal/models"
	"github.com/custodia-engine/custodia/internal/payload"
	"github.com/custodia-engine/custodia/internal/storage"
)

// Config holds the sweep settings.
type Config struct {
	// SweepInterval is how often the supervised sweeper runs.
	SweepInterval time.Duration `koanf:"sweep_interval" validate:"min=0"`

	// ArchiveAfter migrates artifacts older than this to the archive
	// storage class. Zero disables age-based archiving.
	ArchiveAfter time.Duration `koanf:"archive_after" validate:"min=0"`
}

// DefaultConfig returns the sweep defaults.
func DefaultConfig() Config {
	return Config{
		SweepInterval: time.Hour,
		ArchiveAfter:  90 * 24 * time.Hour,
	}
}

// Action is one sweep decision.
type Action string

const (
	ActionHeld     Action = "held"
	ActionArchived Action = "archived"
	ActionDeleted  Action = "deleted"
	ActionFailed   Action = "failed"
)

// Decision is one artifact's sweep outcome with the reason it was made.
type Decision struct {
	ArtifactID string `json:"artifact_id"`
	Action     Action `json:"action"`
	Reason     string `json:"reason"`
}

// SweepReport summarizes one sweep pass.
type SweepReport struct {
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
	Examined   int        `json:"examined"`
	Decisions  []Decision `json:"decisions,omitempty"`
}

// Count returns the number of decisions with the given action.
func (r *SweepReport) Count(action Action) int {
	n := 0
	for _, d := range r.Decisions {
		if d.Action == action {
			n++
		}
	}
	return n
}

// Sweeper applies retention to the inventory. Precedence per artifact:
// hold beats archive beats delete; expired artifacts covering critical
// tables are archived once before they may be deleted.
type Sweeper struct {
	inv      inventory.Store
	backend  storage.Backend
	engine   *crypto.Engine
	policies *PolicyEngine
	specs    map[string]models.TableSpec
	requests compliance.RequestStore
	auditor  *audit.Logger
	cfg      Config
}

// NewSweeper wires the sweep. requests and auditor may be nil.
func NewSweeper(inv inventory.Store, backend storage.Backend, engine *crypto.Engine, policies *PolicyEngine, specs []models.TableSpec, requests compliance.RequestStore, auditor *audit.Logger, cfg Config) *Sweeper {
	byName := make(map[string]models.TableSpec, len(specs))
	for _, spec := range specs {
		byName[spec.Name] = spec
	}
	return &Sweeper{
		inv:      inv,
		backend:  backend,
		engine:   engine,
		policies: policies,
		specs:    byName,
		requests: requests,
		auditor:  auditor,
		cfg:      cfg,
	}
}

// Apply runs one sweep pass. A failure on one artifact is recorded and
// does not stop the rest.
func (s *Sweeper) Apply(ctx context.Context) (*SweepReport, error) {
	start := time.Now()
	defer func() {
		metrics.RetentionSweepDuration.Observe(time.Since(start).Seconds())
	}()

	artifacts, err := s.inv.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing inventory: %w", err)
	}
	openScope, err := s.openRequestScope(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	report := &SweepReport{StartedAt: now, Examined: len(artifacts)}

	expired := make(map[string]bool, len(artifacts))
	children := make(map[string][]*models.BackupArtifact)
	for _, artifact := range artifacts {
		exp, err := s.isExpired(artifact, now)
		if err != nil {
			s.record(report, artifact.ID, ActionHeld, err.Error())
			continue
		}
		expired[artifact.ID] = exp
		if artifact.BaseArtifactID != "" {
			children[artifact.BaseArtifactID] = append(children[artifact.BaseArtifactID], artifact)
		}
	}

	// An artifact is only deletable when its whole descendant chain is
	// expired too; deleting a base would orphan live incrementals.
	deletable := make(map[string]bool, len(artifacts))
	var chainDeletable func(a *models.BackupArtifact) bool
	chainDeletable = func(a *models.BackupArtifact) bool {
		if done, ok := deletable[a.ID]; ok {
			return done
		}
		deletable[a.ID] = false // breaks corrupt cyclic chains
		ok := expired[a.ID]
		for _, child := range children[a.ID] {
			if !chainDeletable(child) {
				ok = false
			}
		}
		deletable[a.ID] = ok
		return ok
	}

	for _, artifact := range artifacts {
		if _, classified := expired[artifact.ID]; !classified {
			continue // already held above for a missing policy
		}
		s.sweepOne(ctx, report, artifact, now, expired[artifact.ID], chainDeletable(artifact), openScope)
	}

	report.FinishedAt = time.Now().UTC()
	if s.auditor != nil {
		s.auditor.RetentionEvent(audit.EventSweepCompleted, "",
			fmt.Sprintf("examined=%d held=%d archived=%d deleted=%d failed=%d",
				report.Examined, report.Count(ActionHeld), report.Count(ActionArchived),
				report.Count(ActionDeleted), report.Count(ActionFailed)))
	}
	logging.Info().
		Int("examined", report.Examined).
		Int("archived", report.Count(ActionArchived)).
		Int("deleted", report.Count(ActionDeleted)).
		Int("held", report.Count(ActionHeld)).
		Msg("Retention sweep completed")
	return report, nil
}

func (s *Sweeper) sweepOne(ctx context.Context, report *SweepReport, artifact *models.BackupArtifact, now time.Time, expired, deletable bool, openScope map[string]bool) {
	if reason := s.holdReason(artifact, openScope); reason != "" {
		// Holds only matter (and are only audited) when they block an
		// action the sweep would otherwise take.
		if expired || s.dueForArchive(artifact, now) {
			s.record(report, artifact.ID, ActionHeld, reason)
			if s.auditor != nil {
				s.auditor.RetentionEvent(audit.EventArtifactHeld, artifact.ID, reason)
			}
		}
		return
	}

	if expired {
		if !deletable {
			s.record(report, artifact.ID, ActionHeld, "live incremental chain depends on this artifact")
			return
		}
		// Critical-tier data passes through the archive tier before it
		// may leave the inventory.
		if s.coversCriticalTable(artifact) && !artifact.Archived {
			s.archive(ctx, report, artifact, "archive before delete (critical tier)")
			return
		}
		s.delete(ctx, report, artifact)
		return
	}

	if s.dueForArchive(artifact, now) {
		s.archive(ctx, report, artifact, fmt.Sprintf("older than %s", s.cfg.ArchiveAfter))
	}
}

// holdReason returns why an artifact must not be touched, or "".
func (s *Sweeper) holdReason(artifact *models.BackupArtifact, openScope map[string]bool) string {
	switch {
	case artifact.LegalHold:
		return "legal hold"
	case artifact.InUse:
		return "in use by a running restore"
	case openScope[artifact.ID]:
		return "referenced by a pending compliance request"
	default:
		return ""
	}
}

// isExpired reports whether the artifact outlived the longest effective
// retention across its tables.
func (s *Sweeper) isExpired(artifact *models.BackupArtifact, now time.Time) (bool, error) {
	years := 0
	known := 0
	for table := range artifact.TableManifest {
		policy, err := s.policies.ComputePolicy(table)
		if err != nil {
			continue
		}
		known++
		if y := policy.EffectiveYears(); y > years {
			years = y
		}
	}
	if known == 0 {
		return false, fmt.Errorf("no retention policy covers artifact %s; holding", artifact.ID)
	}
	return artifact.CreatedAt.AddDate(years, 0, 0).Before(now), nil
}

func (s *Sweeper) dueForArchive(artifact *models.BackupArtifact, now time.Time) bool {
	return !artifact.Archived && s.cfg.ArchiveAfter > 0 && artifact.Age(now) > s.cfg.ArchiveAfter
}

func (s *Sweeper) coversCriticalTable(artifact *models.BackupArtifact) bool {
	for table := range artifact.TableManifest {
		if spec, ok := s.specs[table]; ok && spec.Tier == models.TierCritical {
			return true
		}
	}
	return false
}

func (s *Sweeper) coversPIITable(artifact *models.BackupArtifact) bool {
	for table := range artifact.TableManifest {
		if spec, ok := s.specs[table]; ok && spec.ContainsPII {
			return true
		}
	}
	return false
}

func (s *Sweeper) archive(ctx context.Context, report *SweepReport, artifact *models.BackupArtifact, reason string) {
	if err := s.backend.Archive(ctx, artifact.StorageKey); err != nil {
		s.fail(report, artifact.ID, fmt.Errorf("archiving: %w", err))
		return
	}
	err := s.inv.Update(ctx, artifact.ID, func(a *models.BackupArtifact) error {
		a.Archived = true
		a.StorageClass = storage.ClassArchive
		return nil
	})
	if err != nil {
		s.fail(report, artifact.ID, fmt.Errorf("recording archive: %w", err))
		return
	}
	s.record(report, artifact.ID, ActionArchived, reason)
	metrics.RetentionDecisions.WithLabelValues(string(ActionArchived)).Inc()
	if s.auditor != nil {
		s.auditor.RetentionEvent(audit.EventArtifactArchived, artifact.ID, reason)
	}
}

func (s *Sweeper) delete(ctx context.Context, report *SweepReport, artifact *models.BackupArtifact) {
	if s.coversPIITable(artifact) {
		if err := s.shred(ctx, artifact); err != nil {
			s.fail(report, artifact.ID, fmt.Errorf("shredding: %w", err))
			return
		}
	}
	if err := s.backend.Delete(ctx, artifact.StorageKey); err != nil {
		s.fail(report, artifact.ID, fmt.Errorf("deleting object: %w", err))
		return
	}
	if err := s.inv.Delete(ctx, artifact.ID); err != nil {
		s.fail(report, artifact.ID, fmt.Errorf("deleting inventory entry: %w", err))
		return
	}
	s.record(report, artifact.ID, ActionDeleted, "retention expired")
	metrics.RetentionDecisions.WithLabelValues(string(ActionDeleted)).Inc()
	if s.auditor != nil {
		s.auditor.RetentionEvent(audit.EventArtifactDeleted, artifact.ID, "retention expired")
	}
}

// shred overwrites a PII artifact with a sealed empty payload before the
// object is removed, so a restored or undeleted object yields nothing.
func (s *Sweeper) shred(ctx context.Context, artifact *models.BackupArtifact) error {
	blank, _, err := payload.Encode(map[string][]models.Record{})
	if err != nil {
		return err
	}
	sealed, _, err := s.engine.Encrypt(ctx, blank)
	if err != nil {
		return err
	}
	return s.backend.Upload(ctx, artifact.StorageKey, sealed)
}

// openRequestScope returns the artifact ids referenced by pending
// compliance requests.
func (s *Sweeper) openRequestScope(ctx context.Context) (map[string]bool, error) {
	scope := make(map[string]bool)
	if s.requests == nil {
		return scope, nil
	}
	requests, err := s.requests.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing compliance requests: %w", err)
	}
	for _, req := range requests {
		if req.Status != models.RequestPending {
			continue
		}
		for _, id := range req.AffectedArtifactIDs {
			scope[id] = true
		}
	}
	return scope, nil
}

func (s *Sweeper) record(report *SweepReport, artifactID string, action Action, reason string) {
	report.Decisions = append(report.Decisions, Decision{ArtifactID: artifactID, Action: action, Reason: reason})
	if action == ActionHeld {
		metrics.RetentionDecisions.WithLabelValues(string(ActionHeld)).Inc()
	}
}

func (s *Sweeper) fail(report *SweepReport, artifactID string, err error) {
	s.record(report, artifactID, ActionFailed, err.Error())
	logging.Error().Err(err).Str("artifact_id", artifactID).Msg("Retention action failed")
}
