// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

package compliance

import (
	"context"
	"fmt"
	"time"

	"github.com/custodia-engine/custodia/internal/audit"
	"github.com/custodia-engine/custodia/internal/inventory"
	"github.com/custodia-engine/custodia/internal/models"
	"github.com/custodia-engine/custodia/internal/storage"
)

// CostRates prices stored bytes per GB-month by storage class.
type CostRates struct {
	StandardPerGBMonth float64 `koanf:"standard_per_gb_month"`
	ArchivePerGBMonth  float64 `koanf:"archive_per_gb_month"`
}

// DefaultCostRates approximate common object-storage pricing.
func DefaultCostRates() CostRates {
	return CostRates{StandardPerGBMonth: 0.023, ArchivePerGBMonth: 0.004}
}

// UsageAnalysis summarizes how the backup side behaved over the report
// period.
type UsageAnalysis struct {
	FullBackups         int     `json:"full_backups"`
	IncrementalBackups  int     `json:"incremental_backups"`
	DifferentialBackups int     `json:"differential_backups"`
	BytesWritten        int64   `json:"bytes_written"`
	AverageArtifactMB   float64 `json:"average_artifact_mb"`
	LongestChain        int     `json:"longest_chain"`
	BackupsPerDay       float64 `json:"backups_per_day"`
}

// CostModel estimates what the current inventory costs to keep.
type CostModel struct {
	Rates                CostRates `json:"rates"`
	StandardBytes        int64     `json:"standard_bytes"`
	ArchiveBytes         int64     `json:"archive_bytes"`
	EstimatedMonthlyUSD  float64   `json:"estimated_monthly_usd"`
	ArchiveSavingsUSD    float64   `json:"archive_savings_usd"`
	ArchivableCandidates int       `json:"archivable_candidates"`
}

// Report is the periodic compliance report handed to auditors.
type Report struct {
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	GeneratedAt time.Time `json:"generated_at"`

	EnabledRegimes []string `json:"enabled_regimes"`

	ArtifactCount  int   `json:"artifact_count"`
	ArtifactsHeld  int   `json:"artifacts_on_legal_hold"`
	TotalBytes     int64 `json:"total_bytes"`
	PIIArtifacts   int   `json:"pii_artifacts"`
	EncryptedCount int   `json:"encrypted_count"`

	RequestsByType   map[string]int `json:"requests_by_type"`
	RequestsByStatus map[string]int `json:"requests_by_status"`

	SecurityEvents map[string]int `json:"security_events_by_severity"`

	Usage UsageAnalysis `json:"usage"`
	Cost  CostModel     `json:"cost"`
}

// AuditReader is the slice of the audit store the reporter needs.
type AuditReader interface {
	ReadRange(start, end time.Time) ([]*audit.Event, error)
}

// Reporter generates compliance reports over the inventory, request
// store, and audit trail.
type Reporter struct {
	inv      inventory.Store
	requests RequestStore
	registry *Registry
	events   AuditReader
	specs    map[string]models.TableSpec
	rates    CostRates
}

// NewReporter wires the report generator. events may be nil when no
// persistent audit store is configured.
func NewReporter(inv inventory.Store, requests RequestStore, registry *Registry, events AuditReader, specs []models.TableSpec, rates CostRates) *Reporter {
	if rates == (CostRates{}) {
		rates = DefaultCostRates()
	}
	byName := make(map[string]models.TableSpec, len(specs))
	for _, spec := range specs {
		byName[spec.Name] = spec
	}
	return &Reporter{inv: inv, requests: requests, registry: registry, events: events, specs: byName, rates: rates}
}

// GenerateReport builds the report for [start, end].
func (r *Reporter) GenerateReport(ctx context.Context, start, end time.Time) (*Report, error) {
	artifacts, err := r.inv.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing inventory: %w", err)
	}

	report := &Report{
		PeriodStart:      start,
		PeriodEnd:        end,
		GeneratedAt:      time.Now().UTC(),
		RequestsByType:   make(map[string]int),
		RequestsByStatus: make(map[string]int),
		SecurityEvents:   make(map[string]int),
	}
	for _, regime := range r.registry.Enabled() {
		report.EnabledRegimes = append(report.EnabledRegimes, regime.Name)
	}

	r.summarizeInventory(report, artifacts)
	r.analyzeUsage(report, artifacts, start, end)
	r.modelCost(report, artifacts)

	if r.requests != nil {
		requests, err := r.requests.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing requests: %w", err)
		}
		for _, req := range requests {
			if req.RequestedAt.Before(start) || req.RequestedAt.After(end) {
				continue
			}
			report.RequestsByType[string(req.Type)]++
			report.RequestsByStatus[string(req.Status)]++
		}
	}

	if r.events != nil {
		events, err := r.events.ReadRange(start, end)
		if err != nil {
			return nil, fmt.Errorf("reading audit trail: %w", err)
		}
		for _, event := range events {
			report.SecurityEvents[string(event.Severity)]++
		}
	}

	return report, nil
}

func (r *Reporter) summarizeInventory(report *Report, artifacts []*models.BackupArtifact) {
	for _, artifact := range artifacts {
		report.ArtifactCount++
		report.TotalBytes += artifact.SizeBytes
		if artifact.LegalHold {
			report.ArtifactsHeld++
		}
		if artifact.EncryptionKeyID != "" {
			report.EncryptedCount++
		}
		for table := range artifact.TableManifest {
			if spec, ok := r.specs[table]; ok && spec.ContainsPII {
				report.PIIArtifacts++
				break
			}
		}
	}
}

func (r *Reporter) analyzeUsage(report *Report, artifacts []*models.BackupArtifact, start, end time.Time) {
	var inPeriod int
	chainLen := make(map[string]int)

	for _, artifact := range artifacts {
		// Chain lengths consider the whole inventory; counts only the
		// period.
		if artifact.Type == models.BackupFull {
			chainLen[artifact.ID] = 1
		} else if base, ok := chainLen[artifact.BaseArtifactID]; ok {
			chainLen[artifact.ID] = base + 1
		}
		if l := chainLen[artifact.ID]; l > report.Usage.LongestChain {
			report.Usage.LongestChain = l
		}

		if artifact.CreatedAt.Before(start) || artifact.CreatedAt.After(end) {
			continue
		}
		inPeriod++
		report.Usage.BytesWritten += artifact.SizeBytes
		switch artifact.Type {
		case models.BackupFull:
			report.Usage.FullBackups++
		case models.BackupIncremental:
			report.Usage.IncrementalBackups++
		case models.BackupDifferential:
			report.Usage.DifferentialBackups++
		}
	}

	if inPeriod > 0 {
		report.Usage.AverageArtifactMB = float64(report.Usage.BytesWritten) / float64(inPeriod) / (1 << 20)
	}
	if days := end.Sub(start).Hours() / 24; days > 0 {
		report.Usage.BackupsPerDay = float64(inPeriod) / days
	}
}

func (r *Reporter) modelCost(report *Report, artifacts []*models.BackupArtifact) {
	report.Cost.Rates = r.rates
	const gb = float64(1 << 30)

	for _, artifact := range artifacts {
		if artifact.Archived || artifact.StorageClass == storage.ClassArchive {
			report.Cost.ArchiveBytes += artifact.SizeBytes
		} else {
			report.Cost.StandardBytes += artifact.SizeBytes
			// Anything older than ninety days on the hot tier is an
			// archive candidate worth flagging to the cost owner.
			if artifact.Age(report.GeneratedAt) > 90*24*time.Hour {
				report.Cost.ArchivableCandidates++
				report.Cost.ArchiveSavingsUSD += float64(artifact.SizeBytes) / gb *
					(r.rates.StandardPerGBMonth - r.rates.ArchivePerGBMonth)
			}
		}
	}

	report.Cost.EstimatedMonthlyUSD =
		float64(report.Cost.StandardBytes)/gb*r.rates.StandardPerGBMonth +
			float64(report.Cost.ArchiveBytes)/gb*r.rates.ArchivePerGBMonth
}
