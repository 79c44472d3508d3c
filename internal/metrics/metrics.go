// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

// Package metrics provides Prometheus instrumentation for the engine:
// backup job throughput, restore operations and verification results,
// retention sweep decisions, crypto operations, storage backend health and
// audit fan-out failures.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Backup Metrics
	BackupJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backup_jobs_total",
			Help: "Total number of backup jobs by type and terminal status",
		},
		[]string{"type", "status"},
	)

	BackupDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backup_duration_seconds",
			Help:    "Duration of backup jobs in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800}, // Full captures can take many minutes
		},
		[]string{"type"},
	)

	BackupArtifactBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backup_artifact_bytes",
			Help:    "Size of produced backup artifacts in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10), // 1KiB .. ~256GiB
		},
		[]string{"type"},
	)

	BackupTablesCaptured = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "backup_tables_captured_total",
			Help: "Total number of table captures across all backup jobs",
		},
	)

	BackupTableFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backup_table_failures_total",
			Help: "Total number of per-table capture failures",
		},
		[]string{"table"},
	)

	// Restore Metrics
	RestoreOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "restore_operations_total",
			Help: "Total number of restore operations by strategy and terminal status",
		},
		[]string{"strategy", "status"},
	)

	RestoreDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "restore_duration_seconds",
			Help:    "Duration of restore operations in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"strategy"},
	)

	RestoreVerificationMismatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "restore_verification_mismatches_total",
			Help: "Total number of post-restore per-table count mismatches",
		},
	)

	RestoreRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "restore_rejected_total",
			Help: "Total number of restore requests rejected because one was already running",
		},
	)

	// Retention Metrics
	RetentionDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retention_decisions_total",
			Help: "Total number of retention sweep decisions by action (archived, deleted, held)",
		},
		[]string{"action"},
	)

	RetentionSweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "retention_sweep_duration_seconds",
			Help:    "Duration of retention sweeps in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Crypto Metrics
	CryptoOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crypto_operations_total",
			Help: "Total number of crypto operations by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	KeyRotationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crypto_key_rotations_total",
			Help: "Total number of completed encryption key rotations",
		},
	)

	// Compliance Metrics
	ComplianceRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compliance_requests_total",
			Help: "Total number of processed subject-rights requests by type and resulting status",
		},
		[]string{"type", "status"},
	)

	// Storage Metrics
	StorageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storage_operation_duration_seconds",
			Help:    "Duration of storage backend operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	StorageRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storage_retries_total",
			Help: "Total number of retried storage operations",
		},
		[]string{"backend"},
	)

	StorageBreakerOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "storage_breaker_open",
			Help: "Whether the storage circuit breaker is open (1) or closed (0)",
		},
		[]string{"backend"},
	)

	// Audit Metrics
	AuditEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_events_dropped_total",
			Help: "Total number of audit events dropped due to a full buffer",
		},
	)

	AuditFanOutFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_fanout_failures_total",
			Help: "Total number of failed audit event deliveries by sink",
		},
		[]string{"sink"},
	)
)

// ObserveBackup records a finished backup job.
func ObserveBackup(backupType, status string, duration time.Duration, sizeBytes int64) {
	BackupJobsTotal.WithLabelValues(backupType, status).Inc()
	BackupDuration.WithLabelValues(backupType).Observe(duration.Seconds())
	if sizeBytes > 0 {
		BackupArtifactBytes.WithLabelValues(backupType).Observe(float64(sizeBytes))
	}
}

// ObserveRestore records a finished restore operation.
func ObserveRestore(strategy, status string, duration time.Duration) {
	RestoreOperationsTotal.WithLabelValues(strategy, status).Inc()
	RestoreDuration.WithLabelValues(strategy).Observe(duration.Seconds())
}

// ObserveStorageOp times one storage backend call.
func ObserveStorageOp(backend, operation string, start time.Time) {
	StorageOperationDuration.WithLabelValues(backend, operation).Observe(time.Since(start).Seconds())
}
