// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

// Package audit provides structured, PII-redacting security audit logging
// for the backup-and-disaster-recovery engine. Every security- and
// compliance-relevant action flows through here: crypto operations, backup
// and restore lifecycles, retention decisions and subject-rights
// processing.
//
// Events are buffered and written asynchronously to a rotating JSON-lines
// file; error- and warning-level events additionally fan out to an alerting
// sink and, if configured, a SIEM sink. Fan-out failures are logged locally
// and never block the primary write.
package audit

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// EventType categorizes audit events.
type EventType string

const (
	// Backup lifecycle events
	EventBackupStarted   EventType = "backup.started"
	EventBackupCompleted EventType = "backup.completed"
	EventBackupFailed    EventType = "backup.failed"
	EventBackupSkipped   EventType = "backup.skipped"

	// Restore lifecycle events
	EventRestoreStarted   EventType = "restore.started"
	EventRestoreCompleted EventType = "restore.completed"
	EventRestoreFailed    EventType = "restore.failed"
	EventRestoreRejected  EventType = "restore.rejected"
	EventRestoreVerified  EventType = "restore.verified"

	// Crypto events
	EventCryptoEncrypt   EventType = "crypto.encrypt"
	EventCryptoDecrypt   EventType = "crypto.decrypt"
	EventCryptoFailure   EventType = "crypto.failure"
	EventKeyRotated      EventType = "crypto.key_rotated"
	EventPIIProtected    EventType = "crypto.pii_protected"
	EventDegradedKeyMode EventType = "crypto.degraded_key_mode"

	// Retention events
	EventArtifactArchived EventType = "retention.archived"
	EventArtifactDeleted  EventType = "retention.deleted"
	EventArtifactHeld     EventType = "retention.held"
	EventSweepCompleted   EventType = "retention.sweep_completed"

	// Compliance events
	EventErasureProcessed     EventType = "compliance.erasure"
	EventPortabilityExport    EventType = "compliance.portability"
	EventComplianceRequest    EventType = "compliance.request"
	EventComplianceReport     EventType = "compliance.report"
	EventLegalHoldChanged     EventType = "compliance.legal_hold_changed"

	// Storage events
	EventStorageUploadFailed   EventType = "storage.upload_failed"
	EventStorageDownloadFailed EventType = "storage.download_failed"
)

// Severity indicates the severity level of an audit event.
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// rank orders severities for filtering and fan-out decisions.
func (s Severity) rank() int {
	switch s {
	case SeverityDebug:
		return 0
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityError:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 1
	}
}

// AtLeast reports whether s is at least as severe as min.
func (s Severity) AtLeast(min Severity) bool {
	return s.rank() >= min.rank()
}

// Outcome indicates whether an action succeeded or failed.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Event is one security audit event. Metadata values are redacted before
// the event is persisted or forwarded; raw key material and plaintext PII
// must never be placed in an event to begin with.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	Severity  Severity  `json:"severity"`
	Outcome   Outcome   `json:"outcome"`

	// Component names the emitting subsystem (backup, restore, crypto,
	// retention, compliance, storage).
	Component string `json:"component"`

	// Action describes what was done.
	Action string `json:"action"`

	// Description provides human-readable details.
	Description string `json:"description,omitempty"`

	// Metadata carries event-specific details (operation counts, key ids,
	// table names). Redacted on write.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// newEventID generates a unique event id.
func newEventID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return time.Now().Format("20060102150405.000000000")
	}
	return hex.EncodeToString(b)
}
