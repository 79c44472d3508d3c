// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

package audit

import (
	"context"
	"sync"
	"time"

	"github.com/custodia-engine/custodia/internal/logging"
	"github.com/custodia-engine/custodia/internal/metrics"
)

// Config holds configuration for the audit logger.
type Config struct {
	// Enabled controls whether audit logging is active.
	Enabled bool `json:"enabled"`

	// MinSeverity filters events below this level.
	MinSeverity Severity `json:"min_severity"`

	// BufferSize is the size of the async write buffer.
	BufferSize int `json:"buffer_size"`

	// FanOutSeverity is the level at or above which events are forwarded
	// to the alerting and SIEM sinks.
	FanOutSeverity Severity `json:"fan_out_severity"`

	// FanOutTimeout bounds each sink delivery.
	FanOutTimeout time.Duration `json:"fan_out_timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled:        true,
		MinSeverity:    SeverityInfo,
		BufferSize:     1000,
		FanOutSeverity: SeverityWarning,
		FanOutTimeout:  10 * time.Second,
	}
}

// Logger is the audit logging service. Events are redacted, buffered and
// written asynchronously; severe events additionally fan out to sinks.
type Logger struct {
	config    *Config
	store     *FileStore
	sinks     []Sink
	eventChan chan *Event
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewLogger creates an audit logger writing to store and fanning out to
// the given sinks. A nil store is allowed for tests; events then only
// reach the sinks.
func NewLogger(store *FileStore, config *Config, sinks ...Sink) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}

	l := &Logger{
		config:    config,
		store:     store,
		sinks:     sinks,
		eventChan: make(chan *Event, config.BufferSize),
		stopChan:  make(chan struct{}),
	}

	l.wg.Add(1)
	go l.asyncWriter()

	return l
}

// Log records an audit event. The event's metadata is redacted before it
// leaves this method; the caller's map is not mutated.
func (l *Logger) Log(event *Event) {
	if !l.config.Enabled {
		return
	}
	if !event.Severity.AtLeast(l.config.MinSeverity) {
		return
	}

	if event.ID == "" {
		event.ID = newEventID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.Metadata = logging.RedactMetadata(event.Metadata)
	event.Description = logging.RedactValue(event.Description)

	select {
	case l.eventChan <- event:
	default:
		metrics.AuditEventsDropped.Inc()
		logging.Warn().Str("event_id", event.ID).Msg("Audit event buffer full, dropping event")
	}
}

// asyncWriter drains the buffer until Close.
func (l *Logger) asyncWriter() {
	defer l.wg.Done()

	for {
		select {
		case <-l.stopChan:
			for {
				select {
				case event := <-l.eventChan:
					l.writeEvent(event)
				default:
					return
				}
			}
		case event := <-l.eventChan:
			l.writeEvent(event)
		}
	}
}

// writeEvent persists an event and fans it out when severe enough.
func (l *Logger) writeEvent(event *Event) {
	if l.store != nil {
		if err := l.store.Save(event); err != nil {
			logging.Error().Err(err).Str("event_id", event.ID).Msg("Failed to persist audit event")
		}
	}

	if !event.Severity.AtLeast(l.config.FanOutSeverity) {
		return
	}

	for _, sink := range l.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), l.config.FanOutTimeout)
		err := sink.Send(ctx, event)
		cancel()
		if err != nil {
			metrics.AuditFanOutFailures.WithLabelValues(sink.Name()).Inc()
			logging.Error().Err(err).
				Str("sink", sink.Name()).
				Str("event_id", event.ID).
				Msg("Audit fan-out failed")
		}
	}
}

// Close drains the buffer and shuts the logger down.
func (l *Logger) Close() error {
	l.stopOnce.Do(func() {
		close(l.stopChan)
	})
	l.wg.Wait()

	for _, sink := range l.sinks {
		if err := sink.Close(); err != nil {
			logging.Warn().Err(err).Str("sink", sink.Name()).Msg("Sink close failed")
		}
	}
	if l.store != nil {
		return l.store.Close()
	}
	return nil
}

// Helper constructors for the engine's recurring events.

// Security records a crypto/compliance security event. Counts may carry
// record and byte counts; never key material or plaintext PII.
func (l *Logger) Security(eventType EventType, outcome Outcome, keyID string, counts map[string]string) {
	severity := SeverityInfo
	if outcome == OutcomeFailure {
		severity = SeverityError
	}
	metadata := make(map[string]string, len(counts)+1)
	for k, v := range counts {
		metadata[k] = v
	}
	if keyID != "" {
		metadata["key_id"] = keyID
	}
	l.Log(&Event{
		Type:      eventType,
		Severity:  severity,
		Outcome:   outcome,
		Component: "crypto",
		Action:    string(eventType),
		Metadata:  metadata,
	})
}

// withID copies caller metadata and adds the identifying key. Callers
// keep ownership of their maps; redaction never writes into them.
func withID(metadata map[string]string, key, value string) map[string]string {
	out := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		out[k] = v
	}
	out[key] = value
	return out
}

// JobEvent records a backup job lifecycle transition.
func (l *Logger) JobEvent(eventType EventType, outcome Outcome, jobID, description string, metadata map[string]string) {
	severity := SeverityInfo
	if outcome == OutcomeFailure {
		severity = SeverityError
	}
	metadata = withID(metadata, "job_id", jobID)
	l.Log(&Event{
		Type:        eventType,
		Severity:    severity,
		Outcome:     outcome,
		Component:   "backup",
		Action:      string(eventType),
		Description: description,
		Metadata:    metadata,
	})
}

// RestoreEvent records a recovery operation transition.
func (l *Logger) RestoreEvent(eventType EventType, outcome Outcome, operationID, description string, metadata map[string]string) {
	severity := SeverityWarning // restores are always operator-relevant
	if outcome == OutcomeFailure {
		severity = SeverityError
	}
	metadata = withID(metadata, "operation_id", operationID)
	l.Log(&Event{
		Type:        eventType,
		Severity:    severity,
		Outcome:     outcome,
		Component:   "restore",
		Action:      string(eventType),
		Description: description,
		Metadata:    metadata,
	})
}

// RetentionEvent records an archive/delete/hold decision.
func (l *Logger) RetentionEvent(eventType EventType, artifactID, reason string) {
	l.Log(&Event{
		Type:      eventType,
		Severity:  SeverityInfo,
		Outcome:   OutcomeSuccess,
		Component: "retention",
		Action:    string(eventType),
		Metadata: map[string]string{
			"artifact_id": artifactID,
			"reason":      reason,
		},
	})
}

// ComplianceEvent records subject-rights processing.
func (l *Logger) ComplianceEvent(eventType EventType, outcome Outcome, requestID string, metadata map[string]string) {
	severity := SeverityWarning
	if outcome == OutcomeFailure {
		severity = SeverityError
	}
	metadata = withID(metadata, "request_id", requestID)
	l.Log(&Event{
		Type:      eventType,
		Severity:  severity,
		Outcome:   outcome,
		Component: "compliance",
		Action:    string(eventType),
		Metadata:  metadata,
	})
}
