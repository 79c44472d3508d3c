// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

package backup

import (
	"context"
	"errors"
	"time"

	"github.com/custodia-engine/custodia/internal/logging"
	"github.com/custodia-engine/custodia/internal/models"
)

// ScheduleConfig drives the automatic backup schedule.
type ScheduleConfig struct {
	// Enabled turns scheduled backups on.
	Enabled bool `koanf:"enabled"`

	// Interval between scheduled backups.
	Interval time.Duration `koanf:"interval" validate:"min=0"`

	// Type is the scheduled job type (full, incremental, differential).
	Type models.BackupType `koanf:"type" validate:"omitempty,oneof=full incremental differential"`

	// PreferredHour aligns daily-or-longer intervals to an hour of the
	// day (0-23), typically a low-traffic window. -1 disables alignment.
	PreferredHour int `koanf:"preferred_hour" validate:"min=-1,max=23"`
}

// DefaultScheduleConfig returns the schedule defaults: hourly
// incrementals, no hour alignment.
func DefaultScheduleConfig() ScheduleConfig {
	return ScheduleConfig{
		Enabled:       true,
		Interval:      time.Hour,
		Type:          models.BackupIncremental,
		PreferredHour: -1,
	}
}

// Scheduler triggers backup jobs on the configured interval. It
// implements suture.Service.
type Scheduler struct {
	orch *Orchestrator
	cfg  ScheduleConfig
	now  func() time.Time
}

// NewScheduler wraps an orchestrator.
func NewScheduler(orch *Orchestrator, cfg ScheduleConfig) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultScheduleConfig().Interval
	}
	if cfg.Type == "" {
		cfg.Type = DefaultScheduleConfig().Type
	}
	return &Scheduler{orch: orch, cfg: cfg, now: time.Now}
}

// Serve implements suture.Service. Job failures are logged and alerted
// through the job path itself; the loop keeps its cadence.
func (s *Scheduler) Serve(ctx context.Context) error {
	if !s.cfg.Enabled {
		<-ctx.Done()
		return ctx.Err()
	}

	timer := time.NewTimer(time.Until(s.nextRun()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			s.runOnce(ctx)
			timer.Reset(time.Until(s.nextRun()))
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (s *Scheduler) String() string {
	return "backup-scheduler"
}

// nextRun returns the next trigger time. Intervals of a day or longer
// align to the preferred hour when one is set.
func (s *Scheduler) nextRun() time.Time {
	now := s.now()
	next := now.Add(s.cfg.Interval)
	if s.cfg.Interval < 24*time.Hour || s.cfg.PreferredHour < 0 {
		return next
	}
	aligned := time.Date(next.Year(), next.Month(), next.Day(), s.cfg.PreferredHour, 0, 0, 0, next.Location())
	if !aligned.After(now) {
		aligned = aligned.AddDate(0, 0, 1)
	}
	return aligned
}

func (s *Scheduler) runOnce(ctx context.Context) {
	_, err := s.run(ctx, s.cfg.Type)
	switch {
	case errors.Is(err, ErrNoPriorBackup):
		// First cycle on an empty inventory: seed the chain.
		logging.Info().Msg("No prior backup; seeding schedule with a full capture")
		if _, err := s.orch.PerformFull(ctx); err != nil {
			logging.Error().Err(err).Msg("Scheduled seed full backup failed")
		}
	case errors.Is(err, ErrNoChanges):
		logging.Debug().Msg("Scheduled backup found no changes")
	case err != nil:
		logging.Error().Err(err).Str("type", string(s.cfg.Type)).Msg("Scheduled backup failed")
	}
}

func (s *Scheduler) run(ctx context.Context, jobType models.BackupType) (*models.BackupArtifact, error) {
	switch jobType {
	case models.BackupIncremental:
		return s.orch.PerformIncremental(ctx)
	case models.BackupDifferential:
		return s.orch.PerformDifferential(ctx)
	default:
		return s.orch.PerformFull(ctx)
	}
}
