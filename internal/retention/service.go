// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

package retention

import (
	"context"
	"time"

	"github.com/custodia-engine/custodia/internal/logging"
)

// SweepService runs the sweeper on an interval under the supervision
// tree. It implements suture.Service.
type SweepService struct {
	sweeper  *Sweeper
	interval time.Duration
}

// NewSweepService wraps a sweeper. interval <= 0 uses the default.
func NewSweepService(sweeper *Sweeper, interval time.Duration) *SweepService {
	if interval <= 0 {
		interval = DefaultConfig().SweepInterval
	}
	return &SweepService{sweeper: sweeper, interval: interval}
}

// Serve implements suture.Service. Sweep errors are logged, not
// returned: a failed pass must not restart-loop the service, the next
// tick retries.
func (s *SweepService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.sweeper.Apply(ctx); err != nil {
				logging.Error().Err(err).Msg("Retention sweep failed")
			}
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (s *SweepService) String() string {
	return "retention-sweeper"
}
