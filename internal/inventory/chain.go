// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/custodia-engine/custodia/internal/models"
)

// maxChainLength caps chain walks so a corrupted inventory with a cycle
// cannot hang restore planning.
const maxChainLength = 10_000

// ResolveChain walks from the given artifact back through base links to
// its full anchor and returns the chain in restore order: full first,
// then each incremental in capture order. A missing link, a chain that
// never reaches a full artifact, or a cycle returns ErrChainBroken,
// because applying a gapped chain would silently lose changes.
func ResolveChain(ctx context.Context, store Store, id string) ([]*models.BackupArtifact, error) {
	var reversed []*models.BackupArtifact
	seen := make(map[string]struct{})

	current := id
	for {
		if _, dup := seen[current]; dup {
			return nil, fmt.Errorf("%w: cycle at %s", ErrChainBroken, current)
		}
		if len(reversed) >= maxChainLength {
			return nil, fmt.Errorf("%w: chain from %s exceeds %d links", ErrChainBroken, id, maxChainLength)
		}
		seen[current] = struct{}{}

		artifact, err := store.Get(ctx, current)
		if err != nil {
			if errors.Is(err, ErrArtifactNotFound) {
				return nil, fmt.Errorf("%w: link %s is missing from the inventory", ErrChainBroken, current)
			}
			return nil, err
		}
		reversed = append(reversed, artifact)

		if artifact.Type == models.BackupFull {
			break
		}
		if artifact.BaseArtifactID == "" {
			return nil, fmt.Errorf("%w: %s artifact %s has no base", ErrChainBroken, artifact.Type, artifact.ID)
		}
		current = artifact.BaseArtifactID
	}

	chain := make([]*models.BackupArtifact, len(reversed))
	for i, artifact := range reversed {
		chain[len(reversed)-1-i] = artifact
	}
	return chain, nil
}

// ChainFor returns the restore chain ending at the newest artifact
// captured at or before the target time. Used by point-in-time recovery.
func ChainFor(ctx context.Context, store Store, target func(*models.BackupArtifact) bool) ([]*models.BackupArtifact, error) {
	all, err := store.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := len(all) - 1; i >= 0; i-- {
		if target(all[i]) {
			return ResolveChain(ctx, store, all[i].ID)
		}
	}
	return nil, ErrArtifactNotFound
}
