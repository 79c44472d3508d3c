// Custodia - Backup & Disaster Recovery Engine
// Copyright 2026 Custodia contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-engine/custodia

package inventory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/custodia-engine/custodia/internal/models"
)

func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"badger": func(t *testing.T) Store {
			s, err := NewBadgerStore(t.TempDir())
			if err != nil {
				t.Fatalf("NewBadgerStore() error = %v", err)
			}
			return s
		},
	}
}

func testArtifact(at time.Time, typ models.BackupType, base string) *models.BackupArtifact {
	return &models.BackupArtifact{
		ID:             models.NewArtifactID(at),
		Type:           typ,
		CreatedAt:      at,
		BaseArtifactID: base,
		TableManifest: map[string]models.TableManifestEntry{
			"users": {Rows: 10, Checksum: "abc"},
		},
	}
}

func TestStoreCRUD(t *testing.T) {
	t.Parallel()

	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			store := factory(t)
			defer store.Close()
			ctx := context.Background()

			if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrArtifactNotFound) {
				t.Errorf("Get(missing) error = %v, want ErrArtifactNotFound", err)
			}

			artifact := testArtifact(time.Now(), models.BackupFull, "")
			if err := store.Put(ctx, artifact); err != nil {
				t.Fatalf("Put() error = %v", err)
			}

			got, err := store.Get(ctx, artifact.ID)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if got.Type != models.BackupFull || got.TableManifest["users"].Rows != 10 {
				t.Errorf("Get() = %+v, want stored artifact", got)
			}

			if err := store.Update(ctx, artifact.ID, func(a *models.BackupArtifact) error {
				a.LegalHold = true
				return nil
			}); err != nil {
				t.Fatalf("Update() error = %v", err)
			}
			got, err = store.Get(ctx, artifact.ID)
			if err != nil {
				t.Fatalf("Get() after update error = %v", err)
			}
			if !got.LegalHold {
				t.Error("Update() did not persist legal hold flag")
			}

			if err := store.Delete(ctx, artifact.ID); err != nil {
				t.Fatalf("Delete() error = %v", err)
			}
			if _, err := store.Get(ctx, artifact.ID); !errors.Is(err, ErrArtifactNotFound) {
				t.Errorf("Get() after delete error = %v, want ErrArtifactNotFound", err)
			}
			if err := store.Delete(ctx, artifact.ID); !errors.Is(err, ErrArtifactNotFound) {
				t.Errorf("Delete() of absent id error = %v, want ErrArtifactNotFound", err)
			}
		})
	}
}

func TestListCreationOrder(t *testing.T) {
	t.Parallel()

	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			store := factory(t)
			defer store.Close()
			ctx := context.Background()

			base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
			var ids []string
			// Insert newest first; List must still come back oldest first.
			for i := 2; i >= 0; i-- {
				a := testArtifact(base.Add(time.Duration(i)*time.Hour), models.BackupFull, "")
				if err := store.Put(ctx, a); err != nil {
					t.Fatalf("Put() error = %v", err)
				}
				ids = append(ids, a.ID)
			}

			all, err := store.List(ctx)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(all) != 3 {
				t.Fatalf("List() returned %d artifacts, want 3", len(all))
			}
			for i := 1; i < len(all); i++ {
				if all[i-1].CreatedAt.After(all[i].CreatedAt) {
					t.Errorf("List() out of order: %s after %s", all[i-1].ID, all[i].ID)
				}
			}
		})
	}
}

func TestLatestHelpers(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := Latest(ctx, store); !errors.Is(err, ErrArtifactNotFound) {
		t.Errorf("Latest() on empty store error = %v, want ErrArtifactNotFound", err)
	}

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	full := testArtifact(base, models.BackupFull, "")
	inc := testArtifact(base.Add(time.Hour), models.BackupIncremental, full.ID)
	for _, a := range []*models.BackupArtifact{full, inc} {
		if err := store.Put(ctx, a); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}

	latest, err := Latest(ctx, store)
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if latest.ID != inc.ID {
		t.Errorf("Latest() = %s, want %s", latest.ID, inc.ID)
	}

	latestFull, err := LatestOfType(ctx, store, models.BackupFull)
	if err != nil {
		t.Fatalf("LatestOfType(full) error = %v", err)
	}
	if latestFull.ID != full.ID {
		t.Errorf("LatestOfType(full) = %s, want %s", latestFull.ID, full.ID)
	}

	if _, err := LatestOfType(ctx, store, models.BackupDifferential); !errors.Is(err, ErrArtifactNotFound) {
		t.Errorf("LatestOfType(differential) error = %v, want ErrArtifactNotFound", err)
	}
}

func TestResolveChain(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	full := testArtifact(base, models.BackupFull, "")
	inc1 := testArtifact(base.Add(1*time.Hour), models.BackupIncremental, full.ID)
	inc2 := testArtifact(base.Add(2*time.Hour), models.BackupIncremental, inc1.ID)
	for _, a := range []*models.BackupArtifact{full, inc1, inc2} {
		if err := store.Put(ctx, a); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}

	chain, err := ResolveChain(ctx, store, inc2.ID)
	if err != nil {
		t.Fatalf("ResolveChain() error = %v", err)
	}
	want := []string{full.ID, inc1.ID, inc2.ID}
	if len(chain) != len(want) {
		t.Fatalf("ResolveChain() returned %d links, want %d", len(chain), len(want))
	}
	for i, a := range chain {
		if a.ID != want[i] {
			t.Errorf("chain[%d] = %s, want %s", i, a.ID, want[i])
		}
	}

	// A chain for the full itself is just the full.
	chain, err = ResolveChain(ctx, store, full.ID)
	if err != nil {
		t.Fatalf("ResolveChain(full) error = %v", err)
	}
	if len(chain) != 1 || chain[0].ID != full.ID {
		t.Errorf("ResolveChain(full) = %v, want [%s]", chain, full.ID)
	}
}

func TestResolveChainGapDetection(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	// Incremental whose base was deleted from the inventory.
	orphan := testArtifact(base.Add(time.Hour), models.BackupIncremental, "01ARZ3NDEKTSV4RRFFQ69G5FAV")
	if err := store.Put(ctx, orphan); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, err := ResolveChain(ctx, store, orphan.ID); !errors.Is(err, ErrChainBroken) {
		t.Errorf("ResolveChain() with missing base error = %v, want ErrChainBroken", err)
	}

	// Incremental with no base at all.
	headless := testArtifact(base.Add(2*time.Hour), models.BackupIncremental, "")
	if err := store.Put(ctx, headless); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, err := ResolveChain(ctx, store, headless.ID); !errors.Is(err, ErrChainBroken) {
		t.Errorf("ResolveChain() with empty base error = %v, want ErrChainBroken", err)
	}

	// Two incrementals pointing at each other.
	a := testArtifact(base.Add(3*time.Hour), models.BackupIncremental, "")
	b := testArtifact(base.Add(4*time.Hour), models.BackupIncremental, a.ID)
	a.BaseArtifactID = b.ID
	for _, art := range []*models.BackupArtifact{a, b} {
		if err := store.Put(ctx, art); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}
	if _, err := ResolveChain(ctx, store, b.ID); !errors.Is(err, ErrChainBroken) {
		t.Errorf("ResolveChain() with cycle error = %v, want ErrChainBroken", err)
	}
}

func TestChainFor(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	full := testArtifact(base, models.BackupFull, "")
	inc := testArtifact(base.Add(time.Hour), models.BackupIncremental, full.ID)
	late := testArtifact(base.Add(3*time.Hour), models.BackupIncremental, inc.ID)
	for _, a := range []*models.BackupArtifact{full, inc, late} {
		if err := store.Put(ctx, a); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}

	// Target between inc and late: the chain ends at inc.
	cutoff := base.Add(2 * time.Hour)
	chain, err := ChainFor(ctx, store, func(a *models.BackupArtifact) bool {
		return !a.CreatedAt.After(cutoff)
	})
	if err != nil {
		t.Fatalf("ChainFor() error = %v", err)
	}
	if len(chain) != 2 || chain[len(chain)-1].ID != inc.ID {
		t.Errorf("ChainFor() ends at %s, want %s", chain[len(chain)-1].ID, inc.ID)
	}

	// Target before any artifact: nothing qualifies.
	if _, err := ChainFor(ctx, store, func(a *models.BackupArtifact) bool {
		return a.CreatedAt.Before(base)
	}); !errors.Is(err, ErrArtifactNotFound) {
		t.Errorf("ChainFor() before first artifact error = %v, want ErrArtifactNotFound", err)
	}
}
