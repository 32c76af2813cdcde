package memory

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"testing"
	"time"

	"gennotes/internal/infra/persistence/storetest"
	"gennotes/pkg/domain"
)

func b37Tags(chrom, pos, ref, alt string) domain.Tags {
	return storetest.B37(chrom, pos, ref, alt)
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(*testing.T) domain.PersistentStore { return NewStore() })
}

func TestStoreSequencesRestartAfterRollback(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	boom := errors.New("boom")
	err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.CreateVariant(b37Tags("2", "10", "A", "T")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		v, err := tx.CreateVariant(b37Tags("2", "10", "A", "T"))
		if err != nil {
			return err
		}
		if v.ID != 1 {
			t.Fatalf("expected rolled back id to be reused, got %d", v.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
}

func TestStoreRollsBackOnPanic(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	variantID, relationID := storetest.Seed(t, store, b37Tags("9", "1", "A", "G"))

	func() {
		defer func() {
			if recover() == nil {
				t.Fatalf("expected panic to propagate")
			}
		}()
		_ = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			if _, err := tx.UpdateVariant(variantID, b37Tags("9", "2", "A", "G")); err != nil {
				return err
			}
			if _, err := tx.DeleteRelation(relationID); err != nil {
				return err
			}
			panic("midway")
		})
	}()

	err := store.View(ctx, func(view domain.TransactionView) error {
		if _, ok := view.FindVariantByB37(domain.B37Key{Chrom: "9", Pos: "1", RefAllele: "A", VarAllele: "G"}); !ok {
			t.Fatalf("expected original key restored")
		}
		if _, ok := view.FindVariantByB37(domain.B37Key{Chrom: "9", Pos: "2", RefAllele: "A", VarAllele: "G"}); ok {
			t.Fatalf("expected new key discarded")
		}
		if rels := view.RelationsForVariant(variantID); len(rels) != 1 || rels[0].ID != relationID {
			t.Fatalf("expected relation restored, got %+v", rels)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestStoreUsesClockForTimestamps(t *testing.T) {
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	store := NewStore(WithClock(func() time.Time { return fixed }))
	err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		v, err := tx.CreateVariant(b37Tags("7", "1", "A", "G"))
		if err != nil {
			return err
		}
		rev, err := tx.AppendRevision(domain.Revision{Entity: domain.EntityVariant, EntityID: v.ID, Action: domain.ActionCreate})
		if err != nil {
			return err
		}
		if !v.CreatedAt.Equal(fixed) || !rev.CreatedAt.Equal(fixed) {
			t.Fatalf("expected fixed clock, got %v and %v", v.CreatedAt, rev.CreatedAt)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestStoreReturnedEntitiesAreDetached(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	variantID, _ := storetest.Seed(t, store, b37Tags("10", "1", "A", "G"))
	_ = store.View(ctx, func(view domain.TransactionView) error {
		v, _ := view.FindVariant(variantID)
		v.Tags["note"] = "leak"
		return nil
	})
	_ = store.View(ctx, func(view domain.TransactionView) error {
		v, _ := view.FindVariant(variantID)
		if v.Tags.Has("note") {
			t.Fatalf("caller mutation reached stored variant")
		}
		return nil
	})
}

func allocated(fn func()) uint64 {
	var before, after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)
	fn()
	runtime.ReadMemStats(&after)
	return after.TotalAlloc - before.TotalAlloc
}

// Reads and small writes must not scale with the number of stored records.
func TestStoreCostIndependentOfSize(t *testing.T) {
	if testing.Short() {
		t.Skip("seeds a large store")
	}
	const n = 20000
	store := NewStore()
	ctx := context.Background()
	err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		for i := 1; i <= n; i++ {
			v, err := tx.CreateVariant(b37Tags("1", fmt.Sprint(i), "A", "G"))
			if err != nil {
				return err
			}
			if _, err := tx.AppendRevision(domain.Revision{Entity: domain.EntityVariant, EntityID: v.ID, Action: domain.ActionCreate, Tags: v.Tags}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	const limit = 256 << 10
	reads := allocated(func() {
		for i := 1; i <= 10; i++ {
			_ = store.View(ctx, func(view domain.TransactionView) error {
				if _, ok := view.FindVariantByB37(domain.B37Key{Chrom: "1", Pos: fmt.Sprint(i * 1000), RefAllele: "A", VarAllele: "G"}); !ok {
					t.Errorf("lookup %d missed", i)
				}
				view.LatestRevision(domain.VariantRef(int64(i)))
				return nil
			})
		}
	})
	if reads > limit {
		t.Fatalf("10 lookups allocated %d bytes", reads)
	}

	writes := allocated(func() {
		err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			v, err := tx.UpdateVariant(5, b37Tags("1", "5", "A", "G").Merge(domain.Tags{"note": "x"}))
			if err != nil {
				return err
			}
			_, err = tx.AppendRevision(domain.Revision{Entity: domain.EntityVariant, EntityID: v.ID, Action: domain.ActionUpdate, Tags: v.Tags})
			return err
		})
		if err != nil {
			t.Errorf("update: %v", err)
		}
	})
	if writes > limit {
		t.Fatalf("single update allocated %d bytes", writes)
	}
}
