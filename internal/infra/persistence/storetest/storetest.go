// Package storetest holds the behaviour every persistence driver must share.
// Driver tests call Run with a constructor for a fresh, empty store.
package storetest

import (
	"context"
	"errors"
	"testing"

	"gennotes/pkg/domain"
)

// Opener returns an empty store; it registers its own cleanup.
type Opener func(t *testing.T) domain.PersistentStore

// Run executes the shared contract against stores built by open.
func Run(t *testing.T, open Opener) {
	t.Helper()
	t.Run("CreateAndRead", func(t *testing.T) { testCreateAndRead(t, open(t)) })
	t.Run("DuplicateB37", func(t *testing.T) { testDuplicateB37(t, open(t)) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollback(t, open(t)) })
	t.Run("CancelBeforeCommit", func(t *testing.T) { testCancel(t, open(t)) })
	t.Run("RelationLifecycle", func(t *testing.T) { testRelationLifecycle(t, open(t)) })
	t.Run("RevisionVersions", func(t *testing.T) { testRevisionVersions(t, open(t)) })
	t.Run("UpdateVariantIndex", func(t *testing.T) { testUpdateVariantIndex(t, open(t)) })
}

// B37 builds the special tags of a variant.
func B37(chrom, pos, ref, alt string) domain.Tags {
	return domain.B37Key{Chrom: chrom, Pos: pos, RefAllele: ref, VarAllele: alt}.Tags()
}

// Seed creates a variant with its first revision and one relation, returning
// both ids.
func Seed(t *testing.T, store domain.PersistentStore, tags domain.Tags) (int64, int64) {
	t.Helper()
	var variantID, relationID int64
	err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		v, err := tx.CreateVariant(tags)
		if err != nil {
			return err
		}
		if _, err := tx.AppendRevision(domain.Revision{Entity: domain.EntityVariant, EntityID: v.ID, Action: domain.ActionCreate, Tags: v.Tags}); err != nil {
			return err
		}
		r, err := tx.CreateRelation(v.ID, domain.Tags{domain.TagType: "clinvar-rcva", "note": "x"})
		if err != nil {
			return err
		}
		if _, err := tx.AppendRevision(domain.Revision{Entity: domain.EntityRelation, EntityID: r.ID, Action: domain.ActionCreate, Tags: r.Tags, VariantID: v.ID}); err != nil {
			return err
		}
		variantID, relationID = v.ID, r.ID
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return variantID, relationID
}

func view(t *testing.T, store domain.PersistentStore, fn func(domain.TransactionView)) {
	t.Helper()
	err := store.View(context.Background(), func(v domain.TransactionView) error {
		fn(v)
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func testCreateAndRead(t *testing.T, store domain.PersistentStore) {
	tags := B37("1", "883516", "G", "A")
	var id int64
	err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if _, ok := tx.Snapshot().FindVariantByB37(domain.B37Key{Chrom: "1", Pos: "883516", RefAllele: "G", VarAllele: "A"}); ok {
			t.Fatalf("variant visible before create")
		}
		v, err := tx.CreateVariant(tags)
		if err != nil {
			return err
		}
		id = v.ID
		if got, ok := tx.Snapshot().FindVariant(v.ID); !ok || !got.Tags.Equal(tags) {
			t.Fatalf("transaction does not see its own write: %+v", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id <= 0 {
		t.Fatalf("expected positive id, got %d", id)
	}
	view(t, store, func(v domain.TransactionView) {
		got, ok := v.FindVariantByB37(domain.B37Key{Chrom: "1", Pos: "883516", RefAllele: "G", VarAllele: "A"})
		if !ok || got.ID != id {
			t.Fatalf("expected b37 lookup to find %d, got %+v", id, got)
		}
		if list := v.ListVariants(); len(list) != 1 || list[0].ID != id {
			t.Fatalf("unexpected variant list %+v", list)
		}
		if _, ok := v.FindVariant(id + 100); ok {
			t.Fatalf("unexpected variant %d", id+100)
		}
	})
}

func testDuplicateB37(t *testing.T, store domain.PersistentStore) {
	create := func() error {
		return store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
			_, err := tx.CreateVariant(B37("3", "5", "C", "G"))
			return err
		})
	}
	if err := create(); err != nil {
		t.Fatalf("create: %v", err)
	}
	var conflict domain.ConflictError
	if err := create(); !errors.As(err, &conflict) || conflict.ExistingID == 0 {
		t.Fatalf("expected duplicate conflict, got %v", err)
	}
	err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.CreateVariant(domain.Tags{domain.TagChromB37: "3"})
		return err
	})
	if !domain.IsValidation(err) {
		t.Fatalf("expected missing special tags to be rejected, got %v", err)
	}
}

func testRollback(t *testing.T, store domain.PersistentStore) {
	boom := errors.New("boom")
	err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		v, err := tx.CreateVariant(B37("2", "10", "A", "T"))
		if err != nil {
			return err
		}
		if _, err := tx.AppendRevision(domain.Revision{Entity: domain.EntityVariant, EntityID: v.ID, Action: domain.ActionCreate}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	view(t, store, func(v domain.TransactionView) {
		if len(v.ListVariants()) != 0 || len(v.ListRevisions()) != 0 {
			t.Fatalf("expected rollback to discard every write")
		}
	})
}

func testCancel(t *testing.T, store domain.PersistentStore) {
	ctx, cancel := context.WithCancel(context.Background())
	err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.CreateVariant(B37("6", "1", "A", "G")); err != nil {
			return err
		}
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	view(t, store, func(v domain.TransactionView) {
		if len(v.ListVariants()) != 0 {
			t.Fatalf("expected no effect from a cancelled transaction")
		}
	})
}

func testRelationLifecycle(t *testing.T, store domain.PersistentStore) {
	ctx := context.Background()
	err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.CreateRelation(99, domain.Tags{domain.TagType: "clinvar-rcva"})
		return err
	})
	if !domain.IsNotFound(err) {
		t.Fatalf("expected not found for missing variant, got %v", err)
	}

	variantID, relationID := Seed(t, store, B37("4", "100", "T", "C"))
	err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		r, err := tx.UpdateRelation(relationID, domain.Tags{domain.TagType: "clinvar-rcva", "note": "y"})
		if err != nil {
			return err
		}
		if r.VariantID != variantID {
			t.Fatalf("relation moved to variant %d", r.VariantID)
		}
		_, err = tx.AppendRevision(domain.Revision{Entity: domain.EntityRelation, EntityID: relationID, Action: domain.ActionUpdate, Tags: r.Tags, VariantID: variantID})
		return err
	})
	if err != nil {
		t.Fatalf("update relation: %v", err)
	}
	view(t, store, func(v domain.TransactionView) {
		rels := v.RelationsForVariant(variantID)
		if len(rels) != 1 || rels[0].Tags["note"] != "y" {
			t.Fatalf("unexpected relations %+v", rels)
		}
		if list := v.ListRelations(); len(list) != 1 || list[0].ID != relationID {
			t.Fatalf("unexpected relation list %+v", list)
		}
	})

	err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.DeleteRelation(relationID); err != nil {
			return err
		}
		_, err := tx.AppendRevision(domain.Revision{Entity: domain.EntityRelation, EntityID: relationID, Action: domain.ActionDelete, Deleted: true, VariantID: variantID})
		return err
	})
	if err != nil {
		t.Fatalf("delete relation: %v", err)
	}
	err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.DeleteRelation(relationID)
		return err
	})
	if !domain.IsNotFound(err) {
		t.Fatalf("expected second delete to be not found, got %v", err)
	}
	err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.AppendRevision(domain.Revision{Entity: domain.EntityRelation, EntityID: relationID, Action: domain.ActionUpdate})
		return err
	})
	if !errors.Is(err, domain.ErrDeletedHistory) {
		t.Fatalf("expected revisions after deletion to be rejected, got %v", err)
	}
	view(t, store, func(v domain.TransactionView) {
		if len(v.RelationsForVariant(variantID)) != 0 {
			t.Fatalf("expected relation index cleared")
		}
		if _, ok := v.FindRelation(relationID); ok {
			t.Fatalf("expected relation removed")
		}
		rev, ok := v.LatestRevision(domain.RelationRef(relationID))
		if !ok || !rev.Deleted || rev.Version != 3 {
			t.Fatalf("expected deletion marker as version 3, got %+v", rev)
		}
		all := v.ListRevisions()
		if len(all) != 4 {
			t.Fatalf("expected 4 revisions, got %d", len(all))
		}
		if all[0].Entity != domain.EntityRelation || all[2].Version != 3 || all[3].Entity != domain.EntityVariant {
			t.Fatalf("revisions not ordered by entity, id and version: %+v", all)
		}
	})
}

func testRevisionVersions(t *testing.T, store domain.PersistentStore) {
	ctx := context.Background()
	err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.AppendRevision(domain.Revision{Entity: "gene", EntityID: 1})
		return err
	})
	if err == nil {
		t.Fatalf("expected unknown entity type to be rejected")
	}
	variantID, _ := Seed(t, store, B37("7", "1", "A", "G"))
	ids := map[string]bool{}
	for want := 2; want <= 3; want++ {
		err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			rev, err := tx.AppendRevision(domain.Revision{Entity: domain.EntityVariant, EntityID: variantID, Action: domain.ActionUpdate, Comment: "c"})
			if err != nil {
				return err
			}
			if rev.Version != want || rev.ID == "" || rev.CreatedAt.IsZero() {
				t.Fatalf("unexpected revision %+v", rev)
			}
			ids[rev.ID] = true
			return nil
		})
		if err != nil {
			t.Fatalf("append %d: %v", want, err)
		}
	}
	if len(ids) != 2 {
		t.Fatalf("expected distinct revision ids, got %v", ids)
	}
	view(t, store, func(v domain.TransactionView) {
		revs := v.Revisions(domain.VariantRef(variantID))
		if len(revs) != 3 || revs[0].Version != 1 || revs[2].Version != 3 || revs[2].Comment != "c" {
			t.Fatalf("unexpected history %+v", revs)
		}
		if _, ok := v.LatestRevision(domain.VariantRef(variantID + 100)); ok {
			t.Fatalf("expected no history for unknown variant")
		}
	})
}

func testUpdateVariantIndex(t *testing.T, store domain.PersistentStore) {
	ctx := context.Background()
	var firstID int64
	err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		v, err := tx.CreateVariant(B37("8", "1", "A", "G"))
		if err != nil {
			return err
		}
		firstID = v.ID
		if _, err := tx.CreateVariant(B37("8", "2", "A", "G")); err != nil {
			return err
		}
		_, err = tx.UpdateVariant(v.ID, v.Tags.Merge(domain.Tags{"note": "x"}))
		return err
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	view(t, store, func(v domain.TransactionView) {
		got, ok := v.FindVariantByB37(domain.B37Key{Chrom: "8", Pos: "1", RefAllele: "A", VarAllele: "G"})
		if !ok || got.Tags["note"] != "x" || got.ID != firstID {
			t.Fatalf("expected updated variant via index, got %+v", got)
		}
	})
	err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.UpdateVariant(firstID, B37("8", "2", "A", "G"))
		return err
	})
	if !domain.IsConflict(err) {
		t.Fatalf("expected conflict when taking another variant's key, got %v", err)
	}
	err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.UpdateVariant(firstID+100, domain.Tags{})
		return err
	})
	if !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}
