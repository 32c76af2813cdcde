package core

import (
	"context"
	"sort"
	"time"

	"gennotes/pkg/domain"
)

// recordingTx decorates a transaction so every entity write appends exactly
// one attributed revision in the same transaction.
type recordingTx struct {
	tx      Transaction
	user    User
	comment string
}

func newRecordingTx(tx Transaction, user User, comment string) recordingTx {
	return recordingTx{tx: tx, user: user, comment: comment}
}

func (r recordingTx) record(ref EntityRef, action Action, tags Tags, variantID int64, deleted bool) (Revision, error) {
	return r.tx.AppendRevision(Revision{
		Entity:    ref.Entity,
		EntityID:  ref.ID,
		Action:    action,
		Tags:      tags,
		VariantID: variantID,
		Deleted:   deleted,
		User:      r.user,
		Comment:   r.comment,
	})
}

func (r recordingTx) createVariant(tags Tags) (Variant, Revision, error) {
	v, err := r.tx.CreateVariant(tags)
	if err != nil {
		return Variant{}, Revision{}, err
	}
	rev, err := r.record(domain.VariantRef(v.ID), ActionCreate, v.Tags, 0, false)
	return v, rev, err
}

func (r recordingTx) updateVariant(id int64, tags Tags) (Variant, Revision, error) {
	v, err := r.tx.UpdateVariant(id, tags)
	if err != nil {
		return Variant{}, Revision{}, err
	}
	rev, err := r.record(domain.VariantRef(v.ID), ActionUpdate, v.Tags, 0, false)
	return v, rev, err
}

func (r recordingTx) createRelation(variantID int64, tags Tags) (Relation, Revision, error) {
	rel, err := r.tx.CreateRelation(variantID, tags)
	if err != nil {
		return Relation{}, Revision{}, err
	}
	rev, err := r.record(domain.RelationRef(rel.ID), ActionCreate, rel.Tags, rel.VariantID, false)
	return rel, rev, err
}

func (r recordingTx) updateRelation(id int64, tags Tags) (Relation, Revision, error) {
	rel, err := r.tx.UpdateRelation(id, tags)
	if err != nil {
		return Relation{}, Revision{}, err
	}
	rev, err := r.record(domain.RelationRef(rel.ID), ActionUpdate, rel.Tags, rel.VariantID, false)
	return rel, rev, err
}

func (r recordingTx) deleteRelation(id int64) (Revision, error) {
	rel, err := r.tx.DeleteRelation(id)
	if err != nil {
		return Revision{}, err
	}
	return r.record(domain.RelationRef(rel.ID), ActionDelete, nil, rel.VariantID, true)
}

// History returns every revision of the referenced entity in version order,
// including a trailing deletion marker for deleted relations.
func (s *Service) History(ctx context.Context, ref EntityRef) ([]Revision, error) {
	var out []Revision
	err := s.store.View(ctx, func(view TransactionView) error {
		out = view.Revisions(ref)
		if len(out) == 0 {
			return domain.NotFoundError{Entity: ref.Entity, Key: refKey(ref)}
		}
		return nil
	})
	return out, err
}

// VariantHistory resolves a variant reference and returns its history.
func (s *Service) VariantHistory(ctx context.Context, raw string) ([]Revision, error) {
	var out []Revision
	err := s.store.View(ctx, func(view TransactionView) error {
		v, err := NewLookupResolver(view).Variant(raw)
		if err != nil {
			return err
		}
		out = view.Revisions(domain.VariantRef(v.ID))
		return nil
	})
	return out, err
}

// CurrentVersion returns the latest revision of ref with a timestamp at or
// before asOf. A zero asOf means now.
func (s *Service) CurrentVersion(ctx context.Context, ref EntityRef, asOf time.Time) (Revision, error) {
	if asOf.IsZero() {
		asOf = s.clock.Now()
	}
	var out Revision
	err := s.store.View(ctx, func(view TransactionView) error {
		revs := view.Revisions(ref)
		i := sort.Search(len(revs), func(i int) bool { return revs[i].CreatedAt.After(asOf) })
		if i == 0 {
			return domain.NotFoundError{Entity: ref.Entity, Key: refKey(ref)}
		}
		out = revs[i-1]
		return nil
	})
	return out, err
}
