package core

import (
	"fmt"
	"sort"

	"gennotes/pkg/domain"
)

// LookupResolver maps variant reference strings (numeric ids or b37 keys)
// onto variants visible in a transaction view.
type LookupResolver struct {
	view TransactionView
}

// NewLookupResolver binds a resolver to a snapshot.
func NewLookupResolver(view TransactionView) LookupResolver {
	return LookupResolver{view: view}
}

// Variant resolves one reference. Unparseable and unknown references both
// yield domain.NotFoundError.
func (r LookupResolver) Variant(raw string) (Variant, error) {
	key, err := domain.ParseLookupKey(raw)
	if err != nil {
		return Variant{}, err
	}
	if v, ok := r.find(key); ok {
		return v, nil
	}
	return Variant{}, domain.NotFoundError{Entity: EntityVariant, Key: raw}
}

// Variants resolves a batch of references combined with logical OR. Each
// matching variant is returned once, ordered by id.
func (r LookupResolver) Variants(raws []string) []Variant {
	seen := make(map[int64]struct{})
	var out []Variant
	for _, key := range domain.ParseLookupKeys(raws) {
		v, ok := r.find(key)
		if !ok {
			continue
		}
		if _, dup := seen[v.ID]; dup {
			continue
		}
		seen[v.ID] = struct{}{}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r LookupResolver) find(key domain.LookupKey) (Variant, bool) {
	if key.IsB37() {
		return r.view.FindVariantByB37(*key.B37)
	}
	return r.view.FindVariant(key.ID)
}

// Relation resolves a relation by id.
func (r LookupResolver) Relation(id int64) (Relation, error) {
	rel, ok := r.view.FindRelation(id)
	if !ok {
		return Relation{}, domain.NotFoundError{Entity: EntityRelation, Key: fmt.Sprint(id)}
	}
	return rel, nil
}

// currentVersion returns the latest version recorded for ref, or 0.
func currentVersion(view TransactionView, ref EntityRef) int {
	rev, ok := view.LatestRevision(ref)
	if !ok {
		return 0
	}
	return rev.Version
}

func relationView(view TransactionView, rel Relation) RelationView {
	return RelationView{Relation: rel, CurrentVersion: currentVersion(view, domain.RelationRef(rel.ID))}
}

func variantView(view TransactionView, v Variant) VariantView {
	rels := view.RelationsForVariant(v.ID)
	out := VariantView{
		Variant:        v,
		CurrentVersion: currentVersion(view, domain.VariantRef(v.ID)),
		Relations:      make([]RelationView, 0, len(rels)),
	}
	for _, rel := range rels {
		out.Relations = append(out.Relations, relationView(view, rel))
	}
	return out
}
