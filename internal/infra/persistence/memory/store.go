// Package memory provides the in-process transactional store used by the
// memory storage driver and by tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"gennotes/pkg/domain"

	"github.com/oklog/ulid/v2"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Variant aliases domain.Variant for in-memory persistence operations.
	Variant = domain.Variant
	// Relation aliases domain.Relation.
	Relation = domain.Relation
	// Revision aliases domain.Revision.
	Revision = domain.Revision
	// Tags aliases domain.Tags.
	Tags = domain.Tags
)

// sequences holds the last id handed out per entity type.
type sequences struct {
	variant  int64
	relation int64
}

// Entity values stored in memoryState are never shared with callers: reads
// return clones and writes store clones.
type memoryState struct {
	variants  map[int64]Variant
	relations map[int64]Relation
	b37       map[domain.B37Key]int64
	byVariant map[int64]map[int64]struct{}
	revisions map[domain.EntityRef][]Revision
	seq       sequences
}

func newMemoryState() memoryState {
	return memoryState{
		variants:  make(map[int64]Variant),
		relations: make(map[int64]Relation),
		b37:       make(map[domain.B37Key]int64),
		byVariant: make(map[int64]map[int64]struct{}),
		revisions: make(map[domain.EntityRef][]Revision),
	}
}

func sortRevisions(revs []Revision) {
	sort.SliceStable(revs, func(i, j int) bool {
		a, b := revs[i], revs[j]
		if a.Entity != b.Entity {
			return a.Entity < b.Entity
		}
		if a.EntityID != b.EntityID {
			return a.EntityID < b.EntityID
		}
		return a.Version < b.Version
	})
}

func cloneVariant(v Variant) Variant {
	cp := v
	cp.Tags = v.Tags.Clone()
	return cp
}

func cloneRelation(r Relation) Relation {
	cp := r
	cp.Tags = r.Tags.Clone()
	return cp
}

func cloneRevision(r Revision) Revision {
	cp := r
	if r.Tags != nil {
		cp.Tags = r.Tags.Clone()
	}
	return cp
}

// Store provides an in-memory transactional store for the knowledge base.
// Writers hold the lock for the whole transaction and mutate the committed
// state in place, recording an undo entry per write; a failed transaction
// replays its undo log. Readers hold the read lock while their view is open,
// so they never observe a partial commit.
type Store struct {
	mu    sync.RWMutex
	state memoryState
	nowFn func() time.Time
	idFn  func(time.Time) string
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// NewStore constructs an empty in-memory store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		state: newMemoryState(),
		nowFn: func() time.Time { return time.Now().UTC() },
		idFn: func(t time.Time) string {
			return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close implements domain.PersistentStore.
func (s *Store) Close() error { return nil }

type transaction struct {
	store *Store
	state *memoryState
	undo  []func()
	now   time.Time
}

type transactionView struct {
	state *memoryState
}

// RunInTransaction executes fn with exclusive access to the state and keeps
// its writes when fn returns nil. Cancellation is observed until commit.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx domain.Transaction) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{store: s, state: &s.state, now: s.nowFn()}
	committed := false
	defer func() {
		if !committed {
			tx.rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	committed = true
	return nil
}

// View executes fn against the committed state. fn runs under the read lock
// and must not start a transaction on the same store.
func (s *Store) View(ctx context.Context, fn func(domain.TransactionView) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(transactionView{state: &s.state})
}

func (tx *transaction) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func setEntry[K comparable, V any](tx *transaction, m map[K]V, key K, value V) {
	prev, had := m[key]
	m[key] = value
	tx.undo = append(tx.undo, func() {
		if had {
			m[key] = prev
		} else {
			delete(m, key)
		}
	})
}

func deleteEntry[K comparable, V any](tx *transaction, m map[K]V, key K) {
	prev, had := m[key]
	if !had {
		return
	}
	delete(m, key)
	tx.undo = append(tx.undo, func() { m[key] = prev })
}

func (tx *transaction) nextID(seq *int64) int64 {
	prev := *seq
	*seq = prev + 1
	tx.undo = append(tx.undo, func() { *seq = prev })
	return *seq
}

func (tx *transaction) indexRelation(variantID, relationID int64) {
	set, ok := tx.state.byVariant[variantID]
	if !ok {
		set = make(map[int64]struct{})
		setEntry(tx, tx.state.byVariant, variantID, set)
	}
	setEntry(tx, set, relationID, struct{}{})
}

func (tx *transaction) unindexRelation(variantID, relationID int64) {
	set := tx.state.byVariant[variantID]
	deleteEntry(tx, set, relationID)
	if len(set) == 0 {
		deleteEntry(tx, tx.state.byVariant, variantID)
	}
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() domain.TransactionView {
	return transactionView{state: tx.state}
}

// CreateVariant stores a new variant and indexes its b37 key.
func (tx *transaction) CreateVariant(tags Tags) (Variant, error) {
	key, ok := domain.B37KeyFromTags(tags)
	if !ok {
		return Variant{}, domain.NewMissingTagsError("Create (POST)", tags.Missing(domain.VariantSpecialTags...))
	}
	if existing, dup := tx.state.b37[key]; dup {
		return Variant{}, domain.DuplicateVariantError(0, key, existing)
	}
	v := Variant{
		ID:        tx.nextID(&tx.state.seq.variant),
		Tags:      tags.Clone(),
		CreatedAt: tx.now,
		UpdatedAt: tx.now,
	}
	setEntry(tx, tx.state.variants, v.ID, v)
	setEntry(tx, tx.state.b37, key, v.ID)
	return cloneVariant(v), nil
}

// UpdateVariant replaces a variant's tag set.
func (tx *transaction) UpdateVariant(id int64, tags Tags) (Variant, error) {
	current, ok := tx.state.variants[id]
	if !ok {
		return Variant{}, domain.NotFoundError{Entity: domain.EntityVariant, Key: fmt.Sprint(id)}
	}
	oldKey, hadKey := current.B37Key()
	newKey, hasKey := domain.B37KeyFromTags(tags)
	if hasKey && (!hadKey || newKey != oldKey) {
		if other, dup := tx.state.b37[newKey]; dup && other != id {
			return Variant{}, domain.DuplicateVariantError(id, newKey, other)
		}
	}
	if hadKey && (!hasKey || newKey != oldKey) {
		deleteEntry(tx, tx.state.b37, oldKey)
	}
	if hasKey {
		setEntry(tx, tx.state.b37, newKey, id)
	}
	current.Tags = tags.Clone()
	current.UpdatedAt = tx.now
	setEntry(tx, tx.state.variants, id, current)
	return cloneVariant(current), nil
}

// CreateRelation stores a new relation under an existing variant.
func (tx *transaction) CreateRelation(variantID int64, tags Tags) (Relation, error) {
	if _, ok := tx.state.variants[variantID]; !ok {
		return Relation{}, domain.NotFoundError{Entity: domain.EntityVariant, Key: fmt.Sprint(variantID)}
	}
	r := Relation{
		ID:        tx.nextID(&tx.state.seq.relation),
		VariantID: variantID,
		Tags:      tags.Clone(),
		CreatedAt: tx.now,
		UpdatedAt: tx.now,
	}
	setEntry(tx, tx.state.relations, r.ID, r)
	tx.indexRelation(variantID, r.ID)
	return cloneRelation(r), nil
}

// UpdateRelation replaces a relation's tag set.
func (tx *transaction) UpdateRelation(id int64, tags Tags) (Relation, error) {
	current, ok := tx.state.relations[id]
	if !ok {
		return Relation{}, domain.NotFoundError{Entity: domain.EntityRelation, Key: fmt.Sprint(id)}
	}
	current.Tags = tags.Clone()
	current.UpdatedAt = tx.now
	setEntry(tx, tx.state.relations, id, current)
	return cloneRelation(current), nil
}

// DeleteRelation removes a relation; its revision history is retained.
func (tx *transaction) DeleteRelation(id int64) (Relation, error) {
	current, ok := tx.state.relations[id]
	if !ok {
		return Relation{}, domain.NotFoundError{Entity: domain.EntityRelation, Key: fmt.Sprint(id)}
	}
	deleteEntry(tx, tx.state.relations, id)
	tx.unindexRelation(current.VariantID, id)
	return cloneRelation(current), nil
}

// AppendRevision appends the next revision in the entity's history.
func (tx *transaction) AppendRevision(rev Revision) (Revision, error) {
	ref := rev.Ref()
	if err := domain.CheckRevisionRef(ref); err != nil {
		return Revision{}, err
	}
	history := tx.state.revisions[ref]
	if n := len(history); n > 0 && history[n-1].Deleted {
		return Revision{}, fmt.Errorf("%s: %w", ref, domain.ErrDeletedHistory)
	}
	rev.ID = tx.store.idFn(tx.now)
	rev.Version = len(history) + 1
	rev.CreatedAt = tx.now
	if rev.Tags != nil {
		rev.Tags = rev.Tags.Clone()
	}
	setEntry(tx, tx.state.revisions, ref, append(history[:len(history):len(history)], rev))
	return cloneRevision(rev), nil
}

func (v transactionView) FindVariant(id int64) (Variant, bool) {
	variant, ok := v.state.variants[id]
	if !ok {
		return Variant{}, false
	}
	return cloneVariant(variant), true
}

func (v transactionView) FindVariantByB37(key domain.B37Key) (Variant, bool) {
	id, ok := v.state.b37[key]
	if !ok {
		return Variant{}, false
	}
	return v.FindVariant(id)
}

func (v transactionView) ListVariants() []Variant {
	out := make([]Variant, 0, len(v.state.variants))
	for _, variant := range v.state.variants {
		out = append(out, cloneVariant(variant))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v transactionView) FindRelation(id int64) (Relation, bool) {
	r, ok := v.state.relations[id]
	if !ok {
		return Relation{}, false
	}
	return cloneRelation(r), true
}

func (v transactionView) ListRelations() []Relation {
	out := make([]Relation, 0, len(v.state.relations))
	for _, r := range v.state.relations {
		out = append(out, cloneRelation(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v transactionView) RelationsForVariant(variantID int64) []Relation {
	ids := v.state.byVariant[variantID]
	out := make([]Relation, 0, len(ids))
	for id := range ids {
		if r, ok := v.state.relations[id]; ok {
			out = append(out, cloneRelation(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v transactionView) Revisions(ref domain.EntityRef) []Revision {
	history := v.state.revisions[ref]
	out := make([]Revision, len(history))
	for i, rev := range history {
		out[i] = cloneRevision(rev)
	}
	return out
}

func (v transactionView) LatestRevision(ref domain.EntityRef) (Revision, bool) {
	history := v.state.revisions[ref]
	if len(history) == 0 {
		return Revision{}, false
	}
	return cloneRevision(history[len(history)-1]), true
}

func (v transactionView) ListRevisions() []Revision {
	var out []Revision
	for _, history := range v.state.revisions {
		for _, rev := range history {
			out = append(out, cloneRevision(rev))
		}
	}
	sortRevisions(out)
	return out
}
