package domain

import "context"

// Transaction exposes the storage operations a persistence implementation
// must support within an atomic scope. Nothing written through a Transaction
// is visible to readers until the enclosing RunInTransaction commits.
type Transaction interface {
	Snapshot() TransactionView
	CreateVariant(tags Tags) (Variant, error)
	UpdateVariant(id int64, tags Tags) (Variant, error)
	CreateRelation(variantID int64, tags Tags) (Relation, error)
	UpdateRelation(id int64, tags Tags) (Relation, error)
	DeleteRelation(id int64) (Relation, error)
	// AppendRevision assigns the revision id, the next version for the
	// entity and the commit timestamp.
	AppendRevision(rev Revision) (Revision, error)
}

// TransactionView provides read-only access to a consistent snapshot.
type TransactionView interface {
	FindVariant(id int64) (Variant, bool)
	FindVariantByB37(key B37Key) (Variant, bool)
	ListVariants() []Variant
	FindRelation(id int64) (Relation, bool)
	ListRelations() []Relation
	RelationsForVariant(variantID int64) []Relation
	Revisions(ref EntityRef) []Revision
	LatestRevision(ref EntityRef) (Revision, bool)
	// ListRevisions returns every revision ordered by entity, id and version.
	ListRevisions() []Revision
}

// PersistentStore is the abstraction over durable backends used by the core.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) error
	View(ctx context.Context, fn func(TransactionView) error) error
	Close() error
}
