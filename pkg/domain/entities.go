// Package domain defines the persistent entities, value types, error
// taxonomy and storage contracts used by gennotes.
package domain

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// EntityType identifies the type of record stored in the knowledge base.
type EntityType string

// Supported entity type identifiers used in revisions and persistence buckets.
const (
	// EntityVariant identifies a genomic variant record.
	EntityVariant EntityType = "variant"
	// EntityRelation identifies a relation record owned by a variant.
	EntityRelation EntityType = "relation"
)

// Special tag keys. Their values are required on create and immutable afterwards.
const (
	TagChromB37     = "chrom-b37"
	TagPosB37       = "pos-b37"
	TagRefAlleleB37 = "ref-allele-b37"
	TagVarAlleleB37 = "var-allele-b37"
	TagType         = "type"
)

// VariantSpecialTags lists the protected variant tags in lookup-key order.
var VariantSpecialTags = []string{TagChromB37, TagPosB37, TagRefAlleleB37, TagVarAlleleB37}

// RelationSpecialTags lists the protected relation tags.
var RelationSpecialTags = []string{TagType}

// SpecialTags returns the protected tag keys for an entity type.
func SpecialTags(entity EntityType) []string {
	switch entity {
	case EntityVariant:
		return VariantSpecialTags
	case EntityRelation:
		return RelationSpecialTags
	default:
		return nil
	}
}

// User is the acting identity attributed on every revision.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// IsZero reports whether no identity was supplied.
func (u User) IsZero() bool {
	return u.ID == "" && u.Username == ""
}

// Variant is a genomic variant described by free-form tags.
type Variant struct {
	ID        int64     `json:"id"`
	Tags      Tags      `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// B37Key returns the variant's build-37 composite key.
func (v Variant) B37Key() (B37Key, bool) {
	return B37KeyFromTags(v.Tags)
}

// Relation is a typed annotation owned by exactly one variant.
type Relation struct {
	ID        int64     `json:"id"`
	VariantID int64     `json:"variant"`
	Tags      Tags      `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Type returns the relation's classifying type tag.
func (r Relation) Type() string {
	return r.Tags[TagType]
}

// EntityRef points at one variant or relation.
type EntityRef struct {
	Entity EntityType `json:"entity"`
	ID     int64      `json:"id"`
}

// VariantRef builds a reference to a variant.
func VariantRef(id int64) EntityRef { return EntityRef{Entity: EntityVariant, ID: id} }

// RelationRef builds a reference to a relation.
func RelationRef(id int64) EntityRef { return EntityRef{Entity: EntityRelation, ID: id} }

func (r EntityRef) String() string {
	return fmt.Sprintf("%s %d", r.Entity, r.ID)
}

// Action indicates the type of modification a revision records.
type Action string

// Revision actions enumerate the accepted mutation kinds.
const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Revision is one immutable, attributed snapshot in an entity's history.
// Deleted revisions carry no tags and mark the end of the entity's life.
type Revision struct {
	ID        string     `json:"id"`
	Entity    EntityType `json:"entity"`
	EntityID  int64      `json:"entity_id"`
	Version   int        `json:"version"`
	Action    Action     `json:"action"`
	Tags      Tags       `json:"tags,omitempty"`
	VariantID int64      `json:"variant_id,omitempty"`
	Deleted   bool       `json:"deleted,omitempty"`
	User      User       `json:"user"`
	Comment   string     `json:"comment"`
	CreatedAt time.Time  `json:"created_at"`
}

// Ref returns the entity the revision belongs to.
func (r Revision) Ref() EntityRef {
	return EntityRef{Entity: r.Entity, ID: r.EntityID}
}

// CheckRevisionRef rejects revisions that do not name a stored entity.
func CheckRevisionRef(ref EntityRef) error {
	if ref.Entity != EntityVariant && ref.Entity != EntityRelation {
		return fmt.Errorf("revision for unknown entity type %q", ref.Entity)
	}
	if ref.ID <= 0 {
		return fmt.Errorf("revision requires an entity id")
	}
	return nil
}

// ErrDeletedHistory is returned when a revision is appended after a deletion marker.
var ErrDeletedHistory = errors.New("history already ends with a deletion revision")

// Chromosome codes accepted for chrom-b37: "1".."22", 23=X, 24=Y, 25=MT.
const (
	MinChromosome = 1
	MaxChromosome = 25
)

// ValidChromosome reports whether code is one of the accepted chromosome codes.
func ValidChromosome(code string) bool {
	if code == "" || code[0] == '0' || code[0] == '+' {
		return false
	}
	n, err := strconv.Atoi(code)
	if err != nil {
		return false
	}
	return n >= MinChromosome && n <= MaxChromosome
}
