package core

import "gennotes/pkg/domain"

type (
	EntityType      = domain.EntityType
	EntityRef       = domain.EntityRef
	Tags            = domain.Tags
	User            = domain.User
	Variant         = domain.Variant
	Relation        = domain.Relation
	Revision        = domain.Revision
	Action          = domain.Action
	Transaction     = domain.Transaction
	TransactionView = domain.TransactionView
	PersistentStore = domain.PersistentStore
)

const (
	EntityVariant  = domain.EntityVariant
	EntityRelation = domain.EntityRelation
)

const (
	ActionCreate = domain.ActionCreate
	ActionUpdate = domain.ActionUpdate
	ActionDelete = domain.ActionDelete
)

// RelationView is the outbound representation of a relation with its current version.
type RelationView struct {
	Relation
	CurrentVersion int `json:"current_version"`
}

// VariantView is the outbound representation of a variant, its current
// version and the relations it owns.
type VariantView struct {
	Variant
	CurrentVersion int            `json:"current_version"`
	Relations      []RelationView `json:"relation_set"`
}

// EditRequest carries a mutation as decoded from the transport layer.
type EditRequest struct {
	// Fields lists the top-level fields the client sent. When nil the list
	// is derived from the populated members below.
	Fields []string
	Tags   Tags
	// Variant references the owning variant on relation create (id or b37 key).
	Variant       string
	EditedVersion *int
	Comment       string
	Mode          domain.EditMode
}

func (r EditRequest) fields() []string {
	if r.Fields != nil {
		return r.Fields
	}
	var out []string
	if r.Tags != nil {
		out = append(out, domain.FieldTags)
	}
	if r.Variant != "" {
		out = append(out, domain.FieldVariant)
	}
	if r.EditedVersion != nil {
		out = append(out, domain.FieldEditedVersion)
	}
	if r.Comment != "" {
		out = append(out, domain.FieldCommitComment)
	}
	return out
}
