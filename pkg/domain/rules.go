package domain

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Top-level request fields understood by the edit protocol.
const (
	FieldTags          = "tags"
	FieldVariant       = "variant"
	FieldEditedVersion = "edited-version"
	FieldCommitComment = "commit-comment"
)

// EditMode selects how an update applies its tag delta.
type EditMode int

const (
	// EditMerge overlays the delta on the current tags (PATCH).
	EditMerge EditMode = iota
	// EditReplace substitutes the whole tag map (PUT).
	EditReplace
)

func (m EditMode) String() string {
	if m == EditReplace {
		return "PUT"
	}
	return "PATCH"
}

// EditState is the input every rule evaluates: the submitted request joined
// with the committed state of its target. Current* fields are zero on create.
type EditState struct {
	Entity         EntityType
	Action         Action
	Mode           EditMode
	EntityID       int64
	Fields         []string
	Tags           Tags
	EditedVersion  *int
	CurrentTags    Tags
	CurrentVersion int
}

// HasField reports whether the request carried the named top-level field.
func (s EditState) HasField(name string) bool {
	for _, f := range s.Fields {
		if f == name {
			return true
		}
	}
	return false
}

// ContentFields returns the data fields a request must carry for the given
// entity and action. Protocol fields (edited-version, commit-comment) are
// accepted on top of these where applicable.
func ContentFields(entity EntityType, action Action) []string {
	switch action {
	case ActionCreate:
		if entity == EntityRelation {
			return []string{FieldTags, FieldVariant}
		}
		return []string{FieldTags}
	case ActionUpdate:
		return []string{FieldTags}
	default:
		return nil
	}
}

// AllowedFields returns every top-level field accepted for the entity and action.
func AllowedFields(entity EntityType, action Action) []string {
	allowed := append([]string(nil), ContentFields(entity, action)...)
	if action != ActionCreate {
		allowed = append(allowed, FieldEditedVersion)
	}
	return append(allowed, FieldCommitComment)
}

// Rule is a single check in the edit protocol. A non-nil error rejects the edit.
type Rule interface {
	Name() string
	Evaluate(state EditState) error
}

// RuleFunc adapts a function into a named Rule.
type RuleFunc struct {
	RuleName string
	Fn       func(EditState) error
}

// Name implements Rule.
func (r RuleFunc) Name() string { return r.RuleName }

// Evaluate implements Rule.
func (r RuleFunc) Evaluate(state EditState) error { return r.Fn(state) }

// RulesEngine runs rules in registration order and stops at the first rejection.
type RulesEngine struct {
	rules []Rule
}

// NewRulesEngine constructs an engine with the supplied rules.
func NewRulesEngine(rules ...Rule) *RulesEngine {
	return &RulesEngine{rules: append([]Rule(nil), rules...)}
}

// NewEditRulesEngine returns the edit protocol chain: field allowlist,
// version conflict, required tags, chromosome code, special tag immutability.
func NewEditRulesEngine() *RulesEngine {
	return NewRulesEngine(
		FieldAllowlistRule(),
		VersionConflictRule(),
		RequiredTagsRule(),
		ChromosomeRule(),
		SpecialTagRule(),
	)
}

// Register appends a rule to the engine.
func (e *RulesEngine) Register(rule Rule) {
	e.rules = append(e.rules, rule)
}

// Rules returns the registered rule names in evaluation order.
func (e *RulesEngine) Rules() []string {
	names := make([]string, len(e.rules))
	for i, r := range e.rules {
		names[i] = r.Name()
	}
	return names
}

// Evaluate executes the rules against state.
func (e *RulesEngine) Evaluate(state EditState) error {
	for _, rule := range e.rules {
		if err := rule.Evaluate(state); err != nil {
			return err
		}
	}
	return nil
}

// FieldAllowlistRule rejects unknown top-level fields and missing content fields.
func FieldAllowlistRule() Rule {
	return RuleFunc{RuleName: "field_allowlist", Fn: func(s EditState) error {
		allowed := make(map[string]struct{})
		for _, f := range AllowedFields(s.Entity, s.Action) {
			allowed[f] = struct{}{}
		}
		required := ContentFields(s.Entity, s.Action)
		present := append([]string(nil), s.Fields...)
		sort.Strings(present)
		for _, f := range present {
			if _, ok := allowed[f]; ok {
				continue
			}
			if len(required) == 0 {
				return ValidationError{
					Fields: present,
					Message: fmt.Sprintf("Deletions may only include the %s field(s). Your request contains the following fields: [%s]",
						quoteJoin(AllowedFields(s.Entity, s.Action)), strings.Join(quoteAll(present), ", ")),
				}
			}
			return NewFieldsError(required, present)
		}
		for _, f := range required {
			if !s.HasField(f) {
				return NewFieldsError(required, present)
			}
		}
		return nil
	}}
}

// VersionConflictRule enforces optimistic concurrency on update and delete.
func VersionConflictRule() Rule {
	return RuleFunc{RuleName: "version_conflict", Fn: func(s EditState) error {
		switch s.Action {
		case ActionUpdate:
			if s.EditedVersion == nil {
				return ValidationError{
					Fields:  []string{FieldEditedVersion},
					Message: fmt.Sprintf("Updates must include the '%s' field.", FieldEditedVersion),
				}
			}
		case ActionDelete:
			if s.EditedVersion == nil {
				return nil
			}
		default:
			return nil
		}
		if *s.EditedVersion != s.CurrentVersion {
			return ConflictError{
				Entity:         s.Entity,
				ID:             s.EntityID,
				CurrentVersion: s.CurrentVersion,
				EditedVersion:  *s.EditedVersion,
				Submitted:      s.Tags.Clone(),
				Message: fmt.Sprintf("Edit conflict on %s %d: the submitted edited-version %d does not match the current version %d",
					s.Entity, s.EntityID, *s.EditedVersion, s.CurrentVersion),
			}
		}
		return nil
	}}
}

// RequiredTagsRule requires every special tag of the entity on create.
func RequiredTagsRule() Rule {
	return RuleFunc{RuleName: "required_tags", Fn: func(s EditState) error {
		if s.Action != ActionCreate {
			return nil
		}
		if missing := s.Tags.Missing(SpecialTags(s.Entity)...); len(missing) > 0 {
			return NewMissingTagsError("Create (POST)", missing)
		}
		return nil
	}}
}

// ChromosomeRule validates chrom-b37 on variant create.
func ChromosomeRule() Rule {
	return RuleFunc{RuleName: "chromosome_code", Fn: func(s EditState) error {
		if s.Action != ActionCreate || s.Entity != EntityVariant {
			return nil
		}
		if chrom := s.Tags[TagChromB37]; !ValidChromosome(chrom) {
			return ValidationError{
				Fields: []string{TagChromB37},
				Message: fmt.Sprintf("Tag '%s' must be a chromosome code between %d and %d, got '%s'",
					TagChromB37, MinChromosome, MaxChromosome, chrom),
			}
		}
		return nil
	}}
}

// SpecialTagRule keeps existing special tag values unchanged on update. In
// replace mode every existing special tag must also be resubmitted. The
// proposed tag set is diffed against the current one; the first special tag
// in key order that changes is reported.
func SpecialTagRule() Rule {
	return RuleFunc{RuleName: "special_tags", Fn: func(s EditState) error {
		if s.Action != ActionUpdate {
			return nil
		}
		proposed := s.Tags
		if s.Mode != EditReplace {
			proposed = s.CurrentTags.Merge(s.Tags)
		}
		special := SpecialTags(s.Entity)
		for _, change := range s.CurrentTags.Diff(proposed) {
			if !change.HadOld || !slices.Contains(special, change.Key) {
				continue
			}
			if !change.HasNew {
				return ValidationError{
					Fields:  []string{change.Key},
					Message: fmt.Sprintf("PUT requests must retain all special tags. Your request is missing the tag: '%s'", change.Key),
				}
			}
			return SpecialTagChangeError{Tag: change.Key, Old: change.Old, New: change.New}
		}
		return nil
	}}
}
