package domain

import (
	"errors"
	"strings"
	"testing"
)

func intPtr(v int) *int { return &v }

func variantTags() Tags {
	return B37Key{Chrom: "1", Pos: "883516", RefAllele: "G", VarAllele: "A"}.Tags()
}

func TestEditRulesEngineOrder(t *testing.T) {
	engine := NewEditRulesEngine()
	want := []string{"field_allowlist", "version_conflict", "required_tags", "chromosome_code", "special_tags"}
	got := engine.Rules()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected rule order: %v", got)
	}
}

func TestFieldAllowlistRule(t *testing.T) {
	engine := NewEditRulesEngine()
	err := engine.Evaluate(EditState{
		Entity:         EntityVariant,
		Action:         ActionUpdate,
		Fields:         []string{FieldTags, FieldEditedVersion, "relation_set"},
		Tags:           Tags{"x": "y"},
		EditedVersion:  intPtr(1),
		CurrentVersion: 1,
	})
	var verr ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !strings.Contains(verr.Message, "'relation_set'") {
		t.Fatalf("expected offending field named, got %q", verr.Message)
	}

	err = engine.Evaluate(EditState{
		Entity: EntityRelation,
		Action: ActionCreate,
		Fields: []string{FieldTags},
		Tags:   Tags{TagType: "clinvar-rcva"},
	})
	if !IsValidation(err) {
		t.Fatalf("expected missing variant field to be rejected, got %v", err)
	}

	err = engine.Evaluate(EditState{
		Entity: EntityVariant,
		Action: ActionCreate,
		Fields: []string{FieldTags, FieldEditedVersion},
		Tags:   variantTags(),
	})
	if !IsValidation(err) {
		t.Fatalf("expected edited-version to be rejected on create, got %v", err)
	}

	err = engine.Evaluate(EditState{
		Entity: EntityRelation,
		Action: ActionDelete,
		Fields: []string{FieldTags},
	})
	if !IsValidation(err) {
		t.Fatalf("expected tags to be rejected on delete, got %v", err)
	}
}

func TestVersionConflictRule(t *testing.T) {
	engine := NewEditRulesEngine()
	state := EditState{
		Entity:         EntityVariant,
		Action:         ActionUpdate,
		EntityID:       7,
		Fields:         []string{FieldTags, FieldEditedVersion},
		Tags:           Tags{"test-tag": "v"},
		EditedVersion:  intPtr(1),
		CurrentTags:    variantTags(),
		CurrentVersion: 2,
	}
	err := engine.Evaluate(state)
	var conflict ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if conflict.CurrentVersion != 2 || conflict.EditedVersion != 1 || conflict.Submitted["test-tag"] != "v" {
		t.Fatalf("unexpected conflict payload: %+v", conflict)
	}

	state.EditedVersion = nil
	state.Fields = []string{FieldTags}
	if err := engine.Evaluate(state); !IsValidation(err) {
		t.Fatalf("expected missing edited-version to be a validation error, got %v", err)
	}

	del := EditState{Entity: EntityRelation, Action: ActionDelete, CurrentVersion: 3}
	if err := engine.Evaluate(del); err != nil {
		t.Fatalf("delete without edited-version should pass: %v", err)
	}
	del.EditedVersion = intPtr(2)
	if err := engine.Evaluate(del); !IsConflict(err) {
		t.Fatalf("expected delete conflict, got %v", err)
	}
}

func TestRequiredTagsAndChromosomeRules(t *testing.T) {
	engine := NewEditRulesEngine()
	tags := variantTags()
	delete(tags, TagPosB37)
	err := engine.Evaluate(EditState{Entity: EntityVariant, Action: ActionCreate, Fields: []string{FieldTags}, Tags: tags})
	var verr ValidationError
	if !errors.As(err, &verr) || len(verr.Fields) != 1 || verr.Fields[0] != TagPosB37 {
		t.Fatalf("expected missing pos-b37, got %v", err)
	}

	tags = variantTags()
	tags[TagChromB37] = "X"
	err = engine.Evaluate(EditState{Entity: EntityVariant, Action: ActionCreate, Fields: []string{FieldTags}, Tags: tags})
	if !errors.As(err, &verr) || verr.Fields[0] != TagChromB37 {
		t.Fatalf("expected chromosome rejection, got %v", err)
	}

	err = engine.Evaluate(EditState{Entity: EntityRelation, Action: ActionCreate, Fields: []string{FieldTags, FieldVariant}, Tags: Tags{"name": "x"}})
	if !errors.As(err, &verr) || verr.Fields[0] != TagType {
		t.Fatalf("expected missing type, got %v", err)
	}
}

func TestSpecialTagRule(t *testing.T) {
	engine := NewEditRulesEngine()
	base := EditState{
		Entity:         EntityVariant,
		Action:         ActionUpdate,
		Fields:         []string{FieldTags, FieldEditedVersion},
		EditedVersion:  intPtr(1),
		CurrentTags:    variantTags().Merge(Tags{"note": "a"}),
		CurrentVersion: 1,
	}

	patch := base
	patch.Tags = Tags{"note": "b"}
	if err := engine.Evaluate(patch); err != nil {
		t.Fatalf("patch without special tags should pass: %v", err)
	}

	put := base
	put.Mode = EditReplace
	put.Tags = Tags{"note": "b"}
	err := engine.Evaluate(put)
	var verr ValidationError
	if !errors.As(err, &verr) || verr.Fields[0] != TagChromB37 {
		t.Fatalf("expected put to require special tags, got %v", err)
	}

	change := base
	change.Tags = Tags{TagPosB37: "1"}
	err = engine.Evaluate(change)
	var special SpecialTagChangeError
	if !errors.As(err, &special) {
		t.Fatalf("expected special tag change error, got %v", err)
	}
	if special.Tag != TagPosB37 || special.Old != "883516" || special.New != "1" {
		t.Fatalf("unexpected change payload: %+v", special)
	}
	if !IsValidation(err) {
		t.Fatalf("special tag change should classify as validation")
	}
	if !strings.Contains(err.Error(), "from '883516' to '1'") {
		t.Fatalf("unexpected message: %s", err.Error())
	}
}

func TestSpecialTagRuleReportsFirstChangedKey(t *testing.T) {
	engine := NewEditRulesEngine()
	state := EditState{
		Entity:         EntityVariant,
		Action:         ActionUpdate,
		Fields:         []string{FieldTags, FieldEditedVersion},
		EditedVersion:  intPtr(1),
		CurrentTags:    variantTags(),
		CurrentVersion: 1,
		Tags:           Tags{TagVarAlleleB37: "T", TagChromB37: "2", "note": "x"},
	}
	var special SpecialTagChangeError
	if err := engine.Evaluate(state); !errors.As(err, &special) || special.Tag != TagChromB37 || special.New != "2" {
		t.Fatalf("expected chrom change reported first, got %v", err)
	}

	rel := EditState{
		Entity:         EntityRelation,
		Action:         ActionUpdate,
		Mode:           EditReplace,
		Fields:         []string{FieldTags, FieldEditedVersion},
		EditedVersion:  intPtr(1),
		CurrentTags:    Tags{TagType: "clinvar-rcva", "a": "1"},
		CurrentVersion: 1,
		Tags:           Tags{TagType: "clinvar-rcva"},
	}
	if err := engine.Evaluate(rel); err != nil {
		t.Fatalf("dropping an ordinary tag on replace should pass: %v", err)
	}
	rel.Tags = Tags{TagType: "note"}
	if err := engine.Evaluate(rel); !errors.As(err, &special) || special.Tag != TagType || special.Old != "clinvar-rcva" {
		t.Fatalf("expected type change rejected, got %v", err)
	}
}
