package domain

import (
	"encoding/json"
	"testing"
)

func TestTagsMergeLeavesReceiverUntouched(t *testing.T) {
	base := Tags{"a": "1", "b": "2"}
	merged := base.Merge(Tags{"b": "3", "c": "4"})
	if base["b"] != "2" || base.Has("c") {
		t.Fatalf("merge mutated receiver: %v", base)
	}
	want := Tags{"a": "1", "b": "3", "c": "4"}
	if !merged.Equal(want) {
		t.Fatalf("unexpected merge result: %v", merged)
	}
}

func TestTagsMissingPreservesArgumentOrder(t *testing.T) {
	tags := Tags{TagPosB37: "10"}
	missing := tags.Missing(VariantSpecialTags...)
	if len(missing) != 3 || missing[0] != TagChromB37 || missing[2] != TagVarAlleleB37 {
		t.Fatalf("unexpected missing keys: %v", missing)
	}
	if tags.HasAll(VariantSpecialTags...) {
		t.Fatalf("expected incomplete special tags")
	}
}

func TestTagsDiff(t *testing.T) {
	before := Tags{"keep": "x", "drop": "y", "change": "1"}
	after := Tags{"keep": "x", "change": "2", "add": "z"}
	diff := before.Diff(after)
	if len(diff) != 3 {
		t.Fatalf("expected three changes, got %+v", diff)
	}
	if diff[0].Key != "add" || diff[0].HadOld || !diff[0].HasNew {
		t.Fatalf("unexpected add entry: %+v", diff[0])
	}
	if diff[1].Key != "change" || diff[1].Old != "1" || diff[1].New != "2" {
		t.Fatalf("unexpected change entry: %+v", diff[1])
	}
	if diff[2].Key != "drop" || diff[2].HasNew {
		t.Fatalf("unexpected drop entry: %+v", diff[2])
	}
	if len(before.Diff(before.Clone())) != 0 {
		t.Fatalf("expected no diff against clone")
	}
}

func TestTagsNilBehavesAsEmpty(t *testing.T) {
	var tags Tags
	if tags.Has("x") || len(tags.Diff(nil)) != 0 {
		t.Fatalf("nil tags should be empty")
	}
	if !tags.Equal(Tags{}) {
		t.Fatalf("nil tags should equal empty tags")
	}
	raw, err := json.Marshal(struct {
		Tags Tags `json:"tags"`
	}{})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `{"tags":{}}` {
		t.Fatalf("unexpected encoding: %s", raw)
	}
}
