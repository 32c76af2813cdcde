package core

import (
	"context"
	"testing"
	"time"

	"gennotes/pkg/domain"
)

func TestEveryMutationRecordsOneRevision(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	v := mustCreateVariant(t, svc, b37("1", "1", "A", "T"))
	if _, err := svc.UpdateVariant(ctx, editor, "1", EditRequest{Tags: Tags{"k": "v"}, EditedVersion: intPtr(1), Comment: "add k"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := svc.UpdateVariant(ctx, editor, "1", EditRequest{Tags: Tags{"k": "w"}, EditedVersion: intPtr(1)}); err == nil {
		t.Fatalf("expected stale update to fail")
	}

	history, err := svc.History(ctx, domain.VariantRef(v.ID))
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 revisions, got %d", len(history))
	}
	for i, rev := range history {
		if rev.Version != i+1 {
			t.Fatalf("revision %d has version %d", i, rev.Version)
		}
		if rev.User != editor {
			t.Fatalf("revision not attributed: %+v", rev.User)
		}
		if rev.ID == "" {
			t.Fatalf("revision id not assigned")
		}
	}
	if history[0].Action != ActionCreate || history[1].Action != ActionUpdate {
		t.Fatalf("unexpected actions %s %s", history[0].Action, history[1].Action)
	}
	if history[1].Comment != "add k" || history[1].Tags["k"] != "v" {
		t.Fatalf("unexpected revision snapshot %+v", history[1])
	}
	if !history[1].CreatedAt.After(history[0].CreatedAt) {
		t.Fatalf("revisions must be time ordered")
	}
}

func TestHistoryUnknownEntity(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.History(context.Background(), domain.VariantRef(3)); !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := svc.VariantHistory(context.Background(), "b37-1-1-A-T"); !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCurrentVersionAsOf(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	mustCreateVariant(t, svc, b37("2", "2", "G", "C"))
	for i := 1; i <= 2; i++ {
		if _, err := svc.UpdateVariant(ctx, editor, "1", EditRequest{Tags: Tags{"n": "x"}, EditedVersion: intPtr(i)}); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}
	history, err := svc.History(ctx, domain.VariantRef(1))
	if err != nil {
		t.Fatalf("history: %v", err)
	}

	latest, err := svc.CurrentVersion(ctx, domain.VariantRef(1), time.Time{})
	if err != nil {
		t.Fatalf("current version: %v", err)
	}
	if latest.Version != 3 {
		t.Fatalf("expected version 3, got %d", latest.Version)
	}

	asOf := history[1].CreatedAt
	mid, err := svc.CurrentVersion(ctx, domain.VariantRef(1), asOf)
	if err != nil {
		t.Fatalf("current version as of: %v", err)
	}
	if mid.Version != 2 {
		t.Fatalf("expected version 2 as of %v, got %d", asOf, mid.Version)
	}

	before := history[0].CreatedAt.Add(-time.Nanosecond)
	if _, err := svc.CurrentVersion(ctx, domain.VariantRef(1), before); !domain.IsNotFound(err) {
		t.Fatalf("expected not found before creation, got %v", err)
	}
}

func TestCurrentVersionOfDeletedRelationIsMarker(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	mustCreateVariant(t, svc, b37("3", "3", "T", "A"))
	rel := mustCreateRelation(t, svc, "1", Tags{"type": "note"})
	if _, err := svc.DeleteRelation(ctx, editor, rel.ID, EditRequest{}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	rev, err := svc.CurrentVersion(ctx, domain.RelationRef(rel.ID), time.Time{})
	if err != nil {
		t.Fatalf("current version: %v", err)
	}
	if !rev.Deleted || rev.Version != 2 || rev.VariantID != 1 || len(rev.Tags) != 0 {
		t.Fatalf("unexpected deletion marker %+v", rev)
	}
}
