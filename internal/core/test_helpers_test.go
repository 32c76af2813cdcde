package core

import (
	"context"
	"testing"
	"time"

	"gennotes/internal/infra/persistence/memory"
	"gennotes/pkg/domain"
)

var editor = User{ID: "7", Username: "editor@example.org"}

func intPtr(v int) *int { return &v }

func b37(chrom, pos, ref, alt string) Tags {
	return domain.B37Key{Chrom: chrom, Pos: pos, RefAllele: ref, VarAllele: alt}.Tags()
}

// steppingClock advances one second on every call so revision timestamps
// are strictly increasing.
type steppingClock struct {
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestService(t *testing.T, opts ...ServiceOption) *Service {
	t.Helper()
	clock := &steppingClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return NewService(memory.NewStore(memory.WithClock(clock.Now)), opts...)
}

func mustCreateVariant(t *testing.T, svc *Service, tags Tags) VariantView {
	t.Helper()
	v, err := svc.CreateVariant(context.Background(), editor, EditRequest{Tags: tags})
	if err != nil {
		t.Fatalf("create variant: %v", err)
	}
	return v
}

func mustCreateRelation(t *testing.T, svc *Service, variant string, tags Tags) RelationView {
	t.Helper()
	rel, err := svc.CreateRelation(context.Background(), editor, EditRequest{Tags: tags, Variant: variant})
	if err != nil {
		t.Fatalf("create relation: %v", err)
	}
	return rel
}
