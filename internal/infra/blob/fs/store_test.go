package fs

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gennotes/internal/blob/core"
)

func TestPutGetListDelete(t *testing.T) {
	ctx := context.Background()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	info, err := s.Put(ctx, "exports/2024/variants.ndjson", strings.NewReader("line\n"), core.PutOptions{
		ContentType: "application/x-ndjson",
		Metadata:    map[string]string{"job": "1"},
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != 5 || len(info.ETag) != 64 || !strings.HasPrefix(info.URL, "file://") {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := s.Put(ctx, "exports/2024/variants.ndjson", strings.NewReader("x"), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	got, rc, err := s.Get(ctx, "exports/2024/variants.ndjson")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(body) != "line\n" || got.Metadata["job"] != "1" || got.ContentType != "application/x-ndjson" {
		t.Fatalf("unexpected get %+v %q", got, body)
	}

	if _, err := s.Put(ctx, "other.txt", strings.NewReader("o"), core.PutOptions{}); err != nil {
		t.Fatalf("put other: %v", err)
	}
	list, err := s.List(ctx, "exports/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Key != "exports/2024/variants.ndjson" {
		t.Fatalf("unexpected list %+v", list)
	}
	all, _ := s.List(ctx, "")
	if len(all) != 2 || all[0].Key != "exports/2024/variants.ndjson" {
		t.Fatalf("unexpected full list %+v", all)
	}

	if ok, err := s.Delete(ctx, "other.txt"); !ok || err != nil {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if ok, err := s.Delete(ctx, "other.txt"); ok || err != nil {
		t.Fatalf("second delete: %v %v", ok, err)
	}
	if _, err := s.Head(ctx, "other.txt"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, _, err := s.Get(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestKeyValidation(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for _, key := range []string{"", "/abs", "../escape", "a/../../b", "x.meta"} {
		if _, err := s.Put(context.Background(), key, strings.NewReader("x"), core.PutOptions{}); err == nil {
			t.Fatalf("expected %q to be rejected", key)
		}
	}
	if _, err := s.PresignURL(context.Background(), "a", core.SignedURLOptions{Method: "PUT"}); !errors.Is(err, core.ErrUnsupported) {
		t.Fatalf("expected PUT presign to be unsupported")
	}
	if u, err := s.PresignURL(context.Background(), "a", core.SignedURLOptions{}); err != nil || !strings.HasSuffix(u, "/a") {
		t.Fatalf("unexpected presign %q %v", u, err)
	}
}

func TestNewCreatesRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "archive")
	s, err := New(root)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if st, err := os.Stat(s.Root()); err != nil || !st.IsDir() {
		t.Fatalf("expected root directory: %v", err)
	}
}
