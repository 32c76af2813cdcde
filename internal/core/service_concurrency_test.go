package core

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"gennotes/pkg/domain"
)

func TestConcurrentUpdatesExactlyOneWins(t *testing.T) {
	svc := newTestService(t)
	created := mustCreateVariant(t, svc, b37("12", "500", "A", "G"))
	ref := strconv.FormatInt(created.ID, 10)

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts []domain.ConflictError
	)
	start := make(chan struct{})
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := svc.UpdateVariant(context.Background(), editor, ref, EditRequest{
				Tags:          Tags{"writer": strconv.Itoa(i)},
				EditedVersion: intPtr(1),
			})
			mu.Lock()
			defer mu.Unlock()
			var conflict domain.ConflictError
			switch {
			case err == nil:
				successes++
			case errors.As(err, &conflict):
				conflicts = append(conflicts, conflict)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly one success, got %d", successes)
	}
	if len(conflicts) != writers-1 {
		t.Fatalf("expected %d conflicts, got %d", writers-1, len(conflicts))
	}
	for _, c := range conflicts {
		if c.CurrentVersion != 2 {
			t.Fatalf("conflict should report version 2, got %d", c.CurrentVersion)
		}
	}
	history, err := svc.VariantHistory(context.Background(), ref)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 revisions, got %d", len(history))
	}
}

func TestConcurrentReadersSeeWholeCommits(t *testing.T) {
	svc := newTestService(t)
	created := mustCreateVariant(t, svc, b37("13", "1", "C", "T"))
	ref := strconv.FormatInt(created.ID, 10)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			v, err := svc.GetVariant(context.Background(), ref)
			if err != nil {
				t.Errorf("get: %v", err)
				return
			}
			a, b := v.Tags["a"], v.Tags["b"]
			if a != b {
				t.Errorf("observed partial write a=%q b=%q", a, b)
				return
			}
		}
	}()
	for i := 1; i <= 20; i++ {
		val := strconv.Itoa(i)
		if _, err := svc.UpdateVariant(context.Background(), editor, ref, EditRequest{
			Tags:          Tags{"a": val, "b": val},
			EditedVersion: intPtr(i),
		}); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}
	close(done)
	wg.Wait()
}
