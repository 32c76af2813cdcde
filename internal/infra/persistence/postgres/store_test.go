package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"strings"
	"testing"

	"gennotes/internal/infra/persistence/postgres/testutil"
	"gennotes/internal/infra/persistence/storetest"
	"gennotes/pkg/domain"

	"github.com/jackc/pgx/v5/pgconn"
)

func newStubbedStore(t *testing.T) (*Store, *testutil.Conn) {
	t.Helper()
	db, conn := testutil.NewStubDB()
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	t.Cleanup(restore)
	store, err := NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, conn
}

func createVariant(ctx context.Context, store *Store, chrom string) (domain.Variant, error) {
	var out domain.Variant
	err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		v, err := tx.CreateVariant(storetest.B37(chrom, "100", "A", "G"))
		if err != nil {
			return err
		}
		if _, err := tx.AppendRevision(domain.Revision{Entity: domain.EntityVariant, EntityID: v.ID, Action: domain.ActionCreate, Tags: v.Tags}); err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func statementsFrom(conn *testutil.Conn, from int) []string {
	return conn.Queries()[from:]
}

func TestNewStoreAppliesDDLAndSeedsSequences(t *testing.T) {
	_, conn := newStubbedStore(t)
	var sawVariants, sawRevisions, seeds int
	for _, st := range conn.Statements {
		upper := strings.ToUpper(st.Query)
		switch {
		case strings.Contains(upper, "CREATE TABLE IF NOT EXISTS VARIANTS"):
			sawVariants++
		case strings.Contains(upper, "CREATE TABLE IF NOT EXISTS REVISIONS"):
			sawRevisions++
		case strings.HasPrefix(upper, "INSERT INTO SEQUENCES"):
			seeds++
			if !strings.Contains(st.Query, "$1") {
				t.Fatalf("expected numbered placeholders, got %s", st.Query)
			}
		}
	}
	if sawVariants != 1 || sawRevisions != 1 || seeds != 2 {
		t.Fatalf("expected schema and two sequence seeds, got %v", conn.Queries())
	}
}

func TestRunInTransactionWritesInsideOneSerializableTransaction(t *testing.T) {
	store, conn := newStubbedStore(t)
	before := len(conn.Statements)
	v, err := createVariant(context.Background(), store, "1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if v.ID != 1 {
		t.Fatalf("expected id from the sequence, got %d", v.ID)
	}
	if conn.Isolation[len(conn.Isolation)-1] != driver.IsolationLevel(sql.LevelSerializable) || conn.ReadOnly[len(conn.ReadOnly)-1] {
		t.Fatalf("expected serializable read-write transaction, got %v %v", conn.Isolation, conn.ReadOnly)
	}
	if conn.Commits != 1 {
		t.Fatalf("expected one commit, got %d", conn.Commits)
	}

	var insertedVariant, insertedRevision bool
	for _, st := range conn.Statements[before:] {
		if !st.InTx {
			t.Fatalf("statement outside the transaction: %s", st.Query)
		}
		switch {
		case strings.HasPrefix(st.Query, "INSERT INTO variants"):
			insertedVariant = st.Args[0] == int64(1) && st.Args[1] == "1"
		case strings.HasPrefix(st.Query, "INSERT INTO revisions"):
			insertedRevision = st.Args[1] == "variant" && st.Args[3] == int64(1)
		}
	}
	if !insertedVariant || !insertedRevision {
		t.Fatalf("expected variant and revision inserts, got %v", statementsFrom(conn, before))
	}
}

func TestViewUsesReadOnlyRepeatableRead(t *testing.T) {
	store, conn := newStubbedStore(t)
	conn.Payloads["variants"] = []string{`{"id":7,"tags":{"chrom-b37":"1"}}`}
	err := store.View(context.Background(), func(view domain.TransactionView) error {
		v, ok := view.FindVariant(7)
		if !ok || v.ID != 7 || v.Tags[domain.TagChromB37] != "1" {
			t.Fatalf("unexpected variant %+v", v)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if conn.Isolation[len(conn.Isolation)-1] != driver.IsolationLevel(sql.LevelRepeatableRead) || !conn.ReadOnly[len(conn.ReadOnly)-1] {
		t.Fatalf("expected read-only repeatable read, got %v %v", conn.Isolation, conn.ReadOnly)
	}
	if conn.Commits != 0 || conn.Rollbacks != 1 {
		t.Fatalf("expected the view to roll back, got %d commits %d rollbacks", conn.Commits, conn.Rollbacks)
	}
}

func TestAppendRevisionContinuesStoredHistory(t *testing.T) {
	store, conn := newStubbedStore(t)
	conn.Payloads["revisions"] = []string{`{"entity":"relation","entity_id":3,"version":4}`}
	err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		rev, err := tx.AppendRevision(domain.Revision{Entity: domain.EntityRelation, EntityID: 3, Action: domain.ActionUpdate})
		if err != nil {
			return err
		}
		if rev.Version != 5 {
			t.Fatalf("expected version 5, got %d", rev.Version)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	conn.Payloads["revisions"] = []string{`{"entity":"relation","entity_id":3,"version":5,"deleted":true}`}
	err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.AppendRevision(domain.Revision{Entity: domain.EntityRelation, EntityID: 3, Action: domain.ActionUpdate})
		return err
	})
	if !errors.Is(err, domain.ErrDeletedHistory) {
		t.Fatalf("expected deleted history error, got %v", err)
	}
}

func TestCreateVariantReportsStoredDuplicate(t *testing.T) {
	store, conn := newStubbedStore(t)
	conn.Payloads["variants"] = []string{`{"id":9,"tags":{}}`}
	_, err := createVariant(context.Background(), store, "2")
	var conflict domain.ConflictError
	if !errors.As(err, &conflict) || conflict.ExistingID != 9 {
		t.Fatalf("expected conflict with 9, got %v", err)
	}
}

func TestServerErrorsAreClassified(t *testing.T) {
	store, conn := newStubbedStore(t)
	ctx := context.Background()

	conn.WriteErr = &pgconn.PgError{Code: "40001", Message: "could not serialize access"}
	if _, err := createVariant(ctx, store, "3"); !errors.Is(err, domain.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if conn.Rollbacks == 0 || conn.Commits != 0 {
		t.Fatalf("expected rollback without commit")
	}

	conn.WriteErr = &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"}
	if _, err := createVariant(ctx, store, "3"); !errors.Is(err, domain.ErrTransient) {
		t.Fatalf("expected unique violation to be transient, got %v", err)
	}

	conn.WriteErr = nil
	conn.CommitErr = &pgconn.PgError{Code: "40P01", Message: "deadlock detected"}
	if _, err := createVariant(ctx, store, "3"); !errors.Is(err, domain.ErrTransient) {
		t.Fatalf("expected deadlock to be transient, got %v", err)
	}

	conn.CommitErr = &pgconn.PgError{Code: "53100", Message: "disk full"}
	_, err := createVariant(ctx, store, "3")
	var pgErr *pgconn.PgError
	if err == nil || errors.Is(err, domain.ErrTransient) || !errors.As(err, &pgErr) {
		t.Fatalf("expected non-transient server error, got %v", err)
	}
}

func TestDatabaseErrorWinsOverCallbackResult(t *testing.T) {
	store, conn := newStubbedStore(t)
	conn.WriteErr = errors.New("connection reset")
	err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		// The callback swallows the failure; the transaction must still abort.
		_, _ = tx.CreateVariant(storetest.B37("4", "1", "A", "G"))
		return nil
	})
	if !errors.Is(err, conn.WriteErr) {
		t.Fatalf("expected write failure, got %v", err)
	}
	if conn.Commits != 0 {
		t.Fatalf("expected no commit")
	}
}

func TestRunInTransactionStopsOnUserError(t *testing.T) {
	store, conn := newStubbedStore(t)
	boom := errors.New("boom")
	err := store.RunInTransaction(context.Background(), func(domain.Transaction) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if conn.Commits != 0 || conn.Rollbacks != 1 {
		t.Fatalf("expected rollback only, got %d commits %d rollbacks", conn.Commits, conn.Rollbacks)
	}
}

func TestNewStoreOpenError(t *testing.T) {
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return nil, errors.New("no driver") })
	defer restore()
	if _, err := NewStore("postgres://example"); err == nil {
		t.Fatalf("expected open error")
	}
}

func TestNewStorePingError(t *testing.T) {
	db, conn := testutil.NewStubDB()
	conn.PingErr = errors.New("connection refused")
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	defer restore()
	if _, err := NewStore(""); !errors.Is(err, conn.PingErr) {
		t.Fatalf("expected ping error, got %v", err)
	}
}

func TestClassifyPassesThroughOtherErrors(t *testing.T) {
	if classify(nil) != nil {
		t.Fatalf("expected nil")
	}
	plain := errors.New("plain")
	if !errors.Is(classify(plain), plain) || errors.Is(classify(plain), domain.ErrTransient) {
		t.Fatalf("expected plain error untouched")
	}
}
