package testutil

import (
	"context"
	"errors"
	"testing"
)

func TestStubAnswersStoreQueries(t *testing.T) {
	ctx := context.Background()
	db, conn := NewStubDB()
	t.Cleanup(func() { _ = db.Close() })
	conn.Payloads["revisions"] = []string{`{"version":2}`}

	if _, err := db.ExecContext(ctx, `INSERT INTO sequences(name, value) VALUES($1, 0) ON CONFLICT(name) DO NOTHING`, "variant"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	for want := int64(1); want <= 2; want++ {
		var id int64
		if err := tx.QueryRowContext(ctx, `UPDATE sequences SET value = value + 1 WHERE name = $1 RETURNING value`, "variant").Scan(&id); err != nil {
			t.Fatalf("next id: %v", err)
		}
		if id != want {
			t.Fatalf("expected id %d, got %d", want, id)
		}
	}
	var payload []byte
	if err := tx.QueryRowContext(ctx, `SELECT payload FROM revisions WHERE entity = $1 ORDER BY version DESC LIMIT 1`, "variant").Scan(&payload); err != nil {
		t.Fatalf("select: %v", err)
	}
	if string(payload) != `{"version":2}` {
		t.Fatalf("unexpected payload %s", payload)
	}
	if err := tx.QueryRowContext(ctx, `SELECT payload FROM variants WHERE id = $1`, int64(1)).Scan(&payload); err == nil {
		t.Fatalf("expected no rows for an empty table")
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got := conn.Statements
	if len(got) != 5 || got[0].InTx || !got[1].InTx || got[1].Args[0] != "variant" {
		t.Fatalf("unexpected statements %+v", got)
	}
	if conn.Commits != 1 {
		t.Fatalf("expected one commit, got %d", conn.Commits)
	}
}

func TestStubWriteErrorOnlyInsideTransactions(t *testing.T) {
	ctx := context.Background()
	db, conn := NewStubDB()
	t.Cleanup(func() { _ = db.Close() })
	conn.WriteErr = errors.New("write refused")

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS sequences (name TEXT)`); err != nil {
		t.Fatalf("ddl: %v", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO sequences(name, value) VALUES($1, 0)`, "relation"); err != nil {
		t.Fatalf("write outside a transaction should pass: %v", err)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM relations WHERE id = $1`, int64(1)); !errors.Is(err, conn.WriteErr) {
		t.Fatalf("expected write error, got %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if conn.Rollbacks != 1 {
		t.Fatalf("expected one rollback, got %d", conn.Rollbacks)
	}
}
