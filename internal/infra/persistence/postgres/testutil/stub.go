// Package testutil provides a statement-recording database/sql driver for the
// postgres store tests.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
)

// Statement is one query issued through the stub.
type Statement struct {
	Query string
	Args  []any
	InTx  bool
}

// Conn answers the queries the knowledge-base store issues. SELECT payload
// queries return the rows in Payloads for the table named after FROM; UPDATE
// ... RETURNING hands out increasing ids. WriteErr fails INSERT, UPDATE and
// DELETE statements inside a transaction; CommitErr fails every commit.
type Conn struct {
	mu         sync.Mutex
	Statements []Statement
	Payloads   map[string][]string
	Isolation  []driver.IsolationLevel
	ReadOnly   []bool
	Commits    int
	Rollbacks  int
	PingErr    error
	WriteErr   error
	CommitErr  error
	nextID     int64
	inTx       bool
}

var registered atomic.Int64

// NewStubDB registers a fresh driver and returns a handle backed by conn.
func NewStubDB() (*sql.DB, *Conn) {
	conn := &Conn{Payloads: make(map[string][]string)}
	name := fmt.Sprintf("gennotes-stub-%d", registered.Add(1))
	sql.Register(name, stubDriver{conn: conn})
	db, err := sql.Open(name, "")
	if err != nil {
		panic(err)
	}
	db.SetMaxOpenConns(1)
	return db, conn
}

type stubDriver struct{ conn *Conn }

func (d stubDriver) Open(string) (driver.Conn, error) { return d.conn, nil }

// Queries returns the recorded statement texts.
func (c *Conn) Queries() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.Statements))
	for i, st := range c.Statements {
		out[i] = st.Query
	}
	return out
}

// Prepare implements driver.Conn; the store never prepares statements.
func (c *Conn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("prepare not supported") }

// Close implements driver.Conn.
func (c *Conn) Close() error { return nil }

// Begin implements driver.Conn.
func (c *Conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// Ping implements driver.Pinger.
func (c *Conn) Ping(context.Context) error { return c.PingErr }

// BeginTx implements driver.ConnBeginTx.
func (c *Conn) BeginTx(_ context.Context, opts driver.TxOptions) (driver.Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Isolation = append(c.Isolation, opts.Isolation)
	c.ReadOnly = append(c.ReadOnly, opts.ReadOnly)
	c.inTx = true
	return stubTx{conn: c}, nil
}

func (c *Conn) record(query string, args []driver.NamedValue) {
	values := make([]any, len(args))
	for i, arg := range args {
		values[i] = arg.Value
	}
	c.Statements = append(c.Statements, Statement{Query: query, Args: values, InTx: c.inTx})
}

func verb(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(fields[0])
}

// ExecContext implements driver.ExecerContext.
func (c *Conn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(query, args)
	switch verb(query) {
	case "INSERT", "UPDATE", "DELETE":
		if c.inTx && c.WriteErr != nil {
			return nil, c.WriteErr
		}
	}
	return driver.RowsAffected(1), nil
}

// QueryContext implements driver.QueryerContext.
func (c *Conn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(query, args)
	if verb(query) == "UPDATE" && strings.Contains(strings.ToUpper(query), "RETURNING") {
		if c.WriteErr != nil {
			return nil, c.WriteErr
		}
		c.nextID++
		return &rows{cols: []string{"value"}, values: [][]driver.Value{{c.nextID}}}, nil
	}
	table := tableAfter(query, "FROM")
	out := &rows{cols: []string{"payload"}}
	for _, payload := range c.Payloads[table] {
		out.values = append(out.values, []driver.Value{[]byte(payload)})
	}
	return out, nil
}

func tableAfter(query, keyword string) string {
	fields := strings.Fields(query)
	for i, f := range fields {
		if strings.EqualFold(f, keyword) && i+1 < len(fields) {
			return strings.ToLower(fields[i+1])
		}
	}
	return ""
}

type stubTx struct{ conn *Conn }

func (t stubTx) Commit() error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	t.conn.inTx = false
	if t.conn.CommitErr != nil {
		return t.conn.CommitErr
	}
	t.conn.Commits++
	return nil
}

func (t stubTx) Rollback() error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	t.conn.inTx = false
	t.conn.Rollbacks++
	return nil
}

type rows struct {
	cols   []string
	values [][]driver.Value
	idx    int
}

func (r *rows) Columns() []string { return r.cols }
func (r *rows) Close() error      { return nil }

func (r *rows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}
