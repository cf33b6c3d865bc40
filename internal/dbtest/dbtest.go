// Package dbtest is a scriptable database/sql driver for store tests. It
// records every statement and lets a test decide what each one returns,
// including *pgconn.PgError values, without a running Postgres.
package dbtest

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"sync"
	"testing"
)

// Stmt is one statement the driver saw.
type Stmt struct {
	Query string
	Args  []driver.Value

	// Bounded reports whether the statement's context carried a deadline.
	Bounded bool
}

// DB scripts driver behaviour. Nil hooks succeed with zero rows.
type DB struct {
	Exec  func(query string, args []driver.Value) (driver.Result, error)
	Query func(query string, args []driver.Value) (driver.Rows, error)

	// PingFails is the number of leading pings that fail.
	PingFails int

	mu        sync.Mutex
	stmts     []Stmt
	commits   int
	rollbacks int
	pings     int
}

// Open returns a *sql.DB backed by d, closed when the test ends.
func Open(t testing.TB, d *DB) *sql.DB {
	t.Helper()
	db := sql.OpenDB(connector{d})
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func (d *DB) Stmts() []Stmt {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Stmt(nil), d.stmts...)
}

// Tx returns how many transactions were committed and rolled back.
func (d *DB) Tx() (commits, rollbacks int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.commits, d.rollbacks
}

func (d *DB) Pings() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pings
}

func (d *DB) record(ctx context.Context, query string, named []driver.NamedValue) []driver.Value {
	args := make([]driver.Value, len(named))
	for i, nv := range named {
		args[i] = nv.Value
	}
	_, bounded := ctx.Deadline()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.stmts = append(d.stmts, Stmt{Query: query, Args: args, Bounded: bounded})
	return args
}

// NewRows builds a result set. Each row must have one value per column.
func NewRows(columns []string, rows ...[]driver.Value) driver.Rows {
	return &rowSet{columns: columns, rows: rows}
}

type rowSet struct {
	columns []string
	rows    [][]driver.Value
	next    int
}

func (r *rowSet) Columns() []string { return r.columns }
func (r *rowSet) Close() error      { return nil }

func (r *rowSet) Next(dest []driver.Value) error {
	if r.next >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.next])
	r.next++
	return nil
}

type connector struct{ d *DB }

func (c connector) Connect(context.Context) (driver.Conn, error) { return &conn{d: c.d}, nil }
func (c connector) Driver() driver.Driver                        { return drv{} }

type drv struct{}

func (drv) Open(string) (driver.Conn, error) { return nil, errors.New("dbtest: use sql.OpenDB") }

type conn struct{ d *DB }

func (c *conn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("dbtest: prepare not supported") }
func (c *conn) Close() error                        { return nil }
func (c *conn) Begin() (driver.Tx, error)           { return tx{d: c.d}, nil }

func (c *conn) ExecContext(ctx context.Context, query string, named []driver.NamedValue) (driver.Result, error) {
	args := c.d.record(ctx, query, named)
	if c.d.Exec == nil {
		return driver.RowsAffected(0), nil
	}
	return c.d.Exec(query, args)
}

func (c *conn) QueryContext(ctx context.Context, query string, named []driver.NamedValue) (driver.Rows, error) {
	args := c.d.record(ctx, query, named)
	if c.d.Query == nil {
		return NewRows(nil), nil
	}
	return c.d.Query(query, args)
}

func (c *conn) Ping(context.Context) error {
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	c.d.pings++
	if c.d.pings <= c.d.PingFails {
		return errors.New("connection refused")
	}
	return nil
}

type tx struct{ d *DB }

func (t tx) Commit() error {
	t.d.mu.Lock()
	defer t.d.mu.Unlock()
	t.d.commits++
	return nil
}

func (t tx) Rollback() error {
	t.d.mu.Lock()
	defer t.d.mu.Unlock()
	t.d.rollbacks++
	return nil
}
