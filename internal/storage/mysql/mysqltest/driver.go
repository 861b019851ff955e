// Package mysqltest provides a scripted database/sql driver for store tests.
// Each test queues the statements it expects; the driver fails on the first
// statement that does not match the script.
package mysqltest

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

type opKind int

const (
	opExec opKind = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

func (k opKind) String() string {
	return [...]string{"exec", "query", "begin", "commit", "rollback"}[k]
}

// Op is one expected driver call.
type Op struct {
	kind   opKind
	query  string
	args   []driver.Value
	result Result
	rows   Rows
	err    error
}

// WithArgs makes the op also assert the bound arguments.
func (o Op) WithArgs(args ...driver.Value) Op {
	o.args = args
	return o
}

// WithError makes the op fail with err.
func (o Op) WithError(err error) Op {
	o.err = err
	return o
}

// Result is returned from an exec.
type Result struct {
	InsertID int64
	Affected int64
}

func (r Result) LastInsertId() (int64, error) { return r.InsertID, nil }
func (r Result) RowsAffected() (int64, error) { return r.Affected, nil }

// Rows is returned from a query.
type Rows struct {
	Columns []string
	Values  [][]driver.Value
}

// Exec expects an exec of query.
func Exec(query string, result Result) Op { return Op{kind: opExec, query: query, result: result} }

// Query expects a query returning rows.
func Query(query string, rows Rows) Op { return Op{kind: opQuery, query: query, rows: rows} }

// Begin expects a transaction start.
func Begin() Op { return Op{kind: opBegin} }

// Commit expects a commit.
func Commit() Op { return Op{kind: opCommit} }

// Rollback expects a rollback.
func Rollback() Op { return Op{kind: opRollback} }

// Driver replays a fixed script of operations.
type Driver struct {
	mu  sync.Mutex
	ops []Op
	idx int
}

var driverSeq atomic.Int32

// Open registers a fresh driver for ops and opens a single-connection DB on it.
// The DB is closed and the script checked for completeness when the test ends.
func Open(t *testing.T, ops ...Op) *sql.DB {
	t.Helper()

	drv := &Driver{ops: ops}
	name := fmt.Sprintf("mysqltest-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	t.Cleanup(func() {
		db.Close()
		drv.mu.Lock()
		defer drv.mu.Unlock()
		if drv.idx != len(drv.ops) {
			t.Errorf("not all operations consumed: %d/%d", drv.idx, len(drv.ops))
		}
	})
	return db
}

// Open implements driver.Driver.
func (d *Driver) Open(string) (driver.Conn, error) {
	return &conn{driver: d}, nil
}

func (d *Driver) next(kind opKind, query string, args []driver.NamedValue) (*Op, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.idx >= len(d.ops) {
		return nil, fmt.Errorf("unexpected %s: %s", kind, query)
	}
	op := &d.ops[d.idx]
	if op.kind != kind {
		return nil, fmt.Errorf("expected %s, got %s", op.kind, kind)
	}
	d.idx++
	if op.query != "" && normalize(op.query) != normalize(query) {
		return nil, fmt.Errorf("unexpected query. want %q got %q", normalize(op.query), normalize(query))
	}
	if op.args != nil {
		if len(op.args) != len(args) {
			return nil, fmt.Errorf("want %d args, got %d", len(op.args), len(args))
		}
		for i, want := range op.args {
			if fmt.Sprint(want) != fmt.Sprint(args[i].Value) {
				return nil, fmt.Errorf("arg %d: want %v got %v", i+1, want, args[i].Value)
			}
		}
	}
	return op, nil
}

type conn struct {
	driver *Driver
}

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *conn) Close() error { return nil }

func (c *conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *conn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	op, err := c.driver.next(opBegin, "", nil)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &tx{driver: c.driver}, nil
}

func (c *conn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.driver.next(opExec, query, args)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *conn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.driver.next(opQuery, query, args)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &rows{columns: op.rows.Columns, values: op.rows.Values}, nil
}

func (c *conn) Ping(context.Context) error { return nil }

type tx struct {
	driver *Driver
}

func (t *tx) Commit() error {
	op, err := t.driver.next(opCommit, "", nil)
	if err != nil {
		return err
	}
	return op.err
}

func (t *tx) Rollback() error {
	op, err := t.driver.next(opRollback, "", nil)
	if err != nil {
		return err
	}
	return op.err
}

type rows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *rows) Columns() []string { return r.columns }
func (r *rows) Close() error      { return nil }

func (r *rows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func normalize(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
