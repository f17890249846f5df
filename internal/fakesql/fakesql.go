// Package fakesql is an in-process database/sql driver for tests. Statements
// are answered from scripted results matched by substring, and every native
// event (connect, close, begin, commit, rollback, statement) is recorded so
// tests can assert on what actually reached the "database".
package fakesql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

// ResultSet is one result set of a query.
type ResultSet struct {
	Columns []string
	Rows    [][]driver.Value
}

// Result scripts the answer to statements containing Match.
type Result struct {
	Match        string
	RowsAffected int64
	Sets         []ResultSet
	Err          error
	// RowsErr is returned by the cursor once the scripted rows are consumed.
	RowsErr error
	// Delay is slept before answering, to widen race windows.
	Delay time.Duration
}

// Stats counts native events.
type Stats struct {
	Connects   int
	Closes     int
	Begins     int
	Commits    int
	Rollbacks  int
	Isolations []sql.IsolationLevel
	Statements []string
}

// Driver implements driver.Driver and driver.Connector.
type Driver struct {
	mu          sync.Mutex
	results     []Result
	stats       Stats
	open        int
	beginDelay  time.Duration
	beginErr    error
	commitErr   error
	rollbackErr error
}

func New() *Driver {
	return &Driver{}
}

// Script registers a result. Results are matched in registration order.
func (d *Driver) Script(r Result) *Driver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results = append(d.results, r)
	return d
}

func (d *Driver) FailBegin(err error)    { d.set(func() { d.beginErr = err }) }
func (d *Driver) FailCommit(err error)   { d.set(func() { d.commitErr = err }) }
func (d *Driver) FailRollback(err error) { d.set(func() { d.rollbackErr = err }) }
func (d *Driver) SlowBegin(delay time.Duration) {
	d.set(func() { d.beginDelay = delay })
}

func (d *Driver) set(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn()
}

// Stats returns a copy of the recorded events.
func (d *Driver) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.Isolations = append([]sql.IsolationLevel(nil), d.stats.Isolations...)
	s.Statements = append([]string(nil), d.stats.Statements...)
	return s
}

// OpenConns is the number of physical connections currently open.
func (d *Driver) OpenConns() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

// DB returns a pool over the driver that keeps no idle connections, so that
// releasing a connection closes it physically. The pool is closed with t.
func (d *Driver) DB(t testing.TB) *sql.DB {
	db := sql.OpenDB(d)
	db.SetMaxIdleConns(0)
	t.Cleanup(func() { db.Close() })
	return db
}

func (d *Driver) Connect(context.Context) (driver.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.Connects++
	d.open++
	return &conn{d: d}, nil
}

func (d *Driver) Driver() driver.Driver { return d }

func (d *Driver) Open(string) (driver.Conn, error) {
	return d.Connect(context.Background())
}

func (d *Driver) lookup(query string) Result {
	d.mu.Lock()
	d.stats.Statements = append(d.stats.Statements, query)
	var r Result
	for _, candidate := range d.results {
		if strings.Contains(query, candidate.Match) {
			r = candidate
			break
		}
	}
	d.mu.Unlock()

	if r.Delay > 0 {
		time.Sleep(r.Delay)
	}
	return r
}

type conn struct {
	d      *Driver
	closed bool
}

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	return &stmt{c: c, query: query}, nil
}

func (c *conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	c.d.stats.Closes++
	c.d.open--
	return nil
}

func (c *conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *conn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	c.d.mu.Lock()
	delay, err := c.d.beginDelay, c.d.beginErr
	c.d.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}

	c.d.mu.Lock()
	defer c.d.mu.Unlock()
	c.d.stats.Begins++
	c.d.stats.Isolations = append(c.d.stats.Isolations, sql.IsolationLevel(opts.Isolation))
	return &tx{d: c.d}, nil
}

func (c *conn) ExecContext(ctx context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	r := c.d.lookup(query)
	if r.Err != nil {
		return nil, r.Err
	}
	return driver.RowsAffected(r.RowsAffected), nil
}

func (c *conn) QueryContext(ctx context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	r := c.d.lookup(query)
	if r.Err != nil {
		return nil, r.Err
	}
	sets := r.Sets
	if len(sets) == 0 {
		sets = []ResultSet{{}}
	}
	return &rows{sets: sets, err: r.RowsErr}, nil
}

type stmt struct {
	c     *conn
	query string
}

func (s *stmt) Close() error  { return nil }
func (s *stmt) NumInput() int { return -1 }

func (s *stmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.c.ExecContext(context.Background(), s.query, nil)
}

func (s *stmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.c.QueryContext(context.Background(), s.query, nil)
}

type tx struct {
	d *Driver
}

func (t *tx) Commit() error {
	t.d.mu.Lock()
	defer t.d.mu.Unlock()
	if t.d.commitErr != nil {
		return t.d.commitErr
	}
	t.d.stats.Commits++
	return nil
}

func (t *tx) Rollback() error {
	t.d.mu.Lock()
	defer t.d.mu.Unlock()
	if t.d.rollbackErr != nil {
		return t.d.rollbackErr
	}
	t.d.stats.Rollbacks++
	return nil
}

type rows struct {
	sets []ResultSet
	set  int
	pos  int
	err  error
}

func (r *rows) Columns() []string { return r.sets[r.set].Columns }
func (r *rows) Close() error      { return nil }

func (r *rows) Next(dest []driver.Value) error {
	current := r.sets[r.set]
	if r.pos >= len(current.Rows) {
		if r.err != nil {
			return r.err
		}
		return io.EOF
	}
	copy(dest, current.Rows[r.pos])
	r.pos++
	return nil
}

func (r *rows) HasNextResultSet() bool { return r.set < len(r.sets)-1 }

func (r *rows) NextResultSet() error {
	if !r.HasNextResultSet() {
		return io.EOF
	}
	r.set++
	r.pos = 0
	return nil
}

// ErrScripted is a ready-made failure for scripted results.
var ErrScripted = errors.New("fakesql: scripted failure")
