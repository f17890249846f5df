// Package connection provides the connection capability the transaction
// engine runs on. A Connection pins one physical connection from a
// database/sql pool for as long as it is open, so every statement of a
// shared transaction, and every statement of a standalone operation, goes
// through the same session.
package connection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// State reports whether a Connection currently holds a physical connection.
type State int

const (
	StateClosed State = iota
	StateOpen
)

func (s State) String() string {
	if s == StateOpen {
		return "open"
	}
	return "closed"
}

// ErrNotOpen is returned when a statement or a transaction is started on a
// Connection that has not been opened.
var ErrNotOpen = errors.New("connection is not open")

// Connection is a lazily acquired *sql.Conn. It is safe for concurrent use,
// but it is meant to be owned by a single operation or a single shared
// transaction at a time.
type Connection struct {
	mu   sync.Mutex
	db   *sql.DB
	conn *sql.Conn
}

// New returns a closed Connection drawing from db.
func New(db *sql.DB) *Connection {
	return &Connection{db: db}
}

// Open acquires a physical connection from the pool. Opening an open
// Connection is a no-op.
func (c *Connection) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to open connection: %w", err)
	}
	c.conn = conn
	return nil
}

// Close returns the physical connection to the pool. Closing a closed
// Connection is a no-op. Close blocks until any transaction or row cursor
// started on the connection has finished.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	if err != nil && !errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("failed to close connection: %w", err)
	}
	return nil
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return StateClosed
	}
	return StateOpen
}

// BeginTx starts a native transaction on the pinned connection.
func (c *Connection) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	conn, err := c.current()
	if err != nil {
		return nil, err
	}
	return conn.BeginTx(ctx, opts)
}

// ExecContext runs a statement outside any transaction.
func (c *Connection) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	conn, err := c.current()
	if err != nil {
		return nil, err
	}
	return conn.ExecContext(ctx, query, args...)
}

// QueryContext runs a query outside any transaction. The returned rows keep
// the connection busy until they are closed.
func (c *Connection) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	conn, err := c.current()
	if err != nil {
		return nil, err
	}
	return conn.QueryContext(ctx, query, args...)
}

func (c *Connection) current() (*sql.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, ErrNotOpen
	}
	return c.conn, nil
}
