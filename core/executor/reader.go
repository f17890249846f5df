package executor

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/sushant-115/gojodata/core/transaction"
	"go.uber.org/zap"
)

// Reader is a forward-only row cursor returned by ExecuteReader. It holds
// its connection, or its step of a shared transaction, until Close. A Reader
// that is never closed keeps the connection open and, inside a shared
// transaction, keeps the transaction from ever committing.
type Reader struct {
	rows   *sql.Rows
	ctx    context.Context
	fin    finisher
	logger *zap.Logger

	once sync.Once
	err  error
}

func newReader(ctx context.Context, rows *sql.Rows, fin finisher, logger *zap.Logger) *Reader {
	return &Reader{
		rows:   rows,
		ctx:    context.WithoutCancel(ctx),
		fin:    fin,
		logger: logger,
	}
}

func (r *Reader) Next() bool                              { return r.rows.Next() }
func (r *Reader) NextResultSet() bool                     { return r.rows.NextResultSet() }
func (r *Reader) Scan(dest ...any) error                  { return r.rows.Scan(dest...) }
func (r *Reader) Columns() ([]string, error)              { return r.rows.Columns() }
func (r *Reader) ColumnTypes() ([]*sql.ColumnType, error) { return r.rows.ColumnTypes() }
func (r *Reader) Err() error                              { return r.rows.Err() }

// Close releases the cursor and then finishes the operation: a standalone
// reader closes its connection, a transactional one records its step, which
// may commit the shared transaction. An iteration error seen here fails the
// step and rolls the shared transaction back. If another step already rolled
// the transaction back, Close reports ErrTransactionDone. Close is idempotent
// and always returns the result of the first call.
func (r *Reader) Close() error {
	r.once.Do(func() {
		var cause error
		if err := r.rows.Err(); err != nil {
			kind := transaction.ErrCommand
			if r.fin.settled() {
				kind = transaction.ErrTransactionDone
			}
			cause = fmt.Errorf("%w: reading rows: %w", kind, err)
		}
		if err := r.rows.Close(); err != nil && cause == nil {
			cause = fmt.Errorf("%w: closing rows: %w", transaction.ErrCommand, err)
		}
		if cause != nil {
			r.logger.Warn("reader closed with error", zap.Error(cause))
		}
		r.err = r.fin.finish(r.ctx, cause)
	})
	return r.err
}
