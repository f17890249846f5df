// Package executor runs database operations either standalone, on a
// connection of their own, or as one step of the shared transaction named by
// the descriptor resolved from the caller's context.
package executor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sushant-115/gojodata/core/transaction"
	commonutils "github.com/sushant-115/gojodata/internal/common_utils"
	internaltelemetry "github.com/sushant-115/gojodata/internal/telemetry"
	"github.com/sushant-115/gojodata/pkg/connection"
	"github.com/sushant-115/gojodata/pkg/logger"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// ConnectionSource creates closed connections. *connection.Source is the
// usual implementation. If the source also has a Driver() string method, the
// placeholder style is derived from it.
type ConnectionSource interface {
	NewConnection() *connection.Connection
}

// Executor issues operations. It is safe for concurrent use; every Executor
// sharing one Registry shares its transactions.
type Executor struct {
	source   ConnectionSource
	registry *transaction.Registry
	resolver transaction.Resolver
	style    PlaceholderStyle
	styleSet bool
	logger   *zap.Logger
	metrics  *internaltelemetry.TxnMetrics
	tracer   trace.Tracer
}

type Option func(*Executor)

// WithRegistry shares an existing registry. Without it the executor gets a
// registry of its own.
func WithRegistry(r *transaction.Registry) Option {
	return func(e *Executor) { e.registry = r }
}

// WithResolver sets how descriptors are found for a call. The default only
// honours descriptors attached with transaction.WithDescriptor.
func WithResolver(r transaction.Resolver) Option {
	return func(e *Executor) { e.resolver = r }
}

func WithPlaceholderStyle(style PlaceholderStyle) Option {
	return func(e *Executor) {
		e.style = style
		e.styleSet = true
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

func WithMetrics(metrics *internaltelemetry.TxnMetrics) Option {
	return func(e *Executor) { e.metrics = metrics }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Executor) { e.tracer = tracer }
}

func New(source ConnectionSource, opts ...Option) *Executor {
	e := &Executor{source: source}
	for _, opt := range opts {
		opt(e)
	}

	e.logger = logger.Or(e.logger)
	if e.metrics == nil {
		e.metrics = internaltelemetry.NewNopTxnMetrics()
	}
	if e.tracer == nil {
		e.tracer = noop.NewTracerProvider().Tracer("")
	}
	if e.resolver == nil {
		e.resolver = transaction.ContextResolver{}
	}
	if e.registry == nil {
		e.registry = transaction.NewRegistry(
			transaction.WithLogger(e.logger),
			transaction.WithMetrics(e.metrics))
	}
	if !e.styleSet {
		if d, ok := source.(interface{ Driver() string }); ok {
			e.style = PlaceholderFor(d.Driver())
		}
	}
	e.logger = e.logger.Named("executor")
	return e
}

func (e *Executor) Registry() *transaction.Registry { return e.registry }
func (e *Executor) Resolver() transaction.Resolver  { return e.resolver }

// ExecuteNonQuery runs a statement and returns the number of affected rows.
func (e *Executor) ExecuteNonQuery(ctx context.Context, text string, kind CommandKind, args ...any) (int64, error) {
	return execute(ctx, e, "non_query", Command{Text: text, Kind: kind, Args: args}, nonQuery)
}

// ExecuteScalar returns the first column of the first row, or nil when the
// command returns no rows.
func (e *Executor) ExecuteScalar(ctx context.Context, text string, kind CommandKind, args ...any) (any, error) {
	return execute(ctx, e, "scalar", Command{Text: text, Kind: kind, Args: args}, scalar)
}

// ExecuteReader returns an open cursor over the command's rows. The
// operation finishes when the reader is closed.
func (e *Executor) ExecuteReader(ctx context.Context, text string, kind CommandKind, args ...any) (*Reader, error) {
	return execute(ctx, e, "reader", Command{Text: text, Kind: kind, Args: args}, e.reader)
}

// ExecuteTable reads the first result set into memory.
func (e *Executor) ExecuteTable(ctx context.Context, text string, kind CommandKind, args ...any) (*Table, error) {
	return execute(ctx, e, "table", Command{Text: text, Kind: kind, Args: args}, table)
}

// ExecuteRowSet reads every result set into memory.
func (e *Executor) ExecuteRowSet(ctx context.Context, text string, kind CommandKind, args ...any) (*RowSet, error) {
	return execute(ctx, e, "row_set", Command{Text: text, Kind: kind, Args: args}, rowSet)
}

// --- Operation plumbing ---

// querier is what an operation runs on: a standalone *connection.Connection
// or the *sql.Tx of a shared transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// runFunc performs one operation. When it returns deferred=true the result
// owns fin and finishes the operation later (see Reader.Close).
type runFunc[T any] func(ctx context.Context, q querier, query string, args []any, fin finisher) (result T, deferred bool, err error)

// finisher ends an operation: err is nil on success, the failure otherwise.
// It returns the error the caller should see. settled reports whether the
// operation's shared transaction already finished without it.
type finisher interface {
	finish(ctx context.Context, err error) error
	settled() bool
}

type standaloneFinisher struct {
	conn   *connection.Connection
	logger *zap.Logger
}

func (standaloneFinisher) settled() bool { return false }

func (f standaloneFinisher) finish(_ context.Context, err error) error {
	closeErr := f.conn.Close()
	if err != nil {
		if closeErr != nil {
			f.logger.Error("failed to close connection after failed operation", zap.Error(closeErr))
		}
		return err
	}
	if closeErr != nil {
		return fmt.Errorf("%w: %w", transaction.ErrConnectivity, closeErr)
	}
	return nil
}

type stepFinisher struct {
	e   *Executor
	txn *transaction.Transaction
}

func (f stepFinisher) settled() bool { return f.txn.Finished() }

func (f stepFinisher) finish(ctx context.Context, err error) error {
	if err != nil {
		f.e.abort(ctx, f.txn, err)
		return err
	}
	return f.txn.RecordStepCompletion(ctx)
}

func execute[T any](ctx context.Context, e *Executor, op string, cmd Command, run runFunc[T]) (T, error) {
	var zero T
	start := time.Now()

	d, transactional, err := e.resolve(ctx)
	mode := internaltelemetry.ModeStandalone
	if transactional {
		mode = internaltelemetry.ModeTransactional
	}

	ctx, span := e.tracer.Start(ctx, "gojodata."+op, trace.WithAttributes(
		attribute.String("db.operation", op),
		attribute.String("gojodata.mode", mode),
		attribute.String("gojodata.key", d.Key),
	))
	defer span.End()

	callSite, ok := transaction.CallSiteFromContext(ctx)
	if !ok && e.logger.Core().Enabled(zap.DebugLevel) {
		callSite = commonutils.CallerName(3)
	}
	log := e.logger.With(zap.String("op", op), zap.String("mode", mode), zap.String("call_site", callSite))
	if transactional {
		log = log.With(zap.String("key", d.Key))
	}

	var query string
	if err == nil {
		query, err = cmd.SQL(e.style)
	}

	var result T
	if err == nil {
		log.Debug("operation started", zap.Stringer("kind", cmd.Kind))
		if transactional {
			result, err = runStep(ctx, e, d, query, cmd.Args, run)
		} else {
			result, err = runStandalone(ctx, e, query, cmd.Args, run)
		}
	}

	elapsed := time.Since(start)
	e.metrics.RecordOp(ctx, op, mode, elapsed, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Debug("operation failed", zap.Duration("elapsed", elapsed), zap.Error(err))
		return zero, err
	}
	log.Debug("operation finished", zap.Duration("elapsed", elapsed))
	return result, nil
}

// resolve reports the descriptor of the call and whether the operation runs
// as a step of its shared transaction.
func (e *Executor) resolve(ctx context.Context) (transaction.Descriptor, bool, error) {
	d, ok := e.resolver.Resolve(ctx)
	if !ok || !d.Participates {
		return d, false, nil
	}
	if err := d.Validate(); err != nil {
		return d, false, err
	}
	if d.Steps == 0 {
		e.logger.Warn("descriptor declares zero steps, running standalone", zap.String("key", d.Key))
		return d, false, nil
	}
	return d, true, nil
}

func runStandalone[T any](ctx context.Context, e *Executor, query string, args []any, run runFunc[T]) (T, error) {
	var zero T
	conn := e.source.NewConnection()
	if err := conn.Open(ctx); err != nil {
		return zero, fmt.Errorf("%w: %w", transaction.ErrConnectivity, err)
	}
	return complete(ctx, conn, query, args, run, standaloneFinisher{conn: conn, logger: e.logger})
}

func runStep[T any](ctx context.Context, e *Executor, d transaction.Descriptor, query string, args []any, run runFunc[T]) (T, error) {
	var zero T
	txn, tx, err := e.join(ctx, d)
	if err != nil {
		return zero, err
	}
	return complete(ctx, tx, query, args, run, stepFinisher{e: e, txn: txn})
}

func complete[T any](ctx context.Context, q querier, query string, args []any, run runFunc[T], fin finisher) (T, error) {
	var zero T
	result, deferred, err := run(ctx, q, query, args, fin)
	if err != nil {
		return zero, fin.finish(ctx, err)
	}
	if deferred {
		return result, nil
	}
	if err := fin.finish(ctx, nil); err != nil {
		return zero, err
	}
	return result, nil
}

// join returns the shared transaction for d.Key and its native handle,
// beginning a new one when the key has none. A transaction that finishes
// while we wait to attach is skipped: the key is resolved again and the
// next generation is joined or started.
func (e *Executor) join(ctx context.Context, d transaction.Descriptor) (*transaction.Transaction, *sql.Tx, error) {
	for {
		txn, tx, err := e.acquire(ctx, d)
		if errors.Is(err, transaction.ErrTransactionDone) && ctx.Err() == nil {
			e.logger.Debug("shared transaction finished before attach, retrying", zap.String("key", d.Key))
			continue
		}
		return txn, tx, err
	}
}

func (e *Executor) acquire(ctx context.Context, d transaction.Descriptor) (*transaction.Transaction, *sql.Tx, error) {
	if txn, ok := e.registry.Get(d.Key); ok {
		return e.attach(ctx, txn, d)
	}

	candidate := transaction.New(e.registry, e.source.NewConnection(), d)
	txn, inserted := e.registry.InsertIfAbsent(d.Key, candidate)
	if !inserted {
		// The candidate never opened its connection; drop it.
		return e.attach(ctx, txn, d)
	}

	tx, err := txn.Begin(ctx, d.Isolation)
	if err != nil {
		return nil, nil, err
	}
	return txn, tx, nil
}

func (e *Executor) attach(ctx context.Context, txn *transaction.Transaction, d transaction.Descriptor) (*transaction.Transaction, *sql.Tx, error) {
	if resident := txn.Descriptor(); !resident.Agrees(d) {
		e.logger.Warn("descriptor disagrees with the running transaction, using the running one",
			zap.String("key", d.Key),
			zap.Int("steps", resident.Steps),
			zap.Int("requested_steps", d.Steps),
			zap.Stringer("isolation", resident.Isolation),
			zap.Stringer("requested_isolation", d.Isolation))
	}

	tx, err := txn.Attach(ctx)
	if err != nil {
		if !errors.Is(err, transaction.ErrTransactionDone) {
			// The step failed before running; the shared transaction must not commit without it.
			e.abort(ctx, txn, err)
		}
		return nil, nil, err
	}
	return txn, tx, nil
}

// abort rolls txn back after a failed step. Rollback failures are logged so
// that the step's own error reaches the caller unchanged.
func (e *Executor) abort(ctx context.Context, txn *transaction.Transaction, cause error) {
	if err := txn.Abort(context.WithoutCancel(ctx), cause); err != nil {
		e.logger.Error("failed to abort shared transaction",
			zap.String("key", txn.Key()),
			zap.String("txn_id", txn.ID()),
			zap.NamedError("cause", cause),
			zap.Error(err))
	}
}

// --- Operations ---

func commandErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", transaction.ErrCommand, op, err)
}

func nonQuery(ctx context.Context, q querier, query string, args []any, _ finisher) (int64, bool, error) {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, false, commandErr("exec", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, commandErr("rows affected", err)
	}
	return n, false, nil
}

func scalar(ctx context.Context, q querier, query string, args []any, _ finisher) (any, bool, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, commandErr("query", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, false, commandErr("columns", err)
	}
	if len(cols) == 0 || !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, false, commandErr("query", err)
		}
		if err := rows.Close(); err != nil {
			return nil, false, commandErr("close rows", err)
		}
		return nil, false, nil
	}

	values := make([]any, len(cols))
	dest := make([]any, len(cols))
	for i := range values {
		dest[i] = &values[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, false, commandErr("scan", err)
	}
	// Close before the step completes; a commit waits for open rows.
	if err := rows.Close(); err != nil {
		return nil, false, commandErr("close rows", err)
	}
	return values[0], false, nil
}

func (e *Executor) reader(ctx context.Context, q querier, query string, args []any, fin finisher) (*Reader, bool, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, commandErr("query", err)
	}
	return newReader(ctx, rows, fin, e.logger), true, nil
}

func table(ctx context.Context, q querier, query string, args []any, _ finisher) (*Table, bool, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, commandErr("query", err)
	}
	defer rows.Close()

	t, err := readTable(rows)
	if err != nil {
		return nil, false, commandErr("read table", err)
	}
	if err := rows.Close(); err != nil {
		return nil, false, commandErr("close rows", err)
	}
	return t, false, nil
}

func rowSet(ctx context.Context, q querier, query string, args []any, _ finisher) (*RowSet, bool, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, commandErr("query", err)
	}
	defer rows.Close()

	set := &RowSet{}
	for {
		t, err := readTable(rows)
		if err != nil {
			return nil, false, commandErr("read result set", err)
		}
		set.Tables = append(set.Tables, t)
		if !rows.NextResultSet() {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, false, commandErr("read result set", err)
	}
	if err := rows.Close(); err != nil {
		return nil, false, commandErr("close rows", err)
	}
	return set, false, nil
}
