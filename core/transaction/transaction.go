package transaction

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	internaltelemetry "github.com/sushant-115/gojodata/internal/telemetry"
	"github.com/sushant-115/gojodata/pkg/connection"
	"go.uber.org/zap"
)

// State is the lifecycle state of a shared transaction.
type State int

const (
	StateCreated    State = iota // Registered, native transaction not begun yet
	StateActive                  // Native transaction begun, steps are running
	StateCommitted               // All declared steps completed and the commit succeeded
	StateRolledBack              // A step failed, or begin/commit failed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled_back"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Conn is the connection capability a Transaction owns exclusively.
type Conn interface {
	Open(ctx context.Context) error
	Close() error
	State() connection.State
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Transaction is one shared, step-counted transaction. Steps issued from any
// number of call sites run on its native transaction; the Steps-th completed
// step commits it and any failed step rolls it back. A Transaction is never
// reused once finished: the next reference to its key creates a new one.
type Transaction struct {
	id       string
	desc     Descriptor
	conn     Conn
	registry *Registry // not owned; used to release the key when finished
	logger   *zap.Logger
	metrics  *internaltelemetry.TxnMetrics

	// ready is closed once Begin has settled, successfully or not.
	ready     chan struct{}
	readyOnce sync.Once

	mu        sync.Mutex
	tx        *sql.Tx
	state     State
	completed int
	beganAt   time.Time
}

// New creates a transaction for d owning conn. It is not registered: the
// caller publishes it with Registry.InsertIfAbsent and begins it only if
// the insert won.
func New(registry *Registry, conn Conn, d Descriptor) *Transaction {
	id := uuid.NewString()
	return &Transaction{
		id:       id,
		desc:     d,
		conn:     conn,
		registry: registry,
		logger:   registry.logger.Named("txn").With(zap.String("key", d.Key), zap.String("txn_id", id)),
		metrics:  registry.metrics,
		ready:    make(chan struct{}),
	}
}

func (t *Transaction) ID() string             { return t.id }
func (t *Transaction) Key() string            { return t.desc.Key }
func (t *Transaction) Descriptor() Descriptor { return t.desc }

func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Finished reports whether t has committed or rolled back.
func (t *Transaction) Finished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == StateCommitted || t.state == StateRolledBack
}

// Steps returns how many steps completed so far and how many were declared.
func (t *Transaction) Steps() (completed, declared int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed, t.desc.Steps
}

// Begin opens the owner connection if needed and starts the native
// transaction at level. On failure the transaction is finished and its key
// released, so waiting joiners see ErrTransactionDone.
func (t *Transaction) Begin(ctx context.Context, level IsolationLevel) (*sql.Tx, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	defer t.markReady()

	if t.state != StateCreated {
		return nil, fmt.Errorf("%w: cannot begin %s transaction %q", ErrTransactionDone, t.state, t.desc.Key)
	}

	if t.conn.State() != connection.StateOpen {
		if err := t.conn.Open(ctx); err != nil {
			t.logCloseErr(t.finishLocked(StateRolledBack))
			return nil, fmt.Errorf("%w: key %q: %w", ErrConnectivity, t.desc.Key, err)
		}
	}

	// The native transaction outlives the step that begins it and must not
	// be rolled back when that step's context is done.
	tx, err := t.conn.BeginTx(context.WithoutCancel(ctx), level.TxOptions())
	if err != nil {
		t.logCloseErr(t.finishLocked(StateRolledBack))
		return nil, fmt.Errorf("%w: begin %q: %w", ErrCommand, t.desc.Key, err)
	}

	t.tx = tx
	t.state = StateActive
	t.beganAt = time.Now()
	t.metrics.TxnBegun(ctx)
	t.logger.Info("transaction begun",
		zap.Stringer("isolation", level),
		zap.Int("steps", t.desc.Steps),
		zap.String("description", t.desc.Description))
	return tx, nil
}

// Attach returns the native transaction for a step joining t. It waits for
// the step that won the registration to finish Begin.
func (t *Transaction) Attach(ctx context.Context) (*sql.Tx, error) {
	select {
	case <-t.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateActive {
		return nil, fmt.Errorf("%w: %q is %s", ErrTransactionDone, t.desc.Key, t.state)
	}
	return t.tx, nil
}

// RecordStepCompletion counts one successful step. The step that brings the
// count to the declared total commits, closes the owner connection and
// releases the key. Concurrent completions are serialized, so the commit
// happens exactly once.
func (t *Transaction) RecordStepCompletion(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateActive {
		return fmt.Errorf("%w: cannot complete a step of %s transaction %q", ErrTransactionDone, t.state, t.desc.Key)
	}

	t.completed++
	t.metrics.StepCompleted(ctx)
	t.logger.Debug("step completed", zap.Int("step", t.completed), zap.Int("steps", t.desc.Steps))
	if t.completed < t.desc.Steps {
		return nil
	}

	if err := t.tx.Commit(); err != nil {
		t.metrics.TxnFinished(ctx, false)
		t.logCloseErr(t.finishLocked(StateRolledBack))
		t.logger.Error("commit failed", zap.Error(err))
		return fmt.Errorf("%w: key %q: %w", ErrCommit, t.desc.Key, err)
	}

	t.metrics.TxnFinished(ctx, true)
	closeErr := t.finishLocked(StateCommitted)
	t.logger.Info("transaction committed",
		zap.Int("steps", t.completed),
		zap.Duration("elapsed", time.Since(t.beganAt)))
	return closeErr
}

// Abort rolls back the native transaction, closes the owner connection and
// releases the key. Aborting a finished transaction is a no-op. The returned
// error reports rollback or close failures only; cause is logged, never
// replaced.
func (t *Transaction) Abort(ctx context.Context, cause error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == StateCommitted || t.state == StateRolledBack {
		return nil
	}

	var errs []error
	wasActive := t.state == StateActive
	if t.tx != nil {
		if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			errs = append(errs, fmt.Errorf("%w: key %q: %w", ErrRollback, t.desc.Key, err))
		}
	}
	if err := t.finishLocked(StateRolledBack); err != nil {
		errs = append(errs, err)
	}
	if wasActive {
		t.metrics.TxnFinished(ctx, false)
	}

	t.logger.Warn("transaction rolled back",
		zap.Int("completed", t.completed),
		zap.Int("steps", t.desc.Steps),
		zap.NamedError("cause", cause))
	return errors.Join(errs...)
}

// finishLocked settles t in state, closes the owner connection and releases
// the key. t.mu must be held.
func (t *Transaction) finishLocked(state State) error {
	t.state = state
	if state == StateRolledBack {
		t.tx = nil
	}
	closeErr := t.conn.Close()
	t.registry.release(t.desc.Key, t)
	t.markReady()
	if closeErr != nil {
		return fmt.Errorf("%w: key %q: %w", ErrConnectivity, t.desc.Key, closeErr)
	}
	return nil
}

func (t *Transaction) markReady() {
	t.readyOnce.Do(func() { close(t.ready) })
}

func (t *Transaction) logCloseErr(err error) {
	if err != nil {
		t.logger.Error("failed to close transaction connection", zap.Error(err))
	}
}
