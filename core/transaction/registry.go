package transaction

import (
	"sync"

	internaltelemetry "github.com/sushant-115/gojodata/internal/telemetry"
	"github.com/sushant-115/gojodata/pkg/logger"
	"go.uber.org/zap"
)

// Registry tracks the live shared transaction of every key. An entry exists
// only while its transaction is created or active. There is one Registry per
// process, created at startup and shared by every Executor.
type Registry struct {
	mu   sync.RWMutex
	txns map[string]*Transaction

	logger  *zap.Logger
	metrics *internaltelemetry.TxnMetrics
}

type RegistryOption func(*Registry)

// WithLogger sets the logger handed to every transaction of the registry.
func WithLogger(l *zap.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger.Or(l) }
}

func WithMetrics(metrics *internaltelemetry.TxnMetrics) RegistryOption {
	return func(r *Registry) {
		if metrics != nil {
			r.metrics = metrics
		}
	}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		txns:    make(map[string]*Transaction),
		logger:  zap.NewNop(),
		metrics: internaltelemetry.NewNopTxnMetrics(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("registry")
	return r
}

// Get returns the live transaction for key, if any.
func (r *Registry) Get(key string) (*Transaction, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.txns[key]
	return t, ok
}

// InsertIfAbsent registers t under key unless key already has a live
// transaction. It returns the resident transaction and whether it is t.
// Of any number of callers racing on one key, exactly one inserts.
func (r *Registry) InsertIfAbsent(key string, t *Transaction) (*Transaction, bool) {
	// Double-check under the write lock; the fast path only reads.
	r.mu.RLock()
	resident, ok := r.txns[key]
	r.mu.RUnlock()
	if ok {
		return resident, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if resident, ok := r.txns[key]; ok {
		return resident, false
	}
	r.txns[key] = t
	r.logger.Debug("transaction registered", zap.String("key", key), zap.String("txn_id", t.ID()))
	return t, true
}

// Remove drops the entry for key. Removing an absent key is a no-op.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.txns, key)
}

// release drops the entry for key only while it still holds t, so a
// finished transaction never removes a newer one registered under its key.
func (r *Registry) release(key string, t *Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.txns[key] == t {
		delete(r.txns, key)
		r.logger.Debug("transaction released", zap.String("key", key), zap.String("txn_id", t.ID()))
	}
}

// Len is the number of live transactions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.txns)
}
