package transaction

import "errors"

// --- Error Kinds ---
// Errors returned by this package and by the executor wrap one of the kinds
// below together with the native driver error, so both errors.Is checks hold.

var (
	ErrConnectivity = errors.New("connectivity error")
	ErrCommand      = errors.New("command error")
	ErrCommit       = errors.New("commit error")
	ErrRollback     = errors.New("rollback error")

	// ErrTransactionDone is returned when joining or completing a step of a
	// transaction that has already committed or rolled back.
	ErrTransactionDone = errors.New("transaction already finished")
	// ErrInvalidDescriptor rejects descriptors with an empty key or negative steps.
	ErrInvalidDescriptor = errors.New("invalid transaction descriptor")
	// ErrDuplicateCallSite is returned when a catalog already holds a call site.
	ErrDuplicateCallSite = errors.New("call site already registered")
)
