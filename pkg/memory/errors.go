package memory

import (
	"errors"
	"fmt"
)

// Sentinel errors for signal degradation. The retriever drops the affected
// signal and continues rather than failing the call.
var (
	// ErrEmbeddingUnavailable means the embedding service could not be
	// reached; callers drop the semantic signal.
	ErrEmbeddingUnavailable = errors.New("embedding service unavailable")

	// ErrSignalTimeout means a retrieval signal exceeded its deadline.
	ErrSignalTimeout = errors.New("signal timed out")

	// ErrNotFound means a record id has no row in the store.
	ErrNotFound = errors.New("memory record not found")

	// ErrVersionConflict means an optimistic update lost a race and should
	// be retried by the next sweep.
	ErrVersionConflict = errors.New("concurrent update conflict")
)

// ValidationError rejects a single malformed record without affecting
// other operations.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid memory record: %s: %s", e.Field, e.Reason)
}

// TransientStoreError wraps a store failure that is worth a bounded retry
// before degrading.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("transient store error in %s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

// InvariantViolation marks an operation the API must make structurally
// impossible, such as an attempted hard delete or an illegal status
// transition. Seeing one is a bug, not an operational condition.
type InvariantViolation struct {
	Invariant string
	Detail    string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation (%s): %s", e.Invariant, e.Detail)
}
