package pipeline

import (
	"errors"
	"fmt"
)

var (
	ErrThreadNotFound    = errors.New("thread not found")
	ErrNoPendingApproval = errors.New("no pending approval for thread")
	ErrApprovalPending   = errors.New("thread is waiting for approval")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrUnsafeQuery       = errors.New("unsafe query")
)

// CapabilityError is a failed text-generation or query-execution call.
type CapabilityError struct {
	Node       Node
	Capability string
	Err        error
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("%s: %s capability failed: %v", e.Node, e.Capability, e.Err)
}

func (e *CapabilityError) Unwrap() error { return e.Err }

// PersistenceError means the run could not be made durable.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Error kinds reported to callers.
const (
	KindCapabilityFailure  = "capability_failure"
	KindUnsafeQuery        = "unsafe_query"
	KindNotFound           = "not_found"
	KindPersistenceFailure = "persistence_failure"
	KindConflict           = "conflict"
	KindInvalidRequest     = "invalid_request"
	KindInternal           = "internal"
)

// Classify maps err to a stable kind string.
func Classify(err error) string {
	var (
		unsafe      *UnsafeQueryError
		capability  *CapabilityError
		persistence *PersistenceError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &unsafe):
		return KindUnsafeQuery
	case errors.As(err, &capability):
		return KindCapabilityFailure
	case errors.As(err, &persistence):
		return KindPersistenceFailure
	case errors.Is(err, ErrThreadNotFound), errors.Is(err, ErrNoPendingApproval):
		return KindNotFound
	case errors.Is(err, ErrApprovalPending):
		return KindConflict
	case errors.Is(err, ErrInvalidRequest):
		return KindInvalidRequest
	default:
		return KindInternal
	}
}
