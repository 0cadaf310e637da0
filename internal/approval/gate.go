package approval

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrAlreadyPending is returned when a thread already waits on a decision.
	ErrAlreadyPending = errors.New("approval already pending")
	// ErrNotPending is returned when no pending request matches.
	ErrNotPending = errors.New("no pending approval")
)

// Request is the single pending decision slot of a thread.
type Request struct {
	ThreadID  int64     `json:"thread_id"`
	RequestID string    `json:"request_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Gate holds at most one pending approval per thread. A second Open for the
// same thread is rejected instead of replacing the first.
type Gate interface {
	Open(ctx context.Context, req Request) error
	// Take removes and returns the pending request. An empty requestID
	// matches whatever is pending.
	Take(ctx context.Context, threadID int64, requestID string) (Request, error)
	Pending(ctx context.Context, threadID int64) (Request, bool, error)
	Discard(ctx context.Context, threadID int64) error
}

func matches(req Request, requestID string) bool {
	return requestID == "" || req.RequestID == requestID
}
