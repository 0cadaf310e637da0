package worker

import (
	"context"
	"errors"
)

// JobType selects what a worker does with a job.
type JobType int

const (
	Run JobType = iota
	Stop
)

var (
	ErrQueueFull = errors.New("job queue full")
	ErrCanceled  = errors.New("job canceled")
	ErrStopped   = errors.New("worker manager stopped")
)

// Job is one unit of work bound to a thread. Jobs of the same thread run
// one at a time in submission order.
type Job struct {
	Type     JobType
	ThreadID int64
	ctx      context.Context
	fn       func(ctx context.Context) error
	done     chan error
}

func (job Job) finish(err error) {
	if job.done != nil {
		job.done <- err
	}
}
