package worker

import (
	"fmt"

	"go.uber.org/zap"
)

type Worker struct {
	id         int
	pool       *jobChannelPool
	jobChannel chan Job
}

func NewWorker(id int, pool *jobChannelPool) *Worker {
	return &Worker{
		id:         id,
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

func (w *Worker) Start() {
	go func() {
		for {
			if !w.pool.Release(w.jobChannel) {
				w.pool.retire(w.jobChannel)
				return
			}
			job := <-w.jobChannel
			if job.Type == Stop {
				w.pool.retire(w.jobChannel)
				return
			}
			w.pool.onDone(job, w.execute(job))
		}
	}()
}

// execute runs the job unless its caller already gave up on it.
func (w *Worker) execute(job Job) (err error) {
	if job.ctx != nil {
		if err := job.ctx.Err(); err != nil {
			return err
		}
	}
	defer func() {
		if r := recover(); r != nil {
			w.pool.logger.Error("job panicked", zap.Int("worker", w.id), zap.Int64("thread_id", job.ThreadID), zap.Any("panic", r))
			err = fmt.Errorf("job for thread %d panicked: %v", job.ThreadID, r)
		}
	}()
	return job.fn(job.ctx)
}
