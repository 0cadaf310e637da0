package worker

import (
	"container/list"
	"sync"
	"time"

	"pachat/internal/metrics"

	"go.uber.org/zap"
)

type threadQueue struct {
	jobs     []Job
	enqueued bool // in the ready list
	running  bool // a job of this thread is on a worker
}

type Dispatcher struct {
	pool     *jobChannelPool
	JobQueue chan Job // interface for outer jobs get in the dispatcher
	logger   *zap.Logger

	mu        sync.Mutex
	queues    map[int64]*threadQueue // job queue for each thread
	ready     *list.List             // round-robin queue of thread IDs with runnable jobs
	positions map[int64]*list.Element
	wake      chan struct{}
	quit      chan struct{}
	closeOnce sync.Once
}

func NewDispatcher(minWorkers, maxWorkers, queueSize int, idleTimeout time.Duration, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		JobQueue:  make(chan Job, queueSize),
		logger:    logger,
		queues:    make(map[int64]*threadQueue),
		ready:     list.New(),
		positions: make(map[int64]*list.Element),
		wake:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
	}
	d.pool = newJobChannelPool(minWorkers, maxWorkers, idleTimeout, d.complete, logger)

	// Warm up workers.
	for i := 0; i < minWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

func (d *Dispatcher) run() {
	for {
		// dispatch one job of the thread in the front of the ready queue
		if !d.dispatchOne() {
			select {
			case job := <-d.JobQueue: // wait for new work
				d.enqueueJob(job)
			case <-d.wake: // a running job finished
			case <-d.quit:
				return
			}
			continue
		}
		select {
		case job := <-d.JobQueue: // non-congestion
			d.enqueueJob(job)
		default:
		}
	}
}

// Close stops dispatching. Queued jobs fail with ErrStopped.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.quit)
		d.pool.close()
		d.mu.Lock()
		defer d.mu.Unlock()
		for threadID, q := range d.queues {
			d.dropLocked(threadID, q, ErrStopped)
		}
		for {
			select {
			case job := <-d.JobQueue:
				metrics.QueuedJobs.Dec()
				job.finish(ErrStopped)
			default:
				return
			}
		}
	})
}

// CancelThread fails the queued jobs of a thread. A job already running is
// left to finish.
func (d *Dispatcher) CancelThread(threadID int64) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.queues[threadID]
	if !ok {
		return 0
	}
	return d.dropLocked(threadID, q, ErrCanceled)
}

func (d *Dispatcher) dropLocked(threadID int64, q *threadQueue, err error) int {
	n := len(q.jobs)
	for _, job := range q.jobs {
		metrics.QueuedJobs.Dec()
		job.finish(err)
	}
	q.jobs = nil
	if elem, ok := d.positions[threadID]; ok {
		d.ready.Remove(elem)
		delete(d.positions, threadID)
	}
	q.enqueued = false
	if !q.running {
		delete(d.queues, threadID)
	}
	return n
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.ThreadID]
	if q == nil {
		q = &threadQueue{}
		d.queues[job.ThreadID] = q
	}
	q.jobs = append(q.jobs, job)
	d.markReadyLocked(job.ThreadID, q)
}

func (d *Dispatcher) markReadyLocked(threadID int64, q *threadQueue) {
	if q.enqueued || q.running || len(q.jobs) == 0 {
		return
	}
	q.enqueued = true
	d.positions[threadID] = d.ready.PushBack(threadID)
}

// dispatchOne hands the next job of the first ready thread to a worker.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	threadID := elem.Value.(int64)
	q := d.queues[threadID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	// the thread leaves the ready list until its job completes
	q.enqueued = false
	q.running = true
	d.ready.Remove(elem)
	delete(d.positions, threadID)
	d.mu.Unlock()
	metrics.QueuedJobs.Dec()

	workerChan := d.pool.acquire()
	if workerChan == nil {
		d.complete(job, ErrStopped)
		return false
	}
	d.logger.Debug("dispatch job",
		zap.Int64("thread_id", threadID),
		zap.Int("worker", d.pool.workerID(workerChan)),
	)
	workerChan <- job
	return true
}

// complete releases the thread so its next job can run.
func (d *Dispatcher) complete(job Job, err error) {
	d.mu.Lock()
	if q, ok := d.queues[job.ThreadID]; ok {
		q.running = false
		if len(q.jobs) == 0 {
			delete(d.queues, job.ThreadID)
		} else {
			d.markReadyLocked(job.ThreadID, q)
		}
	}
	d.mu.Unlock()
	job.finish(err)

	select {
	case d.wake <- struct{}{}:
	default:
	}
}
