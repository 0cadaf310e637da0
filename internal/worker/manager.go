package worker

import (
	"context"
	"time"

	"pachat/internal/config"
	"pachat/internal/metrics"

	"go.uber.org/zap"
)

// DispatcherConfig sizes the worker pool and its intake queue.
type DispatcherConfig struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
}

// ConfigFrom reads the pool settings from the basic config section.
func ConfigFrom(cfg config.BasicConfig) DispatcherConfig {
	return DispatcherConfig{
		MinWorkers:  cfg.MinWorkers,
		MaxWorkers:  cfg.MaxWorkers,
		QueueSize:   cfg.QueueSize,
		IdleTimeout: time.Duration(cfg.WorkerIdleTimeout) * time.Minute,
	}
}

// Manager runs pipeline work on a bounded pool. Work for one thread is
// serialized in submission order; different threads run concurrently.
type Manager struct {
	dispatcher *Dispatcher
	logger     *zap.Logger
}

func NewManager(cfg DispatcherConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &Manager{
		dispatcher: NewDispatcher(cfg.MinWorkers, cfg.MaxWorkers, cfg.QueueSize, cfg.IdleTimeout, logger),
		logger:     logger,
	}
}

// Do queues fn for threadID and waits for it. If ctx ends first Do returns
// ctx.Err() and fn is skipped unless it already started.
func (m *Manager) Do(ctx context.Context, threadID int64, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	job := Job{Type: Run, ThreadID: threadID, ctx: ctx, fn: fn, done: done}

	select {
	case <-m.dispatcher.quit:
		return ErrStopped
	default:
	}
	select {
	case m.dispatcher.JobQueue <- job:
		metrics.QueuedJobs.Inc()
	default:
		m.logger.Warn("job queue full", zap.Int64("thread_id", threadID))
		return ErrQueueFull
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel drops queued work for a thread, e.g. when it is deleted.
func (m *Manager) Cancel(threadID int64) {
	if n := m.dispatcher.CancelThread(threadID); n > 0 {
		m.logger.Info("queued jobs canceled", zap.Int64("thread_id", threadID), zap.Int("count", n))
	}
}

// Stop shuts the pool down. Queued jobs fail with ErrStopped.
func (m *Manager) Stop() {
	m.dispatcher.Close()
}
