package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func newTestManager(t *testing.T, cfg DispatcherConfig) *Manager {
	t.Helper()
	m := NewManager(cfg, zaptest.NewLogger(t))
	t.Cleanup(m.Stop)
	return m
}

func TestDoReturnsJobError(t *testing.T) {
	m := newTestManager(t, DispatcherConfig{MinWorkers: 1, MaxWorkers: 2, QueueSize: 4})
	want := errors.New("boom")
	if err := m.Do(context.Background(), 1, func(context.Context) error { return want }); !errors.Is(err, want) {
		t.Fatalf("expected job error, got %v", err)
	}
	if err := m.Do(context.Background(), 1, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestJobsOfOneThreadRunSerially(t *testing.T) {
	m := newTestManager(t, DispatcherConfig{MinWorkers: 4, MaxWorkers: 4, QueueSize: 32})

	var (
		mu      sync.Mutex
		order   []int
		running int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.Do(context.Background(), 7, func(context.Context) error {
				if atomic.AddInt32(&running, 1) != 1 {
					t.Errorf("two jobs of one thread ran concurrently")
				}
				time.Sleep(2 * time.Millisecond)
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				atomic.AddInt32(&running, -1)
				return nil
			})
			if err != nil {
				t.Errorf("do: %v", err)
			}
		}()
	}
	wg.Wait()
	if len(order) != 10 {
		t.Fatalf("expected 10 jobs, got %d", len(order))
	}
}

func TestThreadsRunConcurrently(t *testing.T) {
	m := newTestManager(t, DispatcherConfig{MinWorkers: 2, MaxWorkers: 2, QueueSize: 8})

	release := make(chan struct{})
	started := make(chan int64, 2)
	var wg sync.WaitGroup
	for _, id := range []int64{1, 2} {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			m.Do(context.Background(), id, func(context.Context) error {
				started <- id
				<-release
				return nil
			})
		}(id)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatalf("jobs of different threads did not run concurrently")
		}
	}
	close(release)
	wg.Wait()
}

func TestSameThreadWaitsForRunningJob(t *testing.T) {
	m := newTestManager(t, DispatcherConfig{MinWorkers: 2, MaxWorkers: 2, QueueSize: 8})

	release := make(chan struct{})
	firstStarted := make(chan struct{})
	secondRan := make(chan struct{})
	go m.Do(context.Background(), 3, func(context.Context) error {
		close(firstStarted)
		<-release
		return nil
	})
	<-firstStarted
	go m.Do(context.Background(), 3, func(context.Context) error {
		close(secondRan)
		return nil
	})

	select {
	case <-secondRan:
		t.Fatalf("second job ran while the first was still running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case <-secondRan:
	case <-time.After(2 * time.Second):
		t.Fatalf("second job never ran")
	}
}

func TestCancelDropsQueuedJobs(t *testing.T) {
	m := newTestManager(t, DispatcherConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 8})

	release := make(chan struct{})
	started := make(chan struct{})
	go m.Do(context.Background(), 5, func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	result := make(chan error, 1)
	go func() {
		result <- m.Do(context.Background(), 5, func(context.Context) error { return nil })
	}()
	// wait until the second job is queued behind the first
	deadline := time.Now().Add(2 * time.Second)
	for {
		m.dispatcher.mu.Lock()
		q := m.dispatcher.queues[5]
		queued := q != nil && len(q.jobs) == 1
		m.dispatcher.mu.Unlock()
		if queued {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("second job was never queued")
		}
		time.Sleep(time.Millisecond)
	}

	m.Cancel(5)
	if err := <-result; !errors.Is(err, ErrCanceled) {
		t.Fatalf("expected ErrCanceled, got %v", err)
	}
	close(release)
}

func TestDoHonorsContext(t *testing.T) {
	m := newTestManager(t, DispatcherConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 8})

	release := make(chan struct{})
	started := make(chan struct{})
	go m.Do(context.Background(), 9, func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	var ran atomic.Bool
	err := m.Do(ctx, 9, func(context.Context) error {
		ran.Store(true)
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	close(release)
	// the abandoned job is skipped once it reaches a worker
	done := make(chan struct{})
	go func() {
		m.Do(context.Background(), 9, func(context.Context) error { return nil })
		close(done)
	}()
	<-done
	if ran.Load() {
		t.Fatalf("job ran after its caller gave up")
	}
}

func TestPanicBecomesError(t *testing.T) {
	m := newTestManager(t, DispatcherConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 4})
	err := m.Do(context.Background(), 1, func(context.Context) error { panic("bad") })
	if err == nil {
		t.Fatalf("expected error from panicking job")
	}
	if err := m.Do(context.Background(), 1, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("worker did not survive panic: %v", err)
	}
}

func TestShutdownExpiredKeepsMinimum(t *testing.T) {
	p := newJobChannelPool(1, 3, time.Hour, func(Job, error) {}, zaptest.NewLogger(t))
	defer p.close()
	for i := 0; i < 3; i++ {
		p.spawnWorker()
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		p.mu.Lock()
		idle := len(p.idle)
		p.mu.Unlock()
		if idle == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("workers never became idle")
		}
		time.Sleep(time.Millisecond)
	}

	p.shutdownExpired(time.Now().Add(2 * time.Hour))
	deadline = time.Now().Add(2 * time.Second)
	for p.size() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 1 worker after expiry, got %d", p.size())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestStoppedManagerRejectsWork(t *testing.T) {
	m := NewManager(DispatcherConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 4}, zaptest.NewLogger(t))
	m.Stop()
	if err := m.Do(context.Background(), 1, func(context.Context) error { return nil }); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}
