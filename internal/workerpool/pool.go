package workerpool

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/beacon-analytics/beacon/go/orchestrator/internal/metrics"
)

// Job is one unit of pipeline work. A job returning an error is routed
// to the supervisor; it never takes down a worker.
type Job func(ctx context.Context) error

// Pool is a fixed-size supervised worker pool. Worker panics are
// recovered and converted to errors on the supervisor channel, so a
// single bad query cannot reduce pool capacity.
type Pool struct {
	logger *zap.Logger
	jobs   chan Job
	errs   chan error
	wg     sync.WaitGroup
	cancel context.CancelFunc
	once   sync.Once

	// mu excludes in-flight Submit sends while Shutdown closes jobs.
	mu      sync.RWMutex
	stopped bool
}

// New starts workers goroutines plus a supervisor draining the error
// channel. Close the pool with Shutdown.
func New(workers, queueDepth int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queueDepth <= 0 {
		queueDepth = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		logger: logger,
		jobs:   make(chan Job, queueDepth),
		errs:   make(chan error, workers),
		cancel: cancel,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	go p.supervise()
	return p
}

// Submit enqueues a job, returning an error when the queue is full or
// the pool is shutting down. Submit never blocks the caller.
func (p *Pool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return fmt.Errorf("workerpool: shutting down")
	}
	select {
	case p.jobs <- job:
		metrics.WorkerPoolDepth.Set(float64(len(p.jobs)))
		return nil
	default:
		return fmt.Errorf("workerpool: queue full")
	}
}

// Shutdown stops intake, cancels in-flight job contexts, and waits for
// workers to exit. The write lock waits out any Submit mid-send before
// jobs is closed.
func (p *Pool) Shutdown() {
	p.once.Do(func() {
		p.mu.Lock()
		p.stopped = true
		p.mu.Unlock()
		close(p.jobs)
		p.wg.Wait()
		p.cancel()
		close(p.errs)
	})
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for job := range p.jobs {
		metrics.WorkerPoolDepth.Set(float64(len(p.jobs)))
		p.run(ctx, id, job)
	}
}

func (p *Pool) run(ctx context.Context, id int, job Job) {
	defer func() {
		if r := recover(); r != nil {
			metrics.WorkerPoolPanics.Inc()
			p.errs <- fmt.Errorf("worker %d panic: %v\n%s", id, r, debug.Stack())
		}
	}()
	if err := job(ctx); err != nil {
		select {
		case p.errs <- err:
		default:
			p.logger.Error("supervisor channel full, dropping job error", zap.Error(err))
		}
	}
}

// supervise logs every error the workers surface. Errors here are
// already reflected in the query's degraded answer; the supervisor's
// job is operator visibility.
func (p *Pool) supervise() {
	for err := range p.errs {
		p.logger.Error("pipeline job failed", zap.Error(err))
	}
}
