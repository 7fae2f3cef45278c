package feeds

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"fedfeeds/pkg/federation"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultQueueSize          = 1024
	DefaultPropagationTimeout = 30 * time.Second
)

// Task is one unit of asynchronous propagation work
type Task func(ctx context.Context) error

type job struct {
	kind   string
	target string
	task   Task
}

// Dispatcher runs propagation tasks on a fixed set of workers fed by a
// bounded queue. Tasks are fire-and-forget: failures are logged and counted,
// never retried.
type Dispatcher struct {
	logger  *zap.Logger
	metrics *federation.Metrics
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	jobs   chan job

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group
}

// NewDispatcher starts workers goroutines. Non-positive arguments select the
// defaults: one worker per CPU, DefaultQueueSize, DefaultPropagationTimeout.
func NewDispatcher(workers, queueSize int, timeout time.Duration, logger *zap.Logger, metrics *federation.Metrics) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = federation.NopMetrics()
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if timeout <= 0 {
		timeout = DefaultPropagationTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		logger:  logger.Named("dispatcher"),
		metrics: metrics,
		timeout: timeout,
		jobs:    make(chan job, queueSize),
		ctx:     ctx,
		cancel:  cancel,
	}

	for i := 0; i < workers; i++ {
		d.group.Go(d.work)
	}
	return d
}

// Submit queues task without blocking. It reports false when the task was
// dropped because the queue is full or the dispatcher is closed.
func (d *Dispatcher) Submit(kind, target string, task Task) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.logger.Warn("Dispatcher closed, dropping task",
			zap.String("kind", kind),
			zap.String("target", target))
		d.metrics.PropagationsDropped.Inc()
		return false
	}

	select {
	case d.jobs <- job{kind: kind, target: target, task: task}:
		return true
	default:
		d.logger.Warn("Propagation queue full, dropping task",
			zap.String("kind", kind),
			zap.String("target", target),
			zap.Int("queue_size", cap(d.jobs)))
		d.metrics.PropagationsDropped.Inc()
		return false
	}
}

func (d *Dispatcher) work() error {
	for j := range d.jobs {
		d.run(j)
	}
	return nil
}

func (d *Dispatcher) run(j job) {
	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()

	start := time.Now()
	err := safeRun(ctx, j.task)
	d.metrics.PropagationLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		d.metrics.PropagationFailures.WithLabelValues(j.kind).Inc()
		d.logger.Warn("Propagation failed",
			zap.String("kind", j.kind),
			zap.String("target", j.target),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return
	}
	d.logger.Debug("Propagation delivered",
		zap.String("kind", j.kind),
		zap.String("target", j.target))
}

func safeRun(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in propagation task: %v", r)
		}
	}()
	return task(ctx)
}

// Close stops intake, lets workers drain what is queued and waits for them.
// Tasks still running when ctx ends are cancelled.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- d.group.Wait() }()

	select {
	case err := <-done:
		d.cancel()
		return err
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
