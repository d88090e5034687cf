package async

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/entitlements/pkg/logger"
)

// Task is a unit of best-effort background work.
type Task func(ctx context.Context) error

type job struct {
	name string
	task Task
}

// Stats is a point-in-time view of queue counters.
type Stats struct {
	Submitted int64
	Completed int64
	Failed    int64
	Dropped   int64
	Pending   int
}

// Queue runs fire-and-forget tasks on a fixed pool of workers. Submit never
// blocks; a full or closed queue drops the task and counts it. Task errors and
// panics are logged and counted, never propagated to the submitter.
type Queue struct {
	jobs    chan job
	workers int
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.RWMutex
	closed  bool
	started bool
	group   *errgroup.Group

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewQueue creates a queue. Workers do not run until Start.
func NewQueue(opts ...Option) *Queue {
	o := &options{
		size:    128,
		workers: 1,
		timeout: 30 * time.Second,
		logger:  logger.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}

	return &Queue{
		jobs:    make(chan job, o.size),
		workers: o.workers,
		timeout: o.timeout,
		logger:  o.logger.With(logger.Component("async")),
	}
}

// Start launches the workers. They exit after Close drains the buffer or when
// ctx is cancelled.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if q.started {
		return ErrAlreadyStarted
	}
	q.started = true

	g, gctx := errgroup.WithContext(ctx)
	for range q.workers {
		g.Go(func() error {
			q.work(gctx)
			return nil
		})
	}
	q.group = g
	return nil
}

// Run starts the queue and blocks until ctx is done, then closes it.
// The returned function is suitable for errgroup.Group.Go.
func (q *Queue) Run(ctx context.Context) func() error {
	return func() error {
		if err := q.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		q.Close()
		return nil
	}
}

// Submit enqueues task without blocking and reports whether it was accepted.
func (q *Queue) Submit(name string, task Task) bool {
	if task == nil {
		return false
	}

	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.dropped.Add(1)
		return false
	}

	select {
	case q.jobs <- job{name: name, task: task}:
		q.submitted.Add(1)
		return true
	default:
		q.dropped.Add(1)
		q.logger.Warn("task dropped, queue full", slog.String("task", name))
		return false
	}
}

// Close stops accepting tasks and waits for workers to finish buffered ones.
// Safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.jobs)
	g := q.group
	q.mu.Unlock()

	if g != nil {
		_ = g.Wait()
	}
}

// Stats returns the queue counters and the number of buffered tasks.
func (q *Queue) Stats() Stats {
	return Stats{
		Submitted: q.submitted.Load(),
		Completed: q.completed.Load(),
		Failed:    q.failed.Load(),
		Dropped:   q.dropped.Load(),
		Pending:   len(q.jobs),
	}
}

func (q *Queue) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q.jobs:
			if !ok {
				return
			}
			q.execute(ctx, j)
		}
	}
}

func (q *Queue) execute(ctx context.Context, j job) {
	taskCtx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	start := time.Now()
	if err := safeRun(taskCtx, j.task); err != nil {
		q.failed.Add(1)
		q.logger.WarnContext(ctx, "background task failed",
			slog.String("task", j.name),
			logger.Duration(time.Since(start)),
			logger.Error(err))
		return
	}
	q.completed.Add(1)
}

func safeRun(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Join(ErrTaskPanicked, fmt.Errorf("%v", r))
		}
	}()
	return task(ctx)
}
