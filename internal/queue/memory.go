package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ocrbase/ocrbase/internal/common"
)

// MemoryQueue is the in-process queue: a buffered channel drained by a
// bounded worker pool, with per-item attempt bookkeeping, exponential
// backoff re-enqueue, dedup keys, and a terminal-failure callback.
type MemoryQueue struct {
	logger      *slog.Logger
	workers     int
	maxAttempts int
	backoff     time.Duration
	maxBackoff  time.Duration

	ch   chan Delivery
	wg   sync.WaitGroup
	once sync.Once

	mu      sync.Mutex
	closed  bool
	handler Handler
	onFail  TerminalFailureFunc
	seen    map[string]struct{}
	timers  map[*time.Timer]struct{}
}

type Option func(*MemoryQueue)

func WithWorkers(n int) Option {
	return func(q *MemoryQueue) {
		if n > 0 {
			q.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(q *MemoryQueue) {
		if n > 0 {
			q.ch = make(chan Delivery, n)
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(q *MemoryQueue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

func WithBackoff(initial, max time.Duration) Option {
	return func(q *MemoryQueue) {
		if initial > 0 {
			q.backoff = initial
		}
		if max > 0 {
			q.maxBackoff = max
		}
	}
}

func NewMemoryQueue(logger *slog.Logger, opts ...Option) *MemoryQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &MemoryQueue{
		logger:      logger,
		workers:     4,
		maxAttempts: 3,
		backoff:     2 * time.Second,
		maxBackoff:  2 * time.Minute,
		ch:          make(chan Delivery, 256),
		seen:        make(map[string]struct{}),
		timers:      make(map[*time.Timer]struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

func (q *MemoryQueue) Enqueue(_ context.Context, item WorkItem, opts EnqueueOptions) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.logger.Warn("cannot enqueue: queue is shutting down", "job_id", item.JobID)
		return nil
	}
	if opts.DedupKey != "" {
		if _, dup := q.seen[opts.DedupKey]; dup {
			q.mu.Unlock()
			return ErrDuplicate
		}
		q.seen[opts.DedupKey] = struct{}{}
	}
	q.mu.Unlock()

	max := q.maxAttempts
	if opts.MaxAttempts > 0 {
		max = opts.MaxAttempts
	}
	d := Delivery{Item: item, Attempt: 1, MaxAttempts: max}
	select {
	case q.ch <- d:
		q.logger.Info("queued job", "job_id", item.JobID, "max_attempts", max)
	default:
		q.logger.Warn("queue full, applying backpressure", "job_id", item.JobID)
		q.ch <- d
	}
	return nil
}

func (q *MemoryQueue) Subscribe(h Handler) {
	q.mu.Lock()
	q.handler = h
	q.mu.Unlock()
	q.start()
}

func (q *MemoryQueue) OnTerminalFailure(cb TerminalFailureFunc) {
	q.mu.Lock()
	q.onFail = cb
	q.mu.Unlock()
}

func (q *MemoryQueue) start() {
	q.once.Do(func() {
		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)
			go func(workerID int) {
				defer q.wg.Done()
				q.logger.Info("worker started", "worker_id", workerID)
				for d := range q.ch {
					q.process(workerID, d)
				}
				q.logger.Info("worker stopped", "worker_id", workerID)
			}(i + 1)
		}
	})
}

func (q *MemoryQueue) process(workerID int, d Delivery) {
	q.mu.Lock()
	h := q.handler
	q.mu.Unlock()
	if h == nil {
		return
	}

	err := h(context.Background(), d)
	if err == nil {
		q.logger.Info("processed job", "worker_id", workerID, "job_id", d.Item.JobID, "attempt", d.Attempt)
		return
	}

	code, retryable, message := common.Classify(err)
	if retryable && d.Attempt < d.MaxAttempts {
		delay := Backoff(q.backoff, q.maxBackoff, d.Attempt)
		q.logger.Warn("attempt failed, re-enqueueing",
			"worker_id", workerID, "job_id", d.Item.JobID,
			"attempt", d.Attempt, "code", code, "delay", delay, "error", err)
		q.requeue(Delivery{Item: d.Item, Attempt: d.Attempt + 1, MaxAttempts: d.MaxAttempts}, delay)
		return
	}

	q.logger.Error("job failed terminally",
		"worker_id", workerID, "job_id", d.Item.JobID,
		"attempt", d.Attempt, "code", code, "error", err)
	q.mu.Lock()
	cb := q.onFail
	q.mu.Unlock()
	if cb != nil {
		cb(context.Background(), d.Item, code, message)
	}
}

func (q *MemoryQueue) requeue(d Delivery, delay time.Duration) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, t)
		if q.closed {
			q.mu.Unlock()
			return
		}
		select {
		case q.ch <- d:
			q.mu.Unlock()
		default:
			// Buffer full: try again shortly rather than blocking under the
			// lock or racing a close.
			q.mu.Unlock()
			q.requeue(d, 10*time.Millisecond)
		}
	})
	q.timers[t] = struct{}{}
	q.mu.Unlock()
}

func (q *MemoryQueue) Shutdown(ctx context.Context) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for t := range q.timers {
		t.Stop()
	}
	close(q.ch)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); q.wg.Wait() }()

	select {
	case <-ctx.Done():
		q.logger.Warn("shutdown interrupted by context")
	case <-done:
		q.logger.Info("queue drained, shutdown complete")
	}
}
