package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"github.com/ocrbase/ocrbase/internal/common"
)

// AMQPQueue is the RabbitMQ-backed queue for multi-process deployments.
// Items are persistent messages on a durable queue; attempt bookkeeping
// rides in message headers and retries are re-published after backoff.
// Dedup keys are not enforced by this backend — admission relies on the
// confirm path's status check instead.
type AMQPQueue struct {
	name        string
	conn        *amqp.Connection
	ch          *amqp.Channel
	logger      *slog.Logger
	workers     int
	maxAttempts int
	backoff     time.Duration
	maxBackoff  time.Duration

	consumerTag string
	wg          sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	handler Handler
	onFail  TerminalFailureFunc
}

type AMQPConfig struct {
	URL         string
	Name        string
	Workers     int
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

func NewAMQPQueue(cfg AMQPConfig, logger *slog.Logger) (*AMQPQueue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if _, err := ch.QueueDeclare(
		cfg.Name,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	q := &AMQPQueue{
		name:        cfg.Name,
		conn:        conn,
		ch:          ch,
		logger:      logger,
		workers:     cfg.Workers,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
		maxBackoff:  cfg.MaxBackoff,
		consumerTag: "ocrbase-worker",
	}
	if q.workers <= 0 {
		q.workers = 4
	}
	if q.maxAttempts <= 0 {
		q.maxAttempts = 3
	}
	if q.backoff <= 0 {
		q.backoff = 2 * time.Second
	}
	return q, nil
}

func (q *AMQPQueue) Enqueue(_ context.Context, item WorkItem, opts EnqueueOptions) error {
	max := q.maxAttempts
	if opts.MaxAttempts > 0 {
		max = opts.MaxAttempts
	}
	return q.publish(item, 1, max)
}

func (q *AMQPQueue) publish(item WorkItem, attempt, maxAttempts int) error {
	body, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return q.ch.Publish(
		"",     // exchange
		q.name, // routing key
		false,  // mandatory
		false,  // immediate
		amqp.Publishing{
			Headers: amqp.Table{
				"job_id":       item.JobID,
				"attempt":      int32(attempt),
				"max_attempts": int32(maxAttempts),
			},
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
		})
}

func (q *AMQPQueue) Subscribe(h Handler) {
	q.mu.Lock()
	q.handler = h
	q.mu.Unlock()

	if err := q.ch.Qos(q.workers, 0, false); err != nil {
		q.logger.Error("qos failed", "error", err)
		return
	}
	deliveries, err := q.ch.Consume(q.name, q.consumerTag, false, false, false, false, nil)
	if err != nil {
		q.logger.Error("consume failed", "error", err)
		return
	}

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func(workerID int) {
			defer q.wg.Done()
			q.logger.Info("amqp worker started", "worker_id", workerID)
			for msg := range deliveries {
				q.process(workerID, msg)
			}
			q.logger.Info("amqp worker stopped", "worker_id", workerID)
		}(i + 1)
	}
}

func (q *AMQPQueue) process(workerID int, msg amqp.Delivery) {
	var item WorkItem
	if err := json.Unmarshal(msg.Body, &item); err != nil {
		q.logger.Error("dropping undecodable work item", "worker_id", workerID, "error", err)
		_ = msg.Ack(false)
		return
	}
	attempt := headerInt(msg.Headers, "attempt", 1)
	maxAttempts := headerInt(msg.Headers, "max_attempts", q.maxAttempts)

	q.mu.Lock()
	h := q.handler
	q.mu.Unlock()

	err := h(context.Background(), Delivery{Item: item, Attempt: attempt, MaxAttempts: maxAttempts})
	if err == nil {
		_ = msg.Ack(false)
		return
	}

	code, retryable, message := common.Classify(err)
	if retryable && attempt < maxAttempts {
		delay := Backoff(q.backoff, q.maxBackoff, attempt)
		q.logger.Warn("attempt failed, re-publishing",
			"worker_id", workerID, "job_id", item.JobID,
			"attempt", attempt, "code", code, "delay", delay, "error", err)
		time.AfterFunc(delay, func() {
			if err := q.publish(item, attempt+1, maxAttempts); err != nil {
				q.logger.Error("re-publish failed", "job_id", item.JobID, "error", err)
			}
		})
		_ = msg.Ack(false)
		return
	}

	q.logger.Error("job failed terminally",
		"worker_id", workerID, "job_id", item.JobID, "attempt", attempt, "code", code, "error", err)
	q.mu.Lock()
	cb := q.onFail
	q.mu.Unlock()
	if cb != nil {
		cb(context.Background(), item, code, message)
	}
	_ = msg.Ack(false)
}

func (q *AMQPQueue) OnTerminalFailure(cb TerminalFailureFunc) {
	q.mu.Lock()
	q.onFail = cb
	q.mu.Unlock()
}

func (q *AMQPQueue) Shutdown(ctx context.Context) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	if err := q.ch.Cancel(q.consumerTag, false); err != nil {
		q.logger.Warn("consumer cancel failed", "error", err)
	}

	done := make(chan struct{})
	go func() { defer close(done); q.wg.Wait() }()
	select {
	case <-ctx.Done():
		q.logger.Warn("shutdown interrupted by context")
	case <-done:
	}

	_ = q.ch.Close()
	_ = q.conn.Close()
	q.logger.Info("amqp queue shut down")
}

func headerInt(t amqp.Table, key string, def int) int {
	if t == nil {
		return def
	}
	switch v := t[key].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return def
}
