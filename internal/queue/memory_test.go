package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ocrbase/ocrbase/internal/common"
)

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", d)
}

func TestMemoryQueueDeliversOnce(t *testing.T) {
	q := NewMemoryQueue(nil, WithWorkers(2), WithBackoff(time.Millisecond, 10*time.Millisecond))
	defer q.Shutdown(context.Background())

	var mu sync.Mutex
	var deliveries []Delivery
	q.Subscribe(func(_ context.Context, d Delivery) error {
		mu.Lock()
		deliveries = append(deliveries, d)
		mu.Unlock()
		return nil
	})

	if err := q.Enqueue(context.Background(), WorkItem{JobID: "job_1"}, EnqueueOptions{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(deliveries) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if deliveries[0].Attempt != 1 {
		t.Fatalf("attempt = %d, want 1", deliveries[0].Attempt)
	}
}

func TestMemoryQueueRetriesUntilMaxAttemptsThenTerminal(t *testing.T) {
	q := NewMemoryQueue(nil, WithWorkers(1), WithMaxAttempts(3), WithBackoff(time.Millisecond, 5*time.Millisecond))
	defer q.Shutdown(context.Background())

	var mu sync.Mutex
	var attempts []int
	var terminal []string
	q.OnTerminalFailure(func(_ context.Context, item WorkItem, code, _ string) {
		mu.Lock()
		terminal = append(terminal, code)
		mu.Unlock()
	})
	q.Subscribe(func(_ context.Context, d Delivery) error {
		mu.Lock()
		attempts = append(attempts, d.Attempt)
		mu.Unlock()
		return common.Transient("FETCH_FAILED", "fetch status 503", nil)
	})

	_ = q.Enqueue(context.Background(), WorkItem{JobID: "job_1"}, EnqueueOptions{})
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(terminal) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if len(attempts) != 3 {
		t.Fatalf("attempts = %v, want exactly 3", attempts)
	}
	for i, a := range attempts {
		if a != i+1 {
			t.Fatalf("attempt sequence = %v, want 1,2,3", attempts)
		}
	}
	if terminal[0] != "FETCH_FAILED" {
		t.Fatalf("terminal code = %s, want FETCH_FAILED", terminal[0])
	}
}

func TestMemoryQueueUnrecoverableSkipsRetry(t *testing.T) {
	q := NewMemoryQueue(nil, WithWorkers(1), WithMaxAttempts(5), WithBackoff(time.Millisecond, 5*time.Millisecond))
	defer q.Shutdown(context.Background())

	var mu sync.Mutex
	calls := 0
	var terminalCode string
	q.OnTerminalFailure(func(_ context.Context, _ WorkItem, code, _ string) {
		mu.Lock()
		terminalCode = code
		mu.Unlock()
	})
	q.Subscribe(func(_ context.Context, _ Delivery) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return common.Fatal("LLM_PARSE_FAILED", "still not JSON after repair", nil)
	})

	_ = q.Enqueue(context.Background(), WorkItem{JobID: "job_1"}, EnqueueOptions{})
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return terminalCode != ""
	})

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("handler calls = %d, want 1 (no retry on unrecoverable)", calls)
	}
	if terminalCode != "LLM_PARSE_FAILED" {
		t.Fatalf("terminal code = %s", terminalCode)
	}
}

func TestMemoryQueueUnknownErrorsDefaultToRetryable(t *testing.T) {
	q := NewMemoryQueue(nil, WithWorkers(1), WithMaxAttempts(2), WithBackoff(time.Millisecond, 5*time.Millisecond))
	defer q.Shutdown(context.Background())

	var mu sync.Mutex
	calls := 0
	done := false
	q.OnTerminalFailure(func(_ context.Context, _ WorkItem, _, _ string) {
		mu.Lock()
		done = true
		mu.Unlock()
	})
	q.Subscribe(func(_ context.Context, _ Delivery) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errors.New("something odd")
	})

	_ = q.Enqueue(context.Background(), WorkItem{JobID: "job_1"}, EnqueueOptions{})
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return done
	})

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Fatalf("handler calls = %d, want 2 (unknown errors retry)", calls)
	}
}

func TestMemoryQueueDedupKey(t *testing.T) {
	q := NewMemoryQueue(nil, WithWorkers(1))
	defer q.Shutdown(context.Background())

	var mu sync.Mutex
	calls := 0
	q.Subscribe(func(_ context.Context, _ Delivery) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})

	if err := q.Enqueue(context.Background(), WorkItem{JobID: "job_1"}, EnqueueOptions{DedupKey: "job_1"}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := q.Enqueue(context.Background(), WorkItem{JobID: "job_1"}, EnqueueOptions{DedupKey: "job_1"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second enqueue err = %v, want ErrDuplicate", err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	})
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("handler calls = %d, want exactly 1", calls)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	if d := Backoff(time.Second, time.Minute, 1); d != time.Second {
		t.Fatalf("attempt 1 = %s, want 1s", d)
	}
	if d := Backoff(time.Second, time.Minute, 3); d != 4*time.Second {
		t.Fatalf("attempt 3 = %s, want 4s", d)
	}
	if d := Backoff(time.Second, 5*time.Second, 10); d != 5*time.Second {
		t.Fatalf("attempt 10 = %s, want capped 5s", d)
	}
}
