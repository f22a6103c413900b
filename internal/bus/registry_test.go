package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ocrbase/ocrbase/constants"
	"github.com/ocrbase/ocrbase/internal/entity"
	"github.com/ocrbase/ocrbase/internal/repository"
)

func seedJob(t *testing.T, jobs *repository.MemoryJobRepository, status constants.JobStatus) *entity.Job {
	t.Helper()
	job := &entity.Job{
		ID:       entity.NewJobID(),
		TenantID: "tn_test",
		Type:     constants.JobTypeParse,
		Status:   constants.JobStatusPending,
	}
	if err := jobs.Insert(context.Background(), job); err != nil {
		t.Fatalf("insert: %v", err)
	}
	advance := func(to constants.JobStatus) {
		if _, err := jobs.Update(context.Background(), job.ID, repository.JobPatch{Status: &to}); err != nil {
			t.Fatalf("advance to %s: %v", to, err)
		}
		job.Status = to
	}
	switch status {
	case constants.JobStatusPending:
	case constants.JobStatusProcessing:
		advance(constants.JobStatusProcessing)
	case constants.JobStatusCompleted:
		advance(constants.JobStatusProcessing)
		md := "# done"
		if _, err := jobs.Update(context.Background(), job.ID, repository.JobPatch{MarkdownResult: &md}); err != nil {
			t.Fatalf("set markdown: %v", err)
		}
		advance(constants.JobStatusCompleted)
	case constants.JobStatusFailed:
		advance(constants.JobStatusProcessing)
		code, msg := "OCR_FAILED", "ocr exploded"
		if _, err := jobs.Update(context.Background(), job.ID, repository.JobPatch{ErrorCode: &code, ErrorMessage: &msg}); err != nil {
			t.Fatalf("set error: %v", err)
		}
		advance(constants.JobStatusFailed)
	}
	return job
}

func TestAttachDeliversSnapshotStatusThenBusEvents(t *testing.T) {
	jobs := repository.NewMemoryJobRepository()
	b := NewMemoryBus()
	r := NewRegistry(b, jobs, nil)
	job := seedJob(t, jobs, constants.JobStatusProcessing)

	var mu sync.Mutex
	var got []Event
	release, err := r.Attach(context.Background(), job.ID, collect(&got, &mu))
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer release()

	_ = b.Publish(context.Background(), JobChannel(job.ID), StatusEvent(job.ID, constants.JobStatusExtracting))

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("events = %d, want snapshot status + bus status", len(got))
	}
	if got[0].Type != EventStatus || got[0].Data.Status != string(constants.JobStatusProcessing) {
		t.Fatalf("first event = %+v, want snapshot processing status", got[0])
	}
	if got[1].Data.Status != string(constants.JobStatusExtracting) {
		t.Fatalf("second event = %+v, want extracting", got[1])
	}
}

func TestLateSubscriberGetsSynthesizedCompleted(t *testing.T) {
	jobs := repository.NewMemoryJobRepository()
	b := NewMemoryBus()
	r := NewRegistry(b, jobs, nil)
	job := seedJob(t, jobs, constants.JobStatusCompleted)

	// The completed event was published before anyone subscribed; the bus
	// retains no history.
	_ = b.Publish(context.Background(), JobChannel(job.ID), CompletedEvent(job))

	var mu sync.Mutex
	var got []Event
	release, err := r.Attach(context.Background(), job.ID, collect(&got, &mu))
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer release()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("events = %d, want exactly one synthesized completed", len(got))
	}
	ev := got[0]
	if ev.Type != EventCompleted {
		t.Fatalf("type = %s, want completed", ev.Type)
	}
	if ev.Data == nil || ev.Data.MarkdownResult == nil || *ev.Data.MarkdownResult != "# done" {
		t.Fatalf("synthesized payload missing markdown: %+v", ev.Data)
	}
}

func TestLateSubscriberGetsSynthesizedFailure(t *testing.T) {
	jobs := repository.NewMemoryJobRepository()
	b := NewMemoryBus()
	r := NewRegistry(b, jobs, nil)
	job := seedJob(t, jobs, constants.JobStatusFailed)

	var mu sync.Mutex
	var got []Event
	if _, err := r.Attach(context.Background(), job.ID, collect(&got, &mu)); err != nil {
		t.Fatalf("attach: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || !got[0].JobFailed() {
		t.Fatalf("events = %+v, want one failed event", got)
	}
	if got[0].Data.Error != "ocr exploded" {
		t.Fatalf("error = %q, want job failure message", got[0].Data.Error)
	}
}

func TestAttachMissingJob(t *testing.T) {
	r := NewRegistry(NewMemoryBus(), repository.NewMemoryJobRepository(), nil)
	if _, err := r.Attach(context.Background(), "job_missing", func(Event) {}); err == nil {
		t.Fatalf("attach of missing job should fail")
	}
}

// countingBus wraps MemoryBus to count upstream subscriptions.
type countingBus struct {
	*MemoryBus
	mu         sync.Mutex
	subs, rels int
}

func (c *countingBus) Subscribe(ctx context.Context, channel string, h Handler) (func(), error) {
	c.mu.Lock()
	c.subs++
	c.mu.Unlock()
	unsub, err := c.MemoryBus.Subscribe(ctx, channel, h)
	if err != nil {
		return nil, err
	}
	return func() {
		c.mu.Lock()
		c.rels++
		c.mu.Unlock()
		unsub()
	}, nil
}

func TestSharedSubscriptionIsRefCounted(t *testing.T) {
	jobs := repository.NewMemoryJobRepository()
	cb := &countingBus{MemoryBus: NewMemoryBus()}
	r := NewRegistry(cb, jobs, nil)
	job := seedJob(t, jobs, constants.JobStatusProcessing)

	var mu sync.Mutex
	var got1, got2 []Event
	rel1, err := r.Attach(context.Background(), job.ID, collect(&got1, &mu))
	if err != nil {
		t.Fatalf("attach 1: %v", err)
	}
	rel2, err := r.Attach(context.Background(), job.ID, collect(&got2, &mu))
	if err != nil {
		t.Fatalf("attach 2: %v", err)
	}

	cb.mu.Lock()
	subs := cb.subs
	cb.mu.Unlock()
	if subs != 1 {
		t.Fatalf("upstream subscriptions = %d, want 1 shared", subs)
	}

	_ = cb.Publish(context.Background(), JobChannel(job.ID), StatusEvent(job.ID, constants.JobStatusExtracting))
	mu.Lock()
	if len(got1) != 2 || len(got2) != 2 {
		mu.Unlock()
		t.Fatalf("fan-out mismatch: %d/%d, want 2/2", len(got1), len(got2))
	}
	mu.Unlock()

	rel1()
	rel1() // idempotent
	cb.mu.Lock()
	rels := cb.rels
	cb.mu.Unlock()
	if rels != 0 {
		t.Fatalf("upstream released after first subscriber left, want held")
	}

	rel2()
	deadline := time.Now().Add(time.Second)
	for {
		cb.mu.Lock()
		rels = cb.rels
		cb.mu.Unlock()
		if rels == 1 || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if rels != 1 {
		t.Fatalf("upstream releases = %d, want 1 after last subscriber", rels)
	}
}
