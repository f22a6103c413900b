package bus

import (
	"context"
	"sync"
	"testing"

	"github.com/ocrbase/ocrbase/constants"
)

func collect(events *[]Event, mu *sync.Mutex) Handler {
	return func(ev Event) {
		mu.Lock()
		*events = append(*events, ev)
		mu.Unlock()
	}
}

func TestMemoryBusDeliversInPublishOrder(t *testing.T) {
	b := NewMemoryBus()
	var mu sync.Mutex
	var got []Event

	unsub, err := b.Subscribe(context.Background(), JobChannel("job_1"), collect(&got, &mu))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	statuses := []constants.JobStatus{
		constants.JobStatusProcessing,
		constants.JobStatusExtracting,
	}
	for _, s := range statuses {
		if err := b.Publish(context.Background(), JobChannel("job_1"), StatusEvent("job_1", s)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("delivered %d events, want 2", len(got))
	}
	for i, s := range statuses {
		if got[i].Data.Status != string(s) {
			t.Fatalf("event %d status = %s, want %s", i, got[i].Data.Status, s)
		}
	}
}

func TestMemoryBusChannelIsolation(t *testing.T) {
	b := NewMemoryBus()
	var mu sync.Mutex
	var got []Event

	unsub, _ := b.Subscribe(context.Background(), JobChannel("job_a"), collect(&got, &mu))
	defer unsub()

	_ = b.Publish(context.Background(), JobChannel("job_b"), StatusEvent("job_b", constants.JobStatusProcessing))

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 0 {
		t.Fatalf("received %d cross-channel events, want 0", len(got))
	}
}

func TestMemoryBusUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryBus()
	var mu sync.Mutex
	var got []Event

	unsub, _ := b.Subscribe(context.Background(), JobChannel("job_1"), collect(&got, &mu))
	unsub()
	unsub() // idempotent

	_ = b.Publish(context.Background(), JobChannel("job_1"), StatusEvent("job_1", constants.JobStatusProcessing))

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 0 {
		t.Fatalf("received %d events after unsubscribe, want 0", len(got))
	}
}

func TestMemoryBusCloseSurfacesTransportError(t *testing.T) {
	b := NewMemoryBus()
	var mu sync.Mutex
	var got []Event

	_, _ = b.Subscribe(context.Background(), JobChannel("job_1"), collect(&got, &mu))
	b.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("received %d events, want 1 transport error", len(got))
	}
	ev := got[0]
	if ev.Type != EventError {
		t.Fatalf("type = %s, want error", ev.Type)
	}
	if ev.JobFailed() {
		t.Fatalf("transport error must not carry status failed")
	}
}

func TestEventDiscriminators(t *testing.T) {
	if !FailedEvent("job_1", "boom").JobFailed() {
		t.Fatalf("FailedEvent should report JobFailed")
	}
	if TransportErrorEvent("job_1", "bus down").JobFailed() {
		t.Fatalf("TransportErrorEvent must not report JobFailed")
	}
	if StatusEvent("job_1", constants.JobStatusProcessing).Terminal() {
		t.Fatalf("status events are not terminal")
	}
	if !FailedEvent("job_1", "boom").Terminal() {
		t.Fatalf("failed events are terminal")
	}
}
