package bus

import (
	"context"
	"encoding/json"

	"github.com/ocrbase/ocrbase/constants"
	"github.com/ocrbase/ocrbase/internal/entity"
)

// EventType discriminates the event variants on a job channel. Parsers
// validate the discriminator before touching the payload.
type EventType string

const (
	EventStatus    EventType = "status"
	EventCompleted EventType = "completed"
	EventError     EventType = "error"
	EventPong      EventType = "pong"
)

// Event is one message on a job channel. Events are transient; the job
// store remains the source of truth for terminal state.
type Event struct {
	Type  EventType  `json:"type"`
	JobID string     `json:"jobId"`
	Data  *EventData `json:"data,omitempty"`
}

// EventData carries the per-variant payload.
type EventData struct {
	Status           string          `json:"status,omitempty"`
	MarkdownResult   *string         `json:"markdownResult,omitempty"`
	JSONResult       json.RawMessage `json:"jsonResult,omitempty"`
	ProcessingTimeMs *int64          `json:"processingTimeMs,omitempty"`
	Error            string          `json:"error,omitempty"`
}

// Terminal reports whether e ends a subscriber's stream: a completion, or
// an error that carries the failed status. A transport error (no status)
// also closes the stream but lets clients tell the two apart.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventCompleted:
		return true
	case EventError:
		return true
	}
	return false
}

// JobFailed reports whether e is a job failure (as opposed to a transport
// error surfaced on the same variant).
func (e Event) JobFailed() bool {
	return e.Type == EventError && e.Data != nil && e.Data.Status == string(constants.JobStatusFailed)
}

// StatusEvent announces a transition into a non-terminal state.
func StatusEvent(jobID string, status constants.JobStatus) Event {
	return Event{Type: EventStatus, JobID: jobID, Data: &EventData{Status: string(status)}}
}

// CompletedEvent carries the terminal payload for a completed job.
func CompletedEvent(job *entity.Job) Event {
	return Event{Type: EventCompleted, JobID: job.ID, Data: &EventData{
		Status:           string(constants.JobStatusCompleted),
		MarkdownResult:   job.MarkdownResult,
		JSONResult:       job.JSONResult,
		ProcessingTimeMs: job.ProcessingTimeMs,
	}}
}

// FailedEvent announces a job flipped to failed.
func FailedEvent(jobID, message string) Event {
	return Event{Type: EventError, JobID: jobID, Data: &EventData{
		Status: string(constants.JobStatusFailed),
		Error:  message,
	}}
}

// TransportErrorEvent closes a stream without claiming the job failed.
func TransportErrorEvent(jobID, message string) Event {
	return Event{Type: EventError, JobID: jobID, Data: &EventData{Error: message}}
}

// PongEvent answers a client keepalive.
func PongEvent(jobID string) Event {
	return Event{Type: EventPong, JobID: jobID}
}

// Handler receives events for one subscription. Handlers must not block.
type Handler func(Event)

// Bus is a per-job ordered channel with at-least-once delivery to every
// subscriber bound at the moment of publish. Subscribe returns only once
// subsequent publishes are guaranteed to be observed (readiness); the
// returned func releases the subscription. Implementations surface a lost
// upstream connection as a TransportErrorEvent to live handlers.
type Bus interface {
	Publish(ctx context.Context, channel string, ev Event) error
	Subscribe(ctx context.Context, channel string, h Handler) (func(), error)
}

// JobChannel names the per-job logical channel.
func JobChannel(jobID string) string {
	return "job:" + jobID
}
