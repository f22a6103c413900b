package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ocrbase/ocrbase/constants"
	"github.com/ocrbase/ocrbase/internal/entity"
	"github.com/ocrbase/ocrbase/internal/repository"
)

// Registry shares one upstream bus subscription among every local
// subscriber of the same job; the last release unsubscribes. Attach runs
// the subscribe-then-snapshot protocol, which closes the race between a
// terminal publish and a subscription becoming ready.
type Registry struct {
	bus  Bus
	jobs repository.JobRepository
	log  *slog.Logger

	// SubscribeTimeout bounds the wait for upstream readiness.
	SubscribeTimeout time.Duration

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	refs  int
	unsub func()

	mu   sync.Mutex
	next int
	subs map[int]Handler
}

func NewRegistry(b Bus, jobs repository.JobRepository, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		bus:              b,
		jobs:             jobs,
		log:              logger,
		SubscribeTimeout: 5 * time.Second,
		entries:          make(map[string]*entry),
	}
}

// Attach subscribes h to a job's events.
//
//  1. Bind to the shared upstream subscription and await readiness.
//  2. Read the job snapshot.
//  3. If the snapshot is already terminal, deliver the terminal event
//     synthesized from the snapshot and release.
//  4. Otherwise deliver a status event from the snapshot and keep
//     forwarding bus events until release is called.
//
// The returned release is idempotent and must be called on disconnect.
func (r *Registry) Attach(ctx context.Context, jobID string, h Handler) (func(), error) {
	release, err := r.acquire(ctx, jobID, h)
	if err != nil {
		return nil, err
	}

	job, err := r.jobs.GetByID(ctx, jobID)
	if err != nil {
		release()
		return nil, err
	}
	if job.Status.Terminal() {
		h(SnapshotTerminalEvent(job))
		release()
		return func() {}, nil
	}
	h(StatusEvent(jobID, job.Status))
	return release, nil
}

// SnapshotTerminalEvent synthesizes the terminal event a late subscriber
// missed, sourced from the authoritative job row.
func SnapshotTerminalEvent(job *entity.Job) Event {
	if job.Status == constants.JobStatusFailed {
		msg := ""
		if job.ErrorMessage != nil {
			msg = *job.ErrorMessage
		}
		return FailedEvent(job.ID, msg)
	}
	return CompletedEvent(job)
}

func (r *Registry) acquire(ctx context.Context, jobID string, h Handler) (func(), error) {
	channel := JobChannel(jobID)

	r.mu.Lock()
	e, ok := r.entries[channel]
	if !ok {
		e = &entry{subs: make(map[int]Handler)}
		subCtx := ctx
		if r.SubscribeTimeout > 0 {
			var cancel context.CancelFunc
			subCtx, cancel = context.WithTimeout(ctx, r.SubscribeTimeout)
			defer cancel()
		}
		unsub, err := r.bus.Subscribe(subCtx, channel, e.dispatch)
		if err != nil {
			r.mu.Unlock()
			return nil, err
		}
		e.unsub = unsub
		r.entries[channel] = e
	}
	e.refs++
	r.mu.Unlock()

	e.mu.Lock()
	id := e.next
	e.next++
	e.subs[id] = h
	e.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()

			r.mu.Lock()
			e.refs--
			last := e.refs == 0
			if last {
				delete(r.entries, channel)
			}
			r.mu.Unlock()
			if last {
				e.unsub()
			}
		})
	}
	return release, nil
}

// dispatch fans an upstream event out to the entry's local handlers.
func (e *entry) dispatch(ev Event) {
	e.mu.Lock()
	handlers := make([]Handler, 0, len(e.subs))
	for _, h := range e.subs {
		handlers = append(handlers, h)
	}
	e.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}
