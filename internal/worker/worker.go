package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ocrbase/ocrbase/constants"
	"github.com/ocrbase/ocrbase/internal/blob"
	"github.com/ocrbase/ocrbase/internal/bus"
	"github.com/ocrbase/ocrbase/internal/common"
	"github.com/ocrbase/ocrbase/internal/entity"
	"github.com/ocrbase/ocrbase/internal/llm"
	"github.com/ocrbase/ocrbase/internal/ocr"
	"github.com/ocrbase/ocrbase/internal/queue"
	"github.com/ocrbase/ocrbase/internal/repository"
	"github.com/ocrbase/ocrbase/internal/schema"
)

// Deps wires the worker's collaborators.
type Deps struct {
	Jobs    repository.JobRepository
	Blobs   blob.Store
	Bus     bus.Bus
	OCR     ocr.Engine
	LLM     llm.Extractor
	Schemas *schema.Service
	HTTP    *http.Client
	Logger  *slog.Logger

	// AttemptTimeout bounds one attempt end to end; exceeding it raises a
	// retryable timeout.
	AttemptTimeout time.Duration
}

// Worker drives the job state machine: fetch -> OCR -> optional extract ->
// persist. Every transition is durable before the next step begins, and
// every event is published after its corresponding write. Safe to run in
// multiple processes; terminal writes are idempotent.
type Worker struct {
	deps Deps
	log  *slog.Logger
}

func New(deps Deps) *Worker {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.HTTP == nil {
		deps.HTTP = &http.Client{Timeout: 60 * time.Second}
	}
	return &Worker{deps: deps, log: deps.Logger}
}

// Handle processes one queue delivery. The returned error's classification
// (retryable vs unrecoverable) drives the queue's re-enqueue decision; the
// job's status is left non-terminal here so it stays observably in-flight
// while retries remain. Flipping to failed happens only in
// HandleTerminalFailure.
func (w *Worker) Handle(ctx context.Context, d queue.Delivery) error {
	if w.deps.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.deps.AttemptTimeout)
		defer cancel()
	}

	err := w.runAttempt(ctx, d)
	if errors.Is(err, repository.ErrTerminalState) {
		// Another attempt finished the job while this one ran.
		w.log.Info("worker.attempt.superseded", "job_id", d.Item.JobID, "attempt", d.Attempt)
		return nil
	}
	if err != nil {
		code, retryable, message := common.Classify(err)
		w.log.Warn("worker.attempt.failed",
			"job_id", d.Item.JobID, "attempt", d.Attempt,
			"code", code, "retryable", retryable, "error", err)
		// Record the most recent failure on the row without touching status.
		// The attempt context may already be past its deadline; the record
		// write gets its own.
		recordCtx, recordCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer recordCancel()
		attempt := d.Attempt
		if _, uerr := w.deps.Jobs.Update(recordCtx, d.Item.JobID, repository.JobPatch{
			ErrorCode:    &code,
			ErrorMessage: &message,
			AttemptsMade: &attempt,
		}); uerr != nil && !errors.Is(uerr, repository.ErrNotFound) && !errors.Is(uerr, repository.ErrTerminalState) {
			w.log.Error("worker.attempt.record_failure_failed", "job_id", d.Item.JobID, "error", uerr)
		}
	}
	return err
}

func (w *Worker) runAttempt(ctx context.Context, d queue.Delivery) error {
	jobID := d.Item.JobID
	job, err := w.deps.Jobs.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return common.Fatal(common.CodeJobNotFound, "job not found: "+jobID, err)
		}
		return err
	}
	if job.Status.Terminal() {
		w.log.Info("worker.attempt.skip_terminal", "job_id", jobID, "status", job.Status)
		return nil
	}

	attempt := d.Attempt
	if job.Status == constants.JobStatusPending {
		now := time.Now().UTC()
		status := constants.JobStatusProcessing
		job, err = w.deps.Jobs.Update(ctx, jobID, repository.JobPatch{
			Status:       &status,
			StartedAt:    &now,
			AttemptsMade: &attempt,
		})
		if err != nil {
			return err
		}
		w.publish(ctx, bus.StatusEvent(jobID, constants.JobStatusProcessing))
	} else {
		if job, err = w.deps.Jobs.Update(ctx, jobID, repository.JobPatch{AttemptsMade: &attempt}); err != nil {
			return err
		}
	}

	startedAt := time.Now().UTC()
	if job.StartedAt != nil {
		startedAt = *job.StartedAt
	}

	// Stage 1: OCR, unless a prior attempt already persisted the markdown.
	if job.MarkdownResult == nil {
		data, mime, err := w.obtainSource(ctx, job)
		if err != nil {
			return err
		}
		res, err := w.deps.OCR.Parse(ctx, data, mime)
		if err != nil {
			return err
		}
		pages := res.PageCount
		job, err = w.deps.Jobs.Update(ctx, jobID, repository.JobPatch{
			MarkdownResult: &res.Markdown,
			PageCount:      &pages,
		})
		if err != nil {
			return err
		}
		w.log.Info("worker.ocr.ok", "job_id", jobID, "pages", pages, "markdown_bytes", len(res.Markdown))
	}

	if job.Type == constants.JobTypeParse {
		return w.complete(ctx, jobID, startedAt, repository.JobPatch{})
	}
	return w.runExtract(ctx, job, startedAt)
}

func (w *Worker) runExtract(ctx context.Context, job *entity.Job, startedAt time.Time) error {
	jobID := job.ID
	if job.SchemaID == nil {
		return common.Fatal(common.CodeSchemaNotFound, "extract job has no schema reference", nil)
	}
	sc, err := w.deps.Schemas.Resolve(ctx, job.TenantID, *job.SchemaID)
	if err != nil {
		return err
	}

	if job.Status != constants.JobStatusExtracting {
		status := constants.JobStatusExtracting
		if job, err = w.deps.Jobs.Update(ctx, jobID, repository.JobPatch{Status: &status}); err != nil {
			return err
		}
		w.publish(ctx, bus.StatusEvent(jobID, constants.JobStatusExtracting))
	}

	hints := ""
	if job.Hints != nil {
		hints = *job.Hints
	}
	res, err := w.deps.LLM.Extract(ctx, llm.ExtractRequest{
		Markdown: *job.MarkdownResult,
		Schema:   sc,
		Hints:    hints,
	})
	if err != nil {
		return err
	}

	tokens := res.Usage.TotalTokens
	return w.complete(ctx, jobID, startedAt, repository.JobPatch{
		JSONResult: res.Data,
		LLMModel:   &res.Model,
		TokenCount: &tokens,
	})
}

// complete writes the terminal row, then publishes the completed event.
func (w *Worker) complete(ctx context.Context, jobID string, startedAt time.Time, patch repository.JobPatch) error {
	now := time.Now().UTC()
	elapsed := now.Sub(startedAt).Milliseconds()
	status := constants.JobStatusCompleted
	patch.Status = &status
	patch.CompletedAt = &now
	patch.ProcessingTimeMs = &elapsed

	job, err := w.deps.Jobs.Update(ctx, jobID, patch)
	if err != nil {
		if errors.Is(err, repository.ErrTerminalState) {
			// Another attempt already finished the job.
			return nil
		}
		return err
	}
	w.publish(ctx, bus.CompletedEvent(job))
	w.log.Info("worker.job.completed", "job_id", jobID, "elapsed_ms", elapsed)
	return nil
}

// HandleTerminalFailure is the queue's terminal-failure callback: it flips
// the job to failed and publishes the error event. Idempotent.
func (w *Worker) HandleTerminalFailure(ctx context.Context, item queue.WorkItem, code, message string) {
	status := constants.JobStatusFailed
	now := time.Now().UTC()
	_, err := w.deps.Jobs.Update(ctx, item.JobID, repository.JobPatch{
		Status:       &status,
		ErrorCode:    &code,
		ErrorMessage: &message,
		CompletedAt:  &now,
	})
	if err != nil {
		if errors.Is(err, repository.ErrTerminalState) || errors.Is(err, repository.ErrNotFound) {
			return
		}
		w.log.Error("worker.fail.write_failed", "job_id", item.JobID, "error", err)
		return
	}
	w.publish(ctx, bus.FailedEvent(item.JobID, message))
	w.log.Warn("worker.job.failed", "job_id", item.JobID, "code", code, "message", message)
}

// obtainSource resolves input bytes from the blob store or the source URL.
func (w *Worker) obtainSource(ctx context.Context, job *entity.Job) ([]byte, string, error) {
	switch {
	case job.BlobKey != nil:
		data, err := w.deps.Blobs.Get(ctx, *job.BlobKey)
		if err != nil {
			return nil, "", err
		}
		return data, job.MimeType, nil
	case job.SourceURL != nil:
		return w.fetchURL(ctx, job)
	default:
		return nil, "", common.Fatal(common.CodeNoSource, "job has neither blobKey nor sourceUrl", nil)
	}
}

// fetchURL GETs a remote document and refines the job's mimeType/fileSize
// from the response.
func (w *Worker) fetchURL(ctx context.Context, job *entity.Job) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, *job.SourceURL, nil)
	if err != nil {
		return nil, "", common.Fatal(common.CodeFetchFailed, "build fetch request", err)
	}
	resp, err := w.deps.HTTP.Do(req)
	if err != nil {
		return nil, "", common.Transient(common.CodeFetchFailed, "fetch failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		msg := fmt.Sprintf("fetch status %d", resp.StatusCode)
		if common.TransientHTTPStatus(resp.StatusCode) {
			return nil, "", common.Transient(common.CodeFetchFailed, msg, nil)
		}
		return nil, "", common.Fatal(common.CodeFetchFailed, msg, nil)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, constants.MaxFileSize+1))
	if err != nil {
		return nil, "", common.Transient(common.CodeFetchFailed, "read fetch body", err)
	}
	if len(data) > constants.MaxFileSize {
		return nil, "", common.Fatal(common.CodeFetchFailed, "fetched document exceeds size limit", nil)
	}

	mime := job.MimeType
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		mime = ct
	}
	size := int64(len(data))
	if _, err := w.deps.Jobs.Update(ctx, job.ID, repository.JobPatch{
		MimeType: &mime,
		FileSize: &size,
	}); err != nil {
		w.log.Warn("worker.fetch.refine_failed", "job_id", job.ID, "error", err)
	}
	return data, mime, nil
}

func (w *Worker) publish(ctx context.Context, ev bus.Event) {
	if err := w.deps.Bus.Publish(ctx, bus.JobChannel(ev.JobID), ev); err != nil {
		w.log.Error("worker.publish_failed", "job_id", ev.JobID, "type", ev.Type, "error", err)
	}
}
