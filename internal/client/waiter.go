package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ocrbase/ocrbase/constants"
	"github.com/ocrbase/ocrbase/internal/bus"
	"github.com/ocrbase/ocrbase/internal/common"
	"github.com/ocrbase/ocrbase/internal/entity"
)

// Config for the SDK-side waiter.
type Config struct {
	// BaseURL is the API origin, e.g. http://localhost:8080.
	BaseURL string
	APIKey  string
	// MaxAttempts bounds stream re-opens before giving up with
	// REALTIME_UNAVAILABLE.
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
	// PingInterval drives client keepalive frames on the bidi stream.
	PingInterval time.Duration
	HTTP         *http.Client
}

// JobFailure is the rejection for a job that ended failed.
type JobFailure struct {
	JobID   string
	Message string
}

func (e *JobFailure) Error() string {
	return fmt.Sprintf("job %s failed: %s", e.JobID, e.Message)
}

// TerminalResult is the single outcome WaitForCompletion resolves with.
type TerminalResult struct {
	JobID            string
	Status           constants.JobStatus
	MarkdownResult   *string
	JSONResult       json.RawMessage
	ProcessingTimeMs *int64
	// Job is the post-terminal snapshot backfilling fields the event does
	// not carry (pageCount, llmModel, tokenCount).
	Job *entity.Job
}

// Waiter opens a realtime stream, tolerates reconnects, and surfaces one
// terminal result. Late subscription is safe: the gateway's snapshot
// protocol redelivers a terminal event that fired before the reconnect.
type Waiter struct {
	cfg    Config
	dialer *websocket.Dialer
	log    *slog.Logger
}

func NewWaiter(cfg Config, logger *slog.Logger) *Waiter {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 5
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.HTTP == nil {
		cfg.HTTP = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Waiter{cfg: cfg, dialer: websocket.DefaultDialer, log: logger}
}

// WaitForCompletion blocks until the job reaches a terminal state or the
// timeout elapses. Completed jobs resolve with the terminal payload; failed
// jobs reject with *JobFailure; transport exhaustion rejects with
// REALTIME_UNAVAILABLE.
func (w *Waiter) WaitForCompletion(ctx context.Context, jobID string, timeout time.Duration) (*TerminalResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		res, err := w.streamOnce(ctx, jobID)
		switch {
		case err == nil:
			w.backfill(ctx, res)
			return res, nil
		case isTerminalError(err):
			return nil, err
		case ctx.Err() != nil:
			return nil, common.Fatal(common.CodeRealtimeDown, "wait aborted: "+ctx.Err().Error(), ctx.Err())
		}

		delay := backoff(w.cfg.Backoff, w.cfg.MaxBackoff, attempt)
		w.log.Warn("realtime stream lost, reconnecting",
			"job_id", jobID, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return nil, common.Fatal(common.CodeRealtimeDown, "wait aborted: "+ctx.Err().Error(), ctx.Err())
		case <-time.After(delay):
		}
	}
	return nil, common.Fatal(common.CodeRealtimeDown, "realtime stream unavailable after retries", nil)
}

// isTerminalError reports whether err ends the wait instead of triggering a
// reconnect.
func isTerminalError(err error) bool {
	var jf *JobFailure
	if errors.As(err, &jf) {
		return true
	}
	var ae *common.AppError
	if errors.As(err, &ae) {
		return ae.Code == common.CodeJobNotFound || ae.Code == "UNAUTHORIZED"
	}
	return false
}

// streamOnce opens one bidi stream and reads until a terminal event. The
// returned error is nil only when a completed event arrived.
func (w *Waiter) streamOnce(ctx context.Context, jobID string) (*TerminalResult, error) {
	wsURL, err := w.realtimeURL(jobID)
	if err != nil {
		return nil, common.Fatal(common.CodeRealtimeDown, "bad base url", err)
	}

	conn, resp, err := w.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusNotFound:
				return nil, common.Fatal(common.CodeJobNotFound, "job not found", err)
			case http.StatusUnauthorized:
				return nil, common.Fatal("UNAUTHORIZED", "invalid credentials", err)
			}
		}
		return nil, fmt.Errorf("dial realtime: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}

	// Client keepalive: the gateway answers {type:"ping"} with a pong frame.
	stopPings := make(chan struct{})
	defer close(stopPings)
	go func() {
		ticker := time.NewTicker(w.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopPings:
				return
			case <-ticker.C:
				if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
					return
				}
			}
		}
	}()

	for {
		var ev bus.Event
		if err := conn.ReadJSON(&ev); err != nil {
			return nil, fmt.Errorf("read realtime frame: %w", err)
		}
		switch ev.Type {
		case bus.EventStatus, bus.EventPong:
			continue
		case bus.EventCompleted:
			res := &TerminalResult{JobID: jobID, Status: constants.JobStatusCompleted}
			if ev.Data != nil {
				res.MarkdownResult = ev.Data.MarkdownResult
				res.JSONResult = ev.Data.JSONResult
				res.ProcessingTimeMs = ev.Data.ProcessingTimeMs
			}
			return res, nil
		case bus.EventError:
			if ev.JobFailed() {
				msg := ""
				if ev.Data != nil {
					msg = ev.Data.Error
				}
				return nil, &JobFailure{JobID: jobID, Message: msg}
			}
			// Transport error: reconnect.
			msg := "stream error"
			if ev.Data != nil && ev.Data.Error != "" {
				msg = ev.Data.Error
			}
			return nil, errors.New(msg)
		default:
			// Unknown discriminator: ignore rather than guess at payloads.
			continue
		}
	}
}

// backfill fetches a snapshot once after the terminal event to fill fields
// the event does not carry. Best effort.
func (w *Waiter) backfill(ctx context.Context, res *TerminalResult) {
	job, err := w.FetchJob(ctx, res.JobID)
	if err != nil {
		w.log.Warn("terminal snapshot backfill failed", "job_id", res.JobID, "error", err)
		return
	}
	res.Job = job
	if res.MarkdownResult == nil {
		res.MarkdownResult = job.MarkdownResult
	}
	if res.JSONResult == nil {
		res.JSONResult = job.JSONResult
	}
	if res.ProcessingTimeMs == nil {
		res.ProcessingTimeMs = job.ProcessingTimeMs
	}
}

// FetchJob reads the authoritative job snapshot.
func (w *Waiter) FetchJob(ctx context.Context, jobID string) (*entity.Job, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(w.cfg.BaseURL, "/")+"/v1/jobs/"+jobID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+w.cfg.APIKey)

	resp, err := w.cfg.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var job entity.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (w *Waiter) realtimeURL(jobID string) (string, error) {
	u, err := url.Parse(w.cfg.BaseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/realtime/ws"
	q := u.Query()
	q.Set("job_id", jobID)
	if w.cfg.APIKey != "" {
		q.Set("api_key", w.cfg.APIKey)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func backoff(initial, max time.Duration, attempt int) time.Duration {
	d := initial << uint(attempt-1)
	if max > 0 && d > max {
		return max
	}
	return d
}
