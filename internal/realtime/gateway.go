package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ocrbase/ocrbase/internal/bus"
	"github.com/ocrbase/ocrbase/internal/repository"
)

// AuthFunc resolves a subscriber's tenant from the request (bearer header,
// api_key query parameter, or session cookie).
type AuthFunc func(r *http.Request) (tenantID string, err error)

// Gateway authenticates a subscriber, binds it to one job, and streams
// events until terminal or disconnect. Two transport profiles: server-sent
// events and bidirectional WebSocket frames.
type Gateway struct {
	registry *bus.Registry
	jobs     repository.JobRepository
	auth     AuthFunc
	log      *slog.Logger

	// KeepaliveInterval bounds the gap between frames to defeat proxy idle
	// timeouts. Must be <= 30s.
	KeepaliveInterval time.Duration

	upgrader websocket.Upgrader
}

func NewGateway(registry *bus.Registry, jobs repository.JobRepository, auth AuthFunc, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		registry:          registry,
		jobs:              jobs,
		auth:              auth,
		log:               logger,
		KeepaliveInterval: 15 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// bind authenticates the request and verifies job ownership.
func (g *Gateway) bind(r *http.Request) (jobID string, status int, err error) {
	jobID = r.URL.Query().Get("job_id")
	if jobID == "" {
		return "", http.StatusBadRequest, fmt.Errorf("job_id is required")
	}
	tenant, err := g.auth(r)
	if err != nil {
		return "", http.StatusUnauthorized, err
	}
	job, err := g.jobs.GetByID(r.Context(), jobID)
	if err != nil || job.TenantID != tenant {
		return "", http.StatusNotFound, fmt.Errorf("job not found")
	}
	return jobID, http.StatusOK, nil
}

// attach runs the subscribe-then-snapshot protocol, buffering events for
// the transport loop. The handler never blocks the bus; a full buffer drops
// the event and relies on the snapshot reconciliation a reconnect performs.
func (g *Gateway) attach(ctx context.Context, jobID string) (<-chan bus.Event, func(), error) {
	events := make(chan bus.Event, 32)
	release, err := g.registry.Attach(ctx, jobID, func(ev bus.Event) {
		select {
		case events <- ev:
		default:
			g.log.Warn("subscriber buffer full, dropping event", "job_id", jobID, "type", ev.Type)
		}
	})
	if err != nil {
		return nil, nil, err
	}
	return events, release, nil
}

// ServeSSE streams events as `event: <type>\ndata: <json>` frames with
// comment keepalives. No client-to-server frames.
func (g *Gateway) ServeSSE(w http.ResponseWriter, r *http.Request) {
	jobID, status, err := g.bind(r)
	if err != nil {
		http.Error(w, err.Error(), status)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, release, err := g.attach(r.Context(), jobID)
	if err != nil {
		// Bus unavailable: error event without a failed status, so clients
		// can tell transport failure from job failure.
		writeSSEEvent(w, flusher, bus.TransportErrorEvent(jobID, "event bus unavailable"))
		return
	}
	defer release()

	ticker := time.NewTicker(g.KeepaliveInterval)
	defer ticker.Stop()

	g.log.Info("sse subscriber attached", "job_id", jobID)
	for {
		select {
		case <-r.Context().Done():
			g.log.Info("sse subscriber disconnected", "job_id", jobID)
			return
		case <-ticker.C:
			_, _ = fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev := <-events:
			writeSSEEvent(w, flusher, ev)
			if ev.Terminal() {
				g.log.Info("sse stream closed after terminal event", "job_id", jobID, "type", ev.Type)
				return
			}
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, ev bus.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
	flusher.Flush()
}

// clientFrame is the only client-to-server message the bidi profile accepts.
type clientFrame struct {
	Type string `json:"type"`
}

// ServeWS streams events as JSON frames both ways; a client {type:"ping"}
// receives {type:"pong", jobId}.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	jobID, status, err := g.bind(r)
	if err != nil {
		http.Error(w, err.Error(), status)
		return
	}
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", "job_id", jobID, "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, release, err := g.attach(ctx, jobID)
	if err != nil {
		_ = conn.WriteJSON(bus.TransportErrorEvent(jobID, "event bus unavailable"))
		return
	}
	defer release()

	// Reader: detects disconnect and answers pings through the event
	// channel so the writer owns the connection.
	pongs := make(chan struct{}, 4)
	go func() {
		defer cancel()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame clientFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				continue
			}
			if frame.Type == "ping" {
				select {
				case pongs <- struct{}{}:
				default:
				}
			}
		}
	}()

	ticker := time.NewTicker(g.KeepaliveInterval)
	defer ticker.Stop()

	g.log.Info("ws subscriber attached", "job_id", jobID)
	for {
		select {
		case <-ctx.Done():
			g.log.Info("ws subscriber disconnected", "job_id", jobID)
			return
		case <-pongs:
			if err := conn.WriteJSON(bus.PongEvent(jobID)); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case ev := <-events:
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			if ev.Terminal() {
				g.log.Info("ws stream closed after terminal event", "job_id", jobID, "type", ev.Type)
				return
			}
		}
	}
}
