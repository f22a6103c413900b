package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ocrbase/ocrbase/internal/common"
)

// Config points at the external OCR model service.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client calls the OCR model over HTTP: document bytes in, Markdown out.
type Client struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  logger,
	}
}

func (c *Client) Parse(ctx context.Context, data []byte, mime string) (Result, error) {
	rid := uuid.New().String()
	start := time.Now()

	c.log.Info("ocr.parse.start", "req_id", rid, "mime", mime, "bytes", len(data))

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/v1/ocr"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return Result{}, common.Fatal(common.CodeOCRFailed, "build ocr request", err)
	}
	req.Header.Set("Content-Type", mime)
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Error("ocr.parse.send_error", "req_id", rid, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return Result{}, common.Transient(common.CodeOCRFailed, "ocr request failed", err)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			c.log.Warn("ocr.parse.body_close_error", "req_id", rid, "error", err)
		}
	}(resp.Body)

	raw, _ := io.ReadAll(resp.Body)
	c.log.Info("ocr.parse.response",
		"req_id", rid, "status", resp.StatusCode, "bytes", len(raw),
		"elapsed_ms", time.Since(start).Milliseconds())

	if resp.StatusCode/100 != 2 {
		msg := fmt.Sprintf("ocr status %d", resp.StatusCode)
		if common.TransientHTTPStatus(resp.StatusCode) || resp.StatusCode/100 == 5 {
			return Result{}, common.Transient(common.CodeOCRFailed, msg, nil)
		}
		return Result{}, common.Fatal(common.CodeOCRFailed, msg, nil)
	}

	var out Result
	if err := json.Unmarshal(raw, &out); err != nil {
		return Result{}, common.Fatal(common.CodeOCRFailed, "decode ocr response", err)
	}
	if out.PageCount <= 0 {
		out.PageCount = 1
	}
	return out, nil
}
