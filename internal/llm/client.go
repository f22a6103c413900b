package llm

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

// Config for the OpenAI-compatible client.
type Config struct {
	APIKey      string
	BaseURL     string // default https://api.openai.com/v1
	Model       string
	Temperature float32
	Timeout     time.Duration
}

// Client implements Extractor against a chat/completions endpoint. It
// enforces JSON output: a response that is not a single valid object of
// the right shape gets exactly one repair round-trip before the call
// surfaces an unrecoverable parse failure.
type Client struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
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

func (c *Client) Extract(ctx context.Context, req ExtractRequest) (ExtractResult, error) {
	rid := uuid.New().String()
	start := time.Now()
	var usage Usage

	c.log.Info("llm.extract.start",
		"req_id", rid,
		"model", c.cfg.Model,
		"markdown_len", len(req.Markdown),
		"required_keys", len(req.Schema.RequiredKeys()),
	)

	content, u, err := c.chat(ctx, rid, BuildExtractSystemPrompt(req), BuildExtractUserPrompt(req))
	usage.Add(u)
	if err != nil {
		return ExtractResult{}, err
	}

	if data, ok := acceptExtract(content, req); ok {
		c.log.Info("llm.extract.ok", "req_id", rid, "elapsed_ms", time.Since(start).Milliseconds())
		return ExtractResult{Data: data, Model: c.cfg.Model, Usage: usage}, nil
	}

	// One repair round-trip, then give up.
	c.log.Warn("llm.extract.repair", "req_id", rid)
	repaired, u2, err := c.chat(ctx, rid, BuildExtractSystemPrompt(req), BuildRepairPrompt(content, req))
	usage.Add(u2)
	if err != nil {
		return ExtractResult{}, err
	}
	if data, ok := acceptExtract(repaired, req); ok {
		c.log.Info("llm.extract.repaired_ok", "req_id", rid, "elapsed_ms", time.Since(start).Milliseconds())
		return ExtractResult{Data: data, Model: c.cfg.Model, Usage: usage}, nil
	}

	c.log.Error("llm.extract.parse_failed",
		"req_id", rid, "elapsed_ms", time.Since(start).Milliseconds())
	return ExtractResult{Model: c.cfg.Model, Usage: usage},
		common.Fatal(common.CodeLLMParseFailed, "llm response is not a valid JSON object for the schema", nil)
}

// acceptExtract applies the acceptance rule on both passes: exactly one
// unambiguous candidate (multiple balanced candidates force a repair on the
// first pass and fail the second), and that object must be a plain JSON
// object carrying the schema's required top-level keys.
func acceptExtract(content string, req ExtractRequest) (json.RawMessage, bool) {
	stripped := StripCodeFences(content)
	candidates := ExtractJSONObjects(stripped)
	if len(candidates) != 1 {
		return nil, false
	}
	if err := req.Schema.CheckShape(candidates[0]); err != nil {
		return nil, false
	}
	return candidates[0], true
}

func (c *Client) GenerateSchema(ctx context.Context, markdown, hints string) (SchemaResult, error) {
	rid := uuid.New().String()
	sys, user := BuildSchemaGenPrompts(markdown, hints)

	content, usage, err := c.chat(ctx, rid, sys, user)
	if err != nil {
		return SchemaResult{}, err
	}
	candidates := ExtractJSONObjects(StripCodeFences(content))
	if len(candidates) == 0 {
		return SchemaResult{}, common.Fatal(common.CodeLLMParseFailed, "schema generation returned no JSON", nil)
	}
	var out SchemaResult
	if err := json.Unmarshal(candidates[0], &out); err != nil || len(out.Schema) == 0 {
		return SchemaResult{}, common.Fatal(common.CodeLLMParseFailed, "schema generation returned the wrong shape", err)
	}
	out.Model = c.cfg.Model
	out.Usage = usage
	return out, nil
}

// chat performs one chat/completions call and returns the first choice's
// content plus token usage.
func (c *Client) chat(ctx context.Context, rid, system, user string) (string, Usage, error) {
	body := map[string]any{
		"model":           c.cfg.Model,
		"temperature":     c.cfg.Temperature,
		"response_format": map[string]any{"type": "json_object"},
		"messages": []map[string]any{
			{"role": "system", "content": system},
			{"role": "user", "content": user},
		},
	}
	bs, err := json.Marshal(body)
	if err != nil {
		return "", Usage{}, common.Fatal(common.CodeLLMRequestFailed, "encode llm request", err)
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bs))
	if err != nil {
		return "", Usage{}, common.Fatal(common.CodeLLMRequestFailed, "build llm request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Error("llm.http.send_error", "req_id", rid, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return "", Usage{}, common.Transient(common.CodeLLMRequestFailed, "llm request failed", err)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			c.log.Warn("llm.http.body_close_error", "req_id", rid, "error", err)
		}
	}(resp.Body)

	raw, _ := io.ReadAll(resp.Body)
	c.log.Info("llm.http.response",
		"req_id", rid, "status", resp.StatusCode, "bytes", len(raw),
		"elapsed_ms", time.Since(start).Milliseconds())

	if resp.StatusCode/100 != 2 {
		msg := fmt.Sprintf("llm status %d", resp.StatusCode)
		if common.TransientHTTPStatus(resp.StatusCode) || resp.StatusCode/100 == 5 {
			return "", Usage{}, common.Transient(common.CodeLLMRequestFailed, msg, nil)
		}
		return "", Usage{}, common.Fatal(common.CodeLLMRequestFailed, msg, nil)
	}

	var cc struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage Usage `json:"usage"`
	}
	if err := json.Unmarshal(raw, &cc); err != nil {
		return "", Usage{}, common.Fatal(common.CodeLLMRequestFailed, "decode llm response", err)
	}
	if len(cc.Choices) == 0 {
		return "", cc.Usage, common.Fatal(common.CodeLLMRequestFailed, "no choices in llm response", nil)
	}
	return strings.TrimSpace(cc.Choices[0].Message.Content), cc.Usage, nil
}
