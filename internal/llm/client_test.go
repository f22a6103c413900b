package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ocrbase/ocrbase/internal/common"
	"github.com/ocrbase/ocrbase/internal/schema"
)

// fakeCompletions scripts a sequence of chat/completions responses.
type fakeCompletions struct {
	mu        sync.Mutex
	responses []string
	calls     int
}

func (f *fakeCompletions) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		idx := f.calls
		f.calls++
		f.mu.Unlock()
		if idx >= len(f.responses) {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": f.responses[idx]}},
			},
			"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func (f *fakeCompletions) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testSchema(t *testing.T) *schema.Schema {
	t.Helper()
	sc, err := schema.FromJSONSchema(json.RawMessage(
		`{"type":"object","properties":{"total":{"type":"number"},"vendor":{"type":"string"}},"required":["total","vendor"]}`))
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	return sc
}

func newTestClient(t *testing.T, fake *fakeCompletions) (*Client, func()) {
	t.Helper()
	srv := httptest.NewServer(fake.handler())
	c := NewClient(Config{BaseURL: srv.URL, APIKey: "sk_test", Model: "gpt-4o-mini"}, nil)
	return c, srv.Close
}

func TestExtractAcceptsCleanJSON(t *testing.T) {
	fake := &fakeCompletions{responses: []string{`{"total": 42, "vendor": "acme"}`}}
	c, closeSrv := newTestClient(t, fake)
	defer closeSrv()

	res, err := c.Extract(context.Background(), ExtractRequest{Markdown: "# Invoice", Schema: testSchema(t)})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(res.Data, &m); err != nil {
		t.Fatalf("data not json: %v", err)
	}
	if res.Usage.TotalTokens != 15 {
		t.Fatalf("usage = %d, want 15", res.Usage.TotalTokens)
	}
	if fake.callCount() != 1 {
		t.Fatalf("calls = %d, want 1", fake.callCount())
	}
}

func TestExtractRepairsMalformedFirstResponse(t *testing.T) {
	fake := &fakeCompletions{responses: []string{
		`Sure! The total is {"total": 42` /* unbalanced */,
		`{"total": 42, "vendor": "acme"}`,
	}}
	c, closeSrv := newTestClient(t, fake)
	defer closeSrv()

	res, err := c.Extract(context.Background(), ExtractRequest{Markdown: "# Invoice", Schema: testSchema(t)})
	if err != nil {
		t.Fatalf("extract after repair: %v", err)
	}
	if fake.callCount() != 2 {
		t.Fatalf("calls = %d, want 2 (original + repair)", fake.callCount())
	}
	// Token usage sums across both calls.
	if res.Usage.TotalTokens != 30 {
		t.Fatalf("usage = %d, want 30 summed", res.Usage.TotalTokens)
	}
}

func TestExtractRepairsAmbiguousCandidates(t *testing.T) {
	fake := &fakeCompletions{responses: []string{
		`{"total": 1, "vendor": "a"} or {"total": 2, "vendor": "b"}`,
		`{"total": 2, "vendor": "b"}`,
	}}
	c, closeSrv := newTestClient(t, fake)
	defer closeSrv()

	if _, err := c.Extract(context.Background(), ExtractRequest{Markdown: "x", Schema: testSchema(t)}); err != nil {
		t.Fatalf("extract: %v", err)
	}
	if fake.callCount() != 2 {
		t.Fatalf("calls = %d, want 2 (ambiguous forces repair)", fake.callCount())
	}
}

func TestExtractFailsUnrecoverablyAfterBadRepair(t *testing.T) {
	fake := &fakeCompletions{responses: []string{`not json at all`, `still not json`}}
	c, closeSrv := newTestClient(t, fake)
	defer closeSrv()

	_, err := c.Extract(context.Background(), ExtractRequest{Markdown: "x", Schema: testSchema(t)})
	if err == nil {
		t.Fatalf("expected LLM_PARSE_FAILED")
	}
	code, retryable, _ := common.Classify(err)
	if code != common.CodeLLMParseFailed || retryable {
		t.Fatalf("classify = (%s, %t), want (LLM_PARSE_FAILED, false)", code, retryable)
	}
	if fake.callCount() != 2 {
		t.Fatalf("calls = %d, want exactly 2 (one repair, no more)", fake.callCount())
	}
}

func TestExtractMissingRequiredKeyForcesRepair(t *testing.T) {
	fake := &fakeCompletions{responses: []string{
		`{"total": 42}`,
		`{"total": 42, "vendor": "acme"}`,
	}}
	c, closeSrv := newTestClient(t, fake)
	defer closeSrv()

	if _, err := c.Extract(context.Background(), ExtractRequest{Markdown: "x", Schema: testSchema(t)}); err != nil {
		t.Fatalf("extract: %v", err)
	}
	if fake.callCount() != 2 {
		t.Fatalf("calls = %d, want 2", fake.callCount())
	}
}

func TestTransientStatusIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	c := NewClient(Config{BaseURL: srv.URL, APIKey: "sk_test"}, nil)

	_, err := c.Extract(context.Background(), ExtractRequest{Markdown: "x", Schema: testSchema(t)})
	if !common.Retryable(err) {
		t.Fatalf("503 should be retryable, got %v", err)
	}
	var ae *common.AppError
	if !errors.As(err, &ae) || ae.Code != common.CodeLLMRequestFailed {
		t.Fatalf("code = %v, want LLM_REQUEST_FAILED", err)
	}
}

func TestGenerateSchema(t *testing.T) {
	fake := &fakeCompletions{responses: []string{
		`{"name": "invoice", "description": "invoice fields", "schema": {"type": "object", "properties": {"total": {"type": "number"}}, "required": ["total"]}}`,
	}}
	c, closeSrv := newTestClient(t, fake)
	defer closeSrv()

	res, err := c.GenerateSchema(context.Background(), "# Invoice\ntotal 42", "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Name != "invoice" || len(res.Schema) == 0 {
		t.Fatalf("result = %+v", res)
	}
	if _, err := schema.Normalize(res.Schema); err != nil {
		t.Fatalf("generated schema does not normalize: %v", err)
	}
}
