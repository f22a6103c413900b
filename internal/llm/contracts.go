package llm

import (
	"context"
	"encoding/json"

	"github.com/ocrbase/ocrbase/internal/schema"
)

// Usage accumulates token accounting across calls, including the repair
// round-trip.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// ExtractRequest asks for the Markdown to be projected into the schema's shape.
type ExtractRequest struct {
	Markdown string
	Schema   *schema.Schema
	Hints    string
}

// ExtractResult is the accepted JSON object plus accounting.
type ExtractResult struct {
	Data  json.RawMessage
	Model string
	Usage Usage
}

// SchemaResult is a generated schema proposal.
type SchemaResult struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
	Model       string          `json:"-"`
	Usage       Usage           `json:"-"`
}

// Extractor is the interface the worker depends on.
type Extractor interface {
	Extract(ctx context.Context, req ExtractRequest) (ExtractResult, error)
	GenerateSchema(ctx context.Context, markdown, hints string) (SchemaResult, error)
}
