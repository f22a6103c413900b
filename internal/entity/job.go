package entity

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ocrbase/ocrbase/constants"
)

// Job represents one unit of document processing from submission to
// terminal state. It is the single entity the pipeline owns.
type Job struct {
	ID       string              `json:"id"`
	TenantID string              `json:"tenantId"`
	Type     constants.JobType   `json:"type"`
	Status   constants.JobStatus `json:"status"`

	// Exactly one of BlobKey, SourceURL, PendingUploadKey is set at admission.
	BlobKey          *string `json:"blobKey,omitempty"`
	SourceURL        *string `json:"sourceUrl,omitempty"`
	PendingUploadKey *string `json:"pendingUpload,omitempty"`

	FileName string `json:"fileName,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	FileSize int64  `json:"fileSize,omitempty"`

	SchemaID *string `json:"schemaId,omitempty"`
	Hints    *string `json:"hints,omitempty"`

	MarkdownResult *string         `json:"markdownResult,omitempty"`
	JSONResult     json.RawMessage `json:"jsonResult,omitempty"`

	ErrorCode    *string `json:"errorCode,omitempty"`
	ErrorMessage *string `json:"errorMessage,omitempty"`

	AttemptsMade int `json:"attemptsMade"`
	MaxAttempts  int `json:"maxAttempts"`

	ProcessingTimeMs *int64  `json:"processingTimeMs,omitempty"`
	PageCount        *int    `json:"pageCount,omitempty"`
	LLMModel         *string `json:"llmModel,omitempty"`
	TokenCount       *int    `json:"tokenCount,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	DeletedAt   *time.Time `json:"-"`
}

// NewJobID mints a kind-prefixed opaque identifier.
func NewJobID() string {
	return "job_" + uuid.NewString()
}

// NewSchemaID mints a schema identifier.
func NewSchemaID() string {
	return "sch_" + uuid.NewString()
}

// HasSource reports whether the worker can obtain input bytes for the job.
func (j *Job) HasSource() bool {
	return j.BlobKey != nil || j.SourceURL != nil
}

// Clone returns a deep copy so in-memory stores can hand out snapshots.
func (j *Job) Clone() *Job {
	c := *j
	c.BlobKey = cloneStr(j.BlobKey)
	c.SourceURL = cloneStr(j.SourceURL)
	c.PendingUploadKey = cloneStr(j.PendingUploadKey)
	c.SchemaID = cloneStr(j.SchemaID)
	c.Hints = cloneStr(j.Hints)
	c.MarkdownResult = cloneStr(j.MarkdownResult)
	c.ErrorCode = cloneStr(j.ErrorCode)
	c.ErrorMessage = cloneStr(j.ErrorMessage)
	c.LLMModel = cloneStr(j.LLMModel)
	if j.JSONResult != nil {
		c.JSONResult = append(json.RawMessage(nil), j.JSONResult...)
	}
	c.ProcessingTimeMs = cloneInt64(j.ProcessingTimeMs)
	c.PageCount = cloneInt(j.PageCount)
	c.TokenCount = cloneInt(j.TokenCount)
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	c.DeletedAt = cloneTime(j.DeletedAt)
	return &c
}

func cloneStr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneInt64(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
