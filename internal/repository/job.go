package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ocrbase/ocrbase/constants"
	"github.com/ocrbase/ocrbase/internal/entity"
)

// JobPatch is a field-scoped update: only non-nil fields are written, so
// concurrent writers on disjoint fields do not clobber each other.
type JobPatch struct {
	Status           *constants.JobStatus
	BlobKey          *string
	PendingUploadKey *string
	MimeType         *string
	FileSize         *int64
	MarkdownResult   *string
	JSONResult       json.RawMessage
	ErrorCode        *string
	ErrorMessage     *string
	AttemptsMade     *int
	ProcessingTimeMs *int64
	PageCount        *int
	LLMModel         *string
	TokenCount       *int
	StartedAt        *time.Time
	CompletedAt      *time.Time
	DeletedAt        *time.Time
}

// ListFilter selects a page of a tenant's jobs, newest first.
type ListFilter struct {
	TenantID string
	Status   *constants.JobStatus
	Limit    int
	// Before is a created-at cursor; zero means from the top.
	Before time.Time
}

// JobRepository is the durable record of every job and its lifecycle state.
type JobRepository interface {
	Insert(ctx context.Context, job *entity.Job) error
	GetByID(ctx context.Context, id string) (*entity.Job, error)
	// Update merges patch into the row. A terminal row rejects every patch
	// with ErrTerminalState except a pure soft-delete; callers that race a
	// terminal write treat that error as "someone else finished the job".
	// Status writes on live rows must follow the lifecycle DAG.
	Update(ctx context.Context, id string, patch JobPatch) (*entity.Job, error)
	// ClaimPendingUpload atomically moves the reserved upload key into
	// blobKey, provided the job is still pending and unclaimed. Exactly one
	// concurrent caller wins; the rest get ErrAlreadyClaimed.
	ClaimPendingUpload(ctx context.Context, id string) (*entity.Job, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, filter ListFilter) ([]*entity.Job, error)
}

// SoftDeleteOnly reports whether patch touches nothing but DeletedAt — the
// one mutation a terminal job still accepts.
func (p JobPatch) SoftDeleteOnly() bool {
	return p.DeletedAt != nil &&
		p.Status == nil &&
		p.BlobKey == nil &&
		p.PendingUploadKey == nil &&
		p.MimeType == nil &&
		p.FileSize == nil &&
		p.MarkdownResult == nil &&
		p.JSONResult == nil &&
		p.ErrorCode == nil &&
		p.ErrorMessage == nil &&
		p.AttemptsMade == nil &&
		p.ProcessingTimeMs == nil &&
		p.PageCount == nil &&
		p.LLMModel == nil &&
		p.TokenCount == nil &&
		p.StartedAt == nil &&
		p.CompletedAt == nil
}

// SchemaRecord is a stored JSON Schema document referenced by extract jobs.
type SchemaRecord struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenantId"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Doc         json.RawMessage `json:"schema"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// SchemaRepository stores schema documents for extract jobs.
type SchemaRepository interface {
	Insert(ctx context.Context, rec *SchemaRecord) error
	GetByID(ctx context.Context, tenantID, id string) (*SchemaRecord, error)
}
