package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ocrbase/ocrbase/constants"
	"github.com/ocrbase/ocrbase/internal/entity"
)

// MemoryJobRepository keeps jobs in process memory. It backs tests and
// single-process demo deployments; semantics match the SQL stores.
type MemoryJobRepository struct {
	mu   sync.RWMutex
	jobs map[string]*entity.Job
}

func NewMemoryJobRepository() *MemoryJobRepository {
	return &MemoryJobRepository{jobs: make(map[string]*entity.Job)}
}

func (r *MemoryJobRepository) Insert(_ context.Context, job *entity.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	j := job.Clone()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	r.jobs[j.ID] = j
	return nil
}

func (r *MemoryJobRepository) GetByID(_ context.Context, id string) (*entity.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	if !ok || j.DeletedAt != nil {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

func (r *MemoryJobRepository) Update(_ context.Context, id string, patch JobPatch) (*entity.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok || (j.DeletedAt != nil && patch.DeletedAt == nil) {
		return nil, ErrNotFound
	}
	if j.Status.Terminal() && !patch.SoftDeleteOnly() {
		return nil, ErrTerminalState
	}
	if patch.Status != nil && *patch.Status != j.Status {
		if !constants.CanTransition(j.Status, *patch.Status) {
			return nil, ErrInvalidTransition
		}
	}
	applyPatch(j, patch)
	j.UpdatedAt = time.Now().UTC()
	return j.Clone(), nil
}

func (r *MemoryJobRepository) ClaimPendingUpload(_ context.Context, id string) (*entity.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok || j.DeletedAt != nil {
		return nil, ErrNotFound
	}
	if j.Status != constants.JobStatusPending || j.BlobKey != nil || j.PendingUploadKey == nil {
		return nil, ErrAlreadyClaimed
	}
	key := *j.PendingUploadKey
	j.BlobKey = &key
	j.UpdatedAt = time.Now().UTC()
	return j.Clone(), nil
}

func (r *MemoryJobRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok || j.DeletedAt != nil {
		return ErrNotFound
	}
	now := time.Now().UTC()
	j.DeletedAt = &now
	return nil
}

func (r *MemoryJobRepository) List(_ context.Context, filter ListFilter) ([]*entity.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*entity.Job
	for _, j := range r.jobs {
		if j.DeletedAt != nil || j.TenantID != filter.TenantID {
			continue
		}
		if filter.Status != nil && j.Status != *filter.Status {
			continue
		}
		if !filter.Before.IsZero() && !j.CreatedAt.Before(filter.Before) {
			continue
		}
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// applyPatch merges non-nil fields. Shared by the memory store; SQL stores
// express the same merge in their UPDATE builders.
func applyPatch(j *entity.Job, patch JobPatch) {
	if patch.Status != nil {
		j.Status = *patch.Status
	}
	if patch.BlobKey != nil {
		j.BlobKey = patch.BlobKey
	}
	if patch.PendingUploadKey != nil {
		j.PendingUploadKey = patch.PendingUploadKey
	}
	if patch.MimeType != nil {
		j.MimeType = *patch.MimeType
	}
	if patch.FileSize != nil {
		j.FileSize = *patch.FileSize
	}
	if patch.MarkdownResult != nil {
		j.MarkdownResult = patch.MarkdownResult
	}
	if patch.JSONResult != nil {
		j.JSONResult = append(j.JSONResult[:0], patch.JSONResult...)
	}
	if patch.ErrorCode != nil {
		j.ErrorCode = patch.ErrorCode
	}
	if patch.ErrorMessage != nil {
		j.ErrorMessage = patch.ErrorMessage
	}
	if patch.AttemptsMade != nil {
		j.AttemptsMade = *patch.AttemptsMade
	}
	if patch.ProcessingTimeMs != nil {
		j.ProcessingTimeMs = patch.ProcessingTimeMs
	}
	if patch.PageCount != nil {
		j.PageCount = patch.PageCount
	}
	if patch.LLMModel != nil {
		j.LLMModel = patch.LLMModel
	}
	if patch.TokenCount != nil {
		j.TokenCount = patch.TokenCount
	}
	if patch.StartedAt != nil {
		j.StartedAt = patch.StartedAt
	}
	if patch.CompletedAt != nil {
		j.CompletedAt = patch.CompletedAt
	}
	if patch.DeletedAt != nil {
		j.DeletedAt = patch.DeletedAt
	}
}

// MemorySchemaRepository is the in-memory schema store.
type MemorySchemaRepository struct {
	mu      sync.RWMutex
	schemas map[string]*SchemaRecord
}

func NewMemorySchemaRepository() *MemorySchemaRepository {
	return &MemorySchemaRepository{schemas: make(map[string]*SchemaRecord)}
}

func (r *MemorySchemaRepository) Insert(_ context.Context, rec *SchemaRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *rec
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	r.schemas[cp.ID] = &cp
	return nil
}

func (r *MemorySchemaRepository) GetByID(_ context.Context, tenantID, id string) (*SchemaRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.schemas[id]
	if !ok || rec.TenantID != tenantID {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}
