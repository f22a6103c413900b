package server

import (
	"context"
	"errors"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/ocrbase/ocrbase/constants"
	"github.com/ocrbase/ocrbase/internal/blob"
	"github.com/ocrbase/ocrbase/internal/bus"
	"github.com/ocrbase/ocrbase/internal/common"
	"github.com/ocrbase/ocrbase/internal/entity"
	"github.com/ocrbase/ocrbase/internal/queue"
	"github.com/ocrbase/ocrbase/internal/repository"
	"github.com/ocrbase/ocrbase/internal/schema"
)

// Service is the submission API: it validates inputs, writes the job row,
// uploads bytes, and enqueues the work item. Execution errors after the row
// exists surface on the row itself, never synchronously.
type Service struct {
	jobs    repository.JobRepository
	blobs   blob.Store
	queue   queue.Queue
	events  bus.Bus
	schemas *schema.Service
	logger  *zap.Logger

	maxAttempts int
	presignTTL  time.Duration
}

func NewService(
	jobs repository.JobRepository,
	blobs blob.Store,
	q queue.Queue,
	events bus.Bus,
	schemas *schema.Service,
	logger *zap.Logger,
	maxAttempts int,
	presignTTL time.Duration,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	if presignTTL <= 0 {
		presignTTL = 15 * time.Minute
	}
	return &Service{
		jobs:        jobs,
		blobs:       blobs,
		queue:       q,
		events:      events,
		schemas:     schemas,
		logger:      logger,
		maxAttempts: maxAttempts,
		presignTTL:  presignTTL,
	}
}

// SubmitParams carries one admission request.
type SubmitParams struct {
	Type        constants.JobType
	FileName    string
	MimeType    string
	Data        []byte
	SourceURL   string
	SchemaID    string
	Hints       string
	SubmitterID string
	RequestID   string
}

// Submit admits a direct upload or a URL ingest and returns the job snapshot.
func (s *Service) Submit(ctx context.Context, tenantID string, p SubmitParams) (*entity.Job, error) {
	if err := s.validate(ctx, tenantID, &p); err != nil {
		return nil, err
	}

	job := s.newJob(tenantID, p)
	if p.SourceURL != "" {
		job.SourceURL = &p.SourceURL
	}
	if err := s.jobs.Insert(ctx, job); err != nil {
		s.logger.Error("job insert failed", zap.Error(err))
		return nil, err
	}

	if p.SourceURL == "" {
		key := blob.ObjectKey(tenantID, job.ID, job.FileName)
		if err := s.blobs.Put(ctx, key, p.Data, job.MimeType); err != nil {
			s.logger.Error("admission upload failed", zap.String("job_id", job.ID), zap.Error(err))
			return s.failJob(ctx, job.ID, common.CodeUploadFailed, "upload to blob store failed")
		}
		var err error
		if job, err = s.jobs.Update(ctx, job.ID, repository.JobPatch{BlobKey: &key}); err != nil {
			return nil, err
		}
	}

	return s.enqueue(ctx, job, p)
}

// enqueue inserts the work item once the row is durable; a failed enqueue
// is terminal for the job.
func (s *Service) enqueue(ctx context.Context, job *entity.Job, p SubmitParams) (*entity.Job, error) {
	item := queue.WorkItem{
		JobID:       job.ID,
		TenantID:    job.TenantID,
		SubmitterID: p.SubmitterID,
		RequestID:   p.RequestID,
	}
	err := s.queue.Enqueue(ctx, item, queue.EnqueueOptions{
		MaxAttempts: s.maxAttempts,
		DedupKey:    job.ID,
	})
	if err != nil && !errors.Is(err, queue.ErrDuplicate) {
		s.logger.Error("enqueue failed", zap.String("job_id", job.ID), zap.Error(err))
		return s.failJob(ctx, job.ID, common.CodeEnqueueFailed, "enqueue failed")
	}
	return job, nil
}

// failJob marks an admission failure terminal and returns the snapshot.
func (s *Service) failJob(ctx context.Context, jobID, code, message string) (*entity.Job, error) {
	status := constants.JobStatusFailed
	now := time.Now().UTC()
	job, err := s.jobs.Update(ctx, jobID, repository.JobPatch{
		Status:       &status,
		ErrorCode:    &code,
		ErrorMessage: &message,
		CompletedAt:  &now,
	})
	if err != nil {
		return nil, err
	}
	if err := s.events.Publish(ctx, bus.JobChannel(jobID), bus.FailedEvent(jobID, message)); err != nil {
		s.logger.Warn("failed-event publish failed", zap.String("job_id", jobID), zap.Error(err))
	}
	return job, nil
}

// Presign reserves a blob key, issues a short-lived upload URL, and creates
// the job in pending with no work item.
func (s *Service) Presign(ctx context.Context, tenantID string, p SubmitParams) (*entity.Job, string, error) {
	if p.FileName == "" {
		return nil, "", common.Fatal(common.CodeValidation, "fileName is required", nil)
	}
	if err := s.validateCommon(ctx, tenantID, &p); err != nil {
		return nil, "", err
	}

	job := s.newJob(tenantID, p)
	key := blob.ObjectKey(tenantID, job.ID, job.FileName)
	job.PendingUploadKey = &key
	if err := s.jobs.Insert(ctx, job); err != nil {
		return nil, "", err
	}

	uploadURL, err := s.blobs.PresignPut(ctx, key, job.MimeType, s.presignTTL)
	if err != nil {
		s.logger.Error("presign failed", zap.String("job_id", job.ID), zap.Error(err))
		if _, ferr := s.failJob(ctx, job.ID, common.CodeUploadFailed, "presign failed"); ferr != nil {
			return nil, "", ferr
		}
		return nil, "", err
	}
	return job, uploadURL, nil
}

// Confirm completes the two-phase upload: verifies ownership, pending
// status, and object existence, then enqueues exactly one work item. The
// repository's conditional claim is the serialization point, so two
// concurrent confirms cannot both enqueue; every loser gets the stable
// ALREADY_CONFIRMED error.
func (s *Service) Confirm(ctx context.Context, tenantID, jobID string) (*entity.Job, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil || job.TenantID != tenantID {
		return nil, common.Fatal(common.CodeJobNotFound, "job not found", err)
	}
	if job.Status != constants.JobStatusPending || job.BlobKey != nil || job.PendingUploadKey == nil {
		return nil, common.Fatal(common.CodeAlreadyConfirmed, "upload already confirmed", nil)
	}

	exists, err := s.blobs.Exists(ctx, *job.PendingUploadKey)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, common.Fatal(common.CodeValidation, "no object at reserved upload key", nil)
	}

	job, err = s.jobs.ClaimPendingUpload(ctx, jobID)
	if err != nil {
		if errors.Is(err, repository.ErrAlreadyClaimed) {
			return nil, common.Fatal(common.CodeAlreadyConfirmed, "upload already confirmed", nil)
		}
		if errors.Is(err, repository.ErrNotFound) {
			return nil, common.Fatal(common.CodeJobNotFound, "job not found", err)
		}
		return nil, err
	}
	return s.enqueue(ctx, job, SubmitParams{})
}

// GetJob returns a tenant-scoped snapshot; cross-tenant reads are 404.
func (s *Service) GetJob(ctx context.Context, tenantID, jobID string) (*entity.Job, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil || job.TenantID != tenantID {
		return nil, common.Fatal(common.CodeJobNotFound, "job not found", err)
	}
	return job, nil
}

// ListJobs returns a page of the tenant's jobs, newest first.
func (s *Service) ListJobs(ctx context.Context, tenantID string, status *constants.JobStatus, limit int, before time.Time) ([]*entity.Job, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.jobs.List(ctx, repository.ListFilter{
		TenantID: tenantID,
		Status:   status,
		Limit:    limit,
		Before:   before,
	})
}

// DeleteJob soft-deletes a tenant's job.
func (s *Service) DeleteJob(ctx context.Context, tenantID, jobID string) error {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil || job.TenantID != tenantID {
		return common.Fatal(common.CodeJobNotFound, "job not found", err)
	}
	return s.jobs.Delete(ctx, jobID)
}

func (s *Service) newJob(tenantID string, p SubmitParams) *entity.Job {
	job := &entity.Job{
		ID:          entity.NewJobID(),
		TenantID:    tenantID,
		Type:        p.Type,
		Status:      constants.JobStatusPending,
		FileName:    p.FileName,
		MimeType:    p.MimeType,
		FileSize:    int64(len(p.Data)),
		MaxAttempts: s.maxAttempts,
	}
	if p.SchemaID != "" {
		job.SchemaID = &p.SchemaID
	}
	if p.Hints != "" {
		job.Hints = &p.Hints
	}
	if job.FileName == "" {
		job.FileName = "document"
	}
	return job
}

func (s *Service) validate(ctx context.Context, tenantID string, p *SubmitParams) error {
	hasFile := len(p.Data) > 0
	hasURL := p.SourceURL != ""
	if hasFile == hasURL {
		return common.Fatal(common.CodeValidation, "exactly one of file or url is required", nil)
	}
	if hasFile {
		if int64(len(p.Data)) > constants.MaxFileSize {
			return common.Fatal(common.CodeValidation, "file exceeds 50 MiB limit", nil)
		}
		if !constants.MimeAllowed(p.MimeType) {
			return common.Fatal(common.CodeValidation, "unsupported mimeType: "+p.MimeType, nil)
		}
	}
	if hasURL {
		u, err := url.Parse(p.SourceURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return common.Fatal(common.CodeValidation, "url must be http or https", nil)
		}
	}
	return s.validateCommon(ctx, tenantID, p)
}

// validateCommon checks the pieces shared with the presign path.
func (s *Service) validateCommon(ctx context.Context, tenantID string, p *SubmitParams) error {
	if !p.Type.Valid() {
		return common.Fatal(common.CodeValidation, "type must be parse or extract", nil)
	}
	if p.MimeType != "" && len(p.Data) == 0 && p.SourceURL == "" && !constants.MimeAllowed(p.MimeType) {
		return common.Fatal(common.CodeValidation, "unsupported mimeType: "+p.MimeType, nil)
	}
	if p.Type == constants.JobTypeExtract {
		if p.SchemaID == "" {
			return common.Fatal(common.CodeValidation, "extract requires schemaId", nil)
		}
		if _, err := s.schemas.Get(ctx, tenantID, p.SchemaID); err != nil {
			return common.Fatal(common.CodeValidation, "schemaId does not resolve", err)
		}
	}
	return nil
}

// Schemas exposes the schema registry to the handlers.
func (s *Service) Schemas() *schema.Service { return s.schemas }
