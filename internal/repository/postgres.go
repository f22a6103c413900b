package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ocrbase/ocrbase/constants"
	"github.com/ocrbase/ocrbase/internal/entity"
)

// JobsDDL creates the jobs and schemas tables. Applied at startup; the
// statements are idempotent.
const JobsDDL = `
CREATE TABLE IF NOT EXISTS jobs (
	id                 TEXT PRIMARY KEY,
	tenant_id          TEXT NOT NULL,
	type               TEXT NOT NULL,
	status             TEXT NOT NULL,
	blob_key           TEXT,
	source_url         TEXT,
	pending_upload_key TEXT,
	file_name          TEXT NOT NULL DEFAULT '',
	mime_type          TEXT NOT NULL DEFAULT '',
	file_size          BIGINT NOT NULL DEFAULT 0,
	schema_id          TEXT,
	hints              TEXT,
	markdown_result    TEXT,
	json_result        TEXT,
	error_code         TEXT,
	error_message      TEXT,
	attempts_made      INTEGER NOT NULL DEFAULT 0,
	max_attempts       INTEGER NOT NULL DEFAULT 1,
	processing_time_ms BIGINT,
	page_count         INTEGER,
	llm_model          TEXT,
	token_count        INTEGER,
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL,
	started_at         TIMESTAMPTZ,
	completed_at       TIMESTAMPTZ,
	deleted_at         TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS jobs_tenant_created_idx ON jobs (tenant_id, created_at DESC);

CREATE TABLE IF NOT EXISTS schemas (
	id          TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	doc         TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);
`

const jobColumns = `id, tenant_id, type, status, blob_key, source_url, pending_upload_key,
	file_name, mime_type, file_size, schema_id, hints, markdown_result, json_result,
	error_code, error_message, attempts_made, max_attempts, processing_time_ms,
	page_count, llm_model, token_count, created_at, updated_at, started_at, completed_at, deleted_at`

// PostgresJobRepository is the pgx-backed job store.
type PostgresJobRepository struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

func NewPostgresJobRepository(pool *pgxpool.Pool, log *slog.Logger) *PostgresJobRepository {
	if log == nil {
		log = slog.Default()
	}
	return &PostgresJobRepository{pool: pool, log: log}
}

// Migrate applies the DDL.
func (r *PostgresJobRepository) Migrate(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, JobsDDL)
	return err
}

func (r *PostgresJobRepository) Insert(ctx context.Context, job *entity.Job) error {
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	var jsonResult *string
	if job.JSONResult != nil {
		s := string(job.JSONResult)
		jsonResult = &s
	}
	_, err := r.pool.Exec(ctx, `INSERT INTO jobs (`+jobColumns+`) VALUES
		($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27)`,
		job.ID, job.TenantID, string(job.Type), string(job.Status),
		job.BlobKey, job.SourceURL, job.PendingUploadKey,
		job.FileName, job.MimeType, job.FileSize, job.SchemaID, job.Hints,
		job.MarkdownResult, jsonResult, job.ErrorCode, job.ErrorMessage,
		job.AttemptsMade, job.MaxAttempts, job.ProcessingTimeMs,
		job.PageCount, job.LLMModel, job.TokenCount,
		job.CreatedAt, job.UpdatedAt, job.StartedAt, job.CompletedAt, job.DeletedAt)
	if err != nil {
		r.log.Error("job insert failed", "job_id", job.ID, "error", err)
	}
	return err
}

func (r *PostgresJobRepository) GetByID(ctx context.Context, id string) (*entity.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND deleted_at IS NULL`, id)
	return scanJob(row)
}

func (r *PostgresJobRepository) Update(ctx context.Context, id string, patch JobPatch) (*entity.Job, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`, id)
	cur, err := scanJob(row)
	if err != nil {
		return nil, err
	}
	if cur.Status.Terminal() && !patch.SoftDeleteOnly() {
		return nil, ErrTerminalState
	}
	if patch.Status != nil && *patch.Status != cur.Status {
		if !constants.CanTransition(cur.Status, *patch.Status) {
			return nil, ErrInvalidTransition
		}
	}

	set, args := buildSet(patch)
	args = append(args, id)
	q := fmt.Sprintf(`UPDATE jobs SET %s WHERE id = $%d`, strings.Join(set, ", "), len(args))
	if _, err := tx.Exec(ctx, q, args...); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	applyPatch(cur, patch)
	cur.UpdatedAt = time.Now().UTC()
	return cur, nil
}

// ClaimPendingUpload is a single conditional UPDATE, so the pending→claimed
// transition needs no transaction: exactly one concurrent confirm matches
// the WHERE clause.
func (r *PostgresJobRepository) ClaimPendingUpload(ctx context.Context, id string) (*entity.Job, error) {
	row := r.pool.QueryRow(ctx, `UPDATE jobs
		SET blob_key = pending_upload_key, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL AND status = $2
			AND blob_key IS NULL AND pending_upload_key IS NOT NULL
		RETURNING `+jobColumns, id, string(constants.JobStatusPending))
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// No row matched: either the job is gone or it was already
			// claimed.
			if _, gerr := r.GetByID(ctx, id); gerr != nil {
				return nil, gerr
			}
			return nil, ErrAlreadyClaimed
		}
		return nil, err
	}
	return j, nil
}

func (r *PostgresJobRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE jobs SET deleted_at = now(), updated_at = now() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresJobRepository) List(ctx context.Context, filter ListFilter) ([]*entity.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE tenant_id = $1 AND deleted_at IS NULL`
	args := []any{filter.TenantID}
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		q += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if !filter.Before.IsZero() {
		args = append(args, filter.Before)
		q += fmt.Sprintf(" AND created_at < $%d", len(args))
	}
	q += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*entity.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// buildSet renders the field-scoped SET clause for a patch.
func buildSet(patch JobPatch) ([]string, []any) {
	set := []string{"updated_at = now()"}
	var args []any
	add := func(col string, v any) {
		args = append(args, v)
		set = append(set, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.BlobKey != nil {
		add("blob_key", *patch.BlobKey)
	}
	if patch.PendingUploadKey != nil {
		add("pending_upload_key", *patch.PendingUploadKey)
	}
	if patch.MimeType != nil {
		add("mime_type", *patch.MimeType)
	}
	if patch.FileSize != nil {
		add("file_size", *patch.FileSize)
	}
	if patch.MarkdownResult != nil {
		add("markdown_result", *patch.MarkdownResult)
	}
	if patch.JSONResult != nil {
		add("json_result", string(patch.JSONResult))
	}
	if patch.ErrorCode != nil {
		add("error_code", *patch.ErrorCode)
	}
	if patch.ErrorMessage != nil {
		add("error_message", *patch.ErrorMessage)
	}
	if patch.AttemptsMade != nil {
		add("attempts_made", *patch.AttemptsMade)
	}
	if patch.ProcessingTimeMs != nil {
		add("processing_time_ms", *patch.ProcessingTimeMs)
	}
	if patch.PageCount != nil {
		add("page_count", *patch.PageCount)
	}
	if patch.LLMModel != nil {
		add("llm_model", *patch.LLMModel)
	}
	if patch.TokenCount != nil {
		add("token_count", *patch.TokenCount)
	}
	if patch.StartedAt != nil {
		add("started_at", *patch.StartedAt)
	}
	if patch.CompletedAt != nil {
		add("completed_at", *patch.CompletedAt)
	}
	if patch.DeletedAt != nil {
		add("deleted_at", *patch.DeletedAt)
	}
	return set, args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*entity.Job, error) {
	var j entity.Job
	var typ, status string
	var jsonResult *string
	err := row.Scan(&j.ID, &j.TenantID, &typ, &status, &j.BlobKey, &j.SourceURL, &j.PendingUploadKey,
		&j.FileName, &j.MimeType, &j.FileSize, &j.SchemaID, &j.Hints, &j.MarkdownResult, &jsonResult,
		&j.ErrorCode, &j.ErrorMessage, &j.AttemptsMade, &j.MaxAttempts, &j.ProcessingTimeMs,
		&j.PageCount, &j.LLMModel, &j.TokenCount, &j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.CompletedAt, &j.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	j.Type = constants.JobType(typ)
	j.Status = constants.JobStatus(status)
	if jsonResult != nil {
		j.JSONResult = []byte(*jsonResult)
	}
	return &j, nil
}

// PostgresSchemaRepository stores schema documents in Postgres.
type PostgresSchemaRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresSchemaRepository(pool *pgxpool.Pool) *PostgresSchemaRepository {
	return &PostgresSchemaRepository{pool: pool}
}

func (r *PostgresSchemaRepository) Insert(ctx context.Context, rec *SchemaRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO schemas (id, tenant_id, name, description, doc, created_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		rec.ID, rec.TenantID, rec.Name, rec.Description, string(rec.Doc), rec.CreatedAt)
	return err
}

func (r *PostgresSchemaRepository) GetByID(ctx context.Context, tenantID, id string) (*SchemaRecord, error) {
	var rec SchemaRecord
	var doc string
	err := r.pool.QueryRow(ctx,
		`SELECT id, tenant_id, name, description, doc, created_at FROM schemas WHERE id = $1 AND tenant_id = $2`,
		id, tenantID).Scan(&rec.ID, &rec.TenantID, &rec.Name, &rec.Description, &doc, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec.Doc = []byte(doc)
	return &rec, nil
}
