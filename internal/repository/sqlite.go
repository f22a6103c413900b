package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ocrbase/ocrbase/constants"
	"github.com/ocrbase/ocrbase/internal/entity"
)

// sqliteDDL mirrors JobsDDL with SQLite types.
const sqliteDDL = `
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
	file_size          INTEGER NOT NULL DEFAULT 0,
	schema_id          TEXT,
	hints              TEXT,
	markdown_result    TEXT,
	json_result        TEXT,
	error_code         TEXT,
	error_message      TEXT,
	attempts_made      INTEGER NOT NULL DEFAULT 0,
	max_attempts       INTEGER NOT NULL DEFAULT 1,
	processing_time_ms INTEGER,
	page_count         INTEGER,
	llm_model          TEXT,
	token_count        INTEGER,
	created_at         TIMESTAMP NOT NULL,
	updated_at         TIMESTAMP NOT NULL,
	started_at         TIMESTAMP,
	completed_at       TIMESTAMP,
	deleted_at         TIMESTAMP
);
CREATE INDEX IF NOT EXISTS jobs_tenant_created_idx ON jobs (tenant_id, created_at DESC);

CREATE TABLE IF NOT EXISTS schemas (
	id          TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	doc         TEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL
);
`

// OpenSQLite opens (and migrates) the single-node job store.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*sql.DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// modernc sqlite is single-writer; keep the pool at one connection.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteDDL); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("opened sqlite job store", "path", path)
	return db, nil
}

// SQLiteJobRepository is the database/sql-backed job store for single-node
// deployments.
type SQLiteJobRepository struct {
	db  *sql.DB
	log *slog.Logger
}

func NewSQLiteJobRepository(db *sql.DB, log *slog.Logger) *SQLiteJobRepository {
	if log == nil {
		log = slog.Default()
	}
	return &SQLiteJobRepository{db: db, log: log}
}

func (r *SQLiteJobRepository) Insert(ctx context.Context, job *entity.Job) error {
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
	_, err := r.db.ExecContext(ctx, `INSERT INTO jobs (`+jobColumns+`) VALUES
		(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		job.ID, job.TenantID, string(job.Type), string(job.Status),
		job.BlobKey, job.SourceURL, job.PendingUploadKey,
		job.FileName, job.MimeType, job.FileSize, job.SchemaID, job.Hints,
		job.MarkdownResult, jsonResult, job.ErrorCode, job.ErrorMessage,
		job.AttemptsMade, job.MaxAttempts, job.ProcessingTimeMs,
		job.PageCount, job.LLMModel, job.TokenCount,
		job.CreatedAt, job.UpdatedAt, job.StartedAt, job.CompletedAt, job.DeletedAt)
	return err
}

func (r *SQLiteJobRepository) GetByID(ctx context.Context, id string) (*entity.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ? AND deleted_at IS NULL`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

func (r *SQLiteJobRepository) Update(ctx context.Context, id string, patch JobPatch) (*entity.Job, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ? AND deleted_at IS NULL`, id)
	cur, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
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

	set, args := buildSetSQLite(patch)
	args = append(args, id)
	q := fmt.Sprintf(`UPDATE jobs SET %s WHERE id = ?`, strings.Join(set, ", "))
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	applyPatch(cur, patch)
	cur.UpdatedAt = time.Now().UTC()
	return cur, nil
}

// ClaimPendingUpload relies on the same conditional UPDATE as the Postgres
// store; with the pool capped at one connection the write is serialized.
func (r *SQLiteJobRepository) ClaimPendingUpload(ctx context.Context, id string) (*entity.Job, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE jobs
		SET blob_key = pending_upload_key, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL AND status = ?
			AND blob_key IS NULL AND pending_upload_key IS NOT NULL`,
		time.Now().UTC(), id, string(constants.JobStatusPending))
	if err != nil {
		return nil, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, gerr := r.GetByID(ctx, id); gerr != nil {
			return nil, gerr
		}
		return nil, ErrAlreadyClaimed
	}
	return r.GetByID(ctx, id)
}

func (r *SQLiteJobRepository) Delete(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`, now, now, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLiteJobRepository) List(ctx context.Context, filter ListFilter) ([]*entity.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE tenant_id = ? AND deleted_at IS NULL`
	args := []any{filter.TenantID}
	if filter.Status != nil {
		q += " AND status = ?"
		args = append(args, string(*filter.Status))
	}
	if !filter.Before.IsZero() {
		q += " AND created_at < ?"
		args = append(args, filter.Before)
	}
	q += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

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

func buildSetSQLite(patch JobPatch) ([]string, []any) {
	var set []string
	var args []any
	add := func(col string, v any) {
		set = append(set, col+" = ?")
		args = append(args, v)
	}
	add("updated_at", time.Now().UTC())
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

// SQLiteSchemaRepository stores schema documents in SQLite.
type SQLiteSchemaRepository struct {
	db *sql.DB
}

func NewSQLiteSchemaRepository(db *sql.DB) *SQLiteSchemaRepository {
	return &SQLiteSchemaRepository{db: db}
}

func (r *SQLiteSchemaRepository) Insert(ctx context.Context, rec *SchemaRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO schemas (id, tenant_id, name, description, doc, created_at) VALUES (?,?,?,?,?,?)`,
		rec.ID, rec.TenantID, rec.Name, rec.Description, string(rec.Doc), rec.CreatedAt)
	return err
}

func (r *SQLiteSchemaRepository) GetByID(ctx context.Context, tenantID, id string) (*SchemaRecord, error) {
	var rec SchemaRecord
	var doc string
	err := r.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, description, doc, created_at FROM schemas WHERE id = ? AND tenant_id = ?`,
		id, tenantID).Scan(&rec.ID, &rec.TenantID, &rec.Name, &rec.Description, &doc, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec.Doc = []byte(doc)
	return &rec, nil
}
