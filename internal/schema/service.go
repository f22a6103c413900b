package schema

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/ocrbase/ocrbase/internal/common"
	"github.com/ocrbase/ocrbase/internal/entity"
	"github.com/ocrbase/ocrbase/internal/repository"
)

// Service stores and resolves schema documents for extract jobs.
type Service struct {
	repo repository.SchemaRepository
	log  *slog.Logger
}

func NewService(repo repository.SchemaRepository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, log: logger}
}

// Create normalizes raw caller input to the canonical form and stores it.
func (s *Service) Create(ctx context.Context, tenantID, name, description string, raw json.RawMessage) (*repository.SchemaRecord, error) {
	sc, err := Normalize(raw)
	if err != nil {
		return nil, common.Fatal(common.CodeValidation, "invalid schema", err)
	}
	rec := &repository.SchemaRecord{
		ID:          entity.NewSchemaID(),
		TenantID:    tenantID,
		Name:        name,
		Description: description,
		Doc:         sc.JSON(),
	}
	if err := s.repo.Insert(ctx, rec); err != nil {
		s.log.Error("schema insert failed", "tenant_id", tenantID, "error", err)
		return nil, err
	}
	s.log.Info("schema created", "schema_id", rec.ID, "tenant_id", tenantID)
	return rec, nil
}

// Get returns the stored record.
func (s *Service) Get(ctx context.Context, tenantID, id string) (*repository.SchemaRecord, error) {
	return s.repo.GetByID(ctx, tenantID, id)
}

// Resolve loads a schema for the worker. A missing row is unrecoverable.
func (s *Service) Resolve(ctx context.Context, tenantID, id string) (*Schema, error) {
	rec, err := s.repo.GetByID(ctx, tenantID, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, common.Fatal(common.CodeSchemaNotFound, "schema not found: "+id, err)
		}
		return nil, common.Transient(common.CodeSchemaNotFound, "schema lookup failed", err)
	}
	return FromJSONSchema(rec.Doc)
}
