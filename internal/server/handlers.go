package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ocrbase/ocrbase/constants"
	"github.com/ocrbase/ocrbase/internal/common"
	"github.com/ocrbase/ocrbase/internal/llm"
	"github.com/ocrbase/ocrbase/internal/repository"
)

// Handlers binds the submission service to the wire.
type Handlers struct {
	svc    *Service
	llm    llm.Extractor
	logger *zap.Logger
}

func NewHandlers(svc *Service, extractor llm.Extractor, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{svc: svc, llm: extractor, logger: logger}
}

// submitBody is the JSON variant of a submission (URL ingest).
type submitBody struct {
	URL      string `json:"url"`
	FileName string `json:"fileName"`
	MimeType string `json:"mimeType"`
	SchemaID string `json:"schemaId"`
	Hints    string `json:"hints"`
}

// Parse handles POST /v1/parse.
func (h *Handlers) Parse(c *gin.Context) {
	h.submit(c, constants.JobTypeParse)
}

// Extract handles POST /v1/extract.
func (h *Handlers) Extract(c *gin.Context) {
	h.submit(c, constants.JobTypeExtract)
}

func (h *Handlers) submit(c *gin.Context, typ constants.JobType) {
	tenant := TenantFromGin(c)
	p := SubmitParams{Type: typ, RequestID: common.RequestIDFromContext(c.Request.Context())}

	if fh, err := c.FormFile("file"); err == nil {
		f, err := fh.Open()
		if err != nil {
			writeError(c, common.Fatal(common.CodeValidation, "unreadable file", err))
			return
		}
		defer func() { _ = f.Close() }()
		data, err := io.ReadAll(io.LimitReader(f, constants.MaxFileSize+1))
		if err != nil {
			writeError(c, common.Fatal(common.CodeValidation, "unreadable file", err))
			return
		}
		p.Data = data
		p.FileName = fh.Filename
		p.MimeType = c.PostForm("mimeType")
		if p.MimeType == "" {
			p.MimeType = fh.Header.Get("Content-Type")
		}
		if name := c.PostForm("fileName"); name != "" {
			p.FileName = name
		}
		p.SchemaID = c.PostForm("schemaId")
		p.Hints = c.PostForm("hints")
		if u := c.PostForm("url"); u != "" {
			p.SourceURL = u
		}
	} else {
		var body submitBody
		if err := c.ShouldBindJSON(&body); err != nil {
			writeError(c, common.Fatal(common.CodeValidation, "invalid request body", err))
			return
		}
		p.SourceURL = body.URL
		p.FileName = body.FileName
		p.MimeType = body.MimeType
		p.SchemaID = body.SchemaID
		p.Hints = body.Hints
	}

	job, err := h.svc.Submit(c.Request.Context(), tenant, p)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

type presignBody struct {
	Type     string `json:"type"`
	FileName string `json:"fileName"`
	MimeType string `json:"mimeType"`
	SchemaID string `json:"schemaId"`
	Hints    string `json:"hints"`
}

// Presign handles POST /v1/uploads/presign.
func (h *Handlers) Presign(c *gin.Context) {
	var body presignBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, common.Fatal(common.CodeValidation, "invalid request body", err))
		return
	}
	typ := constants.JobType(body.Type)
	if body.Type == "" {
		typ = constants.JobTypeParse
	}
	job, uploadURL, err := h.svc.Presign(c.Request.Context(), TenantFromGin(c), SubmitParams{
		Type:     typ,
		FileName: body.FileName,
		MimeType: body.MimeType,
		SchemaID: body.SchemaID,
		Hints:    body.Hints,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobId": job.ID, "uploadUrl": uploadURL})
}

// Confirm handles POST /v1/uploads/:jobID/complete.
func (h *Handlers) Confirm(c *gin.Context) {
	job, err := h.svc.Confirm(c.Request.Context(), TenantFromGin(c), c.Param("jobID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// GetJob handles GET /v1/jobs/:jobID.
func (h *Handlers) GetJob(c *gin.Context) {
	job, err := h.svc.GetJob(c.Request.Context(), TenantFromGin(c), c.Param("jobID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// ListJobs handles GET /v1/jobs.
func (h *Handlers) ListJobs(c *gin.Context) {
	var status *constants.JobStatus
	if s := c.Query("status"); s != "" {
		js := constants.JobStatus(s)
		status = &js
	}
	var before time.Time
	if b := c.Query("before"); b != "" {
		t, err := time.Parse(time.RFC3339, b)
		if err != nil {
			writeError(c, common.Fatal(common.CodeValidation, "before must be RFC3339", err))
			return
		}
		before = t
	}
	limit := 0
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			limit = n
		}
	}
	jobs, err := h.svc.ListJobs(c.Request.Context(), TenantFromGin(c), status, limit, before)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

// DeleteJob handles DELETE /v1/jobs/:jobID.
func (h *Handlers) DeleteJob(c *gin.Context) {
	if err := h.svc.DeleteJob(c.Request.Context(), TenantFromGin(c), c.Param("jobID")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type schemaBody struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// CreateSchema handles POST /v1/schemas.
func (h *Handlers) CreateSchema(c *gin.Context) {
	var body schemaBody
	if err := c.ShouldBindJSON(&body); err != nil || len(body.Schema) == 0 {
		writeError(c, common.Fatal(common.CodeValidation, "schema is required", err))
		return
	}
	rec, err := h.svc.Schemas().Create(c.Request.Context(), TenantFromGin(c), body.Name, body.Description, body.Schema)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// GetSchema handles GET /v1/schemas/:schemaID.
func (h *Handlers) GetSchema(c *gin.Context) {
	rec, err := h.svc.Schemas().Get(c.Request.Context(), TenantFromGin(c), c.Param("schemaID"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "schema not found"})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

type generateSchemaBody struct {
	Markdown string `json:"markdown"`
	Hints    string `json:"hints"`
}

// GenerateSchema handles POST /v1/schemas/generate.
func (h *Handlers) GenerateSchema(c *gin.Context) {
	var body generateSchemaBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Markdown == "" {
		writeError(c, common.Fatal(common.CodeValidation, "markdown is required", err))
		return
	}
	res, err := h.llm.GenerateSchema(c.Request.Context(), body.Markdown, body.Hints)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// writeError maps typed failures onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	var ae *common.AppError
	if !errors.As(err, &ae) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	status := http.StatusInternalServerError
	switch ae.Code {
	case common.CodeValidation:
		status = http.StatusBadRequest
	case common.CodeJobNotFound, common.CodeSchemaNotFound:
		status = http.StatusNotFound
	case common.CodeAlreadyConfirmed:
		status = http.StatusConflict
	case "UNAUTHORIZED":
		status = http.StatusUnauthorized
	case common.CodeUploadFailed, common.CodeEnqueueFailed:
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"error": ae.Message, "code": ae.Code})
}
