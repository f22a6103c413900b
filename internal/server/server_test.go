package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ocrbase/ocrbase/constants"
	"github.com/ocrbase/ocrbase/internal/blob"
	"github.com/ocrbase/ocrbase/internal/bus"
	"github.com/ocrbase/ocrbase/internal/common"
	"github.com/ocrbase/ocrbase/internal/entity"
	"github.com/ocrbase/ocrbase/internal/export"
	"github.com/ocrbase/ocrbase/internal/llm"
	"github.com/ocrbase/ocrbase/internal/ocr"
	"github.com/ocrbase/ocrbase/internal/queue"
	"github.com/ocrbase/ocrbase/internal/realtime"
	"github.com/ocrbase/ocrbase/internal/repository"
	"github.com/ocrbase/ocrbase/internal/schema"
	"github.com/ocrbase/ocrbase/internal/worker"
)

type stubOCR struct{}

func (stubOCR) Parse(_ context.Context, _ []byte, _ string) (ocr.Result, error) {
	return ocr.Result{Markdown: "# Parsed document\n\ntotal 42 acme", PageCount: 1}, nil
}

type stubLLM struct{}

func (stubLLM) Extract(_ context.Context, _ llm.ExtractRequest) (llm.ExtractResult, error) {
	return llm.ExtractResult{
		Data:  json.RawMessage(`{"total": 42, "vendor": "acme"}`),
		Model: "gpt-4o-mini",
		Usage: llm.Usage{TotalTokens: 50},
	}, nil
}

func (stubLLM) GenerateSchema(_ context.Context, _, _ string) (llm.SchemaResult, error) {
	return llm.SchemaResult{
		Name:   "invoice",
		Schema: json.RawMessage(`{"type":"object","properties":{"total":{"type":"number"}},"required":["total"]}`),
	}, nil
}

type harness struct {
	engine *gin.Engine
	jobs   *repository.MemoryJobRepository
	blobs  *blob.MemoryStore
	queue  *queue.MemoryQueue
	svc    *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	jobs := repository.NewMemoryJobRepository()
	blobs := blob.NewMemoryStore()
	events := bus.NewMemoryBus()
	q := queue.NewMemoryQueue(nil,
		queue.WithWorkers(2),
		queue.WithMaxAttempts(3),
		queue.WithBackoff(time.Millisecond, 10*time.Millisecond),
	)
	t.Cleanup(func() { q.Shutdown(context.Background()) })

	schemaSvc := schema.NewService(repository.NewMemorySchemaRepository(), nil)
	w := worker.New(worker.Deps{
		Jobs:    jobs,
		Blobs:   blobs,
		Bus:     events,
		OCR:     stubOCR{},
		LLM:     stubLLM{},
		Schemas: schemaSvc,
	})
	q.OnTerminalFailure(w.HandleTerminalFailure)
	q.Subscribe(w.Handle)

	resolver := StaticKeys{"sk_one": "tn_one", "sk_two": "tn_two"}
	svc := NewService(jobs, blobs, q, events, schemaSvc, nil, 3, time.Minute)
	registry := bus.NewRegistry(events, jobs, nil)
	gateway := realtime.NewGateway(registry, jobs, GatewayAuth(resolver), nil)

	engine := NewRouter(RouterDeps{
		Handlers: NewHandlers(svc, stubLLM{}, nil),
		Gateway:  gateway,
		Export:   export.NewService(jobs, nil),
		Resolver: resolver,
	})
	return &harness{engine: engine, jobs: jobs, blobs: blobs, queue: q, svc: svc}
}

func (h *harness) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.engine.ServeHTTP(rec, req)
	return rec
}

func multipartBody(t *testing.T, data []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "doc.pdf")
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	if _, err := fw.Write(data); err != nil {
		t.Fatalf("write form: %v", err)
	}
	for k, v := range fields {
		_ = mw.WriteField(k, v)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close form: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func (h *harness) submitFile(t *testing.T, path, key string, data []byte, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	if fields == nil {
		fields = map[string]string{}
	}
	if _, ok := fields["mimeType"]; !ok {
		fields["mimeType"] = "application/pdf"
	}
	body, contentType := multipartBody(t, data, fields)
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+key)
	return h.do(t, req)
}

func (h *harness) getJob(t *testing.T, key, id string) (*entity.Job, int) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/"+id, nil)
	req.Header.Set("Authorization", "Bearer "+key)
	rec := h.do(t, req)
	if rec.Code != http.StatusOK {
		return nil, rec.Code
	}
	var job entity.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	return &job, rec.Code
}

func (h *harness) awaitTerminal(t *testing.T, key, id string) *entity.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, code := h.getJob(t, key, id)
		if code != http.StatusOK {
			t.Fatalf("get job status %d", code)
		}
		if job.Status.Terminal() {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached terminal state", id)
	return nil
}

func decodeJob(t *testing.T, rec *httptest.ResponseRecorder) *entity.Job {
	t.Helper()
	var job entity.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode job: %v (body: %s)", err, rec.Body.String())
	}
	return &job
}

func TestUnauthenticatedIs401(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/job_x", nil)
	if rec := h.do(t, req); rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestParseEndToEnd(t *testing.T) {
	h := newHarness(t)
	rec := h.submitFile(t, "/v1/parse", "sk_one", bytes.Repeat([]byte("x"), 100<<10), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("submit status = %d: %s", rec.Code, rec.Body.String())
	}
	job := decodeJob(t, rec)
	if job.Status != constants.JobStatusPending {
		t.Fatalf("admitted status = %s, want pending", job.Status)
	}

	final := h.awaitTerminal(t, "sk_one", job.ID)
	if final.Status != constants.JobStatusCompleted {
		t.Fatalf("status = %s (%v), want completed", final.Status, final.ErrorMessage)
	}
	if final.MarkdownResult == nil || *final.MarkdownResult == "" {
		t.Fatalf("markdownResult empty")
	}
	if final.JSONResult != nil {
		t.Fatalf("jsonResult must be null for parse")
	}
	if final.PageCount == nil || *final.PageCount != 1 {
		t.Fatalf("pageCount = %v, want 1", final.PageCount)
	}
}

func TestExtractEndToEnd(t *testing.T) {
	h := newHarness(t)

	schemaReq := httptest.NewRequest(http.MethodPost, "/v1/schemas",
		bytes.NewBufferString(`{"name":"invoice","schema":{"total":"number","vendor":"string"}}`))
	schemaReq.Header.Set("Content-Type", "application/json")
	schemaReq.Header.Set("Authorization", "Bearer sk_one")
	schemaRec := h.do(t, schemaReq)
	if schemaRec.Code != http.StatusOK {
		t.Fatalf("create schema: %d %s", schemaRec.Code, schemaRec.Body.String())
	}
	var created repository.SchemaRecord
	_ = json.Unmarshal(schemaRec.Body.Bytes(), &created)

	rec := h.submitFile(t, "/v1/extract", "sk_one", []byte("fake image"), map[string]string{
		"mimeType": "image/png",
		"schemaId": created.ID,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("submit: %d %s", rec.Code, rec.Body.String())
	}
	job := decodeJob(t, rec)

	final := h.awaitTerminal(t, "sk_one", job.ID)
	if final.Status != constants.JobStatusCompleted {
		t.Fatalf("status = %s (%v)", final.Status, final.ErrorMessage)
	}
	var fields map[string]any
	if err := json.Unmarshal(final.JSONResult, &fields); err != nil {
		t.Fatalf("jsonResult: %v", err)
	}
	if _, ok := fields["total"].(float64); !ok {
		t.Fatalf("total missing: %v", fields)
	}
	if _, ok := fields["vendor"].(string); !ok {
		t.Fatalf("vendor missing: %v", fields)
	}
	if final.LLMModel == nil || *final.LLMModel == "" {
		t.Fatalf("llmModel empty")
	}
}

func TestExtractRequiresResolvableSchema(t *testing.T) {
	h := newHarness(t)
	rec := h.submitFile(t, "/v1/extract", "sk_one", []byte("img"), map[string]string{"mimeType": "image/png"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing schemaId: status = %d, want 400", rec.Code)
	}
	rec = h.submitFile(t, "/v1/extract", "sk_one", []byte("img"), map[string]string{
		"mimeType": "image/png",
		"schemaId": "sch_missing",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unresolvable schemaId: status = %d, want 400", rec.Code)
	}
}

func TestFileSizeBoundary(t *testing.T) {
	h := newHarness(t)

	atLimit := make([]byte, constants.MaxFileSize)
	rec := h.submitFile(t, "/v1/parse", "sk_one", atLimit, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("file at 50 MiB rejected: %d %s", rec.Code, rec.Body.String())
	}

	overLimit := make([]byte, constants.MaxFileSize+1)
	rec = h.submitFile(t, "/v1/parse", "sk_one", overLimit, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("file over 50 MiB accepted: %d", rec.Code)
	}
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["code"] != "VALIDATION" {
		t.Fatalf("code = %v, want VALIDATION", body["code"])
	}
}

func TestRejectsBadMimeAndScheme(t *testing.T) {
	h := newHarness(t)

	rec := h.submitFile(t, "/v1/parse", "sk_one", []byte("zip"), map[string]string{"mimeType": "application/zip"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad mime accepted: %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/parse",
		bytes.NewBufferString(`{"url":"ftp://example.com/doc.pdf"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer sk_one")
	if rec := h.do(t, req); rec.Code != http.StatusBadRequest {
		t.Fatalf("ftp url accepted: %d", rec.Code)
	}
}

func TestCrossTenantReadsAre404(t *testing.T) {
	h := newHarness(t)
	rec := h.submitFile(t, "/v1/parse", "sk_one", []byte("doc"), nil)
	job := decodeJob(t, rec)

	if _, code := h.getJob(t, "sk_two", job.ID); code != http.StatusNotFound {
		t.Fatalf("cross-tenant status = %d, want 404", code)
	}
}

func TestPresignConfirmFlow(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/uploads/presign",
		bytes.NewBufferString(`{"type":"parse","fileName":"scan.pdf","mimeType":"application/pdf"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer sk_one")
	rec := h.do(t, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("presign: %d %s", rec.Code, rec.Body.String())
	}
	var presign struct {
		JobID     string `json:"jobId"`
		UploadURL string `json:"uploadUrl"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &presign)
	if presign.JobID == "" || presign.UploadURL == "" {
		t.Fatalf("presign payload = %s", rec.Body.String())
	}

	// Confirm before the object exists is a validation error.
	confirm := func() *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/v1/uploads/"+presign.JobID+"/complete", nil)
		r.Header.Set("Authorization", "Bearer sk_one")
		return h.do(t, r)
	}
	if rec := confirm(); rec.Code != http.StatusBadRequest {
		t.Fatalf("confirm without object: %d, want 400", rec.Code)
	}

	// Simulate the caller PUTting to the presigned URL.
	key := blob.ObjectKey("tn_one", presign.JobID, "scan.pdf")
	if err := h.blobs.Put(context.Background(), key, []byte("%PDF"), "application/pdf"); err != nil {
		t.Fatalf("upload: %v", err)
	}

	if rec := confirm(); rec.Code != http.StatusOK {
		t.Fatalf("confirm: %d %s", rec.Code, rec.Body.String())
	}

	// Second confirm is a stable conflict and does not enqueue again.
	rec2 := confirm()
	if rec2.Code != http.StatusConflict {
		t.Fatalf("second confirm: %d, want 409", rec2.Code)
	}
	var body map[string]any
	_ = json.Unmarshal(rec2.Body.Bytes(), &body)
	if body["code"] != "ALREADY_CONFIRMED" {
		t.Fatalf("code = %v, want ALREADY_CONFIRMED", body["code"])
	}

	final := h.awaitTerminal(t, "sk_one", presign.JobID)
	if final.Status != constants.JobStatusCompleted {
		t.Fatalf("status = %s (%v)", final.Status, final.ErrorMessage)
	}
}

func TestConcurrentConfirmsEnqueueOnce(t *testing.T) {
	h := newHarness(t)

	job, _, err := h.svc.Presign(context.Background(), "tn_one", SubmitParams{
		Type:     constants.JobTypeParse,
		FileName: "scan.pdf",
		MimeType: "application/pdf",
	})
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	key := blob.ObjectKey("tn_one", job.ID, "scan.pdf")
	if err := h.blobs.Put(context.Background(), key, []byte("%PDF"), "application/pdf"); err != nil {
		t.Fatalf("upload: %v", err)
	}

	const racers = 8
	var wg sync.WaitGroup
	var confirmed int32
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := h.svc.Confirm(context.Background(), "tn_one", job.ID); err == nil {
				atomic.AddInt32(&confirmed, 1)
			} else {
				errs[i] = err
			}
		}(i)
	}
	wg.Wait()

	if confirmed != 1 {
		t.Fatalf("confirms succeeded = %d, want exactly 1", confirmed)
	}
	for _, err := range errs {
		if err == nil {
			continue
		}
		var ae *common.AppError
		if !errors.As(err, &ae) || ae.Code != common.CodeAlreadyConfirmed {
			t.Fatalf("loser err = %v, want ALREADY_CONFIRMED", err)
		}
	}

	if final := h.awaitTerminal(t, "sk_one", job.ID); final.Status != constants.JobStatusCompleted {
		t.Fatalf("status = %s (%v)", final.Status, final.ErrorMessage)
	}
}

func TestSubmittingSameBytesTwiceYieldsDistinctJobs(t *testing.T) {
	h := newHarness(t)
	data := []byte("identical bytes")
	a := decodeJob(t, h.submitFile(t, "/v1/parse", "sk_one", data, nil))
	b := decodeJob(t, h.submitFile(t, "/v1/parse", "sk_one", data, nil))
	if a.ID == b.ID {
		t.Fatalf("duplicate submissions shared an id: %s", a.ID)
	}
	for _, id := range []string{a.ID, b.ID} {
		if final := h.awaitTerminal(t, "sk_one", id); final.Status != constants.JobStatusCompleted {
			t.Fatalf("job %s status = %s", id, final.Status)
		}
	}
}

func TestURLIngestExhaustsRetriesThenFails(t *testing.T) {
	h := newHarness(t)
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/parse",
		bytes.NewBufferString(fmt.Sprintf(`{"url":%q}`, down.URL)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer sk_one")
	rec := h.do(t, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("submit: %d %s", rec.Code, rec.Body.String())
	}
	job := decodeJob(t, rec)

	final := h.awaitTerminal(t, "sk_one", job.ID)
	if final.Status != constants.JobStatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if final.ErrorCode == nil || *final.ErrorCode != "FETCH_FAILED" {
		t.Fatalf("errorCode = %v, want FETCH_FAILED", final.ErrorCode)
	}
	if final.AttemptsMade != 3 {
		t.Fatalf("attemptsMade = %d, want 3", final.AttemptsMade)
	}
}

func TestListAndDeleteJobs(t *testing.T) {
	h := newHarness(t)
	job := decodeJob(t, h.submitFile(t, "/v1/parse", "sk_one", []byte("doc"), nil))
	h.awaitTerminal(t, "sk_one", job.ID)

	listReq := httptest.NewRequest(http.MethodGet, "/v1/jobs?status=completed", nil)
	listReq.Header.Set("Authorization", "Bearer sk_one")
	listRec := h.do(t, listReq)
	var listBody struct {
		Jobs []entity.Job `json:"jobs"`
	}
	_ = json.Unmarshal(listRec.Body.Bytes(), &listBody)
	if len(listBody.Jobs) != 1 {
		t.Fatalf("listed %d jobs, want 1", len(listBody.Jobs))
	}

	delReq := httptest.NewRequest(http.MethodDelete, "/v1/jobs/"+job.ID, nil)
	delReq.Header.Set("Authorization", "Bearer sk_one")
	if rec := h.do(t, delReq); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	if _, code := h.getJob(t, "sk_one", job.ID); code != http.StatusNotFound {
		t.Fatalf("deleted job still readable: %d", code)
	}
}

func TestExportJobsXLSX(t *testing.T) {
	h := newHarness(t)
	job := decodeJob(t, h.submitFile(t, "/v1/parse", "sk_one", []byte("doc"), nil))
	h.awaitTerminal(t, "sk_one", job.ID)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/export", nil)
	req.Header.Set("Authorization", "Bearer sk_one")
	rec := h.do(t, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("export: %d", rec.Code)
	}
	// XLSX is a zip container.
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte("PK")) {
		t.Fatalf("export is not an xlsx container")
	}
}

func TestGenerateSchemaEndpoint(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/schemas/generate",
		bytes.NewBufferString(`{"markdown":"# Invoice\ntotal 42"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer sk_one")
	rec := h.do(t, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("generate: %d %s", rec.Code, rec.Body.String())
	}
	var res llm.SchemaResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil || len(res.Schema) == 0 {
		t.Fatalf("bad payload: %s", rec.Body.String())
	}
}
