package web

import (
	"bytes"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/openkbo/importer/internal/archive"
	"github.com/openkbo/importer/internal/engine"
	"github.com/openkbo/importer/internal/registry"
)

// ============================================================================
// Error mapping
// ============================================================================

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"job not found", engine.ErrJobNotFound, http.StatusNotFound},
		{"wrapped job not found", fmt.Errorf("job x: %w", engine.ErrJobNotFound), http.StatusNotFound},
		{"duplicate extract", engine.ErrDuplicateExtract, http.StatusConflict},
		{"batch not pending", engine.ErrBatchNotPending, http.StatusConflict},
		{"batches incomplete", engine.ErrBatchesIncomplete, http.StatusConflict},
		{"job not processable", engine.ErrJobNotProcessable, http.StatusConflict},
		{"archive too large", engine.ErrArchiveTooLarge, http.StatusRequestEntityTooLarge},
		{"missing manifest", archive.ErrMissingManifest, http.StatusUnprocessableEntity},
		{"extract number mismatch", archive.ErrExtractNumberMismatch, http.StatusUnprocessableEntity},
		{"snapshot date mismatch", archive.ErrSnapshotDateMismatch, http.StatusUnprocessableEntity},
		{"invalid manifest", fmt.Errorf("%w: bad", engine.ErrInvalidManifest), http.StatusUnprocessableEntity},
		{"joined manifest violations", errors.Join(
			engine.ErrInvalidManifest,
			registry.ValidationError{Field: "SnapshotDate", Message: "in the future"},
		), http.StatusUnprocessableEntity},
		{"manifest validation error", registry.ValidationError{Field: "Version", Message: "must not be empty"}, http.StatusUnprocessableEntity},
		{"date parse error", fmt.Errorf("bad row: %w", &registry.ParseError{Kind: "date", Value: "2024-01-01"}), http.StatusUnprocessableEntity},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusFor(tt.err); got != tt.want {
				t.Errorf("statusFor() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRespondErrorMasksInternal(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/import/x/progress", nil)

	respondError(rec, req, errors.New("pq: column does not exist"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "column does not exist") {
		t.Errorf("internal details leaked to client: %s", rec.Body.String())
	}
}

func TestRespondErrorMarksRetryable(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/import/x/finalize", nil)

	respondError(rec, req, fmt.Errorf("3 batches outstanding: %w", engine.ErrBatchesIncomplete))

	if !strings.Contains(rec.Body.String(), `"retryable":true`) {
		t.Errorf("retryable flag missing: %s", rec.Body.String())
	}
}

// ============================================================================
// Archive upload parsing
// ============================================================================

func TestReadArchiveMultipart(t *testing.T) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("workflow_id", "import-2024-06"); err != nil {
		t.Fatal(err)
	}
	if err := mw.WriteField("worker_type", "kbo-full"); err != nil {
		t.Fatal(err)
	}
	fw, err := mw.CreateFormFile("archive", "extract.zip")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte("zip-bytes"))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/import/prepare", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	workflowID, workerType, data, err := readArchive(req, 1<<20)
	if err != nil {
		t.Fatalf("readArchive() error = %v", err)
	}
	if workflowID != "import-2024-06" {
		t.Errorf("workflow id = %q", workflowID)
	}
	if workerType != "kbo-full" {
		t.Errorf("worker type = %q", workerType)
	}
	if string(data) != "zip-bytes" {
		t.Errorf("data = %q", data)
	}
}

func TestReadArchiveRawBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost,
		"/api/import/prepare?workflow_id=import-2024-07",
		strings.NewReader("raw-zip"))
	req.Header.Set("Content-Type", "application/zip")

	workflowID, _, data, err := readArchive(req, 1<<20)
	if err != nil {
		t.Fatalf("readArchive() error = %v", err)
	}
	if workflowID != "import-2024-07" {
		t.Errorf("workflow id = %q", workflowID)
	}
	if string(data) != "raw-zip" {
		t.Errorf("data = %q", data)
	}
}

func TestReadArchiveTooLarge(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost,
		"/api/import/prepare?workflow_id=x",
		strings.NewReader(strings.Repeat("a", 100)))
	req.Header.Set("Content-Type", "application/zip")

	_, _, _, err := readArchive(req, 10)
	if !errors.Is(err, engine.ErrArchiveTooLarge) {
		t.Errorf("error = %v, want ErrArchiveTooLarge", err)
	}
}

func TestReadArchiveMissingFileField(t *testing.T) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("workflow_id", "x")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/import/prepare", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	if _, _, _, err := readArchive(req, 1<<20); err == nil {
		t.Error("expected an error for a form without the archive field")
	}
}

// ============================================================================
// Rate limiting
// ============================================================================

func TestRateLimiterAllow(t *testing.T) {
	rl := &rateLimiter{
		visitors: make(map[string]*visitor),
		rate:     3,
		window:   time.Minute,
	}

	for i := 0; i < 3; i++ {
		if !rl.allow("10.0.0.1") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if rl.allow("10.0.0.1") {
		t.Error("request over the limit should be denied")
	}
	if !rl.allow("10.0.0.2") {
		t.Error("a different IP should have its own bucket")
	}
}

func TestRateLimiterWindowReset(t *testing.T) {
	rl := &rateLimiter{
		visitors: make(map[string]*visitor),
		rate:     1,
		window:   10 * time.Millisecond,
	}

	if !rl.allow("10.0.0.1") {
		t.Fatal("first request should be allowed")
	}
	if rl.allow("10.0.0.1") {
		t.Fatal("second request inside the window should be denied")
	}
	time.Sleep(20 * time.Millisecond)
	if !rl.allow("10.0.0.1") {
		t.Error("request after the window should be allowed again")
	}
}

// ============================================================================
// Security headers
// ============================================================================

func TestSecurityHeaders(t *testing.T) {
	handler := securityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q", got)
	}
}
