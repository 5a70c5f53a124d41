package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/openkbo/importer/internal/engine"
	"github.com/openkbo/importer/internal/logging"
)

// handleHealth reports liveness and database reachability.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.pool.Ping(r.Context()); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// handlePrepare accepts the extract archive as a multipart upload
// (field "archive", the workflow id in field "workflow_id", and an
// optional "worker_type" tag) or as a raw zip body with the same
// values as query parameters. The response carries the job id and
// batch plan.
func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request) {
	workflowID, workerType, data, err := readArchive(r, s.cfg.Import.MaxArchiveSize)
	if errors.Is(err, engine.ErrArchiveTooLarge) {
		respondError(w, r, err)
		return
	}
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if workflowID == "" {
		writeError(w, r, http.StatusBadRequest, "workflow_id is required")
		return
	}

	result, err := s.engine.Prepare(r.Context(), workflowID, workerType, data)
	if err != nil {
		respondError(w, r, err)
		return
	}

	logging.WithFields(r.Context(), "workflow_id", workflowID, "job_id", result.JobID).
		Info("extract accepted",
			"extract_number", result.ExtractNumber,
			"already_prepared", result.AlreadyPrepared)
	writeJSON(w, result)
}

// processBatchRequest is the optional body of a process-batch call.
// Omitting it, or leaving Table empty, asks the engine to pick the
// next pending batch itself.
type processBatchRequest struct {
	Table       string `json:"table"`
	BatchNumber int    `json:"batchNumber"`
}

func (s *Server) handleProcessBatch(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}

	var req processBatchRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, http.StatusBadRequest, "malformed request body")
			return
		}
	}
	if req.Table != "" && req.BatchNumber < 1 {
		writeError(w, r, http.StatusBadRequest, "batchNumber must be positive when table is set")
		return
	}

	result, err := s.engine.ProcessBatch(r.Context(), jobID, req.Table, req.BatchNumber)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, result)
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}

	result, err := s.engine.Finalize(r.Context(), jobID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, result)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}

	progress, err := s.engine.GetProgress(r.Context(), jobID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, progress)
}

// handleCodeLookup resolves a code description, preferring the language
// in the language query parameter and falling back across the others.
func (s *Server) handleCodeLookup(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	code := chi.URLParam(r, "code")
	language := r.URL.Query().Get("language")

	description, found, err := s.codes.Lookup(r.Context(), category, code, language)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if !found {
		writeError(w, r, http.StatusNotFound, "unknown code")
		return
	}
	writeJSON(w, map[string]string{
		"category":    category,
		"code":        code,
		"description": description,
	})
}

// jobIDParam parses the jobID path parameter, writing the error
// response itself when the value is not a UUID.
func jobIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "jobID must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

// readArchive extracts the workflow id, worker-type tag and archive
// bytes from either upload form. The size limit is enforced while
// reading so an oversized body never fully buffers.
func readArchive(r *http.Request, maxSize int64) (workflowID, workerType string, data []byte, err error) {
	limit := maxSize
	if limit <= 0 {
		limit = 1 << 30
	}

	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			return "", "", nil, errors.New("malformed multipart form")
		}
		file, _, err := r.FormFile("archive")
		if err != nil {
			return "", "", nil, errors.New("archive file field is required")
		}
		defer file.Close()

		data, err = readLimited(file, limit)
		if err != nil {
			return "", "", nil, err
		}
		return r.FormValue("workflow_id"), r.FormValue("worker_type"), data, nil
	}

	data, err = readLimited(r.Body, limit)
	if err != nil {
		return "", "", nil, err
	}
	q := r.URL.Query()
	return q.Get("workflow_id"), q.Get("worker_type"), data, nil
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, errors.New("failed to read archive")
	}
	if int64(len(data)) > limit {
		return nil, engine.ErrArchiveTooLarge
	}
	return data, nil
}
