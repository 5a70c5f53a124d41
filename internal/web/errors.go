package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/openkbo/importer/internal/archive"
	"github.com/openkbo/importer/internal/engine"
	"github.com/openkbo/importer/internal/logging"
	"github.com/openkbo/importer/internal/registry"
)

// ErrorResponse is the JSON body of every error response. Retryable
// tells a driving worker whether the same call can simply be repeated
// after others make progress.
type ErrorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}

// statusFor maps engine and archive errors onto HTTP status codes.
// Unknown errors are internal; their details stay in the server log.
func statusFor(err error) int {
	var ve registry.ValidationError
	var pe *registry.ParseError
	switch {
	case errors.Is(err, engine.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrDuplicateExtract),
		errors.Is(err, engine.ErrBatchNotPending),
		errors.Is(err, engine.ErrBatchesIncomplete),
		errors.Is(err, engine.ErrJobNotProcessable):
		return http.StatusConflict
	case errors.Is(err, engine.ErrArchiveTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, archive.ErrMissingManifest),
		errors.Is(err, archive.ErrExtractNumberMismatch),
		errors.Is(err, archive.ErrSnapshotDateMismatch),
		errors.Is(err, engine.ErrInvalidManifest),
		errors.As(err, &ve),
		errors.As(err, &pe):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// respondError logs the technical error with the request id and writes
// the mapped JSON response. Internal errors are masked.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)

	logging.FromContext(r.Context()).Error("request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err)

	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:     msg,
		Retryable: engine.Retryable(err),
	})
}

// writeError writes a JSON error response with an explicit status and
// message, for failures that never reached the engine.
func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	logging.FromContext(r.Context()).Warn("request rejected",
		"path", r.URL.Path,
		"status", status,
		"message", message)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}

// writeJSON encodes v and writes it with a 200.
func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode error", "error", err)
	}
}
