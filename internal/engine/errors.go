package engine

import "errors"

// Sentinel errors callers match with errors.Is to pick a response.
var (
	// ErrJobNotFound means no job exists for the given id.
	ErrJobNotFound = errors.New("import job not found")

	// ErrDuplicateExtract means the extract number has already been
	// imported, or is not newer than the current one.
	ErrDuplicateExtract = errors.New("extract already imported or not newer than current")

	// ErrBatchNotPending means the requested batch could not be
	// claimed: it is being processed by another worker, or no pending
	// batch remains.
	ErrBatchNotPending = errors.New("no pending batch available to claim")

	// ErrBatchesIncomplete means finalize was called while batches
	// are still pending or processing. Retryable.
	ErrBatchesIncomplete = errors.New("not all batches are completed")

	// ErrJobNotProcessable means the job is not in a state that
	// accepts the requested operation.
	ErrJobNotProcessable = errors.New("job is not in a processable state")

	// ErrArchiveTooLarge means the uploaded archive exceeds the
	// configured size limit.
	ErrArchiveTooLarge = errors.New("archive exceeds configured size limit")

	// ErrInvalidManifest means the archive manifest failed validation.
	ErrInvalidManifest = errors.New("invalid manifest")
)

// Retryable reports whether the caller should retry the same call
// after other workers make progress, as opposed to treating the error
// as terminal for the job.
func Retryable(err error) bool {
	return errors.Is(err, ErrBatchesIncomplete) || errors.Is(err, ErrBatchNotPending)
}
