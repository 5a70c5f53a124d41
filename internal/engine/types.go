// Package engine implements the batched import and temporal snapshot
// engine: staging a downloaded extract archive, applying staged rows to
// the versioned entity tables in fixed-size batches, finalizing the
// snapshot, and reporting resumable progress. The engine is invoked by
// short-lived stateless callers; all coordination state lives in the
// database so multiple isolated processes can drive the same job.
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// DBTX is the interface for database operations.
// Satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// JobStatus is the lifecycle state of an import job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobStaging    JobStatus = "staging"
	JobProcessing JobStatus = "processing"
	JobFinalizing JobStatus = "finalizing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// BatchStatus is the state of one (table, batch) pair.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

// Staged row operations.
const (
	OpFull   = "full"
	OpInsert = "insert"
	OpDelete = "delete"
)

// Job is one attempt to apply one extract.
type Job struct {
	ID               uuid.UUID
	WorkerType       string
	ExtractNumber    int
	SnapshotDate     pgtype.Date
	ExtractTimestamp pgtype.Timestamp
	ExtractType      string
	Status           JobStatus
	Error            string
	Warnings         []string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// PrepareResult is returned by Prepare: the job identity and the batch
// plan the caller drives ProcessBatch with.
type PrepareResult struct {
	JobID         string         `json:"jobId"`
	ExtractNumber int            `json:"extractNumber"`
	ExtractType   string         `json:"extractType"`
	BatchPlan     map[string]int `json:"batchPlan"`
	StagedRows    map[string]int `json:"stagedRows"`
	Warnings      []string       `json:"warnings,omitempty"`

	// AlreadyPrepared is set when the job id already had completed
	// staging and the existing plan was returned instead of re-staging.
	AlreadyPrepared bool `json:"alreadyPrepared,omitempty"`
}

// ProcessResult is returned by ProcessBatch.
type ProcessResult struct {
	Table            string `json:"table"`
	BatchNumber      int    `json:"batchNumber"`
	RowsApplied      int    `json:"rowsApplied"`
	RowsRejected     int    `json:"rowsRejected"`
	RemainingBatches int    `json:"remainingBatches"`

	// AlreadyCompleted is set when the requested batch had already
	// completed; the stored counts are re-reported.
	AlreadyCompleted bool `json:"alreadyCompleted,omitempty"`
}

// FinalizeResult is returned by Finalize.
type FinalizeResult struct {
	Success              bool `json:"success"`
	PrimaryNamesResolved int  `json:"primaryNamesResolved"`
	StagingRowsPurged    int  `json:"stagingRowsPurged"`
}

// Progress is the read-only aggregation returned by GetProgress.
type Progress struct {
	JobID            string         `json:"jobId"`
	Status           JobStatus      `json:"status"`
	CompletedBatches int            `json:"completedBatches"`
	TotalBatches     int            `json:"totalBatches"`
	CurrentTable     string         `json:"currentTable,omitempty"`
	CurrentBatch     int            `json:"currentBatch,omitempty"`
	StagingCounts    map[string]int `json:"stagingCounts,omitempty"`
	RejectedRows     map[string]int `json:"rejectedRows,omitempty"`
	Warnings         []string       `json:"warnings,omitempty"`
	Error            string         `json:"error,omitempty"`
}

// stagedRow is one parsed, mapped, not-yet-applied record.
type stagedRow struct {
	RowSequence int
	Operation   string
	NaturalKey  string
	Record      map[string]string
}
