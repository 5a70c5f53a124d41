package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openkbo/importer/internal/codes"
	"github.com/openkbo/importer/internal/config"
)

// jobNamespace seeds the deterministic job id derivation. Changing it
// would break idempotency across deployed versions, so it is fixed.
var jobNamespace = uuid.MustParse("88f1f842-5f0d-4b53-9f2e-6c1d49c2a7b4")

// Service is the import engine. It is safe for concurrent use; all
// coordination state lives in Postgres, none in the struct.
type Service struct {
	pool  *pgxpool.Pool
	cfg   config.ImportConfig
	codes *codes.Cache
}

// NewService wires the engine to its pool, import settings and the
// shared code-description cache.
func NewService(pool *pgxpool.Pool, cfg config.ImportConfig, cache *codes.Cache) *Service {
	return &Service{pool: pool, cfg: cfg, codes: cache}
}

// JobID derives the deterministic job id for a workflow identifier.
// The same workflow id always maps to the same job, which is what
// makes every engine operation safe to re-invoke after a crash.
func JobID(workflowID string) uuid.UUID {
	return uuid.NewSHA1(jobNamespace, []byte(workflowID))
}

// loadJob fetches one job row. Returns ErrJobNotFound when absent.
func (s *Service) loadJob(ctx context.Context, db DBTX, id uuid.UUID) (*Job, error) {
	var j Job
	err := db.QueryRow(ctx, `
		SELECT id, worker_type, extract_number, snapshot_date, extract_timestamp,
		       extract_type, status, error, warnings, created_at, updated_at
		FROM import_jobs WHERE id = $1`, id).
		Scan(&j.ID, &j.WorkerType, &j.ExtractNumber, &j.SnapshotDate, &j.ExtractTimestamp,
			&j.ExtractType, &j.Status, &j.Error, &j.Warnings, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	return &j, nil
}

// setJobStatus transitions a job and records an error message when the
// transition is to failed.
func (s *Service) setJobStatus(ctx context.Context, db DBTX, id uuid.UUID, status JobStatus, jobErr string) error {
	_, err := db.Exec(ctx, `
		UPDATE import_jobs SET status = $2, error = $3, updated_at = now()
		WHERE id = $1`, id, status, jobErr)
	if err != nil {
		return fmt.Errorf("set job %s status %s: %w", id, status, err)
	}
	return nil
}
