package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/openkbo/importer/internal/engine/tables"
)

// GetProgress aggregates the persisted job state into the view a
// resuming caller needs: completed versus total batches, the batch
// being worked on (or the next one up), per-table reject counts, and
// any staging warnings recorded on the job. It reads only, so any
// worker can poll it while others process.
func (s *Service) GetProgress(ctx context.Context, jobID uuid.UUID) (*Progress, error) {
	job, err := s.loadJob(ctx, s.pool, jobID)
	if err != nil {
		return nil, err
	}

	p := &Progress{
		JobID:    job.ID.String(),
		Status:   job.Status,
		Warnings: job.Warnings,
		Error:    job.Error,
	}

	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE status = $2), COUNT(*)
		FROM import_batches WHERE job_id = $1`, jobID, BatchCompleted).
		Scan(&p.CompletedBatches, &p.TotalBatches)
	if err != nil {
		return nil, fmt.Errorf("count batches: %w", err)
	}

	// The batch in flight, or failing that the next pending one in
	// processing order.
	err = s.pool.QueryRow(ctx, `
		SELECT table_name, batch_number FROM import_batches
		WHERE job_id = $1 AND status IN ($2, $3)
		ORDER BY CASE status WHEN $2 THEN 0 ELSE 1 END,
			array_position($4::text[], table_name), batch_number
		LIMIT 1`,
		jobID, BatchProcessing, BatchPending, tables.Names()).
		Scan(&p.CurrentTable, &p.CurrentBatch)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("find active batch: %w", err)
	}

	rejects, err := s.pool.Query(ctx, `
		SELECT table_name, SUM(rows_rejected) FROM import_batches
		WHERE job_id = $1 GROUP BY table_name HAVING SUM(rows_rejected) > 0`, jobID)
	if err != nil {
		return nil, fmt.Errorf("load reject counts: %w", err)
	}
	defer rejects.Close()
	for rejects.Next() {
		var table string
		var n int
		if err := rejects.Scan(&table, &n); err != nil {
			return nil, err
		}
		if p.RejectedRows == nil {
			p.RejectedRows = make(map[string]int)
		}
		p.RejectedRows[table] = n
	}
	if err := rejects.Err(); err != nil {
		return nil, err
	}

	// Staging counts matter while rows are still staged; after the
	// finalize purge the map stays empty.
	if job.Status == JobStaging || job.Status == JobProcessing {
		staged, err := s.pool.Query(ctx, `
			SELECT table_name, COUNT(*) FROM import_staging
			WHERE job_id = $1 GROUP BY table_name`, jobID)
		if err != nil {
			return nil, fmt.Errorf("load staging counts: %w", err)
		}
		defer staged.Close()
		for staged.Next() {
			var table string
			var n int
			if err := staged.Scan(&table, &n); err != nil {
				return nil, err
			}
			if p.StagingCounts == nil {
				p.StagingCounts = make(map[string]int)
			}
			p.StagingCounts[table] = n
		}
		if err := staged.Err(); err != nil {
			return nil, err
		}
	}
	return p, nil
}
