package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/openkbo/importer/internal/engine/tables"
	"github.com/openkbo/importer/internal/registry"
	"github.com/openkbo/importer/internal/schema"
)

// ProcessBatch claims one staged batch and applies it to the entity
// table inside a single transaction. An empty table name asks the
// engine to auto-select: the lowest pending batch of the earliest
// table in processing order. Claiming is one conditional UPDATE, so
// two workers can never apply the same batch; a replay of a completed
// batch re-reports the stored counts without touching data.
func (s *Service) ProcessBatch(ctx context.Context, jobID uuid.UUID, table string, batchNumber int) (*ProcessResult, error) {
	job, err := s.loadJob(ctx, s.pool, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != JobProcessing {
		return nil, fmt.Errorf("job %s is %s: %w", jobID, job.Status, ErrJobNotProcessable)
	}

	var claimed *ProcessResult
	if table != "" {
		claimed, err = s.claimBatch(ctx, jobID, table, batchNumber)
	} else {
		claimed, err = s.claimNextBatch(ctx, jobID)
	}
	if err != nil {
		return nil, err
	}
	if claimed.AlreadyCompleted {
		claimed.RemainingBatches, err = s.remainingBatches(ctx, jobID)
		return claimed, err
	}

	def, ok := tables.Get(claimed.Table)
	if !ok {
		return nil, fmt.Errorf("unknown table %q", claimed.Table)
	}

	applied, rejected, err := s.applyBatch(ctx, job, def, claimed.BatchNumber)
	if err != nil {
		s.failBatch(ctx, jobID, claimed.Table, claimed.BatchNumber, err)
		return nil, fmt.Errorf("apply %s batch %d: %w", claimed.Table, claimed.BatchNumber, err)
	}

	claimed.RowsApplied = applied
	claimed.RowsRejected = rejected
	claimed.RemainingBatches, err = s.remainingBatches(ctx, jobID)
	if err != nil {
		return nil, err
	}

	slog.Info("batch applied",
		"job_id", jobID, "table", claimed.Table, "batch", claimed.BatchNumber,
		"applied", applied, "rejected", rejected, "remaining", claimed.RemainingBatches)
	return claimed, nil
}

// claimBatch claims one explicitly addressed batch. A batch that
// already completed is reported as a replay; one freshly held by
// another worker or unknown is ErrBatchNotPending. A claim left in
// processing beyond the claim timeout is treated as abandoned by a
// crashed worker and can be reclaimed.
func (s *Service) claimBatch(ctx context.Context, jobID uuid.UUID, table string, batchNumber int) (*ProcessResult, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE import_batches SET status = $4, updated_at = now()
		WHERE job_id = $1 AND table_name = $2 AND batch_number = $3
		  AND (status IN ($5, $6)
		       OR (status = $4 AND updated_at < now() - $7::interval))`,
		jobID, table, batchNumber, BatchProcessing, BatchPending, BatchFailed,
		s.cfg.ClaimTimeout)
	if err != nil {
		return nil, fmt.Errorf("claim batch %s/%d: %w", table, batchNumber, err)
	}
	if tag.RowsAffected() > 0 {
		return &ProcessResult{Table: table, BatchNumber: batchNumber}, nil
	}

	var status BatchStatus
	var applied, rejected int
	err = s.pool.QueryRow(ctx, `
		SELECT status, rows_applied, rows_rejected FROM import_batches
		WHERE job_id = $1 AND table_name = $2 AND batch_number = $3`,
		jobID, table, batchNumber).Scan(&status, &applied, &rejected)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("batch %s/%d: %w", table, batchNumber, ErrBatchNotPending)
	}
	if err != nil {
		return nil, fmt.Errorf("inspect batch %s/%d: %w", table, batchNumber, err)
	}
	if status == BatchCompleted {
		return &ProcessResult{
			Table: table, BatchNumber: batchNumber,
			RowsApplied: applied, RowsRejected: rejected,
			AlreadyCompleted: true,
		}, nil
	}
	return nil, fmt.Errorf("batch %s/%d is %s: %w", table, batchNumber, status, ErrBatchNotPending)
}

// claimNextBatch walks the processing order and claims the lowest
// pending (or timed-out) batch of the first table that has one. SKIP
// LOCKED lets concurrent auto-selecting workers land on disjoint
// batches.
func (s *Service) claimNextBatch(ctx context.Context, jobID uuid.UUID) (*ProcessResult, error) {
	for _, table := range tables.Names() {
		var batchNumber int
		err := s.pool.QueryRow(ctx, `
			UPDATE import_batches SET status = $3, updated_at = now()
			WHERE job_id = $1 AND table_name = $2
			  AND (status = $4 OR (status = $3 AND updated_at < now() - $5::interval))
			  AND batch_number = (
				SELECT batch_number FROM import_batches
				WHERE job_id = $1 AND table_name = $2
				  AND (status = $4 OR (status = $3 AND updated_at < now() - $5::interval))
				ORDER BY batch_number
				LIMIT 1
				FOR UPDATE SKIP LOCKED)
			RETURNING batch_number`,
			jobID, table, BatchProcessing, BatchPending, s.cfg.ClaimTimeout).Scan(&batchNumber)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("claim next batch for %s: %w", table, err)
		}
		return &ProcessResult{Table: table, BatchNumber: batchNumber}, nil
	}
	return nil, ErrBatchNotPending
}

// applyBatch loads the claimed staging slice, deduplicates it, applies
// each surviving row, and marks the batch completed, all in one
// transaction. A failure rolls everything back, leaving the batch
// claimable again via its failed status.
func (s *Service) applyBatch(ctx context.Context, job *Job, def tables.Definition, batchNumber int) (applied, rejected int, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	low := (batchNumber - 1) * s.cfg.BatchSize
	high := batchNumber * s.cfg.BatchSize

	rows, err := tx.Query(ctx, `
		SELECT row_sequence, operation, natural_key, record
		FROM import_staging
		WHERE job_id = $1 AND table_name = $2
		  AND row_sequence > $3 AND row_sequence <= $4
		ORDER BY row_sequence`,
		job.ID, def.Name, low, high)
	if err != nil {
		return 0, 0, fmt.Errorf("load staging: %w", err)
	}

	var staged []stagedRow
	for rows.Next() {
		var r stagedRow
		if err := rows.Scan(&r.RowSequence, &r.Operation, &r.NaturalKey, &r.Record); err != nil {
			rows.Close()
			return 0, 0, fmt.Errorf("scan staging row: %w", err)
		}
		staged = append(staged, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("read staging: %w", err)
	}

	// Superseded duplicates are neither applied nor rejected; only the
	// surviving occurrence of each key counts.
	deduped := dedupeRows(staged)

	upsert := buildUpsert(def)
	retire := buildRetire(def)

	for _, r := range deduped {
		if !validNumber(def, r.Record, r.Operation) {
			rejected++
			continue
		}

		if r.Operation == OpDelete {
			if err := applyDelete(ctx, tx, def, r.Record); err != nil {
				return 0, 0, err
			}
			applied++
			continue
		}

		args, convErr := rowValues(def, r.Record, job.ExtractNumber, job.SnapshotDate)
		if convErr != nil {
			rejected++
			continue
		}
		if _, err := tx.Exec(ctx, upsert, args...); err != nil {
			return 0, 0, fmt.Errorf("upsert row %d: %w", r.RowSequence, err)
		}

		retireArgs := make([]interface{}, 0, len(def.Key)+1)
		for _, k := range def.Key {
			retireArgs = append(retireArgs, r.Record[k])
		}
		retireArgs = append(retireArgs, job.ExtractNumber)
		if _, err := tx.Exec(ctx, retire, retireArgs...); err != nil {
			return 0, 0, fmt.Errorf("retire older versions for row %d: %w", r.RowSequence, err)
		}
		applied++
	}

	_, err = tx.Exec(ctx, `
		UPDATE import_batches
		SET status = $4, rows_applied = $5, rows_rejected = $6, updated_at = now()
		WHERE job_id = $1 AND table_name = $2 AND batch_number = $3`,
		job.ID, def.Name, batchNumber, BatchCompleted, applied, rejected)
	if err != nil {
		return 0, 0, fmt.Errorf("complete batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("commit: %w", err)
	}
	return applied, rejected, nil
}

// failBatch records a batch failure outside the rolled-back
// transaction so the batch becomes claimable again.
func (s *Service) failBatch(ctx context.Context, jobID uuid.UUID, table string, batchNumber int, cause error) {
	_, err := s.pool.Exec(ctx, `
		UPDATE import_batches SET status = $4, updated_at = now()
		WHERE job_id = $1 AND table_name = $2 AND batch_number = $3`,
		jobID, table, batchNumber, BatchFailed)
	if err != nil {
		slog.Error("failed to mark batch failed",
			"job_id", jobID, "table", table, "batch", batchNumber,
			"cause", cause, "error", err)
	}
}

func (s *Service) remainingBatches(ctx context.Context, jobID uuid.UUID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM import_batches
		WHERE job_id = $1 AND status <> $2`, jobID, BatchCompleted).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count remaining batches: %w", err)
	}
	return n, nil
}

// dedupeRows keeps, per natural key, only the last occurrence in
// source order. Survivors come back ordered by row sequence so deletes
// staged before inserts still apply first.
func dedupeRows(rows []stagedRow) []stagedRow {
	last := make(map[string]int, len(rows))
	for i, r := range rows {
		last[r.NaturalKey] = i
	}
	out := make([]stagedRow, 0, len(last))
	for i, r := range rows {
		if last[r.NaturalKey] == i {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RowSequence < out[j].RowSequence })
	return out
}

// validNumber screens the table's identifying number against the
// registry checksum. Delete records may omit non-key columns, so an
// empty number only disqualifies full and insert rows.
func validNumber(def tables.Definition, record map[string]string, op string) bool {
	if def.NumberKind == tables.NumberNone {
		return true
	}
	v := record[def.NumberColumn]
	if v == "" {
		return op == OpDelete
	}
	switch def.NumberKind {
	case tables.NumberEnterprise:
		return registry.ValidEnterpriseNumber(v)
	case tables.NumberEstablishment:
		return registry.ValidEstablishmentNumber(v)
	case tables.NumberEntity:
		if schema.EntityType(v) == "establishment" {
			return registry.ValidEstablishmentNumber(v)
		}
		return registry.ValidEnterpriseNumber(v)
	}
	return true
}

// rowValues converts a staged record into the upsert argument list:
// business columns in storage order, then extract number and snapshot
// date. Date conversion failures reject the row.
func rowValues(def tables.Definition, record map[string]string, extractNumber int, snapshot interface{}) ([]interface{}, error) {
	args := make([]interface{}, 0, len(def.Columns)+2)
	for _, col := range def.Columns {
		v := record[col.Name]
		if col.Type == tables.ColDate {
			d, err := registry.ParseDate(v)
			if err != nil {
				return nil, err
			}
			args = append(args, d)
			continue
		}
		args = append(args, v)
	}
	args = append(args, extractNumber, snapshot)
	return args, nil
}

// applyDelete retires the current version of the addressed record.
// Retiring an absent record is not an error; deltas can delete rows
// the registry never published here.
func applyDelete(ctx context.Context, tx pgx.Tx, def tables.Definition, record map[string]string) error {
	conds := make([]string, 0, len(def.Key))
	args := make([]interface{}, 0, len(def.Key))
	for i, k := range def.Key {
		conds = append(conds, fmt.Sprintf("%s = $%d", quoteIdentifier(k), i+1))
		args = append(args, record[k])
	}
	stmt := fmt.Sprintf(`UPDATE %s SET _is_current = FALSE WHERE %s AND _is_current`,
		quoteIdentifier(def.Name), strings.Join(conds, " AND "))
	if _, err := tx.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("retire %s record: %w", def.Name, err)
	}
	return nil
}

// buildUpsert builds the idempotent insert for one table. Conflicts on
// (natural key, extract number) overwrite in place, so replaying a
// batch converges on the same stored state.
func buildUpsert(def tables.Definition) string {
	names := def.ColumnNames()
	cols := make([]string, 0, len(names)+3)
	for _, n := range names {
		cols = append(cols, quoteIdentifier(n))
	}
	cols = append(cols, "_extract_number", "_snapshot_date", "_is_current")

	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	// _is_current has no placeholder; inserted rows are always current.
	placeholders[len(placeholders)-1] = "TRUE"

	conflictCols := make([]string, 0, len(def.Key)+1)
	for _, k := range def.Key {
		conflictCols = append(conflictCols, quoteIdentifier(k))
	}
	conflictCols = append(conflictCols, "_extract_number")

	var sets []string
	for _, n := range names {
		q := quoteIdentifier(n)
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", q, q))
	}
	sets = append(sets, "_snapshot_date = EXCLUDED._snapshot_date", "_is_current = TRUE")

	return fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s`,
		quoteIdentifier(def.Name),
		strings.Join(cols, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(conflictCols, ", "),
		strings.Join(sets, ", "))
}

// buildRetire builds the statement that retires older current versions
// of one record after its newer version lands.
func buildRetire(def tables.Definition) string {
	conds := make([]string, 0, len(def.Key))
	for i, k := range def.Key {
		conds = append(conds, fmt.Sprintf("%s = $%d", quoteIdentifier(k), i+1))
	}
	return fmt.Sprintf(`UPDATE %s SET _is_current = FALSE WHERE %s AND _is_current AND _extract_number < $%d`,
		quoteIdentifier(def.Name), strings.Join(conds, " AND "), len(def.Key)+1)
}
