package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/openkbo/importer/internal/engine/tables"
)

// Finalize promotes the job's extract to the current snapshot: it
// sweeps the current flags so exactly one version of each touched
// record is current, resolves denormalized display names, records the
// extract as imported, and completes the job. Everything except the
// staging purge happens in one transaction; Finalize on an already
// completed job is a no-op success.
func (s *Service) Finalize(ctx context.Context, jobID uuid.UUID) (*FinalizeResult, error) {
	job, err := s.loadJob(ctx, s.pool, jobID)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case JobCompleted:
		return &FinalizeResult{Success: true}, nil
	case JobProcessing, JobFinalizing:
		// proceed
	default:
		return nil, fmt.Errorf("job %s is %s: %w", jobID, job.Status, ErrJobNotProcessable)
	}

	remaining, err := s.remainingBatches(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if remaining > 0 {
		return nil, fmt.Errorf("%d batches outstanding: %w", remaining, ErrBatchesIncomplete)
	}

	if err := s.setJobStatus(ctx, s.pool, jobID, JobFinalizing, ""); err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin finalize: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, def := range tables.Order() {
		if err := sweepCurrentFlags(ctx, tx, def, job.ExtractNumber); err != nil {
			return nil, err
		}
	}

	resolved := 0
	for _, def := range tables.Order() {
		if !def.HasPrimaryName {
			continue
		}
		n, err := s.resolvePrimaryNames(ctx, tx, def, job)
		if err != nil {
			return nil, err
		}
		resolved += n
	}

	if err := recordExtract(ctx, tx, job); err != nil {
		return nil, err
	}
	if err := s.setJobStatus(ctx, tx, jobID, JobCompleted, ""); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit finalize: %w", err)
	}

	// The purge is best effort: the snapshot is already promoted, and
	// leftover staging rows only cost storage until the next run.
	purged := 0
	tag, err := s.pool.Exec(ctx, `DELETE FROM import_staging WHERE job_id = $1`, jobID)
	if err != nil {
		slog.Warn("staging purge failed", "job_id", jobID, "error", err)
	} else {
		purged = int(tag.RowsAffected())
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM import_batches WHERE job_id = $1`, jobID); err != nil {
		slog.Warn("batch tracking purge failed", "job_id", jobID, "error", err)
	}

	slog.Info("extract finalized",
		"job_id", jobID, "extract_number", job.ExtractNumber,
		"primary_names_resolved", resolved, "staging_purged", purged)
	return &FinalizeResult{
		Success:              true,
		PrimaryNamesResolved: resolved,
		StagingRowsPurged:    purged,
	}, nil
}

// sweepCurrentFlags makes the current flag authoritative for every
// record the extract touched: older versions of touched keys are
// retired and the extract's own rows are promoted. Batch application
// already maintains the flag inline; the sweep closes the gap a crash
// between batches could leave.
func sweepCurrentFlags(ctx context.Context, tx pgx.Tx, def tables.Definition, extractNumber int) error {
	keyCols := make([]string, len(def.Key))
	for i, k := range def.Key {
		keyCols[i] = quoteIdentifier(k)
	}
	keys := strings.Join(keyCols, ", ")
	table := quoteIdentifier(def.Name)

	retire := fmt.Sprintf(`
		UPDATE %s SET _is_current = FALSE
		WHERE _is_current AND _extract_number < $1
		  AND (%s) IN (SELECT %s FROM %s WHERE _extract_number = $1)`,
		table, keys, keys, table)
	if _, err := tx.Exec(ctx, retire, extractNumber); err != nil {
		return fmt.Errorf("retire superseded %s rows: %w", def.Name, err)
	}

	promote := fmt.Sprintf(`
		UPDATE %s SET _is_current = TRUE
		WHERE _extract_number = $1 AND NOT _is_current`, table)
	if _, err := tx.Exec(ctx, promote, extractNumber); err != nil {
		return fmt.Errorf("promote %s rows: %w", def.Name, err)
	}
	return nil
}

// resolvePrimaryNames refreshes the denormalized display name on one
// entity table from the current denominations, picking per entity the
// best denomination under the configured type then language
// precedence. Only entities the job could have renamed are rewritten,
// and an entity left without any current denomination has its display
// name cleared. It runs before the staging purge; the staged rows are
// what identify entities whose denominations were only deleted.
func (s *Service) resolvePrimaryNames(ctx context.Context, tx pgx.Tx, def tables.Definition, job *Job) (int, error) {
	tag, err := tx.Exec(ctx, buildPrimaryNameResolve(def),
		s.cfg.TypePrecedence(), s.cfg.LanguagePrecedence(), job.ExtractNumber, job.ID)
	if err != nil {
		return 0, fmt.Errorf("resolve %s primary names: %w", def.Name, err)
	}
	resolved := int(tag.RowsAffected())

	tag, err = tx.Exec(ctx, buildPrimaryNameClear(def), job.ExtractNumber, job.ID)
	if err != nil {
		return 0, fmt.Errorf("clear %s primary names: %w", def.Name, err)
	}
	return resolved + int(tag.RowsAffected()), nil
}

// touchedEntityPredicate matches the entities a job could have renamed:
// the entity row itself arrived with the extract, a denomination row
// carries the extract number, or the job staged a denominations delta
// for the entity. The staged check covers pure deletes, which retire
// rows without writing anything tagged with the extract. The first
// segment of a staged denominations natural key is the entity number.
func touchedEntityPredicate(numberCol string, extractArg, jobArg int) string {
	return fmt.Sprintf(`(e._extract_number = $%[2]d
		OR EXISTS (
			SELECT 1 FROM denominations dn
			WHERE dn.entity_number = e.%[1]s AND dn._extract_number = $%[2]d)
		OR EXISTS (
			SELECT 1 FROM import_staging st
			WHERE st.job_id = $%[3]d AND st.table_name = 'denominations'
			  AND split_part(st.natural_key, '|', 1) = e.%[1]s))`,
		numberCol, extractArg, jobArg)
}

// buildPrimaryNameResolve builds the statement that rewrites one entity
// table's display names from the best current denomination.
func buildPrimaryNameResolve(def tables.Definition) string {
	table := quoteIdentifier(def.Name)
	numberCol := quoteIdentifier(def.Key[0])

	return fmt.Sprintf(`
		UPDATE %s e
		SET primary_name = d.denomination
		FROM (
			SELECT DISTINCT ON (entity_number) entity_number, denomination
			FROM denominations
			WHERE _is_current
			ORDER BY entity_number,
				COALESCE(array_position($1::text[], type_of_denomination), 2147483647),
				COALESCE(array_position($2::text[], language), 2147483647),
				type_of_denomination, language
		) d
		WHERE e._is_current
		  AND e.%s = d.entity_number
		  AND %s
		  AND e.primary_name IS DISTINCT FROM d.denomination`,
		table, numberCol, touchedEntityPredicate(numberCol, 3, 4))
}

// buildPrimaryNameClear builds the statement that empties the display
// name of touched entities whose last current denomination is gone.
func buildPrimaryNameClear(def tables.Definition) string {
	table := quoteIdentifier(def.Name)
	numberCol := quoteIdentifier(def.Key[0])

	return fmt.Sprintf(`
		UPDATE %s e
		SET primary_name = ''
		WHERE e._is_current
		  AND e.primary_name <> ''
		  AND %s
		  AND NOT EXISTS (
			SELECT 1 FROM denominations dn
			WHERE dn.entity_number = e.%s AND dn._is_current)`,
		table, touchedEntityPredicate(numberCol, 1, 2), numberCol)
}

// recordExtract marks the job's extract as the imported, current one.
func recordExtract(ctx context.Context, tx pgx.Tx, job *Job) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO import_extracts (extract_number, snapshot_date, extract_timestamp,
			extract_type, is_current)
		VALUES ($1, $2, $3, $4, TRUE)
		ON CONFLICT (extract_number) DO UPDATE SET is_current = TRUE`,
		job.ExtractNumber, job.SnapshotDate, job.ExtractTimestamp, job.ExtractType)
	if err != nil {
		return fmt.Errorf("record extract: %w", err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE import_extracts SET is_current = FALSE
		WHERE is_current AND extract_number <> $1`, job.ExtractNumber)
	if err != nil {
		return fmt.Errorf("demote previous extracts: %w", err)
	}
	return nil
}
