package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openkbo/importer/internal/archive"
	"github.com/openkbo/importer/internal/engine/tables"
	"github.com/openkbo/importer/internal/registry"
	"github.com/openkbo/importer/internal/schema"
)

// upsertJobSQL creates the job row or, for a workflow re-run that never
// finished staging, refreshes it for the archive supplied this time.
// Everything the manifest determines is overwritten, so a retry with a
// corrected archive never applies batches under stale extract metadata.
const upsertJobSQL = `
	INSERT INTO import_jobs (id, worker_type, extract_number, snapshot_date,
		extract_timestamp, extract_type, status)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (id) DO UPDATE
		SET worker_type = EXCLUDED.worker_type,
		    extract_number = EXCLUDED.extract_number,
		    snapshot_date = EXCLUDED.snapshot_date,
		    extract_timestamp = EXCLUDED.extract_timestamp,
		    extract_type = EXCLUDED.extract_type,
		    status = EXCLUDED.status,
		    error = '',
		    warnings = '{}',
		    updated_at = now()`

// Prepare opens and validates an extract container, stages every table
// row, and writes the batch plan the caller will drive ProcessBatch
// with. The job id is derived from the workflow id, so re-invoking
// Prepare for the same workflow after a crash either resumes (when
// staging never finished) or returns the existing plan unchanged.
//
// Each table is staged in its own transaction under a committed
// staging-status job row, so GetProgress can report per-table staged
// counts and staging warnings while later tables are still loading.
func (s *Service) Prepare(ctx context.Context, workflowID, workerType string, data []byte) (*PrepareResult, error) {
	if s.cfg.MaxArchiveSize > 0 && int64(len(data)) > s.cfg.MaxArchiveSize {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrArchiveTooLarge, len(data), s.cfg.MaxArchiveSize)
	}

	arc, err := archive.Open(data)
	if err != nil {
		return nil, err
	}
	if errs := arc.Manifest.Validate(time.Now()); len(errs) > 0 {
		joined := make([]error, 0, len(errs)+1)
		joined = append(joined, ErrInvalidManifest)
		for _, e := range errs {
			joined = append(joined, e)
		}
		return nil, errors.Join(joined...)
	}

	jobID := JobID(workflowID)
	log := slog.With("job_id", jobID, "extract_number", arc.Manifest.ExtractNumber)

	// Re-invocation: a job past staging keeps its existing plan.
	existing, err := s.loadJob(ctx, s.pool, jobID)
	switch {
	case err == nil && existing.Status != JobStaging && existing.Status != JobPending:
		log.Info("prepare re-invoked for staged job", "status", existing.Status)
		res, err := s.existingPlan(ctx, existing)
		if err != nil {
			return nil, err
		}
		res.AlreadyPrepared = true
		return res, nil
	case err != nil && !errors.Is(err, ErrJobNotFound):
		return nil, err
	}

	if existing == nil {
		// New workflow: gate on extract monotonicity.
		var maxImported int
		err := s.pool.QueryRow(ctx,
			`SELECT COALESCE(MAX(extract_number), 0) FROM import_extracts`).Scan(&maxImported)
		if err != nil {
			return nil, fmt.Errorf("check imported extracts: %w", err)
		}
		if !registry.IsNewerExtract(arc.Manifest.ExtractNumber, maxImported) {
			return nil, fmt.Errorf("%w: extract %d, current %d",
				ErrDuplicateExtract, arc.Manifest.ExtractNumber, maxImported)
		}
	}

	_, err = s.pool.Exec(ctx, upsertJobSQL,
		jobID, workerType, arc.Manifest.ExtractNumber, arc.Manifest.SnapshotDate,
		arc.Manifest.ExtractTimestamp, arc.Manifest.NormalizedType(), JobStaging)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	// A restart after a mid-staging crash starts clean.
	if _, err := s.pool.Exec(ctx, `DELETE FROM import_staging WHERE job_id = $1`, jobID); err != nil {
		return nil, fmt.Errorf("reset staging: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM import_batches WHERE job_id = $1`, jobID); err != nil {
		return nil, fmt.Errorf("reset batches: %w", err)
	}

	var warnings []string
	if cf := arc.CodeFile(); cf != nil {
		if err := s.reloadCodes(ctx, cf); err != nil {
			return nil, err
		}
		s.codes.Clear()
	}

	result := &PrepareResult{
		JobID:         jobID.String(),
		ExtractNumber: arc.Manifest.ExtractNumber,
		ExtractType:   arc.Manifest.NormalizedType(),
		BatchPlan:     make(map[string]int),
		StagedRows:    make(map[string]int),
	}

	for _, def := range tables.Order() {
		staged, warns, err := stageTable(ctx, s.pool, jobID, def, arc.TableFiles(def.Name), s.cfg.StrictStaging)
		if err != nil {
			return nil, err
		}
		warnings = append(warnings, warns...)
		if err := s.appendJobWarnings(ctx, jobID, warns); err != nil {
			return nil, err
		}

		batches := 0
		if staged > 0 {
			batches = int(math.Ceil(float64(staged) / float64(s.cfg.BatchSize)))
		}
		for n := 1; n <= batches; n++ {
			_, err := s.pool.Exec(ctx, `
				INSERT INTO import_batches (job_id, table_name, batch_number, status)
				VALUES ($1, $2, $3, $4)`, jobID, def.Name, n, BatchPending)
			if err != nil {
				return nil, fmt.Errorf("plan batch %s/%d: %w", def.Name, n, err)
			}
		}
		result.StagedRows[def.Name] = staged
		result.BatchPlan[def.Name] = batches
	}

	var unrecognized []string
	for _, f := range arc.Files {
		if _, ok := tables.Get(f.Table); !ok {
			unrecognized = append(unrecognized, fmt.Sprintf("ignored unrecognized file %s", f.Name))
		}
	}
	warnings = append(warnings, unrecognized...)
	if err := s.appendJobWarnings(ctx, jobID, unrecognized); err != nil {
		return nil, err
	}

	if err := s.setJobStatus(ctx, s.pool, jobID, JobProcessing, ""); err != nil {
		return nil, err
	}

	result.Warnings = warnings
	log.Info("extract staged",
		"extract_type", result.ExtractType,
		"tables", len(result.BatchPlan),
		"warnings", len(warnings))
	return result, nil
}

// appendJobWarnings records staging warnings on the job row as they are
// produced, so progress polled mid-prepare already reports them.
func (s *Service) appendJobWarnings(ctx context.Context, jobID uuid.UUID, warns []string) error {
	if len(warns) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE import_jobs SET warnings = warnings || $2::text[], updated_at = now()
		WHERE id = $1`, jobID, warns)
	if err != nil {
		return fmt.Errorf("record warnings: %w", err)
	}
	return nil
}

// stageTable streams a table's files in apply order into the staging
// table, one COPY per file. The row sequence continues across a table's
// files so delete rows from a delta order before its insert rows. A
// file that fails to parse aborts the prepare in strict mode; otherwise
// its partial copy is dropped and the file skipped with a warning.
func stageTable(ctx context.Context, pool *pgxpool.Pool, jobID uuid.UUID, def tables.Definition, files []archive.File, strict bool) (int, []string, error) {
	var warnings []string
	seq := 0

	for _, f := range files {
		staged, warns, err := stageFile(ctx, pool, jobID, def, f, seq)
		warnings = append(warnings, warns...)
		if err != nil {
			if strict {
				return 0, nil, err
			}
			// Drop whatever the failed stream already copied so a
			// skipped file contributes no rows.
			if _, derr := pool.Exec(ctx, `
				DELETE FROM import_staging
				WHERE job_id = $1 AND table_name = $2 AND row_sequence > $3`,
				jobID, def.Name, seq); derr != nil {
				return 0, nil, fmt.Errorf("unstage %s: %w", f.Name, derr)
			}
			warnings = append(warnings, fmt.Sprintf("skipped unreadable file %s: %v", f.Name, err))
			continue
		}
		seq = staged
	}
	return seq, warnings, nil
}

// stageFile copies one file's rows into staging without materializing
// the file: records stream from the archive entry straight into COPY.
// It returns the sequence number of the last staged row.
func stageFile(ctx context.Context, pool *pgxpool.Pool, jobID uuid.UUID, def tables.Definition, f archive.File, seq int) (int, []string, error) {
	st, err := f.Stream()
	if err != nil {
		return seq, nil, err
	}
	defer st.Close()

	header, err := st.Read()
	if errors.Is(err, io.EOF) {
		return seq, nil, nil
	}
	if err != nil {
		return seq, nil, fmt.Errorf("parse %s: %w", f.Name, err)
	}

	known := make(map[string]bool, len(def.Columns))
	for _, c := range def.Columns {
		known[c.Name] = true
	}
	var warnings []string
	cols := make([]string, len(header))
	for i, h := range header {
		cols[i] = schema.ColumnName(h)
		if !known[cols[i]] {
			warnings = append(warnings, fmt.Sprintf("%s: unrecognized column %q", f.Name, cols[i]))
		}
	}

	src := &stagingSource{
		stream:    st,
		jobID:     jobID,
		def:       def,
		operation: f.Operation,
		header:    cols,
		seq:       seq,
	}
	if _, err := pool.CopyFrom(ctx,
		pgx.Identifier{"import_staging"},
		[]string{"job_id", "table_name", "row_sequence", "operation", "natural_key", "record"},
		src); err != nil {
		return src.seq, warnings, fmt.Errorf("stage %s: %w", f.Name, err)
	}
	return src.seq, warnings, nil
}

// stagingSource adapts one streamed table file to the COPY source shape
// pgx consumes. Each delimited record becomes one staging row; the
// running sequence picks up where the table's previous file stopped.
type stagingSource struct {
	stream    *archive.RowReader
	jobID     uuid.UUID
	def       tables.Definition
	operation string
	header    []string
	seq       int
	values    []interface{}
	err       error
}

func (s *stagingSource) Next() bool {
	rec, err := s.stream.Read()
	if errors.Is(err, io.EOF) {
		return false
	}
	if err != nil {
		s.err = err
		return false
	}

	record := make(map[string]string, len(s.header))
	for i, col := range s.header {
		if i < len(rec) {
			record[col] = strings.TrimSpace(rec[i])
		} else {
			record[col] = ""
		}
	}
	s.seq++
	s.values = []interface{}{
		s.jobID, s.def.Name, s.seq, s.operation, s.def.NaturalKey(record), record,
	}
	return true
}

func (s *stagingSource) Values() ([]interface{}, error) { return s.values, nil }

func (s *stagingSource) Err() error { return s.err }

// reloadCodes replaces the code reference table from the extract's
// code.csv in one transaction. Codes are not versioned; each extract's
// dump is authoritative.
func (s *Service) reloadCodes(ctx context.Context, f *archive.File) error {
	records, err := f.Records()
	if err != nil {
		return err
	}
	if len(records) < 2 {
		return nil
	}

	idx := make(map[string]int, len(records[0]))
	for i, h := range records[0] {
		idx[schema.ColumnName(h)] = i
	}
	field := func(rec []string, name string) string {
		i, ok := idx[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin codes reload: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM codes`); err != nil {
		return fmt.Errorf("clear codes: %w", err)
	}

	rows := make([][]interface{}, 0, len(records)-1)
	for _, rec := range records[1:] {
		rows = append(rows, []interface{}{
			field(rec, "category"), field(rec, "code"),
			field(rec, "language"), field(rec, "description"),
		})
	}
	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"codes"},
		[]string{"category", "code", "language", "description"},
		pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("load codes: %w", err)
	}
	return tx.Commit(ctx)
}

// existingPlan rebuilds a PrepareResult for a job whose staging already
// completed, from the persisted batches and staging rows.
func (s *Service) existingPlan(ctx context.Context, job *Job) (*PrepareResult, error) {
	result := &PrepareResult{
		JobID:         job.ID.String(),
		ExtractNumber: job.ExtractNumber,
		ExtractType:   job.ExtractType,
		BatchPlan:     make(map[string]int),
		StagedRows:    make(map[string]int),
		Warnings:      job.Warnings,
	}

	rows, err := s.pool.Query(ctx, `
		SELECT table_name, COUNT(*) FROM import_batches
		WHERE job_id = $1 GROUP BY table_name`, job.ID)
	if err != nil {
		return nil, fmt.Errorf("load batch plan: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var table string
		var n int
		if err := rows.Scan(&table, &n); err != nil {
			return nil, err
		}
		result.BatchPlan[table] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	staged, err := s.pool.Query(ctx, `
		SELECT table_name, COUNT(*) FROM import_staging
		WHERE job_id = $1 GROUP BY table_name`, job.ID)
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
		result.StagedRows[table] = n
	}
	return result, staged.Err()
}
