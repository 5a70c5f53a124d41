package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/openkbo/importer/internal/engine/tables"
)

// Coordination tables. Entity table DDL is generated from the table
// registry so the two can never drift apart.
const coordinationSchema = `
CREATE TABLE IF NOT EXISTS import_extracts (
	extract_number    INTEGER PRIMARY KEY,
	snapshot_date     DATE NOT NULL,
	extract_timestamp TIMESTAMP,
	extract_type      TEXT NOT NULL,
	is_current        BOOLEAN NOT NULL DEFAULT FALSE,
	imported_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS import_jobs (
	id                UUID PRIMARY KEY,
	worker_type       TEXT NOT NULL DEFAULT '',
	extract_number    INTEGER NOT NULL,
	snapshot_date     DATE NOT NULL,
	extract_timestamp TIMESTAMP,
	extract_type      TEXT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'pending',
	error             TEXT NOT NULL DEFAULT '',
	warnings          TEXT[] NOT NULL DEFAULT '{}',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS import_batches (
	job_id        UUID NOT NULL REFERENCES import_jobs(id) ON DELETE CASCADE,
	table_name    TEXT NOT NULL,
	batch_number  INTEGER NOT NULL,
	status        TEXT NOT NULL DEFAULT 'pending',
	rows_applied  INTEGER NOT NULL DEFAULT 0,
	rows_rejected INTEGER NOT NULL DEFAULT 0,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (job_id, table_name, batch_number)
);

CREATE TABLE IF NOT EXISTS import_staging (
	job_id       UUID NOT NULL REFERENCES import_jobs(id) ON DELETE CASCADE,
	table_name   TEXT NOT NULL,
	row_sequence INTEGER NOT NULL,
	operation    TEXT NOT NULL,
	natural_key  TEXT NOT NULL,
	record       JSONB NOT NULL,
	PRIMARY KEY (job_id, table_name, row_sequence)
);

CREATE INDEX IF NOT EXISTS idx_import_staging_key
	ON import_staging (job_id, table_name, natural_key);

CREATE TABLE IF NOT EXISTS codes (
	category    TEXT NOT NULL,
	code        TEXT NOT NULL,
	language    TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (category, code, language)
);
`

// EnsureSchema creates the coordination tables and every registered
// entity table, with their versioning columns and indexes. Statements
// are IF NOT EXISTS so startup is idempotent.
func EnsureSchema(ctx context.Context, db DBTX) error {
	if _, err := db.Exec(ctx, coordinationSchema); err != nil {
		return fmt.Errorf("create coordination tables: %w", err)
	}
	for _, def := range tables.Order() {
		for _, stmt := range entityTableDDL(def) {
			if _, err := db.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("create table %s: %w", def.Name, err)
			}
		}
	}
	return nil
}

// entityTableDDL builds the CREATE statements for one entity table:
// the registered columns, the versioning columns, the per-version
// uniqueness constraint and the current-snapshot index. The surrogate
// key is underscore-prefixed like the versioning columns so it can
// never collide with a business column.
func entityTableDDL(def tables.Definition) []string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", quoteIdentifier(def.Name))
	b.WriteString("\t_row_id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,\n")
	for _, col := range def.Columns {
		sqlType := "TEXT"
		if col.Type == tables.ColDate {
			sqlType = "DATE"
		}
		fmt.Fprintf(&b, "\t%s %s,\n", quoteIdentifier(col.Name), sqlType)
	}
	if def.HasPrimaryName {
		b.WriteString("\tprimary_name TEXT NOT NULL DEFAULT '',\n")
	}
	b.WriteString("\t_extract_number INTEGER NOT NULL,\n")
	b.WriteString("\t_snapshot_date DATE NOT NULL,\n")
	b.WriteString("\t_is_current BOOLEAN NOT NULL DEFAULT FALSE\n")
	b.WriteString(")")

	keyCols := make([]string, 0, len(def.Key)+1)
	for _, k := range def.Key {
		keyCols = append(keyCols, quoteIdentifier(k))
	}
	keyCols = append(keyCols, "_extract_number")

	return []string{
		b.String(),
		fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)",
			quoteIdentifier("uq_"+def.Name+"_version"),
			quoteIdentifier(def.Name),
			strings.Join(keyCols, ", ")),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s) WHERE _is_current",
			quoteIdentifier("idx_"+def.Name+"_current"),
			quoteIdentifier(def.Name),
			strings.Join(keyCols[:len(keyCols)-1], ", ")),
	}
}

// quoteIdentifier double-quotes a SQL identifier, escaping embedded
// quotes. Identifier names come from the table registry, never from
// request input, but quoting keeps generated SQL unambiguous.
func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
