// Package archive reads the compressed extract containers produced by the
// registry. A container holds one meta.csv manifest and, per entity table,
// either one full-dump delimited file or an _insert/_delete pair forming an
// incremental delta. Entry names may carry a release directory prefix that
// encodes the extract number and snapshot month; when present they are
// cross-checked against the manifest.
package archive

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/openkbo/importer/internal/engine/tables"
	"github.com/openkbo/importer/internal/registry"
	"github.com/openkbo/importer/internal/schema"
)

// ManifestName is the entry holding the extract manifest.
const ManifestName = "meta.csv"

// Operations a table file can carry.
const (
	OpFull   = "full"
	OpInsert = "insert"
	OpDelete = "delete"
)

var (
	// ErrMissingManifest is returned when the container has no meta.csv.
	ErrMissingManifest = errors.New("archive: missing meta.csv manifest")
	// ErrExtractNumberMismatch is returned when the release prefix in the
	// entry names disagrees with the manifest.
	ErrExtractNumberMismatch = errors.New("archive: entry names disagree with manifest extract number")
	// ErrSnapshotDateMismatch is returned when the release prefix encodes a
	// snapshot month other than the manifest's.
	ErrSnapshotDateMismatch = errors.New("archive: entry names disagree with manifest snapshot date")
)

var (
	tableFileRe = regexp.MustCompile(`^([a-z]+)(?:_(insert|delete))?\.csv$`)
	prefixRe    = regexp.MustCompile(`^KboOpenData_(\d{4})(?:_(\d{4})_(\d{2}))?`)
)

// File is one per-table delimited file inside the container.
type File struct {
	Table     string // plural storage table name
	Operation string // OpFull, OpInsert or OpDelete
	Name      string // entry name inside the container

	zf *zip.File
}

// Stream opens the file for one pass over its delimited rows. The caller
// owns the returned reader and must Close it.
func (f *File) Stream() (*RowReader, error) {
	rc, err := f.zf.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.Name, err)
	}
	r := csv.NewReader(rc)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	return &RowReader{rc: rc, r: r}, nil
}

// RowReader yields one delimited record at a time, so a multi-million-row
// table file never sits in memory whole. Fields are sanitized to valid
// UTF-8 as they are read.
type RowReader struct {
	rc io.ReadCloser
	r  *csv.Reader
}

// Read returns the next record, or io.EOF past the last one.
func (rr *RowReader) Read() ([]string, error) {
	rec, err := rr.r.Read()
	if err != nil {
		return nil, err
	}
	for i, v := range rec {
		if !utf8.ValidString(v) {
			rec[i] = string(sanitizeUTF8([]byte(v)))
		}
	}
	return rec, nil
}

// Close releases the underlying archive entry.
func (rr *RowReader) Close() error { return rr.rc.Close() }

// Records parses the whole file into memory, header included. Staging
// streams rows via Stream instead; Records serves the small reference
// files.
func (f *File) Records() ([][]string, error) {
	st, err := f.Stream()
	if err != nil {
		return nil, err
	}
	defer st.Close()

	var records [][]string
	for {
		rec, err := st.Read()
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", f.Name, err)
		}
		records = append(records, rec)
	}
}

// Archive is an opened extract container.
type Archive struct {
	Manifest registry.Extract
	Files    []File

	// codeFile holds the code.csv reference data when the container
	// carries one; nil otherwise.
	codeFile *File
}

// CodeFile returns the code.csv reference file, or nil when absent.
func (a *Archive) CodeFile() *File { return a.codeFile }

// TableFiles returns the files for one storage table in apply order:
// deletes before inserts so a delta that moves a record nets out to the
// inserted version.
func (a *Archive) TableFiles(table string) []File {
	var out []File
	for _, op := range []string{OpDelete, OpFull, OpInsert} {
		for _, f := range a.Files {
			if f.Table == table && f.Operation == op {
				out = append(out, f)
			}
		}
	}
	return out
}

// Open reads a container from memory and validates its structure against
// the manifest. It fails before any caller-visible side effect: a missing
// manifest, an unreadable manifest, a release-prefix mismatch, or a table
// layout inconsistent with the extract type are all fatal here.
func Open(data []byte) (*Archive, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("archive: open container: %w", err)
	}

	arc := &Archive{}
	var manifest *zip.File
	prefixNumber := -1
	prefixYear, prefixMonth := 0, 0

	for _, zf := range zr.File {
		if zf.FileInfo().IsDir() {
			continue
		}
		name := path.Base(zf.Name)

		if m := prefixRe.FindStringSubmatch(entryPrefix(zf.Name)); m != nil {
			n, _ := strconv.Atoi(m[1])
			if prefixNumber >= 0 && prefixNumber != n {
				return nil, ErrExtractNumberMismatch
			}
			prefixNumber = n
			if m[2] != "" {
				prefixYear, _ = strconv.Atoi(m[2])
				prefixMonth, _ = strconv.Atoi(m[3])
			}
		}

		if strings.EqualFold(name, ManifestName) {
			manifest = zf
			continue
		}

		m := tableFileRe.FindStringSubmatch(strings.ToLower(name))
		if m == nil {
			continue
		}
		op := m[2]
		if op == "" {
			op = OpFull
		}

		if m[1] == "code" {
			arc.codeFile = &File{Table: "codes", Operation: OpFull, Name: zf.Name, zf: zf}
			continue
		}

		def, ok := tables.BySource(m[1])
		if !ok {
			// Auxiliary file; permissive by design, the mapper treats its
			// name as already canonical.
			arc.Files = append(arc.Files, File{
				Table:     schema.TableName(m[1]),
				Operation: op,
				Name:      zf.Name,
				zf:        zf,
			})
			continue
		}
		arc.Files = append(arc.Files, File{Table: def.Name, Operation: op, Name: zf.Name, zf: zf})
	}

	if manifest == nil {
		return nil, ErrMissingManifest
	}

	meta, err := parseManifest(manifest)
	if err != nil {
		return nil, err
	}
	arc.Manifest = meta

	if prefixNumber >= 0 && prefixNumber != meta.ExtractNumber {
		return nil, fmt.Errorf("%w: entries say %04d, manifest says %d",
			ErrExtractNumberMismatch, prefixNumber, meta.ExtractNumber)
	}
	if prefixYear > 0 && meta.SnapshotDate.Valid {
		snap := meta.SnapshotDate.Time
		if snap.Year() != prefixYear || int(snap.Month()) != prefixMonth {
			return nil, fmt.Errorf("%w: entries say %04d_%02d, manifest says %s",
				ErrSnapshotDateMismatch, prefixYear, prefixMonth, registry.FormatDate(meta.SnapshotDate))
		}
	}

	if err := arc.validateLayout(); err != nil {
		return nil, err
	}
	return arc, nil
}

// validateLayout checks the per-table file structure against the extract
// type: a full extract must carry a full dump for every entity table, an
// update must carry only delta files.
func (a *Archive) validateLayout() error {
	byTable := make(map[string][]File)
	for _, f := range a.Files {
		byTable[f.Table] = append(byTable[f.Table], f)
	}

	if a.Manifest.IsFull() {
		var missing []string
		for _, def := range tables.Order() {
			found := false
			for _, f := range byTable[def.Name] {
				if f.Operation == OpFull {
					found = true
				}
			}
			if !found {
				missing = append(missing, def.Source+".csv")
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("archive: full extract missing table files: %s", strings.Join(missing, ", "))
		}
		return nil
	}

	deltas := 0
	for _, files := range byTable {
		for _, f := range files {
			switch f.Operation {
			case OpInsert, OpDelete:
				deltas++
			case OpFull:
				return fmt.Errorf("archive: update extract carries full dump %s", f.Name)
			}
		}
	}
	if deltas == 0 {
		return errors.New("archive: update extract carries no delta files")
	}
	return nil
}

// parseManifest reads the five comma-separated manifest fields: snapshot
// date, extract timestamp, extract number, extract type, format version.
// An optional header row is skipped.
func parseManifest(zf *zip.File) (registry.Extract, error) {
	var meta registry.Extract

	rc, err := zf.Open()
	if err != nil {
		return meta, fmt.Errorf("archive: open manifest: %w", err)
	}
	defer rc.Close()

	r := csv.NewReader(rc)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return meta, fmt.Errorf("archive: parse manifest: %w", err)
	}

	var record []string
	for _, rec := range records {
		if len(rec) > 0 && strings.EqualFold(strings.TrimSpace(rec[0]), "SnapshotDate") {
			continue // header row
		}
		record = rec
		break
	}
	if len(record) < 5 {
		return meta, fmt.Errorf("archive: manifest has %d fields, want 5", len(record))
	}

	snapshot, err := registry.ParseDate(strings.TrimSpace(record[0]))
	if err != nil {
		return meta, fmt.Errorf("archive: manifest snapshot date: %w", err)
	}
	ts, err := registry.ParseTimestamp(strings.TrimSpace(record[1]))
	if err != nil {
		return meta, fmt.Errorf("archive: manifest extract timestamp: %w", err)
	}
	number, err := strconv.Atoi(strings.TrimSpace(record[2]))
	if err != nil {
		return meta, fmt.Errorf("archive: manifest extract number %q: %w", record[2], err)
	}

	meta = registry.Extract{
		SnapshotDate:     snapshot,
		ExtractTimestamp: ts,
		ExtractNumber:    number,
		ExtractType:      strings.TrimSpace(record[3]),
		Version:          strings.TrimSpace(record[4]),
	}
	return meta, nil
}

// entryPrefix returns the leading path component of an entry name, or the
// base name for flat containers.
func entryPrefix(name string) string {
	if i := strings.IndexByte(name, '/'); i > 0 {
		return name[:i]
	}
	return name
}

// sanitizeUTF8 replaces invalid byte sequences with the Unicode
// replacement character so the csv reader never chokes on stray encodings.
func sanitizeUTF8(data []byte) []byte {
	if utf8.Valid(data) {
		return data
	}

	var buf bytes.Buffer
	buf.Grow(len(data))
	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		if r == utf8.RuneError && size == 1 {
			buf.WriteRune('�')
			data = data[1:]
		} else {
			buf.WriteRune(r)
			data = data[size:]
		}
	}
	return buf.Bytes()
}
