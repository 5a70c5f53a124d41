package registry

// extract.go validates the manifest record of a downloaded extract before
// any staging write happens. Validation collects every violated constraint
// instead of failing fast so a caller can report all problems at once.

import (
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// Extract type values accepted by the registry.
const (
	ExtractTypeFull   = "full"
	ExtractTypeUpdate = "update"
)

// Extract is the manifest record of one registry release.
type Extract struct {
	SnapshotDate     pgtype.Date
	ExtractTimestamp pgtype.Timestamp
	ExtractNumber    int
	ExtractType      string
	Version          string
}

// ValidationError represents one violated manifest constraint.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("%s %q: %s", e.Field, e.Value, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NormalizedType returns the extract type lowercased. Type matching is
// case-insensitive throughout.
func (e Extract) NormalizedType() string {
	return strings.ToLower(e.ExtractType)
}

// IsFull reports whether the extract is a full snapshot.
func (e Extract) IsFull() bool {
	return e.NormalizedType() == ExtractTypeFull
}

// Validate checks the manifest against the registry's constraints and
// returns every violation. An empty slice means the manifest is valid.
func (e Extract) Validate(now time.Time) []ValidationError {
	var errs []ValidationError

	if !e.SnapshotDate.Valid {
		errs = append(errs, ValidationError{Field: "SnapshotDate", Message: "missing"})
	} else if e.SnapshotDate.Time.After(now) {
		errs = append(errs, ValidationError{
			Field:   "SnapshotDate",
			Value:   FormatDate(e.SnapshotDate),
			Message: "in the future",
		})
	}

	if e.ExtractNumber <= 0 {
		errs = append(errs, ValidationError{
			Field:   "ExtractNumber",
			Value:   fmt.Sprintf("%d", e.ExtractNumber),
			Message: "must be strictly positive",
		})
	}

	if !e.ExtractTimestamp.Valid {
		errs = append(errs, ValidationError{Field: "ExtractTimestamp", Message: "missing"})
	} else if e.SnapshotDate.Valid && e.ExtractTimestamp.Time.Before(e.SnapshotDate.Time) {
		errs = append(errs, ValidationError{
			Field:   "ExtractTimestamp",
			Value:   FormatTimestamp(e.ExtractTimestamp),
			Message: "earlier than snapshot date",
		})
	}

	switch e.NormalizedType() {
	case ExtractTypeFull, ExtractTypeUpdate:
	default:
		errs = append(errs, ValidationError{
			Field:   "ExtractType",
			Value:   e.ExtractType,
			Message: "must be full or update",
		})
	}

	if strings.TrimSpace(e.Version) == "" {
		errs = append(errs, ValidationError{Field: "Version", Message: "must not be empty"})
	}

	return errs
}

// IsNewerExtract reports whether candidate is strictly newer than current.
// Used to reject out-of-order or duplicate application of extracts.
func IsNewerExtract(candidate, current int) bool {
	return candidate > current
}
