package registry

// dates.go parses and formats the registry's textual date encodings.
//
// The registry encodes dates as dd-mm-yyyy and timestamps as
// dd-mm-yyyy HH:MM:SS. An empty string is a valid "no date" and parses to
// an explicit absence (pgtype with Valid=false), not an error. A non-empty
// string with the wrong shape raises a ParseError identifying the value.

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// DateLayout is the registry's textual date format (dd-mm-yyyy).
const DateLayout = "02-01-2006"

// TimestampLayout is the registry's textual timestamp format.
const TimestampLayout = "02-01-2006 15:04:05"

// ParseError describes a value that failed to parse against a registry
// format. It carries the offending value so operators can locate the row.
type ParseError struct {
	Kind  string // "date" or "timestamp"
	Value string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid %s %q: %v", e.Kind, e.Value, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ParseDate parses a dd-mm-yyyy value. An empty string parses to an
// invalid (absent) date with a nil error.
func ParseDate(s string) (pgtype.Date, error) {
	if s == "" {
		return pgtype.Date{}, nil
	}
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return pgtype.Date{}, &ParseError{Kind: "date", Value: s, Err: err}
	}
	return pgtype.Date{Time: t, Valid: true}, nil
}

// ParseTimestamp parses a dd-mm-yyyy HH:MM:SS value. An empty string
// parses to an invalid (absent) timestamp with a nil error.
func ParseTimestamp(s string) (pgtype.Timestamp, error) {
	if s == "" {
		return pgtype.Timestamp{}, nil
	}
	t, err := time.Parse(TimestampLayout, s)
	if err != nil {
		return pgtype.Timestamp{}, &ParseError{Kind: "timestamp", Value: s, Err: err}
	}
	return pgtype.Timestamp{Time: t, Valid: true}, nil
}

// FormatDate renders a date back into the registry's textual format.
// Absent dates render as the empty string, round-tripping ParseDate("").
func FormatDate(d pgtype.Date) string {
	if !d.Valid {
		return ""
	}
	return d.Time.Format(DateLayout)
}

// FormatTimestamp renders a timestamp back into the registry's textual
// format. Absent timestamps render as the empty string.
func FormatTimestamp(ts pgtype.Timestamp) string {
	if !ts.Valid {
		return ""
	}
	return ts.Time.Format(TimestampLayout)
}
