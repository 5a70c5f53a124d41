package registry

import (
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

func date(y int, m time.Month, d int) pgtype.Date {
	return pgtype.Date{Time: time.Date(y, m, d, 0, 0, 0, 0, time.UTC), Valid: true}
}

func timestamp(y int, m time.Month, d, hh, mm, ss int) pgtype.Timestamp {
	return pgtype.Timestamp{Time: time.Date(y, m, d, hh, mm, ss, 0, time.UTC), Valid: true}
}

func validExtract() Extract {
	return Extract{
		SnapshotDate:     date(2024, 6, 1),
		ExtractTimestamp: timestamp(2024, 6, 2, 4, 30, 0),
		ExtractNumber:    141,
		ExtractType:      "Update",
		Version:          "1.0.0",
	}
}

func TestExtractValidate(t *testing.T) {
	now := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)

	t.Run("valid manifest has no violations", func(t *testing.T) {
		if errs := validExtract().Validate(now); len(errs) != 0 {
			t.Errorf("Validate = %v, want none", errs)
		}
	})

	t.Run("type matching is case-insensitive", func(t *testing.T) {
		for _, typ := range []string{"full", "FULL", "Update", "update"} {
			e := validExtract()
			e.ExtractType = typ
			if errs := e.Validate(now); len(errs) != 0 {
				t.Errorf("Validate with type %q = %v, want none", typ, errs)
			}
		}
	})

	tests := []struct {
		name      string
		mutate    func(*Extract)
		wantField string
	}{
		{
			"future snapshot date",
			func(e *Extract) {
				e.SnapshotDate = date(2030, 1, 1)
				e.ExtractTimestamp = timestamp(2030, 1, 2, 0, 0, 0)
			},
			"SnapshotDate",
		},
		{
			"missing snapshot date",
			func(e *Extract) { e.SnapshotDate = pgtype.Date{} },
			"SnapshotDate",
		},
		{
			"zero extract number",
			func(e *Extract) { e.ExtractNumber = 0 },
			"ExtractNumber",
		},
		{
			"negative extract number",
			func(e *Extract) { e.ExtractNumber = -3 },
			"ExtractNumber",
		},
		{
			"timestamp before snapshot",
			func(e *Extract) { e.ExtractTimestamp = timestamp(2024, 5, 30, 0, 0, 0) },
			"ExtractTimestamp",
		},
		{
			"unknown type",
			func(e *Extract) { e.ExtractType = "partial" },
			"ExtractType",
		},
		{
			"blank version",
			func(e *Extract) { e.Version = "  " },
			"Version",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := validExtract()
			tt.mutate(&e)

			errs := e.Validate(now)
			if len(errs) == 0 {
				t.Fatal("Validate returned no violations")
			}
			found := false
			for _, v := range errs {
				if v.Field == tt.wantField {
					found = true
				}
			}
			if !found {
				t.Errorf("Validate = %v, want a violation on %s", errs, tt.wantField)
			}
		})
	}
}

// TestExtractValidateCollectsAll verifies validation reports every violated
// constraint rather than failing fast.
func TestExtractValidateCollectsAll(t *testing.T) {
	e := Extract{ExtractNumber: 0, ExtractType: "bogus", Version: ""}
	errs := e.Validate(time.Now())

	if len(errs) < 4 {
		t.Errorf("Validate = %d violations (%v), want at least 4", len(errs), errs)
	}
}

func TestIsNewerExtract(t *testing.T) {
	tests := []struct {
		candidate, current int
		want               bool
	}{
		{141, 140, true},
		{140, 140, false},
		{139, 140, false},
		{1, 0, true},
	}

	for _, tt := range tests {
		if got := IsNewerExtract(tt.candidate, tt.current); got != tt.want {
			t.Errorf("IsNewerExtract(%d, %d) = %v, want %v", tt.candidate, tt.current, got, tt.want)
		}
	}
}
