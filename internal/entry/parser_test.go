// Package entry provides tests for the dataset entry parser.
package entry

import (
	"strings"
	"testing"
	"time"

	apperrors "github.com/heliocloud/registration-go/internal/errors"
)

const validEntry = `{
	"id": "MMS",
	"loc": "s3://helio-public/MMS/",
	"title": "Magnetospheric Multiscale",
	"start_date": "2015-09-01T00:00:00Z",
	"end_date": "2023-01-01T00:00:00Z",
	"file_format": ["cdf", "fits"],
	"ownership": {
		"description": "MMS mission data",
		"resource_id": "SPASE-1234",
		"citation": "NASA MMS",
		"contact": "mms@example.org",
		"about_url": "https://mms.gsfc.nasa.gov/"
	}
}`

// TestParseValid tests parsing a complete, valid entry.
func TestParseValid(t *testing.T) {
	ds, err := Parse([]byte(validEntry), "entry.json")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if ds.ID != "MMS" {
		t.Errorf("id = %q, want %q", ds.ID, "MMS")
	}
	if ds.Loc != "s3://helio-public/MMS/" {
		t.Errorf("loc = %q", ds.Loc)
	}
	if len(ds.FileFormat) != 2 || ds.FileFormat[0] != "cdf" {
		t.Errorf("file_format = %v", ds.FileFormat)
	}
	wantStart := time.Date(2015, 9, 1, 0, 0, 0, 0, time.UTC)
	if ds.StartDate == nil || !ds.StartDate.Equal(wantStart) {
		t.Errorf("start_date = %v, want %v", ds.StartDate, wantStart)
	}
	if ds.Ownership == nil || ds.Ownership.AboutURL != "https://mms.gsfc.nasa.gov/" {
		t.Errorf("ownership = %+v", ds.Ownership)
	}
}

// TestParseSuffix tests that non-.json inputs are rejected.
func TestParseSuffix(t *testing.T) {
	_, err := Parse([]byte(validEntry), "entry.yaml")
	if !apperrors.IsKind(err, apperrors.EntryFormat) {
		t.Fatalf("Parse() error = %v, want EntryFormatError", err)
	}
}

// TestParseBadJSON tests that syntactically invalid JSON is a format error.
func TestParseBadJSON(t *testing.T) {
	_, err := Parse([]byte(`{"id": `), "entry.json")
	if !apperrors.IsKind(err, apperrors.EntryFormat) {
		t.Fatalf("Parse() error = %v, want EntryFormatError", err)
	}
}

// TestParseMissingRequired tests that a missing required field is a
// validation error naming the field.
func TestParseMissingRequired(t *testing.T) {
	_, err := Parse([]byte(`{"id": "MMS", "title": "MMS"}`), "entry.json")
	if !apperrors.IsKind(err, apperrors.EntryValidation) {
		t.Fatalf("Parse() error = %v, want EntryValidationError", err)
	}
	if !strings.Contains(err.Error(), "loc") {
		t.Errorf("error %q does not name the missing field", err.Error())
	}
}

// TestParseBadScheme tests that a non-s3 loc is rejected.
func TestParseBadScheme(t *testing.T) {
	input := `{"id": "MMS", "loc": "https://example.com/MMS/", "title": "MMS"}`
	_, err := Parse([]byte(input), "entry.json")
	if !apperrors.IsKind(err, apperrors.EntryValidation) {
		t.Fatalf("Parse() error = %v, want EntryValidationError", err)
	}
}

// TestParseUnknownFormat tests that file formats outside the recognized set
// are rejected.
func TestParseUnknownFormat(t *testing.T) {
	input := `{"id": "MMS", "loc": "s3://b/MMS/", "title": "MMS", "file_format": "parquet"}`
	_, err := Parse([]byte(input), "entry.json")
	if !apperrors.IsKind(err, apperrors.EntryValidation) {
		t.Fatalf("Parse() error = %v, want EntryValidationError", err)
	}
}

// TestParseSingleFormatString tests the string form of file_format.
func TestParseSingleFormatString(t *testing.T) {
	input := `{"id": "MMS", "loc": "s3://b/MMS/", "title": "MMS", "file_format": "cdf"}`
	ds, err := Parse([]byte(input), "entry.json")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(ds.FileFormat) != 1 || ds.FileFormat[0] != "cdf" {
		t.Errorf("file_format = %v, want [cdf]", ds.FileFormat)
	}
}

// TestParseDateOrder tests that start_date after end_date is rejected.
func TestParseDateOrder(t *testing.T) {
	input := `{"id": "MMS", "loc": "s3://b/MMS/", "title": "MMS",
		"start_date": "2023-01-01", "end_date": "2015-01-01"}`
	_, err := Parse([]byte(input), "entry.json")
	if !apperrors.IsKind(err, apperrors.EntryValidation) {
		t.Fatalf("Parse() error = %v, want EntryValidationError", err)
	}
}

// TestParseBadAboutURL tests that a malformed about_url is rejected.
func TestParseBadAboutURL(t *testing.T) {
	input := `{"id": "MMS", "loc": "s3://b/MMS/", "title": "MMS",
		"ownership": {"about_url": "not a url"}}`
	_, err := Parse([]byte(input), "entry.json")
	if !apperrors.IsKind(err, apperrors.EntryValidation) {
		t.Fatalf("Parse() error = %v, want EntryValidationError", err)
	}
}

// TestParseUnknownKeysIgnored tests forward compatibility: unknown top-level
// keys do not fail the parse.
func TestParseUnknownKeysIgnored(t *testing.T) {
	input := `{"id": "MMS", "loc": "s3://b/MMS/", "title": "MMS", "experimental": {"x": 1}}`
	if _, err := Parse([]byte(input), "entry.json"); err != nil {
		t.Fatalf("Parse() error = %v, want nil", err)
	}
}

// TestRoundTrip tests the Parse(Serialize(ds)) law.
func TestRoundTrip(t *testing.T) {
	ds, err := Parse([]byte(validEntry), "entry.json")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	data, err := Serialize(ds)
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}
	ds2, err := Parse(data, "entry.json")
	if err != nil {
		t.Fatalf("Parse(Serialize()) error = %v", err)
	}
	if ds2.ID != ds.ID || ds2.Loc != ds.Loc || ds2.Title != ds.Title {
		t.Errorf("round trip mismatch: %+v vs %+v", ds2, ds)
	}
	if !ds2.StartDate.Equal(*ds.StartDate) || !ds2.EndDate.Equal(*ds.EndDate) {
		t.Errorf("round trip date mismatch")
	}
}
