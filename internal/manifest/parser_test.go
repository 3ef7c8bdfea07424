// Package manifest provides tests for the manifest parser.
package manifest

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	apperrors "github.com/heliocloud/registration-go/internal/errors"
	"github.com/heliocloud/registration-go/internal/model"
)

const validManifest = "#time,s3key,filesize\n" +
	"2015-09-01T10:45:00Z,s3://b/d/a.fits,246000\n" +
	"2015-09-01T10:46:00Z,s3://b/d/b.fits,246000\n"

// TestParseValid tests parsing a well-formed two-row manifest.
func TestParseValid(t *testing.T) {
	rows, err := Parse(strings.NewReader(validManifest), "upload.csv")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("Parse() returned %d rows, want 2", len(rows))
	}

	want0 := time.Date(2015, 9, 1, 10, 45, 0, 0, time.UTC)
	if !rows[0].Time.Equal(want0) {
		t.Errorf("row 0 time = %v, want %v", rows[0].Time, want0)
	}
	if rows[0].Key != "s3://b/d/a.fits" {
		t.Errorf("row 0 key = %q", rows[0].Key)
	}
	if rows[0].Size != 246000 {
		t.Errorf("row 0 size = %d, want 246000", rows[0].Size)
	}
	if rows[1].Key != "s3://b/d/b.fits" {
		t.Errorf("row 1 key = %q", rows[1].Key)
	}
}

// TestParseSuffix tests that non-.csv inputs are rejected as a format error.
func TestParseSuffix(t *testing.T) {
	_, err := Parse(strings.NewReader(validManifest), "upload.txt")
	if !apperrors.IsKind(err, apperrors.ManifestFormat) {
		t.Fatalf("Parse() error = %v, want ManifestFormatError", err)
	}
}

// TestParseMissingHeader tests that missing required columns are reported
// with every missing name.
func TestParseMissingHeader(t *testing.T) {
	input := "#time,s3key\n2015-09-01T10:45:00Z,s3://b/d/a.fits\n"
	_, err := Parse(strings.NewReader(input), "upload.csv")
	if !apperrors.IsKind(err, apperrors.ManifestSchema) {
		t.Fatalf("Parse() error = %v, want ManifestSchemaError", err)
	}
	if !strings.Contains(err.Error(), "filesize") {
		t.Errorf("error %q does not name the missing header", err.Error())
	}
}

// TestParseBadType tests that a non-integer filesize yields a type error
// naming the row and column.
func TestParseBadType(t *testing.T) {
	input := "#time,s3key,filesize\n" +
		"2015-09-01T10:45:00Z,s3://b/d/a.fits,246000\n" +
		"2015-09-01T10:46:00Z,s3://b/d/b.fits,big\n"
	_, err := Parse(strings.NewReader(input), "upload.csv")
	if !apperrors.IsKind(err, apperrors.ManifestType) {
		t.Fatalf("Parse() error = %v, want ManifestTypeError", err)
	}
	if !strings.Contains(err.Error(), "row 2") || !strings.Contains(err.Error(), "filesize") {
		t.Errorf("error %q does not name row 2 column filesize", err.Error())
	}
}

// TestParseBadTime tests that an unparsable time column is a type error.
func TestParseBadTime(t *testing.T) {
	input := "#time,s3key,filesize\nyesterday,s3://b/d/a.fits,100\n"
	_, err := Parse(strings.NewReader(input), "upload.csv")
	if !apperrors.IsKind(err, apperrors.ManifestType) {
		t.Fatalf("Parse() error = %v, want ManifestTypeError", err)
	}
}

// TestParseEmptyBody tests that a header-only manifest is a zero-row result.
func TestParseEmptyBody(t *testing.T) {
	rows, err := Parse(strings.NewReader("#time,s3key,filesize\n"), "upload.csv")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("Parse() returned %d rows, want 0", len(rows))
	}
}

// TestParseCRLF tests that CRLF line terminators are accepted.
func TestParseCRLF(t *testing.T) {
	input := strings.ReplaceAll(validManifest, "\n", "\r\n")
	rows, err := Parse(strings.NewReader(input), "upload.csv")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("Parse() returned %d rows, want 2", len(rows))
	}
}

// TestParseExtraColumns tests that extra columns are preserved untyped.
func TestParseExtraColumns(t *testing.T) {
	input := "# time , s3key, filesize,mission\n" +
		"2015-09-01T10:45:00Z,s3://b/d/a.fits,246000,mms\n"
	rows, err := Parse(strings.NewReader(input), "upload.csv")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if rows[0].Extra["mission"] != "mms" {
		t.Errorf("extra column mission = %q, want %q", rows[0].Extra["mission"], "mms")
	}
}

// TestParseStreaming tests the lazy Next interface directly.
func TestParseStreaming(t *testing.T) {
	p, err := NewParser(strings.NewReader(validManifest), "upload.csv")
	if err != nil {
		t.Fatalf("NewParser() error = %v", err)
	}

	count := 0
	for {
		_, err := p.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		count++
	}
	if count != 2 {
		t.Fatalf("streamed %d rows, want 2", count)
	}
}

// TestRoundTrip tests that Serialize then Parse reproduces the rows.
func TestRoundTrip(t *testing.T) {
	in := []model.ManifestRow{
		{
			Time:  time.Date(2015, 9, 1, 10, 45, 0, 0, time.UTC),
			Key:   "s3://b/d/a.fits",
			Size:  246000,
			Extra: map[string]string{"mission": "mms"},
		},
		{
			Time: time.Date(2015, 9, 1, 10, 46, 0, 0, time.UTC),
			Key:  "s3://b/d/b.fits",
			Size: 512,
		},
	}

	var buf bytes.Buffer
	if err := Serialize(&buf, in); err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}

	out, err := Parse(bytes.NewReader(buf.Bytes()), "chunk.csv")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("round trip returned %d rows, want %d", len(out), len(in))
	}
	for i := range in {
		if !out[i].Time.Equal(in[i].Time) || out[i].Key != in[i].Key || out[i].Size != in[i].Size {
			t.Errorf("row %d mismatch: got %+v, want %+v", i, out[i], in[i])
		}
	}
	if out[0].Extra["mission"] != "mms" {
		t.Errorf("round trip lost extra column: %+v", out[0].Extra)
	}
}
