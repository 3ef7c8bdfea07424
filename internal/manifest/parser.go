// internal/manifest/parser.go
// Package manifest parses and validates the CSV manifests that describe a
// batch of files to register. The parser is pure: it reads its input and
// nothing else, and it streams rows instead of materializing the whole body.
package manifest

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/heliocloud/registration-go/internal/errors"
	"github.com/heliocloud/registration-go/internal/model"
)

// RequiredHeaders are the columns every manifest must carry. Additional
// columns are permitted and preserved untyped.
var RequiredHeaders = []string{"time", "s3key", "filesize"}

// timeLayouts are the accepted ISO-8601 shapes for the time column. Values
// without an explicit zone are treated as UTC.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// Parser streams typed rows out of a manifest. Obtain one with NewParser,
// then call Next until io.EOF. A Parser is single-use; re-parse the input to
// restart the sequence.
type Parser struct {
	r       *csv.Reader
	headers []string       // normalized header names in column order
	index   map[string]int // header name -> column position
	row     int            // body row counter, 1-based, for diagnostics
}

// NewParser validates the manifest name and header row and returns a Parser
// positioned at the first body row.
//
// The input name must carry the .csv suffix. The first row is the header;
// leading '#' and surrounding whitespace are stripped from each header name.
// All of RequiredHeaders must be present.
func NewParser(r io.Reader, name string) (*Parser, error) {
	if !strings.HasSuffix(strings.ToLower(name), ".csv") {
		return nil, apperrors.Newf(apperrors.ManifestFormat, "manifest %q does not have the .csv suffix", name)
	}

	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, apperrors.Newf(apperrors.ManifestFormat, "manifest %q is empty", name)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ManifestFormat, "manifest header is not parseable CSV", err)
	}

	p := &Parser{r: cr, index: make(map[string]int, len(header))}
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(h), "#"))
		p.headers = append(p.headers, h)
		p.index[h] = i
	}

	var missing []string
	for _, h := range RequiredHeaders {
		if _, ok := p.index[h]; !ok {
			missing = append(missing, h)
		}
	}
	if len(missing) > 0 {
		return nil, apperrors.Newf(apperrors.ManifestSchema,
			"manifest is missing required headers: %s", strings.Join(missing, ", ")).
			WithDetails(map[string]any{"missing": missing})
	}

	return p, nil
}

// Headers returns the normalized header names in column order.
func (p *Parser) Headers() []string { return p.headers }

// Next returns the next typed body row, or io.EOF when the manifest is
// exhausted. A coercion failure yields a ManifestTypeError naming the
// offending row and column.
func (p *Parser) Next() (*model.ManifestRow, error) {
	record, err := p.r.Read()
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ManifestFormat, "manifest body is not parseable CSV", err)
	}
	p.row++

	ts, err := p.timeField(record)
	if err != nil {
		return nil, err
	}
	size, err := p.sizeField(record)
	if err != nil {
		return nil, err
	}

	row := &model.ManifestRow{
		Time: ts,
		Key:  strings.TrimSpace(record[p.index["s3key"]]),
		Size: size,
	}

	// Preserve any non-required columns untyped.
	for name, i := range p.index {
		switch name {
		case "time", "s3key", "filesize":
			continue
		}
		if i < len(record) {
			if row.Extra == nil {
				row.Extra = make(map[string]string)
			}
			row.Extra[name] = strings.TrimSpace(record[i])
		}
	}

	return row, nil
}

// ReadAll drains the parser and returns every remaining row. An empty body
// yields a zero-length slice and no error.
func (p *Parser) ReadAll() ([]model.ManifestRow, error) {
	var rows []model.ManifestRow
	for {
		row, err := p.Next()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, *row)
	}
}

// Parse is the convenience form: validate the header and materialize every
// body row in one call.
func Parse(r io.Reader, name string) ([]model.ManifestRow, error) {
	p, err := NewParser(r, name)
	if err != nil {
		return nil, err
	}
	return p.ReadAll()
}

func (p *Parser) timeField(record []string) (time.Time, error) {
	raw := strings.TrimSpace(record[p.index["time"]])
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, apperrors.Newf(apperrors.ManifestType,
		"row %d column %q: %q is not an ISO-8601 timestamp", p.row, "time", raw).
		WithDetails(map[string]any{"row": p.row, "column": "time", "value": raw})
}

func (p *Parser) sizeField(record []string) (int64, error) {
	raw := strings.TrimSpace(record[p.index["filesize"]])
	size, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, apperrors.Newf(apperrors.ManifestType,
			"row %d column %q: %q is not a 64-bit integer", p.row, "filesize", raw).
			WithDetails(map[string]any{"row": p.row, "column": "filesize", "value": raw})
	}
	return size, nil
}

// Serialize writes rows back out as a manifest: a '#'-prefixed header with
// the required columns first and any extra columns in sorted order, then one
// body row per input row. Parse(Serialize(rows)) round-trips modulo column
// ordering and '#' stripping.
func Serialize(w io.Writer, rows []model.ManifestRow) error {
	extraSet := make(map[string]bool)
	for _, row := range rows {
		for name := range row.Extra {
			extraSet[name] = true
		}
	}
	extras := make([]string, 0, len(extraSet))
	for name := range extraSet {
		extras = append(extras, name)
	}
	sort.Strings(extras)

	cw := csv.NewWriter(w)
	header := append([]string{"#time", "s3key", "filesize"}, extras...)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write manifest header: %w", err)
	}

	for _, row := range rows {
		record := []string{
			row.Time.UTC().Format(time.RFC3339),
			row.Key,
			strconv.FormatInt(row.Size, 10),
		}
		for _, name := range extras {
			record = append(record, row.Extra[name])
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write manifest row: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}
