// internal/entry/parser.go
// Package entry parses and validates the JSON descriptors ("entries") that
// accompany a dataset batch. Validation happens in two passes: a structural
// JSON Schema pass, then typed coercion applying every DataSet invariant.
package entry

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/heliocloud/registration-go/internal/errors"
	"github.com/heliocloud/registration-go/internal/model"
	"github.com/xeipuuv/gojsonschema"
)

// entrySchema is the structural schema for a dataset entry. Unknown top-level
// keys are deliberately permitted for forward compatibility.
const entrySchema = `{
	"type": "object",
	"required": ["id", "loc", "title"],
	"properties": {
		"id":    {"type": "string", "minLength": 1},
		"loc":   {"type": "string", "minLength": 1},
		"title": {"type": "string", "minLength": 1},
		"start_date": {"type": "string"},
		"end_date":   {"type": "string"},
		"file_format": {
			"anyOf": [
				{"type": "string"},
				{"type": "array", "items": {"type": "string"}}
			]
		},
		"ownership": {
			"type": "object",
			"properties": {
				"description":   {"type": "string"},
				"resource_id":   {"type": "string"},
				"creation_date": {"type": "string"},
				"citation":      {"type": "string"},
				"contact":       {"type": "string"},
				"about_url":     {"type": "string"}
			}
		}
	}
}`

var compiledSchema *gojsonschema.Schema

func init() {
	var err error
	compiledSchema, err = gojsonschema.NewSchema(gojsonschema.NewStringLoader(entrySchema))
	if err != nil {
		panic(fmt.Sprintf("entry: failed to compile entry schema: %v", err))
	}
}

// dateLayouts are the accepted shapes for entry date fields. Date-only values
// are common in hand-written entries.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// rawEntry is the wire shape of an entry document before typed coercion.
type rawEntry struct {
	ID         string            `json:"id"`
	Loc        string            `json:"loc"`
	Title      string            `json:"title"`
	StartDate  string            `json:"start_date"`
	EndDate    string            `json:"end_date"`
	FileFormat model.FileFormats `json:"file_format"`
	Ownership  *model.Ownership  `json:"ownership"`
}

// Parse coerces an entry document into a validated DataSet.
//
// The input name must carry the .json suffix and the bytes must be
// syntactically valid JSON; otherwise an EntryFormatError is returned. Any
// schema or invariant violation is an EntryValidationError naming the field.
func Parse(data []byte, name string) (*model.DataSet, error) {
	if !strings.HasSuffix(strings.ToLower(name), ".json") {
		return nil, apperrors.Newf(apperrors.EntryFormat, "entry %q does not have the .json suffix", name)
	}
	if !json.Valid(data) {
		return nil, apperrors.Newf(apperrors.EntryFormat, "entry %q is not valid JSON", name)
	}

	result, err := compiledSchema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.EntryFormat, "entry schema validation failed to run", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
		}
		return nil, apperrors.Newf(apperrors.EntryValidation, "entry failed schema validation: %s",
			strings.Join(msgs, "; ")).
			WithDetails(map[string]any{"violations": msgs})
	}

	var raw rawEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, apperrors.Wrap(apperrors.EntryValidation, "entry fields failed typed coercion", err)
	}

	ds := &model.DataSet{
		ID:         raw.ID,
		Loc:        raw.Loc,
		Title:      raw.Title,
		FileFormat: raw.FileFormat,
		Ownership:  raw.Ownership,
	}

	if ds.StartDate, err = parseDate("start_date", raw.StartDate); err != nil {
		return nil, err
	}
	if ds.EndDate, err = parseDate("end_date", raw.EndDate); err != nil {
		return nil, err
	}

	if err := ds.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.EntryValidation, "entry violates a dataset invariant", err)
	}

	return ds, nil
}

// parseDate coerces an optional entry date field to UTC.
func parseDate(field, raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	for _, layout := range dateLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			utc := ts.UTC()
			return &utc, nil
		}
	}
	return nil, apperrors.Newf(apperrors.EntryValidation, "%s: %q is not an ISO-8601 timestamp", field, raw).
		WithDetails(map[string]any{"field": field, "value": raw})
}

// Serialize renders a DataSet back to its entry JSON form with stable
// indentation. Parse(Serialize(ds)) reproduces ds.
func Serialize(ds *model.DataSet) ([]byte, error) {
	return json.MarshalIndent(ds, "", "  ")
}
