// internal/model/registration.go
// Package model defines the data structures used throughout the registration
// pipeline: dataset descriptors, registered files, per-dataset summaries,
// job envelopes, and failure journal entries.
package model

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// RecognizedFileFormats is the closed set of file formats a dataset entry may
// declare. Unknown formats are rejected at ingest time.
var RecognizedFileFormats = map[string]bool{
	"cdf":    true,
	"fits":   true,
	"csv":    true,
	"netcdf": true,
}

// NoneValue is the literal used in job envelopes for metadata fields that
// arrived empty. Downstream consumers expect "None" rather than "".
const NoneValue = "None"

// SourceType classifies where a file is fetched from, derived from the
// download URL scheme.
type SourceType string

const (
	SourceWeb         SourceType = "web"         // http/https download
	SourceS3          SourceType = "s3"          // server-side copy from another bucket
	SourceUnsupported SourceType = "unsupported" // any other scheme; terminal failure
)

// SourceTypeOf derives the SourceType from a download URL. The classification
// happens once, at parse time; downstream code only ever sees the enum.
func SourceTypeOf(rawURL string) SourceType {
	u, err := url.Parse(rawURL)
	if err != nil {
		return SourceUnsupported
	}
	switch {
	case u.Scheme == "http" || u.Scheme == "https":
		return SourceWeb
	case u.Scheme == "s3":
		return SourceS3
	default:
		return SourceUnsupported
	}
}

// Ownership captures the provenance metadata attached to a dataset entry.
// All fields are optional, but AboutURL must be a well-formed URL when present.
type Ownership struct {
	Description  string `json:"description,omitempty"`
	ResourceID   string `json:"resource_id,omitempty"`
	CreationDate string `json:"creation_date,omitempty"`
	Citation     string `json:"citation,omitempty"`
	Contact      string `json:"contact,omitempty"`
	AboutURL     string `json:"about_url,omitempty"`
}

// FileFormats accepts either a single JSON string or an array of strings,
// normalizing to a slice. Entry files in the wild use both shapes.
type FileFormats []string

// UnmarshalJSON implements json.Unmarshaler for the string-or-array shape.
func (f *FileFormats) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*f = FileFormats{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("file_format must be a string or array of strings")
	}
	*f = many
	return nil
}

// DataSet is the descriptor of a logical collection of files. It corresponds
// to one element of the local catalog document and one row group in the
// record store.
type DataSet struct {
	ID         string      `json:"id"`                   // Unique entry identifier (e.g. "MMS")
	Loc        string      `json:"loc"`                  // s3:// prefix under which all files live
	Title      string      `json:"title"`                // Display string
	StartDate  *time.Time  `json:"start_date,omitempty"` // Optional earliest sample time
	EndDate    *time.Time  `json:"end_date,omitempty"`   // Optional latest sample time
	FileFormat FileFormats `json:"file_format,omitempty"`
	Ownership  *Ownership  `json:"ownership,omitempty"`
}

// Validate applies every DataSet invariant: non-empty id and title, s3://
// scheme on loc, ordered dates, recognized file formats, and a well-formed
// about_url. It returns the first violation as an error naming the field.
func (d *DataSet) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("id: must be non-empty")
	}
	if strings.TrimSpace(d.Title) == "" {
		return fmt.Errorf("title: must be non-empty")
	}
	u, err := url.Parse(d.Loc)
	if err != nil || u.Scheme != "s3" || u.Host == "" {
		return fmt.Errorf("loc: must be an s3:// URL, got %q", d.Loc)
	}
	if d.StartDate != nil && d.EndDate != nil && d.EndDate.Before(*d.StartDate) {
		return fmt.Errorf("start_date: must not be after end_date")
	}
	for _, f := range d.FileFormat {
		if !RecognizedFileFormats[f] {
			return fmt.Errorf("file_format: unrecognized format %q", f)
		}
	}
	if d.Ownership != nil && d.Ownership.AboutURL != "" {
		if au, err := url.Parse(d.Ownership.AboutURL); err != nil || au.Scheme == "" || au.Host == "" {
			return fmt.Errorf("ownership.about_url: must be a well-formed URL, got %q", d.Ownership.AboutURL)
		}
	}
	return nil
}

// RegisteredFile is the persisted row describing one file belonging to one
// dataset. The object key is the primary identifier; (dataset, start_date)
// forms the dataset_datesort secondary index.
type RegisteredFile struct {
	Key               string     `json:"s3_filekey"`         // Object-store key, primary key
	Dataset           string     `json:"dataset"`            // Owning dataset id
	Mission           string     `json:"mission"`            // Mission the dataset belongs to
	StartDate         time.Time  `json:"start_date"`         // Time of the first sample (required, UTC)
	EndDate           *time.Time `json:"end_date,omitempty"`  // Time of the last sample (optional)
	FileSize          int64      `json:"file_size"`          // Size in bytes, non-negative
	Checksum          string     `json:"checksum,omitempty"`
	ChecksumAlgorithm string     `json:"checksum_algorithm,omitempty"`
	SourceUpdate      time.Time  `json:"source_update"` // Upstream last-modified; re-fetch decision variable
	SourceType        SourceType `json:"source_type"`
}

// Validate checks the RegisteredFile invariants before a store write.
func (r *RegisteredFile) Validate() error {
	if r.Key == "" {
		return fmt.Errorf("s3_filekey: must be non-empty")
	}
	if r.Dataset == "" {
		return fmt.Errorf("dataset: must be non-empty")
	}
	if r.StartDate.IsZero() {
		return fmt.Errorf("start_date: must be set")
	}
	if r.FileSize < 0 {
		return fmt.Errorf("file_size: must be non-negative, got %d", r.FileSize)
	}
	if r.EndDate != nil && r.EndDate.Before(r.StartDate) {
		return fmt.Errorf("start_date: must not be after end_date")
	}
	if (r.Checksum == "") != (r.ChecksumAlgorithm == "") {
		return fmt.Errorf("checksum: checksum and checksum_algorithm must be set together")
	}
	return nil
}

// CoverageEnd returns the effective end of the file's time coverage:
// end_date when present, otherwise start_date.
func (r *RegisteredFile) CoverageEnd() time.Time {
	if r.EndDate != nil {
		return *r.EndDate
	}
	return r.StartDate
}

// DatasetSummary is the derived per-dataset aggregate: widest time range and
// live file count. It is never authoritative on its own; the reconciler keeps
// it consistent with the file records.
type DatasetSummary struct {
	Mission      string    `json:"mission"` // Composite key with Dataset
	Dataset      string    `json:"dataset"`
	DatasetStart time.Time `json:"dataset_start"`
	DatasetEnd   time.Time `json:"dataset_end"`
	FileCount    int64     `json:"file_count"`
}

// ManifestRow is one typed tuple of a parsed manifest body. Columns beyond
// the required three are preserved untyped in Extra.
type ManifestRow struct {
	Time  time.Time         // Required "time" column, UTC
	Key   string            // Required "s3key" column
	Size  int64             // Required "filesize" column
	Extra map[string]string // Any additional columns, untyped
}

// FileJob is the normalized per-file job envelope the orchestrator fans out.
// String metadata fields that arrived empty carry the literal "None".
type FileJob struct {
	Mission      string    `json:"mission"`
	Spacecraft   string    `json:"spacecraft"`
	Dataset      string    `json:"dataset"`
	Instr        string    `json:"instr"`
	InstrMode    string    `json:"instr_mode"`
	LevelProc    string    `json:"level_proc"`
	Source       string    `json:"source"`
	DownloadURL  string    `json:"download_url"`
	S3Filename   string    `json:"s3_filename"`
	S3Bucket     string    `json:"s3_bucket"`
	SourceUpdate time.Time `json:"source_update"`

	// Typed fields carried over from the manifest row.
	StartDate time.Time  `json:"start_date"`
	EndDate   *time.Time `json:"end_date,omitempty"`
	FileSize  int64      `json:"file_size"`

	Checksum          string `json:"checksum,omitempty"`
	ChecksumAlgorithm string `json:"checksum_algorithm,omitempty"`
}

// NormalizeNone replaces empty string metadata fields with the "None"
// literal expected by downstream consumers of the envelope.
func (j *FileJob) NormalizeNone() {
	for _, p := range []*string{
		&j.Mission, &j.Spacecraft, &j.Dataset, &j.Instr,
		&j.InstrMode, &j.LevelProc, &j.Source,
	} {
		if *p == "" {
			*p = NoneValue
		}
	}
}

// FailureEntry is one row of the append-only failure journal, keyed by
// (s3_filekey, upload_date). It carries the full job envelope plus the
// terminal failure classification.
type FailureEntry struct {
	Key        string    `json:"s3_filekey"`
	UploadDate time.Time `json:"upload_date"` // When the failure was journaled, UTC
	Job        FileJob   `json:"job"`
	FailType   string    `json:"fail_type"`
	FailCause  string    `json:"fail_cause"`
}

// ObjectCreatedEvent is the trigger event for the batch orchestrator: an
// object landed in the staging bucket.
type ObjectCreatedEvent struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// JobState is the terminal outcome of one per-file job.
type JobState string

const (
	JobDone   JobState = "DONE"
	JobFailed JobState = "FAILED"
)

// JobOutcome records the terminal state of a single row job within a chunk.
type JobOutcome struct {
	Key      string   `json:"s3_filekey"`
	State    JobState `json:"state"`
	FailType string   `json:"fail_type,omitempty"`
}

// ChunkReport is the fan-in record for one dispatched chunk.
type ChunkReport struct {
	RequestID string       `json:"request_id"`
	ChunkKey  string       `json:"chunk_key"`
	Index     int          `json:"index"`
	Rows      int          `json:"rows"`
	Done      int          `json:"done"`
	Failed    int          `json:"failed"`
	Outcomes  []JobOutcome `json:"outcomes"`
}
