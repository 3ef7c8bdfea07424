// internal/store/store.go
// Package store provides the key-addressable record store behind the
// registration pipeline: file records, dataset summaries, and the failure
// journal, with in-memory and PostgreSQL implementations.
package store

import (
	"context"
	"errors"

	"github.com/heliocloud/registration-go/internal/model"
)

// Standard errors returned by the record store
var (
	ErrNotFound = errors.New("not found") // Returned when a row is not found
	ErrConflict = errors.New("conflict")  // Returned on duplicate insert or guard mismatch
)

// Store is the record-store interface used by the registrar, reconciler, and
// failure journal. Implementations must keep (dataset, start_date) queryable
// as the dataset_datesort secondary index.
type Store interface {
	// File records, keyed by object key
	GetFileRecord(ctx context.Context, key string) (*model.RegisteredFile, error)
	PutFileRecord(ctx context.Context, rec model.RegisteredFile) error // idempotent upsert
	DeleteFileRecord(ctx context.Context, key string) error
	ListFilesByDataset(ctx context.Context, dataset string) ([]model.RegisteredFile, error) // start_date order

	// Dataset summaries, keyed by (mission, dataset)
	GetSummary(ctx context.Context, mission, dataset string) (*model.DatasetSummary, error)
	InsertSummary(ctx context.Context, s model.DatasetSummary) error // ErrConflict when present
	// UpdateSummaryGuarded writes s only while the stored file_count still
	// equals expectedCount; a concurrent writer surfaces as ErrConflict.
	UpdateSummaryGuarded(ctx context.Context, s model.DatasetSummary, expectedCount int64) error
	PutSummary(ctx context.Context, s model.DatasetSummary) error // unconditional, recompute path
	DeleteSummary(ctx context.Context, mission, dataset string) error

	// Failure journal, append-only, keyed by (s3_filekey, upload_date)
	AppendFailure(ctx context.Context, e model.FailureEntry) error
	ListFailures(ctx context.Context, key string) ([]model.FailureEntry, error)
}
