// internal/journal/journal.go
// Package journal writes the append-only record of per-file terminal
// failures. Absence from the journal plus presence in the file-record store
// is what "success" means to downstream consumers.
package journal

import (
	"context"
	"log/slog"
	"time"

	apperrors "github.com/heliocloud/registration-go/internal/errors"
	"github.com/heliocloud/registration-go/internal/metrics"
	"github.com/heliocloud/registration-go/internal/model"
	"github.com/heliocloud/registration-go/internal/store"
)

// Journal appends failure entries to the record store.
type Journal struct {
	store   store.Store
	metrics *metrics.Metrics
	now     func() time.Time // injectable clock for tests
}

// New creates a failure journal over the given store.
func New(s store.Store, m *metrics.Metrics) *Journal {
	return &Journal{store: s, metrics: m, now: time.Now}
}

// RecordFailure journals a terminal failure for the job. The entry carries
// the full job envelope, the error kind as fail_type, and the cause text.
// Journaling itself must not fail the caller; a write error is logged and
// returned for visibility but the job is already terminal.
func (j *Journal) RecordFailure(ctx context.Context, job model.FileJob, cause error) error {
	failType := string(apperrors.KindOf(cause))
	if failType == "" {
		failType = "UnknownError"
	}

	entry := model.FailureEntry{
		Key:        job.S3Filename,
		UploadDate: j.now().UTC(),
		Job:        job,
		FailType:   failType,
		FailCause:  cause.Error(),
	}

	if err := j.store.AppendFailure(ctx, entry); err != nil {
		slog.Error("failed to journal file failure",
			"key", entry.Key, "fail_type", failType, "error", err)
		return err
	}

	if j.metrics != nil {
		j.metrics.FailureTotal.WithLabelValues(failType).Inc()
	}
	slog.Warn("file registration failed",
		"key", entry.Key, "dataset", job.Dataset, "fail_type", failType, "cause", entry.FailCause)
	return nil
}
