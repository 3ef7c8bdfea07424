// internal/registrar/registrar.go
// Package registrar runs the per-file registration state machine: decide
// whether a file needs fetching and recording, apply the write, and hand the
// result to the summary reconciler. Every job ends in exactly one of two
// terminal states, and a failed job always leaves a journal entry behind.
package registrar

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/heliocloud/registration-go/internal/errors"
	"github.com/heliocloud/registration-go/internal/event"
	"github.com/heliocloud/registration-go/internal/journal"
	"github.com/heliocloud/registration-go/internal/metrics"
	"github.com/heliocloud/registration-go/internal/model"
	"github.com/heliocloud/registration-go/internal/objstore"
	"github.com/heliocloud/registration-go/internal/store"
	"github.com/heliocloud/registration-go/internal/summary"
)

// FileFetcher pulls a job's file into the destination bucket. Satisfied by
// *fetch.Fetcher; narrowed to an interface so tests can stub transfers.
type FileFetcher interface {
	Fetch(ctx context.Context, job model.FileJob) error
}

// Registrar drives one file job from envelope to terminal state.
type Registrar struct {
	obj        objstore.Gateway
	store      store.Store
	fetcher    FileFetcher
	reconciler *summary.Reconciler
	journal    *journal.Journal
	publisher  event.Publisher
	metrics    *metrics.Metrics
	tracer     trace.Tracer
}

// New wires a registrar over its collaborators.
func New(obj objstore.Gateway, s store.Store, f FileFetcher, r *summary.Reconciler, j *journal.Journal, pub event.Publisher, m *metrics.Metrics) *Registrar {
	return &Registrar{
		obj:        obj,
		store:      s,
		fetcher:    f,
		reconciler: r,
		journal:    j,
		publisher:  pub,
		metrics:    m,
		tracer:     otel.Tracer("registrar"),
	}
}

// Process runs the full state machine for one job and returns its terminal
// outcome. A FAILED outcome has already been journaled; callers only
// aggregate. The decision is driven by two observations taken up front:
// whether the object is in the bucket, and whether a record exists.
//
//	absent  + absent  -> fetch, insert record, bump summary
//	present + absent  -> insert record from the envelope, no transfer
//	absent  + present -> re-fetch to restore the object, replace record
//	present + present -> compare source_update; no-op unless upstream is newer
func (r *Registrar) Process(ctx context.Context, job model.FileJob) model.JobOutcome {
	ctx, span := r.tracer.Start(ctx, "registrar.Process",
		trace.WithAttributes(
			attribute.String("file.key", job.S3Filename),
			attribute.String("dataset", job.Dataset),
		))
	defer span.End()

	start := time.Now()
	err := r.process(ctx, job)
	elapsed := time.Since(start)

	if err != nil {
		failType := string(apperrors.KindOf(err))
		if failType == "" {
			failType = "UnknownError"
		}
		// Journaling cannot fail the job further; the outcome is already
		// terminal. A journal write error is logged inside RecordFailure.
		_ = r.journal.RecordFailure(ctx, job, err)
		if r.metrics != nil {
			r.metrics.JobTotal.WithLabelValues(string(model.JobFailed), failType).Inc()
			r.metrics.JobDuration.WithLabelValues(string(model.JobFailed)).Observe(elapsed.Seconds())
		}
		return model.JobOutcome{Key: job.S3Filename, State: model.JobFailed, FailType: failType}
	}

	if r.metrics != nil {
		r.metrics.JobTotal.WithLabelValues(string(model.JobDone), "").Inc()
		r.metrics.JobDuration.WithLabelValues(string(model.JobDone)).Observe(elapsed.Seconds())
	}
	return model.JobOutcome{Key: job.S3Filename, State: model.JobDone}
}

func (r *Registrar) process(ctx context.Context, job model.FileJob) error {
	inBucket, err := r.obj.Exists(ctx, job.S3Bucket, job.S3Filename)
	if err != nil {
		return apperrors.Wrap(apperrors.StoreTransient, "checking bucket presence", err)
	}

	existing, err := r.store.GetFileRecord(ctx, job.S3Filename)
	switch {
	case errors.Is(err, store.ErrNotFound):
		existing = nil
	case err != nil:
		return apperrors.Wrap(apperrors.StoreTransient, "reading file record", err)
	}

	// Upstream timestamps only move forward. An envelope at or behind the
	// stored source_update is a replay and must never rewrite the record,
	// even when the object itself needs restoring.
	if existing != nil && !existing.SourceUpdate.Before(job.SourceUpdate) {
		if inBucket {
			slog.Debug("file already registered, skipping",
				"key", job.S3Filename, "source_update", job.SourceUpdate)
			return nil
		}
		if err := r.fetcher.Fetch(ctx, job); err != nil {
			return err
		}
		slog.Info("restored missing object, record untouched",
			"key", job.S3Filename, "stored_source_update", existing.SourceUpdate)
		return nil
	}

	needFetch := !inBucket || existing != nil
	if needFetch {
		if err := r.fetcher.Fetch(ctx, job); err != nil {
			return err
		}
	}

	rec := recordFromJob(job)
	if err := rec.Validate(); err != nil {
		return apperrors.Wrap(apperrors.StorePermanent, "file record invalid", err)
	}
	if err := r.store.PutFileRecord(ctx, rec); err != nil {
		return apperrors.Wrap(apperrors.StoreTransient, "writing file record", err)
	}

	if existing != nil {
		err = r.reconciler.OnReplace(ctx, *existing, rec)
	} else {
		err = r.reconciler.OnInsert(ctx, rec)
	}
	if err != nil {
		return err
	}

	if pubErr := r.publisher.PublishFileRegistered(ctx, rec); pubErr != nil {
		slog.Warn("failed to publish file-registered event", "key", rec.Key, "error", pubErr)
	}
	slog.Info("file registered",
		"key", rec.Key, "dataset", rec.Dataset, "fetched", needFetch, "replaced", existing != nil)
	return nil
}

// Deregister tears one file down: every object version, the file record, and
// the file's contribution to the dataset summary. Each step is idempotent so
// a partially applied teardown can simply be re-run.
func (r *Registrar) Deregister(ctx context.Context, bucket, key string) error {
	ctx, span := r.tracer.Start(ctx, "registrar.Deregister",
		trace.WithAttributes(attribute.String("file.key", key)))
	defer span.End()

	existing, err := r.store.GetFileRecord(ctx, key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		existing = nil
	case err != nil:
		return apperrors.Wrap(apperrors.StoreTransient, "reading file record", err)
	}

	if err := r.obj.DeleteAllVersions(ctx, bucket, key); err != nil {
		return apperrors.Wrap(apperrors.StoreTransient, "deleting object versions", err)
	}

	if existing == nil {
		slog.Info("deregister: no record for key", "key", key)
		return nil
	}

	if err := r.store.DeleteFileRecord(ctx, key); err != nil && !errors.Is(err, store.ErrNotFound) {
		return apperrors.Wrap(apperrors.StoreTransient, "deleting file record", err)
	}
	if err := r.reconciler.OnDelete(ctx, *existing); err != nil {
		return err
	}

	slog.Info("file deregistered", "key", key, "dataset", existing.Dataset)
	return nil
}

// recordFromJob projects the job envelope onto the persisted record shape.
func recordFromJob(job model.FileJob) model.RegisteredFile {
	return model.RegisteredFile{
		Key:               job.S3Filename,
		Dataset:           job.Dataset,
		Mission:           job.Mission,
		StartDate:         job.StartDate,
		EndDate:           job.EndDate,
		FileSize:          job.FileSize,
		Checksum:          job.Checksum,
		ChecksumAlgorithm: job.ChecksumAlgorithm,
		SourceUpdate:      job.SourceUpdate,
		SourceType:        model.SourceTypeOf(job.DownloadURL),
	}
}
