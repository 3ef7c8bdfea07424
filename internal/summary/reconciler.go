// internal/summary/reconciler.go
// Package summary derives and maintains the per-dataset aggregates (time
// range and file count) from file-record state. The summary is never
// authoritative: any doubt is resolved by recomputing from the
// dataset_datesort secondary index.
package summary

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	apperrors "github.com/heliocloud/registration-go/internal/errors"
	"github.com/heliocloud/registration-go/internal/metrics"
	"github.com/heliocloud/registration-go/internal/model"
	"github.com/heliocloud/registration-go/internal/store"
)

// Reconciler keeps dataset summaries consistent with file records. Safe for
// concurrent use; contention is resolved by guarded updates with retry.
type Reconciler struct {
	store      store.Store
	metrics    *metrics.Metrics
	maxRetries uint64
}

// New creates a Reconciler with the given retry budget for guarded updates.
func New(s store.Store, m *metrics.Metrics, maxRetries int) *Reconciler {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Reconciler{store: s, metrics: m, maxRetries: uint64(maxRetries)}
}

// OnInsert folds a newly recorded file into the dataset summary: the count
// grows by one and the bounds widen to cover the file. The summary row is
// created lazily on the first file of a dataset.
//
// The guarded update tolerates concurrent writers; after the retry budget is
// exhausted a full recompute runs instead, so the caller can treat the file
// as registered either way.
func (r *Reconciler) OnInsert(ctx context.Context, file model.RegisteredFile) error {
	op := func() error {
		current, err := r.store.GetSummary(ctx, file.Mission, file.Dataset)
		if errors.Is(err, store.ErrNotFound) {
			fresh := model.DatasetSummary{
				Mission:      file.Mission,
				Dataset:      file.Dataset,
				DatasetStart: file.StartDate,
				DatasetEnd:   file.CoverageEnd(),
				FileCount:    1,
			}
			if err := r.store.InsertSummary(ctx, fresh); errors.Is(err, store.ErrConflict) {
				// Another writer created it first; go around again
				return err
			} else if err != nil {
				return backoff.Permanent(err)
			}
			return nil
		}
		if err != nil {
			return backoff.Permanent(err)
		}

		next := *current
		next.FileCount = current.FileCount + 1
		next.DatasetStart = minTime(current.DatasetStart, file.StartDate)
		next.DatasetEnd = maxTime(current.DatasetEnd, file.CoverageEnd())

		if err := r.store.UpdateSummaryGuarded(ctx, next, current.FileCount); err != nil {
			if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
				return err // lost the race, re-read and retry
			}
			return backoff.Permanent(err)
		}
		return nil
	}

	return r.withRecomputeFallback(ctx, file.Mission, file.Dataset, "insert", op)
}

// OnReplace handles a file record replaced in place (re-fetch of an updated
// source). The count is unchanged; bounds may only widen on the fast path.
// A narrowed bound cannot be detected without a recompute, so a bounding
// mismatch falls back to Recompute.
func (r *Reconciler) OnReplace(ctx context.Context, previous, current model.RegisteredFile) error {
	// The replaced file may have carried a summary bound; recompute rather
	// than guess when its coverage shrank.
	if current.StartDate.After(previous.StartDate) || current.CoverageEnd().Before(previous.CoverageEnd()) {
		r.countRecompute(current.Dataset, "replace")
		return r.Recompute(ctx, current.Mission, current.Dataset)
	}

	op := func() error {
		sum, err := r.store.GetSummary(ctx, current.Mission, current.Dataset)
		if errors.Is(err, store.ErrNotFound) {
			// Summary missing entirely; rebuild it
			return backoff.Permanent(r.Recompute(ctx, current.Mission, current.Dataset))
		}
		if err != nil {
			return backoff.Permanent(err)
		}

		next := *sum
		next.DatasetStart = minTime(sum.DatasetStart, current.StartDate)
		next.DatasetEnd = maxTime(sum.DatasetEnd, current.CoverageEnd())
		if next == *sum {
			return nil // bounds unchanged
		}
		if err := r.store.UpdateSummaryGuarded(ctx, next, sum.FileCount); err != nil {
			if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}

	return r.withRecomputeFallback(ctx, current.Mission, current.Dataset, "replace", op)
}

// OnDelete reconciles the summary after a file record was removed. When the
// deleted file carried one of the summary bounds the whole summary is
// recomputed from the index rather than patched: more than one file may
// share a boundary, so swapping in the deleted file's neighbor is wrong.
// Deleting the last file removes the summary row.
func (r *Reconciler) OnDelete(ctx context.Context, deleted model.RegisteredFile) error {
	sum, err := r.store.GetSummary(ctx, deleted.Mission, deleted.Dataset)
	if errors.Is(err, store.ErrNotFound) {
		return nil // nothing to reconcile
	}
	if err != nil {
		return err
	}

	if sum.FileCount <= 1 {
		return r.store.DeleteSummary(ctx, deleted.Mission, deleted.Dataset)
	}

	bounding := deleted.StartDate.Equal(sum.DatasetStart) || deleted.CoverageEnd().Equal(sum.DatasetEnd)
	if bounding {
		r.countRecompute(deleted.Dataset, "boundary-delete")
		return r.Recompute(ctx, deleted.Mission, deleted.Dataset)
	}

	op := func() error {
		current, err := r.store.GetSummary(ctx, deleted.Mission, deleted.Dataset)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		next := *current
		next.FileCount = current.FileCount - 1
		if err := r.store.UpdateSummaryGuarded(ctx, next, current.FileCount); err != nil {
			if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}

	return r.withRecomputeFallback(ctx, deleted.Mission, deleted.Dataset, "delete", op)
}

// Recompute rebuilds the summary from the live file records of the dataset.
// An empty dataset removes the summary row. Recompute is idempotent; it is
// both the delete slow path and the escape hatch for guarded-update
// exhaustion.
func (r *Reconciler) Recompute(ctx context.Context, mission, dataset string) error {
	files, err := r.store.ListFilesByDataset(ctx, dataset)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return r.store.DeleteSummary(ctx, mission, dataset)
	}

	sum := model.DatasetSummary{
		Mission:      mission,
		Dataset:      dataset,
		DatasetStart: files[0].StartDate,
		DatasetEnd:   files[0].CoverageEnd(),
		FileCount:    int64(len(files)),
	}
	for _, f := range files[1:] {
		sum.DatasetStart = minTime(sum.DatasetStart, f.StartDate)
		sum.DatasetEnd = maxTime(sum.DatasetEnd, f.CoverageEnd())
	}

	return r.store.PutSummary(ctx, sum)
}

// withRecomputeFallback retries op under exponential backoff while it keeps
// losing guarded updates. Exhaustion is a ConsistencyError by policy, but the
// summary is derived state: log, count, and recompute instead of failing the
// caller's file job.
func (r *Reconciler) withRecomputeFallback(ctx context.Context, mission, dataset, reason string, op func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(newConflictBackOff(), r.maxRetries), ctx)
	err := backoff.Retry(op, policy)
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
		if r.metrics != nil {
			r.metrics.SummaryConflictTotal.WithLabelValues(dataset).Inc()
		}
		consistency := apperrors.Wrap(apperrors.Consistency,
			"summary reconcile exceeded its retry budget", err)
		slog.Warn("summary reconcile contention, falling back to recompute",
			"mission", mission, "dataset", dataset, "reason", reason, "error", consistency)
		r.countRecompute(dataset, "conflict-exhaustion")
		return r.Recompute(ctx, mission, dataset)
	}
	return err
}

func (r *Reconciler) countRecompute(dataset, reason string) {
	if r.metrics != nil {
		r.metrics.SummaryRecomputeTotal.WithLabelValues(dataset, reason).Inc()
	}
}

// newConflictBackOff returns a short exponential backoff suited to
// record-level contention rather than network failures.
func newConflictBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	return b
}

func minTime(a, b time.Time) time.Time {
	if b.Before(a) {
		return b
	}
	return a
}

func maxTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
