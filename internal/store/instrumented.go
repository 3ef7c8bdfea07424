// internal/store/instrumented.go
package store

import (
	"context"
	"errors"
	"time"

	"github.com/heliocloud/registration-go/internal/metrics"
	"github.com/heliocloud/registration-go/internal/model"
)

// instrumented decorates a Store with operation counters and latency
// histograms. ErrNotFound and ErrConflict are expected outcomes of several
// operations and are labeled as such rather than as errors.
type instrumented struct {
	next Store
	m    *metrics.Metrics
}

// Instrument wraps s with prometheus instrumentation. A nil metrics handle
// returns s unchanged.
func Instrument(s Store, m *metrics.Metrics) Store {
	if m == nil {
		return s
	}
	return &instrumented{next: s, m: m}
}

func (i *instrumented) observe(op string, start time.Time, err error) {
	status := "ok"
	switch {
	case errors.Is(err, ErrNotFound):
		status = "not_found"
	case errors.Is(err, ErrConflict):
		status = "conflict"
	case err != nil:
		status = "error"
	}
	i.m.StoreOperationTotal.WithLabelValues(op, status).Inc()
	i.m.StoreOperationDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
}

func (i *instrumented) GetFileRecord(ctx context.Context, key string) (*model.RegisteredFile, error) {
	start := time.Now()
	rec, err := i.next.GetFileRecord(ctx, key)
	i.observe("get_file_record", start, err)
	return rec, err
}

func (i *instrumented) PutFileRecord(ctx context.Context, rec model.RegisteredFile) error {
	start := time.Now()
	err := i.next.PutFileRecord(ctx, rec)
	i.observe("put_file_record", start, err)
	return err
}

func (i *instrumented) DeleteFileRecord(ctx context.Context, key string) error {
	start := time.Now()
	err := i.next.DeleteFileRecord(ctx, key)
	i.observe("delete_file_record", start, err)
	return err
}

func (i *instrumented) ListFilesByDataset(ctx context.Context, dataset string) ([]model.RegisteredFile, error) {
	start := time.Now()
	records, err := i.next.ListFilesByDataset(ctx, dataset)
	i.observe("list_files_by_dataset", start, err)
	return records, err
}

func (i *instrumented) GetSummary(ctx context.Context, mission, dataset string) (*model.DatasetSummary, error) {
	start := time.Now()
	s, err := i.next.GetSummary(ctx, mission, dataset)
	i.observe("get_summary", start, err)
	return s, err
}

func (i *instrumented) InsertSummary(ctx context.Context, s model.DatasetSummary) error {
	start := time.Now()
	err := i.next.InsertSummary(ctx, s)
	i.observe("insert_summary", start, err)
	return err
}

func (i *instrumented) UpdateSummaryGuarded(ctx context.Context, s model.DatasetSummary, expectedCount int64) error {
	start := time.Now()
	err := i.next.UpdateSummaryGuarded(ctx, s, expectedCount)
	i.observe("update_summary_guarded", start, err)
	return err
}

func (i *instrumented) PutSummary(ctx context.Context, s model.DatasetSummary) error {
	start := time.Now()
	err := i.next.PutSummary(ctx, s)
	i.observe("put_summary", start, err)
	return err
}

func (i *instrumented) DeleteSummary(ctx context.Context, mission, dataset string) error {
	start := time.Now()
	err := i.next.DeleteSummary(ctx, mission, dataset)
	i.observe("delete_summary", start, err)
	return err
}

func (i *instrumented) AppendFailure(ctx context.Context, e model.FailureEntry) error {
	start := time.Now()
	err := i.next.AppendFailure(ctx, e)
	i.observe("append_failure", start, err)
	return err
}

func (i *instrumented) ListFailures(ctx context.Context, key string) ([]model.FailureEntry, error) {
	start := time.Now()
	entries, err := i.next.ListFailures(ctx, key)
	i.observe("list_failures", start, err)
	return entries, err
}
