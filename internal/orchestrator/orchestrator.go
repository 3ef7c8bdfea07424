// internal/orchestrator/orchestrator.go
// Package orchestrator turns a manifest landing in the staging bucket into a
// batch of per-file registration jobs: split the manifest into bounded
// chunks, persist each chunk back to the bucket for observability, fan the
// rows out over a worker pool, and report the terminal outcome of every row.
package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/heliocloud/registration-go/internal/errors"
	"github.com/heliocloud/registration-go/internal/event"
	"github.com/heliocloud/registration-go/internal/manifest"
	"github.com/heliocloud/registration-go/internal/metrics"
	"github.com/heliocloud/registration-go/internal/model"
	"github.com/heliocloud/registration-go/internal/objstore"
	"github.com/heliocloud/registration-go/internal/registrar"
)

// Key prefixes recognized and produced by the orchestrator.
const (
	manifestPrefix = "upload_manifest/"
	chunkPrefix    = "upload_chunk/"
)

// Orchestrator drives one manifest from bucket notification to chunk reports.
type Orchestrator struct {
	obj       objstore.Gateway
	registrar *registrar.Registrar
	publisher event.Publisher
	metrics   *metrics.Metrics
	tracer    trace.Tracer

	chunkSize int
	workers   int

	entropy *ulid.MonotonicEntropy
	mu      sync.Mutex // guards entropy, which is not goroutine safe
}

// New wires an orchestrator. chunkSize bounds the rows per dispatched chunk
// and workers bounds concurrent per-file jobs.
func New(obj objstore.Gateway, reg *registrar.Registrar, pub event.Publisher, m *metrics.Metrics, chunkSize, workers int) *Orchestrator {
	if chunkSize <= 0 {
		chunkSize = 100
	}
	if workers <= 0 {
		workers = 4
	}
	return &Orchestrator{
		obj:       obj,
		registrar: reg,
		publisher: pub,
		metrics:   m,
		tracer:    otel.Tracer("orchestrator"),
		chunkSize: chunkSize,
		workers:   workers,
		entropy:   ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// HandleObjectCreated is the bucket-notification entry point. Keys outside
// the manifest prefix are ignored so chunk writes do not re-trigger the
// pipeline.
func (o *Orchestrator) HandleObjectCreated(ctx context.Context, ev model.ObjectCreatedEvent) error {
	if !strings.Contains(ev.Key, manifestPrefix) {
		slog.Debug("ignoring non-manifest object", "bucket", ev.Bucket, "key", ev.Key)
		return nil
	}
	return o.ProcessManifest(ctx, ev.Bucket, ev.Key)
}

// ProcessManifest runs the full batch: parse, chunk, dispatch, report. A
// manifest that fails to parse is rejected whole, before any chunk is
// written. Row failures do not fail the batch; they surface in the reports
// and the failure journal.
func (o *Orchestrator) ProcessManifest(ctx context.Context, bucket, key string) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.ProcessManifest",
		trace.WithAttributes(
			attribute.String("manifest.bucket", bucket),
			attribute.String("manifest.key", key),
		))
	defer span.End()

	rows, err := o.readManifest(ctx, bucket, key)
	if err != nil {
		o.countManifest("rejected")
		slog.Error("manifest rejected", "bucket", bucket, "key", key, "error", err)
		return err
	}

	requestID := o.newRequestID()
	slog.Info("manifest accepted",
		"bucket", bucket, "key", key, "request_id", requestID, "rows", len(rows))

	chunks := chunkRows(rows, o.chunkSize)
	reports := make([]model.ChunkReport, 0, len(chunks))
	for i, chunk := range chunks {
		report, err := o.dispatchChunk(ctx, bucket, key, requestID, i, chunk)
		if err != nil {
			o.countManifest("failed")
			return err
		}
		reports = append(reports, report)
	}

	o.countManifest("done")
	for _, r := range reports {
		if err := o.publisher.PublishChunkReport(ctx, r); err != nil {
			slog.Warn("failed to publish chunk report", "chunk_key", r.ChunkKey, "error", err)
		}
	}
	return nil
}

// readManifest streams the manifest body out of the bucket and parses it.
func (o *Orchestrator) readManifest(ctx context.Context, bucket, key string) ([]model.ManifestRow, error) {
	body, _, err := o.obj.Get(ctx, bucket, key)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.StoreTransient, "reading manifest object", err)
	}
	defer body.Close()
	return manifest.Parse(body, key)
}

// dispatchChunk persists one chunk back to the bucket, fans its rows out over
// the worker pool, and folds the outcomes into a report.
func (o *Orchestrator) dispatchChunk(ctx context.Context, bucket, manifestKey, requestID string, index int, rows []model.ManifestRow) (model.ChunkReport, error) {
	chunkKey := fmt.Sprintf("%s%s_chunk%d.csv", chunkPrefix, requestID, index)

	var buf bytes.Buffer
	if err := manifest.Serialize(&buf, rows); err != nil {
		return model.ChunkReport{}, err
	}
	if err := o.obj.Put(ctx, bucket, chunkKey, &buf, int64(buf.Len())); err != nil {
		return model.ChunkReport{}, apperrors.Wrap(apperrors.StoreTransient, "writing chunk object", err)
	}

	jobs := make([]model.FileJob, len(rows))
	for i, row := range rows {
		jobs[i] = jobFromRow(bucket, row)
	}
	outcomes := o.runJobs(ctx, jobs)

	report := model.ChunkReport{
		RequestID: requestID,
		ChunkKey:  chunkKey,
		Index:     index,
		Rows:      len(rows),
		Outcomes:  outcomes,
	}
	for _, out := range outcomes {
		switch out.State {
		case model.JobDone:
			report.Done++
		case model.JobFailed:
			report.Failed++
		}
	}

	if o.metrics != nil {
		status := "done"
		if report.Failed > 0 {
			status = "partial"
		}
		o.metrics.ChunkTotal.WithLabelValues(status).Inc()
	}
	slog.Info("chunk processed",
		"chunk_key", chunkKey, "rows", report.Rows, "done", report.Done, "failed", report.Failed)
	return report, nil
}

// runJobs fans jobs out over a bounded worker pool and collects one outcome
// per job, in input order.
func (o *Orchestrator) runJobs(ctx context.Context, jobs []model.FileJob) []model.JobOutcome {
	outcomes := make([]model.JobOutcome, len(jobs))
	sem := make(chan struct{}, o.workers)
	var wg sync.WaitGroup

	for i, job := range jobs {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, job model.FileJob) {
			defer wg.Done()
			defer func() { <-sem }()
			outcomes[i] = o.registrar.Process(ctx, job)
		}(i, job)
	}
	wg.Wait()
	return outcomes
}

// jobFromRow projects one manifest row onto the job envelope. The typed
// columns map directly; everything else rides in from the extra columns, with
// empty metadata normalized to the "None" literal.
func jobFromRow(bucket string, row model.ManifestRow) model.FileJob {
	job := model.FileJob{
		Mission:     row.Extra["mission"],
		Spacecraft:  row.Extra["spacecraft"],
		Dataset:     row.Extra["dataset"],
		Instr:       row.Extra["instr"],
		InstrMode:   row.Extra["instr_mode"],
		LevelProc:   row.Extra["level_proc"],
		Source:      row.Extra["source"],
		DownloadURL: row.Extra["download_url"],
		S3Filename:  row.Key,
		S3Bucket:    bucket,
		StartDate:   row.Time,
		FileSize:    row.Size,

		Checksum:          row.Extra["checksum"],
		ChecksumAlgorithm: row.Extra["checksum_algorithm"],
	}
	if raw := row.Extra["source_update"]; raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			job.SourceUpdate = ts.UTC()
		} else {
			slog.Warn("malformed source_update in manifest row, falling back to row time",
				"key", row.Key, "source_update", raw, "error", err)
		}
	}
	if job.SourceUpdate.IsZero() {
		// Without an upstream timestamp the row time is the best ordering
		// signal available.
		job.SourceUpdate = row.Time
	}
	if raw := row.Extra["end_date"]; raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			end := ts.UTC()
			job.EndDate = &end
		} else {
			slog.Warn("malformed end_date in manifest row, dropping the value",
				"key", row.Key, "end_date", raw, "error", err)
		}
	}
	job.NormalizeNone()
	return job
}

// chunkRows splits rows into slices of at most size elements.
func chunkRows(rows []model.ManifestRow, size int) [][]model.ManifestRow {
	var chunks [][]model.ManifestRow
	for len(rows) > 0 {
		n := size
		if len(rows) < n {
			n = len(rows)
		}
		chunks = append(chunks, rows[:n])
		rows = rows[n:]
	}
	return chunks
}

func (o *Orchestrator) countManifest(status string) {
	if o.metrics != nil {
		o.metrics.ManifestTotal.WithLabelValues(status).Inc()
	}
}

// newRequestID mints a lexically sortable batch identifier.
func (o *Orchestrator) newRequestID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), o.entropy).String()
}
