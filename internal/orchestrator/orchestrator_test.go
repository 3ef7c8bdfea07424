package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	apperrors "github.com/heliocloud/registration-go/internal/errors"
	"github.com/heliocloud/registration-go/internal/journal"
	"github.com/heliocloud/registration-go/internal/model"
	"github.com/heliocloud/registration-go/internal/objstore"
	"github.com/heliocloud/registration-go/internal/registrar"
	"github.com/heliocloud/registration-go/internal/store"
	"github.com/heliocloud/registration-go/internal/summary"
)

const stagingBucket = "staging"

// stubFetcher simulates transfers by dropping a placeholder object into the
// bucket. Keys listed in failKeys fail with a permanent fetch error.
type stubFetcher struct {
	obj      *objstore.Memory
	failKeys map[string]bool
	calls    int
}

func (f *stubFetcher) Fetch(ctx context.Context, job model.FileJob) error {
	f.calls++
	if f.failKeys[job.S3Filename] {
		return apperrors.New(apperrors.FetchPermanent, "source returned 404")
	}
	f.obj.PutBytes(job.S3Bucket, job.S3Filename, []byte("payload"))
	return nil
}

// capturePublisher records chunk reports instead of publishing them.
type capturePublisher struct {
	reports []model.ChunkReport
}

func (c *capturePublisher) PublishObjectCreated(ctx context.Context, ev model.ObjectCreatedEvent) error {
	return nil
}

func (c *capturePublisher) PublishChunkReport(ctx context.Context, r model.ChunkReport) error {
	c.reports = append(c.reports, r)
	return nil
}

func (c *capturePublisher) PublishFileRegistered(ctx context.Context, rec model.RegisteredFile) error {
	return nil
}

func (c *capturePublisher) Close() error { return nil }

type fixture struct {
	obj     *objstore.Memory
	store   store.Store
	fetcher *stubFetcher
	pub     *capturePublisher
	orch    *Orchestrator
}

func newFixture(chunkSize int) *fixture {
	obj := objstore.NewMemory()
	st := store.NewMemory()
	f := &stubFetcher{obj: obj, failKeys: map[string]bool{}}
	rec := summary.New(st, nil, 3)
	j := journal.New(st, nil)
	pub := &capturePublisher{}
	reg := registrar.New(obj, st, f, rec, j, pub, nil)
	return &fixture{
		obj:     obj,
		store:   st,
		fetcher: f,
		pub:     pub,
		orch:    New(obj, reg, pub, nil, chunkSize, 4),
	}
}

// putManifest writes a manifest body into the staging bucket and returns its
// key and the triggering event.
func (fx *fixture) putManifest(body string) model.ObjectCreatedEvent {
	key := "upload_manifest/manifest.csv"
	fx.obj.PutBytes(stagingBucket, key, []byte(body))
	return model.ObjectCreatedEvent{Bucket: stagingBucket, Key: key}
}

const twoFileManifest = `#time,s3key,filesize,dataset,mission,download_url,source_update
2015-09-01T10:45:00Z,mms/file1.cdf,2048,MMS,mms,https://lasp.example.edu/file1.cdf,2021-05-01T00:00:00Z
2015-09-01T10:46:00Z,mms/file2.cdf,4096,MMS,mms,https://lasp.example.edu/file2.cdf,2021-05-01T00:00:00Z
`

func TestProcessManifestRegistersNewFiles(t *testing.T) {
	fx := newFixture(100)
	ctx := context.Background()
	ev := fx.putManifest(twoFileManifest)

	if err := fx.orch.HandleObjectCreated(ctx, ev); err != nil {
		t.Fatalf("HandleObjectCreated() error = %v", err)
	}

	for _, key := range []string{"mms/file1.cdf", "mms/file2.cdf"} {
		rec, err := fx.store.GetFileRecord(ctx, key)
		if err != nil {
			t.Fatalf("GetFileRecord(%s) error = %v", key, err)
		}
		if rec.Dataset != "MMS" || rec.Mission != "mms" {
			t.Errorf("record %s = %+v, want dataset MMS mission mms", key, rec)
		}
		if failures, _ := fx.store.ListFailures(ctx, key); len(failures) != 0 {
			t.Errorf("ListFailures(%s) = %d entries, want 0", key, len(failures))
		}
	}

	sum, err := fx.store.GetSummary(ctx, "mms", "MMS")
	if err != nil {
		t.Fatalf("GetSummary() error = %v", err)
	}
	wantStart := time.Date(2015, 9, 1, 10, 45, 0, 0, time.UTC)
	wantEnd := time.Date(2015, 9, 1, 10, 46, 0, 0, time.UTC)
	if sum.FileCount != 2 || !sum.DatasetStart.Equal(wantStart) || !sum.DatasetEnd.Equal(wantEnd) {
		t.Errorf("summary = %+v, want count 2 range [%v, %v]", sum, wantStart, wantEnd)
	}

	if len(fx.pub.reports) != 1 {
		t.Fatalf("published reports = %d, want 1", len(fx.pub.reports))
	}
	r := fx.pub.reports[0]
	if r.Rows != 2 || r.Done != 2 || r.Failed != 0 {
		t.Errorf("report = %+v, want 2 rows all done", r)
	}
}

func TestProcessManifestIsIdempotent(t *testing.T) {
	fx := newFixture(100)
	ctx := context.Background()
	ev := fx.putManifest(twoFileManifest)

	if err := fx.orch.HandleObjectCreated(ctx, ev); err != nil {
		t.Fatalf("first run error = %v", err)
	}
	firstFetches := fx.fetcher.calls

	if err := fx.orch.HandleObjectCreated(ctx, ev); err != nil {
		t.Fatalf("second run error = %v", err)
	}
	if fx.fetcher.calls != firstFetches {
		t.Errorf("fetch calls after re-run = %d, want %d (no re-transfers)", fx.fetcher.calls, firstFetches)
	}
	sum, err := fx.store.GetSummary(ctx, "mms", "MMS")
	if err != nil {
		t.Fatalf("GetSummary() error = %v", err)
	}
	if sum.FileCount != 2 {
		t.Errorf("FileCount = %d, want 2 after re-run", sum.FileCount)
	}
	if r := fx.pub.reports[len(fx.pub.reports)-1]; r.Done != 2 {
		t.Errorf("re-run report = %+v, want all rows done", r)
	}
}

func TestProcessManifestNewerSourceUpdate(t *testing.T) {
	fx := newFixture(100)
	ctx := context.Background()

	if err := fx.orch.HandleObjectCreated(ctx, fx.putManifest(twoFileManifest)); err != nil {
		t.Fatalf("first run error = %v", err)
	}
	firstFetches := fx.fetcher.calls

	updated := strings.ReplaceAll(twoFileManifest, "2021-05-01T00:00:00Z", "2021-06-01T00:00:00Z")
	if err := fx.orch.HandleObjectCreated(ctx, fx.putManifest(updated)); err != nil {
		t.Fatalf("second run error = %v", err)
	}
	if got := fx.fetcher.calls - firstFetches; got != 2 {
		t.Errorf("re-fetches = %d, want 2 for newer source_update", got)
	}
	rec, err := fx.store.GetFileRecord(ctx, "mms/file1.cdf")
	if err != nil {
		t.Fatalf("GetFileRecord() error = %v", err)
	}
	if want := time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC); !rec.SourceUpdate.Equal(want) {
		t.Errorf("SourceUpdate = %v, want %v", rec.SourceUpdate, want)
	}
	sum, _ := fx.store.GetSummary(ctx, "mms", "MMS")
	if sum.FileCount != 2 {
		t.Errorf("FileCount = %d, want 2 after replace", sum.FileCount)
	}
}

func TestProcessManifestRowFailureJournaled(t *testing.T) {
	fx := newFixture(100)
	ctx := context.Background()
	fx.fetcher.failKeys["mms/file2.cdf"] = true
	ev := fx.putManifest(twoFileManifest)

	if err := fx.orch.HandleObjectCreated(ctx, ev); err != nil {
		t.Fatalf("HandleObjectCreated() error = %v, row failures must not fail the batch", err)
	}

	// Every row ends in exactly one place: the register or the journal.
	if _, err := fx.store.GetFileRecord(ctx, "mms/file1.cdf"); err != nil {
		t.Errorf("GetFileRecord(file1) error = %v, want registered", err)
	}
	if _, err := fx.store.GetFileRecord(ctx, "mms/file2.cdf"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetFileRecord(file2) error = %v, want ErrNotFound", err)
	}
	failures, err := fx.store.ListFailures(ctx, "mms/file2.cdf")
	if err != nil {
		t.Fatalf("ListFailures() error = %v", err)
	}
	if len(failures) != 1 || failures[0].FailType != string(apperrors.FetchPermanent) {
		t.Errorf("failures = %+v, want one FetchPermanentError entry", failures)
	}

	r := fx.pub.reports[0]
	if r.Done != 1 || r.Failed != 1 {
		t.Errorf("report = %+v, want 1 done 1 failed", r)
	}
	sum, _ := fx.store.GetSummary(ctx, "mms", "MMS")
	if sum.FileCount != 1 {
		t.Errorf("FileCount = %d, want 1 (failed row must not count)", sum.FileCount)
	}
}

func TestProcessManifestChunking(t *testing.T) {
	fx := newFixture(100)
	ctx := context.Background()

	var b strings.Builder
	b.WriteString("#time,s3key,filesize,dataset,mission,download_url\n")
	base := time.Date(2015, 9, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 150; i++ {
		fmt.Fprintf(&b, "%s,mms/file%03d.cdf,1024,MMS,mms,https://lasp.example.edu/file%03d.cdf\n",
			base.Add(time.Duration(i)*time.Minute).Format(time.RFC3339), i, i)
	}
	ev := fx.putManifest(b.String())

	if err := fx.orch.HandleObjectCreated(ctx, ev); err != nil {
		t.Fatalf("HandleObjectCreated() error = %v", err)
	}

	chunkKeys, err := fx.obj.ListPrefix(ctx, stagingBucket, chunkPrefix)
	if err != nil {
		t.Fatalf("ListPrefix() error = %v", err)
	}
	if len(chunkKeys) != 2 {
		t.Fatalf("chunk objects = %d, want 2 for 150 rows", len(chunkKeys))
	}
	if len(fx.pub.reports) != 2 {
		t.Fatalf("reports = %d, want 2", len(fx.pub.reports))
	}
	if fx.pub.reports[0].Rows != 100 || fx.pub.reports[1].Rows != 50 {
		t.Errorf("chunk sizes = %d,%d, want 100,50",
			fx.pub.reports[0].Rows, fx.pub.reports[1].Rows)
	}
	sum, err := fx.store.GetSummary(ctx, "mms", "MMS")
	if err != nil {
		t.Fatalf("GetSummary() error = %v", err)
	}
	if sum.FileCount != 150 {
		t.Errorf("FileCount = %d, want 150", sum.FileCount)
	}
}

func TestProcessManifestRejectsBadManifest(t *testing.T) {
	fx := newFixture(100)
	ctx := context.Background()

	// Missing the required filesize header: the whole manifest is rejected
	// before any chunk is written.
	ev := fx.putManifest("#time,s3key\n2015-09-01T10:45:00Z,mms/file1.cdf\n")
	err := fx.orch.HandleObjectCreated(ctx, ev)
	if !apperrors.IsKind(err, apperrors.ManifestSchema) {
		t.Fatalf("HandleObjectCreated() error = %v, want ManifestSchemaError", err)
	}
	chunkKeys, _ := fx.obj.ListPrefix(ctx, stagingBucket, chunkPrefix)
	if len(chunkKeys) != 0 {
		t.Errorf("chunk objects = %d, want 0 after rejection", len(chunkKeys))
	}
	if len(fx.pub.reports) != 0 {
		t.Errorf("reports = %d, want 0 after rejection", len(fx.pub.reports))
	}
}

func TestHandleObjectCreatedIgnoresOtherKeys(t *testing.T) {
	fx := newFixture(100)
	ctx := context.Background()

	// Chunk writes land in the same bucket; their notifications must not
	// re-trigger the pipeline.
	ev := model.ObjectCreatedEvent{Bucket: stagingBucket, Key: "upload_chunk/abc_chunk0.csv"}
	if err := fx.orch.HandleObjectCreated(ctx, ev); err != nil {
		t.Fatalf("HandleObjectCreated() error = %v, want nil for non-manifest key", err)
	}
	if fx.fetcher.calls != 0 {
		t.Errorf("fetch calls = %d, want 0", fx.fetcher.calls)
	}
}

func TestChunkRows(t *testing.T) {
	rows := make([]model.ManifestRow, 5)
	chunks := chunkRows(rows, 2)
	if len(chunks) != 3 {
		t.Fatalf("len(chunks) = %d, want 3", len(chunks))
	}
	if len(chunks[0]) != 2 || len(chunks[1]) != 2 || len(chunks[2]) != 1 {
		t.Errorf("chunk sizes = %d,%d,%d, want 2,2,1",
			len(chunks[0]), len(chunks[1]), len(chunks[2]))
	}
	if got := chunkRows(nil, 2); got != nil {
		t.Errorf("chunkRows(nil) = %v, want nil", got)
	}
}

func TestJobFromRowNormalizesNone(t *testing.T) {
	row := model.ManifestRow{
		Time: time.Date(2015, 9, 1, 10, 45, 0, 0, time.UTC),
		Key:  "mms/file1.cdf",
		Size: 2048,
		Extra: map[string]string{
			"dataset":      "MMS",
			"download_url": "https://lasp.example.edu/file1.cdf",
		},
	}
	job := jobFromRow(stagingBucket, row)
	if job.Mission != model.NoneValue || job.Instr != model.NoneValue {
		t.Errorf("empty metadata = %q/%q, want %q", job.Mission, job.Instr, model.NoneValue)
	}
	if job.Dataset != "MMS" {
		t.Errorf("Dataset = %q, want MMS", job.Dataset)
	}
	if !job.SourceUpdate.Equal(row.Time) {
		t.Errorf("SourceUpdate = %v, want row time %v when column absent", job.SourceUpdate, row.Time)
	}
	if job.S3Bucket != stagingBucket || job.FileSize != 2048 {
		t.Errorf("job = %+v, want bucket and size carried over", job)
	}
}

func TestJobFromRowMalformedTimestamps(t *testing.T) {
	row := model.ManifestRow{
		Time: time.Date(2015, 9, 1, 10, 45, 0, 0, time.UTC),
		Key:  "mms/file1.cdf",
		Size: 2048,
		Extra: map[string]string{
			"dataset":       "MMS",
			"download_url":  "https://lasp.example.edu/file1.cdf",
			"source_update": "2024/01/15 12:00",
			"end_date":      "not-a-timestamp",
		},
	}
	job := jobFromRow(stagingBucket, row)
	if !job.SourceUpdate.Equal(row.Time) {
		t.Errorf("SourceUpdate = %v, want row time %v when column is malformed", job.SourceUpdate, row.Time)
	}
	if job.EndDate != nil {
		t.Errorf("EndDate = %v, want nil when column is malformed", job.EndDate)
	}
}
