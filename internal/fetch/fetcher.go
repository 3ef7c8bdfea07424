// internal/fetch/fetcher.go
// Package fetch acquires files from external sources and places them at
// their destination key in the object store. Web sources are downloaded to a
// local scratch area and uploaded; s3 sources are server-side copied.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	apperrors "github.com/heliocloud/registration-go/internal/errors"
	"github.com/heliocloud/registration-go/internal/metrics"
	"github.com/heliocloud/registration-go/internal/model"
	"github.com/heliocloud/registration-go/internal/objstore"
)

// Fetcher places files at their destination keys. It is safe for concurrent
// use; each fetch works in its own scratch subdirectory.
type Fetcher struct {
	obj        objstore.Gateway
	hc         *http.Client
	scratchDir string
	maxRetries uint64
	metrics    *metrics.Metrics
}

// New creates a Fetcher. The scratch directory is purged of stale contents
// from previous runs and recreated.
func New(obj objstore.Gateway, scratchDir string, maxRetries int, m *metrics.Metrics) (*Fetcher, error) {
	if err := os.RemoveAll(scratchDir); err != nil {
		return nil, fmt.Errorf("failed to purge scratch dir: %w", err)
	}
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	if maxRetries < 0 {
		maxRetries = 0
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
	}
	return &Fetcher{
		obj:        obj,
		hc:         &http.Client{Transport: transport, Timeout: 5 * time.Minute},
		scratchDir: scratchDir,
		maxRetries: uint64(maxRetries),
		metrics:    m,
	}, nil
}

// Fetch acquires the file named by job.DownloadURL and places it at
// (job.S3Bucket, job.S3Filename). Transient failures are retried with
// exponential backoff up to the configured budget; exhaustion and 4xx
// responses are terminal.
func (f *Fetcher) Fetch(ctx context.Context, job model.FileJob) error {
	source := model.SourceTypeOf(job.DownloadURL)
	start := time.Now()

	var err error
	switch source {
	case model.SourceWeb:
		err = f.retry(ctx, func() error { return f.fetchWeb(ctx, job) })
	case model.SourceS3:
		err = f.retry(ctx, func() error { return f.fetchS3(ctx, job) })
	default:
		err = apperrors.Newf(apperrors.UnsupportedScheme,
			"download URL %q has an unsupported scheme", job.DownloadURL)
	}

	if f.metrics != nil {
		status := "done"
		if err != nil {
			status = "failed"
		}
		f.metrics.FetchTotal.WithLabelValues(string(source), status).Inc()
		f.metrics.FetchDuration.WithLabelValues(string(source), status).Observe(time.Since(start).Seconds())
	}
	return err
}

// retry runs op under exponential backoff. Only transient errors are
// retried; when the budget is exhausted the last transient error surfaces as
// permanent. Context cancellation maps to CancelledError.
func (f *Fetcher) retry(ctx context.Context, op func() error) error {
	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if apperrors.Transient(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), f.maxRetries), ctx)
	err := backoff.Retry(wrapped, policy)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Wrap(apperrors.Cancelled, "fetch cancelled", err)
	}
	if apperrors.Transient(err) {
		return apperrors.Wrap(apperrors.FetchPermanent, "fetch retry budget exhausted", err)
	}
	return err
}

// fetchWeb downloads the source to scratch, then uploads it to the
// destination key. The download never streams straight into the store so a
// broken connection cannot leave a partial object behind.
func (f *Fetcher) fetchWeb(ctx context.Context, job model.FileJob) error {
	dir, err := os.MkdirTemp(f.scratchDir, "job-*")
	if err != nil {
		return apperrors.Wrap(apperrors.FetchPermanent, "failed to create scratch area", err)
	}
	defer os.RemoveAll(dir)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.DownloadURL, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.FetchPermanent, "invalid download URL", err)
	}

	resp, err := f.hc.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.FetchTransient, "download request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to the copy
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return apperrors.Newf(apperrors.FetchPermanent, "source returned %s for %s", resp.Status, job.DownloadURL)
	default:
		return apperrors.Newf(apperrors.FetchTransient, "source returned %s for %s", resp.Status, job.DownloadURL)
	}

	scratch := filepath.Join(dir, filepath.Base(job.S3Filename))
	file, err := os.Create(scratch)
	if err != nil {
		return apperrors.Wrap(apperrors.FetchPermanent, "failed to create scratch file", err)
	}
	size, err := file.ReadFrom(resp.Body)
	if err != nil {
		file.Close()
		return apperrors.Wrap(apperrors.FetchTransient, "download interrupted", err)
	}
	if err := file.Close(); err != nil {
		return apperrors.Wrap(apperrors.FetchPermanent, "failed to flush scratch file", err)
	}

	src, err := os.Open(scratch)
	if err != nil {
		return apperrors.Wrap(apperrors.FetchPermanent, "failed to reopen scratch file", err)
	}
	defer src.Close()

	if err := f.obj.Put(ctx, job.S3Bucket, job.S3Filename, src, size); err != nil {
		return apperrors.Wrap(apperrors.FetchTransient, "failed to upload to destination", err)
	}
	return nil
}

// fetchS3 issues a server-side copy from the source location parsed out of
// the s3:// download URL.
func (f *Fetcher) fetchS3(ctx context.Context, job model.FileJob) error {
	srcBucket, srcKey, err := ParseS3URL(job.DownloadURL)
	if err != nil {
		return apperrors.Wrap(apperrors.FetchPermanent, "invalid s3 download URL", err)
	}
	if err := f.obj.Copy(ctx, srcBucket, srcKey, job.S3Bucket, job.S3Filename); err != nil {
		return apperrors.Wrap(apperrors.FetchTransient, "server-side copy failed", err)
	}
	return nil
}

// ParseS3URL splits an s3://bucket/key URL into bucket and key.
func ParseS3URL(rawURL string) (bucket, key string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse %q: %w", rawURL, err)
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("%q is not an s3:// URL", rawURL)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("%q has no object key", rawURL)
	}
	return u.Host, key, nil
}
