// Package store provides tests for the in-memory record store.
package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/heliocloud/registration-go/internal/model"
)

func fileRecord(key, dataset string, start time.Time) model.RegisteredFile {
	return model.RegisteredFile{
		Key:          key,
		Dataset:      dataset,
		Mission:      "mms",
		StartDate:    start,
		FileSize:     100,
		SourceUpdate: start,
		SourceType:   model.SourceWeb,
	}
}

func TestFileRecordCRUD(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	if _, err := s.GetFileRecord(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetFileRecord() error = %v, want ErrNotFound", err)
	}

	rec := fileRecord("k", "mms1", time.Date(2015, 9, 1, 0, 0, 0, 0, time.UTC))
	if err := s.PutFileRecord(ctx, rec); err != nil {
		t.Fatalf("PutFileRecord() error = %v", err)
	}

	got, err := s.GetFileRecord(ctx, "k")
	if err != nil {
		t.Fatalf("GetFileRecord() error = %v", err)
	}
	if got.Dataset != "mms1" || got.FileSize != 100 {
		t.Errorf("GetFileRecord() = %+v", got)
	}

	// Upsert replaces in place
	rec.FileSize = 200
	if err := s.PutFileRecord(ctx, rec); err != nil {
		t.Fatalf("PutFileRecord() upsert error = %v", err)
	}
	got, _ = s.GetFileRecord(ctx, "k")
	if got.FileSize != 200 {
		t.Errorf("upsert file_size = %d, want 200", got.FileSize)
	}

	if err := s.DeleteFileRecord(ctx, "k"); err != nil {
		t.Fatalf("DeleteFileRecord() error = %v", err)
	}
	if err := s.DeleteFileRecord(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete error = %v, want ErrNotFound", err)
	}
}

func TestPutFileRecordValidates(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	rec := fileRecord("k", "mms1", time.Now().UTC())
	rec.FileSize = -1
	if err := s.PutFileRecord(ctx, rec); err == nil {
		t.Fatal("PutFileRecord() accepted negative file_size")
	}
}

func TestListFilesByDatasetOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	t0 := time.Date(2015, 9, 1, 0, 0, 0, 0, time.UTC)
	s.PutFileRecord(ctx, fileRecord("b", "mms1", t0.Add(time.Hour)))
	s.PutFileRecord(ctx, fileRecord("a", "mms1", t0))
	s.PutFileRecord(ctx, fileRecord("c", "other", t0))

	files, err := s.ListFilesByDataset(ctx, "mms1")
	if err != nil {
		t.Fatalf("ListFilesByDataset() error = %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("ListFilesByDataset() returned %d files, want 2", len(files))
	}
	if files[0].Key != "a" || files[1].Key != "b" {
		t.Errorf("files out of start_date order: %v, %v", files[0].Key, files[1].Key)
	}
}

func TestSummaryGuardedUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	t0 := time.Date(2015, 9, 1, 0, 0, 0, 0, time.UTC)

	if _, err := s.GetSummary(ctx, "mms", "mms1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetSummary() error = %v, want ErrNotFound", err)
	}

	sum := model.DatasetSummary{
		Mission: "mms", Dataset: "mms1",
		DatasetStart: t0, DatasetEnd: t0, FileCount: 1,
	}
	if err := s.InsertSummary(ctx, sum); err != nil {
		t.Fatalf("InsertSummary() error = %v", err)
	}
	if err := s.InsertSummary(ctx, sum); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate InsertSummary() error = %v, want ErrConflict", err)
	}

	// Guard matches: update succeeds
	sum.FileCount = 2
	if err := s.UpdateSummaryGuarded(ctx, sum, 1); err != nil {
		t.Fatalf("UpdateSummaryGuarded() error = %v", err)
	}

	// Guard stale: conflict
	sum.FileCount = 3
	if err := s.UpdateSummaryGuarded(ctx, sum, 1); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale UpdateSummaryGuarded() error = %v, want ErrConflict", err)
	}

	// Missing row: not found
	other := sum
	other.Dataset = "missing"
	if err := s.UpdateSummaryGuarded(ctx, other, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateSummaryGuarded() on missing row error = %v, want ErrNotFound", err)
	}

	if err := s.DeleteSummary(ctx, "mms", "mms1"); err != nil {
		t.Fatalf("DeleteSummary() error = %v", err)
	}
	if _, err := s.GetSummary(ctx, "mms", "mms1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("summary still present after delete: %v", err)
	}
}

func TestFailureJournalAppendOnly(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	now := time.Now().UTC()

	e := model.FailureEntry{
		Key:        "k",
		UploadDate: now,
		Job:        model.FileJob{Dataset: "mms1", DownloadURL: "ftp://x"},
		FailType:   "UnsupportedSourceScheme",
		FailCause:  "scheme ftp is not supported",
	}
	if err := s.AppendFailure(ctx, e); err != nil {
		t.Fatalf("AppendFailure() error = %v", err)
	}
	if err := s.AppendFailure(ctx, e); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate AppendFailure() error = %v, want ErrConflict", err)
	}

	e2 := e
	e2.UploadDate = now.Add(time.Second)
	if err := s.AppendFailure(ctx, e2); err != nil {
		t.Fatalf("second AppendFailure() error = %v", err)
	}

	entries, err := s.ListFailures(ctx, "k")
	if err != nil {
		t.Fatalf("ListFailures() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("ListFailures() returned %d entries, want 2", len(entries))
	}
	if entries[0].FailType != "UnsupportedSourceScheme" {
		t.Errorf("fail_type = %q", entries[0].FailType)
	}
}
