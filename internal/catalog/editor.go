// internal/catalog/editor.go
// Package catalog appends validated dataset entries to the local catalog
// document. The catalog is a plain JSON file shared with other tools, so
// every mutation runs under an advisory file lock and lands via an atomic
// rename. Entries are only ever added; removal is a manual operation.
package catalog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	apperrors "github.com/heliocloud/registration-go/internal/errors"
	"github.com/heliocloud/registration-go/internal/model"
)

// Document is the on-disk catalog shape.
type Document struct {
	Catalog []model.DataSet `json:"catalog"`
}

// LockTimeout bounds how long an editor waits for the advisory lock before
// giving up. Holders are expected to be short-lived; a longer wait means
// something is wedged, not busy.
const LockTimeout = 4 * time.Second

const lockPollInterval = 100 * time.Millisecond

// Editor mutates one catalog file.
type Editor struct {
	path        string
	lockTimeout time.Duration
}

// NewEditor returns an editor over the catalog file at path. The file need
// not exist yet; the first Add creates it.
func NewEditor(path string) *Editor {
	return &Editor{path: path, lockTimeout: LockTimeout}
}

// Add appends the dataset entry to the catalog. The entry must already be
// validated; Add enforces only the catalog-level invariant that ids are
// unique. A duplicate id leaves the file byte-identical and returns an error.
func (e *Editor) Add(ds model.DataSet) error {
	unlock, err := e.lock()
	if err != nil {
		return err
	}
	defer unlock()

	doc, err := e.load()
	if err != nil {
		return err
	}

	for _, existing := range doc.Catalog {
		if existing.ID == ds.ID {
			return apperrors.Newf(apperrors.EntryValidation,
				"catalog already contains an entry with id %q", ds.ID)
		}
	}

	doc.Catalog = append(doc.Catalog, ds)
	if err := e.write(doc); err != nil {
		return err
	}

	slog.Info("catalog entry added", "id", ds.ID, "catalog", e.path, "entries", len(doc.Catalog))
	return nil
}

// Load reads the catalog without taking the lock. Readers tolerate seeing the
// previous version during a concurrent rewrite; the rename keeps them from
// ever seeing a partial one.
func (e *Editor) Load() (*Document, error) {
	return e.load()
}

// lock takes the advisory lock on the catalog's companion .lock file,
// polling until LockTimeout. A separate lock file survives the atomic rename
// of the catalog itself.
func (e *Editor) lock() (func(), error) {
	lockPath := e.path + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening catalog lock file: %w", err)
	}

	deadline := time.Now().Add(e.lockTimeout)
	for {
		err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			break
		}
		if err != syscall.EWOULDBLOCK {
			f.Close()
			return nil, fmt.Errorf("locking catalog: %w", err)
		}
		if time.Now().After(deadline) {
			f.Close()
			return nil, apperrors.Newf(apperrors.LockTimeout,
				"catalog lock not acquired within %s", e.lockTimeout)
		}
		time.Sleep(lockPollInterval)
	}

	return func() {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
	}, nil
}

func (e *Editor) load() (*Document, error) {
	data, err := os.ReadFile(e.path)
	if os.IsNotExist(err) {
		return &Document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, apperrors.Wrap(apperrors.EntryFormat, "catalog file is not valid JSON", err)
	}
	return &doc, nil
}

// write lands the document via temp file plus rename so a crash mid-write
// never leaves a truncated catalog behind.
func (e *Editor) write(doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	dir := filepath.Dir(e.path)
	tmp, err := os.CreateTemp(dir, ".catalog-*.json")
	if err != nil {
		return fmt.Errorf("creating catalog temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing catalog temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing catalog temp file: %w", err)
	}
	if err := os.Rename(tmpName, e.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing catalog: %w", err)
	}
	return nil
}
