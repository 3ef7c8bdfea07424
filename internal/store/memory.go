// internal/store/memory.go
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/heliocloud/registration-go/internal/model"
)

// memory implements the Store interface using in-memory maps. It's intended
// for development and testing purposes.
type memory struct {
	mu        sync.RWMutex
	files     map[string]*model.RegisteredFile       // key -> record
	summaries map[[2]string]*model.DatasetSummary    // (mission, dataset) -> summary
	failures  map[string][]model.FailureEntry        // key -> journal rows, append order
}

// NewMemory creates a new in-memory record store.
func NewMemory() Store {
	return &memory{
		files:     make(map[string]*model.RegisteredFile),
		summaries: make(map[[2]string]*model.DatasetSummary),
		failures:  make(map[string][]model.FailureEntry),
	}
}

func (m *memory) GetFileRecord(ctx context.Context, key string) (*model.RegisteredFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.files[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memory) PutFileRecord(ctx context.Context, rec model.RegisteredFile) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := rec
	m.files[rec.Key] = &cp
	return nil
}

func (m *memory) DeleteFileRecord(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[key]; !ok {
		return ErrNotFound
	}
	delete(m.files, key)
	return nil
}

func (m *memory) ListFilesByDataset(ctx context.Context, dataset string) ([]model.RegisteredFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var records []model.RegisteredFile
	for _, rec := range m.files {
		if rec.Dataset == dataset {
			records = append(records, *rec)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].StartDate.Before(records[j].StartDate)
	})
	return records, nil
}

func (m *memory) GetSummary(ctx context.Context, mission, dataset string) (*model.DatasetSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.summaries[[2]string{mission, dataset}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memory) InsertSummary(ctx context.Context, s model.DatasetSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]string{s.Mission, s.Dataset}
	if _, ok := m.summaries[key]; ok {
		return ErrConflict
	}
	cp := s
	m.summaries[key] = &cp
	return nil
}

func (m *memory) UpdateSummaryGuarded(ctx context.Context, s model.DatasetSummary, expectedCount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]string{s.Mission, s.Dataset}
	existing, ok := m.summaries[key]
	if !ok {
		return ErrNotFound
	}
	if existing.FileCount != expectedCount {
		return ErrConflict
	}
	cp := s
	m.summaries[key] = &cp
	return nil
}

func (m *memory) PutSummary(ctx context.Context, s model.DatasetSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := s
	m.summaries[[2]string{s.Mission, s.Dataset}] = &cp
	return nil
}

func (m *memory) DeleteSummary(ctx context.Context, mission, dataset string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.summaries, [2]string{mission, dataset})
	return nil
}

func (m *memory) AppendFailure(ctx context.Context, e model.FailureEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.failures[e.Key] {
		if existing.UploadDate.Equal(e.UploadDate) {
			return ErrConflict
		}
	}
	m.failures[e.Key] = append(m.failures[e.Key], e)
	return nil
}

func (m *memory) ListFailures(ctx context.Context, key string) ([]model.FailureEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make([]model.FailureEntry, len(m.failures[key]))
	copy(entries, m.failures[key])
	return entries, nil
}
