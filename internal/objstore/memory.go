// internal/objstore/memory.go
package objstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// Memory implements Gateway with in-process state. It is intended for
// development and testing; it keeps every version of every object the way a
// versioned bucket does.
type Memory struct {
	mu      sync.RWMutex
	buckets map[string]map[string][][]byte // bucket -> key -> versions, oldest first
}

// NewMemory creates an empty in-memory object store.
func NewMemory() *Memory {
	return &Memory{buckets: make(map[string]map[string][][]byte)}
}

func (m *Memory) bucket(name string) map[string][][]byte {
	b, ok := m.buckets[name]
	if !ok {
		b = make(map[string][][]byte)
		m.buckets[name] = b
	}
	return b
}

// PutBytes is a test helper that stores body under bucket/key.
func (m *Memory) PutBytes(bucket, key string, body []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bucket(bucket)
	b[key] = append(b[key], append([]byte(nil), body...))
}

// GetBytes is a test helper returning the latest version of bucket/key.
func (m *Memory) GetBytes(bucket, key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := m.buckets[bucket][key]
	if len(versions) == 0 {
		return nil, false
	}
	return versions[len(versions)-1], true
}

func (m *Memory) Exists(ctx context.Context, bucket, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.buckets[bucket][key]) > 0, nil
}

func (m *Memory) Get(ctx context.Context, bucket, key string) (io.ReadSeekCloser, int64, error) {
	body, ok := m.GetBytes(bucket, key)
	if !ok {
		return nil, 0, fmt.Errorf("get %s/%s: %w", bucket, key, ErrNotFound)
	}
	return nopSeekCloser{bytes.NewReader(body)}, int64(len(body)), nil
}

type nopSeekCloser struct {
	*bytes.Reader
}

func (nopSeekCloser) Close() error { return nil }

func (m *Memory) Put(ctx context.Context, bucket, key string, body io.Reader, size int64) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", bucket, key, err)
	}
	m.PutBytes(bucket, key, data)
	return nil
}

func (m *Memory) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	body, ok := m.GetBytes(srcBucket, srcKey)
	if !ok {
		return fmt.Errorf("copy source %s/%s: %w", srcBucket, srcKey, ErrNotFound)
	}
	m.PutBytes(dstBucket, dstKey, body)
	return nil
}

func (m *Memory) ListPrefix(ctx context.Context, bucket, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k, versions := range m.buckets[bucket] {
		if strings.HasPrefix(k, prefix) && len(versions) > 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) ListVersions(ctx context.Context, bucket, prefix string) ([]ObjectVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ObjectVersion
	for k, versions := range m.buckets[bucket] {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		for i := range versions {
			out = append(out, ObjectVersion{Key: k, VersionID: fmt.Sprintf("v%d", i+1)})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].VersionID < out[j].VersionID
	})
	return out, nil
}

func (m *Memory) DeleteAllVersions(ctx context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bucket(bucket), key)
	return nil
}
