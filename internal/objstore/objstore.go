// internal/objstore/objstore.go
// Package objstore provides the narrow capability surface over the blob store
// used by the registration pipeline, with S3 and in-memory implementations.
package objstore

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when the requested object does not exist.
var ErrNotFound = errors.New("object not found")

// ObjectVersion identifies one stored version of an object.
type ObjectVersion struct {
	Key       string // Object key
	VersionID string // Store-assigned version identifier
}

// Gateway is the capability façade over the blob store. Implementations must
// preserve these semantics:
//
//   - Exists resolves via an exact-match prefix listing, never a HEAD call.
//   - Get returns a stream that supports seeking from the start, the current
//     position, and the end of the object.
//   - Put returns only after the write is durably committed and overwrites
//     any previous object under the key.
//   - Copy is a server-side copy, atomic with respect to the destination key.
//   - DeleteAllVersions removes every version of the key and is idempotent.
type Gateway interface {
	Exists(ctx context.Context, bucket, key string) (bool, error)
	Get(ctx context.Context, bucket, key string) (io.ReadSeekCloser, int64, error)
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64) error
	Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error
	ListPrefix(ctx context.Context, bucket, prefix string) ([]string, error)
	ListVersions(ctx context.Context, bucket, prefix string) ([]ObjectVersion, error)
	DeleteAllVersions(ctx context.Context, bucket, key string) error
}
