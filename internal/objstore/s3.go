// internal/objstore/s3.go
package objstore

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Gateway implements Gateway against AWS S3 or an S3-compatible service
// such as MinIO.
type S3Gateway struct {
	client *s3.Client
}

// NewS3Gateway creates a Gateway backed by S3. An empty endpoint selects AWS
// proper; empty credentials fall back to the default provider chain.
func NewS3Gateway(ctx context.Context, endpoint, region, accessKey, secretKey string) (*S3Gateway, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	if endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(endpoint))
	}
	if accessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(ctx context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID:     accessKey,
					SecretAccessKey: secretKey,
				}, nil
			})))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = endpoint != "" // Required for MinIO and other S3-compatible services
	})

	return &S3Gateway{client: client}, nil
}

// Exists reports whether the exact key is present in the bucket. It lists by
// prefix and requires an exact match rather than issuing a HEAD request,
// which can be stale under eventual consistency.
func (g *S3Gateway) Exists(ctx context.Context, bucket, key string) (bool, error) {
	out, err := g.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(key),
	})
	if err != nil {
		return false, fmt.Errorf("failed to list objects for %s/%s: %w", bucket, key, err)
	}
	for _, obj := range out.Contents {
		if obj.Key != nil && *obj.Key == key {
			return true, nil
		}
	}
	return false, nil
}

// Get opens a streaming read of the object and returns its size. The stream
// seeks from the start, the current position, and the end; a seek drops the
// open response body and the next Read reissues the request with a Range
// header at the new offset.
func (g *S3Gateway) Get(ctx context.Context, bucket, key string) (io.ReadSeekCloser, int64, error) {
	out, err := g.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get %s/%s: %w", bucket, key, err)
	}
	var size int64
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return &s3SeekReader{
		ctx:    ctx,
		client: g.client,
		bucket: bucket,
		key:    key,
		size:   size,
		body:   out.Body,
	}, size, nil
}

// s3SeekReader satisfies io.ReadSeekCloser over an S3 object using ranged
// GETs. Sequential reads reuse the open body; only seeking pays for a new
// request.
type s3SeekReader struct {
	ctx    context.Context
	client *s3.Client
	bucket string
	key    string
	size   int64
	offset int64
	body   io.ReadCloser // nil after a seek until the next Read
}

func (r *s3SeekReader) Read(p []byte) (int, error) {
	if r.body == nil {
		if r.offset >= r.size {
			return 0, io.EOF
		}
		out, err := r.client.GetObject(r.ctx, &s3.GetObjectInput{
			Bucket: aws.String(r.bucket),
			Key:    aws.String(r.key),
			Range:  aws.String(fmt.Sprintf("bytes=%d-", r.offset)),
		})
		if err != nil {
			return 0, fmt.Errorf("failed to get %s/%s at offset %d: %w", r.bucket, r.key, r.offset, err)
		}
		r.body = out.Body
	}
	n, err := r.body.Read(p)
	r.offset += int64(n)
	return n, err
}

func (r *s3SeekReader) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = r.offset + offset
	case io.SeekEnd:
		abs = r.size + offset
	default:
		return 0, fmt.Errorf("seek %s/%s: invalid whence %d", r.bucket, r.key, whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("seek %s/%s: negative position %d", r.bucket, r.key, abs)
	}
	if abs != r.offset && r.body != nil {
		r.body.Close()
		r.body = nil
	}
	r.offset = abs
	return abs, nil
}

func (r *s3SeekReader) Close() error {
	if r.body == nil {
		return nil
	}
	err := r.body.Close()
	r.body = nil
	return err
}

// Put writes the object with overwrite semantics, returning only after the
// store acknowledges a durable commit.
func (g *S3Gateway) Put(ctx context.Context, bucket, key string, body io.Reader, size int64) error {
	_, err := g.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Copy issues a server-side copy. S3 commits the destination key atomically;
// readers never observe a half-written object.
func (g *S3Gateway) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	_, err := g.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(dstBucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(srcBucket + "/" + srcKey),
	})
	if err != nil {
		return fmt.Errorf("failed to copy %s/%s to %s/%s: %w", srcBucket, srcKey, dstBucket, dstKey, err)
	}
	return nil
}

// ListPrefix returns every key under the prefix, following pagination.
func (g *S3Gateway) ListPrefix(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(g.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s/%s: %w", bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
	}
	return keys, nil
}

// ListVersions returns every (key, version) under the prefix.
func (g *S3Gateway) ListVersions(ctx context.Context, bucket, prefix string) ([]ObjectVersion, error) {
	var versions []ObjectVersion
	input := &s3.ListObjectVersionsInput{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	}
	for {
		out, err := g.client.ListObjectVersions(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to list versions for %s/%s: %w", bucket, prefix, err)
		}
		for _, v := range out.Versions {
			if v.Key != nil && v.VersionId != nil {
				versions = append(versions, ObjectVersion{Key: *v.Key, VersionID: *v.VersionId})
			}
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			return versions, nil
		}
		input.KeyMarker = out.NextKeyMarker
		input.VersionIdMarker = out.NextVersionIdMarker
	}
}

// DeleteAllVersions removes every version of the key. Deleting a key with no
// versions is a no-op, which makes the operation idempotent.
func (g *S3Gateway) DeleteAllVersions(ctx context.Context, bucket, key string) error {
	versions, err := g.ListVersions(ctx, bucket, key)
	if err != nil {
		return err
	}
	for _, v := range versions {
		if v.Key != key {
			continue
		}
		_, err := g.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket:    aws.String(bucket),
			Key:       aws.String(v.Key),
			VersionId: aws.String(v.VersionID),
		})
		if err != nil {
			return fmt.Errorf("failed to delete %s/%s version %s: %w", bucket, key, v.VersionID, err)
		}
	}
	return nil
}
