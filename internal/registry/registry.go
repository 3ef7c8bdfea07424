// internal/registry/registry.go
// Package registry builds and publishes the global registry document: the
// small JSON file that tells clients which endpoints exist and where their
// catalogs live.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	apperrors "github.com/heliocloud/registration-go/internal/errors"
	"github.com/heliocloud/registration-go/internal/objstore"
)

// Version is the registry document format version.
const Version = "0.1"

// DefaultKey is where the document lives in its bucket.
const DefaultKey = "registry.json"

// Endpoint is one registered catalog location.
type Endpoint struct {
	Endpoint string `json:"endpoint"` // Base URL or s3:// prefix of the catalog
	Name     string `json:"name"`
	Region   string `json:"region,omitempty"`
}

// Document is the registry file shape.
type Document struct {
	CloudMe          string     `json:"CloudMe"`
	ModificationDate string     `json:"modificationDate"` // ISO-8601, when the document was built
	Registry         []Endpoint `json:"registry"`
}

// NewDocument builds a document over the given endpoints, stamped now.
func NewDocument(endpoints []Endpoint) *Document {
	return &Document{
		CloudMe:          Version,
		ModificationDate: time.Now().UTC().Format(time.RFC3339),
		Registry:         endpoints,
	}
}

// Parse decodes and validates a registry document.
func Parse(r io.Reader) (*Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, apperrors.Wrap(apperrors.EntryFormat, "registry document is not valid JSON", err)
	}
	if doc.CloudMe == "" {
		return nil, apperrors.New(apperrors.EntryValidation, "registry document missing CloudMe version")
	}
	for i, ep := range doc.Registry {
		if ep.Endpoint == "" || ep.Name == "" {
			return nil, apperrors.Newf(apperrors.EntryValidation,
				"registry entry %d missing endpoint or name", i)
		}
	}
	return &doc, nil
}

// Publish serializes the document and writes it to the bucket. The object
// write is a durable overwrite, so readers see either the old or the new
// document, never a blend.
func Publish(ctx context.Context, obj objstore.Gateway, bucket string, doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if err := obj.Put(ctx, bucket, DefaultKey, bytes.NewReader(data), int64(len(data))); err != nil {
		return apperrors.Wrap(apperrors.StoreTransient, "publishing registry document", err)
	}
	slog.Info("registry document published", "bucket", bucket, "endpoints", len(doc.Registry))
	return nil
}

// Fetch reads the current registry document from the bucket.
func Fetch(ctx context.Context, obj objstore.Gateway, bucket string) (*Document, error) {
	body, _, err := obj.Get(ctx, bucket, DefaultKey)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return Parse(body)
}
