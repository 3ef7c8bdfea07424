package registry

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	apperrors "github.com/heliocloud/registration-go/internal/errors"
	"github.com/heliocloud/registration-go/internal/objstore"
)

func TestPublishAndFetch(t *testing.T) {
	obj := objstore.NewMemory()
	ctx := context.Background()

	doc := NewDocument([]Endpoint{
		{Endpoint: "s3://helio-public/", Name: "HelioCloud Public", Region: "us-east-1"},
		{Endpoint: "https://catalog.example.edu/", Name: "University Mirror"},
	})
	if doc.CloudMe != Version {
		t.Errorf("CloudMe = %q, want %q", doc.CloudMe, Version)
	}
	if doc.ModificationDate == "" {
		t.Error("ModificationDate not stamped")
	}

	if err := Publish(ctx, obj, "registry", doc); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	got, err := Fetch(ctx, obj, "registry")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(got.Registry) != 2 || got.Registry[0].Name != "HelioCloud Public" {
		t.Errorf("Fetch() = %+v, want round-tripped endpoints", got)
	}
	if got.ModificationDate != doc.ModificationDate {
		t.Errorf("ModificationDate = %q, want %q", got.ModificationDate, doc.ModificationDate)
	}
}

func TestDocumentWireKeys(t *testing.T) {
	doc := NewDocument([]Endpoint{{Endpoint: "s3://helio-public/", Name: "HelioCloud Public"}})
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	// Other clouds read this document; the key casing is part of the format.
	for _, key := range []string{`"CloudMe"`, `"modificationDate"`, `"registry"`} {
		if !strings.Contains(string(data), key) {
			t.Errorf("serialized document missing key %s: %s", key, data)
		}
	}
}

func TestParseRejectsBadDocuments(t *testing.T) {
	tests := []struct {
		name string
		body string
		kind apperrors.Kind
	}{
		{"not json", "{oops", apperrors.EntryFormat},
		{"missing version", `{"registry":[]}`, apperrors.EntryValidation},
		{"entry missing name", `{"CloudMe":"0.1","registry":[{"endpoint":"s3://x/"}]}`, apperrors.EntryValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.body))
			if !apperrors.IsKind(err, tt.kind) {
				t.Errorf("Parse() error = %v, want kind %v", err, tt.kind)
			}
		})
	}
}
