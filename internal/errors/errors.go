// Package errors provides standardized error handling for the registration
// pipeline. Every failure surfaced by a component carries one of a closed set
// of kinds so that callers can classify without string matching.
package errors

import (
	"errors"
	"fmt"
)

// Kind represents a standardized error kind for the pipeline.
type Kind string

const (
	// Parser errors
	ManifestFormat  Kind = "ManifestFormatError"  // Input is not a manifest (suffix, encoding)
	ManifestSchema  Kind = "ManifestSchemaError"  // Required headers missing
	ManifestType    Kind = "ManifestTypeError"    // Body cell failed typed coercion
	EntryFormat     Kind = "EntryFormatError"     // Entry document is not valid JSON
	EntryValidation Kind = "EntryValidationError" // Entry violates a DataSet invariant

	// Fetch errors
	FetchTransient    Kind = "FetchTransientError"     // Retriable network failure
	FetchPermanent    Kind = "FetchPermanentError"     // 4xx from source, or exhausted retries
	UnsupportedScheme Kind = "UnsupportedSourceScheme" // Download URL scheme not web or s3

	// Store errors
	StoreTransient Kind = "StoreTransientError"
	StorePermanent Kind = "StorePermanentError"

	// Coordination errors
	Consistency Kind = "ConsistencyError" // Summary reconcile exceeded its retry budget
	LockTimeout Kind = "LockTimeout"      // Catalog advisory lock not acquired in time
	Cancelled   Kind = "CancelledError"   // Cooperative cancellation observed
)

// Error is a structured pipeline error: a kind, a human-readable message,
// optional structured details, and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

// New creates a new Error with the specified kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a new Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a new Error wrapping an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithDetails attaches structured details (row numbers, column names, field
// names) to the error and returns it for chaining.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Details != nil:
		return fmt.Sprintf("%s: %s (details: %v): %v", e.Kind, e.Message, e.Details, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Details != nil:
		return fmt.Sprintf("%s: %s (details: %v)", e.Kind, e.Message, e.Details)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind carried by err, or the empty Kind when err is not a
// pipeline error.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Transient reports whether err is retriable: transient fetch and store
// failures are, everything else is terminal.
func Transient(err error) bool {
	switch KindOf(err) {
	case FetchTransient, StoreTransient:
		return true
	default:
		return false
	}
}
