package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies source and pipeline failures. The orchestrator
// treats each kind differently: Transient is retried with backoff,
// Blocked trips the circuit breaker, Exhausted ends pagination,
// ParseFailure routes the raw listing to the error sink, and
// ImportConflict is resolved by the importer's upsert.
type ErrorKind string

const (
	ErrKindBlocked        ErrorKind = "blocked"
	ErrKindTransient      ErrorKind = "transient"
	ErrKindExhausted      ErrorKind = "exhausted"
	ErrKindParseFailure   ErrorKind = "parse_failure"
	ErrKindImportConflict ErrorKind = "import_conflict"
)

// SourceError carries the failure kind alongside the source that
// produced it.
type SourceError struct {
	Kind   ErrorKind
	Source string
	Err    error
}

func (e *SourceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Source, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Source, e.Kind, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// Blocked marks an anti-automation response (denial or challenge page).
func Blocked(source string, err error) error {
	return &SourceError{Kind: ErrKindBlocked, Source: source, Err: err}
}

// Transient marks a recoverable network or timeout failure.
func Transient(source string, err error) error {
	return &SourceError{Kind: ErrKindTransient, Source: source, Err: err}
}

// Exhausted marks the end of a source's result pages.
func Exhausted(source string) error {
	return &SourceError{Kind: ErrKindExhausted, Source: source}
}

// ParseFailure marks an unexpected payload shape.
func ParseFailure(source string, err error) error {
	return &SourceError{Kind: ErrKindParseFailure, Source: source, Err: err}
}

// KindOf extracts the ErrorKind from err, or empty when err is not a
// SourceError.
func KindOf(err error) ErrorKind {
	var se *SourceError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// IsKind reports whether err is a SourceError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
