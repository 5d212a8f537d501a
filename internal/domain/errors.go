package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrValidation indicates malformed input rejected before any work is scheduled.
var ErrValidation = errors.New("validation failed")

// ErrNotFound indicates that a requested batch does not exist.
var ErrNotFound = errors.New("not found")

// ErrStorage indicates that a persistence operation failed.
var ErrStorage = errors.New("storage failure")

// ErrBatchFailed indicates that a batch run was aborted by a storage failure.
var ErrBatchFailed = errors.New("batch failed")

// ErrTransientCall indicates that an external capability call failed.
// These failures are isolated to a single iteration and never abort a batch.
var ErrTransientCall = errors.New("external call failed")

// FieldError describes a single rejected input field.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError reports every rejected field of a request.
// It matches ErrValidation with errors.Is.
type ValidationError struct {
	Fields []FieldError
}

// Error joins the field failures into one line.
func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Field, f.Reason))
	}
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(parts, "; "))
}

// Is reports ErrValidation as the sentinel of every ValidationError.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// CallError is the TransientCallFailure of a single external capability call.
// Step names the pipeline stage ("generate", "similarity", "rate", "caption",
// "artifact") and Kind carries the provider error classification.
type CallError struct {
	Step  string
	Kind  string
	Cause error
}

// Error formats the failure as "<step> call failed [<kind>]: <cause>".
func (e *CallError) Error() string {
	kind := e.Kind
	if kind == "" {
		kind = "unknown"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s call failed [%s]", e.Step, kind)
	}
	return fmt.Sprintf("%s call failed [%s]: %v", e.Step, kind, e.Cause)
}

// Unwrap returns the underlying capability error.
func (e *CallError) Unwrap() error { return e.Cause }

// Is reports ErrTransientCall as the sentinel of every CallError.
func (e *CallError) Is(target error) bool { return target == ErrTransientCall }
