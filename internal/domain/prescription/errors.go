package prescription

import (
	"errors"
	"strings"
)

var (
	ErrNotFound     = errors.New("prescription not found")
	ErrConflict     = errors.New("prescription is being modified by another request")
	ErrInvalidState = errors.New("operation not allowed in the prescription's current state")
	ErrForbidden    = errors.New("caller may not perform this operation")
)

// ValidationError lists every problem found in an input.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Problems, "; ")
}

func invalid(problems ...string) *ValidationError {
	return &ValidationError{Problems: problems}
}

// RenderError means the prescription's data could not be laid out as a
// document. It blocks signing.
type RenderError struct {
	Err error
}

func (e *RenderError) Error() string { return "render: " + e.Err.Error() }

func (e *RenderError) Unwrap() error { return e.Err }
