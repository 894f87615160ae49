// Package generate produces candidate book lists for publication months.
package generate

import (
	"context"
	"fmt"

	"github.com/akorhonen/bibfill/internal/book"
)

// Generator produces candidate books published in a given month. The list is
// untrusted input: downstream resolution decides what was real.
type Generator interface {
	Generate(ctx context.Context, month book.Month) ([]book.Candidate, error)
}

// GenerationError wraps a failure to produce candidates for a month. The
// scheduler treats it as an attempt failure, not a reason to stop.
type GenerationError struct {
	Month book.Month
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generating candidates for %s: %v", e.Month, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// Fixed returns canned candidates regardless of month. Used in dry runs and
// tests.
type Fixed struct {
	Candidates []book.Candidate
	Err        error
}

func (f *Fixed) Generate(_ context.Context, month book.Month) ([]book.Candidate, error) {
	if f.Err != nil {
		return nil, &GenerationError{Month: month, Err: f.Err}
	}
	return f.Candidates, nil
}
