// Package provider implements the ISBN resolution providers and the ordered
// registry the orchestrator walks. Each provider handles its own
// authentication, pacing and response caching, and reports results in the
// shared book.EditionData format.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/akorhonen/bibfill/internal/book"
)

// Provider names double as quota config keys and cache table prefixes.
const (
	NameISBNdb      = "isbndb"
	NameOpenLibrary = "openlibrary"
	NameGoogleBooks = "googlebooks"
	NameWikidata    = "wikidata"
)

// ErrNotFound is the authoritative negative: the provider has no match for
// any of the candidate's ISBNs. It permits permanent fall-through without
// counting as evidence the item is unresolvable elsewhere.
var ErrNotFound = errors.New("no match found")

// TransientError marks a retryable provider failure (timeout, 5xx, 429).
// The orchestrator falls through to the next provider but does not treat the
// candidate as unresolvable by this provider.
type TransientError struct {
	Provider string
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Provider, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a TransientError (even when wrapped).
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Resolution is a successful match for one candidate.
type Resolution struct {
	// ISBN is the normalized ISBN that matched.
	ISBN string
	// Source is the provider that supplied the data.
	Source string
	// Data is the edition metadata from the source.
	Data *book.EditionData
}

// Provider resolves candidate books against one external source.
type Provider interface {
	// Name returns the provider identifier (e.g., "isbndb").
	Name() string

	// Priority returns the fixed rank in the cascade; lower runs first.
	Priority() int

	// Metered reports whether calls must pass through the quota manager.
	Metered() bool

	// RequestsPerSecond returns the provider's pacing budget, used to cap
	// batch concurrency at the most restrictive in-flight provider.
	RequestsPerSecond() float64

	// Available reports whether the provider can be used right now:
	// credentials present and, for metered providers, budget remaining.
	// It never reserves quota.
	Available(ctx context.Context) bool

	// Resolve attempts to match the candidate's ISBNs.
	// Returns ErrNotFound when the provider authoritatively has no match,
	// or a *TransientError for timeouts/5xx/429.
	Resolve(ctx context.Context, c book.Candidate) (*Resolution, error)
}
