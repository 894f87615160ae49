// Package catalog persists resolved works and editions to Postgres.
package catalog

import (
	"github.com/akorhonen/bibfill/internal/book"
	"github.com/akorhonen/bibfill/internal/provider"
)

// SyntheticCompleteness is the score assigned to work rows created from a
// generated candidate that no provider could resolve. Low enough that any
// provider-backed row outranks it, high enough to survive as a lead for
// later passes.
const SyntheticCompleteness = 30

// WorkRecord is one work row keyed on (author, title).
type WorkRecord struct {
	Author       string
	Title        string
	Year         int
	Month        int
	Synthetic    bool
	Completeness int
}

// EditionRecord is one edition row keyed on ISBN, linked to its work.
type EditionRecord struct {
	ISBN         string
	WorkAuthor   string
	WorkTitle    string
	Source       string
	Completeness int
	Data         *book.EditionData
}

// Provider tier bonus rewards sources with richer, more authoritative
// records so a later lower-tier hit does not clobber a better edition.
var sourceBonus = map[string]int{
	provider.NameISBNdb:      20,
	provider.NameGoogleBooks: 15,
	provider.NameOpenLibrary: 10,
	provider.NameWikidata:    5,
}

// Completeness scores an edition by how many metadata fields the provider
// filled, plus a bonus for the provider's tier. Capped at 100.
func Completeness(data *book.EditionData, source string) int {
	score := data.FilledFieldCount()*8 + sourceBonus[source]
	if score > 100 {
		score = 100
	}
	return score
}

// SyntheticWork builds the placeholder work row for an unresolved candidate.
func SyntheticWork(c book.Candidate, month book.Month) WorkRecord {
	return WorkRecord{
		Author:       c.Author,
		Title:        c.Title,
		Year:         month.Year,
		Month:        month.Month,
		Synthetic:    true,
		Completeness: SyntheticCompleteness,
	}
}

// ResolvedWork builds the work row for a candidate that a provider matched.
func ResolvedWork(c book.Candidate, month book.Month, completeness int) WorkRecord {
	return WorkRecord{
		Author:       c.Author,
		Title:        c.Title,
		Year:         month.Year,
		Month:        month.Month,
		Completeness: completeness,
	}
}
