// Package book defines the domain types shared between candidate generation,
// ISBN resolution and catalog persistence.
package book

import (
	"fmt"
	"strings"
)

// Month identifies one calendar month of backfill work.
type Month struct {
	Year  int
	Month int
}

// String formats the month as YYYY-MM.
func (m Month) String() string {
	return fmt.Sprintf("%04d-%02d", m.Year, m.Month)
}

// Valid reports whether the month is a plausible backfill target.
func (m Month) Valid() bool {
	return m.Year >= 1000 && m.Year <= 9999 && m.Month >= 1 && m.Month <= 12
}

// Candidate is a generated, not-yet-verified book guess. It has no
// persistence of its own; it lives only for one unit's processing pass.
type Candidate struct {
	Author string   `json:"author"`
	Title  string   `json:"title"`
	ISBNs  []string `json:"isbns"`
}

// Key returns the natural identity used for work upserts.
func (c Candidate) Key() string {
	return strings.ToLower(strings.TrimSpace(c.Author)) + "\x00" + strings.ToLower(strings.TrimSpace(c.Title))
}

// EditionData contains edition metadata from an external source.
// Pointer fields distinguish "not set" from "empty string".
type EditionData struct {
	Title       *string
	Subtitle    *string
	Description *string
	Publisher   *string
	PublishDate *string
	Language    *string
	CoverURL    *string
	PageCount   *int
	Authors     []string
	Subjects    []string
}

// FilledFieldCount returns how many metadata fields carry a value.
// Used as the basis of the completeness score.
func (d *EditionData) FilledFieldCount() int {
	if d == nil {
		return 0
	}
	n := 0
	for _, s := range []*string{d.Title, d.Subtitle, d.Description, d.Publisher, d.PublishDate, d.Language, d.CoverURL} {
		if s != nil && *s != "" {
			n++
		}
	}
	if d.PageCount != nil && *d.PageCount > 0 {
		n++
	}
	if len(d.Authors) > 0 {
		n++
	}
	if len(d.Subjects) > 0 {
		n++
	}
	return n
}

// NormalizeISBN strips hyphens and spaces from an ISBN.
func NormalizeISBN(isbn string) string {
	normalized := strings.ReplaceAll(isbn, "-", "")
	normalized = strings.ReplaceAll(normalized, " ", "")
	return strings.TrimSpace(normalized)
}

// PlausibleISBN reports whether the string looks like an ISBN-10 or ISBN-13
// after normalization. It does not verify the check digit; the providers are
// the authority on whether an ISBN exists.
func PlausibleISBN(isbn string) bool {
	n := NormalizeISBN(isbn)
	if len(n) != 10 && len(n) != 13 {
		return false
	}
	for i, r := range n {
		if r >= '0' && r <= '9' {
			continue
		}
		// ISBN-10 check digit may be X.
		if len(n) == 10 && i == 9 && (r == 'X' || r == 'x') {
			continue
		}
		return false
	}
	return true
}
