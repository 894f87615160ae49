package backfill

import (
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/akorhonen/bibfill/internal/book"
)

func TestUnitLockKeyDistinct(t *testing.T) {
	seen := map[int64]book.Month{}
	for year := 1900; year <= 2030; year++ {
		for month := 1; month <= 12; month++ {
			m := book.Month{Year: year, Month: month}
			key := unitLockKey(m)
			if prev, ok := seen[key]; ok {
				t.Fatalf("lock key collision: %s and %s both map to %d", prev, m, key)
			}
			seen[key] = m
		}
	}
}

func TestUnitLockKeyKeyspace(t *testing.T) {
	// The high bits tag the key so other advisory lock users on the same
	// database cannot collide with unit locks.
	key := unitLockKey(book.Month{Year: 1999, Month: 3})
	assert.Equal(t, lockKeyspace, key>>48)
}

func TestStatsMonths(t *testing.T) {
	s := Stats{Pending: 1, Claimed: 2, Processing: 3, Completed: 4, Failed: 5}
	assert.Equal(t, 15, s.Months())
}
