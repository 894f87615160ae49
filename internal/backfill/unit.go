// Package backfill schedules publication-month units across competing
// instances and drives them through generation and resolution.
package backfill

import (
	"time"

	"github.com/akorhonen/bibfill/internal/book"
	"github.com/akorhonen/bibfill/internal/catalog"
	"github.com/akorhonen/bibfill/internal/resolve"
)

// Status is a unit's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusClaimed    Status = "claimed"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Unit is one publication month of backfill work.
type Unit struct {
	Month       book.Month
	Status      Status
	RetryCount  int
	LastError   string
	ClaimedBy   string
	ClaimedAt   *time.Time
	CompletedAt *time.Time
}

// UnitResult carries everything a completed unit persists in one
// transaction: upgraded works, resolved editions, and the log entry.
type UnitResult struct {
	Works    []catalog.WorkRecord
	Editions []catalog.EditionRecord
	Stats    resolve.BatchStats
}

// Stats aggregates unit states and the completed-unit log.
type Stats struct {
	Pending    int
	Claimed    int
	Processing int
	Completed  int
	Failed     int

	Candidates int
	Resolved   int
	Unresolved int
}

// Months returns the total number of tracked units.
func (s Stats) Months() int {
	return s.Pending + s.Claimed + s.Processing + s.Completed + s.Failed
}

// lockKeyspace tags advisory lock keys so unit locks cannot collide with any
// other advisory lock user on the same database.
const lockKeyspace int64 = 0x6266 // "bf"

// unitLockKey packs a publication month into an advisory lock key. Year and
// month each get their own byte range, so distinct months never share a key.
func unitLockKey(m book.Month) int64 {
	return lockKeyspace<<48 | int64(m.Year)<<16 | int64(m.Month)
}
