package backfill

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/akorhonen/bibfill/internal/book"
	"github.com/akorhonen/bibfill/internal/catalog"
	"github.com/akorhonen/bibfill/internal/config"
)

const unitsSchema = `
CREATE TABLE IF NOT EXISTS backfill_units (
	year INTEGER NOT NULL,
	month INTEGER NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	claimed_by TEXT NOT NULL DEFAULT '',
	claimed_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	PRIMARY KEY (year, month)
)`

const logSchema = `
CREATE TABLE IF NOT EXISTS backfill_log (
	year INTEGER NOT NULL,
	month INTEGER NOT NULL,
	candidates INTEGER NOT NULL,
	resolved INTEGER NOT NULL,
	unresolved INTEGER NOT NULL,
	provider_calls JSONB NOT NULL,
	completed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (year, month)
)`

// ErrClaimLost means another instance took over the unit after this one's
// claim was swept. The deposed owner must stop touching the unit; its attempt
// was already charged by the sweep.
var ErrClaimLost = errors.New("unit claim lost to another instance")

// UnitStore is the persistence contract the scheduler runs against.
type UnitStore interface {
	EnsureRange(ctx context.Context, fromYear, toYear int) error
	ClaimNext(ctx context.Context, instance string) (*Unit, error)
	MarkProcessing(ctx context.Context, u *Unit) error
	Complete(ctx context.Context, u *Unit, result UnitResult) error
	Fail(ctx context.Context, u *Unit, cause error) error
	SweepStale(ctx context.Context, olderThan time.Duration) (int, error)
	Stats(ctx context.Context, year int) (Stats, error)
}

// PGUnitStore implements UnitStore on Postgres, using transaction-scoped
// advisory locks for claim arbitration.
type PGUnitStore struct {
	db         *sql.DB
	maxRetries int
}

// NewPGUnitStore opens a connection to the scheduling database.
func NewPGUnitStore(databaseURL string) (*PGUnitStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening backfill database: %w", err)
	}
	return &PGUnitStore{db: db, maxRetries: config.MaxRetries()}, nil
}

// NewPGUnitStoreWithDB wraps an existing connection.
func NewPGUnitStoreWithDB(db *sql.DB) *PGUnitStore {
	return &PGUnitStore{db: db, maxRetries: config.MaxRetries()}
}

// DB exposes the underlying connection so the catalog store can share it.
func (s *PGUnitStore) DB() *sql.DB {
	return s.db
}

// CreateTables creates the unit and log tables if they do not exist.
func (s *PGUnitStore) CreateTables(ctx context.Context) error {
	for _, schema := range []string{unitsSchema, logSchema} {
		if _, err := s.db.ExecContext(ctx, schema); err != nil {
			return fmt.Errorf("creating backfill tables: %w", err)
		}
	}
	return nil
}

// Close closes the underlying connection.
func (s *PGUnitStore) Close() error {
	return s.db.Close()
}

// EnsureRange inserts pending units for every month in [fromYear, toYear].
// Existing rows are untouched, so re-running with an overlapping range is
// free.
func (s *PGUnitStore) EnsureRange(ctx context.Context, fromYear, toYear int) error {
	if fromYear > toYear {
		return fmt.Errorf("invalid year range %d..%d", fromYear, toYear)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning range insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for year := fromYear; year <= toYear; year++ {
		for month := 1; month <= 12; month++ {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO backfill_units (year, month) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
				year, month)
			if err != nil {
				return fmt.Errorf("seeding unit %04d-%02d: %w", year, month, err)
			}
		}
	}
	return tx.Commit()
}

// ClaimNext claims the oldest pending unit for this instance, or returns
// (nil, nil) when none remain. Claiming is race-free across instances: the
// advisory lock serializes contenders for a unit and the re-read under FOR
// UPDATE confirms nobody claimed it between candidate selection and locking.
// The scan is unbounded so a lost race on every early candidate never makes
// the caller conclude the range is drained while later pending units exist.
func (s *PGUnitStore) ClaimNext(ctx context.Context, instance string) (*Unit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT year, month FROM backfill_units WHERE status = 'pending' ORDER BY year, month`)
	if err != nil {
		return nil, fmt.Errorf("listing pending units: %w", err)
	}
	var months []book.Month
	for rows.Next() {
		var m book.Month
		if err := rows.Scan(&m.Year, &m.Month); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scanning pending unit: %w", err)
		}
		months = append(months, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing pending units: %w", err)
	}

	for _, m := range months {
		u, err := s.tryClaim(ctx, m, instance)
		if err != nil {
			return nil, err
		}
		if u != nil {
			return u, nil
		}
	}
	return nil, nil
}

// tryClaim attempts to claim one unit. Returns (nil, nil) when another
// instance holds the lock or already took the unit.
func (s *PGUnitStore) tryClaim(ctx context.Context, m book.Month, instance string) (*Unit, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var locked bool
	if err := tx.QueryRowContext(ctx,
		`SELECT pg_try_advisory_xact_lock($1)`, unitLockKey(m)).Scan(&locked); err != nil {
		return nil, fmt.Errorf("taking unit lock: %w", err)
	}
	if !locked {
		return nil, nil
	}

	var status Status
	var retries int
	err = tx.QueryRowContext(ctx,
		`SELECT status, retry_count FROM backfill_units WHERE year = $1 AND month = $2 FOR UPDATE`,
		m.Year, m.Month).Scan(&status, &retries)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("re-reading unit %s: %w", m, err)
	}
	if status != StatusPending {
		return nil, nil
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`UPDATE backfill_units SET status = $1, claimed_by = $2, claimed_at = $3 WHERE year = $4 AND month = $5`,
		StatusClaimed, instance, now, m.Year, m.Month)
	if err != nil {
		return nil, fmt.Errorf("claiming unit %s: %w", m, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim of %s: %w", m, err)
	}

	return &Unit{
		Month:      m,
		Status:     StatusClaimed,
		RetryCount: retries,
		ClaimedBy:  instance,
		ClaimedAt:  &now,
	}, nil
}

// MarkProcessing transitions a claimed unit to processing. Returns
// ErrClaimLost when the claim was swept out from under this instance.
func (s *PGUnitStore) MarkProcessing(ctx context.Context, u *Unit) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE backfill_units SET status = $1 WHERE year = $2 AND month = $3 AND claimed_by = $4`,
		StatusProcessing, u.Month.Year, u.Month.Month, u.ClaimedBy)
	if err != nil {
		return fmt.Errorf("marking unit %s processing: %w", u.Month, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("marking unit %s processing: %w", u.Month, err)
	}
	if n == 0 {
		return fmt.Errorf("unit %s: %w", u.Month, ErrClaimLost)
	}
	u.Status = StatusProcessing
	return nil
}

// Complete persists a unit's results and marks it completed, all in one
// transaction. Re-running it for an already completed unit rewrites the same
// rows, so a crash between commit and the caller noticing is harmless.
func (s *PGUnitStore) Complete(ctx context.Context, u *Unit, result UnitResult) error {
	calls, err := json.Marshal(result.Stats.ProviderCalls)
	if err != nil {
		return fmt.Errorf("encoding provider calls for %s: %w", u.Month, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning completion of %s: %w", u.Month, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, w := range result.Works {
		if err := catalog.UpsertWork(ctx, tx, w); err != nil {
			return err
		}
	}
	for _, e := range result.Editions {
		if err := catalog.UpsertEdition(ctx, tx, e); err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO backfill_log (year, month, candidates, resolved, unresolved, provider_calls)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (year, month) DO UPDATE SET
			candidates = EXCLUDED.candidates,
			resolved = EXCLUDED.resolved,
			unresolved = EXCLUDED.unresolved,
			provider_calls = EXCLUDED.provider_calls,
			completed_at = now()`,
		u.Month.Year, u.Month.Month,
		result.Stats.Candidates, result.Stats.Resolved, result.Stats.Unresolved, calls)
	if err != nil {
		return fmt.Errorf("writing log for %s: %w", u.Month, err)
	}

	// The ownership guard makes a deposed owner's late completion roll back
	// whole: a reclaiming instance's state is never overwritten, and its own
	// pass will redo the idempotent catalog writes.
	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE backfill_units SET status = $1, completed_at = $2, last_error = '' WHERE year = $3 AND month = $4 AND claimed_by = $5`,
		StatusCompleted, now, u.Month.Year, u.Month.Month, u.ClaimedBy)
	if err != nil {
		return fmt.Errorf("completing unit %s: %w", u.Month, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("completing unit %s: %w", u.Month, err)
	}
	if n == 0 {
		return fmt.Errorf("unit %s: %w", u.Month, ErrClaimLost)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing completion of %s: %w", u.Month, err)
	}

	u.Status = StatusCompleted
	u.CompletedAt = &now
	return nil
}

// Fail records a failed attempt. Below the retry bound the unit goes back to
// pending; at the bound it becomes terminally failed and is never
// auto-claimed again. A deposed owner's Fail is a no-op: the sweep that took
// its claim already charged the attempt, and another instance may hold the
// unit now.
func (s *PGUnitStore) Fail(ctx context.Context, u *Unit, cause error) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE backfill_units SET
			retry_count = retry_count + 1,
			last_error = $1,
			status = CASE WHEN retry_count + 1 >= $2 THEN 'failed' ELSE 'pending' END,
			claimed_by = '',
			claimed_at = NULL
		WHERE year = $3 AND month = $4 AND claimed_by = $5`,
		cause.Error(), s.maxRetries, u.Month.Year, u.Month.Month, u.ClaimedBy)
	if err != nil {
		return fmt.Errorf("failing unit %s: %w", u.Month, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failing unit %s: %w", u.Month, err)
	}
	if n == 0 {
		slog.Warn("Skipping failure record, unit claim lost", "month", u.Month.String())
		return nil
	}
	u.RetryCount++
	u.LastError = cause.Error()
	if u.RetryCount >= s.maxRetries {
		u.Status = StatusFailed
	} else {
		u.Status = StatusPending
	}
	return nil
}

// SweepStale reverts claimed and processing units whose claim is older than
// the timeout. A swept claim counts as a failed attempt, so a unit that
// repeatedly wedges an instance still hits the retry bound.
func (s *PGUnitStore) SweepStale(ctx context.Context, olderThan time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE backfill_units SET
			retry_count = retry_count + 1,
			last_error = 'claim expired',
			status = CASE WHEN retry_count + 1 >= $1 THEN 'failed' ELSE 'pending' END,
			claimed_by = '',
			claimed_at = NULL
		WHERE status IN ('claimed', 'processing') AND claimed_at < now() - $2 * interval '1 second'`,
		s.maxRetries, int64(olderThan.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("sweeping stale claims: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting swept claims: %w", err)
	}
	return int(n), nil
}

// Stats aggregates unit states and the completed-unit log, optionally
// filtered by year. Year 0 means all years.
func (s *PGUnitStore) Stats(ctx context.Context, year int) (Stats, error) {
	var stats Stats

	unitQuery := `SELECT status, COUNT(*) FROM backfill_units`
	logQuery := `SELECT COALESCE(SUM(candidates), 0), COALESCE(SUM(resolved), 0), COALESCE(SUM(unresolved), 0) FROM backfill_log`
	args := []any{}
	if year > 0 {
		unitQuery += ` WHERE year = $1`
		logQuery += ` WHERE year = $1`
		args = append(args, year)
	}
	unitQuery += ` GROUP BY status`

	rows, err := s.db.QueryContext(ctx, unitQuery, args...)
	if err != nil {
		return stats, fmt.Errorf("counting units: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return stats, fmt.Errorf("scanning unit counts: %w", err)
		}
		switch status {
		case StatusPending:
			stats.Pending = count
		case StatusClaimed:
			stats.Claimed = count
		case StatusProcessing:
			stats.Processing = count
		case StatusCompleted:
			stats.Completed = count
		case StatusFailed:
			stats.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("counting units: %w", err)
	}

	err = s.db.QueryRowContext(ctx, logQuery, args...).
		Scan(&stats.Candidates, &stats.Resolved, &stats.Unresolved)
	if err != nil {
		return stats, fmt.Errorf("aggregating log: %w", err)
	}
	return stats, nil
}
