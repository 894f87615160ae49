package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
)

const worksSchema = `
CREATE TABLE IF NOT EXISTS works (
	id BIGSERIAL PRIMARY KEY,
	author TEXT NOT NULL,
	title TEXT NOT NULL,
	publish_year INTEGER NOT NULL,
	publish_month INTEGER NOT NULL,
	synthetic BOOLEAN NOT NULL DEFAULT FALSE,
	completeness INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (author, title)
)`

const editionsSchema = `
CREATE TABLE IF NOT EXISTS editions (
	isbn TEXT PRIMARY KEY,
	work_author TEXT NOT NULL,
	work_title TEXT NOT NULL,
	source TEXT NOT NULL,
	completeness INTEGER NOT NULL DEFAULT 0,
	data JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// An enriched work never loses ground to a later synthetic insert: synthetic
// stays false once false and completeness only goes up.
const upsertWorkQuery = `
INSERT INTO works (author, title, publish_year, publish_month, synthetic, completeness)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (author, title) DO UPDATE SET
	synthetic = works.synthetic AND EXCLUDED.synthetic,
	completeness = GREATEST(works.completeness, EXCLUDED.completeness),
	updated_at = now()`

const upsertEditionQuery = `
INSERT INTO editions (isbn, work_author, work_title, source, completeness, data)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (isbn) DO UPDATE SET
	work_author = EXCLUDED.work_author,
	work_title = EXCLUDED.work_title,
	source = EXCLUDED.source,
	completeness = EXCLUDED.completeness,
	data = EXCLUDED.data,
	updated_at = now()
WHERE editions.completeness <= EXCLUDED.completeness`

// Store wraps a Postgres connection for catalog writes.
type Store struct {
	db *sql.DB
}

// NewStore opens a connection to the catalog database.
func NewStore(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening catalog database: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStoreWithDB wraps an existing connection, sharing it with other stores.
func NewStoreWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying connection for callers that need to compose the
// catalog writes with their own transaction.
func (s *Store) DB() *sql.DB {
	return s.db
}

// CreateTables creates the works and editions tables if they do not exist.
func (s *Store) CreateTables(ctx context.Context) error {
	for _, schema := range []string{worksSchema, editionsSchema} {
		if _, err := s.db.ExecContext(ctx, schema); err != nil {
			return fmt.Errorf("creating catalog tables: %w", err)
		}
	}
	return nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertWorks writes work rows in one transaction. Safe to call repeatedly
// with the same rows.
func (s *Store) UpsertWorks(ctx context.Context, works []WorkRecord) error {
	if len(works) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning work upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, w := range works {
		if err := UpsertWork(ctx, tx, w); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UpsertWork writes one work row inside the caller's transaction.
func UpsertWork(ctx context.Context, tx *sql.Tx, w WorkRecord) error {
	_, err := tx.ExecContext(ctx, upsertWorkQuery,
		w.Author, w.Title, w.Year, w.Month, w.Synthetic, w.Completeness)
	if err != nil {
		return fmt.Errorf("upserting work %q/%q: %w", w.Author, w.Title, err)
	}
	return nil
}

// UpsertEdition writes one edition row inside the caller's transaction. An
// existing higher-completeness row is left alone.
func UpsertEdition(ctx context.Context, tx *sql.Tx, e EditionRecord) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("encoding edition %s: %w", e.ISBN, err)
	}
	_, err = tx.ExecContext(ctx, upsertEditionQuery,
		e.ISBN, e.WorkAuthor, e.WorkTitle, e.Source, e.Completeness, data)
	if err != nil {
		return fmt.Errorf("upserting edition %s: %w", e.ISBN, err)
	}
	return nil
}

// CountWorks returns total and synthetic work counts, optionally filtered by
// publication year. Year 0 means all years.
func (s *Store) CountWorks(ctx context.Context, year int) (total, synthetic int, err error) {
	query := `SELECT COUNT(*), COUNT(*) FILTER (WHERE synthetic) FROM works`
	args := []any{}
	if year > 0 {
		query += ` WHERE publish_year = $1`
		args = append(args, year)
	}
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&total, &synthetic); err != nil {
		return 0, 0, fmt.Errorf("counting works: %w", err)
	}
	return total, synthetic, nil
}
