package catalog

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/akorhonen/bibfill/internal/book"
	"github.com/akorhonen/bibfill/internal/provider"
)

// newTestStore connects to the database named by BIBFILL_TEST_DATABASE_URL,
// or skips. Rows get unique authors per run so tests do not interfere.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("BIBFILL_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("BIBFILL_TEST_DATABASE_URL not set")
	}
	s, err := NewStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.CreateTables(context.Background()))
	return s
}

func TestUpsertWorksIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	author := "author-" + uuid.NewString()

	w := WorkRecord{Author: author, Title: "T", Year: 1999, Month: 3, Completeness: 50}
	require.NoError(t, s.UpsertWorks(ctx, []WorkRecord{w}))
	require.NoError(t, s.UpsertWorks(ctx, []WorkRecord{w}))

	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM works WHERE author = $1`, author).Scan(&count)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestSyntheticNeverDowngradesWork(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	author := "author-" + uuid.NewString()
	month := book.Month{Year: 1999, Month: 3}
	c := book.Candidate{Author: author, Title: "T"}

	require.NoError(t, s.UpsertWorks(ctx, []WorkRecord{ResolvedWork(c, month, 72)}))
	require.NoError(t, s.UpsertWorks(ctx, []WorkRecord{SyntheticWork(c, month)}))

	var synthetic bool
	var completeness int
	err := s.db.QueryRowContext(ctx,
		`SELECT synthetic, completeness FROM works WHERE author = $1 AND title = $2`,
		author, "T").Scan(&synthetic, &completeness)
	require.NoError(t, err)
	require.False(t, synthetic)
	require.Equal(t, 72, completeness)
}

func TestSyntheticUpgradedByResolvedWork(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	author := "author-" + uuid.NewString()
	month := book.Month{Year: 1999, Month: 3}
	c := book.Candidate{Author: author, Title: "T"}

	require.NoError(t, s.UpsertWorks(ctx, []WorkRecord{SyntheticWork(c, month)}))
	require.NoError(t, s.UpsertWorks(ctx, []WorkRecord{ResolvedWork(c, month, 72)}))

	var synthetic bool
	var completeness int
	err := s.db.QueryRowContext(ctx,
		`SELECT synthetic, completeness FROM works WHERE author = $1 AND title = $2`,
		author, "T").Scan(&synthetic, &completeness)
	require.NoError(t, err)
	require.False(t, synthetic)
	require.Equal(t, 72, completeness)
}

func TestUpsertEditionKeepsRicherRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	isbn := uuid.NewString()
	title := "T"

	rich := EditionRecord{
		ISBN: isbn, WorkAuthor: "A", WorkTitle: "T",
		Source: provider.NameISBNdb, Completeness: 60,
		Data: &book.EditionData{Title: &title},
	}
	poor := EditionRecord{
		ISBN: isbn, WorkAuthor: "A", WorkTitle: "T",
		Source: provider.NameWikidata, Completeness: 10,
		Data: &book.EditionData{},
	}

	tx, err := s.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, UpsertEdition(ctx, tx, rich))
	require.NoError(t, UpsertEdition(ctx, tx, poor))
	require.NoError(t, tx.Commit())

	var source string
	var completeness int
	err = s.db.QueryRowContext(ctx,
		`SELECT source, completeness FROM editions WHERE isbn = $1`, isbn).Scan(&source, &completeness)
	require.NoError(t, err)
	require.Equal(t, provider.NameISBNdb, source)
	require.Equal(t, 60, completeness)
}
