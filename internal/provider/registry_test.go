package provider

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/akorhonen/bibfill/internal/book"
	"github.com/akorhonen/bibfill/internal/cache"
	"github.com/akorhonen/bibfill/internal/quota"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

// fakeProvider is an injectable provider for registry and orchestrator tests.
type fakeProvider struct {
	name      string
	priority  int
	metered   bool
	available bool
	resolve   func(ctx context.Context, c book.Candidate) (*Resolution, error)
}

func (f *fakeProvider) Name() string                           { return f.name }
func (f *fakeProvider) Priority() int                          { return f.priority }
func (f *fakeProvider) Metered() bool                          { return f.metered }
func (f *fakeProvider) RequestsPerSecond() float64             { return 10 }
func (f *fakeProvider) Available(ctx context.Context) bool     { return f.available }
func (f *fakeProvider) Resolve(ctx context.Context, c book.Candidate) (*Resolution, error) {
	if f.resolve != nil {
		return f.resolve(ctx, c)
	}
	return nil, ErrNotFound
}

func setupCache(t *testing.T) {
	t.Helper()
	require.NoError(t, cache.ResetGlobalCache())
	viper.Set("cache.dbfile", filepath.Join(t.TempDir(), "cache.db"))
	t.Cleanup(func() {
		_ = cache.ResetGlobalCache()
		viper.Set("cache.dbfile", "")
	})
}

func newTestQuota(t *testing.T, limits map[string]quota.Limits) *quota.Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return quota.NewManager(client, limits)
}

func TestRegistryOrdersByPriority(t *testing.T) {
	a := &fakeProvider{name: "free", priority: 2, available: true}
	b := &fakeProvider{name: "paid", priority: 0, available: true}
	c := &fakeProvider{name: "mid", priority: 1, available: true}

	r := NewRegistry(a, b, c)

	names := make([]string, 0, 3)
	for _, p := range r.All() {
		names = append(names, p.Name())
	}
	require.Equal(t, []string{"paid", "mid", "free"}, names)
}

func TestRegistryFiltersUnavailable(t *testing.T) {
	a := &fakeProvider{name: "down", priority: 0, available: false}
	b := &fakeProvider{name: "up", priority: 1, available: true}

	r := NewRegistry(a, b)
	available := r.Available(context.Background())
	require.Len(t, available, 1)
	require.Equal(t, "up", available[0].Name())
}

func TestRealProvidersCascadeOrder(t *testing.T) {
	q := newTestQuota(t, map[string]quota.Limits{
		NameISBNdb:      {Daily: 100},
		NameGoogleBooks: {Daily: 100},
	})

	r := NewRegistry(NewWikidata(), NewGoogleBooks(q), NewOpenLibrary(), NewISBNdb(q))

	names := make([]string, 0, 4)
	for _, p := range r.All() {
		names = append(names, p.Name())
	}
	require.Equal(t, []string{NameISBNdb, NameOpenLibrary, NameGoogleBooks, NameWikidata}, names)
}

func TestISBNdbUnavailableWithoutKey(t *testing.T) {
	viper.Set("isbndb.api_key", "")
	t.Cleanup(func() { viper.Set("isbndb.api_key", "") })

	q := newTestQuota(t, map[string]quota.Limits{NameISBNdb: {Daily: 100}})
	p := NewISBNdb(q)
	require.False(t, p.Available(context.Background()))

	viper.Set("isbndb.api_key", "secret")
	require.True(t, p.Available(context.Background()))
}

func TestMeteredProviderUnavailableWhenExhausted(t *testing.T) {
	viper.Set("isbndb.api_key", "secret")
	t.Cleanup(func() { viper.Set("isbndb.api_key", "") })

	q := newTestQuota(t, map[string]quota.Limits{NameISBNdb: {Daily: 1}})
	p := NewISBNdb(q)

	require.True(t, p.Available(context.Background()))
	require.True(t, q.TryReserve(context.Background(), NameISBNdb, 1).Allowed)
	require.False(t, p.Available(context.Background()))
}
