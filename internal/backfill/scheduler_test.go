package backfill

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/akorhonen/bibfill/internal/book"
	"github.com/akorhonen/bibfill/internal/catalog"
	"github.com/akorhonen/bibfill/internal/generate"
	"github.com/akorhonen/bibfill/internal/provider"
	"github.com/akorhonen/bibfill/internal/resolve"
)

type fakeStore struct {
	mu         sync.Mutex
	units      map[book.Month]*Unit
	results    map[book.Month]UnitResult
	maxRetries int
	sweeps     int
	markErr    error
}

func newFakeStore(months ...book.Month) *fakeStore {
	s := &fakeStore{
		units:      make(map[book.Month]*Unit),
		results:    make(map[book.Month]UnitResult),
		maxRetries: 5,
	}
	for _, m := range months {
		s.units[m] = &Unit{Month: m, Status: StatusPending}
	}
	return s
}

func (s *fakeStore) EnsureRange(_ context.Context, fromYear, toYear int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for year := fromYear; year <= toYear; year++ {
		for month := 1; month <= 12; month++ {
			m := book.Month{Year: year, Month: month}
			if _, ok := s.units[m]; !ok {
				s.units[m] = &Unit{Month: m, Status: StatusPending}
			}
		}
	}
	return nil
}

func (s *fakeStore) ClaimNext(_ context.Context, instance string) (*Unit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []book.Month
	for m, u := range s.units {
		if u.Status == StatusPending {
			pending = append(pending, m)
		}
	}
	if len(pending) == 0 {
		return nil, nil
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Year != pending[j].Year {
			return pending[i].Year < pending[j].Year
		}
		return pending[i].Month < pending[j].Month
	})
	u := s.units[pending[0]]
	u.Status = StatusClaimed
	u.ClaimedBy = instance
	copied := *u
	return &copied, nil
}

func (s *fakeStore) MarkProcessing(_ context.Context, u *Unit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markErr != nil {
		return s.markErr
	}
	s.units[u.Month].Status = StatusProcessing
	return nil
}

func (s *fakeStore) Complete(_ context.Context, u *Unit, result UnitResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.units[u.Month].Status = StatusCompleted
	s.results[u.Month] = result
	return nil
}

func (s *fakeStore) Fail(_ context.Context, u *Unit, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.units[u.Month]
	stored.RetryCount++
	stored.LastError = cause.Error()
	if stored.RetryCount >= s.maxRetries {
		stored.Status = StatusFailed
	} else {
		stored.Status = StatusPending
	}
	return nil
}

func (s *fakeStore) SweepStale(_ context.Context, _ time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweeps++
	return 0, nil
}

func (s *fakeStore) Stats(_ context.Context, _ int) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats Stats
	for _, u := range s.units {
		switch u.Status {
		case StatusPending:
			stats.Pending++
		case StatusClaimed:
			stats.Claimed++
		case StatusProcessing:
			stats.Processing++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

type fakeWorks struct {
	mu     sync.Mutex
	rows   []catalog.WorkRecord
	events *[]string
	err    error
}

func (f *fakeWorks) UpsertWorks(_ context.Context, works []catalog.WorkRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.rows = append(f.rows, works...)
	if f.events != nil {
		*f.events = append(*f.events, "persist")
	}
	return nil
}

type fakeResolver struct {
	mu      sync.Mutex
	events  *[]string
	outcome func(c book.Candidate) resolve.Outcome
}

func (f *fakeResolver) Batch(_ context.Context, candidates []book.Candidate) ([]resolve.Outcome, resolve.BatchStats) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.events != nil {
		*f.events = append(*f.events, "resolve")
	}
	outcomes := make([]resolve.Outcome, len(candidates))
	for i, c := range candidates {
		if f.outcome != nil {
			outcomes[i] = f.outcome(c)
		} else {
			outcomes[i] = resolve.Outcome{Candidate: c}
		}
	}
	return outcomes, resolve.Tally(outcomes, nil)
}

func resolvedOutcome(c book.Candidate) resolve.Outcome {
	title := c.Title
	return resolve.Outcome{
		Candidate: c,
		Resolved:  true,
		Resolution: &provider.Resolution{
			ISBN:   c.ISBNs[0],
			Source: provider.NameOpenLibrary,
			Data:   &book.EditionData{Title: &title},
		},
	}
}

func testCandidates() []book.Candidate {
	return []book.Candidate{
		{Author: "Homer", Title: "The Odyssey", ISBNs: []string{"9780140447934"}},
		{Author: "Anon", Title: "Lost Work"},
	}
}

func TestSchedulerDrainsAllPendingUnits(t *testing.T) {
	store := newFakeStore(
		book.Month{Year: 1999, Month: 1},
		book.Month{Year: 1999, Month: 2},
		book.Month{Year: 1999, Month: 3},
	)
	works := &fakeWorks{}
	s := NewScheduler(store, works,
		&generate.Fixed{Candidates: testCandidates()},
		&fakeResolver{outcome: func(c book.Candidate) resolve.Outcome {
			if len(c.ISBNs) > 0 {
				return resolvedOutcome(c)
			}
			return resolve.Outcome{Candidate: c}
		}})

	require.NoError(t, s.Run(context.Background()))

	stats, err := store.Stats(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 3, stats.Completed)
	require.Equal(t, 0, stats.Pending)
	// Sweep runs once per claim attempt, including the final empty one.
	require.Equal(t, 4, store.sweeps)

	result := store.results[book.Month{Year: 1999, Month: 1}]
	require.Len(t, result.Editions, 1)
	require.Equal(t, "9780140447934", result.Editions[0].ISBN)
	require.Len(t, result.Works, 1)
	require.False(t, result.Works[0].Synthetic)
}

func TestSchedulerPersistsWorksBeforeResolution(t *testing.T) {
	var events []string
	store := newFakeStore(book.Month{Year: 1999, Month: 1})
	works := &fakeWorks{events: &events}
	s := NewScheduler(store, works,
		&generate.Fixed{Candidates: testCandidates()},
		&fakeResolver{events: &events})

	require.NoError(t, s.Run(context.Background()))
	require.Equal(t, []string{"persist", "resolve"}, events)

	// Both candidates left synthetic rows even though neither resolved.
	require.Len(t, works.rows, 2)
	for _, w := range works.rows {
		require.True(t, w.Synthetic)
		require.Equal(t, catalog.SyntheticCompleteness, w.Completeness)
	}
}

func TestSchedulerResolutionFailureIsNotUnitFailure(t *testing.T) {
	store := newFakeStore(book.Month{Year: 1999, Month: 1})
	s := NewScheduler(store, &fakeWorks{},
		&generate.Fixed{Candidates: testCandidates()},
		&fakeResolver{}) // nothing resolves

	require.NoError(t, s.Run(context.Background()))
	require.Equal(t, StatusCompleted, store.units[book.Month{Year: 1999, Month: 1}].Status)

	result := store.results[book.Month{Year: 1999, Month: 1}]
	require.Empty(t, result.Editions)
	require.Equal(t, 2, result.Stats.Unresolved)
}

func TestSchedulerGenerationFailureRetriesUntilBound(t *testing.T) {
	month := book.Month{Year: 1999, Month: 1}
	store := newFakeStore(month)
	s := NewScheduler(store, &fakeWorks{},
		&generate.Fixed{Err: errors.New("model unavailable")},
		&fakeResolver{})

	require.NoError(t, s.Run(context.Background()))

	u := store.units[month]
	require.Equal(t, StatusFailed, u.Status)
	require.Equal(t, 5, u.RetryCount)
	require.Contains(t, u.LastError, "model unavailable")
}

func TestSchedulerPersistenceFailureFailsUnit(t *testing.T) {
	month := book.Month{Year: 1999, Month: 1}
	store := newFakeStore(month)
	s := NewScheduler(store, &fakeWorks{err: errors.New("disk full")},
		&generate.Fixed{Candidates: testCandidates()},
		&fakeResolver{})

	require.NoError(t, s.Run(context.Background()))
	require.Equal(t, StatusFailed, store.units[month].Status)
}

func TestSchedulerStopsOnContextCancel(t *testing.T) {
	store := newFakeStore(book.Month{Year: 1999, Month: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewScheduler(store, &fakeWorks{},
		&generate.Fixed{Candidates: testCandidates()},
		&fakeResolver{})
	require.ErrorIs(t, s.Run(ctx), context.Canceled)
	require.Equal(t, StatusPending, store.units[book.Month{Year: 1999, Month: 1}].Status)
}

func TestSchedulerClaimLossIsNotCharged(t *testing.T) {
	month := book.Month{Year: 1999, Month: 1}
	store := newFakeStore(month)
	store.markErr = fmt.Errorf("unit %s: %w", month, ErrClaimLost)

	s := NewScheduler(store, &fakeWorks{},
		&generate.Fixed{Candidates: testCandidates()},
		&fakeResolver{})
	processed, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, processed)

	// The deposed instance records nothing: no Fail, no retry charge.
	require.Equal(t, 0, store.units[month].RetryCount)
	require.Empty(t, store.units[month].LastError)
}

func TestSchedulerBacksOffAfterFailedUnit(t *testing.T) {
	store := newFakeStore(book.Month{Year: 1999, Month: 1})
	s := NewScheduler(store, &fakeWorks{},
		&generate.Fixed{Err: errors.New("model unavailable")},
		&fakeResolver{})

	var slept []time.Duration
	s.failBackoff = 15 * time.Second
	s.sleep = func(_ context.Context, d time.Duration) { slept = append(slept, d) }

	require.NoError(t, s.Run(context.Background()))

	// One backoff per failed attempt, so an outage cannot burn the retry
	// budget in a tight loop.
	require.Len(t, slept, 5)
	for _, d := range slept {
		require.Equal(t, 15*time.Second, d)
	}
}

func TestSchedulerNoBackoffAfterSuccess(t *testing.T) {
	store := newFakeStore(book.Month{Year: 1999, Month: 1})
	s := NewScheduler(store, &fakeWorks{},
		&generate.Fixed{Candidates: testCandidates()},
		&fakeResolver{})

	var slept []time.Duration
	s.failBackoff = 15 * time.Second
	s.sleep = func(_ context.Context, d time.Duration) { slept = append(slept, d) }

	require.NoError(t, s.Run(context.Background()))
	require.Empty(t, slept)
}

func TestSchedulerInstanceIdentitiesDiffer(t *testing.T) {
	store := newFakeStore()
	a := NewScheduler(store, &fakeWorks{}, &generate.Fixed{}, &fakeResolver{})
	b := NewScheduler(store, &fakeWorks{}, &generate.Fixed{}, &fakeResolver{})
	require.NotEmpty(t, a.Instance())
	require.NotEqual(t, a.Instance(), b.Instance())
}
