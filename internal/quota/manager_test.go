package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, limits map[string]Limits) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewManager(client, limits), mr
}

func TestTryReserveWithinLimit(t *testing.T) {
	m, _ := newTestManager(t, map[string]Limits{"isbndb": {Daily: 10, SafetyBuffer: 2}})

	res := m.TryReserve(context.Background(), "isbndb", 1)
	require.True(t, res.Allowed)
	require.Equal(t, int64(1), res.Used)
}

func TestTryReserveDeniesAtEffectiveLimit(t *testing.T) {
	m, _ := newTestManager(t, map[string]Limits{"isbndb": {Daily: 10, SafetyBuffer: 8}})
	ctx := context.Background()

	// Effective limit is 2: two reservations pass, the third is denied.
	require.True(t, m.TryReserve(ctx, "isbndb", 1).Allowed)
	require.True(t, m.TryReserve(ctx, "isbndb", 1).Allowed)

	res := m.TryReserve(ctx, "isbndb", 1)
	require.False(t, res.Allowed)
	require.Equal(t, "quota exhausted", res.Reason)
}

func TestTryReserveUnmeteredProvider(t *testing.T) {
	m, mr := newTestManager(t, map[string]Limits{})

	res := m.TryReserve(context.Background(), "openlibrary", 1)
	require.True(t, res.Allowed)
	// No counter should exist for unmetered providers.
	require.Empty(t, mr.Keys())
}

func TestTryReserveFailsClosedWhenStoreDown(t *testing.T) {
	m, mr := newTestManager(t, map[string]Limits{"isbndb": {Daily: 10}})
	mr.Close()

	res := m.TryReserve(context.Background(), "isbndb", 1)
	require.False(t, res.Allowed)
	require.Contains(t, res.Reason, "quota store unreachable")
	require.False(t, m.HasRemaining(context.Background(), "isbndb"))
}

func TestConcurrentReserversNeverExceedLimit(t *testing.T) {
	const limit = 50
	m, _ := newTestManager(t, map[string]Limits{"isbndb": {Daily: limit}})
	ctx := context.Background()

	var wg sync.WaitGroup
	allowed := make(chan struct{}, 200)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.TryReserve(ctx, "isbndb", 1).Allowed {
				allowed <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(allowed)

	count := 0
	for range allowed {
		count++
	}
	require.Equal(t, limit, count)

	usage, err := m.CurrentUsage(ctx, "isbndb")
	require.NoError(t, err)
	require.Equal(t, int64(limit), usage.Used)
}

func TestCommitTracksSeparately(t *testing.T) {
	m, _ := newTestManager(t, map[string]Limits{"isbndb": {Daily: 10}})
	ctx := context.Background()

	require.True(t, m.TryReserve(ctx, "isbndb", 1).Allowed)
	require.True(t, m.TryReserve(ctx, "isbndb", 1).Allowed)
	require.NoError(t, m.Commit(ctx, "isbndb", 1))

	usage, err := m.CurrentUsage(ctx, "isbndb")
	require.NoError(t, err)
	require.Equal(t, int64(2), usage.Used)
	require.Equal(t, int64(1), usage.Committed)
	require.Equal(t, int64(10), usage.Limit)
}

func TestDayRolloverResetsBudget(t *testing.T) {
	m, _ := newTestManager(t, map[string]Limits{"isbndb": {Daily: 1}})
	ctx := context.Background()

	day := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return day }

	require.True(t, m.TryReserve(ctx, "isbndb", 1).Allowed)
	require.False(t, m.TryReserve(ctx, "isbndb", 1).Allowed)

	// Next day: the counter key changes and the budget is fresh.
	m.now = func() time.Time { return day.Add(24 * time.Hour) }
	require.True(t, m.TryReserve(ctx, "isbndb", 1).Allowed)
}

func TestCurrentUsageResetsAtMidnightUTC(t *testing.T) {
	m, _ := newTestManager(t, map[string]Limits{"isbndb": {Daily: 10}})
	m.now = func() time.Time { return time.Date(2026, 8, 29, 15, 30, 0, 0, time.UTC) }

	usage, err := m.CurrentUsage(context.Background(), "isbndb")
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC), usage.ResetsAt)
}

func TestEffectiveNeverNegative(t *testing.T) {
	l := Limits{Daily: 100, SafetyBuffer: 500}
	require.Equal(t, int64(0), l.Effective())
}

func TestHasRemainingDoesNotReserve(t *testing.T) {
	m, _ := newTestManager(t, map[string]Limits{"isbndb": {Daily: 1}})
	ctx := context.Background()

	require.True(t, m.HasRemaining(ctx, "isbndb"))
	require.True(t, m.HasRemaining(ctx, "isbndb"))

	// The checks above consumed nothing.
	res := m.TryReserve(ctx, "isbndb", 1)
	require.True(t, res.Allowed)
	require.False(t, m.HasRemaining(ctx, "isbndb"))
}
