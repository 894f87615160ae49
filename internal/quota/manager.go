// Package quota tracks daily call budgets for metered providers in Redis.
//
// Counters are keyed per provider per UTC day, so the budget resets
// implicitly at day rollover. The reserve path is a single Lua script doing
// check-and-increment in one step; no caller ever reads a count and
// increments it in separate operations.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// counterTTL keeps yesterday's counters around briefly for inspection while
// guaranteeing eventual cleanup.
const counterTTL = 48 * time.Hour

// reserveScript checks the effective limit and increments atomically.
// Returns the new count, or -1 when the reservation would exceed the limit.
var reserveScript = redis.NewScript(`
local used = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
local n = tonumber(ARGV[2])
if used + n > limit then
	return -1
end
used = redis.call('INCRBY', KEYS[1], n)
redis.call('EXPIRE', KEYS[1], ARGV[3])
return used
`)

// Limits is the static budget configuration for one provider.
type Limits struct {
	// Daily is the provider's hard daily call limit.
	Daily int64
	// SafetyBuffer is headroom reserved below the hard limit and never spent.
	SafetyBuffer int64
}

// Effective returns the spendable portion of the daily limit.
func (l Limits) Effective() int64 {
	e := l.Daily - l.SafetyBuffer
	if e < 0 {
		return 0
	}
	return e
}

// Reservation is the outcome of a TryReserve call.
type Reservation struct {
	Allowed bool
	// Reason explains a denial ("quota exhausted", "quota store unreachable: ...").
	Reason string
	// Used is the counter value after the reservation, when allowed.
	Used int64
}

// Usage is a point-in-time view of one provider's budget, for monitoring.
type Usage struct {
	Provider  string
	Used      int64
	Committed int64
	Limit     int64
	Effective int64
	ResetsAt  time.Time
}

// Manager tracks reservations against per-provider daily budgets.
type Manager struct {
	client *redis.Client
	limits map[string]Limits
	now    func() time.Time
}

// NewManager creates a quota manager for the given provider limits.
func NewManager(client *redis.Client, limits map[string]Limits) *Manager {
	return &Manager{
		client: client,
		limits: limits,
		now:    time.Now,
	}
}

// Metered reports whether the provider has a configured budget.
func (m *Manager) Metered(provider string) bool {
	_, ok := m.limits[provider]
	return ok
}

// TryReserve atomically reserves n calls against the provider's budget for
// the current UTC day. The check and the increment happen in one Redis
// script, so concurrent reservers can never jointly exceed the limit.
// If the counter store is unreachable the reservation is denied: cost
// control takes precedence over resolution completeness.
func (m *Manager) TryReserve(ctx context.Context, provider string, n int64) Reservation {
	limits, ok := m.limits[provider]
	if !ok {
		// Unmetered providers have nothing to reserve.
		return Reservation{Allowed: true}
	}

	used, err := reserveScript.Run(ctx, m.client,
		[]string{m.usedKey(provider)},
		limits.Effective(), n, int64(counterTTL.Seconds()),
	).Int64()
	if err != nil {
		slog.Warn("Quota store unreachable, denying reservation", "provider", provider, "error", err)
		return Reservation{Reason: fmt.Sprintf("quota store unreachable: %v", err)}
	}
	if used < 0 {
		return Reservation{Reason: "quota exhausted"}
	}
	return Reservation{Allowed: true, Used: used}
}

// Commit records n successful calls for the provider. Reservations are spent
// per attempted call and never rolled back; the committed counter exists only
// so CurrentUsage can show how many reserved calls actually succeeded.
func (m *Manager) Commit(ctx context.Context, provider string, n int64) error {
	if !m.Metered(provider) {
		return nil
	}
	pipe := m.client.TxPipeline()
	pipe.IncrBy(ctx, m.committedKey(provider), n)
	pipe.Expire(ctx, m.committedKey(provider), counterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("commit quota for %s: %w", provider, err)
	}
	return nil
}

// HasRemaining reports whether the provider still has budget for at least
// one call, without reserving anything. Used by the registry's availability
// filter. Fails closed like TryReserve.
func (m *Manager) HasRemaining(ctx context.Context, provider string) bool {
	limits, ok := m.limits[provider]
	if !ok {
		return true
	}
	used, err := m.client.Get(ctx, m.usedKey(provider)).Int64()
	if err == redis.Nil {
		used = 0
	} else if err != nil {
		slog.Warn("Quota store unreachable, treating provider as exhausted", "provider", provider, "error", err)
		return false
	}
	return used < limits.Effective()
}

// CurrentUsage returns the provider's budget state for the current UTC day.
func (m *Manager) CurrentUsage(ctx context.Context, provider string) (Usage, error) {
	limits, ok := m.limits[provider]
	if !ok {
		return Usage{}, fmt.Errorf("provider %s is not metered", provider)
	}

	used, err := m.client.Get(ctx, m.usedKey(provider)).Int64()
	if err == redis.Nil {
		used = 0
	} else if err != nil {
		return Usage{}, fmt.Errorf("read quota for %s: %w", provider, err)
	}

	committed, err := m.client.Get(ctx, m.committedKey(provider)).Int64()
	if err == redis.Nil {
		committed = 0
	} else if err != nil {
		return Usage{}, fmt.Errorf("read committed quota for %s: %w", provider, err)
	}

	return Usage{
		Provider:  provider,
		Used:      used,
		Committed: committed,
		Limit:     limits.Daily,
		Effective: limits.Effective(),
		ResetsAt:  m.nextReset(),
	}, nil
}

// Providers returns the metered provider names in stable order.
func (m *Manager) Providers() []string {
	names := make([]string, 0, len(m.limits))
	for name := range m.limits {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) day() string {
	return m.now().UTC().Format("20060102")
}

func (m *Manager) usedKey(provider string) string {
	return fmt.Sprintf("quota:%s:%s", provider, m.day())
}

func (m *Manager) committedKey(provider string) string {
	return fmt.Sprintf("quota:%s:%s:committed", provider, m.day())
}

func (m *Manager) nextReset() time.Time {
	now := m.now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}
