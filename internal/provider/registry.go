package provider

import (
	"context"
	"log/slog"
	"sort"
)

// Registry holds the resolution providers in fixed cascade order.
// Order is configuration, not per-call re-ranking: paid, high-accuracy
// sources rank first and free sources catch the fall-through, with cost
// bounded by the quota manager rather than by ordering tricks.
type Registry struct {
	providers []Provider
}

// NewRegistry creates a registry with the providers sorted by priority.
func NewRegistry(providers ...Provider) *Registry {
	sorted := make([]Provider, len(providers))
	copy(sorted, providers)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() < sorted[j].Priority()
	})
	return &Registry{providers: sorted}
}

// All returns every registered provider in cascade order.
func (r *Registry) All() []Provider {
	return r.providers
}

// Available returns the providers usable right now, in cascade order.
// Unavailable providers (missing credentials, exhausted quota) are filtered
// out; nothing is reserved by this check.
func (r *Registry) Available(ctx context.Context) []Provider {
	available := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		if p.Available(ctx) {
			available = append(available, p)
		} else {
			slog.Debug("Provider unavailable", "provider", p.Name())
		}
	}
	return available
}
