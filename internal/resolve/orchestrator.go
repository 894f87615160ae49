// Package resolve walks the provider cascade for batches of candidate books
// under the quota manager's budget.
package resolve

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/akorhonen/bibfill/internal/book"
	"github.com/akorhonen/bibfill/internal/provider"
	"github.com/akorhonen/bibfill/internal/quota"
	"github.com/akorhonen/bibfill/internal/ratelimit"
)

// Orchestrator resolves candidate batches against the provider registry.
// Per-candidate failures are absorbed into Unresolved outcomes; nothing in a
// batch propagates as an error.
type Orchestrator struct {
	registry *provider.Registry
	quota    *quota.Manager
	workers  int
}

// New creates an orchestrator with the given worker cap.
func New(registry *provider.Registry, q *quota.Manager, workers int) *Orchestrator {
	if workers < 1 {
		workers = 1
	}
	return &Orchestrator{registry: registry, quota: q, workers: workers}
}

// Batch resolves each candidate through the cascade and returns one outcome
// per candidate, in input order. An empty batch returns an empty slice
// without touching any provider or reserving quota.
func (o *Orchestrator) Batch(ctx context.Context, candidates []book.Candidate) ([]Outcome, BatchStats) {
	outcomes := make([]Outcome, len(candidates))
	if len(candidates) == 0 {
		return outcomes, Tally(outcomes, nil)
	}

	providers := o.registry.Available(ctx)

	// Shared batch state: a provider denied once is skipped for the rest of
	// the batch, and call counts feed the checkpoint stats.
	var mu sync.Mutex
	exhausted := make(map[string]bool)
	calls := make(map[string]int)

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < o.poolSize(providers); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				outcomes[i] = o.resolveOne(ctx, candidates[i], providers, &mu, exhausted, calls)
			}
		}()
	}
	for i := range candidates {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return outcomes, Tally(outcomes, calls)
}

// resolveOne walks the cascade for a single candidate, stopping at the first
// positive match. Rank order is the only tie-break: no cross-provider
// confidence comparison happens here.
func (o *Orchestrator) resolveOne(ctx context.Context, c book.Candidate, providers []provider.Provider, mu *sync.Mutex, exhausted map[string]bool, calls map[string]int) Outcome {
	if !hasPlausibleISBN(c) {
		slog.Debug("Candidate has no usable ISBN", "author", c.Author, "title", c.Title)
		return Outcome{Candidate: c}
	}

	for _, p := range providers {
		mu.Lock()
		skip := exhausted[p.Name()]
		mu.Unlock()
		if skip {
			continue
		}

		if p.Metered() {
			res := o.quota.TryReserve(ctx, p.Name(), 1)
			if !res.Allowed {
				slog.Info("Provider budget denied for batch", "provider", p.Name(), "reason", res.Reason)
				mu.Lock()
				exhausted[p.Name()] = true
				mu.Unlock()
				continue
			}
		}

		mu.Lock()
		calls[p.Name()]++
		mu.Unlock()

		resolution, err := p.Resolve(ctx, c)
		if err != nil {
			switch {
			case errors.Is(err, provider.ErrNotFound):
				slog.Debug("Provider has no match", "provider", p.Name(), "title", c.Title)
			case provider.IsTransient(err):
				slog.Warn("Provider call failed transiently", "provider", p.Name(), "title", c.Title, "error", err)
			default:
				slog.Warn("Provider call failed", "provider", p.Name(), "title", c.Title, "error", err)
			}
			continue
		}

		if p.Metered() {
			if err := o.quota.Commit(ctx, p.Name(), 1); err != nil {
				slog.Warn("Failed to commit quota", "provider", p.Name(), "error", err)
			}
		}
		return Outcome{Candidate: c, Resolved: true, Resolution: resolution}
	}

	return Outcome{Candidate: c}
}

// poolSize caps batch concurrency at the most restrictive provider's
// requests-per-second budget, so no in-flight batch can outrun the slowest
// provider it may touch.
func (o *Orchestrator) poolSize(providers []provider.Provider) int {
	rates := make([]float64, 0, len(providers))
	for _, p := range providers {
		rates = append(rates, p.RequestsPerSecond())
	}
	size := o.workers
	if rps := int(ratelimit.MostRestrictive(rates, float64(o.workers))); rps >= 1 && rps < size {
		size = rps
	}
	if size < 1 {
		size = 1
	}
	return size
}

func hasPlausibleISBN(c book.Candidate) bool {
	for _, isbn := range c.ISBNs {
		if book.PlausibleISBN(isbn) {
			return true
		}
	}
	return false
}
