package backfill

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/akorhonen/bibfill/internal/book"
	"github.com/akorhonen/bibfill/internal/catalog"
	"github.com/akorhonen/bibfill/internal/config"
	"github.com/akorhonen/bibfill/internal/generate"
	"github.com/akorhonen/bibfill/internal/resolve"
)

// Resolver resolves a candidate batch. Satisfied by resolve.Orchestrator.
type Resolver interface {
	Batch(ctx context.Context, candidates []book.Candidate) ([]resolve.Outcome, resolve.BatchStats)
}

// WorkWriter persists work rows ahead of resolution. Satisfied by
// catalog.Store.
type WorkWriter interface {
	UpsertWorks(ctx context.Context, works []catalog.WorkRecord) error
}

// Scheduler drains pending units: sweep stale claims, claim, generate,
// persist, resolve, complete. Safe to run on any number of instances
// against the same database.
type Scheduler struct {
	units       UnitStore
	works       WorkWriter
	generator   generate.Generator
	resolver    Resolver
	instance    string
	staleAfter  time.Duration
	failBackoff time.Duration
	sleep       func(ctx context.Context, d time.Duration)
}

// NewScheduler creates a scheduler with a fresh instance identity.
func NewScheduler(units UnitStore, works WorkWriter, g generate.Generator, r Resolver) *Scheduler {
	return &Scheduler{
		units:       units,
		works:       works,
		generator:   g,
		resolver:    r,
		instance:    uuid.NewString(),
		staleAfter:  config.StaleClaimTimeout(),
		failBackoff: config.FailureBackoff(),
		sleep:       sleepContext,
	}
}

// Instance returns this scheduler's claim identity.
func (s *Scheduler) Instance() string {
	return s.instance
}

// Run processes units until no pending work remains or the context is
// cancelled. A single unit's failure is recorded and the loop continues;
// only store-level errors stop the run.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("Scheduler starting", "instance", s.instance)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		processed, err := s.RunOnce(ctx)
		if err != nil {
			return err
		}
		if !processed {
			slog.Info("No pending units remain", "instance", s.instance)
			return nil
		}
	}
}

// RunOnce sweeps stale claims and processes at most one unit. Returns false
// when no unit was available to claim.
func (s *Scheduler) RunOnce(ctx context.Context) (bool, error) {
	swept, err := s.units.SweepStale(ctx, s.staleAfter)
	if err != nil {
		slog.Warn("Stale claim sweep failed", "error", err)
	} else if swept > 0 {
		slog.Info("Reclaimed stale units", "count", swept)
	}

	unit, err := s.units.ClaimNext(ctx, s.instance)
	if err != nil {
		return false, err
	}
	if unit == nil {
		return false, nil
	}

	slog.Info("Claimed unit", "month", unit.Month.String(), "attempt", unit.RetryCount+1)
	if err := s.process(ctx, unit); err != nil {
		if errors.Is(err, ErrClaimLost) {
			// The sweep already charged this attempt and another instance
			// owns the unit now. Nothing to record.
			slog.Warn("Unit claim lost mid-processing", "month", unit.Month.String())
			return true, nil
		}
		slog.Error("Unit failed", "month", unit.Month.String(), "error", err)
		if failErr := s.units.Fail(ctx, unit, err); failErr != nil {
			return true, failErr
		}
		// The failed unit is pending again and would be the next claim. Back
		// off so a provider outage cannot burn the whole retry budget in one
		// tight loop.
		s.sleep(ctx, s.failBackoff)
	}
	return true, nil
}

// sleepContext waits for d or until the context is cancelled.
func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (s *Scheduler) process(ctx context.Context, unit *Unit) error {
	if err := s.units.MarkProcessing(ctx, unit); err != nil {
		return err
	}

	candidates, err := s.generator.Generate(ctx, unit.Month)
	if err != nil {
		return err
	}

	// Every candidate gets a work row before the first provider call, so a
	// crash mid-resolution loses nothing the generation paid for.
	synthetics := make([]catalog.WorkRecord, len(candidates))
	for i, c := range candidates {
		synthetics[i] = catalog.SyntheticWork(c, unit.Month)
	}
	if err := s.works.UpsertWorks(ctx, synthetics); err != nil {
		return err
	}

	outcomes, stats := s.resolver.Batch(ctx, candidates)
	result := buildResult(unit.Month, outcomes, stats)

	if err := s.units.Complete(ctx, unit, result); err != nil {
		return err
	}
	slog.Info("Unit completed",
		"month", unit.Month.String(),
		"candidates", stats.Candidates,
		"resolved", stats.Resolved,
		"unresolved", stats.Unresolved,
		"provider_calls", stats.TotalCalls())
	return nil
}

// buildResult turns resolution outcomes into the rows Complete persists.
// Unresolved candidates keep their synthetic rows from the pre-resolution
// write; resolved ones get a work upgrade plus an edition.
func buildResult(month book.Month, outcomes []resolve.Outcome, stats resolve.BatchStats) UnitResult {
	var works []catalog.WorkRecord
	var editions []catalog.EditionRecord
	for _, o := range outcomes {
		if !o.Resolved {
			continue
		}
		score := catalog.Completeness(o.Resolution.Data, o.Resolution.Source)
		works = append(works, catalog.ResolvedWork(o.Candidate, month, score))
		editions = append(editions, catalog.EditionRecord{
			ISBN:         o.Resolution.ISBN,
			WorkAuthor:   o.Candidate.Author,
			WorkTitle:    o.Candidate.Title,
			Source:       o.Resolution.Source,
			Completeness: score,
			Data:         o.Resolution.Data,
		})
	}
	return UnitResult{Works: works, Editions: editions, Stats: stats}
}
