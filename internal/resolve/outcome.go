package resolve

import (
	"github.com/akorhonen/bibfill/internal/book"
	"github.com/akorhonen/bibfill/internal/provider"
)

// Outcome is the result of resolving one candidate. It is the single typed
// schema shared between the orchestrator and the backfill log writer; the
// counts the operator sees are computed from these values, never from a
// parallel set of field definitions.
type Outcome struct {
	Candidate  book.Candidate
	Resolved   bool
	Resolution *provider.Resolution // nil when unresolved
}

// BatchStats aggregates one batch for checkpointing and monitoring.
type BatchStats struct {
	Candidates    int
	Resolved      int
	Unresolved    int
	ProviderCalls map[string]int
}

// Tally computes batch statistics from outcomes and per-provider call counts.
func Tally(outcomes []Outcome, calls map[string]int) BatchStats {
	stats := BatchStats{
		Candidates:    len(outcomes),
		ProviderCalls: calls,
	}
	if stats.ProviderCalls == nil {
		stats.ProviderCalls = make(map[string]int)
	}
	for _, o := range outcomes {
		if o.Resolved {
			stats.Resolved++
		} else {
			stats.Unresolved++
		}
	}
	return stats
}

// TotalCalls returns the number of provider calls made across the batch.
func (s BatchStats) TotalCalls() int {
	total := 0
	for _, n := range s.ProviderCalls {
		total += n
	}
	return total
}
