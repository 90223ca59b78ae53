package round

import (
	"context"
	"log"
	"time"

	"github.com/parley-ai/parley/internal/domain"
	"github.com/parley-ai/parley/internal/infra/observability"
)

// runPreSearch executes the optional web-search stage under a hard timeout.
// Failure and timeout are non-blocking: the stage is marked done either way,
// the round proceeds without results, and the search is never retried
// mid-round.
func (c *Coordinator) runPreSearch(ctx context.Context, r *domain.Round) []domain.SearchResult {
	if err := c.checkpointPhase(r, domain.PhasePreSearch); err != nil {
		log.Printf("[round] pre-search checkpoint %s/%d: %v", r.ThreadID, r.Number, err)
		return nil
	}
	start := time.Now()
	defer func() {
		observability.PhaseDuration.WithLabelValues(string(domain.PhasePreSearch)).
			Observe(time.Since(start).Seconds())
	}()

	// Done is recorded regardless of outcome: the stage ran, the round moves on.
	defer func() {
		r.PreSearchDone = true
		if err := c.db.SetPreSearchDone(r.ThreadID, r.Number); err != nil {
			log.Printf("[round] pre-search done %s/%d: %v", r.ThreadID, r.Number, err)
		}
	}()

	if c.searcher == nil || r.SearchQuery == "" {
		observability.PreSearchOutcomes.WithLabelValues("skipped").Inc()
		return nil
	}

	searchCtx, cancel := context.WithTimeout(ctx, c.cfg.PreSearchTimeout)
	defer cancel()

	results, err := c.searcher.Search(searchCtx, r.SearchQuery, c.cfg.SearchLimit)
	if err != nil {
		outcome := "error"
		if searchCtx.Err() == context.DeadlineExceeded {
			outcome = "timeout"
		}
		observability.PreSearchOutcomes.WithLabelValues(outcome).Inc()
		log.Printf("[round] pre-search %s %s/%d: %v", outcome, r.ThreadID, r.Number, err)
		return nil
	}
	observability.PreSearchOutcomes.WithLabelValues("complete").Inc()
	return results
}
