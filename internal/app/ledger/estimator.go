package ledger

import "github.com/parley-ai/parley/internal/domain"

// ─── Cost Estimator ─────────────────────────────────────────────────────────
// The exact token/dollar pricing formula is provider territory; the ledger
// only needs a reservation large enough to cover the round. Estimation is
// therefore pluggable (domain.CostEstimator) and the default below is a
// deliberately simple per-token rate with flat stage costs.

// Estimator is the default reservation sizer.
type Estimator struct {
	CreditsPer1KTokens int64 // per participant/moderator output allocation
	SearchCost         int64 // flat cost of the pre-search stage
	DefaultMaxTokens   int   // when the request does not cap output
	MaxPerRequest      int64 // hard per-request ceiling (tier cost cap)
}

// DefaultEstimator returns the production defaults. 1 credit ≈ $0.001, so
// MaxPerRequest of 100 enforces the $0.10/request model cost cap.
func DefaultEstimator() *Estimator {
	return &Estimator{
		CreditsPer1KTokens: 100,
		SearchCost:         10,
		DefaultMaxTokens:   2048,
		MaxPerRequest:      100,
	}
}

// EstimateRound sizes the hold for one round: one generation per enabled
// participant, a moderator pass when more than one participant is enabled,
// and the search stage when requested.
func (e *Estimator) EstimateRound(participants []domain.Participant, opts domain.RoundOptions) int64 {
	maxTokens := opts.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = e.DefaultMaxTokens
	}

	perGeneration := int64(maxTokens) * e.CreditsPer1KTokens / 1000
	if perGeneration > e.MaxPerRequest {
		perGeneration = e.MaxPerRequest
	}
	if perGeneration < 1 {
		perGeneration = 1
	}

	enabled := int64(0)
	for _, p := range participants {
		if p.Enabled {
			enabled++
		}
	}
	total := enabled * perGeneration
	if enabled > 1 {
		total += perGeneration // moderator synthesis
	}
	if opts.WebSearch {
		total += e.SearchCost
	}
	return total
}

// ActualCost prices the real usage of a finished round for finalization. The
// ledger caps the final deduction at the reserved amount, so an estimate that
// ran high here can never over-charge the hold.
func (e *Estimator) ActualCost(outputTokens int, searched bool) int64 {
	cost := int64(outputTokens) * e.CreditsPer1KTokens / 1000
	if outputTokens > 0 && cost < 1 {
		cost = 1
	}
	if searched {
		cost += e.SearchCost
	}
	return cost
}
