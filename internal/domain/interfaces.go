package domain

import "context"

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// ChatRequest holds the prompt context for one participant or moderator turn.
type ChatRequest struct {
	Model         string         `json:"model"`
	System        string         `json:"system,omitempty"`
	Messages      []Message      `json:"messages,omitempty"`
	SearchContext []SearchResult `json:"search_context,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
}

// Token is a single streamed fragment from a provider.
type Token struct {
	Text         string `json:"text"`
	Done         bool   `json:"done"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// Provider abstracts the AI backend that generates participant and moderator
// responses. The returned channel is closed after the Done token; a mid-stream
// failure surfaces as an error on the Done token's FinishReason or, for
// transport loss, through the channel closing without a Done token.
type Provider interface {
	Stream(ctx context.Context, req ChatRequest) (<-chan Token, error)
}

// Searcher abstracts the optional pre-search stage run before participants.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}

// CostEstimator sizes the credit reservation for a round and prices the
// actual usage at finalize time. The exact cost formula is deliberately
// pluggable; only the tier ceilings are fixed policy.
type CostEstimator interface {
	EstimateRound(participants []Participant, opts RoundOptions) int64
	ActualCost(outputTokens int, searched bool) int64
}
