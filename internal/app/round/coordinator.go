// Package round is the round execution engine: the phase state machine that
// sequences pre-search, participants, and moderator, checkpoints every
// transition durably, and finalizes or releases the round's credit hold on
// the outcome.
//
// The coordinator:
//  1. Loads the persisted checkpoint and recomputes completion (idempotent)
//  2. Runs pre-search under a hard timeout, never blocking on failure
//  3. Streams participants strictly one at a time in priority order
//  4. Runs the moderator synthesis once every participant is terminal
//  5. Finalizes the reservation on success, releases it on abandonment
//
// A round's lifetime is the thread/round, not the HTTP connection that
// started it: the Runner executes the coordinator detached from the request,
// so a client disconnect never stalls a round.
package round

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/parley-ai/parley/internal/domain"
	"github.com/parley-ai/parley/internal/infra/observability"
	"github.com/parley-ai/parley/internal/infra/sqlite"
)

// Config controls coordinator behavior.
type Config struct {
	PreSearchTimeout time.Duration // hard ceiling on the pre-search stage (default: 10s)
	SearchLimit      int           // max search results handed to participants (default: 5)
	MaxConcurrent    int           // concurrent background rounds (default: 4)
}

// DefaultConfig returns safe coordinator defaults.
func DefaultConfig() Config {
	return Config{
		PreSearchTimeout: 10 * time.Second,
		SearchLimit:      5,
		MaxConcurrent:    4,
	}
}

// Coordinator drives one round through its phases.
type Coordinator struct {
	cfg       Config
	db        *sqlite.DB
	ledger    creditLedger
	provider  domain.Provider
	searcher  domain.Searcher
	estimator domain.CostEstimator
	hub       *Hub
}

// creditLedger is the slice of the credit ledger the coordinator consumes. It
// never reserves; the caller holds a reservation before the coordinator runs.
type creditLedger interface {
	Finalize(reservationID string, actual int64) error
	Release(reservationID string) error
}

// NewCoordinator creates a round coordinator. The searcher may be nil when
// pre-search is not offered; hub may be nil to disable the live feed.
func NewCoordinator(cfg Config, db *sqlite.DB, lg creditLedger, provider domain.Provider,
	searcher domain.Searcher, estimator domain.CostEstimator, hub *Hub) *Coordinator {
	if cfg.PreSearchTimeout <= 0 {
		cfg.PreSearchTimeout = 10 * time.Second
	}
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = 5
	}
	if hub == nil {
		hub = NewHub()
	}
	return &Coordinator{
		cfg:       cfg,
		db:        db,
		ledger:    lg,
		provider:  provider,
		searcher:  searcher,
		estimator: estimator,
		hub:       hub,
	}
}

// Run executes a round to completion. Idempotent: a round that is already
// complete returns immediately, and a round interrupted mid-way resumes from
// its checkpoint — already-terminal participants are never re-run.
func (c *Coordinator) Run(ctx context.Context, threadID string, number int) error {
	r, err := c.db.GetRound(threadID, number)
	if err != nil {
		return err
	}

	if domain.RoundComplete(r.Participants, r.ModeratorMessageID != "") {
		// Checkpoint may lag the evidence after a crash between the final
		// message write and the phase write. Settle the hold before the
		// phase repair: stamping complete first would hide the round from
		// the resume sweep with its reservation still held.
		if err := c.settle(r); err != nil {
			return err
		}
		if r.Phase != domain.PhaseComplete {
			return c.db.UpdateRoundPhase(threadID, number, domain.PhaseComplete)
		}
		return nil
	}
	if r.Canceled {
		return c.finishCanceled(r)
	}

	observability.RoundsStarted.Inc()
	observability.RoundsActive.Inc()
	defer observability.RoundsActive.Dec()

	// Pre-search: bounded, non-blocking, never retried mid-round.
	var search []domain.SearchResult
	if r.PreSearchRequested && !r.PreSearchDone {
		search = c.runPreSearch(ctx, &r)
	}

	if err := c.checkpointPhase(&r, domain.PhaseParticipants); err != nil {
		return err
	}
	if err := c.runParticipants(ctx, &r, search); err != nil {
		return c.abort(r, err)
	}

	if len(r.Participants) > 1 && r.ModeratorMessageID == "" {
		if err := c.checkpointPhase(&r, domain.PhaseModerator); err != nil {
			return err
		}
		if err := c.runModerator(ctx, &r); err != nil {
			return c.abort(r, err)
		}
	}

	if err := c.settle(r); err != nil {
		// Completion evidence is already durable, but the phase must stay
		// short of complete so the resume sweep retries the settlement.
		log.Printf("[round] finalize %s/%d: %v", r.ThreadID, r.Number, err)
		return err
	}
	if err := c.checkpointPhase(&r, domain.PhaseComplete); err != nil {
		return err
	}
	observability.RoundsCompleted.Inc()
	c.hub.Broadcast(Event{
		Type:        "completed",
		ThreadID:    r.ThreadID,
		RoundNumber: r.Number,
		Phase:       string(domain.PhaseComplete),
	})
	log.Printf("[round] complete %s/%d", r.ThreadID, r.Number)
	return nil
}

// settle finalizes the round's hold at the actual cost recomputed from its
// persisted messages. Idempotent: an already-resolved reservation is a no-op
// inside the ledger.
func (c *Coordinator) settle(r domain.Round) error {
	if r.ReservationID == "" {
		return nil
	}
	actual := c.estimator.ActualCost(c.roundOutputTokens(r), r.PreSearchRequested)
	return c.ledger.Finalize(r.ReservationID, actual)
}

// abort handles the two ways a round stops early: user cancellation (release
// the hold, checkpoint complete, keep terminal participants) and everything
// else (release on a transport loss, otherwise leave the hold for the resumed
// run to finalize).
func (c *Coordinator) abort(r domain.Round, cause error) error {
	fresh, err := c.db.GetRound(r.ThreadID, r.Number)
	if err == nil && fresh.Canceled {
		return c.finishCanceled(fresh)
	}
	if errors.Is(cause, domain.ErrNetworkInterruption) {
		// Never leave a dangling reservation behind a dead stream. The
		// resumed run completes the round; its finalize is then a no-op.
		if r.ReservationID != "" {
			if err := c.ledger.Release(r.ReservationID); err != nil {
				log.Printf("[round] release %s/%d: %v", r.ThreadID, r.Number, err)
			}
		}
	}
	return cause
}

// finishCanceled settles a canceled round: the hold is released, terminal
// participants keep their state, and the round checkpoints complete.
func (c *Coordinator) finishCanceled(r domain.Round) error {
	if r.ReservationID != "" {
		if err := c.ledger.Release(r.ReservationID); err != nil {
			return err
		}
	}
	if err := c.db.UpdateRoundPhase(r.ThreadID, r.Number, domain.PhaseComplete); err != nil {
		return err
	}
	observability.RoundsCanceled.Inc()
	c.hub.Broadcast(Event{
		Type:        "canceled",
		ThreadID:    r.ThreadID,
		RoundNumber: r.Number,
	})
	log.Printf("[round] canceled %s/%d", r.ThreadID, r.Number)
	return nil
}

// checkpointPhase durably records a phase transition before the coordinator
// proceeds, then announces it on the live feed.
func (c *Coordinator) checkpointPhase(r *domain.Round, phase domain.Phase) error {
	if r.Phase == phase {
		return nil
	}
	if err := c.db.UpdateRoundPhase(r.ThreadID, r.Number, phase); err != nil {
		return err
	}
	r.Phase = phase
	c.hub.Broadcast(Event{
		Type:        "phase",
		ThreadID:    r.ThreadID,
		RoundNumber: r.Number,
		Phase:       string(phase),
	})
	return nil
}

// roundOutputTokens approximates the generated output of a round from its
// persisted assistant and moderator messages, so the finalized cost is
// recomputable from durable state alone.
func (c *Coordinator) roundOutputTokens(r domain.Round) int {
	msgs, err := c.db.RoundMessages(r.ThreadID, r.Number)
	if err != nil {
		log.Printf("[round] count output %s/%d: %v", r.ThreadID, r.Number, err)
		return 0
	}
	tokens := 0
	for _, m := range msgs {
		if m.Role == domain.RoleUser || m.ErrorFlag {
			continue
		}
		// ~4 characters per token.
		tokens += (len(m.Content) + 3) / 4
	}
	return tokens
}

// canceled reloads the cancellation flag between suspension points.
func (c *Coordinator) canceled(r *domain.Round) bool {
	fresh, err := c.db.GetRound(r.ThreadID, r.Number)
	if err != nil {
		return false
	}
	r.Canceled = fresh.Canceled
	return fresh.Canceled
}

var errCanceled = fmt.Errorf("round canceled")
