package round

import (
	"github.com/parley-ai/parley/internal/domain"
)

// ─── Resumption / Status Surface ────────────────────────────────────────────
// Read-only projections recomputed from the durable checkpoint on every call.
// A reconnecting client polls Status instead of re-submitting; a second tab
// observes the same projection. No in-memory flag is ever consulted, so a
// stale locally-remembered phase can never block anything.

// StatusView is the client-facing view of one round.
type StatusView struct {
	Status       domain.RoundStatus        `json:"status"`
	Phase        domain.Phase              `json:"phase"`
	Participants []domain.ParticipantState `json:"participants"`
	Canceled     bool                      `json:"canceled,omitempty"`
}

// Status recomputes a round's status and phase from persisted evidence:
// participant state rows plus the presence of a moderator message. The stored
// phase column is ignored.
func (s *Service) Status(threadID string, number int) (StatusView, error) {
	r, err := s.db.GetRound(threadID, number)
	if err != nil {
		return StatusView{}, err
	}
	moderatorDone := r.ModeratorMessageID != ""
	preSearchPending := r.PreSearchRequested && !r.PreSearchDone
	view := StatusView{
		Status:       domain.DeriveStatus(r.Participants, moderatorDone),
		Phase:        domain.DerivePhase(r.Participants, preSearchPending, moderatorDone),
		Participants: r.Participants,
		Canceled:     r.Canceled,
	}
	if r.Canceled {
		// Cancellation is terminal: remaining participants are never forced,
		// so the round reads as settled.
		view.Status = domain.RoundCompleted
		view.Phase = domain.PhaseComplete
	}
	return view, nil
}

// LatestStatus returns the status of a thread's most recent round, or
// ErrRoundNotFound for a thread with no rounds yet.
func (s *Service) LatestStatus(threadID string) (int, StatusView, error) {
	latest, err := s.db.LatestRoundNumber(threadID)
	if err != nil {
		return 0, StatusView{}, err
	}
	if latest < 0 {
		return 0, StatusView{}, domain.ErrRoundNotFound
	}
	view, err := s.Status(threadID, latest)
	return latest, view, err
}
