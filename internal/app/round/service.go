package round

import (
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	ledgersvc "github.com/parley-ai/parley/internal/app/ledger"
	"github.com/parley-ai/parley/internal/domain"
	"github.com/parley-ai/parley/internal/infra/sqlite"
)

// Service is the submit/cancel surface in front of the coordinator. It owns
// the one billing interaction the coordinator never performs: reserving
// credits before any round work starts.
type Service struct {
	db     *sqlite.DB
	ledger *ledgersvc.Service
	coord  *Coordinator
	runner *Runner
}

// NewService creates the round service.
func NewService(db *sqlite.DB, lg *ledgersvc.Service, coord *Coordinator, runner *Runner) *Service {
	return &Service{db: db, ledger: lg, coord: coord, runner: runner}
}

// SubmitRequest is one user message fanning out to a round.
type SubmitRequest struct {
	ThreadID     string
	Content      string
	Participants []domain.Participant
	Options      domain.RoundOptions
}

// Submit validates the request, reserves credits, persists the user message
// and the round checkpoint, and triggers background execution. The returned
// round is already running when this returns.
func (s *Service) Submit(req SubmitRequest) (domain.Round, error) {
	if req.Content == "" {
		return domain.Round{}, &domain.ValidationError{Field: "content", Reason: "required"}
	}
	enabled := enabledParticipants(req.Participants)
	if len(enabled) == 0 {
		return domain.Round{}, &domain.ValidationError{Field: "participants", Reason: "at least one enabled participant required"}
	}
	if req.Options.WebSearch && req.Options.SearchQuery == "" {
		req.Options.SearchQuery = req.Content
	}

	thread, err := s.db.GetThread(req.ThreadID)
	if err != nil {
		return domain.Round{}, err
	}

	latest, err := s.db.LatestRoundNumber(req.ThreadID)
	if err != nil {
		return domain.Round{}, err
	}
	if latest >= 0 {
		if err := s.admitAfter(req.ThreadID, latest); err != nil {
			return domain.Round{}, err
		}
	}
	number := latest + 1

	res, err := s.ledger.Reserve(ledgersvc.ReserveRequest{
		AccountID:    thread.AccountID,
		ThreadID:     req.ThreadID,
		RoundNumber:  number,
		Participants: enabled,
		Options:      req.Options,
	})
	if err != nil {
		return domain.Round{}, err
	}

	_, plan, err := s.db.GetAccount(thread.AccountID)
	if err != nil {
		return domain.Round{}, err
	}
	opts := ledgersvc.ApplyTierLimits(plan, req.Options)

	states := make([]domain.ParticipantState, len(enabled))
	for i, p := range enabled {
		states[i] = domain.ParticipantState{
			ParticipantID: p.ID,
			Index:         p.Index,
			Model:         p.Model,
			Persona:       p.Persona,
			Status:        domain.ParticipantPending,
		}
	}

	r := domain.Round{
		ThreadID:           req.ThreadID,
		Number:             number,
		Phase:              domain.PhaseIdle,
		Participants:       states,
		PreSearchRequested: opts.WebSearch,
		SearchQuery:        opts.SearchQuery,
		MaxOutputTokens:    opts.MaxOutputTokens,
		ReservationID:      res.ID,
		CreatedAt:          time.Now().UTC(),
	}
	if err := s.db.InsertRound(r); err != nil {
		if relErr := s.ledger.Release(res.ID); relErr != nil {
			log.Printf("[round] release %s after insert failure: %v", res.ID, relErr)
		}
		return domain.Round{}, err
	}
	userMsg := domain.Message{
		ID:          uuid.NewString(),
		ThreadID:    req.ThreadID,
		RoundNumber: number,
		Role:        domain.RoleUser,
		Content:     req.Content,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.db.InsertMessage(userMsg); err != nil {
		if relErr := s.ledger.Release(res.ID); relErr != nil {
			log.Printf("[round] release %s after insert failure: %v", res.ID, relErr)
		}
		return domain.Round{}, err
	}

	s.runner.Trigger(req.ThreadID, number)
	return r, nil
}

// admitAfter decides whether a new round may start after the latest one. An
// in-flight round blocks submission only on live evidence — a running stream
// in this process or an outstanding credit hold. A stale non-complete phase
// with neither never blocks; the checkpoint is authoritative.
func (s *Service) admitAfter(threadID string, latest int) error {
	prev, err := s.db.GetRound(threadID, latest)
	if err != nil {
		return err
	}
	if prev.Canceled || domain.RoundComplete(prev.Participants, prev.ModeratorMessageID != "") {
		return nil
	}
	if s.runner != nil && s.runner.Running(threadID, latest) {
		return &domain.ValidationError{Field: "round", Reason: "a round is already streaming in this thread"}
	}
	if _, held, err := s.db.HeldReservation(threadID, latest); err != nil {
		return err
	} else if held {
		return &domain.ValidationError{Field: "round", Reason: "a round is already in progress in this thread"}
	}
	return nil
}

// Cancel stops the thread's round: the in-flight stream (if any) is
// terminated, already-terminal participants keep their state, and the credit
// hold is released. Canceling a completed round is a no-op.
func (s *Service) Cancel(threadID string, number int) error {
	r, err := s.db.GetRound(threadID, number)
	if err != nil {
		return err
	}
	if domain.RoundComplete(r.Participants, r.ModeratorMessageID != "") {
		return nil
	}
	if err := s.db.SetRoundCanceled(threadID, number); err != nil {
		return err
	}
	if s.runner.Cancel(threadID, number) {
		// The in-flight run observes the cancellation and settles the round.
		return nil
	}
	// Nothing running here: settle directly from the checkpoint.
	r.Canceled = true
	return s.coord.finishCanceled(r)
}

// CreateThread opens a new conversation thread.
func (s *Service) CreateThread(accountID, title string) (domain.Thread, error) {
	if accountID == "" {
		return domain.Thread{}, &domain.ValidationError{Field: "account_id", Reason: "required"}
	}
	t := domain.Thread{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Title:     title,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.CreateThread(t); err != nil {
		return domain.Thread{}, err
	}
	return t, nil
}

// Threads lists an account's threads, newest first.
func (s *Service) Threads(accountID string) ([]domain.Thread, error) {
	return s.db.ListThreads(accountID)
}

// Messages returns a thread's messages in order.
func (s *Service) Messages(threadID string) ([]domain.Message, error) {
	if _, err := s.db.GetThread(threadID); err != nil {
		return nil, err
	}
	return s.db.ListMessages(threadID)
}

// Hub returns the live round event hub.
func (s *Service) Hub() *Hub {
	return s.coord.hub
}

// ActiveRounds reports how many rounds are executing in this process.
func (s *Service) ActiveRounds() int {
	return s.runner.ActiveCount()
}

func enabledParticipants(in []domain.Participant) []domain.Participant {
	var out []domain.Participant
	for _, p := range in {
		if p.Enabled {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}
