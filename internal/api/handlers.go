package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/parley-ai/parley/internal/app/round"
	"github.com/parley-ai/parley/internal/domain"
)

// accountID extracts the calling account. Authentication is an external
// collaborator; the API trusts the header the auth proxy injects.
func accountID(r *http.Request) string {
	if id := r.Header.Get("X-Account-ID"); id != "" {
		return id
	}
	return r.URL.Query().Get("account_id")
}

// ─── Accounts ───────────────────────────────────────────────────────────────

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID string `json:"account_id"`
		Plan      string `json:"plan"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.AccountID == "" {
		writeError(w, http.StatusBadRequest, "account_id required")
		return
	}
	plan := domain.PlanType(req.Plan)
	if plan == "" {
		plan = domain.PlanFree
	}
	if plan != domain.PlanFree && plan != domain.PlanPaid {
		writeError(w, http.StatusBadRequest, "plan must be free or paid")
		return
	}
	if err := s.ledger.CreateAccount(req.AccountID, plan); err != nil {
		writeDomainError(w, err)
		return
	}
	view, err := s.ledger.Balance(req.AccountID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

// ─── Threads ────────────────────────────────────────────────────────────────

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	thread, err := s.rounds.CreateThread(accountID(r), req.Title)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, thread)
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	threads, err := s.rounds.Threads(accountID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if threads == nil {
		threads = []domain.Thread{}
	}
	writeJSON(w, http.StatusOK, threads)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.rounds.Messages(chi.URLParam(r, "threadID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.rounds.Hub().HandleSSE(w, r, chi.URLParam(r, "threadID"))
}

// ─── Rounds ─────────────────────────────────────────────────────────────────

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content      string               `json:"content"`
		Participants []domain.Participant `json:"participants"`
		Options      domain.RoundOptions  `json:"options"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	rd, err := s.rounds.Submit(round.SubmitRequest{
		ThreadID:     chi.URLParam(r, "threadID"),
		Content:      req.Content,
		Participants: req.Participants,
		Options:      req.Options,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	// The round executes in the background; the client follows progress via
	// the status endpoint or the SSE feed.
	writeJSON(w, http.StatusAccepted, rd)
}

// handleLatestRound is what a reconnecting client polls first: the status of
// the thread's most recent round, recomputed from the checkpoint.
func (s *Server) handleLatestRound(w http.ResponseWriter, r *http.Request) {
	number, view, err := s.rounds.LatestStatus(chi.URLParam(r, "threadID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"number":       number,
		"status":       view.Status,
		"phase":        view.Phase,
		"participants": view.Participants,
	})
}

func (s *Server) handleRoundStatus(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid round number")
		return
	}
	view, err := s.rounds.Status(chi.URLParam(r, "threadID"), number)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid round number")
		return
	}
	if err := s.rounds.Cancel(chi.URLParam(r, "threadID"), number); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
}

// ─── Billing ────────────────────────────────────────────────────────────────

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	view, err := s.ledger.Balance(accountID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.ledger.Transactions(accountID(r), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleChangePlan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Plan string `json:"plan"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	acct := accountID(r)
	if err := s.ledger.ChangePlan(acct, domain.PlanType(req.Plan)); err != nil {
		writeDomainError(w, err)
		return
	}
	view, err := s.ledger.Balance(acct)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID string `json:"account_id"`
		Amount    int64  `json:"amount"`
		Reason    string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.ledger.Grant(req.AccountID, req.Amount, req.Reason); err != nil {
		writeDomainError(w, err)
		return
	}
	view, err := s.ledger.Balance(req.AccountID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
