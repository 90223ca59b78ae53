// Package ledger owns the credit ledger: reservations, finalization, release,
// grants, and the optimistic-concurrency retry loop around every balance
// mutation.
//
// The guarantee that matters: for every reservation exactly one of
// finalize/release eventually executes — never both, never neither. The
// reservation status transitions inside the same transaction as the balance
// write, conditioned on the account row version, so duplicate attempts
// observe an already-resolved reservation and become no-ops.
package ledger

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/parley-ai/parley/internal/domain"
	"github.com/parley-ai/parley/internal/infra/observability"
	"github.com/parley-ai/parley/internal/infra/sqlite"
)

// Config controls ledger behavior.
type Config struct {
	MaxRetries    int           // bounded OCC retry count (default: 5)
	MessagePeriod time.Duration // window for the per-period message cap (default: 30d)
	RefillCron    string        // monthly refill schedule (default: midnight on the 1st)
}

// DefaultConfig returns safe ledger defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    5,
		MessagePeriod: 30 * 24 * time.Hour,
		RefillCron:    "0 0 1 * *",
	}
}

// Service is the credit ledger service.
type Service struct {
	cfg       Config
	db        *sqlite.DB
	estimator domain.CostEstimator
}

// New creates a ledger service. A nil estimator falls back to the default.
func New(cfg Config, db *sqlite.DB, estimator domain.CostEstimator) *Service {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if estimator == nil {
		estimator = DefaultEstimator()
	}
	return &Service{cfg: cfg, db: db, estimator: estimator}
}

// ─── Reserve ────────────────────────────────────────────────────────────────

// ReserveRequest carries everything the admission check and estimator need.
type ReserveRequest struct {
	AccountID    string
	ThreadID     string
	RoundNumber  int
	Participants []domain.Participant
	Options      domain.RoundOptions
}

// Reserve places a credit hold for a round. It fails closed: when available
// credits are short, no reservation and no ledger entry are created. At most
// one hold exists per round.
func (s *Service) Reserve(req ReserveRequest) (domain.Reservation, error) {
	if req.AccountID == "" {
		return domain.Reservation{}, &domain.ValidationError{Field: "account_id", Reason: "required"}
	}
	if req.ThreadID == "" {
		return domain.Reservation{}, &domain.ValidationError{Field: "thread_id", Reason: "required"}
	}
	if req.RoundNumber < 0 {
		return domain.Reservation{}, &domain.ValidationError{Field: "round_number", Reason: "must be non-negative"}
	}
	if len(req.Participants) == 0 {
		return domain.Reservation{}, &domain.ValidationError{Field: "participants", Reason: "at least one required"}
	}

	_, plan, err := s.db.GetAccount(req.AccountID)
	if err != nil {
		return domain.Reservation{}, err
	}

	if plan == domain.PlanFree {
		if err := s.admitFreeTier(req); err != nil {
			return domain.Reservation{}, err
		}
	}
	req.Options = ApplyTierLimits(plan, req.Options)

	amount := s.estimator.EstimateRound(req.Participants, req.Options)
	if amount <= 0 {
		return domain.Reservation{}, &domain.ValidationError{Field: "amount", Reason: "estimated cost must be positive"}
	}

	res := domain.Reservation{
		ID:          uuid.NewString(),
		AccountID:   req.AccountID,
		ThreadID:    req.ThreadID,
		RoundNumber: req.RoundNumber,
		Amount:      amount,
		Status:      domain.ReservationHeld,
		CreatedAt:   time.Now().UTC(),
	}

	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		bal, _, err := s.db.GetAccount(req.AccountID)
		if err != nil {
			return domain.Reservation{}, err
		}
		if bal.Available() < amount {
			observability.InsufficientCredits.Inc()
			return domain.Reservation{}, &domain.InsufficientCreditsError{
				Available: bal.Available(),
				Required:  amount,
				Plan:      plan,
			}
		}

		next := domain.Balance{Balance: bal.Balance, Reserved: bal.Reserved + amount}
		if err := next.CheckInvariants(); err != nil {
			return domain.Reservation{}, err
		}

		entry := domain.LedgerEntry{
			AccountID:    req.AccountID,
			Type:         domain.EntryReservation,
			Amount:       -amount,
			BalanceAfter: next.Balance,
			Action:       "round_reserve",
			Description:  fmt.Sprintf("hold for %s round %d", req.ThreadID, req.RoundNumber),
		}
		err = s.db.ApplyReserve(res, bal.Version, next.Balance, next.Reserved, entry)
		if err == nil {
			log.Printf("[ledger] reserved %d credits account=%s round=%s/%d",
				amount, req.AccountID, req.ThreadID, req.RoundNumber)
			observability.ReservationsCreated.Inc()
			return res, nil
		}
		if errors.Is(err, sqlite.ErrVersionMismatch) {
			observability.LedgerConflicts.Inc()
			continue
		}
		return domain.Reservation{}, err
	}
	return domain.Reservation{}, domain.ErrConcurrencyConflict
}

// ApplyTierLimits clamps round options to the plan's ceilings. The free tier
// caps output tokens per request; paid options pass through unchanged.
func ApplyTierLimits(plan domain.PlanType, opts domain.RoundOptions) domain.RoundOptions {
	if plan == domain.PlanFree {
		if opts.MaxOutputTokens == 0 || opts.MaxOutputTokens > domain.FreeMaxOutputTokens {
			opts.MaxOutputTokens = domain.FreeMaxOutputTokens
		}
	}
	return opts
}

// admitFreeTier enforces the free-tier ceilings at reservation time.
func (s *Service) admitFreeTier(req ReserveRequest) error {
	if req.RoundNumber > domain.FreeMaxRoundNumber {
		return &domain.ValidationError{
			Field:  "round_number",
			Reason: "free tier allows the first round only; upgrade to continue the thread",
		}
	}
	// The thread being submitted to is the account's one allowed active
	// thread; only other threads with unfinished rounds count against it.
	active, err := s.db.CountActiveThreadsExcept(req.AccountID, req.ThreadID)
	if err != nil {
		return err
	}
	if active >= domain.FreeMaxActiveThreads {
		return &domain.ValidationError{
			Field:  "thread_id",
			Reason: fmt.Sprintf("free tier allows %d active thread", domain.FreeMaxActiveThreads),
		}
	}
	since := time.Now().Add(-s.cfg.MessagePeriod)
	msgs, err := s.db.CountMessagesSince(req.AccountID, since)
	if err != nil {
		return err
	}
	if msgs >= domain.FreeMaxMessagesPeriod {
		return &domain.ValidationError{
			Field:  "messages",
			Reason: fmt.Sprintf("free tier allows %d messages per period", domain.FreeMaxMessagesPeriod),
		}
	}
	return nil
}

// ─── Finalize / Release ─────────────────────────────────────────────────────

// Finalize converts a reservation into a deduction of the actual cost, capped
// at the reserved amount, and clears the hold. Called once per successful
// round; a duplicate call finds the reservation already resolved and returns
// nil without touching anything.
func (s *Service) Finalize(reservationID string, actual int64) error {
	if actual < 0 {
		return &domain.ValidationError{Field: "actual_amount", Reason: "must be non-negative"}
	}
	return s.resolve(reservationID, domain.ReservationFinalized, actual)
}

// Release reverses the full reserved amount back into available without
// touching balance. Called once when a round fails, is canceled, or is
// abandoned before finalize; duplicates are no-ops.
func (s *Service) Release(reservationID string) error {
	return s.resolve(reservationID, domain.ReservationReleased, 0)
}

func (s *Service) resolve(reservationID string, status domain.ReservationStatus, actual int64) error {
	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		res, err := s.db.GetReservation(reservationID)
		if err != nil {
			return err
		}
		if res.Status.Resolved() {
			// Exactly-once: someone already finalized or released this hold.
			return nil
		}

		bal, _, err := s.db.GetAccount(res.AccountID)
		if err != nil {
			return err
		}

		var next domain.Balance
		var entry domain.LedgerEntry
		if status == domain.ReservationFinalized {
			// The deduction never exceeds the hold: the reservation is the
			// ceiling the account agreed to, and an over-estimate from the
			// actual-cost path must not be able to strand the resolution.
			if actual > res.Amount {
				actual = res.Amount
			}
			next = domain.Balance{Balance: bal.Balance - actual, Reserved: bal.Reserved - res.Amount}
			entry = domain.LedgerEntry{
				AccountID:    res.AccountID,
				Type:         domain.EntryDeduction,
				Amount:       -actual,
				BalanceAfter: next.Balance,
				Action:       "round_finalize",
				Description:  fmt.Sprintf("round %s/%d cost", res.ThreadID, res.RoundNumber),
			}
		} else {
			next = domain.Balance{Balance: bal.Balance, Reserved: bal.Reserved - res.Amount}
			entry = domain.LedgerEntry{
				AccountID:    res.AccountID,
				Type:         domain.EntryRelease,
				Amount:       res.Amount,
				BalanceAfter: next.Balance,
				Action:       "round_release",
				Description:  fmt.Sprintf("hold released for %s round %d", res.ThreadID, res.RoundNumber),
			}
		}
		if err := next.CheckInvariants(); err != nil {
			return err
		}

		resolved, err := s.db.ApplyBalanceResolve(res.AccountID, bal.Version,
			next.Balance, next.Reserved, entry, reservationID, status)
		if err == nil {
			if resolved {
				log.Printf("[ledger] %s reservation=%s account=%s", status, reservationID, res.AccountID)
				observability.ReservationsResolved.WithLabelValues(string(status)).Inc()
			}
			return nil
		}
		if errors.Is(err, sqlite.ErrVersionMismatch) {
			observability.LedgerConflicts.Inc()
			continue
		}
		return err
	}
	return domain.ErrConcurrencyConflict
}

// ─── Grants ─────────────────────────────────────────────────────────────────

// Grant credits an account (plan upgrade, promo, support adjustment).
func (s *Service) Grant(accountID string, amount int64, reason string) error {
	return s.credit(accountID, amount, domain.EntryCreditGrant, reason)
}

func (s *Service) credit(accountID string, amount int64, typ domain.EntryType, reason string) error {
	if amount <= 0 {
		return &domain.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		bal, _, err := s.db.GetAccount(accountID)
		if err != nil {
			return err
		}
		next := domain.Balance{Balance: bal.Balance + amount, Reserved: bal.Reserved}
		if err := next.CheckInvariants(); err != nil {
			return err
		}
		entry := domain.LedgerEntry{
			AccountID:    accountID,
			Type:         typ,
			Amount:       amount,
			BalanceAfter: next.Balance,
			Action:       string(typ),
			Description:  reason,
		}
		err = s.db.ApplyBalance(accountID, bal.Version, next.Balance, next.Reserved, entry)
		if err == nil {
			log.Printf("[ledger] %s %d credits account=%s", typ, amount, accountID)
			return nil
		}
		if errors.Is(err, sqlite.ErrVersionMismatch) {
			observability.LedgerConflicts.Inc()
			continue
		}
		return err
	}
	return domain.ErrConcurrencyConflict
}

// ─── Reads ──────────────────────────────────────────────────────────────────

// BalanceView is the client-facing balance projection.
type BalanceView struct {
	Balance    int64                `json:"balance"`
	Reserved   int64                `json:"reserved"`
	Available  int64                `json:"available"`
	Status     domain.BalanceStatus `json:"status"`
	Percentage int                  `json:"percentage"`
	Plan       domain.Plan          `json:"plan"`
}

// Balance returns the balance projection with consumption status and plan.
func (s *Service) Balance(accountID string) (BalanceView, error) {
	bal, plan, err := s.db.GetAccount(accountID)
	if err != nil {
		return BalanceView{}, err
	}
	allocation := domain.MonthlyCreditsFor(plan)
	status, pct := domain.StatusFor(bal.Available(), allocation)
	return BalanceView{
		Balance:    bal.Balance,
		Reserved:   bal.Reserved,
		Available:  bal.Available(),
		Status:     status,
		Percentage: pct,
		Plan: domain.Plan{
			Type:           plan,
			MonthlyCredits: allocation,
			NextRefillAt:   s.NextRefill(time.Now()),
		},
	}, nil
}

// Transactions returns an account's most recent ledger entries.
func (s *Service) Transactions(accountID string, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.db.ListLedgerEntries(accountID, limit)
}

// ChangePlan moves an account to a new plan. An upgrade to paid grants the
// paid allocation immediately, so the account can continue its thread in the
// same session; a downgrade only changes future refills and tier limits.
func (s *Service) ChangePlan(accountID string, plan domain.PlanType) error {
	if plan != domain.PlanFree && plan != domain.PlanPaid {
		return &domain.ValidationError{Field: "plan", Reason: "must be free or paid"}
	}
	_, current, err := s.db.GetAccount(accountID)
	if err != nil {
		return err
	}
	if current == plan {
		return nil
	}
	if err := s.db.SetPlan(accountID, plan); err != nil {
		return err
	}
	log.Printf("[ledger] plan %s -> %s account=%s", current, plan, accountID)
	if plan == domain.PlanPaid {
		return s.credit(accountID, domain.MonthlyCreditsFor(plan), domain.EntryCreditGrant, "plan upgrade")
	}
	return nil
}

// CreateAccount provisions an account with its plan's starting allocation.
// The initial grant counts as the current period's refill, so the next refill
// pass skips the account instead of funding it twice.
func (s *Service) CreateAccount(accountID string, plan domain.PlanType) error {
	if err := s.db.CreateAccount(accountID, plan); err != nil {
		return err
	}
	if err := s.credit(accountID, domain.MonthlyCreditsFor(plan), domain.EntryCreditGrant, "initial allocation"); err != nil {
		return err
	}
	return s.db.SetLastRefill(accountID, time.Now())
}
