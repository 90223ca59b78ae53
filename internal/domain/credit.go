package domain

import "time"

// ─── Credit Types ───────────────────────────────────────────────────────────
// These live in domain because they represent core business rules.
// The ledger is append-only: entries are created by exactly one ledger
// operation and never mutated. Balance is derivable by replaying entries but
// is maintained as a materialized projection for O(1) reads.

// EntryType is the business reason for a ledger entry.
type EntryType string

const (
	EntryReservation   EntryType = "reservation"
	EntryDeduction     EntryType = "deduction"
	EntryRelease       EntryType = "release"
	EntryCreditGrant   EntryType = "credit_grant"
	EntryMonthlyRefill EntryType = "monthly_refill"
)

// LedgerEntry is a single immutable row in the credit ledger.
// Amount is negative for reservation/deduction and positive for
// release/credit_grant/monthly_refill. BalanceAfter records the projection's
// balance at the moment the entry committed.
type LedgerEntry struct {
	ID           int64     `json:"id"`
	AccountID    string    `json:"account_id"`
	Type         EntryType `json:"type"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	Action       string    `json:"action"`
	Description  string    `json:"description,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ─── Balance Projection ─────────────────────────────────────────────────────

// Balance is the materialized credit projection for one account.
// Invariants, enforced at every mutation:
//
//	Balance ≥ 0
//	Reserved ≥ 0
//	Reserved ≤ Balance
//	Available() = Balance − Reserved exactly
//
// Version guards every mutation under optimistic concurrency: writers read
// the version, condition the write on it, and retry on mismatch.
type Balance struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
	Reserved  int64  `json:"reserved"`
	Version   int64  `json:"-"`
}

// Available returns the credits not held by an outstanding reservation.
func (b Balance) Available() int64 { return b.Balance - b.Reserved }

// CheckInvariants returns a non-nil error when the projection violates the
// ledger invariants. Every mutation path calls this before committing.
func (b Balance) CheckInvariants() error {
	switch {
	case b.Balance < 0:
		return ErrNegativeBalance
	case b.Reserved < 0:
		return ErrNegativeReserved
	case b.Reserved > b.Balance:
		return ErrReservedExceedsBalance
	}
	return nil
}

// ─── Balance Status ─────────────────────────────────────────────────────────

// BalanceStatus is the UI-facing consumption level.
type BalanceStatus string

const (
	BalanceDefault  BalanceStatus = "default"
	BalanceWarning  BalanceStatus = "warning"  // ≥80% of allocation consumed
	BalanceCritical BalanceStatus = "critical" // 0 available
)

// WarningThresholdPct is the consumed fraction at which status turns warning.
const WarningThresholdPct = 80

// StatusFor classifies an account's consumption against its monthly
// allocation. A missing or zero allocation counts as fully consumed.
func StatusFor(available, allocation int64) (BalanceStatus, int) {
	if available <= 0 || allocation <= 0 {
		return BalanceCritical, 100
	}
	consumed := allocation - available
	if consumed < 0 {
		consumed = 0
	}
	pct := int(consumed * 100 / allocation)
	if pct >= WarningThresholdPct {
		return BalanceWarning, pct
	}
	return BalanceDefault, pct
}

// ─── Reservations ───────────────────────────────────────────────────────────

// ReservationStatus is the lifecycle state of a credit hold.
// For every reservation exactly one of finalize/release eventually executes;
// the status transitions under the same optimistic-concurrency guard as the
// balance, so a duplicate finalize or release observes an already-resolved
// status and becomes a no-op rather than an error.
type ReservationStatus string

const (
	ReservationHeld      ReservationStatus = "held"
	ReservationFinalized ReservationStatus = "finalized"
	ReservationReleased  ReservationStatus = "released"
)

// Resolved reports whether the reservation has reached a terminal status.
func (s ReservationStatus) Resolved() bool {
	return s == ReservationFinalized || s == ReservationReleased
}

// Reservation is a provisional credit hold created before round work begins.
// At most one outstanding reservation exists per (thread, round).
type Reservation struct {
	ID          string            `json:"id"`
	AccountID   string            `json:"account_id"`
	ThreadID    string            `json:"thread_id"`
	RoundNumber int               `json:"round_number"`
	Amount      int64             `json:"amount"`
	Status      ReservationStatus `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	ResolvedAt  time.Time         `json:"resolved_at,omitempty"`
}

// ─── Plans & Tier Policy ────────────────────────────────────────────────────

// PlanType is the account's billing class.
type PlanType string

const (
	PlanFree PlanType = "free"
	PlanPaid PlanType = "paid"
)

// Plan describes an account's credit allocation.
type Plan struct {
	Type           PlanType  `json:"type"`
	MonthlyCredits int64     `json:"monthly_credits"`
	NextRefillAt   time.Time `json:"next_refill_at"`
}

// Free-tier admission ceilings, enforced at reservation time. The ledger
// consumes these as inputs to Reserve's admission check; it does not compute
// usage itself.
const (
	FreeMaxActiveThreads  = 1
	FreeMaxRoundNumber    = 0 // round 0 only; further rounds require upgrade
	FreeMaxMessagesPeriod = 100
	FreeMaxOutputTokens   = 512
	FreeMaxCostCents      = 10 // $0.10 per request
)

// MonthlyCreditsFor returns the plan's monthly credit allocation.
func MonthlyCreditsFor(p PlanType) int64 {
	if p == PlanPaid {
		return 50_000
	}
	return 2_500
}
