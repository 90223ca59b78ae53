package domain

import (
	"errors"
	"fmt"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure — no infrastructure dependency.

var (
	// Ledger invariant violations. These indicate a bug, not user error:
	// every mutation path checks invariants before committing.
	ErrNegativeBalance        = errors.New("balance would go negative")
	ErrNegativeReserved       = errors.New("reserved would go negative")
	ErrReservedExceedsBalance = errors.New("reserved would exceed balance")

	// Concurrency errors
	ErrConcurrencyConflict = errors.New("balance version conflict, retries exhausted")

	// Reservation errors
	ErrReservationNotFound    = errors.New("reservation not found")
	ErrReservationOutstanding = errors.New("round already has an outstanding reservation")

	// Lookup errors
	ErrAccountNotFound = errors.New("account not found")
	ErrThreadNotFound  = errors.New("thread not found")
	ErrRoundNotFound   = errors.New("round not found")

	// Transport errors
	ErrNetworkInterruption = errors.New("stream could not be sustained")
)

// ─── Typed Errors ───────────────────────────────────────────────────────────

// InsufficientCreditsError is raised by Reserve before any round work starts.
// No reservation and no ledger entry exist when it is returned.
type InsufficientCreditsError struct {
	Available int64
	Required  int64
	Plan      PlanType
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: %d available, %d required", e.Available, e.Required)
}

// Remedy returns the tier-specific path out of the shortfall.
func (e *InsufficientCreditsError) Remedy() string {
	if e.Plan == PlanFree {
		return "subscribe to a paid plan to continue"
	}
	return "purchase additional credits to continue"
}

// ValidationError rejects a malformed request before any reservation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ProviderError is scoped to a single participant. It is recorded as that
// participant's terminal error status and never propagates to abort a round.
type ProviderError struct {
	ParticipantID string
	Err           error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("participant %s: provider error: %v", e.ParticipantID, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
