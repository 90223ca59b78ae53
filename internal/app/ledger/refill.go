package ledger

import (
	"context"
	"log"
	"time"

	"github.com/adhocore/gronx"

	"github.com/parley-ai/parley/internal/domain"
)

// ─── Monthly Refill ─────────────────────────────────────────────────────────
// Accounts receive their plan's monthly allocation on a cron schedule
// (default: midnight on the 1st). The refill is an ordinary ledger credit with
// type monthly_refill, so it goes through the same optimistic-concurrency
// path as every other mutation — a refill landing while a round is mid-flight
// simply wins or retries against the in-flight finalize, and the invariants
// hold at every commit point.

// NextRefill returns the next scheduled refill instant after now.
func (s *Service) NextRefill(now time.Time) time.Time {
	next, err := gronx.NextTickAfter(s.cfg.RefillCron, now, false)
	if err != nil {
		// Misconfigured cron falls back to first of next month.
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	}
	return next
}

// RunRefills applies due refills and then sleeps until each next cron tick,
// until ctx is done. Call from a goroutine at daemon startup.
func (s *Service) RunRefills(ctx context.Context) {
	if !gronx.IsValid(s.cfg.RefillCron) {
		log.Printf("[ledger] invalid refill cron %q, refills disabled", s.cfg.RefillCron)
		return
	}

	// Catch up grants missed while the daemon was down.
	if err := s.ApplyDueRefills(time.Now()); err != nil {
		log.Printf("[ledger] startup refill pass: %v", err)
	}

	for {
		next, err := gronx.NextTickAfter(s.cfg.RefillCron, time.Now(), false)
		if err != nil {
			log.Printf("[ledger] refill next tick: %v", err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
		}
		if err := s.ApplyDueRefills(time.Now()); err != nil {
			log.Printf("[ledger] refill pass: %v", err)
		}
	}
}

// ApplyDueRefills grants the monthly allocation to every account whose last
// refill predates the most recent cron tick. Idempotent within a period.
func (s *Service) ApplyDueRefills(now time.Time) error {
	prev, err := gronx.PrevTickBefore(s.cfg.RefillCron, now, true)
	if err != nil {
		return err
	}

	accounts, err := s.db.ListAccounts()
	if err != nil {
		return err
	}
	for accountID, plan := range accounts {
		last, ok, err := s.db.LastRefill(accountID)
		if err != nil {
			return err
		}
		if ok && !last.Before(prev) {
			continue // already refilled this period
		}
		amount := domain.MonthlyCreditsFor(plan)
		if err := s.credit(accountID, amount, domain.EntryMonthlyRefill, "monthly refill"); err != nil {
			log.Printf("[ledger] refill account=%s: %v", accountID, err)
			continue
		}
		if err := s.db.SetLastRefill(accountID, now); err != nil {
			return err
		}
	}
	return nil
}
