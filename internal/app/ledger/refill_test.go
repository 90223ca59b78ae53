package ledger

import (
	"testing"
	"time"

	"github.com/parley-ai/parley/internal/domain"
)

func TestNextRefill(t *testing.T) {
	db := newTestDB(t)
	svc := newTestService(t, db, 100)

	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	next := svc.NextRefill(now)
	want := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("NextRefill(%v) = %v, want %v", now, next, want)
	}
}

func TestNextRefill_BadCronFallsBack(t *testing.T) {
	db := newTestDB(t)
	cfg := DefaultConfig()
	cfg.RefillCron = "not a cron"
	svc := New(cfg, db, fixedEstimator{amount: 100})

	now := time.Date(2026, 12, 20, 0, 0, 0, 0, time.UTC)
	next := svc.NextRefill(now)
	want := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("NextRefill() = %v, want first of next month %v", next, want)
	}
}

func TestApplyDueRefills(t *testing.T) {
	db := newTestDB(t)
	seedAccount(t, db, "acct-free", domain.PlanFree, 0)
	seedAccount(t, db, "acct-paid", domain.PlanPaid, 100)
	svc := newTestService(t, db, 100)

	now := time.Date(2026, 5, 3, 9, 0, 0, 0, time.UTC)
	if err := svc.ApplyDueRefills(now); err != nil {
		t.Fatalf("ApplyDueRefills() error: %v", err)
	}

	if bal := balance(t, db, "acct-free"); bal.Balance != domain.MonthlyCreditsFor(domain.PlanFree) {
		t.Errorf("free balance = %d, want monthly allocation", bal.Balance)
	}
	if bal := balance(t, db, "acct-paid"); bal.Balance != 100+domain.MonthlyCreditsFor(domain.PlanPaid) {
		t.Errorf("paid balance = %d, want prior plus allocation", bal.Balance)
	}

	entries, _ := db.ListLedgerEntries("acct-free", 10)
	if entries[0].Type != domain.EntryMonthlyRefill {
		t.Errorf("newest entry type = %s, want monthly_refill", entries[0].Type)
	}
}

func TestApplyDueRefills_IdempotentWithinPeriod(t *testing.T) {
	db := newTestDB(t)
	seedAccount(t, db, "acct-1", domain.PlanFree, 0)
	svc := newTestService(t, db, 100)

	now := time.Date(2026, 5, 3, 9, 0, 0, 0, time.UTC)
	if err := svc.ApplyDueRefills(now); err != nil {
		t.Fatal(err)
	}
	// Same period, later in the month: no second grant.
	if err := svc.ApplyDueRefills(now.AddDate(0, 0, 10)); err != nil {
		t.Fatal(err)
	}
	if bal := balance(t, db, "acct-1"); bal.Balance != domain.MonthlyCreditsFor(domain.PlanFree) {
		t.Errorf("balance = %d, want a single allocation", bal.Balance)
	}

	// Next period grants again.
	if err := svc.ApplyDueRefills(now.AddDate(0, 1, 0)); err != nil {
		t.Fatal(err)
	}
	if bal := balance(t, db, "acct-1"); bal.Balance != 2*domain.MonthlyCreditsFor(domain.PlanFree) {
		t.Errorf("balance = %d, want two allocations", bal.Balance)
	}
}

// The initial allocation is that period's refill: an account created
// mid-period must not be funded again by the next refill pass.
func TestApplyDueRefills_SkipsFreshAccount(t *testing.T) {
	db := newTestDB(t)
	svc := newTestService(t, db, 100)

	if err := svc.CreateAccount("acct-new", domain.PlanFree); err != nil {
		t.Fatalf("CreateAccount() error: %v", err)
	}
	if err := svc.ApplyDueRefills(time.Now()); err != nil {
		t.Fatal(err)
	}
	if bal := balance(t, db, "acct-new"); bal.Balance != domain.MonthlyCreditsFor(domain.PlanFree) {
		t.Errorf("balance = %d, want the initial allocation only", bal.Balance)
	}

	// The following period refills normally.
	if err := svc.ApplyDueRefills(time.Now().AddDate(0, 1, 0)); err != nil {
		t.Fatal(err)
	}
	if bal := balance(t, db, "acct-new"); bal.Balance != 2*domain.MonthlyCreditsFor(domain.PlanFree) {
		t.Errorf("balance = %d, want initial plus one refill", bal.Balance)
	}
}

// A refill landing while a hold is outstanding leaves the reserved amount
// untouched and the invariants intact.
func TestRefillWithOutstandingHold(t *testing.T) {
	db := newTestDB(t)
	seedAccount(t, db, "acct-1", domain.PlanFree, 1000)
	seedThread(t, db, "th-1", "acct-1")
	svc := newTestService(t, db, 400)

	res, err := svc.Reserve(reserveReq("acct-1", "th-1", 0))
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.ApplyDueRefills(time.Date(2026, 5, 3, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatal(err)
	}

	bal := balance(t, db, "acct-1")
	wantBalance := 1000 + domain.MonthlyCreditsFor(domain.PlanFree)
	if bal.Balance != wantBalance || bal.Reserved != 400 {
		t.Errorf("balance=%d reserved=%d, want %d/400", bal.Balance, bal.Reserved, wantBalance)
	}
	if err := bal.CheckInvariants(); err != nil {
		t.Errorf("invariants violated: %v", err)
	}

	if err := svc.Finalize(res.ID, 350); err != nil {
		t.Fatalf("Finalize() after refill: %v", err)
	}
	bal = balance(t, db, "acct-1")
	if bal.Balance != wantBalance-350 || bal.Reserved != 0 {
		t.Errorf("after finalize: balance=%d reserved=%d, want %d/0",
			bal.Balance, bal.Reserved, wantBalance-350)
	}
}
