package ledger

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/parley-ai/parley/internal/domain"
	"github.com/parley-ai/parley/internal/infra/sqlite"
)

func newTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := sqlite.Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// fixedEstimator always prices a round at a fixed amount, so tests control
// the numbers exactly.
type fixedEstimator struct{ amount int64 }

func (f fixedEstimator) EstimateRound([]domain.Participant, domain.RoundOptions) int64 {
	return f.amount
}

func (f fixedEstimator) ActualCost(int, bool) int64 { return f.amount }

func newTestService(t *testing.T, db *sqlite.DB, amount int64) *Service {
	t.Helper()
	return New(DefaultConfig(), db, fixedEstimator{amount: amount})
}

func seedAccount(t *testing.T, db *sqlite.DB, accountID string, plan domain.PlanType, balance int64) {
	t.Helper()
	if err := db.CreateAccount(accountID, plan); err != nil {
		t.Fatal(err)
	}
	if balance > 0 {
		err := db.ApplyBalance(accountID, 0, balance, 0, domain.LedgerEntry{
			AccountID: accountID, Type: domain.EntryCreditGrant,
			Amount: balance, BalanceAfter: balance, Action: "seed",
		})
		if err != nil {
			t.Fatal(err)
		}
	}
}

func seedThread(t *testing.T, db *sqlite.DB, threadID, accountID string) {
	t.Helper()
	err := db.CreateThread(domain.Thread{ID: threadID, AccountID: accountID, CreatedAt: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
}

func reserveReq(accountID, threadID string, round int) ReserveRequest {
	return ReserveRequest{
		AccountID:   accountID,
		ThreadID:    threadID,
		RoundNumber: round,
		Participants: []domain.Participant{
			{ID: "p-a", Index: 0, Model: "m", Enabled: true},
		},
	}
}

func balance(t *testing.T, db *sqlite.DB, accountID string) domain.Balance {
	t.Helper()
	bal, _, err := db.GetAccount(accountID)
	if err != nil {
		t.Fatal(err)
	}
	return bal
}

// ─── Reserve → Finalize ─────────────────────────────────────────────────────

// Scenario: balance 10000, reserve 500 then finalize 320.
func TestReserveThenFinalize(t *testing.T) {
	db := newTestDB(t)
	seedAccount(t, db, "acct-1", domain.PlanPaid, 10000)
	seedThread(t, db, "th-1", "acct-1")
	svc := newTestService(t, db, 500)

	res, err := svc.Reserve(reserveReq("acct-1", "th-1", 0))
	if err != nil {
		t.Fatalf("Reserve() error: %v", err)
	}
	bal := balance(t, db, "acct-1")
	if bal.Balance != 10000 || bal.Reserved != 500 || bal.Available() != 9500 {
		t.Errorf("after reserve: balance=%d reserved=%d available=%d, want 10000/500/9500",
			bal.Balance, bal.Reserved, bal.Available())
	}

	if err := svc.Finalize(res.ID, 320); err != nil {
		t.Fatalf("Finalize() error: %v", err)
	}
	bal = balance(t, db, "acct-1")
	if bal.Balance != 9680 || bal.Reserved != 0 || bal.Available() != 9680 {
		t.Errorf("after finalize: balance=%d reserved=%d available=%d, want 9680/0/9680",
			bal.Balance, bal.Reserved, bal.Available())
	}

	entries, _ := db.ListLedgerEntries("acct-1", 10)
	if entries[0].Type != domain.EntryDeduction || entries[0].Amount != -320 {
		t.Errorf("newest entry = %+v, want deduction of -320", entries[0])
	}
}

// Scenario: balance 150, cost 200 — reserve fails closed, state unchanged.
func TestReserve_InsufficientFailsClosed(t *testing.T) {
	db := newTestDB(t)
	seedAccount(t, db, "acct-1", domain.PlanPaid, 150)
	seedThread(t, db, "th-1", "acct-1")
	svc := newTestService(t, db, 200)

	_, err := svc.Reserve(reserveReq("acct-1", "th-1", 0))
	var ice *domain.InsufficientCreditsError
	if !errors.As(err, &ice) {
		t.Fatalf("Reserve() = %v, want InsufficientCreditsError", err)
	}
	if ice.Available != 150 || ice.Required != 200 {
		t.Errorf("error carries available=%d required=%d, want 150/200", ice.Available, ice.Required)
	}

	bal := balance(t, db, "acct-1")
	if bal.Balance != 150 || bal.Reserved != 0 {
		t.Errorf("state changed: balance=%d reserved=%d, want 150/0", bal.Balance, bal.Reserved)
	}
	// No reservation row, and only the seed grant in the ledger.
	if _, ok, _ := db.HeldReservation("th-1", 0); ok {
		t.Error("no reservation should exist after a failed reserve")
	}
	entries, _ := db.ListLedgerEntries("acct-1", 10)
	if len(entries) != 1 {
		t.Errorf("ledger entries = %d, want 1 (seed only)", len(entries))
	}
}

// Scenario: balance 150, two simultaneous reserve(150) calls — exactly one
// succeeds, the other fails closed, balance never negative.
func TestReserve_ConcurrentRace(t *testing.T) {
	db := newTestDB(t)
	seedAccount(t, db, "acct-1", domain.PlanPaid, 150)
	seedThread(t, db, "th-1", "acct-1")
	seedThread(t, db, "th-2", "acct-1")
	svc := newTestService(t, db, 150)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, threadID := range []string{"th-1", "th-2"} {
		wg.Add(1)
		go func(i int, threadID string) {
			defer wg.Done()
			_, errs[i] = svc.Reserve(reserveReq("acct-1", threadID, 0))
		}(i, threadID)
	}
	wg.Wait()

	var ok, insufficient int
	for _, err := range errs {
		var ice *domain.InsufficientCreditsError
		switch {
		case err == nil:
			ok++
		case errors.As(err, &ice):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || insufficient != 1 {
		t.Errorf("outcomes = %d ok, %d insufficient, want exactly 1 of each", ok, insufficient)
	}

	bal := balance(t, db, "acct-1")
	if bal.Balance != 150 {
		t.Errorf("balance = %d, want 150", bal.Balance)
	}
	if bal.Reserved != 150 {
		t.Errorf("reserved = %d, want 150", bal.Reserved)
	}
	if bal.Available() < 0 {
		t.Errorf("available went negative: %d", bal.Available())
	}
}

// ─── Release ────────────────────────────────────────────────────────────────

// Scenario: reserve 300 then a network drop before finalize → release
// restores the pre-reservation state and appends a release entry.
func TestRelease_RestoresBalance(t *testing.T) {
	db := newTestDB(t)
	seedAccount(t, db, "acct-1", domain.PlanPaid, 1000)
	seedThread(t, db, "th-1", "acct-1")
	svc := newTestService(t, db, 300)

	res, err := svc.Reserve(reserveReq("acct-1", "th-1", 0))
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.Release(res.ID); err != nil {
		t.Fatalf("Release() error: %v", err)
	}
	bal := balance(t, db, "acct-1")
	if bal.Balance != 1000 || bal.Reserved != 0 {
		t.Errorf("after release: balance=%d reserved=%d, want 1000/0", bal.Balance, bal.Reserved)
	}

	entries, _ := db.ListLedgerEntries("acct-1", 10)
	if entries[0].Type != domain.EntryRelease || entries[0].Amount != 300 {
		t.Errorf("newest entry = %+v, want release of +300", entries[0])
	}
}

// ─── Exactly-Once Resolution ────────────────────────────────────────────────

func TestFinalizeThenRelease_SecondIsNoop(t *testing.T) {
	db := newTestDB(t)
	seedAccount(t, db, "acct-1", domain.PlanPaid, 1000)
	seedThread(t, db, "th-1", "acct-1")
	svc := newTestService(t, db, 300)

	res, _ := svc.Reserve(reserveReq("acct-1", "th-1", 0))
	if err := svc.Finalize(res.ID, 250); err != nil {
		t.Fatal(err)
	}

	// A late release (retry from a dead path) must not double-resolve.
	if err := svc.Release(res.ID); err != nil {
		t.Fatalf("Release() after finalize = %v, want nil no-op", err)
	}
	// And a duplicate finalize must not double-charge.
	if err := svc.Finalize(res.ID, 250); err != nil {
		t.Fatalf("duplicate Finalize() = %v, want nil no-op", err)
	}

	bal := balance(t, db, "acct-1")
	if bal.Balance != 750 || bal.Reserved != 0 {
		t.Errorf("balance=%d reserved=%d, want 750/0", bal.Balance, bal.Reserved)
	}
	entries, _ := db.ListLedgerEntries("acct-1", 10)
	// seed grant + reservation + deduction, nothing else
	if len(entries) != 3 {
		t.Errorf("ledger entries = %d, want 3", len(entries))
	}
}

func TestFinalize_CappedAtReservedAmount(t *testing.T) {
	db := newTestDB(t)
	seedAccount(t, db, "acct-1", domain.PlanPaid, 1000)
	seedThread(t, db, "th-1", "acct-1")
	svc := newTestService(t, db, 300)

	res, err := svc.Reserve(reserveReq("acct-1", "th-1", 0))
	if err != nil {
		t.Fatal(err)
	}

	// An actual cost above the hold deducts the hold, never more.
	if err := svc.Finalize(res.ID, 450); err != nil {
		t.Fatalf("Finalize() over hold = %v, want capped success", err)
	}
	bal := balance(t, db, "acct-1")
	if bal.Balance != 700 || bal.Reserved != 0 {
		t.Errorf("balance=%d reserved=%d, want 700/0 (deduction capped at 300)", bal.Balance, bal.Reserved)
	}
}

func TestReserve_OneHoldPerRound(t *testing.T) {
	db := newTestDB(t)
	seedAccount(t, db, "acct-1", domain.PlanPaid, 1000)
	seedThread(t, db, "th-1", "acct-1")
	svc := newTestService(t, db, 100)

	if _, err := svc.Reserve(reserveReq("acct-1", "th-1", 0)); err != nil {
		t.Fatal(err)
	}
	_, err := svc.Reserve(reserveReq("acct-1", "th-1", 0))
	if !errors.Is(err, domain.ErrReservationOutstanding) {
		t.Errorf("second hold = %v, want ErrReservationOutstanding", err)
	}
	bal := balance(t, db, "acct-1")
	if bal.Reserved != 100 {
		t.Errorf("reserved = %d, want 100 (single hold)", bal.Reserved)
	}
}

// ─── Admission ──────────────────────────────────────────────────────────────

func TestReserve_FreeTierRoundLimit(t *testing.T) {
	db := newTestDB(t)
	seedAccount(t, db, "acct-1", domain.PlanFree, 1000)
	seedThread(t, db, "th-1", "acct-1")
	svc := newTestService(t, db, 100)

	if _, err := svc.Reserve(reserveReq("acct-1", "th-1", 0)); err != nil {
		t.Fatalf("round 0 should be admitted: %v", err)
	}

	_, err := svc.Reserve(reserveReq("acct-1", "th-1", 1))
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("round 1 on free tier = %v, want ValidationError", err)
	}
}

// Older threads only block a free-tier submission while one of them still has
// an unfinished round; the thread being submitted to never counts against the
// active-thread limit.
func TestReserve_FreeTierActiveThreadLimit(t *testing.T) {
	db := newTestDB(t)
	seedAccount(t, db, "acct-1", domain.PlanFree, 1000)
	seedThread(t, db, "th-1", "acct-1")
	seedThread(t, db, "th-2", "acct-1")
	svc := newTestService(t, db, 100)

	// Two threads, neither with an unfinished round: admitted.
	if _, err := svc.Reserve(reserveReq("acct-1", "th-2", 0)); err != nil {
		t.Fatalf("second idle thread should be admitted: %v", err)
	}

	err := db.InsertRound(domain.Round{
		ThreadID: "th-2", Number: 0, Phase: domain.PhaseParticipants,
		Participants: []domain.ParticipantState{
			{ParticipantID: "p-a", Index: 0, Status: domain.ParticipantStreaming},
		},
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	// th-2 is now the account's active thread: th-1 is blocked.
	_, err = svc.Reserve(reserveReq("acct-1", "th-1", 0))
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("second active thread = %v, want ValidationError", err)
	}

	// Once th-2's round completes, th-1 is admitted again.
	if err := db.UpdateRoundPhase("th-2", 0, domain.PhaseComplete); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Reserve(reserveReq("acct-1", "th-1", 0)); err != nil {
		t.Fatalf("thread after completion should be admitted: %v", err)
	}
}

func TestReserve_FreeTierMessageCap(t *testing.T) {
	db := newTestDB(t)
	seedAccount(t, db, "acct-1", domain.PlanFree, 100000)
	seedThread(t, db, "th-1", "acct-1")
	for i := 0; i < domain.FreeMaxMessagesPeriod; i++ {
		db.InsertMessage(domain.Message{
			ID: "m-" + string(rune('a'+i%26)) + string(rune('0'+i/26)), ThreadID: "th-1",
			RoundNumber: 0, Role: domain.RoleUser, CreatedAt: time.Now(),
		})
	}
	svc := newTestService(t, db, 100)

	_, err := svc.Reserve(reserveReq("acct-1", "th-1", 0))
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("over message cap = %v, want ValidationError", err)
	}
}

func TestReserve_PaidTierSkipsFreeLimits(t *testing.T) {
	db := newTestDB(t)
	seedAccount(t, db, "acct-1", domain.PlanPaid, 10000)
	seedThread(t, db, "th-1", "acct-1")
	svc := newTestService(t, db, 100)

	if _, err := svc.Reserve(reserveReq("acct-1", "th-1", 3)); err != nil {
		t.Errorf("paid tier round 3 = %v, want admitted", err)
	}
}

// ─── Grants & Views ─────────────────────────────────────────────────────────

func TestGrant(t *testing.T) {
	db := newTestDB(t)
	seedAccount(t, db, "acct-1", domain.PlanFree, 0)
	svc := newTestService(t, db, 100)

	if err := svc.Grant("acct-1", 500, "plan upgrade"); err != nil {
		t.Fatalf("Grant() error: %v", err)
	}
	bal := balance(t, db, "acct-1")
	if bal.Balance != 500 {
		t.Errorf("balance = %d, want 500", bal.Balance)
	}

	if err := svc.Grant("acct-1", 0, "zero"); err == nil {
		t.Error("zero grant should be rejected")
	}
}

func TestBalanceView(t *testing.T) {
	db := newTestDB(t)
	seedAccount(t, db, "acct-1", domain.PlanFree, 2500)
	svc := newTestService(t, db, 100)

	view, err := svc.Balance("acct-1")
	if err != nil {
		t.Fatalf("Balance() error: %v", err)
	}
	if view.Available != 2500 || view.Status != domain.BalanceDefault {
		t.Errorf("view = %+v, want available 2500 default", view)
	}
	if view.Plan.Type != domain.PlanFree {
		t.Errorf("plan = %q, want free", view.Plan.Type)
	}
	if view.Plan.NextRefillAt.IsZero() {
		t.Error("NextRefillAt should be scheduled")
	}
	if !view.Plan.NextRefillAt.After(time.Now()) {
		t.Error("NextRefillAt should be in the future")
	}
}

func TestTransactions_Paginated(t *testing.T) {
	db := newTestDB(t)
	seedAccount(t, db, "acct-1", domain.PlanPaid, 100)
	svc := newTestService(t, db, 10)

	for i := 0; i < 5; i++ {
		if err := svc.Grant("acct-1", 10, "topup"); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := svc.Transactions("acct-1", 3)
	if err != nil {
		t.Fatalf("Transactions() error: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("entries = %d, want 3", len(entries))
	}
}

func TestCreateAccount_GrantsInitialAllocation(t *testing.T) {
	db := newTestDB(t)
	svc := newTestService(t, db, 100)

	if err := svc.CreateAccount("acct-1", domain.PlanFree); err != nil {
		t.Fatalf("CreateAccount() error: %v", err)
	}
	bal := balance(t, db, "acct-1")
	if bal.Balance != domain.MonthlyCreditsFor(domain.PlanFree) {
		t.Errorf("balance = %d, want initial free allocation", bal.Balance)
	}
}

// ─── Invariants Under Concurrency ───────────────────────────────────────────

func TestConcurrentGrantsKeepInvariants(t *testing.T) {
	db := newTestDB(t)
	seedAccount(t, db, "acct-1", domain.PlanPaid, 0)
	// Eight writers racing one row: give the retry loop enough headroom that
	// every grant lands.
	cfg := DefaultConfig()
	cfg.MaxRetries = 50
	svc := New(cfg, db, fixedEstimator{amount: 100})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := svc.Grant("acct-1", 25, "concurrent"); err != nil {
				t.Errorf("Grant() error: %v", err)
			}
		}()
	}
	wg.Wait()

	bal := balance(t, db, "acct-1")
	if bal.Balance != 200 {
		t.Errorf("balance = %d, want 200 (no lost updates)", bal.Balance)
	}
	if err := bal.CheckInvariants(); err != nil {
		t.Errorf("invariants violated: %v", err)
	}
}

// ─── Plan Changes ───────────────────────────────────────────────────────────

func TestChangePlan_UpgradeGrantsAllocation(t *testing.T) {
	db := newTestDB(t)
	seedAccount(t, db, "acct-1", domain.PlanFree, 0)
	svc := newTestService(t, db, 100)

	if err := svc.ChangePlan("acct-1", domain.PlanPaid); err != nil {
		t.Fatalf("ChangePlan() error: %v", err)
	}

	bal, plan, err := db.GetAccount("acct-1")
	if err != nil {
		t.Fatal(err)
	}
	if plan != domain.PlanPaid {
		t.Errorf("plan = %s, want paid", plan)
	}
	if want := domain.MonthlyCreditsFor(domain.PlanPaid); bal.Balance != want {
		t.Errorf("balance = %d, want %d (upgrade allocation)", bal.Balance, want)
	}
}

func TestChangePlan_SamePlanIsNoOp(t *testing.T) {
	db := newTestDB(t)
	seedAccount(t, db, "acct-1", domain.PlanFree, 500)
	svc := newTestService(t, db, 100)

	if err := svc.ChangePlan("acct-1", domain.PlanFree); err != nil {
		t.Fatalf("ChangePlan() error: %v", err)
	}
	if bal := balance(t, db, "acct-1"); bal.Balance != 500 {
		t.Errorf("balance = %d, want 500 (unchanged)", bal.Balance)
	}
}

func TestChangePlan_RejectsUnknownPlan(t *testing.T) {
	db := newTestDB(t)
	seedAccount(t, db, "acct-1", domain.PlanFree, 0)
	svc := newTestService(t, db, 100)

	err := svc.ChangePlan("acct-1", domain.PlanType("enterprise"))
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("ChangePlan() error = %v, want ValidationError", err)
	}
}

func TestChangePlan_DowngradeKeepsBalance(t *testing.T) {
	db := newTestDB(t)
	seedAccount(t, db, "acct-1", domain.PlanPaid, 8000)
	svc := newTestService(t, db, 100)

	if err := svc.ChangePlan("acct-1", domain.PlanFree); err != nil {
		t.Fatalf("ChangePlan() error: %v", err)
	}
	bal, plan, err := db.GetAccount("acct-1")
	if err != nil {
		t.Fatal(err)
	}
	if plan != domain.PlanFree {
		t.Errorf("plan = %s, want free", plan)
	}
	if bal.Balance != 8000 {
		t.Errorf("balance = %d, want 8000 (downgrade does not claw back)", bal.Balance)
	}
}
