// Credit ledger persistence: the accounts projection, append-only ledger
// entries, and reservation rows. All balance writes are conditioned on the
// account row's version; the retry loop lives in the ledger service.
package sqlite

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/parley-ai/parley/internal/domain"
)

// ErrVersionMismatch reports that a conditional balance write lost the race.
// The caller re-reads the account and retries (bounded).
var ErrVersionMismatch = errors.New("account version mismatch")

// ─── Account Operations ─────────────────────────────────────────────────────

// CreateAccount inserts a zero-balance account. Existing accounts are left
// untouched.
func (db *DB) CreateAccount(accountID string, plan domain.PlanType) error {
	_, err := db.db.Exec(`
		INSERT OR IGNORE INTO accounts (account_id, plan) VALUES (?, ?)
	`, accountID, string(plan))
	return err
}

// GetAccount returns the balance projection and plan for an account.
func (db *DB) GetAccount(accountID string) (domain.Balance, domain.PlanType, error) {
	var bal domain.Balance
	var plan string
	err := db.db.QueryRow(`
		SELECT account_id, balance, reserved, version, plan
		FROM accounts WHERE account_id = ?
	`, accountID).Scan(&bal.AccountID, &bal.Balance, &bal.Reserved, &bal.Version, &plan)
	if err == sql.ErrNoRows {
		return domain.Balance{}, "", domain.ErrAccountNotFound
	}
	if err != nil {
		return domain.Balance{}, "", err
	}
	return bal, domain.PlanType(plan), nil
}

// SetPlan updates an account's plan.
func (db *DB) SetPlan(accountID string, plan domain.PlanType) error {
	_, err := db.db.Exec(`UPDATE accounts SET plan = ? WHERE account_id = ?`,
		string(plan), accountID)
	return err
}

// ─── Balance Mutations ──────────────────────────────────────────────────────

// ApplyBalance commits a balance projection change together with its ledger
// entry in one transaction. The write is conditioned on expectVersion; when
// another writer got there first no row matches and ErrVersionMismatch is
// returned with nothing committed.
func (db *DB) ApplyBalance(accountID string, expectVersion, newBalance, newReserved int64, entry domain.LedgerEntry) error {
	tx, err := db.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := applyBalanceTx(tx, accountID, expectVersion, newBalance, newReserved, entry); err != nil {
		return err
	}
	return tx.Commit()
}

// ApplyBalanceResolve is ApplyBalance plus a reservation status transition,
// all-or-nothing. It returns resolved=false (committing nothing) when the
// reservation was already finalized or released, so duplicate finalize and
// release attempts are no-ops rather than errors.
func (db *DB) ApplyBalanceResolve(accountID string, expectVersion, newBalance, newReserved int64, entry domain.LedgerEntry, reservationID string, status domain.ReservationStatus) (bool, error) {
	tx, err := db.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		UPDATE reservations SET status = ?, resolved_at = ?
		WHERE id = ? AND status = 'held'
	`, string(status), time.Now().UTC().Format(time.RFC3339), reservationID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// Already resolved by an earlier attempt.
		return false, nil
	}

	if err := applyBalanceTx(tx, accountID, expectVersion, newBalance, newReserved, entry); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func applyBalanceTx(tx *sql.Tx, accountID string, expectVersion, newBalance, newReserved int64, entry domain.LedgerEntry) error {
	res, err := tx.Exec(`
		UPDATE accounts SET balance = ?, reserved = ?, version = version + 1
		WHERE account_id = ? AND version = ?
	`, newBalance, newReserved, accountID, expectVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionMismatch
	}

	_, err = tx.Exec(`
		INSERT INTO ledger_entries (account_id, type, amount, balance_after, action, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, entry.AccountID, string(entry.Type), entry.Amount, entry.BalanceAfter,
		entry.Action, entry.Description, time.Now().UTC().Format(time.RFC3339))
	return err
}

// ApplyReserve inserts the reservation row and commits the balance hold in
// one transaction. Duplicate holds for the same round surface as
// domain.ErrReservationOutstanding; a lost version race surfaces as
// ErrVersionMismatch. Either way nothing is committed.
func (db *DB) ApplyReserve(r domain.Reservation, expectVersion, newBalance, newReserved int64, entry domain.LedgerEntry) error {
	tx, err := db.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO reservations (id, account_id, thread_id, round_number, amount, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.AccountID, r.ThreadID, r.RoundNumber, r.Amount, string(r.Status),
		r.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return domain.ErrReservationOutstanding
		}
		return err
	}

	if err := applyBalanceTx(tx, r.AccountID, expectVersion, newBalance, newReserved, entry); err != nil {
		return err
	}
	return tx.Commit()
}

// ─── Ledger Reads ───────────────────────────────────────────────────────────

// ListLedgerEntries returns an account's most recent entries, newest first.
func (db *DB) ListLedgerEntries(accountID string, limit int) ([]domain.LedgerEntry, error) {
	rows, err := db.db.Query(`
		SELECT id, account_id, type, amount, balance_after, action, description, created_at
		FROM ledger_entries WHERE account_id = ? ORDER BY id DESC LIMIT ?
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		var typ, createdStr string
		if err := rows.Scan(&e.ID, &e.AccountID, &typ, &e.Amount, &e.BalanceAfter, &e.Action, &e.Description, &createdStr); err != nil {
			return nil, err
		}
		e.Type = domain.EntryType(typ)
		e.CreatedAt = parseTime(createdStr)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ─── Reservation Operations ─────────────────────────────────────────────────

// InsertReservation records a new credit hold. A second outstanding hold for
// the same (thread, round) violates the partial unique index and is reported
// as domain.ErrReservationOutstanding.
func (db *DB) InsertReservation(r domain.Reservation) error {
	_, err := db.db.Exec(`
		INSERT INTO reservations (id, account_id, thread_id, round_number, amount, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.AccountID, r.ThreadID, r.RoundNumber, r.Amount, string(r.Status),
		r.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return domain.ErrReservationOutstanding
	}
	return err
}

// GetReservation retrieves a reservation by id.
func (db *DB) GetReservation(id string) (domain.Reservation, error) {
	var r domain.Reservation
	var status, createdStr string
	var resolvedStr sql.NullString
	err := db.db.QueryRow(`
		SELECT id, account_id, thread_id, round_number, amount, status, created_at, resolved_at
		FROM reservations WHERE id = ?
	`, id).Scan(&r.ID, &r.AccountID, &r.ThreadID, &r.RoundNumber, &r.Amount, &status, &createdStr, &resolvedStr)
	if err == sql.ErrNoRows {
		return domain.Reservation{}, domain.ErrReservationNotFound
	}
	if err != nil {
		return domain.Reservation{}, err
	}
	r.Status = domain.ReservationStatus(status)
	r.CreatedAt = parseTime(createdStr)
	if resolvedStr.Valid {
		r.ResolvedAt = parseTime(resolvedStr.String)
	}
	return r, nil
}

// HeldReservation returns the outstanding hold for a round, if any.
func (db *DB) HeldReservation(threadID string, roundNumber int) (domain.Reservation, bool, error) {
	var id string
	err := db.db.QueryRow(`
		SELECT id FROM reservations
		WHERE thread_id = ? AND round_number = ? AND status = 'held'
	`, threadID, roundNumber).Scan(&id)
	if err == sql.ErrNoRows {
		return domain.Reservation{}, false, nil
	}
	if err != nil {
		return domain.Reservation{}, false, err
	}
	r, err := db.GetReservation(id)
	return r, err == nil, err
}

// ─── Refill Bookkeeping ─────────────────────────────────────────────────────

// LastRefill returns when an account's monthly refill last applied.
func (db *DB) LastRefill(accountID string) (time.Time, bool, error) {
	var s string
	err := db.db.QueryRow(`SELECT applied_at FROM refills WHERE account_id = ?`, accountID).Scan(&s)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return parseTime(s), true, nil
}

// SetLastRefill records a refill application time.
func (db *DB) SetLastRefill(accountID string, at time.Time) error {
	_, err := db.db.Exec(`
		INSERT INTO refills (account_id, applied_at) VALUES (?, ?)
		ON CONFLICT(account_id) DO UPDATE SET applied_at = excluded.applied_at
	`, accountID, at.UTC().Format(time.RFC3339))
	return err
}

// ListAccounts returns every account id with its plan.
func (db *DB) ListAccounts() (map[string]domain.PlanType, error) {
	rows, err := db.db.Query(`SELECT account_id, plan FROM accounts`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]domain.PlanType)
	for rows.Next() {
		var id, plan string
		if err := rows.Scan(&id, &plan); err != nil {
			return nil, err
		}
		out[id] = domain.PlanType(plan)
	}
	return out, rows.Err()
}

// parseTime handles both RFC3339 (written from Go) and SQLite's default
// datetime('now') format.
func parseTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	t, _ := time.Parse("2006-01-02 15:04:05", s)
	return t
}
