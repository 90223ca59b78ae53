// Round checkpoint persistence: threads, rounds, per-participant states, and
// messages. The coordinator writes a checkpoint after every phase transition;
// the status surface recomputes completion from these rows alone.
package sqlite

import (
	"database/sql"
	"time"

	"github.com/parley-ai/parley/internal/domain"
)

// ─── Thread Operations ──────────────────────────────────────────────────────

// CreateThread inserts a new conversation thread.
func (db *DB) CreateThread(t domain.Thread) error {
	_, err := db.db.Exec(`
		INSERT INTO threads (id, account_id, title, created_at) VALUES (?, ?, ?, ?)
	`, t.ID, t.AccountID, t.Title, t.CreatedAt.UTC().Format(time.RFC3339))
	return err
}

// GetThread retrieves a thread by id.
func (db *DB) GetThread(id string) (domain.Thread, error) {
	var t domain.Thread
	var createdStr string
	err := db.db.QueryRow(`
		SELECT id, account_id, title, created_at FROM threads WHERE id = ?
	`, id).Scan(&t.ID, &t.AccountID, &t.Title, &createdStr)
	if err == sql.ErrNoRows {
		return domain.Thread{}, domain.ErrThreadNotFound
	}
	if err != nil {
		return domain.Thread{}, err
	}
	t.CreatedAt = parseTime(createdStr)
	return t, nil
}

// ListThreads returns an account's threads, newest first.
func (db *DB) ListThreads(accountID string) ([]domain.Thread, error) {
	rows, err := db.db.Query(`
		SELECT id, account_id, title, created_at
		FROM threads WHERE account_id = ? ORDER BY created_at DESC
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var threads []domain.Thread
	for rows.Next() {
		var t domain.Thread
		var createdStr string
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Title, &createdStr); err != nil {
			return nil, err
		}
		t.CreatedAt = parseTime(createdStr)
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

// CountActiveThreadsExcept counts an account's threads, other than the given
// one, that still hold a round short of the complete phase. The free-tier
// admission check uses it: the thread being submitted to always counts as the
// account's one allowed active thread.
func (db *DB) CountActiveThreadsExcept(accountID, threadID string) (int, error) {
	var n int
	err := db.db.QueryRow(`
		SELECT COUNT(DISTINCT r.thread_id) FROM rounds r
		JOIN threads t ON t.id = r.thread_id
		WHERE t.account_id = ? AND r.thread_id != ? AND r.phase != 'complete'
	`, accountID, threadID).Scan(&n)
	return n, err
}

// ─── Round Operations ───────────────────────────────────────────────────────

// InsertRound creates the round checkpoint row and its participant states.
func (db *DB) InsertRound(r domain.Round) error {
	tx, err := db.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO rounds (thread_id, number, phase, pre_search_requested, search_query, max_output_tokens, reservation_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ThreadID, r.Number, string(r.Phase), boolToInt(r.PreSearchRequested),
		r.SearchQuery, r.MaxOutputTokens, r.ReservationID, r.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return err
	}

	for _, p := range r.Participants {
		_, err = tx.Exec(`
			INSERT INTO round_participants (thread_id, round_number, participant_id, idx, model, persona, status)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, r.ThreadID, r.Number, p.ParticipantID, p.Index, p.Model, p.Persona, string(p.Status))
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetRound retrieves a round checkpoint with its participant states.
func (db *DB) GetRound(threadID string, number int) (domain.Round, error) {
	var r domain.Round
	var phase, createdStr string
	var modID, resID sql.NullString
	var preReq, preDone, canceled int
	err := db.db.QueryRow(`
		SELECT thread_id, number, phase, pre_search_requested, pre_search_done,
		       search_query, max_output_tokens, moderator_message_id, reservation_id, canceled, created_at
		FROM rounds WHERE thread_id = ? AND number = ?
	`, threadID, number).Scan(&r.ThreadID, &r.Number, &phase, &preReq, &preDone,
		&r.SearchQuery, &r.MaxOutputTokens, &modID, &resID, &canceled, &createdStr)
	if err == sql.ErrNoRows {
		return domain.Round{}, domain.ErrRoundNotFound
	}
	if err != nil {
		return domain.Round{}, err
	}
	r.Phase = domain.Phase(phase)
	r.PreSearchRequested = preReq == 1
	r.PreSearchDone = preDone == 1
	r.ModeratorMessageID = modID.String
	r.ReservationID = resID.String
	r.Canceled = canceled == 1
	r.CreatedAt = parseTime(createdStr)

	r.Participants, err = db.ParticipantStates(threadID, number)
	return r, err
}

// LatestRoundNumber returns the highest round number in a thread, or -1 when
// the thread has no rounds yet.
func (db *DB) LatestRoundNumber(threadID string) (int, error) {
	var n sql.NullInt64
	err := db.db.QueryRow(`
		SELECT MAX(number) FROM rounds WHERE thread_id = ?
	`, threadID).Scan(&n)
	if err != nil {
		return -1, err
	}
	if !n.Valid {
		return -1, nil
	}
	return int(n.Int64), nil
}

// IncompleteRounds returns every round whose checkpoint has not reached the
// complete phase. The background runner sweeps these at startup so rounds
// interrupted by a crash or restart still finish. Canceled rounds are
// included: a crash between the cancel flag and the settlement would
// otherwise strand their credit hold.
func (db *DB) IncompleteRounds() ([]domain.Round, error) {
	rows, err := db.db.Query(`
		SELECT thread_id, number FROM rounds
		WHERE phase != 'complete'
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type key struct {
		threadID string
		number   int
	}
	var keys []key
	for rows.Next() {
		var k key
		if err := rows.Scan(&k.threadID, &k.number); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var rounds []domain.Round
	for _, k := range keys {
		r, err := db.GetRound(k.threadID, k.number)
		if err != nil {
			return nil, err
		}
		rounds = append(rounds, r)
	}
	return rounds, nil
}

// UpdateRoundPhase checkpoints a phase transition.
func (db *DB) UpdateRoundPhase(threadID string, number int, phase domain.Phase) error {
	_, err := db.db.Exec(`
		UPDATE rounds SET phase = ? WHERE thread_id = ? AND number = ?
	`, string(phase), threadID, number)
	return err
}

// SetPreSearchDone marks the pre-search stage finished (complete, failed, or
// timed out — all three proceed to participants).
func (db *DB) SetPreSearchDone(threadID string, number int) error {
	_, err := db.db.Exec(`
		UPDATE rounds SET pre_search_done = 1 WHERE thread_id = ? AND number = ?
	`, threadID, number)
	return err
}

// SetModeratorMessage records the moderator synthesis message id. Its
// presence is half of the completeness rule for multi-participant rounds.
func (db *DB) SetModeratorMessage(threadID string, number int, messageID string) error {
	_, err := db.db.Exec(`
		UPDATE rounds SET moderator_message_id = ? WHERE thread_id = ? AND number = ?
	`, messageID, threadID, number)
	return err
}

// SetRoundCanceled flags a user cancellation.
func (db *DB) SetRoundCanceled(threadID string, number int) error {
	_, err := db.db.Exec(`
		UPDATE rounds SET canceled = 1 WHERE thread_id = ? AND number = ?
	`, threadID, number)
	return err
}

// ─── Participant State Operations ───────────────────────────────────────────

// UpdateParticipantState checkpoints one participant's status transition.
func (db *DB) UpdateParticipantState(threadID string, number int, s domain.ParticipantState) error {
	_, err := db.db.Exec(`
		UPDATE round_participants SET status = ?, finish_reason = ?
		WHERE thread_id = ? AND round_number = ? AND participant_id = ?
	`, string(s.Status), s.FinishReason, threadID, number, s.ParticipantID)
	return err
}

// ParticipantStates returns a round's participant states in priority order.
func (db *DB) ParticipantStates(threadID string, number int) ([]domain.ParticipantState, error) {
	rows, err := db.db.Query(`
		SELECT participant_id, idx, model, persona, status, finish_reason
		FROM round_participants
		WHERE thread_id = ? AND round_number = ? ORDER BY idx
	`, threadID, number)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []domain.ParticipantState
	for rows.Next() {
		var s domain.ParticipantState
		var status string
		if err := rows.Scan(&s.ParticipantID, &s.Index, &s.Model, &s.Persona, &status, &s.FinishReason); err != nil {
			return nil, err
		}
		s.Status = domain.ParticipantStatus(status)
		states = append(states, s)
	}
	return states, rows.Err()
}

// CheckpointParticipant persists a participant's terminal message and status
// transition in one transaction. The coordinator relies on this being atomic:
// a crash never leaves a persisted message with a non-terminal state row, so a
// resumed round cannot duplicate a finished participant.
func (db *DB) CheckpointParticipant(m domain.Message, s domain.ParticipantState) error {
	tx, err := db.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertMessageTx(tx, m); err != nil {
		return err
	}
	_, err = tx.Exec(`
		UPDATE round_participants SET status = ?, finish_reason = ?
		WHERE thread_id = ? AND round_number = ? AND participant_id = ?
	`, string(s.Status), s.FinishReason, m.ThreadID, m.RoundNumber, s.ParticipantID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// CheckpointModerator persists the moderator message and records its id on
// the round in one transaction. The recorded id is half of the completeness
// rule for multi-participant rounds.
func (db *DB) CheckpointModerator(m domain.Message) error {
	tx, err := db.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertMessageTx(tx, m); err != nil {
		return err
	}
	_, err = tx.Exec(`
		UPDATE rounds SET moderator_message_id = ? WHERE thread_id = ? AND number = ?
	`, m.ID, m.ThreadID, m.RoundNumber)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// ─── Message Operations ─────────────────────────────────────────────────────

// InsertMessage persists a message. Streaming content is buffered in memory
// and written here once, when the participant reaches a terminal status.
func (db *DB) InsertMessage(m domain.Message) error {
	_, err := db.db.Exec(`
		INSERT INTO messages (id, thread_id, round_number, role, participant_index, content, finish_reason, error_flag, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.ThreadID, m.RoundNumber, string(m.Role), m.ParticipantIndex,
		m.Content, m.FinishReason, boolToInt(m.ErrorFlag),
		m.CreatedAt.UTC().Format(time.RFC3339))
	return err
}

func insertMessageTx(tx *sql.Tx, m domain.Message) error {
	_, err := tx.Exec(`
		INSERT INTO messages (id, thread_id, round_number, role, participant_index, content, finish_reason, error_flag, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.ThreadID, m.RoundNumber, string(m.Role), m.ParticipantIndex,
		m.Content, m.FinishReason, boolToInt(m.ErrorFlag),
		m.CreatedAt.UTC().Format(time.RFC3339))
	return err
}

// ListMessages returns a thread's messages in insertion order.
func (db *DB) ListMessages(threadID string) ([]domain.Message, error) {
	rows, err := db.db.Query(`
		SELECT id, thread_id, round_number, role, participant_index, content, finish_reason, error_flag, created_at
		FROM messages WHERE thread_id = ? ORDER BY round_number, created_at, id
	`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// RoundMessages returns the messages of a single round.
func (db *DB) RoundMessages(threadID string, number int) ([]domain.Message, error) {
	rows, err := db.db.Query(`
		SELECT id, thread_id, round_number, role, participant_index, content, finish_reason, error_flag, created_at
		FROM messages WHERE thread_id = ? AND round_number = ? ORDER BY created_at, id
	`, threadID, number)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// CountMessagesSince counts an account's user messages since a cutoff, for
// the free-tier per-period admission check.
func (db *DB) CountMessagesSince(accountID string, since time.Time) (int, error) {
	var n int
	err := db.db.QueryRow(`
		SELECT COUNT(*) FROM messages m
		JOIN threads t ON t.id = m.thread_id
		WHERE t.account_id = ? AND m.role = 'user' AND m.created_at >= ?
	`, accountID, since.UTC().Format(time.RFC3339)).Scan(&n)
	return n, err
}

func scanMessage(rows *sql.Rows) (domain.Message, error) {
	var m domain.Message
	var role, createdStr string
	var errFlag int
	err := rows.Scan(&m.ID, &m.ThreadID, &m.RoundNumber, &role, &m.ParticipantIndex,
		&m.Content, &m.FinishReason, &errFlag, &createdStr)
	if err != nil {
		return domain.Message{}, err
	}
	m.Role = domain.Role(role)
	m.ErrorFlag = errFlag == 1
	m.CreatedAt = parseTime(createdStr)
	return m, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
