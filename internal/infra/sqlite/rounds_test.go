package sqlite

import (
	"errors"
	"testing"
	"time"

	"github.com/parley-ai/parley/internal/domain"
)

func testThread(id string) domain.Thread {
	return domain.Thread{ID: id, AccountID: "acct-1", Title: "test thread", CreatedAt: time.Now()}
}

func testRound(threadID string, number int) domain.Round {
	return domain.Round{
		ThreadID: threadID,
		Number:   number,
		Phase:    domain.PhaseIdle,
		Participants: []domain.ParticipantState{
			{ParticipantID: "p-a", Index: 0, Model: "model-a", Status: domain.ParticipantPending},
			{ParticipantID: "p-b", Index: 1, Model: "model-b", Persona: "skeptic", Status: domain.ParticipantPending},
		},
		PreSearchRequested: true,
		ReservationID:      "res-1",
		CreatedAt:          time.Now(),
	}
}

// ─── Threads ────────────────────────────────────────────────────────────────

func TestThreadRoundTrip(t *testing.T) {
	db := newTestDB(t)
	if err := db.CreateThread(testThread("th-1")); err != nil {
		t.Fatalf("CreateThread() error: %v", err)
	}

	th, err := db.GetThread("th-1")
	if err != nil {
		t.Fatalf("GetThread() error: %v", err)
	}
	if th.AccountID != "acct-1" || th.Title != "test thread" {
		t.Errorf("thread = %+v", th)
	}

	if _, err := db.GetThread("missing"); !errors.Is(err, domain.ErrThreadNotFound) {
		t.Errorf("GetThread(missing) = %v, want ErrThreadNotFound", err)
	}
}

func TestCountActiveThreadsExcept(t *testing.T) {
	db := newTestDB(t)
	db.CreateThread(testThread("th-1"))
	db.CreateThread(testThread("th-2"))
	db.CreateThread(testThread("th-3"))

	// th-1 has an unfinished round, th-2 a completed one, th-3 no rounds.
	if err := db.InsertRound(testRound("th-1", 0)); err != nil {
		t.Fatal(err)
	}
	if err := db.InsertRound(testRound("th-2", 0)); err != nil {
		t.Fatal(err)
	}
	if err := db.UpdateRoundPhase("th-2", 0, domain.PhaseComplete); err != nil {
		t.Fatal(err)
	}

	n, err := db.CountActiveThreadsExcept("acct-1", "th-3")
	if err != nil || n != 1 {
		t.Errorf("CountActiveThreadsExcept(th-3) = %d, %v, want 1 (th-1 active)", n, err)
	}
	n, err = db.CountActiveThreadsExcept("acct-1", "th-1")
	if err != nil || n != 0 {
		t.Errorf("CountActiveThreadsExcept(th-1) = %d, %v, want 0 (own thread excluded)", n, err)
	}
}

// ─── Rounds ─────────────────────────────────────────────────────────────────

func TestRoundCheckpointRoundTrip(t *testing.T) {
	db := newTestDB(t)
	db.CreateThread(testThread("th-1"))

	if err := db.InsertRound(testRound("th-1", 0)); err != nil {
		t.Fatalf("InsertRound() error: %v", err)
	}

	r, err := db.GetRound("th-1", 0)
	if err != nil {
		t.Fatalf("GetRound() error: %v", err)
	}
	if len(r.Participants) != 2 {
		t.Fatalf("participants = %d, want 2", len(r.Participants))
	}
	if r.Participants[1].Model != "model-b" || r.Participants[1].Persona != "skeptic" {
		t.Errorf("participant snapshot not persisted: %+v", r.Participants[1])
	}
	if r.Participants[0].ParticipantID != "p-a" || r.Participants[1].ParticipantID != "p-b" {
		t.Errorf("participants out of priority order: %+v", r.Participants)
	}
	if !r.PreSearchRequested || r.PreSearchDone {
		t.Errorf("pre-search flags = requested=%v done=%v", r.PreSearchRequested, r.PreSearchDone)
	}
	if r.ReservationID != "res-1" {
		t.Errorf("reservation id = %q", r.ReservationID)
	}
}

func TestRoundPhaseCheckpoints(t *testing.T) {
	db := newTestDB(t)
	db.CreateThread(testThread("th-1"))
	db.InsertRound(testRound("th-1", 0))

	db.UpdateRoundPhase("th-1", 0, domain.PhaseParticipants)
	db.SetPreSearchDone("th-1", 0)
	db.SetModeratorMessage("th-1", 0, "msg-mod")
	db.SetRoundCanceled("th-1", 0)

	r, err := db.GetRound("th-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if r.Phase != domain.PhaseParticipants {
		t.Errorf("phase = %q, want participants", r.Phase)
	}
	if !r.PreSearchDone {
		t.Error("pre_search_done should be set")
	}
	if r.ModeratorMessageID != "msg-mod" {
		t.Errorf("moderator message id = %q", r.ModeratorMessageID)
	}
	if !r.Canceled {
		t.Error("canceled should be set")
	}
}

func TestLatestRoundNumber(t *testing.T) {
	db := newTestDB(t)
	db.CreateThread(testThread("th-1"))

	n, err := db.LatestRoundNumber("th-1")
	if err != nil {
		t.Fatal(err)
	}
	if n != -1 {
		t.Errorf("empty thread latest round = %d, want -1", n)
	}

	db.InsertRound(testRound("th-1", 0))
	r1 := testRound("th-1", 1)
	db.InsertRound(r1)

	n, _ = db.LatestRoundNumber("th-1")
	if n != 1 {
		t.Errorf("latest round = %d, want 1", n)
	}
}

func TestIncompleteRounds(t *testing.T) {
	db := newTestDB(t)
	db.CreateThread(testThread("th-1"))

	db.InsertRound(testRound("th-1", 0))
	db.InsertRound(testRound("th-1", 1))
	db.InsertRound(testRound("th-1", 2))

	db.UpdateRoundPhase("th-1", 0, domain.PhaseComplete)
	db.SetRoundCanceled("th-1", 1)

	// Canceled round 1 is still swept: until its checkpoint reads complete it
	// may hold an unreleased reservation.
	rounds, err := db.IncompleteRounds()
	if err != nil {
		t.Fatalf("IncompleteRounds() error: %v", err)
	}
	if len(rounds) != 2 {
		t.Fatalf("incomplete rounds = %d, want 2", len(rounds))
	}
	if rounds[0].Number != 1 || rounds[1].Number != 2 {
		t.Errorf("incomplete round numbers = %d, %d, want 1, 2", rounds[0].Number, rounds[1].Number)
	}
	if !rounds[0].Canceled {
		t.Error("canceled flag should be loaded")
	}
	if len(rounds[1].Participants) != 2 {
		t.Errorf("participants not loaded: %d", len(rounds[1].Participants))
	}
}

func TestGetRound_NotFound(t *testing.T) {
	db := newTestDB(t)
	_, err := db.GetRound("th-1", 7)
	if !errors.Is(err, domain.ErrRoundNotFound) {
		t.Errorf("GetRound(missing) = %v, want ErrRoundNotFound", err)
	}
}

// ─── Participant States ─────────────────────────────────────────────────────

func TestUpdateParticipantState(t *testing.T) {
	db := newTestDB(t)
	db.CreateThread(testThread("th-1"))
	db.InsertRound(testRound("th-1", 0))

	err := db.UpdateParticipantState("th-1", 0, domain.ParticipantState{
		ParticipantID: "p-a",
		Status:        domain.ParticipantError,
		FinishReason:  "provider_error",
	})
	if err != nil {
		t.Fatalf("UpdateParticipantState() error: %v", err)
	}

	states, err := db.ParticipantStates("th-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if states[0].Status != domain.ParticipantError {
		t.Errorf("status = %q, want error", states[0].Status)
	}
	if states[0].FinishReason != "provider_error" {
		t.Errorf("finish reason = %q", states[0].FinishReason)
	}
	if states[1].Status != domain.ParticipantPending {
		t.Errorf("untouched participant status = %q, want pending", states[1].Status)
	}
}

// ─── Messages ───────────────────────────────────────────────────────────────

func testMessage(id, threadID string, round int, role domain.Role, idx int) domain.Message {
	return domain.Message{
		ID:               id,
		ThreadID:         threadID,
		RoundNumber:      round,
		Role:             role,
		ParticipantIndex: idx,
		Content:          "hello",
		CreatedAt:        time.Now(),
	}
}

func TestMessagesRoundTrip(t *testing.T) {
	db := newTestDB(t)
	db.CreateThread(testThread("th-1"))

	db.InsertMessage(testMessage("m-1", "th-1", 0, domain.RoleUser, 0))
	db.InsertMessage(testMessage("m-2", "th-1", 0, domain.RoleAssistant, 0))
	db.InsertMessage(testMessage("m-3", "th-1", 0, domain.RoleAssistant, 1))
	db.InsertMessage(testMessage("m-4", "th-1", 0, domain.RoleModerator, 0))

	msgs, err := db.ListMessages("th-1")
	if err != nil {
		t.Fatalf("ListMessages() error: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4", len(msgs))
	}
	if msgs[0].Role != domain.RoleUser || msgs[3].Role != domain.RoleModerator {
		t.Errorf("message order wrong: %q ... %q", msgs[0].Role, msgs[3].Role)
	}

	roundMsgs, err := db.RoundMessages("th-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(roundMsgs) != 4 {
		t.Errorf("round messages = %d, want 4", len(roundMsgs))
	}
}

func TestCountMessagesSince(t *testing.T) {
	db := newTestDB(t)
	db.CreateThread(testThread("th-1"))
	db.InsertMessage(testMessage("m-1", "th-1", 0, domain.RoleUser, 0))
	db.InsertMessage(testMessage("m-2", "th-1", 0, domain.RoleAssistant, 0))
	db.InsertMessage(testMessage("m-3", "th-1", 1, domain.RoleUser, 0))

	n, err := db.CountMessagesSince("acct-1", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("CountMessagesSince() error: %v", err)
	}
	if n != 2 {
		t.Errorf("user messages = %d, want 2 (assistant messages excluded)", n)
	}

	n, _ = db.CountMessagesSince("acct-1", time.Now().Add(time.Hour))
	if n != 0 {
		t.Errorf("future cutoff = %d, want 0", n)
	}
}
