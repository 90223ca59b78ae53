// Package domain contains pure business types with ZERO infrastructure imports.
// This is the innermost ring of clean architecture — it depends on nothing.
package domain

import "time"

// ─── Phase ──────────────────────────────────────────────────────────────────

// Phase is the round coordinator's current stage.
// A phase is always recomputable from persisted state; it is written to the
// checkpoint for observability but never trusted as the sole truth.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhasePreSearch    Phase = "pre_search"
	PhaseParticipants Phase = "participants"
	PhaseModerator    Phase = "moderator"
	PhaseComplete     Phase = "complete"
)

// ─── Participants ───────────────────────────────────────────────────────────

// Participant is one configured AI responder within a thread.
// Participants execute in ascending Index (priority) order.
type Participant struct {
	ID      string `json:"id"`
	Index   int    `json:"index"`
	Model   string `json:"model"`
	Persona string `json:"persona,omitempty"`
	Enabled bool   `json:"enabled"`
}

// ParticipantStatus is the lifecycle state of one participant in one round.
type ParticipantStatus string

const (
	ParticipantPending   ParticipantStatus = "pending"
	ParticipantStreaming ParticipantStatus = "streaming"
	ParticipantComplete  ParticipantStatus = "complete"
	ParticipantError     ParticipantStatus = "error"
)

// Terminal reports whether the status is final. An error is terminal: it does
// not block round completion.
func (s ParticipantStatus) Terminal() bool {
	return s == ParticipantComplete || s == ParticipantError
}

// ParticipantState records one participant's progress within a round. Model
// and Persona are snapshotted from the participant config at submit time so a
// round resumed after a restart runs with the configuration it started with.
type ParticipantState struct {
	ParticipantID string            `json:"participant_id"`
	Index         int               `json:"index"`
	Model         string            `json:"model,omitempty"`
	Persona       string            `json:"persona,omitempty"`
	Status        ParticipantStatus `json:"status"`
	FinishReason  string            `json:"finish_reason,omitempty"`
}

// ─── Round ──────────────────────────────────────────────────────────────────

// Round is one exchange cycle: the user message, every participant response,
// and (when more than one participant is configured) a moderator synthesis.
// Identified by (ThreadID, Number). Rounds are immutable history — created on
// submit, never destroyed.
type Round struct {
	ThreadID           string             `json:"thread_id"`
	Number             int                `json:"number"`
	Phase              Phase              `json:"phase"`
	Participants       []ParticipantState `json:"participants"`
	PreSearchRequested bool               `json:"pre_search_requested"`
	PreSearchDone      bool               `json:"pre_search_done"`
	SearchQuery        string             `json:"search_query,omitempty"`
	MaxOutputTokens    int                `json:"max_output_tokens,omitempty"`
	ModeratorMessageID string             `json:"moderator_message_id,omitempty"`
	ReservationID      string             `json:"reservation_id,omitempty"`
	Canceled           bool               `json:"canceled,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
}

// RoundOptions controls optional stages of a round.
type RoundOptions struct {
	WebSearch       bool   `json:"web_search"`
	SearchQuery     string `json:"search_query,omitempty"`
	MaxOutputTokens int    `json:"max_output_tokens,omitempty"`
}

// RoundStatus is the coarse client-facing status derived from a round.
type RoundStatus string

const (
	RoundPending   RoundStatus = "pending"
	RoundStreaming RoundStatus = "streaming"
	RoundCompleted RoundStatus = "completed"
)

// ─── Completeness Rule ──────────────────────────────────────────────────────
// Completion is a pure function of persisted evidence: every enabled
// participant terminal, and — when more than one participant is configured —
// a moderator message exists. A cached phase flag is never consulted, which
// removes the class of "stale flag blocks submission" bugs.

// RoundComplete reports whether a round is complete given its participant
// states and whether a moderator message has been persisted for it.
func RoundComplete(states []ParticipantState, moderatorDone bool) bool {
	if len(states) == 0 {
		return false
	}
	for _, s := range states {
		if !s.Status.Terminal() {
			return false
		}
	}
	if len(states) > 1 && !moderatorDone {
		return false
	}
	return true
}

// DeriveStatus computes the client-facing status for a round.
func DeriveStatus(states []ParticipantState, moderatorDone bool) RoundStatus {
	if RoundComplete(states, moderatorDone) {
		return RoundCompleted
	}
	for _, s := range states {
		if s.Status != ParticipantPending {
			return RoundStreaming
		}
	}
	return RoundPending
}

// DerivePhase recomputes the phase from persisted evidence. preSearchPending
// is true when a pre-search was requested but has not yet finished.
func DerivePhase(states []ParticipantState, preSearchPending, moderatorDone bool) Phase {
	if RoundComplete(states, moderatorDone) {
		return PhaseComplete
	}
	if preSearchPending {
		return PhasePreSearch
	}
	for _, s := range states {
		if !s.Status.Terminal() {
			return PhaseParticipants
		}
	}
	if len(states) > 1 {
		return PhaseModerator
	}
	return PhaseIdle
}

// MoreComplete reports whether round a carries objectively more complete data
// than round b. Used when two views of the same thread reconcile: the winner
// is decided by round number, then by terminal participant count — never by a
// blind last-writer-wins overwrite.
func MoreComplete(a, b Round) bool {
	if a.Number != b.Number {
		return a.Number > b.Number
	}
	return terminalCount(a.Participants) > terminalCount(b.Participants)
}

func terminalCount(states []ParticipantState) int {
	n := 0
	for _, s := range states {
		if s.Status.Terminal() {
			n++
		}
	}
	return n
}
