package domain

import "testing"

func states(ss ...ParticipantStatus) []ParticipantState {
	out := make([]ParticipantState, len(ss))
	for i, s := range ss {
		out[i] = ParticipantState{ParticipantID: "p", Index: i, Status: s}
	}
	return out
}

func TestRoundComplete_SingleParticipant(t *testing.T) {
	if RoundComplete(states(ParticipantStreaming), false) {
		t.Error("streaming participant should not be complete")
	}
	if !RoundComplete(states(ParticipantComplete), false) {
		t.Error("single terminal participant needs no moderator")
	}
	if !RoundComplete(states(ParticipantError), false) {
		t.Error("error is terminal and should not block completion")
	}
}

func TestRoundComplete_MultiParticipantNeedsModerator(t *testing.T) {
	ss := states(ParticipantComplete, ParticipantComplete)
	if RoundComplete(ss, false) {
		t.Error("multi-participant round without moderator message is not complete")
	}
	if !RoundComplete(ss, true) {
		t.Error("all terminal + moderator message should be complete")
	}
}

func TestRoundComplete_ErrorDoesNotBlock(t *testing.T) {
	ss := states(ParticipantComplete, ParticipantError, ParticipantComplete)
	if !RoundComplete(ss, true) {
		t.Error("round with one errored participant should still complete")
	}
}

func TestRoundComplete_Empty(t *testing.T) {
	if RoundComplete(nil, true) {
		t.Error("round with no participants is never complete")
	}
}

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		name      string
		states    []ParticipantState
		moderator bool
		want      RoundStatus
	}{
		{"all pending", states(ParticipantPending, ParticipantPending), false, RoundPending},
		{"one streaming", states(ParticipantStreaming, ParticipantPending), false, RoundStreaming},
		{"terminal no moderator", states(ParticipantComplete, ParticipantComplete), false, RoundStreaming},
		{"completed", states(ParticipantComplete, ParticipantComplete), true, RoundCompleted},
		{"single completed", states(ParticipantComplete), false, RoundCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveStatus(tt.states, tt.moderator); got != tt.want {
				t.Errorf("DeriveStatus() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDerivePhase(t *testing.T) {
	tests := []struct {
		name             string
		states           []ParticipantState
		preSearchPending bool
		moderator        bool
		want             Phase
	}{
		{"pre-search pending", states(ParticipantPending, ParticipantPending), true, false, PhasePreSearch},
		{"participants running", states(ParticipantStreaming, ParticipantPending), false, false, PhaseParticipants},
		{"awaiting moderator", states(ParticipantComplete, ParticipantComplete), false, false, PhaseModerator},
		{"complete", states(ParticipantComplete, ParticipantComplete), false, true, PhaseComplete},
		{"single complete", states(ParticipantComplete), false, false, PhaseComplete},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DerivePhase(tt.states, tt.preSearchPending, tt.moderator); got != tt.want {
				t.Errorf("DerivePhase() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMoreComplete(t *testing.T) {
	older := Round{Number: 1, Participants: states(ParticipantComplete, ParticipantComplete)}
	newer := Round{Number: 2, Participants: states(ParticipantPending, ParticipantPending)}
	if !MoreComplete(newer, older) {
		t.Error("higher round number should win reconciliation")
	}

	partial := Round{Number: 2, Participants: states(ParticipantComplete, ParticipantPending)}
	fuller := Round{Number: 2, Participants: states(ParticipantComplete, ParticipantError)}
	if !MoreComplete(fuller, partial) {
		t.Error("more terminal participants should win at equal round number")
	}
	if MoreComplete(partial, fuller) {
		t.Error("fewer terminal participants must not win")
	}
}

func TestParticipantStatusTerminal(t *testing.T) {
	if ParticipantPending.Terminal() || ParticipantStreaming.Terminal() {
		t.Error("pending/streaming are not terminal")
	}
	if !ParticipantComplete.Terminal() || !ParticipantError.Terminal() {
		t.Error("complete/error are terminal")
	}
}
