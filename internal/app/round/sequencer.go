package round

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/parley-ai/parley/internal/domain"
	"github.com/parley-ai/parley/internal/infra/observability"
)

// runParticipants streams each non-terminal participant strictly one at a
// time, in priority order. A participant ending in error does not abort the
// sequence; only cancellation and transport loss propagate. Content is
// buffered in memory and checkpointed once, at the terminal status.
func (c *Coordinator) runParticipants(ctx context.Context, r *domain.Round, search []domain.SearchResult) error {
	start := time.Now()
	defer func() {
		observability.PhaseDuration.WithLabelValues(string(domain.PhaseParticipants)).
			Observe(time.Since(start).Seconds())
	}()

	for i := range r.Participants {
		state := &r.Participants[i]
		if state.Status.Terminal() {
			continue // resumed round: already checkpointed
		}
		if c.canceled(r) {
			return errCanceled
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := c.streamParticipant(ctx, r, state, search); err != nil {
			return err
		}
	}
	return nil
}

// streamParticipant runs one participant to a terminal status.
func (c *Coordinator) streamParticipant(ctx context.Context, r *domain.Round,
	state *domain.ParticipantState, search []domain.SearchResult) error {

	state.Status = domain.ParticipantStreaming
	if err := c.db.UpdateParticipantState(r.ThreadID, r.Number, *state); err != nil {
		return err
	}
	c.hub.Broadcast(Event{
		Type:             "participant",
		ThreadID:         r.ThreadID,
		RoundNumber:      r.Number,
		ParticipantIndex: state.Index,
		Status:           string(domain.ParticipantStreaming),
	})

	history, err := c.db.ListMessages(r.ThreadID)
	if err != nil {
		return err
	}
	req := domain.ChatRequest{
		Model:         state.Model,
		System:        state.Persona,
		Messages:      history,
		SearchContext: search,
		MaxTokens:     r.MaxOutputTokens,
	}

	content, finishReason, err := c.stream(ctx, req, Event{
		ThreadID:         r.ThreadID,
		RoundNumber:      r.Number,
		ParticipantIndex: state.Index,
	})
	if err != nil {
		if errors.Is(err, domain.ErrNetworkInterruption) || ctx.Err() != nil {
			return err
		}
		// Provider failure is scoped to this participant: record the error
		// terminal status and let the sequence continue.
		return c.checkpointParticipant(r, state, domain.Message{
			Content:   providerErrorText(err),
			ErrorFlag: true,
		}, domain.ParticipantError, "provider_error")
	}
	return c.checkpointParticipant(r, state, domain.Message{
		Content: content,
	}, domain.ParticipantComplete, finishReason)
}

// checkpointParticipant writes the participant's message and terminal state
// atomically, then announces the transition.
func (c *Coordinator) checkpointParticipant(r *domain.Round, state *domain.ParticipantState,
	m domain.Message, status domain.ParticipantStatus, finishReason string) error {

	state.Status = status
	state.FinishReason = finishReason

	m.ID = uuid.NewString()
	m.ThreadID = r.ThreadID
	m.RoundNumber = r.Number
	m.Role = domain.RoleAssistant
	m.ParticipantIndex = state.Index
	m.FinishReason = finishReason
	m.CreatedAt = time.Now().UTC()

	if err := c.db.CheckpointParticipant(m, *state); err != nil {
		return err
	}
	observability.ParticipantOutcomes.WithLabelValues(string(status)).Inc()
	c.hub.Broadcast(Event{
		Type:             "participant",
		ThreadID:         r.ThreadID,
		RoundNumber:      r.Number,
		ParticipantIndex: state.Index,
		Status:           string(status),
	})
	log.Printf("[round] participant %d %s %s/%d", state.Index, status, r.ThreadID, r.Number)
	return nil
}

// stream drains one provider stream into a buffer, forwarding each delta to
// the live feed. A channel that closes without a Done token is a transport
// loss, surfaced as a network interruption so the caller releases the
// round's hold.
func (c *Coordinator) stream(ctx context.Context, req domain.ChatRequest, src Event) (content, finishReason string, err error) {
	ch, err := c.provider.Stream(ctx, req)
	if err != nil {
		return "", "", err
	}

	src.Type = "token"
	var buf strings.Builder
	for {
		select {
		case <-ctx.Done():
			return "", "", ctx.Err()
		case tok, ok := <-ch:
			if !ok {
				return "", "", fmt.Errorf("stream closed mid-response: %w", domain.ErrNetworkInterruption)
			}
			if tok.Text != "" {
				buf.WriteString(tok.Text)
				src.Text = tok.Text
				c.hub.Broadcast(src)
			}
			if tok.Done {
				return buf.String(), tok.FinishReason, nil
			}
		}
	}
}

func providerErrorText(err error) string {
	return fmt.Sprintf("The participant failed to respond: %v", err)
}
