package round

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/parley-ai/parley/internal/domain"
	"github.com/parley-ai/parley/internal/infra/observability"
)

const moderatorSystem = "You are the moderator of a multi-participant discussion. " +
	"Synthesize the participant responses in this round into a single balanced summary: " +
	"note agreements, disagreements, and anything one participant caught that the others missed."

// runModerator produces the synthesis message once every participant is
// terminal. It runs only for multi-participant rounds and exactly once: its
// persisted message id is half of the completeness rule. A moderator provider
// failure is terminal too — recorded as an error-flagged synthesis so the
// round still completes.
func (c *Coordinator) runModerator(ctx context.Context, r *domain.Round) error {
	start := time.Now()
	defer func() {
		observability.PhaseDuration.WithLabelValues(string(domain.PhaseModerator)).
			Observe(time.Since(start).Seconds())
	}()

	if c.canceled(r) {
		return errCanceled
	}

	msgs, err := c.db.RoundMessages(r.ThreadID, r.Number)
	if err != nil {
		return err
	}
	req := domain.ChatRequest{
		Model:     c.moderatorModel(r),
		System:    moderatorSystem,
		Messages:  msgs,
		MaxTokens: r.MaxOutputTokens,
	}

	m := domain.Message{
		ID:          uuid.NewString(),
		ThreadID:    r.ThreadID,
		RoundNumber: r.Number,
		Role:        domain.RoleModerator,
		CreatedAt:   time.Now().UTC(),
	}
	content, finishReason, err := c.stream(ctx, req, Event{
		ThreadID:    r.ThreadID,
		RoundNumber: r.Number,
		Status:      "moderator",
	})
	if err != nil {
		if errors.Is(err, domain.ErrNetworkInterruption) || ctx.Err() != nil {
			return err
		}
		m.Content = providerErrorText(err)
		m.ErrorFlag = true
		m.FinishReason = "provider_error"
	} else {
		m.Content = content
		m.FinishReason = finishReason
	}

	if err := c.db.CheckpointModerator(m); err != nil {
		return err
	}
	r.ModeratorMessageID = m.ID
	log.Printf("[round] moderator done %s/%d", r.ThreadID, r.Number)
	return nil
}

// moderatorModel picks the model for the synthesis pass: the first enabled
// participant's model, so the moderator always speaks a model the account is
// already paying for.
func (c *Coordinator) moderatorModel(r *domain.Round) string {
	for _, p := range r.Participants {
		if p.Model != "" {
			return p.Model
		}
	}
	return ""
}
