package domain

import "time"

// ─── Message Types ──────────────────────────────────────────────────────────
// Messages form a closed tagged union over Role. RoundNumber is a required
// discriminant on every message; ParticipantIndex is meaningful only for
// assistant messages.

// Role identifies the author class of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleModerator Role = "moderator"
)

// Valid reports whether the role is one of the closed set.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant || r == RoleModerator
}

// Message is a single persisted chat message within a thread.
type Message struct {
	ID               string    `json:"id"`
	ThreadID         string    `json:"thread_id"`
	RoundNumber      int       `json:"round_number"`
	Role             Role      `json:"role"`
	ParticipantIndex int       `json:"participant_index,omitempty"`
	Content          string    `json:"content"`
	FinishReason     string    `json:"finish_reason,omitempty"`
	ErrorFlag        bool      `json:"error,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Thread groups rounds of conversation for one account.
type Thread struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// SearchResult is one pre-search hit handed to participants as context.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}
