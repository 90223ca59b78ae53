// Package provider implements the model backend client against any
// OpenAI-compatible chat completions endpoint.
package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/parley-ai/parley/internal/domain"
)

// Client streams chat completions over SSE from an OpenAI-compatible backend.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New builds a client for the given base URL (e.g. "http://host:port/v1").
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model     string        `json:"model"`
	Messages  []wireMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
	Stream    bool          `json:"stream"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Stream satisfies domain.Provider. The returned channel carries content
// deltas and is closed after the Done token. If the backend connection drops
// before the terminator arrives the channel closes without a Done token,
// which callers treat as a network interruption.
func (c *Client) Stream(ctx context.Context, req domain.ChatRequest) (<-chan domain.Token, error) {
	body, err := json.Marshal(completionRequest{
		Model:     req.Model,
		Messages:  buildMessages(req),
		MaxTokens: req.MaxTokens,
		Stream:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("provider request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	out := make(chan domain.Token, 16)
	go c.readStream(ctx, resp.Body, out)
	return out, nil
}

func (c *Client) readStream(ctx context.Context, body io.ReadCloser, out chan<- domain.Token) {
	defer close(out)
	defer body.Close()

	finish := ""
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := line[len("data: "):]
		if payload == "[DONE]" {
			send(ctx, out, domain.Token{Done: true, FinishReason: finish})
			return
		}
		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			log.Printf("[provider] Skipping malformed chunk: %v", err)
			continue
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				if !send(ctx, out, domain.Token{Text: choice.Delta.Content}) {
					return
				}
			}
			if choice.FinishReason != "" {
				finish = choice.FinishReason
			}
		}
	}
	if err := scanner.Err(); err != nil {
		// Dropped connection: close without the Done token so the caller
		// sees a network interruption rather than a clean finish.
		log.Printf("[provider] Stream read failed: %v", err)
	}
}

func send(ctx context.Context, out chan<- domain.Token, tok domain.Token) bool {
	select {
	case out <- tok:
		return true
	case <-ctx.Done():
		return false
	}
}

// buildMessages flattens the chat request into the wire format. Search
// context, when present, is prepended as a system note so every backend
// sees it without tool-call support.
func buildMessages(req domain.ChatRequest) []wireMessage {
	msgs := make([]wireMessage, 0, len(req.Messages)+2)
	if req.System != "" {
		msgs = append(msgs, wireMessage{Role: "system", Content: req.System})
	}
	if len(req.SearchContext) > 0 {
		var b strings.Builder
		b.WriteString("Relevant web search results:\n")
		for _, res := range req.SearchContext {
			fmt.Fprintf(&b, "- %s (%s): %s\n", res.Title, res.URL, res.Snippet)
		}
		msgs = append(msgs, wireMessage{Role: "system", Content: b.String()})
	}
	for _, m := range req.Messages {
		role := "assistant"
		if m.Role == domain.RoleUser {
			role = "user"
		}
		msgs = append(msgs, wireMessage{Role: role, Content: m.Content})
	}
	return msgs
}
