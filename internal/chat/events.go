// ABOUTME: Stream event types for chat turns plus token and title helpers
// ABOUTME: Token fallback is a labeled word-count approximation, never a silent substitute

package chat

import (
	"strings"
	"time"

	"github.com/Movelocity/polynex/internal/store"
)

// EventType identifies a stream event on the wire
type EventType string

// Stream event types emitted during a turn
const (
	EventStart   EventType = "start"
	EventContent EventType = "content"
	EventDone    EventType = "done"
	EventError   EventType = "error"
)

// Event is one unit of the turn's outbound stream. Data holds the
// type-specific payload (StartData, ContentData, DoneData, ErrorData).
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

// StartData opens a stream: the resolved model and provider for the turn.
type StartData struct {
	Model          string    `json:"model"`
	ProviderConfig string    `json:"provider_config"`
	Timestamp      time.Time `json:"timestamp"`
}

// ContentData carries one incremental token/content fragment.
type ContentData struct {
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// DoneData terminates a successful turn. Approximate is true when the
// token counts come from the word-count fallback rather than provider
// usage data, so downstream consumers can tell the two apart.
type DoneData struct {
	FinishReason     string    `json:"finish_reason"`
	FullResponse     string    `json:"full_response"`
	Timestamp        time.Time `json:"timestamp"`
	TokenCount       int       `json:"token_count"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	Approximate      bool      `json:"approximate,omitempty"`
	ProviderConfig   string    `json:"provider_config"`
}

// ErrorData terminates a failed turn with a human-readable message.
type ErrorData struct {
	Error          string    `json:"error"`
	Timestamp      time.Time `json:"timestamp"`
	ProviderConfig string    `json:"provider_config,omitempty"`
}

// titleMaxRunes bounds auto-generated conversation titles
const titleMaxRunes = 50

// deriveTitle derives a conversation title from its first user message:
// the literal text when under the bound, otherwise a truncated prefix with
// an ellipsis marker.
func deriveTitle(message string) string {
	runes := []rune(strings.TrimSpace(message))
	if len(runes) <= titleMaxRunes {
		return string(runes)
	}
	return string(runes[:titleMaxRunes-1]) + "..."
}

// approxTokens estimates a token count by whitespace-delimited words.
// Used only when the provider omits usage data; results are flagged as
// approximate in DoneData.
func approxTokens(text string) int {
	return len(strings.Fields(text))
}

// approxPromptTokens sums the word-count approximation over an outbound
// message list.
func approxPromptTokens(msgs []store.Message) int {
	total := 0
	for _, m := range msgs {
		total += approxTokens(m.Content)
	}
	return total
}
