// ABOUTME: Provider kinds, the StreamClient interface, and the client factory
// ABOUTME: Each provider kind maps to exactly one wire protocol implementation

package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/Movelocity/polynex/internal/store"
)

// Configuration errors surfaced by the resolver and client factory
var (
	// ErrProviderNotFound means the referenced provider row does not exist
	ErrProviderNotFound = errors.New("provider not found")

	// ErrProviderInactive means the provider exists but is disabled
	ErrProviderInactive = errors.New("provider is not active")

	// ErrUnsupportedModel means the requested model is missing from the
	// provider's supported-model list
	ErrUnsupportedModel = errors.New("model not supported by provider")

	// ErrNoDefaults means neither the agent nor the provider supplies a
	// required sampling parameter. Surfaced as a configuration error rather
	// than silently substituting a hard-coded value.
	ErrNoDefaults = errors.New("no sampling defaults configured for provider")

	// ErrNoDefaultProvider means a conversation without an agent has no
	// active default provider to resolve against
	ErrNoDefaultProvider = errors.New("no default provider configured")

	// ErrUnknownKind means the provider row declares a kind outside the
	// closed enum
	ErrUnknownKind = errors.New("unknown provider kind")
)

// Usage carries token accounting reported by the provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Chunk is one increment of a streaming completion. Err is set on transport
// or decode failures; FinishReason is non-empty on the final content chunk.
type Chunk struct {
	Content      string
	FinishReason string
	Usage        *Usage
	Err          error
}

// CompletionRequest describes one outbound streaming completion call.
// Nil sampling parameters are omitted from the wire request.
type CompletionRequest struct {
	Model       string
	Messages    []store.Message
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// StreamClient is the wire protocol for one provider kind. The channel is
// closed when the stream ends; errors are delivered through Chunk.Err.
type StreamClient interface {
	StreamCompletion(ctx context.Context, req *CompletionRequest) (<-chan Chunk, error)
}

// NewClient builds the StreamClient for a provider row. The kind enum is
// closed: both current kinds speak the OpenAI-compatible protocol, differing
// only in how the completions URL is derived from the base URL.
func NewClient(cfg *store.ProviderConfig) (StreamClient, error) {
	switch cfg.Kind {
	case store.ProviderKindOpenAI, store.ProviderKindCustom:
		return newOpenAIClient(cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
}
