// ABOUTME: OpenAI-compatible streaming chat completion client
// ABOUTME: Parses SSE data lines up to the [DONE] sentinel, honoring rate-limit hints

package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/Movelocity/polynex/internal/store"
)

// maxChunkLine caps a single SSE data line (64KB). Anything larger is a
// malformed stream.
const maxChunkLine = 64 * 1024

// chunkBufferSize is the channel buffer between the reader goroutine and
// the orchestrator.
const chunkBufferSize = 64

// OpenAIClient speaks the OpenAI-compatible chat completions protocol.
// It serves both the "openai" and "custom" provider kinds.
type OpenAIClient struct {
	name       string
	baseURL    string
	apiKey     string
	kind       string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// newOpenAIClient builds a client from a provider row, routing through the
// row's proxy when one is configured and installing a rate limiter from the
// row's requests-per-second hint.
func newOpenAIClient(cfg *store.ProviderConfig) (*OpenAIClient, error) {
	transport, err := newTransport(cfg.Proxy)
	if err != nil {
		return nil, fmt.Errorf("building transport for provider %q: %w", cfg.Name, err)
	}

	var limiter *rate.Limiter
	if cfg.RateLimit != nil && *cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(*cfg.RateLimit), 1)
	}

	return &OpenAIClient{
		name:    cfg.Name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		kind:    cfg.Kind,
		httpClient: &http.Client{
			Transport: transport,
			// No client-level timeout: streaming responses stay open for
			// the duration of the completion. Deadlines come from ctx.
		},
		limiter: limiter,
		logger:  slog.Default().With("component", "provider", "provider", cfg.Name),
	}, nil
}

// completionsURL derives the endpoint from the base URL. The openai kind
// follows the /chat/completions path convention; custom providers are
// called at their base URL as given.
func (c *OpenAIClient) completionsURL() string {
	if c.kind == store.ProviderKindCustom {
		return c.baseURL
	}
	return c.baseURL + "/chat/completions"
}

// wireMessage is the outbound message shape
type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// wireRequest is the outbound completion request body
type wireRequest struct {
	Model         string         `json:"model"`
	Messages      []wireMessage  `json:"messages"`
	Temperature   *float64       `json:"temperature,omitempty"`
	TopP          *float64       `json:"top_p,omitempty"`
	MaxTokens     *int           `json:"max_tokens,omitempty"`
	Stream        bool           `json:"stream"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// wireChunk is one decoded SSE payload from the provider
type wireChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

// apiError is the error envelope OpenAI-compatible servers return on non-2xx
type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// StreamCompletion performs a streaming chat completion. The returned
// channel closes when the provider signals completion or the stream fails;
// failures arrive as a final chunk with Err set.
func (c *OpenAIClient) StreamCompletion(ctx context.Context, req *CompletionRequest) (<-chan Chunk, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	msgs := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, wireMessage{Role: m.Role, Content: m.Content})
	}

	body, err := json.Marshal(wireRequest{
		Model:         req.Model,
		Messages:      msgs,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		MaxTokens:     req.MaxTokens,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.completionsURL(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("provider request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.decodeErrorResponse(resp)
	}

	chunks := make(chan Chunk, chunkBufferSize)
	go func() {
		defer close(chunks)
		defer resp.Body.Close()

		if err := c.readStream(ctx, resp.Body, chunks); err != nil {
			// Unconditional send: on cancellation ctx.Done() is already
			// closed, and a select against it could drop the error chunk,
			// letting a timed-out stream end looking like a clean finish.
			// Consumers always drain the channel, so this cannot block.
			chunks <- Chunk{Err: err}
		}
		c.logger.Debug("stream finished",
			"model", req.Model,
			"duration", time.Since(start))
	}()

	return chunks, nil
}

// readStream parses SSE data lines into chunks until [DONE], EOF, or error
func (c *OpenAIClient) readStream(ctx context.Context, body io.Reader, chunks chan<- Chunk) error {
	reader := bufio.NewReader(body)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := reader.ReadString('\n')
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading stream: %w", err)
		}
		if len(line) > maxChunkLine {
			return fmt.Errorf("stream chunk too large: %d bytes", len(line))
		}

		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			// Ignore comments, event: and id: fields, and blank separators
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return nil
		}

		var wc wireChunk
		if err := json.Unmarshal([]byte(data), &wc); err != nil {
			// A single malformed payload doesn't abort the stream
			c.logger.Warn("skipping malformed chunk", "error", err)
			continue
		}

		out := Chunk{Usage: wc.Usage}
		if len(wc.Choices) > 0 {
			out.Content = wc.Choices[0].Delta.Content
			out.FinishReason = wc.Choices[0].FinishReason
		}

		select {
		case chunks <- out:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// decodeErrorResponse turns a non-2xx provider response into an error,
// preferring the OpenAI error envelope's message when present.
func (c *OpenAIClient) decodeErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxChunkLine))

	var envelope apiError
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return fmt.Errorf("provider returned %d: %s", resp.StatusCode, envelope.Error.Message)
	}
	return fmt.Errorf("provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
