// ABOUTME: Streaming chat orchestrator - the control loop for one conversation turn
// ABOUTME: Serializes per-session, bounds global provider load, streams, then persists atomically

package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Movelocity/polynex/internal/provider"
	"github.com/Movelocity/polynex/internal/sessionlock"
	"github.com/Movelocity/polynex/internal/store"
	"github.com/Movelocity/polynex/internal/throttle"
)

// ErrConversationNotFound covers a missing conversation, one owned by a
// different user, and one that is not active. All three look identical to
// the caller so ownership cannot be probed.
var ErrConversationNotFound = errors.New("conversation not found")

// eventBufferSize is the channel buffer between the turn goroutine and the
// transport handler.
const eventBufferSize = 64

// emitTimeout bounds how long a turn waits on a slow consumer before
// dropping an event. Persistence never depends on delivery.
const emitTimeout = 5 * time.Second

// persistTimeout bounds the final store writes. Detached from the request
// context so persistence completes even after the caller disconnects.
const persistTimeout = 5 * time.Second

// ConversationStore defines what the orchestrator needs from storage
type ConversationStore interface {
	GetConversation(ctx context.Context, id, userID string) (*store.Conversation, error)
	AppendMessages(ctx context.Context, id, userID string, msgs ...store.Message) error
	UpdateTitle(ctx context.Context, id, userID, title string) error
}

// Resolver computes the effective provider configuration for a turn
type Resolver interface {
	Resolve(ctx context.Context, conv *store.Conversation) (*provider.Resolved, error)
}

// TurnRequest is one inbound chat turn against an existing conversation.
// AgentID, when set, overrides the conversation's agent for this turn only.
// SessionKey, when set, must match the conversation's session token.
type TurnRequest struct {
	ConversationID string
	UserID         string
	Message        string
	AgentID        string
	SessionKey     string
}

// Orchestrator drives the turn state machine:
//
//	Idle -> Resolving -> Admitted -> Streaming -> Finalizing -> {Completed | Failed}
//
// It owns the ordering guarantees: the session guard serializes turns per
// conversation session, and the throttler bounds simultaneous provider
// calls process-wide.
type Orchestrator struct {
	store    ConversationStore
	resolver Resolver
	locks    *sessionlock.Registry
	throttle *throttle.Throttler
	timeout  time.Duration
	logger   *slog.Logger
}

// New creates an orchestrator. timeout bounds each turn's provider
// interaction; pass nil logger for default.
func New(cs ConversationStore, resolver Resolver, locks *sessionlock.Registry, th *throttle.Throttler, timeout time.Duration, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Orchestrator{
		store:    cs,
		resolver: resolver,
		locks:    locks,
		throttle: th,
		timeout:  timeout,
		logger:   logger.With("component", "chat"),
	}
}

// StreamTurn starts one chat turn. Failures before any resource is
// acquired (unknown conversation, session conflict) return an error
// directly; everything after that arrives as events on the returned
// channel, which closes when the turn reaches a terminal state.
//
// The turn runs detached from ctx: once admitted, the provider stream is
// drained to completion and persisted even if the caller goes away.
func (o *Orchestrator) StreamTurn(ctx context.Context, req *TurnRequest) (<-chan Event, error) {
	conv, err := o.store.GetConversation(ctx, req.ConversationID, req.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	if conv.Status != store.StatusActive {
		return nil, ErrConversationNotFound
	}
	if req.SessionKey != "" && req.SessionKey != conv.SessionID {
		return nil, ErrConversationNotFound
	}
	if req.AgentID != "" {
		conv.AgentID = &req.AgentID
	}

	// Fail fast on a hot session rather than queuing behind the active
	// stream. Nothing else is acquired before this point.
	guard, err := o.locks.TryAcquire(conv.SessionID)
	if err != nil {
		return nil, err
	}

	events := make(chan Event, eventBufferSize)
	go o.runTurn(conv, req, guard, events)
	return events, nil
}

// runTurn executes the turn state machine. The guard and any ticket are
// released on every exit path, including panics from the provider client.
func (o *Orchestrator) runTurn(conv *store.Conversation, req *TurnRequest, guard *sessionlock.Guard, events chan<- Event) {
	defer close(events)
	defer guard.Release()

	// pending is the user message that has not yet reached the store. A
	// provider client panic still records it so the conversation stays
	// resumable.
	var pending *store.Message
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("panic during chat turn",
				"conversation_id", conv.ID,
				"panic", r)
			if pending != nil {
				o.persistFailedTurn(conv, *pending)
			}
			o.emit(events, Event{Type: EventError, Data: ErrorData{
				Error:     "internal error during stream",
				Timestamp: time.Now().UTC(),
			}})
		}
	}()

	// Detached from the request context: drain-and-persist on client
	// disconnect. The timeout is the only cancellation source.
	turnCtx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	ticket, err := o.throttle.Admit(turnCtx)
	if err != nil {
		o.emitError(events, "", fmt.Sprintf("request not admitted: %v", err))
		return
	}
	defer ticket.Release()

	resolved, err := o.resolver.Resolve(turnCtx, conv)
	if err != nil {
		// Configuration error: no provider call attempted, nothing persisted
		o.logger.Warn("turn resolution failed",
			"conversation_id", conv.ID,
			"error", err)
		o.emitError(events, "", err.Error())
		return
	}

	now := time.Now().UTC()
	userMsg := store.Message{Role: store.RoleUser, Content: req.Message, Timestamp: &now}
	pending = &userMsg

	// Presets first, then history, then the new user message
	outbound := make([]store.Message, 0, len(resolved.Presets)+len(conv.Messages)+1)
	outbound = append(outbound, resolved.Presets...)
	outbound = append(outbound, conv.Messages...)
	outbound = append(outbound, userMsg)

	o.emit(events, Event{Type: EventStart, Data: StartData{
		Model:          resolved.Model,
		ProviderConfig: resolved.Provider.Name,
		Timestamp:      time.Now().UTC(),
	}})

	chunks, err := resolved.Client.StreamCompletion(turnCtx, &provider.CompletionRequest{
		Model:       resolved.Model,
		Messages:    outbound,
		Temperature: resolved.Temperature,
		TopP:        resolved.TopP,
		MaxTokens:   resolved.MaxTokens,
	})
	if err != nil {
		// Provider refused the call. The user message is still persisted so
		// the conversation stays resumable.
		o.persistFailedTurn(conv, userMsg)
		o.emitError(events, resolved.Provider.Name, err.Error())
		return
	}

	var full strings.Builder
	var usage *provider.Usage
	var streamErr error
	finishReason := ""

	for chunk := range chunks {
		if chunk.Err != nil {
			streamErr = chunk.Err
			continue
		}
		if chunk.Content != "" {
			full.WriteString(chunk.Content)
			o.emit(events, Event{Type: EventContent, Data: ContentData{
				Content:   chunk.Content,
				Timestamp: time.Now().UTC(),
			}})
		}
		if chunk.FinishReason != "" {
			finishReason = chunk.FinishReason
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}

	if streamErr != nil {
		o.logger.Warn("provider stream failed",
			"conversation_id", conv.ID,
			"provider", resolved.Provider.Name,
			"error", streamErr)
		o.persistFailedTurn(conv, userMsg)
		o.emitError(events, resolved.Provider.Name, streamErr.Error())
		return
	}
	if finishReason == "" {
		finishReason = "stop"
	}

	// Finalizing: one lock-protected append of [user, assistant]. The
	// guard is still held, keeping the write atomic with respect to
	// conversation reads taken at turn start.
	response := full.String()
	promptTokens, completionTokens, approximate := tokenCounts(usage, outbound, response)

	assistTime := time.Now().UTC()
	assistTokens := completionTokens
	assistMsg := store.Message{
		Role:      store.RoleAssistant,
		Content:   response,
		Timestamp: &assistTime,
		Tokens:    &assistTokens,
	}

	persistCtx, persistCancel := context.WithTimeout(context.Background(), persistTimeout)
	defer persistCancel()

	if err := o.store.AppendMessages(persistCtx, conv.ID, conv.UserID, userMsg, assistMsg); err != nil {
		// The provider answered but the exchange could not be recorded.
		// Surfaced as an error rather than hidden; content loss here is a
		// known weakness of write-after-completion persistence.
		o.logger.Error("failed to persist exchange",
			"conversation_id", conv.ID,
			"error", err)
		o.emitError(events, resolved.Provider.Name, "failed to persist conversation")
		return
	}
	pending = nil

	if conv.Title == store.DefaultTitle {
		if err := o.store.UpdateTitle(persistCtx, conv.ID, conv.UserID, deriveTitle(req.Message)); err != nil {
			o.logger.Error("failed to update title",
				"conversation_id", conv.ID,
				"error", err)
		}
	}

	o.emit(events, Event{Type: EventDone, Data: DoneData{
		FinishReason:     finishReason,
		FullResponse:     response,
		Timestamp:        time.Now().UTC(),
		TokenCount:       promptTokens + completionTokens,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		Approximate:      approximate,
		ProviderConfig:   resolved.Provider.Name,
	}})

	o.logger.Debug("turn completed",
		"conversation_id", conv.ID,
		"finish_reason", finishReason,
		"completion_tokens", completionTokens)
}

// persistFailedTurn records the user message alone after a provider
// failure, preserving conversational continuity for the next turn.
// Uses its own timeout context so persistence outlives the turn context.
func (o *Orchestrator) persistFailedTurn(conv *store.Conversation, userMsg store.Message) {
	persistCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := o.store.AppendMessages(persistCtx, conv.ID, conv.UserID, userMsg); err != nil {
		o.logger.Error("failed to persist user message after provider error",
			"conversation_id", conv.ID,
			"error", err)
	}
}

// tokenCounts returns prompt/completion token counts, preferring provider
// usage data and falling back to the word-count approximation.
func tokenCounts(usage *provider.Usage, outbound []store.Message, response string) (prompt, completion int, approximate bool) {
	if usage != nil {
		return usage.PromptTokens, usage.CompletionTokens, false
	}
	return approxPromptTokens(outbound), approxTokens(response), true
}

// emitError emits a terminal error event
func (o *Orchestrator) emitError(events chan<- Event, providerName, msg string) {
	o.emit(events, Event{Type: EventError, Data: ErrorData{
		Error:          msg,
		Timestamp:      time.Now().UTC(),
		ProviderConfig: providerName,
	}})
}

// emit sends an event without blocking the turn on a slow or departed
// consumer. Dropped events are logged; persistence never depends on them.
func (o *Orchestrator) emit(events chan<- Event, ev Event) {
	select {
	case events <- ev:
	case <-time.After(emitTimeout):
		o.logger.Warn("event channel full, dropping event", "type", ev.Type)
	}
}
