// ABOUTME: Tests for the streaming chat orchestrator state machine
// ABOUTME: Verifies persistence ordering, session exclusion, throttle bounds, and lock release

package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Movelocity/polynex/internal/provider"
	"github.com/Movelocity/polynex/internal/sessionlock"
	"github.com/Movelocity/polynex/internal/store"
	"github.com/Movelocity/polynex/internal/throttle"
)

// mockClient implements provider.StreamClient with scripted chunks
type mockClient struct {
	chunks   []provider.Chunk
	callErr  error
	calls    atomic.Int32
	active   atomic.Int32
	maxSeen  atomic.Int32
	holdOpen chan struct{} // when set, the stream stalls until closed
}

func (m *mockClient) StreamCompletion(ctx context.Context, req *provider.CompletionRequest) (<-chan provider.Chunk, error) {
	m.calls.Add(1)
	if m.callErr != nil {
		return nil, m.callErr
	}

	out := make(chan provider.Chunk, len(m.chunks))
	go func() {
		defer close(out)
		n := m.active.Add(1)
		for {
			seen := m.maxSeen.Load()
			if n <= seen || m.maxSeen.CompareAndSwap(seen, n) {
				break
			}
		}
		defer m.active.Add(-1)

		if m.holdOpen != nil {
			select {
			case <-m.holdOpen:
			case <-ctx.Done():
				out <- provider.Chunk{Err: ctx.Err()}
				return
			}
		}
		for _, c := range m.chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// mockResolver implements Resolver with a fixed result
type mockResolver struct {
	resolved *provider.Resolved
	err      error
}

func (m *mockResolver) Resolve(ctx context.Context, conv *store.Conversation) (*provider.Resolved, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.resolved, nil
}

func successChunks(text string) []provider.Chunk {
	var chunks []provider.Chunk
	for _, r := range text {
		chunks = append(chunks, provider.Chunk{Content: string(r)})
	}
	chunks = append(chunks, provider.Chunk{FinishReason: "stop"})
	return chunks
}

func createTestStore(t *testing.T) *store.SQLiteStore {
	tmpDir := t.TempDir()
	s, err := store.NewSQLiteStore(filepath.Join(tmpDir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createConversation(t *testing.T, s *store.SQLiteStore, userID string) *store.Conversation {
	t.Helper()
	now := time.Now().UTC()
	conv := &store.Conversation{
		ID:        uuid.New().String(),
		SessionID: uuid.New().String(),
		UserID:    userID,
		Title:     store.DefaultTitle,
		Messages:  []store.Message{},
		Status:    store.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateConversation(context.Background(), conv))
	return conv
}

type testRig struct {
	store    *store.SQLiteStore
	locks    *sessionlock.Registry
	throttle *throttle.Throttler
	orch     *Orchestrator
}

func newTestRig(t *testing.T, resolver Resolver, capacity int) *testRig {
	t.Helper()
	s := createTestStore(t)
	locks := sessionlock.NewRegistry()
	th, err := throttle.New(capacity)
	require.NoError(t, err)
	return &testRig{
		store:    s,
		locks:    locks,
		throttle: th,
		orch:     New(s, resolver, locks, th, 5*time.Second, nil),
	}
}

func resolverWith(client provider.StreamClient) *mockResolver {
	temp := 0.7
	return &mockResolver{resolved: &provider.Resolved{
		Provider:    &store.ProviderConfig{Name: "mock-provider"},
		Model:       "mock-model",
		Temperature: &temp,
		Client:      client,
	}}
}

func drain(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func lastEvent(t *testing.T, events []Event) Event {
	t.Helper()
	require.NotEmpty(t, events)
	return events[len(events)-1]
}

func TestOrchestrator_SuccessfulTurn(t *testing.T) {
	client := &mockClient{chunks: successChunks("Hello!")}
	rig := newTestRig(t, resolverWith(client), 4)
	conv := createConversation(t, rig.store, "user-1")

	events, err := rig.orch.StreamTurn(context.Background(), &TurnRequest{
		ConversationID: conv.ID,
		UserID:         "user-1",
		Message:        "Say hello",
	})
	require.NoError(t, err)

	all := drain(t, events)
	require.Equal(t, EventStart, all[0].Type)
	done := lastEvent(t, all)
	require.Equal(t, EventDone, done.Type)

	data := done.Data.(DoneData)
	assert.Equal(t, "stop", data.FinishReason)
	assert.Equal(t, "Hello!", data.FullResponse)
	assert.Equal(t, "mock-provider", data.ProviderConfig)
	assert.True(t, data.Approximate, "no usage data means approximate counts")

	// Persisted [user, assistant] in order, user first by timestamp
	got, err := rig.store.GetConversation(context.Background(), conv.ID, "user-1")
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, store.RoleUser, got.Messages[0].Role)
	assert.Equal(t, "Say hello", got.Messages[0].Content)
	assert.Equal(t, store.RoleAssistant, got.Messages[1].Role)
	assert.Equal(t, "Hello!", got.Messages[1].Content)
	require.NotNil(t, got.Messages[0].Timestamp)
	require.NotNil(t, got.Messages[1].Timestamp)
	assert.False(t, got.Messages[1].Timestamp.Before(*got.Messages[0].Timestamp))

	// Both locks released
	assert.Equal(t, 0, rig.locks.Len())
}

func TestOrchestrator_UsageDataIsExact(t *testing.T) {
	chunks := []provider.Chunk{
		{Content: "Hi"},
		{FinishReason: "stop"},
		{Usage: &provider.Usage{PromptTokens: 21, CompletionTokens: 3, TotalTokens: 24}},
	}
	client := &mockClient{chunks: chunks}
	rig := newTestRig(t, resolverWith(client), 4)
	conv := createConversation(t, rig.store, "user-1")

	events, err := rig.orch.StreamTurn(context.Background(), &TurnRequest{
		ConversationID: conv.ID, UserID: "user-1", Message: "hi",
	})
	require.NoError(t, err)

	done := lastEvent(t, drain(t, events))
	require.Equal(t, EventDone, done.Type)
	data := done.Data.(DoneData)
	assert.Equal(t, 21, data.PromptTokens)
	assert.Equal(t, 3, data.CompletionTokens)
	assert.False(t, data.Approximate)
}

func TestOrchestrator_ProviderErrorPersistsUserOnly(t *testing.T) {
	client := &mockClient{chunks: []provider.Chunk{
		{Content: "par"},
		{Err: errors.New("connection reset")},
	}}
	rig := newTestRig(t, resolverWith(client), 4)
	conv := createConversation(t, rig.store, "user-1")

	events, err := rig.orch.StreamTurn(context.Background(), &TurnRequest{
		ConversationID: conv.ID, UserID: "user-1", Message: "doomed question",
	})
	require.NoError(t, err)

	last := lastEvent(t, drain(t, events))
	require.Equal(t, EventError, last.Type)
	assert.Contains(t, last.Data.(ErrorData).Error, "connection reset")

	got, err := rig.store.GetConversation(context.Background(), conv.ID, "user-1")
	require.NoError(t, err)
	require.Len(t, got.Messages, 1, "assistant message must be omitted")
	assert.Equal(t, store.RoleUser, got.Messages[0].Role)
	assert.Equal(t, "doomed question", got.Messages[0].Content)

	assert.Equal(t, 0, rig.locks.Len())
}

func TestOrchestrator_CallRefusedPersistsUserOnly(t *testing.T) {
	client := &mockClient{callErr: errors.New("dial tcp: connection refused")}
	rig := newTestRig(t, resolverWith(client), 4)
	conv := createConversation(t, rig.store, "user-1")

	events, err := rig.orch.StreamTurn(context.Background(), &TurnRequest{
		ConversationID: conv.ID, UserID: "user-1", Message: "hello?",
	})
	require.NoError(t, err)

	last := lastEvent(t, drain(t, events))
	require.Equal(t, EventError, last.Type)

	got, err := rig.store.GetConversation(context.Background(), conv.ID, "user-1")
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, store.RoleUser, got.Messages[0].Role)
}

func TestOrchestrator_ResolutionFailurePersistsNothing(t *testing.T) {
	rig := newTestRig(t, &mockResolver{err: fmt.Errorf("provider %q: %w", "ghost", provider.ErrProviderNotFound)}, 4)
	conv := createConversation(t, rig.store, "user-1")

	events, err := rig.orch.StreamTurn(context.Background(), &TurnRequest{
		ConversationID: conv.ID, UserID: "user-1", Message: "hi",
	})
	require.NoError(t, err)

	last := lastEvent(t, drain(t, events))
	require.Equal(t, EventError, last.Type)

	got, err := rig.store.GetConversation(context.Background(), conv.ID, "user-1")
	require.NoError(t, err)
	assert.Empty(t, got.Messages, "configuration errors persist nothing")
	assert.Equal(t, 0, rig.locks.Len())
}

func TestOrchestrator_NotFoundAndForbidden(t *testing.T) {
	client := &mockClient{chunks: successChunks("x")}
	rig := newTestRig(t, resolverWith(client), 4)
	conv := createConversation(t, rig.store, "owner")

	// Missing conversation
	_, err := rig.orch.StreamTurn(context.Background(), &TurnRequest{
		ConversationID: "missing", UserID: "owner", Message: "hi",
	})
	assert.ErrorIs(t, err, ErrConversationNotFound)

	// Foreign conversation looks identical to a missing one
	_, err = rig.orch.StreamTurn(context.Background(), &TurnRequest{
		ConversationID: conv.ID, UserID: "intruder", Message: "hi",
	})
	assert.ErrorIs(t, err, ErrConversationNotFound)

	// Archived conversation rejects turns
	require.NoError(t, rig.store.UpdateStatus(context.Background(), conv.ID, "owner", store.StatusArchived))
	_, err = rig.orch.StreamTurn(context.Background(), &TurnRequest{
		ConversationID: conv.ID, UserID: "owner", Message: "hi",
	})
	assert.ErrorIs(t, err, ErrConversationNotFound)

	// No lock leaked by any rejected entry
	assert.Equal(t, 0, rig.locks.Len())
}

func TestOrchestrator_ConcurrentTurnsOnSameSessionConflict(t *testing.T) {
	hold := make(chan struct{})
	client := &mockClient{chunks: successChunks("slow"), holdOpen: hold}
	rig := newTestRig(t, resolverWith(client), 4)
	conv := createConversation(t, rig.store, "user-1")

	events, err := rig.orch.StreamTurn(context.Background(), &TurnRequest{
		ConversationID: conv.ID, UserID: "user-1", Message: "first",
	})
	require.NoError(t, err)

	// Wait until the first turn is actually streaming
	require.Eventually(t, func() bool { return client.active.Load() == 1 },
		time.Second, 5*time.Millisecond)

	_, err = rig.orch.StreamTurn(context.Background(), &TurnRequest{
		ConversationID: conv.ID, UserID: "user-1", Message: "second",
	})
	assert.ErrorIs(t, err, sessionlock.ErrStreamActive)

	close(hold)
	done := lastEvent(t, drain(t, events))
	assert.Equal(t, EventDone, done.Type)

	// Only the first turn's exchange was persisted
	got, err := rig.store.GetConversation(context.Background(), conv.ID, "user-1")
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "first", got.Messages[0].Content)
}

func TestOrchestrator_ThrottleBoundsConcurrentStreams(t *testing.T) {
	const capacity = 2
	hold := make(chan struct{})
	client := &mockClient{chunks: successChunks("ok"), holdOpen: hold}
	rig := newTestRig(t, resolverWith(client), capacity)

	var channels []<-chan Event
	for i := 0; i < 6; i++ {
		conv := createConversation(t, rig.store, "user-1")
		events, err := rig.orch.StreamTurn(context.Background(), &TurnRequest{
			ConversationID: conv.ID, UserID: "user-1", Message: "go",
		})
		require.NoError(t, err)
		channels = append(channels, events)
	}

	// Let admitted turns reach the provider, then release them all
	require.Eventually(t, func() bool { return client.active.Load() == capacity },
		time.Second, 5*time.Millisecond)
	close(hold)

	var wg sync.WaitGroup
	for _, events := range channels {
		wg.Add(1)
		go func(ch <-chan Event) {
			defer wg.Done()
			for range ch {
			}
		}(events)
	}
	wg.Wait()

	assert.LessOrEqual(t, client.maxSeen.Load(), int32(capacity),
		"in-flight provider calls must never exceed throttle capacity")
	assert.Equal(t, int32(6), client.calls.Load(), "every turn eventually ran")
	assert.Equal(t, 0, rig.locks.Len())
}

// TestOrchestrator_TimeoutTakesFailedPath drives a real provider client
// against an upstream that stalls mid-stream. The turn timeout must produce
// an error event and persist the user message alone; a partial response must
// never be recorded as a completed exchange.
func TestOrchestrator_TimeoutTakesFailedPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"par"},"finish_reason":""}]}`+"\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	s := createTestStore(t)
	ctx := context.Background()
	temp := 0.7
	now := time.Now().UTC()
	require.NoError(t, s.CreateProvider(ctx, &store.ProviderConfig{
		Name: "stalling", Kind: store.ProviderKindOpenAI, BaseURL: srv.URL,
		Models: []string{"m"}, Temperature: &temp,
		Active: true, Default: true, CreatedAt: now, UpdatedAt: now,
	}))

	locks := sessionlock.NewRegistry()
	th, err := throttle.New(2)
	require.NoError(t, err)
	orch := New(s, provider.NewResolver(s, nil), locks, th, 150*time.Millisecond, nil)

	for round := 0; round < 5; round++ {
		conv := createConversation(t, s, "user-1")

		events, err := orch.StreamTurn(ctx, &TurnRequest{
			ConversationID: conv.ID, UserID: "user-1", Message: "hang on this one",
		})
		require.NoError(t, err)

		last := lastEvent(t, drain(t, events))
		require.Equal(t, EventError, last.Type, "round %d: a timed-out turn must fail", round)

		got, err := s.GetConversation(ctx, conv.ID, "user-1")
		require.NoError(t, err)
		require.Len(t, got.Messages, 1, "round %d: only the user message persists", round)
		assert.Equal(t, store.RoleUser, got.Messages[0].Role)
	}
	assert.Equal(t, 0, locks.Len())
}

// brokenWriteStore refuses appends while the rest of the store works,
// standing in for a disk that fills up mid-turn.
type brokenWriteStore struct {
	*store.SQLiteStore
	appendErr error
}

func (b *brokenWriteStore) AppendMessages(ctx context.Context, id, userID string, msgs ...store.Message) error {
	return b.appendErr
}

func TestOrchestrator_PersistFailureIsTerminalError(t *testing.T) {
	client := &mockClient{chunks: successChunks("a perfectly good answer")}
	s := createTestStore(t)
	broken := &brokenWriteStore{SQLiteStore: s, appendErr: errors.New("disk I/O error")}

	locks := sessionlock.NewRegistry()
	th, err := throttle.New(4)
	require.NoError(t, err)
	orch := New(broken, resolverWith(client), locks, th, 5*time.Second, nil)

	conv := createConversation(t, s, "user-1")
	events, err := orch.StreamTurn(context.Background(), &TurnRequest{
		ConversationID: conv.ID, UserID: "user-1", Message: "hi",
	})
	require.NoError(t, err)

	all := drain(t, events)
	last := lastEvent(t, all)
	require.Equal(t, EventError, last.Type, "a completed stream that cannot be recorded must not report done")
	assert.Contains(t, last.Data.(ErrorData).Error, "persist")

	// The content still streamed before the write failed
	var sawContent bool
	for _, ev := range all {
		if ev.Type == EventContent {
			sawContent = true
		}
	}
	assert.True(t, sawContent)

	got, err := s.GetConversation(context.Background(), conv.ID, "user-1")
	require.NoError(t, err)
	assert.Empty(t, got.Messages, "nothing reached the store")
	assert.Equal(t, 0, locks.Len(), "the session lock must not leak")
}

// panicClient blows up inside the provider call, as a buggy client
// implementation would.
type panicClient struct{}

func (panicClient) StreamCompletion(ctx context.Context, req *provider.CompletionRequest) (<-chan provider.Chunk, error) {
	panic("nil map write in codec")
}

func TestOrchestrator_PanicPersistsUserMessage(t *testing.T) {
	rig := newTestRig(t, resolverWith(panicClient{}), 4)
	conv := createConversation(t, rig.store, "user-1")

	events, err := rig.orch.StreamTurn(context.Background(), &TurnRequest{
		ConversationID: conv.ID, UserID: "user-1", Message: "please do not crash",
	})
	require.NoError(t, err)

	last := lastEvent(t, drain(t, events))
	require.Equal(t, EventError, last.Type)
	assert.Contains(t, last.Data.(ErrorData).Error, "internal error")

	got, err := rig.store.GetConversation(context.Background(), conv.ID, "user-1")
	require.NoError(t, err)
	require.Len(t, got.Messages, 1, "the user message survives a crashed turn")
	assert.Equal(t, store.RoleUser, got.Messages[0].Role)
	assert.Equal(t, "please do not crash", got.Messages[0].Content)
	assert.Equal(t, 0, rig.locks.Len())
}

func TestOrchestrator_TitleDerivedOnFirstTurn(t *testing.T) {
	client := &mockClient{chunks: successChunks("Entanglement is...")}
	rig := newTestRig(t, resolverWith(client), 4)
	conv := createConversation(t, rig.store, "user-1")

	events, err := rig.orch.StreamTurn(context.Background(), &TurnRequest{
		ConversationID: conv.ID,
		UserID:         "user-1",
		Message:        "Explain quantum entanglement in simple terms, please",
	})
	require.NoError(t, err)
	drain(t, events)

	got, err := rig.store.GetConversation(context.Background(), conv.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "Explain quantum entanglement in simple terms, ple...", got.Title)
}

func TestOrchestrator_TitleNotOverwrittenOnLaterTurns(t *testing.T) {
	client := &mockClient{chunks: successChunks("answer")}
	rig := newTestRig(t, resolverWith(client), 4)
	conv := createConversation(t, rig.store, "user-1")
	require.NoError(t, rig.store.UpdateTitle(context.Background(), conv.ID, "user-1", "Custom title"))

	events, err := rig.orch.StreamTurn(context.Background(), &TurnRequest{
		ConversationID: conv.ID, UserID: "user-1", Message: "another question",
	})
	require.NoError(t, err)
	drain(t, events)

	got, err := rig.store.GetConversation(context.Background(), conv.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "Custom title", got.Title)
}

// TestOrchestrator_UnsupportedModelMakesNoCall wires a real resolver against
// a counting fake provider server: resolution must fail before any outbound
// request.
func TestOrchestrator_UnsupportedModelMakesNoCall(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	s := createTestStore(t)
	ctx := context.Background()
	temp := 0.7
	now := time.Now().UTC()
	require.NoError(t, s.CreateProvider(ctx, &store.ProviderConfig{
		Name: "counting", Kind: store.ProviderKindOpenAI, BaseURL: srv.URL,
		Models: []string{"supported-model"}, Temperature: &temp,
		Active: true, CreatedAt: now, UpdatedAt: now,
	}))
	agentID := uuid.New().String()
	require.NoError(t, s.CreateAgent(ctx, &store.Agent{
		ID: agentID, UserID: "user-1", Provider: "counting", Model: "x",
		CreatedAt: now, UpdatedAt: now,
	}))

	conv := &store.Conversation{
		ID: uuid.New().String(), SessionID: uuid.New().String(), UserID: "user-1",
		AgentID: &agentID, Title: store.DefaultTitle, Messages: []store.Message{},
		Status: store.StatusActive, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateConversation(ctx, conv))

	locks := sessionlock.NewRegistry()
	th, err := throttle.New(2)
	require.NoError(t, err)
	orch := New(s, provider.NewResolver(s, nil), locks, th, 5*time.Second, nil)

	events, err := orch.StreamTurn(ctx, &TurnRequest{
		ConversationID: conv.ID, UserID: "user-1", Message: "hi",
	})
	require.NoError(t, err)

	last := lastEvent(t, drain(t, events))
	require.Equal(t, EventError, last.Type)
	assert.Contains(t, last.Data.(ErrorData).Error, "does not support model")
	assert.Equal(t, int32(0), requests.Load(), "no outbound call may occur")
}

func TestDeriveTitle(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    string
	}{
		{
			name:    "over the bound gets truncated with ellipsis",
			message: "Explain quantum entanglement in simple terms, please",
			want:    "Explain quantum entanglement in simple terms, ple...",
		},
		{
			name:    "under the bound is literal",
			message: "Short question",
			want:    "Short question",
		},
		{
			name:    "surrounding whitespace is stripped",
			message: "  trimmed  ",
			want:    "trimmed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, deriveTitle(tt.message))
		})
	}
}

func TestApproxTokens(t *testing.T) {
	assert.Equal(t, 0, approxTokens(""))
	assert.Equal(t, 3, approxTokens("one two three"))
	assert.Equal(t, 2, approxTokens("  spaced   out  "))

	msgs := []store.Message{
		{Role: store.RoleSystem, Content: "be brief"},
		{Role: store.RoleUser, Content: "what is up"},
	}
	assert.Equal(t, 5, approxPromptTokens(msgs))
}
