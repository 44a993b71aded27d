// ABOUTME: Conversation API handlers including the streaming chat endpoint
// ABOUTME: Translates HTTP requests into store and orchestrator calls, SSE out

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/Movelocity/polynex/internal/auth"
	"github.com/Movelocity/polynex/internal/chat"
	"github.com/Movelocity/polynex/internal/sessionlock"
	"github.com/Movelocity/polynex/internal/store"
)

// defaultListLimit bounds conversation listings when the client does not ask
// for a specific page size.
const defaultListLimit = 50

// conversationResponse is the wire shape of a conversation
type conversationResponse struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	AgentID   *string         `json:"agent_id,omitempty"`
	Title     string          `json:"title"`
	Messages  []store.Message `json:"messages,omitempty"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func toConversationResponse(conv *store.Conversation, includeMessages bool) conversationResponse {
	resp := conversationResponse{
		ID:        conv.ID,
		SessionID: conv.SessionID,
		AgentID:   conv.AgentID,
		Title:     conv.Title,
		Status:    conv.Status,
		CreatedAt: conv.CreatedAt,
		UpdatedAt: conv.UpdatedAt,
	}
	if includeMessages {
		resp.Messages = conv.Messages
	}
	return resp
}

// handleCreateConversation handles POST /api/conversations
func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserFromContext(r.Context())

	var req struct {
		AgentID *string `json:"agent_id"`
		Title   string  `json:"title"`
	}
	// Both fields are optional; an empty body is a valid create
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		g.sendJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	title := req.Title
	if title == "" {
		title = store.DefaultTitle
	}

	now := time.Now().UTC()
	conv := &store.Conversation{
		ID:        uuid.New().String(),
		SessionID: uuid.New().String(),
		UserID:    userID,
		AgentID:   req.AgentID,
		Title:     title,
		Status:    store.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := g.store.CreateConversation(r.Context(), conv); err != nil {
		g.logger.Error("failed to create conversation", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to create conversation")
		return
	}

	g.sendJSON(w, http.StatusCreated, toConversationResponse(conv, false))
}

// handleListConversations handles GET /api/conversations
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserFromContext(r.Context())

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			g.sendJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	convs, err := g.store.ListConversations(r.Context(), userID, limit)
	if err != nil {
		g.logger.Error("failed to list conversations", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}

	resp := make([]conversationResponse, 0, len(convs))
	for _, conv := range convs {
		resp = append(resp, toConversationResponse(conv, false))
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"conversations": resp})
}

// handleGetConversation handles GET /api/conversations/{id}
func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserFromContext(r.Context())

	conv, err := g.store.GetConversation(r.Context(), r.PathValue("id"), userID)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to load conversation", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}

	g.sendJSON(w, http.StatusOK, toConversationResponse(conv, true))
}

// handleUpdateConversation handles PATCH /api/conversations/{id}.
// Supports renaming and status transitions; both are independent and
// optional in the same request.
func (g *Gateway) handleUpdateConversation(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserFromContext(r.Context())
	id := r.PathValue("id")

	var req struct {
		Title  *string `json:"title"`
		Status *string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Title == nil && req.Status == nil {
		g.sendJSONError(w, http.StatusBadRequest, "nothing to update")
		return
	}
	if req.Status != nil && !validStatus(*req.Status) {
		g.sendJSONError(w, http.StatusBadRequest, "invalid status")
		return
	}

	if req.Title != nil {
		if err := g.store.UpdateTitle(r.Context(), id, userID, *req.Title); err != nil {
			g.sendStoreError(w, err, "failed to update conversation")
			return
		}
	}
	if req.Status != nil {
		if err := g.store.UpdateStatus(r.Context(), id, userID, *req.Status); err != nil {
			g.sendStoreError(w, err, "failed to update conversation")
			return
		}
	}

	conv, err := g.store.GetConversation(r.Context(), id, userID)
	if err != nil {
		g.sendStoreError(w, err, "failed to load conversation")
		return
	}
	g.sendJSON(w, http.StatusOK, toConversationResponse(conv, false))
}

// handleReplaceMessages handles PUT /api/conversations/{id}/messages.
// This is the one wholesale overwrite the data model allows; everything
// else is append-only. The write runs under the session guard so it can
// never interleave with a turn's read-modify-write during Finalizing.
func (g *Gateway) handleReplaceMessages(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserFromContext(r.Context())

	var req struct {
		Messages []store.Message `json:"messages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	for i, m := range req.Messages {
		if !validRole(m.Role) {
			g.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid role at index %d", i))
			return
		}
	}

	conv, err := g.store.GetConversation(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		g.sendStoreError(w, err, "failed to load conversation")
		return
	}

	guard, err := g.locks.TryAcquire(conv.SessionID)
	if errors.Is(err, sessionlock.ErrStreamActive) {
		g.sendJSONError(w, http.StatusConflict, "a stream is already active for this session")
		return
	}
	if err != nil {
		g.logger.Error("failed to acquire session lock", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to replace messages")
		return
	}
	defer guard.Release()

	if err := g.store.ReplaceMessages(r.Context(), conv.ID, userID, req.Messages); err != nil {
		g.sendStoreError(w, err, "failed to replace messages")
		return
	}

	g.sendJSON(w, http.StatusOK, map[string]int{"messages": len(req.Messages)})
}

// handleChat handles POST /api/conversations/{id}/chat. Streams the turn as
// SSE when stream is true; otherwise blocks and returns the terminal event
// as a single JSON object.
func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserFromContext(r.Context())

	var req struct {
		Message   string `json:"message"`
		Stream    bool   `json:"stream"`
		AgentID   string `json:"agentId"`
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		g.sendJSONError(w, http.StatusBadRequest, "message is required")
		return
	}

	events, err := g.orchestrator.StreamTurn(r.Context(), &chat.TurnRequest{
		ConversationID: r.PathValue("id"),
		UserID:         userID,
		Message:        req.Message,
		AgentID:        req.AgentID,
		SessionKey:     req.SessionID,
	})
	switch {
	case errors.Is(err, chat.ErrConversationNotFound):
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return
	case errors.Is(err, sessionlock.ErrStreamActive):
		g.sendJSONError(w, http.StatusConflict, "a stream is already active for this session")
		return
	case err != nil:
		g.logger.Error("failed to start chat turn", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to start chat turn")
		return
	}

	if req.Stream {
		g.streamEvents(w, r, events)
		return
	}
	g.awaitTerminalEvent(w, events)
}

// streamEvents relays turn events to the client as SSE frames. The turn
// itself runs detached; if the client goes away we stop writing but keep
// draining so the orchestrator can finish and persist.
func (g *Gateway) streamEvents(w http.ResponseWriter, r *http.Request, events <-chan chat.Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	clientGone := false
	for ev := range events {
		if clientGone {
			continue
		}
		select {
		case <-r.Context().Done():
			clientGone = true
			continue
		default:
		}

		payload, err := json.Marshal(ev)
		if err != nil {
			g.logger.Error("failed to marshal stream event", "type", ev.Type, "error", err)
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			clientGone = true
			continue
		}
		flusher.Flush()
	}

	if !clientGone {
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}
}

// awaitTerminalEvent drains the turn and responds with its terminal event.
// Content events are discarded; the done payload already carries the full
// response text.
func (g *Gateway) awaitTerminalEvent(w http.ResponseWriter, events <-chan chat.Event) {
	var terminal *chat.Event
	for ev := range events {
		if ev.Type == chat.EventDone || ev.Type == chat.EventError {
			ev := ev
			terminal = &ev
		}
	}

	if terminal == nil {
		g.sendJSONError(w, http.StatusInternalServerError, "turn ended without a terminal event")
		return
	}
	status := http.StatusOK
	if terminal.Type == chat.EventError {
		status = http.StatusBadGateway
	}
	g.sendJSON(w, status, terminal)
}

// sendStoreError maps store errors onto HTTP statuses
func (g *Gateway) sendStoreError(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "not found")
		return
	}
	g.logger.Error(msg, "error", err)
	g.sendJSONError(w, http.StatusInternalServerError, msg)
}

func validStatus(s string) bool {
	switch s {
	case store.StatusActive, store.StatusArchived, store.StatusDeleted:
		return true
	}
	return false
}

func validRole(r string) bool {
	switch r {
	case store.RoleUser, store.RoleAssistant, store.RoleSystem:
		return true
	}
	return false
}
