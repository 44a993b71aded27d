// ABOUTME: Admin handlers for agent and provider configuration CRUD
// ABOUTME: Feeds the resolver's configuration surface, plus the proxy probe

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/Movelocity/polynex/internal/auth"
	"github.com/Movelocity/polynex/internal/provider"
	"github.com/Movelocity/polynex/internal/store"
)

// agentRequest is the wire shape for creating or updating an agent
type agentRequest struct {
	Provider    string          `json:"provider"`
	Model       string          `json:"model"`
	Temperature *float64        `json:"temperature"`
	TopP        *float64        `json:"top_p"`
	MaxTokens   *int            `json:"max_tokens"`
	Presets     []store.Message `json:"presets"`
	Public      bool            `json:"public"`
	Default     bool            `json:"default"`
}

// agentResponse is the wire shape of an agent
type agentResponse struct {
	ID          string          `json:"id"`
	Provider    string          `json:"provider"`
	Model       string          `json:"model"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Presets     []store.Message `json:"presets,omitempty"`
	Public      bool            `json:"public"`
	Default     bool            `json:"default"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func toAgentResponse(a *store.Agent) agentResponse {
	return agentResponse{
		ID:          a.ID,
		Provider:    a.Provider,
		Model:       a.Model,
		Temperature: a.Temperature,
		TopP:        a.TopP,
		MaxTokens:   a.MaxTokens,
		Presets:     a.Presets,
		Public:      a.Public,
		Default:     a.Default,
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.UpdatedAt,
	}
}

// handleListAgents handles GET /api/agents
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserFromContext(r.Context())

	agents, err := g.store.ListAgents(r.Context(), userID)
	if err != nil {
		g.logger.Error("failed to list agents", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to list agents")
		return
	}

	resp := make([]agentResponse, 0, len(agents))
	for _, a := range agents {
		resp = append(resp, toAgentResponse(a))
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"agents": resp})
}

// handleCreateAgent handles POST /api/agents
func (g *Gateway) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserFromContext(r.Context())

	var req agentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Provider == "" {
		g.sendJSONError(w, http.StatusBadRequest, "provider is required")
		return
	}
	for _, m := range req.Presets {
		if !validRole(m.Role) {
			g.sendJSONError(w, http.StatusBadRequest, "invalid preset role")
			return
		}
	}

	now := time.Now().UTC()
	agent := &store.Agent{
		ID:          uuid.New().String(),
		UserID:      userID,
		Provider:    req.Provider,
		Model:       req.Model,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		Presets:     req.Presets,
		Public:      req.Public,
		Default:     req.Default,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := g.store.CreateAgent(r.Context(), agent); err != nil {
		g.logger.Error("failed to create agent", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to create agent")
		return
	}

	g.sendJSON(w, http.StatusCreated, toAgentResponse(agent))
}

// handleUpdateAgent handles PUT /api/agents/{id}. Full replacement of the
// mutable fields; ownership is checked so foreign agents look absent.
func (g *Gateway) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserFromContext(r.Context())

	agent, ok := g.loadOwnedAgent(w, r, userID)
	if !ok {
		return
	}

	var req agentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Provider == "" {
		g.sendJSONError(w, http.StatusBadRequest, "provider is required")
		return
	}

	agent.Provider = req.Provider
	agent.Model = req.Model
	agent.Temperature = req.Temperature
	agent.TopP = req.TopP
	agent.MaxTokens = req.MaxTokens
	agent.Presets = req.Presets
	agent.Public = req.Public
	agent.Default = req.Default
	agent.UpdatedAt = time.Now().UTC()

	if err := g.store.UpdateAgent(r.Context(), agent); err != nil {
		g.sendStoreError(w, err, "failed to update agent")
		return
	}

	g.sendJSON(w, http.StatusOK, toAgentResponse(agent))
}

// handleDeleteAgent handles DELETE /api/agents/{id}
func (g *Gateway) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserFromContext(r.Context())

	agent, ok := g.loadOwnedAgent(w, r, userID)
	if !ok {
		return
	}

	if err := g.store.DeleteAgent(r.Context(), agent.ID); err != nil {
		g.sendStoreError(w, err, "failed to delete agent")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// loadOwnedAgent fetches the agent in the path and verifies ownership.
// A foreign agent is reported as not found, never as forbidden.
func (g *Gateway) loadOwnedAgent(w http.ResponseWriter, r *http.Request, userID string) (*store.Agent, bool) {
	agent, err := g.store.GetAgent(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "agent not found")
		return nil, false
	}
	if err != nil {
		g.logger.Error("failed to load agent", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to load agent")
		return nil, false
	}
	if agent.UserID != userID {
		g.sendJSONError(w, http.StatusNotFound, "agent not found")
		return nil, false
	}
	return agent, true
}

// providerRequest is the wire shape for creating or updating a provider
type providerRequest struct {
	Name        string             `json:"name"`
	Kind        string             `json:"kind"`
	BaseURL     string             `json:"base_url"`
	APIKey      string             `json:"api_key"`
	Proxy       *store.ProxyConfig `json:"proxy"`
	Models      []string           `json:"models"`
	Temperature *float64           `json:"temperature"`
	MaxTokens   *int               `json:"max_tokens"`
	RateLimit   *float64           `json:"rate_limit"`
	Active      bool               `json:"active"`
	Default     bool               `json:"default"`
}

// providerResponse is the wire shape of a provider configuration. The API
// key is never echoed back.
type providerResponse struct {
	Name        string             `json:"name"`
	Kind        string             `json:"kind"`
	BaseURL     string             `json:"base_url"`
	Proxy       *store.ProxyConfig `json:"proxy,omitempty"`
	Models      []string           `json:"models"`
	Temperature *float64           `json:"temperature,omitempty"`
	MaxTokens   *int               `json:"max_tokens,omitempty"`
	RateLimit   *float64           `json:"rate_limit,omitempty"`
	Active      bool               `json:"active"`
	Default     bool               `json:"default"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

func toProviderResponse(p *store.ProviderConfig) providerResponse {
	resp := providerResponse{
		Name:        p.Name,
		Kind:        p.Kind,
		BaseURL:     p.BaseURL,
		Models:      p.Models,
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
		RateLimit:   p.RateLimit,
		Active:      p.Active,
		Default:     p.Default,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
	if p.Proxy != nil {
		// Proxy location is shown, credentials are not
		resp.Proxy = &store.ProxyConfig{URL: p.Proxy.URL, Username: p.Proxy.Username}
	}
	return resp
}

// handleListProviders handles GET /api/providers
func (g *Gateway) handleListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := g.store.ListProviders(r.Context())
	if err != nil {
		g.logger.Error("failed to list providers", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to list providers")
		return
	}

	resp := make([]providerResponse, 0, len(providers))
	for _, p := range providers {
		resp = append(resp, toProviderResponse(p))
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"providers": resp})
}

// handleCreateProvider handles POST /api/providers
func (g *Gateway) handleCreateProvider(w http.ResponseWriter, r *http.Request) {
	var req providerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := validateProviderRequest(&req, true); msg != "" {
		g.sendJSONError(w, http.StatusBadRequest, msg)
		return
	}

	now := time.Now().UTC()
	p := &store.ProviderConfig{
		Name:        req.Name,
		Kind:        req.Kind,
		BaseURL:     req.BaseURL,
		APIKey:      req.APIKey,
		Proxy:       req.Proxy,
		Models:      req.Models,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		RateLimit:   req.RateLimit,
		Active:      req.Active,
		Default:     req.Default,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := g.store.CreateProvider(r.Context(), p); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			g.sendJSONError(w, http.StatusConflict, "provider already exists")
			return
		}
		g.logger.Error("failed to create provider", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to create provider")
		return
	}

	g.sendJSON(w, http.StatusCreated, toProviderResponse(p))
}

// handleUpdateProvider handles PUT /api/providers/{name}. An empty api_key
// in the request keeps the stored key, so rotation is opt-in.
func (g *Gateway) handleUpdateProvider(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	existing, err := g.store.GetProviderByName(r.Context(), name)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "provider not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to load provider", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to load provider")
		return
	}

	var req providerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Name = name
	if msg := validateProviderRequest(&req, false); msg != "" {
		g.sendJSONError(w, http.StatusBadRequest, msg)
		return
	}

	existing.Kind = req.Kind
	existing.BaseURL = req.BaseURL
	if req.APIKey != "" {
		existing.APIKey = req.APIKey
	}
	existing.Proxy = req.Proxy
	existing.Models = req.Models
	existing.Temperature = req.Temperature
	existing.MaxTokens = req.MaxTokens
	existing.RateLimit = req.RateLimit
	existing.Active = req.Active
	existing.Default = req.Default
	existing.UpdatedAt = time.Now().UTC()

	if err := g.store.UpdateProvider(r.Context(), existing); err != nil {
		g.sendStoreError(w, err, "failed to update provider")
		return
	}

	g.sendJSON(w, http.StatusOK, toProviderResponse(existing))
}

// handleDeleteProvider handles DELETE /api/providers/{name}
func (g *Gateway) handleDeleteProvider(w http.ResponseWriter, r *http.Request) {
	err := g.store.DeleteProvider(r.Context(), r.PathValue("name"))
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "provider not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to delete provider", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to delete provider")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleTestProxy handles POST /api/providers/{name}/test-proxy. Probes
// the provider's proxy transport against a reachability endpoint without
// spending an LLM call.
func (g *Gateway) handleTestProxy(w http.ResponseWriter, r *http.Request) {
	p, err := g.store.GetProviderByName(r.Context(), r.PathValue("name"))
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "provider not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to load provider", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to load provider")
		return
	}

	var req struct {
		ProbeURL string `json:"probe_url"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	if err := provider.TestProxy(r.Context(), p.Proxy, req.ProbeURL); err != nil {
		g.sendJSON(w, http.StatusOK, map[string]any{
			"reachable": false,
			"error":     err.Error(),
		})
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"reachable": true})
}

// validateProviderRequest returns an error message, empty when valid.
// requireKey is false on update, where an empty key keeps the stored one.
func validateProviderRequest(req *providerRequest, requireKey bool) string {
	if req.Name == "" {
		return "name is required"
	}
	if req.Kind != store.ProviderKindOpenAI && req.Kind != store.ProviderKindCustom {
		return "kind must be openai or custom"
	}
	if req.BaseURL == "" {
		return "base_url is required"
	}
	if requireKey && req.APIKey == "" {
		return "api_key is required"
	}
	if len(req.Models) == 0 {
		return "at least one model is required"
	}
	return ""
}
