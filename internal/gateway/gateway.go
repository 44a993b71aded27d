// ABOUTME: Gateway wires the store, resolver, and orchestrator behind an HTTP server
// ABOUTME: Manages route registration, health endpoints, and graceful shutdown

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Movelocity/polynex/internal/auth"
	"github.com/Movelocity/polynex/internal/chat"
	"github.com/Movelocity/polynex/internal/config"
	"github.com/Movelocity/polynex/internal/provider"
	"github.com/Movelocity/polynex/internal/sessionlock"
	"github.com/Movelocity/polynex/internal/store"
	"github.com/Movelocity/polynex/internal/throttle"
)

// Gateway orchestrates the polynex server components.
type Gateway struct {
	config       *config.Config
	store        store.Store
	orchestrator *chat.Orchestrator
	locks        *sessionlock.Registry
	httpServer   *http.Server
	logger       *slog.Logger
}

// New creates a gateway from config, opening the store and building the
// chat pipeline (session locks, throttler, resolver, orchestrator).
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return newWithStore(cfg, s, logger)
}

// newWithStore builds the gateway around an already-open store
func newWithStore(cfg *config.Config, s store.Store, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gateway")

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}

	th, err := throttle.New(cfg.Chat.MaxConcurrentRequests)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating throttler: %w", err)
	}

	resolver := provider.NewResolver(s, logger)
	locks := sessionlock.NewRegistry()
	orchestrator := chat.New(s, resolver, locks, th, cfg.Chat.RequestTimeout, logger)

	g := &Gateway{
		config:       cfg,
		store:        s,
		orchestrator: orchestrator,
		locks:        locks,
		logger:       logger,
	}

	mux := http.NewServeMux()
	g.registerRoutes(mux, verifier)

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// registerRoutes mounts health endpoints and the authenticated API surface
func (g *Gateway) registerRoutes(mux *http.ServeMux, verifier auth.TokenVerifier) {
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	api := http.NewServeMux()
	api.HandleFunc("POST /api/conversations", g.handleCreateConversation)
	api.HandleFunc("GET /api/conversations", g.handleListConversations)
	api.HandleFunc("GET /api/conversations/{id}", g.handleGetConversation)
	api.HandleFunc("PATCH /api/conversations/{id}", g.handleUpdateConversation)
	api.HandleFunc("PUT /api/conversations/{id}/messages", g.handleReplaceMessages)
	api.HandleFunc("POST /api/conversations/{id}/chat", g.handleChat)

	api.HandleFunc("GET /api/agents", g.handleListAgents)
	api.HandleFunc("POST /api/agents", g.handleCreateAgent)
	api.HandleFunc("PUT /api/agents/{id}", g.handleUpdateAgent)
	api.HandleFunc("DELETE /api/agents/{id}", g.handleDeleteAgent)

	api.HandleFunc("GET /api/providers", g.handleListProviders)
	api.HandleFunc("POST /api/providers", g.handleCreateProvider)
	api.HandleFunc("PUT /api/providers/{name}", g.handleUpdateProvider)
	api.HandleFunc("DELETE /api/providers/{name}", g.handleDeleteProvider)
	api.HandleFunc("POST /api/providers/{name}/test-proxy", g.handleTestProxy)

	mux.Handle("/api/", auth.Middleware(verifier)(api))
}

// Start runs the HTTP server until ctx is cancelled, then shuts down
// gracefully.
func (g *Gateway) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", g.httpServer.Addr)
		if err := g.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	g.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := g.httpServer.Shutdown(shutdownCtx); err != nil {
		g.logger.Error("shutdown error", "error", err)
	}
	return g.store.Close()
}

// handleHealth handles GET /health
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady handles GET /health/ready
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	// Readiness means the store answers
	if _, err := g.store.ListProviders(r.Context()); err != nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// sendJSON writes a JSON response with the given status
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, msg string) {
	g.sendJSON(w, status, map[string]string{"error": msg})
}
