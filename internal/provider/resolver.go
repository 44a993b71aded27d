// ABOUTME: Resolver computes the effective provider/model/sampling config for a turn
// ABOUTME: Agent overrides layer over provider defaults; gaps are configuration errors

package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Movelocity/polynex/internal/store"
)

// ConfigStore defines what the resolver needs from storage
type ConfigStore interface {
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
	GetProviderByName(ctx context.Context, name string) (*store.ProviderConfig, error)
	ListProviders(ctx context.Context) ([]*store.ProviderConfig, error)
}

// Resolved is the effective request configuration for one turn.
type Resolved struct {
	Provider    *store.ProviderConfig
	Model       string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
	// Presets are the agent's system-role messages, prepended ahead of
	// conversation history on every turn. Empty without an agent.
	Presets []store.Message
	Client  StreamClient
}

// Resolver resolves conversations to effective provider configurations.
// Clients are constructed per resolved provider row; the store rows are
// read-only from this package's perspective.
type Resolver struct {
	store  ConfigStore
	logger *slog.Logger
}

// NewResolver creates a resolver. Pass nil logger for default.
func NewResolver(cs ConfigStore, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:  cs,
		logger: logger.With("component", "resolver"),
	}
}

// Resolve computes the effective configuration for a conversation's next
// turn. Resolution order: agent override, then provider default; a value
// missing at both levels is a configuration error, never a silent
// substitution. The declared model must appear in the provider's
// supported-model list, enforced before any network call.
func (r *Resolver) Resolve(ctx context.Context, conv *store.Conversation) (*Resolved, error) {
	var agent *store.Agent
	if conv.AgentID != nil && *conv.AgentID != "" {
		a, err := r.store.GetAgent(ctx, *conv.AgentID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("agent %s: %w", *conv.AgentID, store.ErrNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("loading agent: %w", err)
		}
		// A foreign private agent looks absent, never forbidden, so agent
		// ids cannot be probed through conversations
		if a.UserID != conv.UserID && !a.Public {
			return nil, fmt.Errorf("agent %s: %w", *conv.AgentID, store.ErrNotFound)
		}
		agent = a
	}

	providerCfg, err := r.resolveProvider(ctx, agent)
	if err != nil {
		return nil, err
	}

	resolved := &Resolved{Provider: providerCfg}

	if agent != nil {
		resolved.Model = agent.Model
		resolved.Temperature = agent.Temperature
		resolved.TopP = agent.TopP
		resolved.MaxTokens = agent.MaxTokens
		resolved.Presets = agent.Presets
	}

	// Provider defaults fill anything the agent leaves unset
	if resolved.Model == "" {
		if len(providerCfg.Models) == 0 {
			return nil, fmt.Errorf("provider %q: %w", providerCfg.Name, ErrNoDefaults)
		}
		resolved.Model = providerCfg.Models[0]
	}
	if resolved.Temperature == nil {
		resolved.Temperature = providerCfg.Temperature
	}
	if resolved.MaxTokens == nil {
		resolved.MaxTokens = providerCfg.MaxTokens
	}

	// A sampling parameter absent at every level is a configuration error,
	// surfaced rather than patched with a fixed fallback
	if resolved.Temperature == nil {
		return nil, fmt.Errorf("provider %q missing temperature default: %w", providerCfg.Name, ErrNoDefaults)
	}

	if !supportsModel(providerCfg, resolved.Model) {
		return nil, fmt.Errorf("provider %q does not support model %q: %w",
			providerCfg.Name, resolved.Model, ErrUnsupportedModel)
	}

	client, err := NewClient(providerCfg)
	if err != nil {
		return nil, err
	}
	resolved.Client = client

	r.logger.Debug("resolved turn configuration",
		"provider", providerCfg.Name,
		"model", resolved.Model,
		"has_agent", agent != nil,
		"presets", len(resolved.Presets))

	return resolved, nil
}

// resolveProvider picks the agent's named provider, or the active default
// provider when the conversation has no agent.
func (r *Resolver) resolveProvider(ctx context.Context, agent *store.Agent) (*store.ProviderConfig, error) {
	if agent != nil {
		p, err := r.store.GetProviderByName(ctx, agent.Provider)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("provider %q: %w", agent.Provider, ErrProviderNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("loading provider: %w", err)
		}
		if !p.Active {
			return nil, fmt.Errorf("provider %q: %w", p.Name, ErrProviderInactive)
		}
		return p, nil
	}

	providers, err := r.store.ListProviders(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing providers: %w", err)
	}
	for _, p := range providers {
		if p.Active && p.Default {
			return p, nil
		}
	}
	return nil, ErrNoDefaultProvider
}

func supportsModel(p *store.ProviderConfig, model string) bool {
	for _, m := range p.Models {
		if m == model {
			return true
		}
	}
	return false
}
