// ABOUTME: Store interface and data types for polynex chat persistence
// ABOUTME: Defines Conversation, Message, Agent, ProviderConfig and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when creating an entity that already exists
var ErrDuplicate = errors.New("already exists")

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Conversation status values
const (
	StatusActive   = "active"
	StatusArchived = "archived"
	StatusDeleted  = "deleted"
)

// DefaultTitle is the placeholder title a conversation carries until its
// first turn derives a real one from the user message.
const DefaultTitle = "New Conversation"

// Message is a single entry in a conversation's ordered history.
// Messages are owned by their conversation and never referenced elsewhere.
type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Tokens    *int       `json:"tokens,omitempty"`
}

// Conversation is a chat thread owned by a user. SessionID is the
// externally-visible token used as the concurrency-control key; it is
// distinct from the storage identity.
type Conversation struct {
	ID        string
	SessionID string
	UserID    string
	AgentID   *string
	Title     string
	Messages  []Message
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Agent holds per-user chat presets layered over a provider configuration.
// The Provider field references a ProviderConfig by name, not surrogate id.
type Agent struct {
	ID          string
	UserID      string
	Provider    string
	Model       string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
	Presets     []Message
	Public      bool
	Default     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Provider kind values. A closed set: each kind maps to one wire protocol
// implementation, chosen at resolution time.
const (
	ProviderKindOpenAI = "openai"
	ProviderKindCustom = "custom"
)

// ProxyConfig describes an optional HTTP proxy for outbound provider calls.
type ProxyConfig struct {
	URL      string `json:"url"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// ProviderConfig is an administratively managed LLM provider row.
// Read-only from the orchestrator's perspective.
type ProviderConfig struct {
	Name        string
	Kind        string
	BaseURL     string
	APIKey      string
	Proxy       *ProxyConfig
	Models      []string
	Temperature *float64
	MaxTokens   *int
	RateLimit   *float64 // requests per second hint, nil for unlimited
	Active      bool
	Default     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ConversationStore defines conversation persistence operations.
// All reads are scoped to the owning user; writes are expected to run
// under the session guard (the store itself performs no optimistic check).
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id, userID string) (*Conversation, error)
	ListConversations(ctx context.Context, userID string, limit int) ([]*Conversation, error)

	// AppendMessages appends messages to the conversation's ordered list.
	// The list is append-only in normal operation; ReplaceMessages is the
	// one wholesale overwrite, used by the update-context operation.
	AppendMessages(ctx context.Context, id, userID string, msgs ...Message) error
	ReplaceMessages(ctx context.Context, id, userID string, msgs []Message) error

	UpdateTitle(ctx context.Context, id, userID, title string) error
	UpdateStatus(ctx context.Context, id, userID, status string) error
}

// AgentStore defines agent persistence operations.
type AgentStore interface {
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context, userID string) ([]*Agent, error)
	UpdateAgent(ctx context.Context, agent *Agent) error
	DeleteAgent(ctx context.Context, id string) error
}

// ProviderStore defines provider configuration persistence operations.
type ProviderStore interface {
	CreateProvider(ctx context.Context, p *ProviderConfig) error
	GetProviderByName(ctx context.Context, name string) (*ProviderConfig, error)
	ListProviders(ctx context.Context) ([]*ProviderConfig, error)
	UpdateProvider(ctx context.Context, p *ProviderConfig) error
	DeleteProvider(ctx context.Context, name string) error
}

// Store is the full persistence interface backing the gateway.
type Store interface {
	ConversationStore
	AgentStore
	ProviderStore

	// Close releases any resources held by the store
	Close() error
}
