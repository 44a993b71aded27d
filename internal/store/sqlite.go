// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Conversations keep their ordered message list as a JSON column

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single pooled connection: SQLite allows one writer anyway, and an
	// in-memory database exists per connection
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL UNIQUE,
			user_id TEXT NOT NULL,
			agent_id TEXT,
			title TEXT NOT NULL,
			messages TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT 'active',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_user
			ON conversations(user_id, updated_at);

		CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			temperature REAL,
			top_p REAL,
			max_tokens INTEGER,
			presets TEXT NOT NULL DEFAULT '[]',
			public INTEGER NOT NULL DEFAULT 0,
			is_default INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_agents_user
			ON agents(user_id);

		CREATE TABLE IF NOT EXISTS providers (
			name TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			base_url TEXT NOT NULL,
			api_key TEXT NOT NULL,
			proxy TEXT,
			models TEXT NOT NULL DEFAULT '[]',
			temperature REAL,
			max_tokens INTEGER,
			rate_limit REAL,
			active INTEGER NOT NULL DEFAULT 1,
			is_default INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// isUniqueViolation reports whether err is a SQLite unique constraint failure
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CreateConversation inserts a new conversation row
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	msgs, err := json.Marshal(conv.Messages)
	if err != nil {
		return fmt.Errorf("marshaling messages: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, session_id, user_id, agent_id, title, messages, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.SessionID, conv.UserID, conv.AgentID, conv.Title,
		string(msgs), conv.Status, conv.CreatedAt, conv.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return nil
}

// GetConversation fetches a conversation by id, scoped to the owning user
func (s *SQLiteStore) GetConversation(ctx context.Context, id, userID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, user_id, agent_id, title, messages, status, created_at, updated_at
		FROM conversations WHERE id = ? AND user_id = ?`, id, userID)
	return scanConversation(row)
}

// ListConversations returns the user's conversations, most recently updated first.
// Soft-deleted conversations are excluded.
func (s *SQLiteStore) ListConversations(ctx context.Context, userID string, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, user_id, agent_id, title, messages, status, created_at, updated_at
		FROM conversations
		WHERE user_id = ? AND status != ?
		ORDER BY updated_at DESC LIMIT ?`, userID, StatusDeleted, limit)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// AppendMessages appends messages to the conversation's ordered list.
// Read-modify-write: callers serialize turns per session via the session
// guard, so no optimistic check is performed here.
func (s *SQLiteStore) AppendMessages(ctx context.Context, id, userID string, msgs ...Message) error {
	conv, err := s.GetConversation(ctx, id, userID)
	if err != nil {
		return err
	}
	return s.ReplaceMessages(ctx, id, userID, append(conv.Messages, msgs...))
}

// ReplaceMessages overwrites the conversation's message list wholesale.
// This is the only non-append write path; used by the update-context operation
// and internally by AppendMessages.
func (s *SQLiteStore) ReplaceMessages(ctx context.Context, id, userID string, msgs []Message) error {
	if msgs == nil {
		msgs = []Message{}
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("marshaling messages: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET messages = ?, updated_at = ?
		WHERE id = ? AND user_id = ?`, string(data), time.Now().UTC(), id, userID)
	if err != nil {
		return fmt.Errorf("updating messages: %w", err)
	}
	return requireRow(res)
}

// UpdateTitle rewrites the conversation title
func (s *SQLiteStore) UpdateTitle(ctx context.Context, id, userID, title string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET title = ?, updated_at = ?
		WHERE id = ? AND user_id = ?`, title, time.Now().UTC(), id, userID)
	if err != nil {
		return fmt.Errorf("updating title: %w", err)
	}
	return requireRow(res)
}

// UpdateStatus transitions the conversation status. Deletion is a status
// transition; rows are never physically removed here.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id, userID, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET status = ?, updated_at = ?
		WHERE id = ? AND user_id = ?`, status, time.Now().UTC(), id, userID)
	if err != nil {
		return fmt.Errorf("updating status: %w", err)
	}
	return requireRow(res)
}

// requireRow converts a zero-row update into ErrNotFound
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// scanner covers both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*Conversation, error) {
	var conv Conversation
	var msgs string
	err := row.Scan(&conv.ID, &conv.SessionID, &conv.UserID, &conv.AgentID,
		&conv.Title, &msgs, &conv.Status, &conv.CreatedAt, &conv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}
	if err := json.Unmarshal([]byte(msgs), &conv.Messages); err != nil {
		return nil, fmt.Errorf("unmarshaling messages: %w", err)
	}
	return &conv, nil
}

// CreateAgent inserts a new agent row
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *Agent) error {
	presets, err := json.Marshal(agent.Presets)
	if err != nil {
		return fmt.Errorf("marshaling presets: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, user_id, provider, model, temperature, top_p, max_tokens, presets, public, is_default, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		agent.ID, agent.UserID, agent.Provider, agent.Model,
		agent.Temperature, agent.TopP, agent.MaxTokens, string(presets),
		agent.Public, agent.Default, agent.CreatedAt, agent.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("inserting agent: %w", err)
	}
	return nil
}

// GetAgent fetches an agent by id
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, provider, model, temperature, top_p, max_tokens, presets, public, is_default, created_at, updated_at
		FROM agents WHERE id = ?`, id)
	return scanAgent(row)
}

// ListAgents returns agents visible to the user: their own plus public ones
func (s *SQLiteStore) ListAgents(ctx context.Context, userID string) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, provider, model, temperature, top_p, max_tokens, presets, public, is_default, created_at, updated_at
		FROM agents WHERE user_id = ? OR public = 1
		ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// UpdateAgent rewrites an agent row
func (s *SQLiteStore) UpdateAgent(ctx context.Context, agent *Agent) error {
	presets, err := json.Marshal(agent.Presets)
	if err != nil {
		return fmt.Errorf("marshaling presets: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET provider = ?, model = ?, temperature = ?, top_p = ?, max_tokens = ?,
			presets = ?, public = ?, is_default = ?, updated_at = ?
		WHERE id = ?`,
		agent.Provider, agent.Model, agent.Temperature, agent.TopP, agent.MaxTokens,
		string(presets), agent.Public, agent.Default, time.Now().UTC(), agent.ID)
	if err != nil {
		return fmt.Errorf("updating agent: %w", err)
	}
	return requireRow(res)
}

// DeleteAgent removes an agent row
func (s *SQLiteStore) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting agent: %w", err)
	}
	return requireRow(res)
}

func scanAgent(row scanner) (*Agent, error) {
	var agent Agent
	var presets string
	err := row.Scan(&agent.ID, &agent.UserID, &agent.Provider, &agent.Model,
		&agent.Temperature, &agent.TopP, &agent.MaxTokens, &presets,
		&agent.Public, &agent.Default, &agent.CreatedAt, &agent.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning agent: %w", err)
	}
	if err := json.Unmarshal([]byte(presets), &agent.Presets); err != nil {
		return nil, fmt.Errorf("unmarshaling presets: %w", err)
	}
	return &agent, nil
}

// CreateProvider inserts a new provider configuration row
func (s *SQLiteStore) CreateProvider(ctx context.Context, p *ProviderConfig) error {
	models, proxy, err := marshalProviderFields(p)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO providers (name, kind, base_url, api_key, proxy, models, temperature, max_tokens, rate_limit, active, is_default, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Name, p.Kind, p.BaseURL, p.APIKey, proxy, models,
		p.Temperature, p.MaxTokens, p.RateLimit, p.Active, p.Default,
		p.CreatedAt, p.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("inserting provider: %w", err)
	}
	return nil
}

// GetProviderByName fetches a provider configuration by its unique name
func (s *SQLiteStore) GetProviderByName(ctx context.Context, name string) (*ProviderConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, kind, base_url, api_key, proxy, models, temperature, max_tokens, rate_limit, active, is_default, created_at, updated_at
		FROM providers WHERE name = ?`, name)
	return scanProvider(row)
}

// ListProviders returns all provider configurations
func (s *SQLiteStore) ListProviders(ctx context.Context) ([]*ProviderConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, kind, base_url, api_key, proxy, models, temperature, max_tokens, rate_limit, active, is_default, created_at, updated_at
		FROM providers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying providers: %w", err)
	}
	defer rows.Close()

	var providers []*ProviderConfig
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

// UpdateProvider rewrites a provider configuration row
func (s *SQLiteStore) UpdateProvider(ctx context.Context, p *ProviderConfig) error {
	models, proxy, err := marshalProviderFields(p)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE providers SET kind = ?, base_url = ?, api_key = ?, proxy = ?, models = ?,
			temperature = ?, max_tokens = ?, rate_limit = ?, active = ?, is_default = ?, updated_at = ?
		WHERE name = ?`,
		p.Kind, p.BaseURL, p.APIKey, proxy, models,
		p.Temperature, p.MaxTokens, p.RateLimit, p.Active, p.Default,
		time.Now().UTC(), p.Name)
	if err != nil {
		return fmt.Errorf("updating provider: %w", err)
	}
	return requireRow(res)
}

// DeleteProvider removes a provider configuration row
func (s *SQLiteStore) DeleteProvider(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM providers WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("deleting provider: %w", err)
	}
	return requireRow(res)
}

func marshalProviderFields(p *ProviderConfig) (models string, proxy *string, err error) {
	m, err := json.Marshal(p.Models)
	if err != nil {
		return "", nil, fmt.Errorf("marshaling models: %w", err)
	}
	if p.Proxy != nil {
		data, err := json.Marshal(p.Proxy)
		if err != nil {
			return "", nil, fmt.Errorf("marshaling proxy: %w", err)
		}
		s := string(data)
		proxy = &s
	}
	return string(m), proxy, nil
}

func scanProvider(row scanner) (*ProviderConfig, error) {
	var p ProviderConfig
	var models string
	var proxy *string
	err := row.Scan(&p.Name, &p.Kind, &p.BaseURL, &p.APIKey, &proxy, &models,
		&p.Temperature, &p.MaxTokens, &p.RateLimit, &p.Active, &p.Default,
		&p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning provider: %w", err)
	}
	if err := json.Unmarshal([]byte(models), &p.Models); err != nil {
		return nil, fmt.Errorf("unmarshaling models: %w", err)
	}
	if proxy != nil {
		p.Proxy = &ProxyConfig{}
		if err := json.Unmarshal([]byte(*proxy), p.Proxy); err != nil {
			return nil, fmt.Errorf("unmarshaling proxy: %w", err)
		}
	}
	return &p, nil
}
