// Package store provides persistence for conversations, agents, and
// provider configurations.
//
// # Overview
//
// The store is plain data access: it holds no concurrency logic of its own.
// Conversation message lists are serialized as an ordered JSON array; the
// orchestrator serializes writes per session, so the store performs no
// optimistic-concurrency check.
//
// # Entities
//
//   - Conversation: ordered message history, status, title, agent linkage.
//     Deletion is a status transition; rows are never physically removed.
//   - Agent: per-user preset layered over a provider (referenced by name).
//   - ProviderConfig: admin-managed LLM provider row, read-only to the core.
//
// # Implementation
//
// SQLiteStore backs the Store interface with modernc.org/sqlite, WAL mode,
// and automatic schema creation.
package store
