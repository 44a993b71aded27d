// Package chat implements the streaming chat orchestrator.
//
// # Turn lifecycle
//
// A turn moves through Idle -> Resolving -> Admitted -> Streaming ->
// Finalizing -> {Completed | Failed}. Entry fails fast when the
// conversation is unknown, foreign, inactive, or its session already has
// an active stream. Once admitted (session guard + throttle ticket held),
// the provider's streaming completion is relayed chunk-by-chunk to the
// caller while the full response accumulates in memory.
//
// # Persistence
//
// Nothing is written until a terminal state. A completed turn appends
// [user, assistant] in one guarded write; a failed turn appends the user
// message alone so the conversation stays resumable. Per-chunk writes are
// deliberately avoided: an abrupt disconnect must not leave garbled
// history.
//
// # Disconnects
//
// The turn runs detached from the request context. If the caller goes
// away mid-stream, the provider stream is drained to completion and
// persisted anyway; only the turn timeout cancels the provider call.
package chat
