// Package sessionlock serializes streaming turns per conversation session.
//
// A Registry hands out at most one Guard per session key at a time. A second
// concurrent acquisition fails fast with ErrStreamActive instead of queuing,
// trading fairness for freshness on hot sessions. Entries are evicted when
// released, so the registry stays bounded by the number of in-flight streams.
package sessionlock
