// Package provider resolves and speaks to external LLM providers.
//
// # Resolution
//
// The Resolver computes the effective configuration for a turn by layering
// a conversation's agent overrides (model, temperature, max-tokens, preset
// messages) over the provider row's defaults. Gaps remaining after both
// levels are configuration errors; a model absent from the provider's
// supported list fails resolution before any network traffic.
//
// # Streaming
//
// StreamClient implementations deliver completions incrementally over a
// channel. The current kinds (openai, custom) share the OpenAI-compatible
// SSE wire protocol: data-prefixed JSON lines terminated by a [DONE]
// sentinel, with optional usage accounting on the final chunk.
//
// # Proxies
//
// Provider rows may carry a proxy descriptor. newTransport routes the
// client through it, and TestProxy probes reachability against a
// known-good endpoint so operators can diagnose proxy problems without
// spending an LLM call.
package provider
