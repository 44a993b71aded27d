// ABOUTME: HTTP transport construction for proxied provider calls
// ABOUTME: Includes a reachability probe usable without a real LLM invocation

package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/Movelocity/polynex/internal/store"
)

// DefaultProbeURL is a known-good endpoint that answers with 204 and no
// body, making it cheap to verify proxy reachability.
const DefaultProbeURL = "https://www.gstatic.com/generate_204"

// probeTimeout bounds the reachability check
const probeTimeout = 10 * time.Second

// newTransport builds an http.Transport that routes through the given proxy
// descriptor. Basic-auth credentials are embedded into the proxy URL when
// username/password are supplied. A nil descriptor yields a direct transport.
func newTransport(pc *store.ProxyConfig) (*http.Transport, error) {
	transport := &http.Transport{
		MaxIdleConns:        16,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if pc == nil {
		return transport, nil
	}

	proxyURL, err := url.Parse(pc.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing proxy url: %w", err)
	}
	if proxyURL.Scheme == "" || proxyURL.Host == "" {
		return nil, fmt.Errorf("malformed proxy url %q", pc.URL)
	}
	if pc.Username != "" {
		proxyURL.User = url.UserPassword(pc.Username, pc.Password)
	}

	transport.Proxy = http.ProxyURL(proxyURL)
	return transport, nil
}

// TestProxy verifies that the proxy descriptor can reach the outside world
// by issuing a lightweight request to probeURL (DefaultProbeURL when empty).
// It is independent of any chat call, so configuration problems can be
// diagnosed without spending an LLM invocation.
func TestProxy(ctx context.Context, pc *store.ProxyConfig, probeURL string) error {
	if probeURL == "" {
		probeURL = DefaultProbeURL
	}

	transport, err := newTransport(pc)
	if err != nil {
		return err
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   probeTimeout,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		return fmt.Errorf("creating probe request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("proxy probe failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("proxy probe returned %d", resp.StatusCode)
	}
	return nil
}
