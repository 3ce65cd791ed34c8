package authsdk

import (
	"context"
	"net/http"
	"time"
)

const discoveryPath = "/.well-known/openid-configuration"

// discoveryRetries is how many times Discover retries a failed fetch.
// Discovery is a plain GET so retrying is safe; token and revocation
// requests are never retried.
const discoveryRetries = 3

// Discover fetches the provider metadata document and caches it on the
// client. Subsequent endpoint lookups use the cached copy.
func (c *SDKClient) Discover(ctx context.Context) (*DiscoveryDocument, error) {
	var lastErr error
	backoff := 250 * time.Millisecond

	for attempt := 0; attempt < discoveryRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		resp, err := c.doRequest(ctx, http.MethodGet, discoveryPath, nil, nil)
		if err != nil {
			lastErr = err
			continue
		}

		var doc DiscoveryDocument
		if err := decodeJSON(resp, &doc, http.StatusOK); err != nil {
			lastErr = err
			continue
		}

		c.discoveryMu.Lock()
		c.discovery = &doc
		c.discoveryMu.Unlock()
		return &doc, nil
	}

	return nil, lastErr
}

// Discovery returns the cached discovery document, or nil if Discover
// has not been called.
func (c *SDKClient) Discovery() *DiscoveryDocument {
	c.discoveryMu.RLock()
	defer c.discoveryMu.RUnlock()
	return c.discovery
}

// endpoint returns the discovered URL for an endpoint, falling back to
// the conventional path when no discovery document is loaded.
func (c *SDKClient) endpoint(pick func(*DiscoveryDocument) string, fallback string) string {
	c.discoveryMu.RLock()
	doc := c.discovery
	c.discoveryMu.RUnlock()

	if doc != nil {
		if u := pick(doc); u != "" {
			return u
		}
	}
	return fallback
}

func (c *SDKClient) authorizeEndpoint() string {
	return c.endpoint(func(d *DiscoveryDocument) string { return d.AuthorizationEndpoint }, "/v1/oauth2/authorize")
}

func (c *SDKClient) userinfoEndpoint() string {
	return c.endpoint(func(d *DiscoveryDocument) string { return d.UserinfoEndpoint }, "/v1/userinfo")
}

func (c *SDKClient) tokenEndpoint() string {
	return c.endpoint(func(d *DiscoveryDocument) string { return d.TokenEndpoint }, "/v1/oauth2/token")
}

func (c *SDKClient) revocationEndpoint() string {
	return c.endpoint(func(d *DiscoveryDocument) string { return d.RevocationEndpoint }, "/v1/oauth2/revoke")
}

func (c *SDKClient) introspectionEndpoint() string {
	return c.endpoint(func(d *DiscoveryDocument) string { return d.IntrospectionEndpoint }, "/v1/oauth2/introspect")
}

func (c *SDKClient) jwksEndpoint() string {
	return c.endpoint(func(d *DiscoveryDocument) string { return d.JWKSURI }, "/.well-known/jwks.json")
}
