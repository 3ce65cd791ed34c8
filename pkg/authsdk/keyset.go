package authsdk

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/tasklight/tasklight/pkg/jwtx"
)

// GetJWKS retrieves the server's JSON Web Key Set.
func (c *SDKClient) GetJWKS(ctx context.Context) (*jwtx.JWKS, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, c.jwksEndpoint(), nil, nil)
	if err != nil {
		return nil, err
	}

	var jwks jwtx.JWKS
	if err := decodeJSON(resp, &jwks, http.StatusOK); err != nil {
		return nil, err
	}

	return &jwks, nil
}

// RemoteKeySet is a jwtx.KeySet populated from the server's JWKS
// endpoint and refreshed on an interval, so local JWT validation keeps
// working across server key rotation.
type RemoteKeySet struct {
	client   *SDKClient
	keys     *jwtx.KeySet
	interval time.Duration

	mu       sync.Mutex
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRemoteKeySet fetches the JWKS once and starts a background refresh
// loop. Call Stop when done. refreshInterval defaults to 15 minutes.
func (c *SDKClient) NewRemoteKeySet(ctx context.Context, refreshInterval time.Duration) (*RemoteKeySet, error) {
	if refreshInterval <= 0 {
		refreshInterval = 15 * time.Minute
	}

	rks := &RemoteKeySet{
		client:   c,
		keys:     jwtx.NewKeySet(),
		interval: refreshInterval,
		stopCh:   make(chan struct{}),
	}

	if err := rks.refresh(ctx); err != nil {
		return nil, err
	}

	go rks.loop()
	return rks, nil
}

// KeySet returns the underlying key set for use with
// jwtx.NewKeySetVerifier.
func (r *RemoteKeySet) KeySet() *jwtx.KeySet {
	return r.keys
}

// Stop terminates the background refresh loop.
func (r *RemoteKeySet) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *RemoteKeySet) loop() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			// A failed refresh keeps the previous keys; the next tick
			// tries again.
			_ = r.refresh(ctx)
			cancel()
		}
	}
}

func (r *RemoteKeySet) refresh(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	jwks, err := r.client.GetJWKS(ctx)
	if err != nil {
		return err
	}

	return r.keys.ResetFromJWKS(*jwks)
}
