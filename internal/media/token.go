package media

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"context"
)

// Credentials are short-lived media-room join credentials.
type Credentials struct {
	Token string `json:"token"`
	URL   string `json:"media_server_url"`
}

type tokenRequest struct {
	RoomName    string `json:"room_name"`
	Identity    string `json:"identity"`
	DisplayName string `json:"display_name"`
}

type cacheKey struct {
	identity string
	roomName string
}

type cachedCreds struct {
	creds   Credentials
	expires time.Time
}

// DefaultTokenCacheTTL stays below the server-side token lifetime so a
// cached token is never handed out after it expired.
const DefaultTokenCacheTTL = 10 * time.Minute

// TokenClient fetches media-room credentials from the token endpoint and
// caches them keyed by (identity, roomName). Tokens are fetched only after
// a call decision is made, never speculatively.
type TokenClient struct {
	endpoint  string
	authToken string
	httpc     *http.Client
	ttl       time.Duration

	mu    sync.Mutex
	cache map[cacheKey]cachedCreds
}

// NewTokenClient creates a client for the given token endpoint. authToken
// is the caller's API bearer token.
func NewTokenClient(endpoint, authToken string, ttl time.Duration) *TokenClient {
	if ttl <= 0 {
		ttl = DefaultTokenCacheTTL
	}
	return &TokenClient{
		endpoint:  endpoint,
		authToken: authToken,
		httpc:     &http.Client{Timeout: 10 * time.Second},
		ttl:       ttl,
		cache:     make(map[cacheKey]cachedCreds),
	}
}

// Fetch returns credentials for identity in roomName, from cache when a
// non-expired entry exists.
func (t *TokenClient) Fetch(ctx context.Context, roomName, identity, displayName string) (Credentials, error) {
	key := cacheKey{identity: identity, roomName: roomName}

	t.mu.Lock()
	if entry, ok := t.cache[key]; ok && time.Now().Before(entry.expires) {
		t.mu.Unlock()
		return entry.creds, nil
	}
	t.mu.Unlock()

	body, err := json.Marshal(tokenRequest{
		RoomName:    roomName,
		Identity:    identity,
		DisplayName: displayName,
	})
	if err != nil {
		return Credentials{}, fmt.Errorf("marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return Credentials{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.authToken)
	}

	resp, err := t.httpc.Do(req)
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: %v", ErrToken, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Credentials{}, fmt.Errorf("%w: status %d: %s", ErrToken, resp.StatusCode, payload)
	}

	var creds Credentials
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return Credentials{}, fmt.Errorf("%w: decode response: %v", ErrToken, err)
	}

	t.mu.Lock()
	t.cache[key] = cachedCreds{creds: creds, expires: time.Now().Add(t.ttl)}
	t.mu.Unlock()

	return creds, nil
}

// Invalidate drops the cache entry for (identity, roomName).
func (t *TokenClient) Invalidate(roomName, identity string) {
	t.mu.Lock()
	delete(t.cache, cacheKey{identity: identity, roomName: roomName})
	t.mu.Unlock()
}
