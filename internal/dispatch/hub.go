package dispatch

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/griefhaven/callcore/internal/proto"
	"github.com/griefhaven/callcore/internal/registry"
)

// Client is one signaling connection as seen by the hub. The transport
// layer owns the socket; the hub only pushes outbound envelopes into Send.
type Client struct {
	UserID string
	ConnID string
	Send   chan proto.Outbound
}

// NewClient constructs a client with an initialized send channel.
func NewClient(userID, connID string) *Client {
	return &Client{
		UserID: userID,
		ConnID: connID,
		Send:   make(chan proto.Outbound, 8),
	}
}

// Hub tracks the signaling connections attached to this relay node and
// records them in the shared connection registry. One logical connection
// per user: registering a second connection for a user closes the first.
type Hub struct {
	mu       sync.Mutex
	byUser   map[string]*Client
	registry registry.ConnRegistry
	log      *zerolog.Logger
}

// NewHub creates a hub backed by the given registry.
func NewHub(reg registry.ConnRegistry, logger *zerolog.Logger) *Hub {
	return &Hub{
		byUser:   make(map[string]*Client),
		registry: reg,
		log:      logger,
	}
}

// Register attaches a client, replacing any previous connection for the
// same user. The replaced client's Send channel is closed so its write
// loop unwinds.
func (h *Hub) Register(ctx context.Context, c *Client) error {
	h.mu.Lock()
	prev := h.byUser[c.UserID]
	h.byUser[c.UserID] = c
	h.mu.Unlock()

	if prev != nil {
		close(prev.Send)
		h.log.Info().
			Str("user_id", c.UserID).
			Str("replaced_conn", prev.ConnID).
			Msg("signaling connection replaced")
	}

	if err := h.registry.Put(ctx, c.UserID, c.ConnID); err != nil {
		h.log.Warn().Err(err).Str("user_id", c.UserID).Msg("registry put failed")
	}
	return nil
}

// Unregister detaches a client. A stale client (already replaced) must not
// evict its replacement, locally or in the registry.
func (h *Hub) Unregister(ctx context.Context, c *Client) {
	h.mu.Lock()
	current := h.byUser[c.UserID] == c
	if current {
		delete(h.byUser, c.UserID)
		close(c.Send)
	}
	h.mu.Unlock()

	if current {
		if err := h.registry.Drop(ctx, c.UserID, c.ConnID); err != nil {
			h.log.Warn().Err(err).Str("user_id", c.UserID).Msg("registry drop failed")
		}
	}
}

// Refresh extends the registry lease for a live connection. A no-op for
// registries without expiring entries.
func (h *Hub) Refresh(ctx context.Context, c *Client) {
	toucher, ok := h.registry.(interface {
		Touch(ctx context.Context, userID string) error
	})
	if !ok {
		return
	}
	if h.lookup(c.UserID) != c {
		return
	}
	if err := toucher.Touch(ctx, c.UserID); err != nil {
		h.log.Warn().Err(err).Str("user_id", c.UserID).Msg("registry touch failed")
	}
}

// lookup returns the local client currently bound to userID, if any.
func (h *Hub) lookup(userID string) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.byUser[userID]
}
