package registry

import "context"

// ConnRegistry maps a user id to the id of their current signaling
// connection. Exactly one logical connection per user is recorded; a newer
// connection for the same user replaces the older one.
//
// The dispatcher consults this before forwarding an invite. A missing entry
// means "recipient not connected", which is a valid outcome, not an error.
type ConnRegistry interface {
	// Put records connID as the user's current connection.
	Put(ctx context.Context, userID, connID string) error

	// Get returns the user's current connection id, or ok=false if the
	// user has no live signaling connection.
	Get(ctx context.Context, userID string) (connID string, ok bool, err error)

	// Drop removes the entry, but only if connID still owns it. A stale
	// connection closing must not evict its replacement.
	Drop(ctx context.Context, userID, connID string) error
}
