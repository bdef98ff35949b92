package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "callcore:conn:"

	// connTTL bounds how long a crashed relay's entries survive. Live
	// connections refresh it via Touch.
	connTTL = 2 * time.Minute
)

// dropScript deletes the key only while connID still owns it.
var dropScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is the shared ConnRegistry for multi-node relay deployments.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to the given address and verifies the connection.
func NewRedis(ctx context.Context, addr string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{client: client}, nil
}

func (r *Redis) Put(ctx context.Context, userID, connID string) error {
	if err := r.client.Set(ctx, keyPrefix+userID, connID, connTTL).Err(); err != nil {
		return fmt.Errorf("registry put: %w", err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, userID string) (string, bool, error) {
	connID, err := r.client.Get(ctx, keyPrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("registry get: %w", err)
	}
	return connID, true, nil
}

func (r *Redis) Drop(ctx context.Context, userID, connID string) error {
	if err := dropScript.Run(ctx, r.client, []string{keyPrefix + userID}, connID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("registry drop: %w", err)
	}
	return nil
}

// Touch refreshes the TTL on a live connection's entry.
func (r *Redis) Touch(ctx context.Context, userID string) error {
	if err := r.client.Expire(ctx, keyPrefix+userID, connTTL).Err(); err != nil {
		return fmt.Errorf("registry touch: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

var _ ConnRegistry = (*Redis)(nil)
