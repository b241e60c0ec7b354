package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/unlock.lua
var unlockScript string

type Client struct {
	rdb    *redis.Client
	unlock *redis.Script
}

// NewClient creates a new Redis client
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:    rdb,
		unlock: redis.NewScript(unlockScript),
	}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// SaveCheckoutSession stores serialized checkout state under the session
// id. Every save refreshes the TTL, so the TTL acts as the inactivity
// window: a session untouched for the whole window disappears, taking any
// stale applied-discount state with it.
func (c *Client) SaveCheckoutSession(ctx context.Context, sessionID string, data []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, fmt.Sprintf("checkout:%s", sessionID), data, ttl).Err()
}

// GetCheckoutSession retrieves serialized checkout state. Returns nil
// when the session is absent or expired.
func (c *Client) GetCheckoutSession(ctx context.Context, sessionID string) ([]byte, error) {
	data, err := c.rdb.Get(ctx, fmt.Sprintf("checkout:%s", sessionID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// DeleteCheckoutSession removes checkout state; called only after the
// gateway has reported success.
func (c *Client) DeleteCheckoutSession(ctx context.Context, sessionID string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("checkout:%s", sessionID)).Err()
}

// AcquireConfirmLock takes a short per-transaction lock so two
// confirmation signals arriving at the same instant serialize before the
// ledger's idempotent confirm. Returns false when another holder has it.
func (c *Client) AcquireConfirmLock(ctx context.Context, transactionID, owner string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("confirm-lock:%s", transactionID), owner, ttl).Result()
}

// ReleaseConfirmLock releases the lock if this owner still holds it.
func (c *Client) ReleaseConfirmLock(ctx context.Context, transactionID, owner string) error {
	_, err := c.unlock.Run(ctx,
		c.rdb, []string{fmt.Sprintf("confirm-lock:%s", transactionID)}, owner).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("unlock script failed: %w", err)
	}
	return nil
}
