package redisclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"marketbot/internal/models"

	"github.com/go-redis/redis/v8"
)

type Client struct {
	rdb *redis.Client
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

	return &Client{rdb: rdb}, nil
}

// NewFromRedis wraps an existing client
func NewFromRedis(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func pendingKey(id string) string {
	return fmt.Sprintf("pending_payment:%s", id)
}

func userPendingKey(userID int64) string {
	return fmt.Sprintf("pending_payment:user:%d", userID)
}

// SavePending stores a frozen checkout for the crypto callback. The user
// index lets operators find the latest snapshot of a user.
func (c *Client) SavePending(ctx context.Context, p *models.PendingPayment, ttl time.Duration) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal pending payment: %w", err)
	}

	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, pendingKey(p.ID), data, ttl)
	pipe.Set(ctx, userPendingKey(p.UserID), p.ID, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store pending payment: %w", err)
	}
	return nil
}

// GetPending returns the snapshot, or nil when it expired or never existed
func (c *Client) GetPending(ctx context.Context, id string) (*models.PendingPayment, error) {
	data, err := c.rdb.Get(ctx, pendingKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var p models.PendingPayment
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending payment %s: %w", id, err)
	}
	return &p, nil
}

// GetUserPending returns the latest snapshot of a user, if still alive
func (c *Client) GetUserPending(ctx context.Context, userID int64) (*models.PendingPayment, error) {
	id, err := c.rdb.Get(ctx, userPendingKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c.GetPending(ctx, id)
}

// DeletePending forgets a snapshot. Deleting a missing one is not an error.
func (c *Client) DeletePending(ctx context.Context, id string) error {
	p, err := c.GetPending(ctx, id)
	if err != nil {
		return err
	}

	keys := []string{pendingKey(id)}
	if p != nil {
		owner, err := c.rdb.Get(ctx, userPendingKey(p.UserID)).Result()
		if err == nil && owner == id {
			keys = append(keys, userPendingKey(p.UserID))
		}
	}
	return c.rdb.Del(ctx, keys...).Err()
}
