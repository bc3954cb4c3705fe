// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fleetsrv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// AckCache remembers acknowledged local IDs so redeliveries skip Postgres.
// Postgres stays authoritative: a cache miss or error falls through to it.
type AckCache interface {
	Get(ctx context.Context, userID, localID string) (InsertResult, bool, error)
	Put(ctx context.Context, userID, localID string, res InsertResult) error
}

// RedisAckCache stores acks as JSON strings with a TTL.
type RedisAckCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisAckCache(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisAckCache {
	if prefix == "" {
		prefix = "tripack"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisAckCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisAckCache) key(userID, localID string) string {
	return fmt.Sprintf("%s:%s:%s", c.prefix, userID, localID)
}

func (c *RedisAckCache) Get(ctx context.Context, userID, localID string) (InsertResult, bool, error) {
	raw, err := c.client.Get(ctx, c.key(userID, localID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return InsertResult{}, false, nil
	}
	if err != nil {
		return InsertResult{}, false, err
	}

	var res InsertResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return InsertResult{}, false, fmt.Errorf("decode cached ack: %w", err)
	}
	return res, true, nil
}

// Put records the ack. The first stored ack for a key wins.
func (c *RedisAckCache) Put(ctx context.Context, userID, localID string, res InsertResult) error {
	res.Duplicate = false
	raw, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return c.client.SetNX(ctx, c.key(userID, localID), raw, c.ttl).Err()
}
