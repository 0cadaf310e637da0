package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"pachat/internal/redis"
)

const redisKeyPrefix = "approval:"

// RedisGate shares pending approvals between processes. SETNX makes the
// slot single-writer and GETDEL makes Take atomic.
type RedisGate struct {
	client *redis.Client
}

func NewRedisGate(client *redis.Client) *RedisGate {
	return &RedisGate{client: client}
}

func redisKey(threadID int64) string {
	return fmt.Sprintf("%s%d", redisKeyPrefix, threadID)
}

func (g *RedisGate) Open(ctx context.Context, req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode approval: %w", err)
	}
	ok, err := g.client.SetNX(ctx, redisKey(req.ThreadID), data, 0)
	if err != nil {
		return fmt.Errorf("open approval: %w", err)
	}
	if !ok {
		return ErrAlreadyPending
	}
	return nil
}

func (g *RedisGate) Take(ctx context.Context, threadID int64, requestID string) (Request, error) {
	raw, err := g.client.GetDel(ctx, redisKey(threadID))
	if err != nil {
		if errors.Is(err, redis.ErrCacheMiss) {
			return Request{}, ErrNotPending
		}
		return Request{}, fmt.Errorf("take approval: %w", err)
	}
	var req Request
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return Request{}, fmt.Errorf("decode approval: %w", err)
	}
	if !matches(req, requestID) {
		// Put back the request we were not asked for.
		if _, err := g.client.SetNX(ctx, redisKey(threadID), raw, 0); err != nil {
			return Request{}, fmt.Errorf("restore approval: %w", err)
		}
		return Request{}, ErrNotPending
	}
	return req, nil
}

func (g *RedisGate) Pending(ctx context.Context, threadID int64) (Request, bool, error) {
	raw, err := g.client.Get(ctx, redisKey(threadID))
	if err != nil {
		if errors.Is(err, redis.ErrCacheMiss) {
			return Request{}, false, nil
		}
		return Request{}, false, fmt.Errorf("get approval: %w", err)
	}
	var req Request
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return Request{}, false, fmt.Errorf("decode approval: %w", err)
	}
	return req, true, nil
}

func (g *RedisGate) Discard(ctx context.Context, threadID int64) error {
	if err := g.client.Del(ctx, redisKey(threadID)); err != nil {
		return fmt.Errorf("discard approval: %w", err)
	}
	return nil
}
