package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisWindow is a fixed-window counter shared by every daemon instance
// pointing at the same Redis.
type RedisWindow struct {
	client *redis.Client
	prefix string
	limit  int64
	window time.Duration
	now    func() time.Time
}

// NewRedisWindow connects to redisURL and verifies the connection
func NewRedisWindow(redisURL string, limit int, window time.Duration) (*RedisWindow, error) {
	url := strings.TrimSpace(redisURL)
	if url == "" {
		return nil, errors.New("redis url is required")
	}
	if limit <= 0 || window <= 0 {
		return nil, fmt.Errorf("invalid shared window: limit=%d window=%v", limit, window)
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &RedisWindow{
		client: client,
		prefix: "genflow:ratelimit:",
		limit:  int64(limit),
		window: window,
		now:    time.Now,
	}, nil
}

// Allow increments the current window's counter for key.
func (w *RedisWindow) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	if w == nil || w.client == nil {
		return true, 0, nil
	}
	now := w.now()
	start := now.Truncate(w.window)
	redisKey := fmt.Sprintf("%s%s:%d", w.prefix, key, start.Unix())

	var incr *redis.IntCmd
	_, err := w.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.Expire(ctx, redisKey, w.window+time.Second)
		return nil
	})
	if err != nil {
		return false, 0, fmt.Errorf("redis rate window: %w", err)
	}
	if incr.Val() > w.limit {
		return false, start.Add(w.window).Sub(now), nil
	}
	return true, 0, nil
}

// Close closes the Redis client
func (w *RedisWindow) Close() error {
	if w == nil || w.client == nil {
		return nil
	}
	return w.client.Close()
}
