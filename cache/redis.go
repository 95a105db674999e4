package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// scanBatch is the COUNT hint passed to SCAN.
const scanBatch = 256

// RedisTier stores entries in Redis under "<prefix>:<key>".
type RedisTier struct {
	client *redis.Client
	prefix string
}

// NewRedisTier wraps an existing client.
func NewRedisTier(client *redis.Client, prefix string) *RedisTier {
	return &RedisTier{client: client, prefix: prefix}
}

// DialRedis connects to a redis:// or rediss:// URL and verifies the
// connection with PING.
func DialRedis(ctx context.Context, url, prefix string) (*RedisTier, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisTier(client, prefix), nil
}

// Name returns "redis".
func (t *RedisTier) Name() string { return "redis" }

func (t *RedisTier) redisKey(key string) string {
	if t.prefix == "" {
		return key
	}
	return t.prefix + ":" + key
}

func (t *RedisTier) cacheKey(redisKey string) string {
	if t.prefix == "" {
		return redisKey
	}
	return strings.TrimPrefix(redisKey, t.prefix+":")
}

// Get fetches key; redis.Nil is a miss.
func (t *RedisTier) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := t.client.Get(ctx, t.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// Set stores key with SET EX.
func (t *RedisTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return t.client.Set(ctx, t.redisKey(key), value, ttl).Err()
}

// Delete removes key.
func (t *RedisTier) Delete(ctx context.Context, key string) error {
	return t.client.Del(ctx, t.redisKey(key)).Err()
}

// ScanPrefix walks SCAN MATCH "<prefix>:<escaped>*".
func (t *RedisTier) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	match := escapeGlob(t.redisKey(prefix)) + "*"

	var keys []string
	iter := t.client.Scan(ctx, 0, match, scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, t.cacheKey(iter.Val()))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// Close closes the client.
func (t *RedisTier) Close() error {
	return t.client.Close()
}

// escapeGlob escapes the characters SCAN MATCH treats specially.
func escapeGlob(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\', '^':
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
