package cache

import (
	"context"
	"fmt"
	"net/url"
	"time"
)

// DialShared opens the shared tier named by rawURL: redis:// and rediss://
// select Redis, nats:// and tls:// select a NATS JetStream KV bucket. bucket
// is the Redis key prefix or the KV bucket name.
func DialShared(ctx context.Context, rawURL, bucket string, ttl time.Duration) (Tier, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse shared cache url: %w", err)
	}
	switch u.Scheme {
	case "redis", "rediss":
		return DialRedis(ctx, rawURL, bucket)
	case "nats", "tls":
		return DialNATS(ctx, rawURL, bucket, ttl)
	default:
		return nil, fmt.Errorf("unsupported shared cache scheme %q", u.Scheme)
	}
}
