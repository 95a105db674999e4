package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSTier stores entries in a JetStream key-value bucket. The bucket's
// MaxAge bounds retention; per-entry expiry is enforced by the envelope's
// ExpiresAt on read.
type NATSTier struct {
	kv jetstream.KeyValue
	nc *nats.Conn
}

// NewNATSTier creates or updates bucket on js.
func NewNATSTier(ctx context.Context, js jetstream.JetStream, bucket string, ttl time.Duration) (*NATSTier, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "envdraft generation cache",
		TTL:         ttl,
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("open kv bucket %s: %w", bucket, err)
	}
	return &NATSTier{kv: kv}, nil
}

// DialNATS connects to a nats:// URL and opens bucket.
func DialNATS(ctx context.Context, url, bucket string, ttl time.Duration) (*NATSTier, error) {
	nc, err := nats.Connect(url, nats.Name("envdraft-cache"), nats.Timeout(5*time.Second))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	tier, err := NewNATSTier(ctx, js, bucket, ttl)
	if err != nil {
		nc.Close()
		return nil, err
	}
	tier.nc = nc
	return tier, nil
}

// Name returns "nats".
func (t *NATSTier) Name() string { return "nats" }

// Get fetches key; a missing or deleted key is a miss.
func (t *NATSTier) Get(ctx context.Context, key string) ([]byte, bool, error) {
	entry, err := t.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return entry.Value(), true, nil
}

// Set stores key. ttl is carried by the envelope; the bucket applies its own
// MaxAge.
func (t *NATSTier) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	_, err := t.kv.Put(ctx, key, value)
	return err
}

// Delete removes key.
func (t *NATSTier) Delete(ctx context.Context, key string) error {
	err := t.kv.Delete(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}

// ScanPrefix lists the bucket's keys and keeps those starting with prefix.
func (t *NATSTier) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	lister, err := t.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, err
	}
	defer lister.Stop()

	var keys []string
	for k := range lister.Keys() {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Close drains the connection when the tier owns it.
func (t *NATSTier) Close() error {
	if t.nc == nil {
		return nil
	}
	return t.nc.Drain()
}
