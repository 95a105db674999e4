package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Tier is one storage layer of the generation cache. Implementations must be
// safe for concurrent use. Get reports a miss with found=false and a nil
// error; errors mean the tier itself is unavailable.
type Tier interface {
	Name() string
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	ScanPrefix(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Entry is a cached generation.
type Entry struct {
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Size      int       `json:"size"`
}

// Expired reports whether the entry's TTL has elapsed at now.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

var errEmptyEntry = errors.New("cache entry has no text")

func encodeEntry(e *Entry) ([]byte, error) {
	return json.Marshal(e)
}

func decodeEntry(data []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	if e.Text == "" {
		return nil, errEmptyEntry
	}
	return &e, nil
}
