// Package cache keeps recently served overviews in redis for a bounded time.
package cache

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	jsoniter "github.com/json-iterator/go"
	"github.com/milkywaybrain/venuegate/internal/config"
	"github.com/milkywaybrain/venuegate/internal/series"
	"github.com/pkg/errors"
)

// KeyPrefix namespaces every key written by the gateway.
const KeyPrefix = "venuegate:overview:"

// Redis is the overview cache. The TTL is the freshness bound: an entry is never
// served after it, and every hit is labeled with the time it was stored.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// entry is what is stored under a key.
type entry struct {
	CachedAt int64            `json:"cachedAt"`
	Overview *series.Overview `json:"overview"`
}

// New connects to the configured redis. It returns nil, nil when caching is disabled.
func New(ctx context.Context, cfg *config.Cache) (*Redis, error) {
	if cfg.Addr == "" || cfg.TTLSec < 1 {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "redis ping")
	}
	return NewWithClient(client, time.Duration(cfg.TTLSec)*time.Second), nil
}

// NewWithClient wraps an existing redis client.
func NewWithClient(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl, now: time.Now}
}

// Key is the cache key of a (venue, symbol, timeframe) triple.
func Key(venue, symbol, tf string) string {
	return KeyPrefix + venue + ":" + symbol + ":" + tf
}

// Get returns the cached overview, relabeled as a cache hit, or nil on a miss.
func (r *Redis) Get(ctx context.Context, venue, symbol, tf string) (*series.Overview, error) {
	data, err := r.client.Get(ctx, Key(venue, symbol, tf)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "redis get")
	}
	return decode(data)
}

// Set stores an overview. Error flagged overviews are never cached.
func (r *Redis) Set(ctx context.Context, tf string, ov *series.Overview) error {
	if ov == nil || ov.Error != "" {
		return nil
	}
	data, err := encode(ov, r.now().UnixMilli())
	if err != nil {
		return err
	}
	if err = r.client.Set(ctx, Key(ov.Venue, ov.Symbol, tf), data, r.ttl).Err(); err != nil {
		return errors.Wrap(err, "redis set")
	}
	return nil
}

// Close closes the redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func encode(ov *series.Overview, cachedAt int64) ([]byte, error) {
	data, err := jsoniter.Marshal(entry{CachedAt: cachedAt, Overview: ov})
	return data, errors.Wrap(err, "encode cache entry")
}

func decode(data []byte) (*series.Overview, error) {
	e := entry{}
	if err := jsoniter.Unmarshal(data, &e); err != nil {
		return nil, errors.Wrap(err, "decode cache entry")
	}
	if e.Overview == nil {
		return nil, errors.New("decode cache entry: no overview")
	}
	hit := *e.Overview
	hit.Source = series.SourceCache
	hit.CachedAt = e.CachedAt
	return &hit, nil
}
