// Package redis implements store.PresenceStore on a shared Redis instance so
// every API process sees the same typing, online and registry keys.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/raasel/backend/internal/store"
)

// Config selects the Redis instance and the key namespace.
type Config struct {
	// URL is a redis:// or rediss:// URL.
	URL    string
	Prefix string
}

// Presence implements store.PresenceStore.
type Presence struct {
	client *goredis.Client
	prefix string
}

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, cfg Config) (*Presence, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("redis url is required")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return &Presence{client: client, prefix: cfg.Prefix}, nil
}

// Close releases the connection pool.
func (p *Presence) Close() error {
	return p.client.Close()
}

func (p *Presence) key(k string) string {
	return p.prefix + k
}

func (p *Presence) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := p.client.Set(ctx, p.key(key), value, ttl).Err(); err != nil {
		return store.Unavailable("presence set", err)
	}
	return nil
}

func (p *Presence) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := p.client.Get(ctx, p.key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, store.Unavailable("presence get", err)
	}
	return value, nil
}

func (p *Presence) Delete(ctx context.Context, key string) error {
	if err := p.client.Del(ctx, p.key(key)).Err(); err != nil {
		return store.Unavailable("presence delete", err)
	}
	return nil
}

func (p *Presence) AddMember(ctx context.Context, set, member string) error {
	if err := p.client.SAdd(ctx, p.key(set), member).Err(); err != nil {
		return store.Unavailable("presence add member", err)
	}
	return nil
}

func (p *Presence) RemoveMember(ctx context.Context, set, member string) error {
	if err := p.client.SRem(ctx, p.key(set), member).Err(); err != nil {
		return store.Unavailable("presence remove member", err)
	}
	return nil
}

func (p *Presence) Members(ctx context.Context, set string) ([]string, error) {
	members, err := p.client.SMembers(ctx, p.key(set)).Result()
	if err != nil {
		return nil, store.Unavailable("presence members", err)
	}
	sort.Strings(members)
	return members, nil
}

var _ store.PresenceStore = (*Presence)(nil)
