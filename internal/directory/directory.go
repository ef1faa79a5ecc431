// Package directory answers "does this username exist" for mention
// resolution, caching answers in Redis.
package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Source is the authoritative user lookup, normally the relational store.
type Source interface {
	UserExists(ctx context.Context, username string) (bool, error)
}

// Observer receives cache outcomes ("hit", "miss", "error").
type Observer interface {
	ObserveLookup(result string)
}

const (
	DefaultTTL         = 10 * time.Minute
	DefaultNegativeTTL = 30 * time.Second
)

type Directory struct {
	source      Source
	client      *redis.Client
	prefix      string
	ttl         time.Duration
	negativeTTL time.Duration
	observer    Observer
}

type Option func(*Directory)

func WithTTL(positive, negative time.Duration) Option {
	return func(d *Directory) {
		d.ttl = positive
		d.negativeTTL = negative
	}
}

func WithObserver(o Observer) Option {
	return func(d *Directory) { d.observer = o }
}

// New returns a directory over source. A nil client disables caching.
func New(source Source, client *redis.Client, opts ...Option) *Directory {
	d := &Directory{
		source:      source,
		client:      client,
		prefix:      "user:exists:",
		ttl:         DefaultTTL,
		negativeTTL: DefaultNegativeTTL,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Connect parses a redis:// URL and verifies the server answers.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

func (d *Directory) key(username string) string {
	return d.prefix + username
}

// UserExists checks the cache, then the source. Cache failures degrade to a
// source read; source failures are returned.
func (d *Directory) UserExists(ctx context.Context, username string) (bool, error) {
	if d.client == nil {
		return d.source.UserExists(ctx, username)
	}

	val, err := d.client.Get(ctx, d.key(username)).Result()
	switch {
	case err == nil:
		d.observe("hit")
		return val == "1", nil
	case errors.Is(err, redis.Nil):
		d.observe("miss")
	default:
		d.observe("error")
		zerolog.Ctx(ctx).Warn().Err(err).Str("username", username).Msg("directory cache read failed")
	}

	exists, err := d.source.UserExists(ctx, username)
	if err != nil {
		return false, err
	}

	val, ttl := "0", d.negativeTTL
	if exists {
		val, ttl = "1", d.ttl
	}
	if err := d.client.Set(ctx, d.key(username), val, ttl).Err(); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("username", username).Msg("directory cache write failed")
	}
	return exists, nil
}

// Forget drops the cached answer for username, e.g. after the account is
// created.
func (d *Directory) Forget(ctx context.Context, username string) error {
	if d.client == nil {
		return nil
	}
	if err := d.client.Del(ctx, d.key(username)).Err(); err != nil {
		return fmt.Errorf("forget user %s: %w", username, err)
	}
	return nil
}

func (d *Directory) Ping(ctx context.Context) error {
	if d.client == nil {
		return nil
	}
	return d.client.Ping(ctx).Err()
}

func (d *Directory) Close() error {
	if d.client == nil {
		return nil
	}
	return d.client.Close()
}

func (d *Directory) observe(result string) {
	if d.observer != nil {
		d.observer.ObserveLookup(result)
	}
}
