package nonce

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ Registry = (*Redis)(nil)

const defaultRedisPrefix = "ssidrelay:nonce:"

// Redis is a Registry shared by every receiver pointed at the same server.
// Expiry is delegated to Redis key TTLs; consumption is a single GETDEL so
// two receivers can never both accept one token.
type Redis struct {
	client redis.Cmdable
	ttl    time.Duration
	prefix string
	clock  Clock
}

// NewRedis wraps client. A non-positive ttl selects DefaultTTL and an empty
// prefix selects "ssidrelay:nonce:".
func NewRedis(client redis.Cmdable, ttl time.Duration, prefix string) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &Redis{client: client, ttl: ttl, prefix: prefix, clock: systemClock{}}
}

func (r *Redis) key(token string) string { return r.prefix + token }

// Issue stores a fresh token with the registry TTL.
func (r *Redis) Issue(ctx context.Context) (Nonce, error) {
	tok, err := newToken()
	if err != nil {
		return Nonce{}, err
	}
	now := r.clock.Now()
	ok, err := r.client.SetNX(ctx, r.key(tok), now.Unix(), r.ttl).Result()
	if err != nil {
		return Nonce{}, fmt.Errorf("redis set nonce: %w", err)
	}
	if !ok {
		return Nonce{}, errors.New("nonce collision")
	}
	return Nonce{Value: tok, IssuedAt: now, TTL: r.ttl}, nil
}

// Consume atomically deletes token and reports whether it existed.
func (r *Redis) Consume(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	_, err := r.client.GetDel(ctx, r.key(token)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis consume nonce: %w", err)
	}
	return true, nil
}

// Ping reports whether the server is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
