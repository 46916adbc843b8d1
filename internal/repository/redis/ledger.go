// Package redis keeps the one-time reset token ledger in Redis so every
// replica agrees on which tokens have been used.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/sakif/authcore/internal/repository"
)

var _ repository.ResetLedger = (*Ledger)(nil)

// DefaultPrefix namespaces ledger keys in a shared Redis.
const DefaultPrefix = "authcore:reset:used:"

// Ledger claims ids with SET NX so exactly one caller wins per id. Keys
// expire with the token they guard, so the ledger never needs sweeping.
type Ledger struct {
	rdb    goredis.UniversalClient
	prefix string
}

// Options configure a Redis connection for the ledger.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// New connects to Redis and checks the connection with a short ping.
func New(ctx context.Context, opts Options) (*Ledger, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", opts.Addr, err)
	}
	return NewWithClient(rdb, opts.Prefix), nil
}

// NewWithClient wraps an existing client. An empty prefix uses DefaultPrefix.
func NewWithClient(rdb goredis.UniversalClient, prefix string) *Ledger {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Ledger{rdb: rdb, prefix: prefix}
}

func (l *Ledger) Claim(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	if id == "" {
		return false, errors.New("redis: empty ledger id")
	}
	if ttl <= 0 {
		// Already expired tokens never reach the ledger, but a zero TTL
		// would make the key permanent.
		ttl = time.Second
	}
	ok, err := l.rdb.SetNX(ctx, l.prefix+id, time.Now().UnixMilli(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: claiming %s: %w", id, err)
	}
	return ok, nil
}

func (l *Ledger) Used(ctx context.Context, id string) (bool, error) {
	n, err := l.rdb.Exists(ctx, l.prefix+id).Result()
	if err != nil {
		return false, fmt.Errorf("redis: checking %s: %w", id, err)
	}
	return n > 0, nil
}

func (l *Ledger) Release(ctx context.Context, id string) error {
	if err := l.rdb.Del(ctx, l.prefix+id).Err(); err != nil {
		return fmt.Errorf("redis: releasing %s: %w", id, err)
	}
	return nil
}

// Ping reports whether Redis is reachable, for readiness checks.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.rdb.Ping(ctx).Err()
}

func (l *Ledger) Close() error {
	return l.rdb.Close()
}
