// Package postgres implements repository.CredentialStore on PostgreSQL with
// a pgx connection pool. The schema is applied by goose from embedded SQL
// files.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/sakif/authcore/internal/repository"
	"github.com/sakif/authcore/internal/repository/postgres/migrations"
)

var _ repository.CredentialStore = (*Store)(nil)

// Config holds pool settings. Zero values fall back to sensible defaults.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	ConnectTimeout  time.Duration
	MaxRetries      int
	RetryInterval   time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxConns == 0 {
		c.MaxConns = 25
	}
	if c.MaxConnLifetime == 0 {
		c.MaxConnLifetime = time.Hour
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = 2 * time.Second
	}
}

// Store is the Postgres credential store. The pool is created once at
// startup and shared by all requests.
type Store struct {
	pool   *pgxpool.Pool
	hasher repository.TokenHasher
}

// New connects (retrying while the database comes up), runs migrations and
// returns the store.
func New(ctx context.Context, cfg Config, hasher repository.TokenHasher) (*Store, error) {
	if hasher == nil {
		return nil, errors.New("postgres: token hasher is required")
	}
	cfg.applyDefaults()

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parsing config: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectTimeout

	var (
		pool    *pgxpool.Pool
		lastErr error
	)
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("postgres: connecting: %w", ctx.Err())
			case <-time.After(cfg.RetryInterval):
			}
		}

		pool, lastErr = pgxpool.NewWithConfig(ctx, poolConfig)
		if lastErr != nil {
			continue
		}
		if lastErr = pool.Ping(ctx); lastErr != nil {
			pool.Close()
			continue
		}
		break
	}
	if lastErr != nil {
		return nil, fmt.Errorf("postgres: connecting after %d attempts: %w", cfg.MaxRetries+1, lastErr)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{pool: pool, hasher: hasher}, nil
}

// Migrate applies the embedded goose migrations through a database/sql
// view of the pool.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("postgres: goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("postgres: running migrations: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: ping: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// isUniqueViolation matches SQLSTATE 23505.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
