package db

import (
	"context"
	"crypto/tls"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DB holds the optional backing connections. Either field may be nil.
type DB struct {
	Postgres *sql.DB
	Redis    *redis.Client
	log      *zap.Logger
}

// Options names the connections to open. Empty URLs are skipped.
type Options struct {
	PostgresURL   string
	RedisURL      string
	RedisPassword string
	// RequireRedis turns a failed redis ping into an error instead of
	// continuing without redis.
	RequireRedis bool
}

// Open creates the configured connections
func Open(ctx context.Context, opts Options, log *zap.Logger) (*DB, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db := &DB{log: log}

	if opts.PostgresURL != "" {
		pg, err := OpenPostgres(ctx, opts.PostgresURL)
		if err != nil {
			return nil, err
		}
		db.Postgres = pg
		log.Info("postgres connection established")
	}

	if opts.RedisURL != "" {
		redisOpts, err := ParseRedisURL(opts.RedisURL, opts.RedisPassword)
		if err != nil {
			db.Close()
			return nil, err
		}
		rdb := redis.NewClient(redisOpts)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = rdb.Ping(pingCtx).Err()
		cancel()
		switch {
		case err != nil && opts.RequireRedis:
			rdb.Close()
			db.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		case err != nil:
			log.Warn("failed to connect to redis, continuing without redis", zap.Error(err))
			rdb.Close()
		default:
			db.Redis = rdb
			log.Info("redis connection established")
		}
	}

	return db, nil
}

// OpenPostgres opens and pings a postgres pool
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	pg, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	pg.SetMaxOpenConns(25)
	pg.SetMaxIdleConns(5)
	pg.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pg.PingContext(pingCtx); err != nil {
		pg.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return pg, nil
}

// ParseRedisURL accepts both "host:port" and "redis://..." / "rediss://..."
// forms. password is used only for the host:port form.
func ParseRedisURL(raw, password string) (*redis.Options, error) {
	opts := &redis.Options{
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		DB:           0,
	}

	if !strings.HasPrefix(raw, "redis://") && !strings.HasPrefix(raw, "rediss://") {
		opts.Addr = raw
		opts.Password = password
		return opts, nil
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("redis URL %q has no host", raw)
	}
	opts.Addr = parsed.Host
	if parsed.User != nil {
		opts.Username = parsed.User.Username()
		if pw, ok := parsed.User.Password(); ok {
			opts.Password = pw
		}
	}
	if parsed.Scheme == "rediss" {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts, nil
}

// Close closes all open connections
func (db *DB) Close() error {
	var errs []error

	if db.Postgres != nil {
		if err := db.Postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("postgres close error: %w", err))
		}
	}
	if db.Redis != nil {
		if err := db.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Health pings every open connection. Redis failures are reported but
// only postgres failures are returned.
func (db *DB) Health(ctx context.Context) error {
	if db.Postgres != nil {
		if err := db.Postgres.PingContext(ctx); err != nil {
			return fmt.Errorf("postgres health check failed: %w", err)
		}
	}
	if db.Redis != nil {
		if err := db.Redis.Ping(ctx).Err(); err != nil {
			db.log.Warn("redis health check failed", zap.Error(err))
		}
	}
	return nil
}
