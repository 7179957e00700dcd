package pg

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolOptions tunes pgxpool beyond the DSN. Zero values keep pgx defaults;
// durations come in as strings straight from env config.
type PoolOptions struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime string
	MaxConnIdleTime string
}

func NewPool(ctx context.Context, dsn string, opts PoolOptions) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		cfg.MinConns = opts.MinConns
	}
	if err := setDuration(&cfg.MaxConnLifetime, "DB_POOL_MAX_CONN_LIFETIME", opts.MaxConnLifetime); err != nil {
		return nil, err
	}
	if err := setDuration(&cfg.MaxConnIdleTime, "DB_POOL_MAX_CONN_IDLE_TIME", opts.MaxConnIdleTime); err != nil {
		return nil, err
	}

	return pgxpool.NewWithConfig(ctx, cfg)
}

func setDuration(dst *time.Duration, name, raw string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = d
	return nil
}
