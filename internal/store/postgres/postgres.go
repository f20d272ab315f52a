// Package postgres stores incidents in PostgreSQL. The incident document is
// kept as JSONB; audit events live in their own append-only table.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tinkerbelle-io/tb-remediate/internal/retry"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Config contains PostgreSQL connection configuration.
type Config struct {
	URL             string
	MaxConns        int32
	ConnMaxLifetime time.Duration
	ConnectAttempts int
}

// Connect opens a pool and pings it, retrying with backoff.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	policy := retry.DefaultPolicy()
	if cfg.ConnectAttempts > 0 {
		policy.Attempts = cfg.ConnectAttempts
	}
	policy.Max = 16 * time.Second

	var pool *pgxpool.Pool
	err = retry.Do(ctx, policy, nil, func(ctx context.Context, attempt int) error {
		p, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			slog.Warn("failed to create connection pool", "attempt", attempt, "error", err)
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			slog.Warn("failed to ping database", "attempt", attempt, "error", err)
			return err
		}
		pool = p
		slog.Info("connected to database", "attempts", attempt)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return pool, nil
}

// Migrate applies the embedded schema migrations to the database at url.
func Migrate(url string) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, url)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			slog.Warn("failed to close migrator", "source_error", srcErr, "db_error", dbErr)
		}
	}()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}
