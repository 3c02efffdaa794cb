// Package database owns the pooled Postgres connection and schema migrations
// for both the primary store and (optionally) the infinite-memory store.
// Grounded on tarsy's pkg/database/client.go, with ent removed: the pool is a
// plain *pgxpool.Pool plus a *sql.DB view for golang-migrate, instead of an
// ent.Client wrapping an entsql.Driver.
package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
)

//go:embed migrations
var migrationsFS embed.FS

// Config holds connection and pool settings for one logical database
// (primary store or infinite-memory store — both use this shape).
type Config struct {
	DSN string // full libpq/pgx connection string, e.g. DATABASE_URL

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Client wraps a pooled connection. Storage and the infinite-memory package
// each hold one Client; spec §5 requires a single pool be shared between the
// two concerns when they point at the same DSN, which the composition root
// enforces by constructing one Client and passing it to both.
type Client struct {
	Pool *pgxpool.Pool
	db   *sql.DB // used only for golang-migrate; same DSN, separate stdlib handle
}

// DB returns the database/sql handle used for migrations and health checks.
func (c *Client) DB() *sql.DB { return c.db }

// Close releases both the pgx pool and the stdlib handle.
func (c *Client) Close() error {
	c.Pool.Close()
	return c.db.Close()
}

// NewClient opens a pgxpool.Pool, runs migrations, and creates the
// supporting GIN/ivfflat indexes. Mirrors tarsy's NewClient shape:
// open → configure pool → ping → migrate.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database: DSN must not be empty")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("database: parse DSN: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	if cfg.ConnMaxIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.ConnMaxIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("database: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database: ping: %w", err)
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("database: open migrate handle: %w", err)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	client := &Client{Pool: pool, db: db}

	if err := runMigrations(ctx, db); err != nil {
		pool.Close()
		_ = db.Close()
		return nil, fmt.Errorf("database: migrate: %w", err)
	}

	return client, nil
}

// runMigrations applies every embedded *.up.sql migration using
// golang-migrate, grounded on tarsy's runMigrations. We close the source
// driver explicitly but never call m.Close(), which would close the shared
// *sql.DB out from under the rest of the client (same caveat tarsy notes).
func runMigrations(ctx context.Context, db *sql.DB) error {
	has, err := hasEmbeddedMigrations()
	if err != nil {
		return fmt.Errorf("check embedded migrations: %w", err)
	}
	if !has {
		return errors.New("no embedded migration files found; binary built incorrectly")
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "memoryd", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("close migration source: %w", err)
	}

	_ = ctx // reserved: future migrations may need context-aware setup steps
	return nil
}

func hasEmbeddedMigrations() (bool, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read embedded migrations: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() && len(e.Name()) > 4 && e.Name()[len(e.Name())-4:] == ".sql" {
			return true, nil
		}
	}
	return false, nil
}
