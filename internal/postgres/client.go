// Package postgres confines the gorm dependency. Adapters receive a
// *Client and operate on the row models defined here; no other package
// imports gorm directly.
package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ErrRecordNotFound and ErrDuplicatedKey are gorm's sentinels,
// re-exported so adapters can match them without importing gorm.
var (
	ErrRecordNotFound = gorm.ErrRecordNotFound
	ErrDuplicatedKey  = gorm.ErrDuplicatedKey
)

// OnConflictUpdateAll is the upsert clause for single-row replace-by-key
// writes.
var OnConflictUpdateAll = clause.OnConflict{UpdateAll: true}

// Expr builds a raw SQL fragment for in-place column updates, e.g.
// Expr("attempt_count + 1").
func Expr(sql string, args ...any) clause.Expr {
	return gorm.Expr(sql, args...)
}

// Config holds the parameters needed to connect to the relational store.
type Config struct {
	DSN string
	// Timeout caps individual statement execution via per-call contexts;
	// the pool settings below are fixed.
	Timeout time.Duration
}

// DB aliases the gorm handle so adapters can name it in helper
// signatures without importing gorm.
type DB = gorm.DB

// Client wraps a gorm DB handle.
type Client struct {
	DB *gorm.DB
}

// NewClient opens a connection pool against cfg.DSN. Handlers must not
// hold long transactions; the pool cap assumes short statement bursts.
func NewClient(cfg Config) (*Client, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: logger.Discard,
		// Driver errors become the gorm sentinels above, so adapters
		// can map unique violations without inspecting SQLSTATE.
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("access sql pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	return &Client{DB: db}, nil
}

// Ping verifies connectivity. Used at startup so a bad DSN fails fast
// instead of on the first request.
func (c *Client) Ping(ctx context.Context) error {
	sqlDB, err := c.DB.DB()
	if err != nil {
		return fmt.Errorf("access sql pool: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	sqlDB, err := c.DB.DB()
	if err != nil {
		return fmt.Errorf("access sql pool: %w", err)
	}
	return sqlDB.Close()
}
