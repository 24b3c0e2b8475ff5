// Package postgres opens the audit store on a PostgreSQL database, for
// hosts that ship their audit trail off-box.
package postgres

import (
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/jkaninda/ngao/internal/storage"
	"github.com/jkaninda/ngao/internal/storage/gormstore"
)

// Config configures the connection and its pool. The bot writes one audit
// row per request, so the defaults are small.
type Config struct {
	DSN             string
	MaxOpenConns    int           // Default: 4.
	MaxIdleConns    int           // Default: 1.
	ConnMaxLifetime time.Duration // Default: 30m.
}

func (c Config) withDefaults() Config {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 4
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 1
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
	return c
}

// Open connects and sizes the pool. Call Migrate before use.
func Open(cfg Config, logger *slog.Logger) (*gormstore.Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}
	cfg = cfg.withDefaults()

	gcfg := gormstore.GormConfig(logger)
	gcfg.PrepareStmt = true
	db, err := gorm.Open(postgres.Open(cfg.DSN), gcfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	logger.Info("postgres audit store connected",
		slog.Int("max_open_conns", cfg.MaxOpenConns),
		slog.Int("max_idle_conns", cfg.MaxIdleConns),
	)
	return gormstore.New(db, storage.DriverPostgres, logger), nil
}
