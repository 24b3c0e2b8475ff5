// Package gormstore is the GORM implementation of storage.Store. The SQLite
// and PostgreSQL backends differ only in the dialector and pool settings
// they open it with.
package gormstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/jkaninda/ngao/internal/storage"
)

// Store implements storage.Store on an open *gorm.DB.
type Store struct {
	db     *gorm.DB
	driver string
	logger *slog.Logger
	audit  *AuditRepository
}

// New wraps db. driver is reported by Driver and used in log lines.
func New(db *gorm.DB, driver string, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		driver: driver,
		logger: logger,
		audit:  NewAuditRepository(db),
	}
}

// GormConfig is the configuration both backends open with: UTC timestamps
// and queries logged through slog.
func GormConfig(logger *slog.Logger) *gorm.Config {
	return &gorm.Config{
		Logger:  NewLogger(logger, 200*time.Millisecond),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// Migrate creates or updates the audit schema.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&auditRow{}); err != nil {
		return fmt.Errorf("%s auto-migrate: %w", s.driver, err)
	}
	s.logger.Info("audit schema ready", slog.String("driver", s.driver))
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Driver() string { return s.driver }

func (s *Store) Audit() storage.AuditRepository { return s.audit }

var _ storage.Store = (*Store)(nil)
