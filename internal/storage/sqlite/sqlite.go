// Package sqlite opens the audit store on a local SQLite file through the
// pure-Go glebarez driver (no CGO). This is the default backend.
package sqlite

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/jkaninda/ngao/internal/storage"
	"github.com/jkaninda/ngao/internal/storage/gormstore"
)

const (
	defaultJournalMode = "wal"
	busyTimeoutMillis  = 5000
)

// Config locates the database file.
type Config struct {
	Path        string
	JournalMode string // Default: wal.
}

// Open creates the parent directory and opens the database. Call Migrate
// before use.
func Open(cfg Config, logger *slog.Logger) (*gormstore.Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0750); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	mode := cfg.JournalMode
	if mode == "" {
		mode = defaultJournalMode
	}

	db, err := gorm.Open(sqlite.Open(dsn(cfg.Path, mode)), gormstore.GormConfig(logger))
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database %s: %w", cfg.Path, err)
	}

	logger.Info("sqlite audit store opened",
		slog.String("path", cfg.Path),
		slog.String("journal_mode", mode),
	)
	return gormstore.New(db, storage.DriverSQLite, logger), nil
}

func dsn(path, journalMode string) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("journal_mode(%s)", journalMode))
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeoutMillis))
	return path + "?" + q.Encode()
}
