// Package storage defines the persistent audit trail behind ngao.
// The SQLite (default) and PostgreSQL backends share one GORM
// implementation in storage/gormstore.
package storage

import (
	"context"
	"time"

	"github.com/jkaninda/ngao/internal/security"
)

// Driver names accepted by audit.driver.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store owns a database connection holding the audit trail.
type Store interface {
	Audit() AuditRepository

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns DriverSQLite or DriverPostgres.
	Driver() string
}

// AuditRepository appends and reads audit events. There is no update or
// delete method.
type AuditRepository interface {
	security.AuditStore

	// Query returns matching events newest first.
	Query(ctx context.Context, f AuditFilter) ([]security.AuditEvent, error)

	// CountByResult returns the number of matching events per result.
	// Limit is ignored.
	CountByResult(ctx context.Context, f AuditFilter) (map[string]int64, error)
}

// AuditFilter narrows an audit query. Zero fields match everything.
type AuditFilter struct {
	Identity  string
	Operation string
	Result    string
	Since     time.Time
	Limit     int // 0 = DefaultQueryLimit.
}

// DefaultQueryLimit caps Query when AuditFilter.Limit is unset.
const DefaultQueryLimit = 100

// EffectiveLimit returns Limit or DefaultQueryLimit.
func (f AuditFilter) EffectiveLimit() int {
	if f.Limit > 0 {
		return f.Limit
	}
	return DefaultQueryLimit
}
