package gormstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/ngao/internal/security"
	"github.com/jkaninda/ngao/internal/storage"
)

// auditRow is one row of "audit_events". It has no UpdatedAt or DeletedAt.
type auditRow struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	CorrelationID string    `gorm:"index"`
	Identity      string    `gorm:"not null;index"`
	Operation     string    `gorm:"not null;index"`
	Target        string    `gorm:"type:text"`
	Result        string    `gorm:"not null"`
	ExitCode      *int
	Error         string    `gorm:"type:text"`
	CreatedAt     time.Time `gorm:"index"`
}

func (auditRow) TableName() string { return "audit_events" }

func newAuditRow(e security.AuditEvent) auditRow {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return auditRow{
		ID:            uuid.New(),
		CorrelationID: e.CorrelationID,
		Identity:      e.Identity,
		Operation:     e.Operation,
		Target:        e.Target,
		Result:        e.Result,
		ExitCode:      e.ExitCode,
		Error:         e.Error,
		CreatedAt:     ts.UTC(),
	}
}

func (r *auditRow) event() security.AuditEvent {
	return security.AuditEvent{
		Timestamp:     r.CreatedAt,
		CorrelationID: r.CorrelationID,
		Identity:      r.Identity,
		Operation:     r.Operation,
		Target:        r.Target,
		Result:        r.Result,
		ExitCode:      r.ExitCode,
		Error:         r.Error,
	}
}

// AuditRepository implements storage.AuditRepository. Append is its only
// write path.
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates an AuditRepository on db.
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) Append(ctx context.Context, event security.AuditEvent) error {
	row := newAuditRow(event)
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("appending audit event: %w", err)
	}
	return nil
}

func (r *AuditRepository) Query(ctx context.Context, f storage.AuditFilter) ([]security.AuditEvent, error) {
	var rows []auditRow
	err := r.filtered(ctx, f).
		Order("created_at DESC").
		Limit(f.EffectiveLimit()).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}

	events := make([]security.AuditEvent, len(rows))
	for i := range rows {
		events[i] = rows[i].event()
	}
	return events, nil
}

func (r *AuditRepository) CountByResult(ctx context.Context, f storage.AuditFilter) (map[string]int64, error) {
	var groups []struct {
		Result string
		N      int64
	}
	err := r.filtered(ctx, f).
		Select("result, count(*) AS n").
		Group("result").
		Scan(&groups).Error
	if err != nil {
		return nil, fmt.Errorf("counting audit events: %w", err)
	}

	counts := make(map[string]int64, len(groups))
	for _, g := range groups {
		counts[g.Result] = g.N
	}
	return counts, nil
}

func (r *AuditRepository) filtered(ctx context.Context, f storage.AuditFilter) *gorm.DB {
	q := r.db.WithContext(ctx).Model(&auditRow{})
	if f.Identity != "" {
		q = q.Where("identity = ?", f.Identity)
	}
	if f.Operation != "" {
		q = q.Where("operation = ?", f.Operation)
	}
	if f.Result != "" {
		q = q.Where("result = ?", f.Result)
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since.UTC())
	}
	return q
}

var _ storage.AuditRepository = (*AuditRepository)(nil)
