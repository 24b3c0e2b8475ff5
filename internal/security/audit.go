package security

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Auditor records one AuditEvent per handled request.
type Auditor interface {
	LogAction(ctx context.Context, event AuditEvent) error
	Close() error
}

// AuditStore is an append-only sink. Events are never updated or deleted.
type AuditStore interface {
	Append(ctx context.Context, event AuditEvent) error
}

// auditFileMB is the size at which the JSONL log is rotated. Rotated files
// are compressed and all of them are kept.
const auditFileMB = 50

// AuditLogger appends events to a JSONL file, one object per line. It is
// safe for concurrent use.
type AuditLogger struct {
	mu     sync.Mutex
	out    io.WriteCloser
	logger *slog.Logger
}

// NewAuditLogger appends to path, creating it with mode 0600 on first write.
func NewAuditLogger(path string, logger *slog.Logger) (*AuditLogger, error) {
	if path == "" {
		return nil, fmt.Errorf("audit log path is empty")
	}
	return &AuditLogger{
		out: &lumberjack.Logger{
			Filename: path,
			MaxSize:  auditFileMB,
			Compress: true,
		},
		logger: logger,
	}, nil
}

func (a *AuditLogger) LogAction(ctx context.Context, event AuditEvent) error {
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding audit event: %w", err)
	}
	line = append(line, '\n')

	a.mu.Lock()
	_, err = a.out.Write(line)
	a.mu.Unlock()
	if err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}

	a.logger.DebugContext(ctx, "audit event written", event.logAttrs()...)
	return nil
}

func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.out.Close()
}

// StoreAuditor writes events to a database-backed AuditStore.
type StoreAuditor struct {
	store  AuditStore
	logger *slog.Logger
}

func NewStoreAuditor(store AuditStore, logger *slog.Logger) *StoreAuditor {
	return &StoreAuditor{store: store, logger: logger}
}

func (a *StoreAuditor) LogAction(ctx context.Context, event AuditEvent) error {
	if err := a.store.Append(ctx, event); err != nil {
		a.logger.ErrorContext(ctx, "audit append failed",
			append(event.logAttrs(), slog.String("error", err.Error()))...)
		return fmt.Errorf("appending audit event: %w", err)
	}
	a.logger.DebugContext(ctx, "audit event stored", event.logAttrs()...)
	return nil
}

// Close does nothing; the storage layer owns the connection.
func (a *StoreAuditor) Close() error { return nil }

// NopAuditor discards every event.
type NopAuditor struct{}

func (NopAuditor) LogAction(context.Context, AuditEvent) error { return nil }
func (NopAuditor) Close() error                                { return nil }

func (e AuditEvent) logAttrs() []any {
	return []any{
		slog.String("operation", e.Operation),
		slog.String("identity", e.Identity),
		slog.String("result", e.Result),
		slog.String("correlation_id", e.CorrelationID),
	}
}
