package security

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// auditPreviewRunes bounds how much of the attempted content is logged on a deny.
const auditPreviewRunes = 64

// CheckRecorder receives the outcome of every security check.
// Satisfied by *observability.MetricsCollector; nil disables recording.
type CheckRecorder interface {
	RecordSecurityCheck(checkType, result string)
}

// GateConfig configures the access gate.
type GateConfig struct {
	Admins           []string // Authorized identities. Empty = nobody is authorized.
	PublicOperations []string // Operations allowed for everyone (help, start).
}

// Gate approves or denies every inbound request based on the caller's
// identity alone. It holds no per-request state.
type Gate struct {
	admins map[string]struct{}
	public map[string]struct{}
	audit  Auditor
	checks CheckRecorder
	logger *slog.Logger
}

// NewGate creates a gate over a frozen copy of the admin set.
func NewGate(cfg GateConfig, audit Auditor, checks CheckRecorder, logger *slog.Logger) *Gate {
	admins := make(map[string]struct{}, len(cfg.Admins))
	for _, id := range cfg.Admins {
		if id = strings.TrimSpace(id); id != "" {
			admins[id] = struct{}{}
		}
	}
	public := make(map[string]struct{}, len(cfg.PublicOperations))
	for _, op := range cfg.PublicOperations {
		public[op] = struct{}{}
	}
	if audit == nil {
		audit = NopAuditor{}
	}
	return &Gate{
		admins: admins,
		public: public,
		audit:  audit,
		checks: checks,
		logger: logger,
	}
}

// IsAdmin reports whether identity is in the admin set.
func (g *Gate) IsAdmin(identity string) bool {
	if identity == "" {
		return false
	}
	_, ok := g.admins[identity]
	return ok
}

// Authorize decides whether identity may perform operation. content is the
// raw request text; only a bounded prefix of it is ever logged.
func (g *Gate) Authorize(ctx context.Context, identity, operation, content string) Decision {
	if _, ok := g.public[operation]; ok {
		g.record("public", "allow")
		return Allow
	}
	if g.IsAdmin(identity) {
		g.record("identity", "allow")
		return Allow
	}

	g.record("identity", "deny")
	preview := Preview(content, auditPreviewRunes)
	g.logger.WarnContext(ctx, "access denied",
		slog.String("identity", identity),
		slog.String("operation", operation),
		slog.String("content", preview),
	)
	err := g.audit.LogAction(ctx, AuditEvent{
		Timestamp:     time.Now().UTC(),
		CorrelationID: CorrelationIDFromContext(ctx),
		Identity:      identity,
		Operation:     operation,
		Target:        preview,
		Result:        ResultDenied,
	})
	if err != nil {
		g.logger.WarnContext(ctx, "audit write failed",
			slog.String("correlation_id", CorrelationIDFromContext(ctx)),
			slog.String("identity", identity),
			slog.String("error", err.Error()),
		)
	}
	return Deny
}

func (g *Gate) record(checkType, result string) {
	if g.checks != nil {
		g.checks.RecordSecurityCheck(checkType, result)
	}
}

// Preview returns at most n runes of s, marking truncation with an ellipsis.
func Preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

type contextKey int

const correlationIDKey contextKey = iota

// ContextWithCorrelationID returns a context carrying the request correlation ID.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationIDFromContext extracts the correlation ID, or "" if not set.
func CorrelationIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(correlationIDKey).(string); ok {
		return v
	}
	return ""
}
