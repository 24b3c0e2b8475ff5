// Package security implements the default-deny controls of ngao: the
// identity gate in front of every operation, the executable allowlist for
// shell commands, and the append-only audit trail.
package security

import (
	"errors"
	"time"
)

// Sentinel errors for security enforcement.
var (
	// ErrAccessDenied covers both unauthorized identities and paths that
	// escape the sandbox root.
	ErrAccessDenied      = errors.New("access denied")
	ErrNotFound          = errors.New("not found")
	ErrCommandNotAllowed = errors.New("command not allowed by policy")
	ErrTransfer          = errors.New("transfer failed")
	ErrTooLarge          = errors.New("payload too large")
)

// Decision is the outcome of an access gate check.
type Decision int

const (
	Deny Decision = iota
	Allow
)

func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "deny"
}

// Audit results.
const (
	ResultDenied  = "denied"
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultTimeout = "timeout"
)

// AuditEvent is a single entry in the append-only audit log.
type AuditEvent struct {
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
	Identity      string    `json:"identity"`
	Operation     string    `json:"operation"`
	Target        string    `json:"target,omitempty"` // Command line or path, bounded.
	Result        string    `json:"result"`           // "denied", "success", "failure", "timeout"
	ExitCode      *int      `json:"exit_code,omitempty"`
	Error         string    `json:"error,omitempty"`
}
