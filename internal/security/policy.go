package security

import (
	"fmt"
	"path"
	"slices"
	"strings"

	shellquote "github.com/kballard/go-shellquote"
)

// privilegePrefix is skipped when locating the real executable of a command line.
const privilegePrefix = "sudo"

// CommandPolicy decides whether a shell command line may run, based on the
// basename of its executable.
//
// This is a perimeter control. Only the executable name is inspected:
// arguments, substitutions and chained commands are not, so `echo $(id)`
// passes whenever echo is allowed.
type CommandPolicy struct {
	allowed map[string]struct{}
}

// NewCommandPolicy builds a frozen policy. Names are trimmed and lower-cased;
// an empty list means every command is allowed.
func NewCommandPolicy(allowed []string) *CommandPolicy {
	set := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		a = strings.ToLower(strings.TrimSpace(a))
		if a != "" {
			set[a] = struct{}{}
		}
	}
	return &CommandPolicy{allowed: set}
}

// Unrestricted reports whether the allowlist is empty.
func (p *CommandPolicy) Unrestricted() bool {
	return len(p.allowed) == 0
}

// Allowed returns the allowed basenames in sorted order.
func (p *CommandPolicy) Allowed() []string {
	out := make([]string, 0, len(p.allowed))
	for a := range p.allowed {
		out = append(out, a)
	}
	slices.Sort(out)
	return out
}

// IsAllowed reports whether commandLine may execute.
func (p *CommandPolicy) IsAllowed(commandLine string) bool {
	if p.Unrestricted() {
		return true
	}
	name := ExecutableName(commandLine)
	if name == "" {
		return false
	}
	_, ok := p.allowed[name]
	return ok
}

// Check is IsAllowed returning ErrCommandNotAllowed on rejection.
func (p *CommandPolicy) Check(commandLine string) error {
	if p.IsAllowed(commandLine) {
		return nil
	}
	name := ExecutableName(commandLine)
	if name == "" {
		return fmt.Errorf("%w: empty command", ErrCommandNotAllowed)
	}
	return fmt.Errorf("%w: %q is not in the allowlist", ErrCommandNotAllowed, name)
}

// ExecutableName returns the lower-cased basename of the executable a
// command line would run, skipping a leading bare "sudo" word (any case, not
// a path to sudo). Returns "" for a blank line.
func ExecutableName(commandLine string) string {
	parts := splitWords(commandLine)
	if len(parts) == 0 {
		return ""
	}
	idx := 0
	if strings.EqualFold(parts[0], privilegePrefix) && len(parts) > 1 {
		idx = 1
	}
	// Shell words always use '/', whatever the host separator.
	return strings.ToLower(path.Base(parts[idx]))
}

// splitWords tokenizes with shell rules and falls back to whitespace
// splitting when the line does not parse (unbalanced quotes and the like).
func splitWords(commandLine string) []string {
	parts, err := shellquote.Split(commandLine)
	if err != nil {
		return strings.Fields(commandLine)
	}
	return parts
}
