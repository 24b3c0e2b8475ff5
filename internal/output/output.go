// Package output decides how a reply reaches the operator: inline text when
// it fits the ceiling, a temporary artifact file otherwise.
package output

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"unicode/utf8"
)

// Kind tells which field of a Payload is meaningful.
type Kind int

const (
	Inline Kind = iota
	Artifact
)

func (k Kind) String() string {
	if k == Artifact {
		return "artifact"
	}
	return "inline"
}

// Payload is a routed reply. Text is set for Inline, FilePath for Artifact.
// An Artifact exists on disk until Dispose is called.
type Payload struct {
	Kind     Kind
	Text     string
	FilePath string
}

// Dispose removes the artifact file. It is a no-op for inline payloads and
// for files already gone.
func (p Payload) Dispose() error {
	if p.Kind != Artifact || p.FilePath == "" {
		return nil
	}
	if err := os.Remove(p.FilePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing artifact %s: %w", p.FilePath, err)
	}
	return nil
}

// DisposeLogged disposes p and logs a failure instead of returning it.
func DisposeLogged(p Payload, logger *slog.Logger) {
	if err := p.Dispose(); err != nil {
		logger.Warn("artifact cleanup failed",
			slog.String("path", p.FilePath),
			slog.String("error", err.Error()),
		)
	}
}

// PayloadRecorder counts routed payloads by kind.
// Satisfied by *observability.MetricsCollector.
type PayloadRecorder interface {
	RecordPayload(kind string)
}

// Router routes replies against a fixed ceiling, spooling artifacts into dir.
type Router struct {
	maxChars int
	dir      string
	metrics  PayloadRecorder
}

// NewRouter creates a router. An empty dir means the OS temp directory.
// metrics may be nil.
func NewRouter(maxChars int, dir string, metrics PayloadRecorder) *Router {
	return &Router{maxChars: maxChars, dir: dir, metrics: metrics}
}

// MaxChars returns the inline ceiling in runes.
func (r *Router) MaxChars() int { return r.maxChars }

// Dir returns the spool directory ("" = OS temp directory).
func (r *Router) Dir() string { return r.dir }

// Route returns text inline when it holds at most maxChars runes, otherwise
// writes it to a new "<prefix>_*.txt" file and returns that as an artifact.
func (r *Router) Route(text, prefix string) (Payload, error) {
	p, err := route(text, r.maxChars, r.dir, prefix)
	if err == nil && r.metrics != nil {
		r.metrics.RecordPayload(p.Kind.String())
	}
	return p, err
}

// Route is Router.Route with the OS temp directory as spool.
func Route(text string, maxChars int, prefix string) (Payload, error) {
	return route(text, maxChars, "", prefix)
}

func route(text string, maxChars int, dir, prefix string) (Payload, error) {
	if text == "" || utf8.RuneCountInString(text) <= maxChars {
		return Payload{Kind: Inline, Text: text}, nil
	}

	f, err := os.CreateTemp(dir, prefix+"_*.txt")
	if err != nil {
		return Payload{}, fmt.Errorf("creating artifact: %w", err)
	}
	if _, err := f.WriteString(text); err != nil {
		f.Close()
		os.Remove(f.Name())
		return Payload{}, fmt.Errorf("writing artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return Payload{}, fmt.Errorf("closing artifact: %w", err)
	}
	return Payload{Kind: Artifact, FilePath: f.Name()}, nil
}
