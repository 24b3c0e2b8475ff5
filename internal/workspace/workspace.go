// Package workspace anchors every filesystem path an operator names to the
// sandbox root and verifies that the result cannot escape it.
//
// Resolution and containment are separate steps: Resolve never rejects
// anything, EnsureInside is the check. Callers must run both.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/jkaninda/ngao/internal/security"
)

// Workspace is the sandbox root. It is immutable after New.
type Workspace struct {
	Root string
}

// New resolves root (~ expanded, symlinks followed) and requires it to be an
// existing directory.
func New(root string) (*Workspace, error) {
	expanded, err := expandHome(strings.TrimSpace(root))
	if err != nil {
		return nil, fmt.Errorf("resolving sandbox root %q: %w", root, err)
	}
	resolved, err := canonicalize(expanded)
	if err != nil {
		return nil, fmt.Errorf("resolving sandbox root %q: %w", root, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("sandbox root %s: %w", resolved, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("sandbox root %s is not a directory", resolved)
	}
	return &Workspace{Root: resolved}, nil
}

// Resolve maps raw to an absolute canonical path. See the package-level Resolve.
func (w *Workspace) Resolve(raw string) (string, error) {
	return Resolve(w.Root, raw)
}

// EnsureInside checks that path lies inside the root.
func (w *Workspace) EnsureInside(path string) error {
	return EnsureInside(w.Root, path)
}

// ResolveInside is Resolve followed by EnsureInside.
func (w *Workspace) ResolveInside(raw string) (string, error) {
	p, err := w.Resolve(raw)
	if err != nil {
		return "", err
	}
	if err := w.EnsureInside(p); err != nil {
		return "", err
	}
	return p, nil
}

// Rel renders path relative to the root, "." for the root itself.
// Paths outside the root are returned unchanged.
func (w *Workspace) Rel(path string) string {
	rel, err := filepath.Rel(w.Root, path)
	if err != nil || !isLocal(rel) {
		return path
	}
	return rel
}

// Resolve maps a raw operator path to an absolute canonical path.
//
// Blank or "." yields root. A raw starting with "/" or "~" is taken as
// absolute (home-expanded) and root is ignored. Anything else is joined
// under root. The result has symlinks followed and ".." collapsed even when
// the target does not exist yet.
func Resolve(root, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "." {
		return canonicalize(root)
	}
	var p string
	if strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "~") {
		expanded, err := expandHome(raw)
		if err != nil {
			return "", fmt.Errorf("expanding %q: %w", raw, err)
		}
		p = expanded
	} else {
		p = filepath.Join(root, raw)
	}
	return canonicalize(p)
}

// EnsureInside returns an error wrapping security.ErrAccessDenied unless the
// canonical form of path equals root or descends from it. Containment is
// compared per path component.
func EnsureInside(root, path string) error {
	r, err := canonicalize(root)
	if err != nil {
		return fmt.Errorf("%w: path escapes sandbox root", security.ErrAccessDenied)
	}
	p, err := canonicalize(path)
	if err != nil {
		return fmt.Errorf("%w: path escapes sandbox root", security.ErrAccessDenied)
	}
	rel, err := filepath.Rel(r, p)
	if err != nil || !isLocal(rel) {
		return fmt.Errorf("%w: path escapes sandbox root", security.ErrAccessDenied)
	}
	return nil
}

func isLocal(rel string) bool {
	if filepath.IsAbs(rel) {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// maxLinkHops bounds dangling-symlink chains followed by canonicalize.
const maxLinkHops = 40

// canonicalize returns the absolute, symlink-free form of p. When p does not
// exist, the nearest existing ancestor is resolved and the missing tail is
// re-appended. A dangling symlink on the way is followed to its target.
func canonicalize(p string) (string, error) {
	return canonicalizeHops(p, 0)
}

func canonicalizeHops(p string, hops int) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	var tail []string
	cur := abs
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(append([]string{resolved}, tail...)...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, fs.ErrPermission) && !isNotDir(err) {
			return "", err
		}
		if info, lerr := os.Lstat(cur); lerr == nil && info.Mode()&fs.ModeSymlink != 0 {
			if hops >= maxLinkHops {
				return "", fmt.Errorf("too many levels of symbolic links: %s", cur)
			}
			target, rerr := os.Readlink(cur)
			if rerr != nil {
				return "", rerr
			}
			if !filepath.IsAbs(target) {
				target = filepath.Join(filepath.Dir(cur), target)
			}
			return canonicalizeHops(filepath.Join(append([]string{target}, tail...)...), hops+1)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return abs, nil
		}
		tail = append([]string{filepath.Base(cur)}, tail...)
		cur = parent
	}
}

// isNotDir reports ENOTDIR failures ("a/file.txt/child").
func isNotDir(err error) bool {
	return errors.Is(err, syscall.ENOTDIR)
}

// expandHome expands a leading ~ to the user home directory.
func expandHome(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}
