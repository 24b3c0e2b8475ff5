package control

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/jkaninda/ngao/internal/sandbox"
	"github.com/jkaninda/ngao/internal/security"
)

const helpText = `Remote control commands:
/start - show this message
/help - show this message
/sh <cmd> - run shell command
!<cmd> - quick shell (prefix with exclamation)
/ls [path] - list directory (within BASE_DIR)
/cat <path> - show small file content
/download <path> - download a file
/upload <path> - send a file with this caption to upload
/sysinfo - system info
/power <reboot|shutdown> - power control (if enabled)`

// Transfer directions for metrics.
const (
	directionDownload = "download"
	directionUpload   = "upload"
)

func (s *Service) handleHelp(ctx context.Context, _ *Request, resp Responder) error {
	s.reply(ctx, resp, helpText+"\n\nBASE_DIR: "+s.cfg.Workspace.Root)
	return nil
}

func (s *Service) handleUnknown(ctx context.Context, _ *Request, resp Responder) error {
	s.reply(ctx, resp, msgUnknown)
	return nil
}

func (s *Service) handleShell(ctx context.Context, req *Request, resp Responder) error {
	cmdLine := req.Args
	if cmdLine == "" {
		usage := "Usage: /sh <command>"
		if !s.cfg.Policy.Unrestricted() {
			usage += "\nAllowed: " + strings.Join(s.cfg.Policy.Allowed(), ", ")
		}
		s.reply(ctx, resp, usage)
		return nil
	}

	if err := s.cfg.Policy.Check(cmdLine); err != nil {
		s.logger.WarnContext(ctx, "command not allowed",
			slog.String("identity", req.Identity),
			slog.String("command", cmdLine),
			slog.String("correlation_id", req.CorrelationID),
		)
		s.cfg.Metrics.RecordSecurityCheck("command", "deny")
		s.record(ctx, req, cmdLine, security.ResultDenied, nil, err)
		return err
	}
	s.cfg.Metrics.RecordSecurityCheck("command", "allow")

	result, err := s.cfg.Executor.Run(ctx, cmdLine, s.cfg.CommandTimeout)
	if err != nil {
		s.record(ctx, req, cmdLine, security.ResultFailure, nil, err)
		return fail("Failed to run command: "+err.Error(), err)
	}

	status := security.ResultSuccess
	switch {
	case result.TimedOut:
		status = security.ResultTimeout
	case result.ExitCode != 0:
		status = security.ResultFailure
	}
	code := result.ExitCode
	s.record(ctx, req, cmdLine, status, &code, nil)

	s.logger.InfoContext(ctx, "command finished",
		slog.String("correlation_id", req.CorrelationID),
		slog.Int("exit_code", result.ExitCode),
		slog.Bool("timed_out", result.TimedOut),
		slog.Duration("duration", result.Duration),
	)

	return s.routeAndDeliver(ctx, resp, FormatShellOutput(cmdLine, result), "cmd")
}

// FormatShellOutput renders a command result as
// "$ cmd\n<stdout>\n[stderr]\n<stderr>\n[exit N]", trimmed. The [stderr]
// marker only appears when both streams have content.
func FormatShellOutput(cmdLine string, result *sandbox.ExecutionResult) string {
	var b strings.Builder
	b.WriteString("$ ")
	b.WriteString(cmdLine)
	b.WriteByte('\n')
	if len(result.Stdout) > 0 {
		b.WriteString(decode(result.Stdout))
	}
	if len(result.Stderr) > 0 {
		if len(result.Stdout) > 0 {
			b.WriteString("\n[stderr]\n")
		}
		b.WriteString(decode(result.Stderr))
	}
	if result.Truncated {
		fmt.Fprintf(&b, "\n[output truncated at %s]", humanize.IBytes(uint64(result.OutputLimit)))
	}
	fmt.Fprintf(&b, "\n[exit %d]", result.ExitCode)
	return strings.TrimSpace(b.String())
}

// decode turns captured bytes into valid UTF-8, replacing bad sequences.
func decode(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), "\uFFFD")
}

func (s *Service) handleList(ctx context.Context, req *Request, resp Responder) error {
	arg := req.Args
	if arg == "" {
		arg = "."
	}
	path, err := s.cfg.Workspace.ResolveInside(arg)
	if err != nil {
		s.record(ctx, req, arg, security.ResultDenied, nil, err)
		return err
	}
	rel := s.cfg.Workspace.Rel(path)

	info, err := os.Stat(path)
	if err != nil {
		s.record(ctx, req, rel, security.ResultFailure, nil, err)
		return statError(err)
	}
	if !info.IsDir() {
		s.record(ctx, req, rel, security.ResultSuccess, nil, nil)
		s.reply(ctx, resp, fmt.Sprintf("FILE %s (%s)", rel, humanize.IBytes(uint64(info.Size()))))
		return nil
	}

	text, err := FormatListing(path, rel)
	if err != nil {
		s.record(ctx, req, rel, security.ResultFailure, nil, err)
		return statError(err)
	}
	s.record(ctx, req, rel, security.ResultSuccess, nil, nil)
	return s.routeAndDeliver(ctx, resp, text, "ls")
}

// FormatListing lists dir as "Listing <rel>:" followed by one line per
// entry: directories first, then files, each group sorted case-insensitively.
// Symlinks are described by what they point to.
func FormatListing(dir, rel string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}

	type item struct {
		name  string
		isDir bool
		line  string
	}
	items := make([]item, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		info, err := os.Stat(filepath.Join(dir, name))
		switch {
		case err != nil && errors.Is(err, fs.ErrPermission):
			items = append(items, item{name: name, line: "[?] " + name + " <perm denied>"})
		case err != nil:
			// Dangling symlink or a race with deletion.
			items = append(items, item{name: name, line: "[?] " + name})
		case info.IsDir():
			items = append(items, item{name: name, isDir: true, line: "[D] " + name + "/"})
		default:
			items = append(items, item{name: name, line: fmt.Sprintf("[F] %s (%s)", name, humanize.IBytes(uint64(info.Size())))})
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].isDir != items[j].isDir {
			return items[i].isDir
		}
		return strings.ToLower(items[i].name) < strings.ToLower(items[j].name)
	})

	var b strings.Builder
	b.WriteString("Listing " + rel + ":")
	for _, it := range items {
		b.WriteByte('\n')
		b.WriteString(it.line)
	}
	return b.String(), nil
}

func (s *Service) handleCat(ctx context.Context, req *Request, resp Responder) error {
	if req.Args == "" {
		s.reply(ctx, resp, "Usage: /cat <path>")
		return nil
	}
	path, info, err := s.regularFile(ctx, req)
	if err != nil {
		return err
	}
	rel := s.cfg.Workspace.Rel(path)

	if err := s.checkSize(info.Size(), "File too large"); err != nil {
		s.record(ctx, req, rel, security.ResultDenied, nil, err)
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		s.record(ctx, req, rel, security.ResultFailure, nil, err)
		return fail("Read error: "+err.Error(), err)
	}
	s.record(ctx, req, rel, security.ResultSuccess, nil, nil)
	return s.routeAndDeliver(ctx, resp, decode(data), "cat")
}

func (s *Service) handleDownload(ctx context.Context, req *Request, resp Responder) error {
	if req.Args == "" {
		s.reply(ctx, resp, "Usage: /download <path>")
		return nil
	}
	path, info, err := s.regularFile(ctx, req)
	if err != nil {
		return err
	}
	rel := s.cfg.Workspace.Rel(path)

	if err := s.checkSize(info.Size(), "File too large to upload"); err != nil {
		s.cfg.Metrics.RecordTransfer(directionDownload, security.ResultDenied)
		s.record(ctx, req, rel, security.ResultDenied, nil, err)
		return err
	}

	if err := resp.ReplyFile(ctx, path); err != nil {
		s.cfg.Metrics.RecordTransfer(directionDownload, security.ResultFailure)
		s.record(ctx, req, rel, security.ResultFailure, nil, err)
		return fail("Download failed: "+err.Error(), fmt.Errorf("%w: %w", security.ErrTransfer, err))
	}
	s.cfg.Metrics.RecordTransfer(directionDownload, security.ResultSuccess)
	s.record(ctx, req, rel, security.ResultSuccess, nil, nil)
	return nil
}

func (s *Service) handleUpload(ctx context.Context, req *Request, resp Responder) error {
	att := req.Attachment
	if att == nil {
		s.reply(ctx, resp, "Attach a file and use caption: /upload <target_path>")
		return nil
	}
	if req.Args == "" {
		s.reply(ctx, resp, "Usage: attach file with caption '/upload <target_path>'")
		return nil
	}

	target, err := s.cfg.Workspace.ResolveInside(req.Args)
	if err != nil {
		s.record(ctx, req, req.Args, security.ResultDenied, nil, err)
		return err
	}
	// Uploading onto an existing directory keeps the attachment's own name.
	if info, err := os.Stat(target); err == nil && info.IsDir() {
		name := filepath.Base(att.Name)
		if name == "." || name == ".." || name == string(filepath.Separator) || name == "" {
			s.record(ctx, req, s.cfg.Workspace.Rel(target), security.ResultFailure, nil, nil)
			return fail("Target is a directory: "+s.cfg.Workspace.Rel(target), nil)
		}
		if target, err = s.cfg.Workspace.ResolveInside(filepath.Join(target, name)); err != nil {
			s.record(ctx, req, req.Args, security.ResultDenied, nil, err)
			return err
		}
	}
	rel := s.cfg.Workspace.Rel(target)

	if err := s.checkSize(att.Size, "File too large"); err != nil {
		s.cfg.Metrics.RecordTransfer(directionUpload, security.ResultDenied)
		s.record(ctx, req, rel, security.ResultDenied, nil, err)
		return err
	}

	if err := s.receive(ctx, resp, att, target); err != nil {
		s.cfg.Metrics.RecordTransfer(directionUpload, resultFor(err))
		s.record(ctx, req, rel, resultFor(err), nil, err)
		s.logger.ErrorContext(ctx, "upload failed",
			slog.String("correlation_id", req.CorrelationID),
			slog.String("target", target),
			slog.String("error", err.Error()),
		)
		var f *Failure
		if errors.As(err, &f) {
			return err
		}
		return fail("Upload failed: "+err.Error(), err)
	}

	s.cfg.Metrics.RecordTransfer(directionUpload, security.ResultSuccess)
	s.record(ctx, req, rel, security.ResultSuccess, nil, nil)

	size := att.Size
	if info, err := os.Stat(target); err == nil {
		size = info.Size()
	}
	s.reply(ctx, resp, fmt.Sprintf("Saved to %s (%s)", rel, humanize.IBytes(uint64(size))))
	return nil
}

// receive fetches att next to target and renames it into place. A failed
// transfer leaves no partial file and keeps any existing target intact; a
// completed one replaces it.
func (s *Service) receive(ctx context.Context, resp Responder, att *Attachment, target string) error {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	part := filepath.Join(dir, "."+filepath.Base(target)+"."+uuid.NewString()[:8]+".part")
	defer os.Remove(part)

	if err := resp.Fetch(ctx, att, part); err != nil {
		return fmt.Errorf("%w: %w", security.ErrTransfer, err)
	}
	info, err := os.Stat(part)
	if err != nil {
		return fmt.Errorf("%w: %w", security.ErrTransfer, err)
	}
	if err := s.checkSize(info.Size(), "File too large"); err != nil {
		return err
	}
	if err := os.Rename(part, target); err != nil {
		return fmt.Errorf("%w: %w", security.ErrTransfer, err)
	}
	return nil
}

// regularFile resolves req.Args to an existing regular file inside the
// sandbox, auditing rejections.
func (s *Service) regularFile(ctx context.Context, req *Request) (string, os.FileInfo, error) {
	path, err := s.cfg.Workspace.ResolveInside(req.Args)
	if err != nil {
		s.record(ctx, req, req.Args, security.ResultDenied, nil, err)
		return "", nil, err
	}
	info, err := os.Stat(path)
	if err == nil && !info.Mode().IsRegular() {
		err = fmt.Errorf("%w: not a regular file", security.ErrNotFound)
	}
	if err != nil {
		s.record(ctx, req, s.cfg.Workspace.Rel(path), security.ResultFailure, nil, err)
		return "", nil, statError(err)
	}
	return path, info, nil
}

// checkSize rejects sizes over the transfer ceiling before any bytes move.
func (s *Service) checkSize(size int64, what string) error {
	limit := s.cfg.MaxTransferBytes
	if limit <= 0 || size <= limit {
		return nil
	}
	return fail(
		fmt.Sprintf("%s: %s > %s", what, humanize.IBytes(uint64(size)), humanize.IBytes(uint64(limit))),
		security.ErrTooLarge,
	)
}

// statError maps filesystem errors to the package sentinels.
func statError(err error) error {
	switch {
	case errors.Is(err, security.ErrNotFound):
		return err
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENOTDIR):
		return fmt.Errorf("%w: %w", security.ErrNotFound, err)
	case errors.Is(err, fs.ErrPermission):
		return fail("Permission denied", err)
	default:
		return err
	}
}

func (s *Service) handleSysInfo(ctx context.Context, req *Request, resp Responder) error {
	if s.cfg.Host == nil {
		s.reply(ctx, resp, "System info unavailable.")
		return nil
	}
	snap, err := s.cfg.Host.Collect(ctx)
	if err != nil {
		return fail("System info unavailable: "+err.Error(), err)
	}
	s.record(ctx, req, "", security.ResultSuccess, nil, nil)
	s.reply(ctx, resp, snap.Format())
	return nil
}

func (s *Service) handlePower(ctx context.Context, req *Request, resp Responder) error {
	ps := s.cfg.PowerSettings
	if !ps.Enabled || s.cfg.Power == nil {
		s.reply(ctx, resp, "Power commands disabled.")
		return nil
	}

	var cmdLine, msg string
	switch strings.ToLower(strings.TrimSpace(req.Args)) {
	case "reboot":
		cmdLine, msg = ps.RebootCommand, "Rebooting..."
	case "shutdown":
		cmdLine, msg = ps.ShutdownCommand, "Shutting down..."
	default:
		s.reply(ctx, resp, "Usage: /power <reboot|shutdown>")
		return nil
	}

	s.logger.WarnContext(ctx, "power command",
		slog.String("identity", req.Identity),
		slog.String("action", strings.ToLower(req.Args)),
		slog.String("correlation_id", req.CorrelationID),
	)
	s.record(ctx, req, cmdLine, security.ResultSuccess, nil, nil)
	s.reply(ctx, resp, msg)
	s.cfg.Power.RunDetached(cmdLine, ps.Timeout)
	return nil
}
