package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	// defaultMaxOutputBytes caps stdout and stderr independently.
	defaultMaxOutputBytes = 8 << 20 // 8 MiB

	defaultTimeout = 20 * time.Second

	// waitDelay bounds how long pipe draining may outlive a killed child.
	waitDelay = 2 * time.Second
)

// ShellConfig configures the shell executor.
type ShellConfig struct {
	// Dir is the working directory of every command (the sandbox root).
	Dir string
	// Shell overrides shell detection. Empty = DetectShell().
	Shell []string
	// StripEnv lists variables removed from the inherited environment.
	StripEnv []string
	// MaxOutputBytes caps each captured stream. Zero = 8 MiB.
	MaxOutputBytes int
	// DefaultTimeout applies when Run gets a non-positive timeout. Zero = 20s.
	DefaultTimeout time.Duration
}

// ShellExecutor runs command lines as child processes of the host shell.
//
// Guarantees:
//   - The child runs in its own process group (Setpgid)
//   - The whole group is killed on timeout
//   - stdout and stderr are capped
//   - Configured secrets are removed from the child environment
type ShellExecutor struct {
	dir            string
	shell          []string
	env            []string
	maxOutput      int
	defaultTimeout time.Duration
	logger         *slog.Logger
}

// NewShellExecutor creates a shell executor.
func NewShellExecutor(cfg ShellConfig, logger *slog.Logger) *ShellExecutor {
	shell := cfg.Shell
	if len(shell) == 0 {
		shell = DetectShell()
	}
	maxOutput := cfg.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutputBytes
	}
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &ShellExecutor{
		dir:            cfg.Dir,
		shell:          shell,
		env:            filterEnv(os.Environ(), cfg.StripEnv),
		maxOutput:      maxOutput,
		defaultTimeout: timeout,
		logger:         logger,
	}
}

// DetectShell returns the shell invocation prefix: bash as a login shell
// when available, POSIX sh otherwise.
func DetectShell() []string {
	if p, err := exec.LookPath("bash"); err == nil {
		return []string{p, "-lc"}
	}
	if _, err := os.Stat("/bin/bash"); err == nil {
		return []string{"/bin/bash", "-lc"}
	}
	return []string{"/bin/sh", "-c"}
}

// Run executes commandLine and blocks until it exits or timeout elapses.
// A timeout is a result, not an error. Errors are returned only when the
// child cannot be started.
func (s *ShellExecutor) Run(ctx context.Context, commandLine string, timeout time.Duration) (*ExecutionResult, error) {
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string{}, s.shell[1:]...), commandLine)
	cmd := exec.CommandContext(runCtx, s.shell[0], args...)
	cmd.Dir = s.dir
	cmd.Env = s.env

	// The child runs in its own group so that everything it spawns can be
	// killed together.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID = kill the entire process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = waitDelay

	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := &limitedWriter{w: &stdoutBuf, remaining: s.maxOutput}
	stderr := &limitedWriter{w: &stderrBuf, remaining: s.maxOutput}
	cmd.Stdout, cmd.Stderr = stdout, stderr

	s.logger.InfoContext(ctx, "executing command",
		slog.String("command", commandLine),
		slog.String("dir", cmd.Dir),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting shell %s: %w", s.shell[0], err)
	}
	runErr := cmd.Wait()
	duration := time.Since(start)

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		s.logger.WarnContext(ctx, "command timed out",
			slog.String("command", commandLine),
			slog.Duration("timeout", timeout),
		)
		return &ExecutionResult{
			ExitCode: TimeoutExitCode,
			Stdout:   []byte{},
			Stderr:   []byte(timeoutMessage(timeout)),
			TimedOut: true,
			Duration: duration,
		}, nil
	}

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			// -1 means terminated by a signal without an exit status.
			if code := exitErr.ExitCode(); code >= 0 {
				exitCode = code
			} else {
				exitCode = signalExitCode(exitErr)
			}
		} else if !errors.Is(runErr, exec.ErrWaitDelay) {
			return nil, fmt.Errorf("waiting for command: %w", runErr)
		}
	}

	truncated := stdout.dropped || stderr.dropped
	s.logger.InfoContext(ctx, "command completed",
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
		slog.Int("stdout_bytes", stdoutBuf.Len()),
		slog.Int("stderr_bytes", stderrBuf.Len()),
		slog.Bool("truncated", truncated),
	)

	return &ExecutionResult{
		ExitCode:    exitCode,
		Stdout:      stdoutBuf.Bytes(),
		Stderr:      stderrBuf.Bytes(),
		Truncated:   truncated,
		OutputLimit: s.maxOutput,
		Duration:    duration,
	}, nil
}

// RunDetached starts commandLine on a background context and returns
// immediately. The outcome is only logged.
func (s *ShellExecutor) RunDetached(commandLine string, timeout time.Duration) {
	go func() {
		res, err := s.Run(context.Background(), commandLine, timeout)
		if err != nil {
			s.logger.Error("detached command failed to start",
				slog.String("command", commandLine),
				slog.String("error", err.Error()),
			)
			return
		}
		s.logger.Info("detached command finished",
			slog.String("command", commandLine),
			slog.Int("exit_code", res.ExitCode),
			slog.Bool("timed_out", res.TimedOut),
		)
	}()
}

// timeoutMessage renders "Timeout after 20s", "Timeout after 0.3s".
func timeoutMessage(d time.Duration) string {
	return "Timeout after " + strconv.FormatFloat(d.Seconds(), 'f', -1, 64) + "s"
}

// signalExitCode follows the shell convention of 128+signal.
func signalExitCode(exitErr *exec.ExitError) int {
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return 0
}

// filterEnv returns env without the named variables.
func filterEnv(env []string, strip []string) []string {
	if len(strip) == 0 {
		return env
	}
	drop := make(map[string]struct{}, len(strip))
	for _, k := range strip {
		drop[k] = struct{}{}
	}
	out := make([]string, 0, len(env))
	for _, kv := range env {
		k, _, _ := strings.Cut(kv, "=")
		if _, ok := drop[k]; ok {
			continue
		}
		out = append(out, kv)
	}
	return out
}

// limitedWriter keeps the first remaining bytes written to it and discards
// the rest, recording that it did. Writes never fail on the limit, so the
// child is not killed by a broken pipe.
type limitedWriter struct {
	w         io.Writer
	remaining int
	dropped   bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if n > lw.remaining {
		lw.dropped = true
	}
	if lw.remaining <= 0 {
		return n, nil
	}
	if len(p) > lw.remaining {
		p = p[:lw.remaining]
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}
