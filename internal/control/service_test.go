package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/ngao/internal/output"
	"github.com/jkaninda/ngao/internal/sandbox"
	"github.com/jkaninda/ngao/internal/security"
	"github.com/jkaninda/ngao/internal/sysinfo"
	"github.com/jkaninda/ngao/internal/workspace"
)

const admin = "1"

type fakeResponder struct {
	mu      sync.Mutex
	replies []string
	files   map[string]string // path -> content at send time
	sent    []string
	fetch   func(att *Attachment, dest string) error
	fileErr error
}

func newFakeResponder() *fakeResponder {
	return &fakeResponder{files: make(map[string]string)}
}

func (f *fakeResponder) Reply(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, text)
	return nil
}

func (f *fakeResponder) ReplyFile(_ context.Context, path string) error {
	if f.fileErr != nil {
		return f.fileErr
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, path)
	f.files[path] = string(data)
	return nil
}

func (f *fakeResponder) Fetch(_ context.Context, att *Attachment, dest string) error {
	if f.fetch == nil {
		return errors.New("no fetch configured")
	}
	return f.fetch(att, dest)
}

func (f *fakeResponder) last(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.replies) == 0 {
		t.Fatal("no replies")
	}
	return f.replies[len(f.replies)-1]
}

type recordingAuditor struct {
	mu     sync.Mutex
	events []security.AuditEvent
}

func (r *recordingAuditor) LogAction(_ context.Context, e security.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingAuditor) Close() error { return nil }

func (r *recordingAuditor) last(t *testing.T) security.AuditEvent {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		t.Fatal("no audit events")
	}
	return r.events[len(r.events)-1]
}

type fakeHost struct {
	snap  sysinfo.Snapshot
	err   error
	panic bool
}

func (h *fakeHost) Collect(context.Context) (sysinfo.Snapshot, error) {
	if h.panic {
		panic("host read exploded")
	}
	return h.snap, h.err
}

type fakePower struct {
	mu      sync.Mutex
	cmdLine string
	timeout time.Duration
}

func (p *fakePower) RunDetached(cmdLine string, timeout time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cmdLine, p.timeout = cmdLine, timeout
}

type harness struct {
	svc   *Service
	root  string
	spool string
	audit *recordingAuditor
	host  *fakeHost
	power *fakePower
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	tmp := t.TempDir()
	root := filepath.Join(tmp, "base")
	spool := filepath.Join(tmp, "spool")
	for _, d := range []string{root, spool} {
		if err := os.MkdirAll(d, 0750); err != nil {
			t.Fatal(err)
		}
	}
	ws, err := workspace.New(root)
	if err != nil {
		t.Fatal(err)
	}
	logger := testLogger()
	audit := &recordingAuditor{}
	h := &harness{root: ws.Root, spool: spool, audit: audit, host: &fakeHost{}, power: &fakePower{}}

	cfg := Config{
		Workspace: ws,
		Policy:    security.NewCommandPolicy(nil),
		Gate: security.NewGate(security.GateConfig{
			Admins:           []string{admin},
			PublicOperations: PublicOperations,
		}, audit, nil, logger),
		Executor: sandbox.NewShellExecutor(sandbox.ShellConfig{
			Dir:   ws.Root,
			Shell: []string{"/bin/sh", "-c"},
		}, logger),
		Router:           output.NewRouter(3500, spool, nil),
		Host:             h.host,
		Power:            h.power,
		Audit:            audit,
		CommandTimeout:   5 * time.Second,
		MaxTransferBytes: 1024,
		PowerSettings: PowerConfig{
			Timeout:         5 * time.Second,
			RebootCommand:   "sudo reboot",
			ShutdownCommand: "sudo poweroff",
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.svc = NewService(cfg, logger)
	return h
}

func (h *harness) do(identity, text string, att *Attachment) *fakeResponder {
	resp := newFakeResponder()
	h.svc.Handle(context.Background(), NewRequest(identity, text, att), resp)
	return resp
}

func (h *harness) doWith(resp *fakeResponder, identity, text string, att *Attachment) {
	h.svc.Handle(context.Background(), NewRequest(identity, text, att), resp)
}

func (h *harness) write(t *testing.T, rel, content string) string {
	t.Helper()
	p := filepath.Join(h.root, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestHelpIsPublic(t *testing.T) {
	h := newHarness(t, nil)
	for _, text := range []string{"/help", "/start"} {
		resp := h.do("stranger", text, nil)
		got := resp.last(t)
		if !strings.HasPrefix(got, "Remote control commands:") {
			t.Errorf("%s reply = %q", text, got)
		}
		if !strings.Contains(got, "BASE_DIR: "+h.root) {
			t.Errorf("%s reply lacks base dir: %q", text, got)
		}
	}
}

func TestNonAdminIsDenied(t *testing.T) {
	h := newHarness(t, nil)
	for _, text := range []string{"/ls", "!id", "/sh id", "/power reboot", "whatever"} {
		resp := h.do("stranger", text, nil)
		if got := resp.last(t); got != msgAccessDenied {
			t.Errorf("%s reply = %q, want access denied", text, got)
		}
		ev := h.audit.last(t)
		if ev.Result != security.ResultDenied || ev.Identity != "stranger" || ev.CorrelationID == "" {
			t.Errorf("%s audit = %+v", text, ev)
		}
	}
	if h.power.cmdLine != "" {
		t.Errorf("power command ran for a non-admin: %q", h.power.cmdLine)
	}
}

func TestBareBangIsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	resp := h.do(admin, "!  ", nil)
	if len(resp.replies) != 0 {
		t.Errorf("replies = %q, want none", resp.replies)
	}
}

func TestUnknownCommand(t *testing.T) {
	h := newHarness(t, nil)
	if got := h.do(admin, "/frobnicate", nil).last(t); got != msgUnknown {
		t.Errorf("reply = %q", got)
	}
}

func TestShell(t *testing.T) {
	h := newHarness(t, nil)

	tests := []struct {
		text string
		want string
	}{
		{"/sh echo hello", "$ echo hello\nhello\n\n[exit 0]"},
		{"!echo hello", "$ echo hello\nhello\n\n[exit 0]"},
		{"/sh echo err >&2", "$ echo err >&2\nerr\n\n[exit 0]"},
		{"/sh echo out; echo err >&2; exit 3", "$ echo out; echo err >&2; exit 3\nout\n\n[stderr]\nerr\n\n[exit 3]"},
		{"/sh true", "$ true\n\n[exit 0]"},
		{"/sh pwd", "$ pwd\n" + h.root + "\n\n[exit 0]"},
		{"/sh", "Usage: /sh <command>"},
	}
	for _, tc := range tests {
		t.Run(tc.text, func(t *testing.T) {
			if got := h.do(admin, tc.text, nil).last(t); got != tc.want {
				t.Errorf("reply = %q, want %q", got, tc.want)
			}
		})
	}

	ev := h.audit.last(t)
	if ev.Operation != "sh" || ev.ExitCode == nil || *ev.ExitCode != 0 {
		t.Errorf("audit = %+v", ev)
	}
}

func TestShellPolicy(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Policy = security.NewCommandPolicy([]string{"echo", "ls"})
	})
	if got := h.do(admin, "/sh rm -rf /", nil).last(t); got != msgPolicyDenied {
		t.Errorf("reply = %q", got)
	}
	ev := h.audit.last(t)
	if ev.Result != security.ResultDenied || ev.Target != "rm -rf /" {
		t.Errorf("audit = %+v", ev)
	}
	if got := h.do(admin, "/sh echo ok", nil).last(t); got != "$ echo ok\nok\n\n[exit 0]" {
		t.Errorf("allowed command reply = %q", got)
	}
	if got := h.do(admin, "/sh", nil).last(t); got != "Usage: /sh <command>\nAllowed: echo, ls" {
		t.Errorf("usage reply = %q", got)
	}
}

func TestShellTimeout(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.CommandTimeout = 300 * time.Millisecond })
	got := h.do(admin, "/sh sleep 5", nil).last(t)
	if !strings.Contains(got, "Timeout after") || !strings.HasSuffix(got, "[exit 124]") {
		t.Errorf("reply = %q", got)
	}
	if ev := h.audit.last(t); ev.Result != security.ResultTimeout {
		t.Errorf("audit result = %q, want timeout", ev.Result)
	}
}

func TestShellLongOutputBecomesArtifact(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Router = output.NewRouter(50, c.Router.Dir(), nil) })
	resp := h.do(admin, "/sh seq 1 100", nil)

	if len(resp.sent) != 1 {
		t.Fatalf("sent = %v, want one artifact", resp.sent)
	}
	path := resp.sent[0]
	if !strings.HasPrefix(filepath.Base(path), "cmd_") || filepath.Ext(path) != ".txt" {
		t.Errorf("artifact name = %q", path)
	}
	content := resp.files[path]
	if !strings.HasPrefix(content, "$ seq 1 100\n1\n2\n") || !strings.HasSuffix(content, "100\n\n[exit 0]") {
		t.Errorf("artifact content = %q", content)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("artifact not removed after delivery: %v", err)
	}
}

func TestList(t *testing.T) {
	h := newHarness(t, nil)
	h.write(t, "b.txt", "xy")
	h.write(t, "A.txt", "")
	h.write(t, "zdir/inner.txt", "x")
	if err := os.Mkdir(filepath.Join(h.root, "Cdir"), 0750); err != nil {
		t.Fatal(err)
	}

	want := "Listing .:\n[D] Cdir/\n[D] zdir/\n[F] A.txt (0 B)\n[F] b.txt (2 B)"
	if got := h.do(admin, "/ls", nil).last(t); got != want {
		t.Errorf("ls = %q, want %q", got, want)
	}
	if got := h.do(admin, "/ls zdir", nil).last(t); got != "Listing zdir:\n[F] inner.txt (1 B)" {
		t.Errorf("ls zdir = %q", got)
	}
	if got := h.do(admin, "/ls b.txt", nil).last(t); got != "FILE b.txt (2 B)" {
		t.Errorf("ls file = %q", got)
	}
	if got := h.do(admin, "/ls missing", nil).last(t); got != msgNotFound {
		t.Errorf("ls missing = %q", got)
	}
	for _, escape := range []string{"..", "/etc", "zdir/../../x"} {
		if got := h.do(admin, "/ls "+escape, nil).last(t); got != msgPathNotAllowed {
			t.Errorf("ls %s = %q, want %q", escape, got, msgPathNotAllowed)
		}
	}
}

func TestCat(t *testing.T) {
	h := newHarness(t, nil)
	h.write(t, "notes.txt", "hello\nworld")
	h.write(t, "big.bin", strings.Repeat("x", 2048))
	h.write(t, "bad.txt", "ok\xff\xfe")

	if got := h.do(admin, "/cat notes.txt", nil).last(t); got != "hello\nworld" {
		t.Errorf("cat = %q", got)
	}
	if got := h.do(admin, "/cat bad.txt", nil).last(t); got != "ok\uFFFD" {
		t.Errorf("cat invalid utf-8 = %q", got)
	}
	if got := h.do(admin, "/cat big.bin", nil).last(t); got != "File too large: 2.0 KiB > 1.0 KiB" {
		t.Errorf("cat big = %q", got)
	}
	if got := h.do(admin, "/cat nope.txt", nil).last(t); got != msgFileNotFound {
		t.Errorf("cat missing = %q", got)
	}
	if got := h.do(admin, "/cat .", nil).last(t); got != msgFileNotFound {
		t.Errorf("cat dir = %q", got)
	}
	if got := h.do(admin, "/cat ../secret", nil).last(t); got != msgPathNotAllowed {
		t.Errorf("cat escape = %q", got)
	}
	if got := h.do(admin, "/cat", nil).last(t); got != "Usage: /cat <path>" {
		t.Errorf("cat usage = %q", got)
	}
}

func TestDownload(t *testing.T) {
	h := newHarness(t, nil)
	p := h.write(t, "out/report.csv", "a,b\n1,2\n")
	h.write(t, "huge.bin", strings.Repeat("x", 4096))

	resp := h.do(admin, "/download out/report.csv", nil)
	if len(resp.sent) != 1 || resp.sent[0] != p || resp.files[p] != "a,b\n1,2\n" {
		t.Errorf("sent = %v", resp.sent)
	}
	if _, err := os.Stat(p); err != nil {
		t.Errorf("downloaded file should stay in place: %v", err)
	}

	if got := h.do(admin, "/download huge.bin", nil).last(t); got != "File too large to upload: 4.0 KiB > 1.0 KiB" {
		t.Errorf("download huge = %q", got)
	}

	failing := newFakeResponder()
	failing.fileErr = errors.New("network down")
	h.doWith(failing, admin, "/download out/report.csv", nil)
	if got := failing.last(t); got != "Download failed: network down" {
		t.Errorf("failed download = %q", got)
	}
}

func TestUpload(t *testing.T) {
	h := newHarness(t, nil)
	writeFetch := func(content string) func(*Attachment, string) error {
		return func(_ *Attachment, dest string) error {
			return os.WriteFile(dest, []byte(content), 0600)
		}
	}

	t.Run("no attachment", func(t *testing.T) {
		if got := h.do(admin, "/upload x.txt", nil).last(t); got != "Attach a file and use caption: /upload <target_path>" {
			t.Errorf("reply = %q", got)
		}
	})

	t.Run("no target", func(t *testing.T) {
		got := h.do(admin, "/upload", &Attachment{ID: "f", Name: "x", Size: 1}).last(t)
		if got != "Usage: attach file with caption '/upload <target_path>'" {
			t.Errorf("reply = %q", got)
		}
	})

	t.Run("saves into new directories", func(t *testing.T) {
		resp := newFakeResponder()
		resp.fetch = writeFetch("hello")
		h.doWith(resp, admin, "/upload sub/dir/new.txt", &Attachment{ID: "f", Name: "new.txt", Size: 5})
		if got := resp.last(t); got != "Saved to sub/dir/new.txt (5 B)" {
			t.Errorf("reply = %q", got)
		}
		data, err := os.ReadFile(filepath.Join(h.root, "sub", "dir", "new.txt"))
		if err != nil || string(data) != "hello" {
			t.Errorf("saved = %q, %v", data, err)
		}
	})

	t.Run("into existing directory keeps name", func(t *testing.T) {
		resp := newFakeResponder()
		resp.fetch = writeFetch("abc")
		h.doWith(resp, admin, "/upload sub", &Attachment{ID: "f", Name: "../evil/name.bin", Size: 3})
		if got := resp.last(t); got != "Saved to sub/name.bin (3 B)" {
			t.Errorf("reply = %q", got)
		}
	})

	t.Run("too large is refused before transfer", func(t *testing.T) {
		resp := newFakeResponder()
		called := false
		resp.fetch = func(*Attachment, string) error { called = true; return nil }
		h.doWith(resp, admin, "/upload big.bin", &Attachment{ID: "f", Name: "big.bin", Size: 4096})
		if got := resp.last(t); got != "File too large: 4.0 KiB > 1.0 KiB" {
			t.Errorf("reply = %q", got)
		}
		if called {
			t.Error("Fetch called for an oversized attachment")
		}
	})

	t.Run("escape", func(t *testing.T) {
		resp := newFakeResponder()
		resp.fetch = writeFetch("x")
		h.doWith(resp, admin, "/upload ../outside.txt", &Attachment{ID: "f", Name: "o", Size: 1})
		if got := resp.last(t); got != msgPathNotAllowed {
			t.Errorf("reply = %q", got)
		}
		if _, err := os.Stat(filepath.Join(filepath.Dir(h.root), "outside.txt")); !os.IsNotExist(err) {
			t.Error("file written outside the sandbox")
		}
	})

	t.Run("failed transfer leaves nothing behind", func(t *testing.T) {
		existing := h.write(t, "keep.txt", "original")
		resp := newFakeResponder()
		resp.fetch = func(_ *Attachment, dest string) error {
			_ = os.WriteFile(dest, []byte("partial"), 0600)
			return errors.New("connection reset")
		}
		h.doWith(resp, admin, "/upload keep.txt", &Attachment{ID: "f", Name: "keep.txt", Size: 10})
		if got := resp.last(t); !strings.HasPrefix(got, "Upload failed:") || !strings.Contains(got, "connection reset") {
			t.Errorf("reply = %q", got)
		}
		if data, _ := os.ReadFile(existing); string(data) != "original" {
			t.Errorf("existing file clobbered: %q", data)
		}
		matches, _ := filepath.Glob(filepath.Join(h.root, ".*.part"))
		if len(matches) != 0 {
			t.Errorf("partial files left: %v", matches)
		}
		if ev := h.audit.last(t); ev.Result != security.ResultFailure || ev.Operation != "upload" {
			t.Errorf("audit = %+v", ev)
		}
	})

	t.Run("completed transfer replaces existing file", func(t *testing.T) {
		existing := h.write(t, "replace.txt", "old contents")
		resp := newFakeResponder()
		resp.fetch = writeFetch("new")
		h.doWith(resp, admin, "/upload replace.txt", &Attachment{ID: "f", Name: "replace.txt", Size: 3})
		if got := resp.last(t); got != "Saved to replace.txt (3 B)" {
			t.Errorf("reply = %q", got)
		}
		if data, _ := os.ReadFile(existing); string(data) != "new" {
			t.Errorf("existing file = %q, want replaced", data)
		}
	})
}

func TestSysInfo(t *testing.T) {
	h := newHarness(t, nil)
	h.host.snap = sysinfo.Snapshot{Uptime: time.Hour, CPUPercent: 3}
	got := h.do(admin, "/sysinfo", nil).last(t)
	if !strings.HasPrefix(got, "Uptime: 1:00:00\nCPU: 3.0%") {
		t.Errorf("reply = %q", got)
	}
}

func TestPanicIsRecovered(t *testing.T) {
	h := newHarness(t, nil)
	h.host.panic = true
	resp := newFakeResponder()
	req := NewRequest(admin, "/sysinfo", nil)
	h.svc.Handle(context.Background(), req, resp)
	if got := resp.last(t); got != "Internal error (ref "+req.CorrelationID+")" {
		t.Errorf("reply = %q", got)
	}
}

func TestPower(t *testing.T) {
	disabled := newHarness(t, nil)
	if got := disabled.do(admin, "/power reboot", nil).last(t); got != "Power commands disabled." {
		t.Errorf("disabled reply = %q", got)
	}
	if disabled.power.cmdLine != "" {
		t.Error("power command ran while disabled")
	}

	h := newHarness(t, func(c *Config) { c.PowerSettings.Enabled = true })
	if got := h.do(admin, "/power dance", nil).last(t); got != "Usage: /power <reboot|shutdown>" {
		t.Errorf("usage reply = %q", got)
	}
	if got := h.do(admin, "/power REBOOT", nil).last(t); got != "Rebooting..." {
		t.Errorf("reboot reply = %q", got)
	}
	if h.power.cmdLine != "sudo reboot" || h.power.timeout != 5*time.Second {
		t.Errorf("power = %q %v", h.power.cmdLine, h.power.timeout)
	}
	if got := h.do(admin, "/power shutdown", nil).last(t); got != "Shutting down..." {
		t.Errorf("shutdown reply = %q", got)
	}
	if h.power.cmdLine != "sudo poweroff" {
		t.Errorf("power = %q", h.power.cmdLine)
	}
}

func TestReplyForError(t *testing.T) {
	h := newHarness(t, nil)
	req := &Request{CorrelationID: "ref1", Operation: OpCat}
	tests := []struct {
		err  error
		want string
	}{
		{security.ErrAccessDenied, msgPathNotAllowed},
		{security.ErrCommandNotAllowed, msgPolicyDenied},
		{security.ErrNotFound, msgFileNotFound},
		{fail("custom", security.ErrTooLarge), "custom"},
		{fmt.Errorf("%w: disk full", security.ErrTransfer), "Transfer failed: disk full"},
		{errors.New("boom"), "Internal error (ref ref1)"},
	}
	for _, tc := range tests {
		if got := h.svc.replyForError(context.Background(), req, tc.err); got != tc.want {
			t.Errorf("replyForError(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
	if got := h.svc.replyForError(context.Background(), &Request{Operation: OpList}, security.ErrNotFound); got != msgNotFound {
		t.Errorf("ls not found = %q", got)
	}
}

func TestFormatShellOutput(t *testing.T) {
	got := FormatShellOutput("x", &sandbox.ExecutionResult{ExitCode: 124, Stderr: []byte("Timeout after 1s")})
	if got != "$ x\nTimeout after 1s\n[exit 124]" {
		t.Errorf("got %q", got)
	}
}

func TestFormatShellOutputTruncated(t *testing.T) {
	got := FormatShellOutput("yes", &sandbox.ExecutionResult{
		Stdout:      []byte("y\ny\n"),
		Truncated:   true,
		OutputLimit: 8 << 20,
	})
	want := "$ yes\ny\ny\n\n[output truncated at 8.0 MiB]\n[exit 0]"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRoutedOutputDeliveryFailure(t *testing.T) {
	spool := t.TempDir()
	h := newHarness(t, func(c *Config) {
		c.Router = output.NewRouter(50, spool, nil)
	})

	for _, text := range []string{"/sh seq 1 100", "/cat big.txt", "/ls dir"} {
		t.Run(text, func(t *testing.T) {
			h.write(t, "big.txt", strings.Repeat("x", 200))
			for i := range 10 {
				h.write(t, fmt.Sprintf("dir/file-with-a-long-name-%02d.txt", i), "")
			}

			failing := newFakeResponder()
			failing.fileErr = errors.New("network down")
			h.doWith(failing, admin, text, nil)
			if got := failing.last(t); got != "Failed to send output: network down" {
				t.Errorf("reply = %q", got)
			}

			entries, err := os.ReadDir(spool)
			if err != nil {
				t.Fatal(err)
			}
			if len(entries) != 0 {
				t.Errorf("spool has %d entries after failed delivery, want 0", len(entries))
			}
		})
	}
}
