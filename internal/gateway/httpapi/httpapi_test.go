package httpapi

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/ngao/internal/control"
	"github.com/jkaninda/ngao/internal/security"
	"github.com/jkaninda/ngao/internal/storage"
)

type scriptedHandler struct {
	reqs []*control.Request
	do   func(ctx context.Context, req *control.Request, resp control.Responder)
}

func (h *scriptedHandler) Handle(ctx context.Context, req *control.Request, resp control.Responder) {
	h.reqs = append(h.reqs, req)
	if h.do != nil {
		h.do(ctx, req, resp)
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func digest(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func TestIdentityForKey(t *testing.T) {
	g := NewGateway(Config{APIKeys: map[string]string{
		digest("alpha-key"):                  "alice",
		strings.ToUpper(digest("bravo-key")): "bob",
	}}, &scriptedHandler{}, nil, testLogger())

	tests := []struct {
		key      string
		identity string
		ok       bool
	}{
		{"alpha-key", "alice", true},
		{" alpha-key ", "alice", true},
		{"bravo-key", "bob", true},
		{"charlie-key", "", false},
		{"", "", false},
		{digest("alpha-key"), "", false},
	}
	for _, tc := range tests {
		id, ok := g.identityForKey(tc.key)
		if id != tc.identity || ok != tc.ok {
			t.Errorf("identityForKey(%q) = (%q, %v), want (%q, %v)", tc.key, id, ok, tc.identity, tc.ok)
		}
	}
}

func TestExecuteCollectsReplies(t *testing.T) {
	dir := t.TempDir()
	report := filepath.Join(dir, "output.txt")
	if err := os.WriteFile(report, []byte("long output"), 0600); err != nil {
		t.Fatal(err)
	}

	h := &scriptedHandler{do: func(ctx context.Context, req *control.Request, resp control.Responder) {
		_ = resp.Reply(ctx, "first")
		_ = resp.ReplyFile(ctx, report)
		_ = resp.Reply(ctx, "second")
	}}
	g := NewGateway(Config{}, h, nil, testLogger())

	out := g.execute(context.Background(), "alice", "!uptime")
	if len(h.reqs) != 1 {
		t.Fatalf("requests = %d", len(h.reqs))
	}
	req := h.reqs[0]
	if req.Identity != "alice" || req.Operation != control.OpShell || req.Args != "uptime" {
		t.Errorf("request = %+v", req)
	}
	if out.CorrelationID == "" || out.CorrelationID != req.CorrelationID {
		t.Errorf("correlation id = %q, request had %q", out.CorrelationID, req.CorrelationID)
	}
	if strings.Join(out.Replies, "|") != "first|second" {
		t.Errorf("replies = %v", out.Replies)
	}
	if len(out.Files) != 1 {
		t.Fatalf("files = %d", len(out.Files))
	}
	f := out.Files[0]
	data, err := base64.StdEncoding.DecodeString(f.Content)
	if err != nil {
		t.Fatal(err)
	}
	if f.Name != "output.txt" || f.Size != 11 || string(data) != "long output" {
		t.Errorf("file = %+v (%q)", f, data)
	}
}

func TestExecuteNoReplies(t *testing.T) {
	g := NewGateway(Config{}, &scriptedHandler{}, nil, testLogger())
	out := g.execute(context.Background(), "alice", "/help")
	if out.Replies == nil || len(out.Replies) != 0 {
		t.Errorf("replies = %#v, want empty slice", out.Replies)
	}
}

func TestCollectorFailures(t *testing.T) {
	r := &collector{}
	ctx := context.Background()

	if err := r.ReplyFile(ctx, filepath.Join(t.TempDir(), "missing")); !errors.Is(err, security.ErrTransfer) {
		t.Errorf("ReplyFile(missing) = %v, want ErrTransfer", err)
	}
	err := r.Fetch(ctx, &control.Attachment{ID: "x"}, filepath.Join(t.TempDir(), "dest"))
	if !errors.Is(err, security.ErrTransfer) || !errors.Is(err, errNoUploads) {
		t.Errorf("Fetch = %v", err)
	}
}

func TestParseAuditFilter(t *testing.T) {
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		query   string
		want    storage.AuditFilter
		wantErr bool
	}{
		{"", storage.AuditFilter{Limit: defaultAuditLimit}, false},
		{"limit=10&identity=+42+", storage.AuditFilter{Identity: "42", Limit: 10}, false},
		{"limit=100000", storage.AuditFilter{Limit: maxAuditLimit}, false},
		{"operation=sh&result=timeout", storage.AuditFilter{Operation: "sh", Result: "timeout", Limit: defaultAuditLimit}, false},
		{"since=2h", storage.AuditFilter{Since: now.Add(-2 * time.Hour), Limit: defaultAuditLimit}, false},
		{"since=2026-03-01T00:00:00Z", storage.AuditFilter{Since: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), Limit: defaultAuditLimit}, false},
		{"limit=0", storage.AuditFilter{}, true},
		{"limit=-3", storage.AuditFilter{}, true},
		{"limit=ten", storage.AuditFilter{}, true},
		{"since=-1h", storage.AuditFilter{}, true},
		{"since=yesterday", storage.AuditFilter{}, true},
	}
	for _, tc := range tests {
		q, err := url.ParseQuery(tc.query)
		if err != nil {
			t.Fatal(err)
		}
		got, err := parseAuditFilter(q, now)
		if (err != nil) != tc.wantErr {
			t.Errorf("parseAuditFilter(%q) err = %v, wantErr %v", tc.query, err, tc.wantErr)
			continue
		}
		if tc.wantErr {
			continue
		}
		if got.Identity != tc.want.Identity || got.Operation != tc.want.Operation ||
			got.Result != tc.want.Result || got.Limit != tc.want.Limit || !got.Since.Equal(tc.want.Since) {
			t.Errorf("parseAuditFilter(%q) = %+v, want %+v", tc.query, got, tc.want)
		}
	}
}

func TestNewAuditSummary(t *testing.T) {
	since := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	s := newAuditSummary(storage.AuditFilter{Identity: "42", Since: since}, map[string]int64{
		security.ResultSuccess: 3,
		security.ResultDenied:  2,
	})
	if s.Total != 5 || s.Identity != "42" || s.Since == nil || !s.Since.Equal(since) {
		t.Errorf("summary = %+v", s)
	}

	empty := newAuditSummary(storage.AuditFilter{}, nil)
	if empty.Results == nil || empty.Total != 0 || empty.Since != nil {
		t.Errorf("empty summary = %+v", empty)
	}
}

func TestToAuditEntries(t *testing.T) {
	code := 2
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	entries := toAuditEntries([]security.AuditEvent{{
		Timestamp:     ts,
		CorrelationID: "c1",
		Identity:      "alice",
		Operation:     "sh",
		Target:        "ls /",
		Result:        security.ResultFailure,
		ExitCode:      &code,
	}})
	if len(entries) != 1 {
		t.Fatalf("entries = %d", len(entries))
	}
	e := entries[0]
	if !e.Timestamp.Equal(ts) || e.Identity != "alice" || e.Operation != "sh" || e.Result != security.ResultFailure {
		t.Errorf("entry = %+v", e)
	}
	if e.ExitCode == nil || *e.ExitCode != 2 {
		t.Errorf("exit code = %v", e.ExitCode)
	}
}

func TestStopBeforeStart(t *testing.T) {
	g := NewGateway(Config{}, &scriptedHandler{}, nil, testLogger())
	if err := g.Stop(context.Background()); err != nil {
		t.Errorf("Stop = %v", err)
	}
	if g.config.MaxRequestSize != defaultMaxRequestSize {
		t.Errorf("MaxRequestSize = %d", g.config.MaxRequestSize)
	}
}
