// Package cli implements an interactive console gateway for ngao.
// Requests carry a configured identity and still pass through the access gate.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/jkaninda/ngao/internal/control"
)

// Handler processes a parsed request. Satisfied by *control.Service.
type Handler interface {
	Handle(ctx context.Context, req *control.Request, resp control.Responder)
}

// Config configures the console gateway.
type Config struct {
	Identity string    // Identity presented to the gate.
	SaveDir  string    // Where received files are copied. Empty = leave in place.
	In       io.Reader // Default: os.Stdin.
	Out      io.Writer // Default: os.Stdout.
}

// Gateway is the interactive command-line interface.
type Gateway struct {
	cfg     Config
	handler Handler
	logger  *slog.Logger
	out     io.Writer
	done    chan struct{} // closed by Stop to signal shutdown
	once    sync.Once
}

// NewGateway creates a console gateway in front of h.
func NewGateway(cfg Config, h Handler, logger *slog.Logger) *Gateway {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	return &Gateway{
		cfg:     cfg,
		handler: h,
		logger:  logger,
		out:     cfg.Out,
		done:    make(chan struct{}),
	}
}

// Start runs the REPL. Blocks until ctx is cancelled, Stop is called,
// input ends, or the user types "exit".
func (g *Gateway) Start(ctx context.Context) error {
	scanner := bufio.NewScanner(g.cfg.In)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)

	fmt.Fprintln(g.out, "ngao console. Type /help for commands, \"exit\" to quit.")
	fmt.Fprintln(g.out)

	for {
		fmt.Fprint(g.out, "ngao> ")

		// Check for context cancellation or Stop signal between prompts.
		select {
		case <-ctx.Done():
			fmt.Fprintln(g.out, "\nShutting down.")
			return nil
		case <-g.done:
			fmt.Fprintln(g.out, "\nShutting down.")
			return nil
		default:
		}

		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			fmt.Fprintln(g.out, "Goodbye.")
			return nil
		}

		var att *control.Attachment
		if op, args := control.ParseCommand(line); op == control.OpUpload && args != "" {
			fmt.Fprint(g.out, "local file: ")
			if !scanner.Scan() {
				break
			}
			var err error
			if att, err = localAttachment(strings.TrimSpace(scanner.Text())); err != nil {
				fmt.Fprintf(g.out, "Error: %v\n\n", err)
				continue
			}
		}

		req := control.NewRequest(g.cfg.Identity, line, att)
		g.logger.DebugContext(ctx, "console request",
			slog.String("identity", g.cfg.Identity),
			slog.String("correlation_id", req.CorrelationID),
		)

		g.handler.Handle(ctx, req, &consoleResponder{out: g.out, saveDir: g.cfg.SaveDir})
		fmt.Fprintln(g.out)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stdin: %w", err)
	}
	return nil
}

// Stop signals the REPL to shut down.
func (g *Gateway) Stop(_ context.Context) error {
	g.once.Do(func() { close(g.done) })
	return nil
}

func localAttachment(path string) (*control.Attachment, error) {
	if path == "" {
		return nil, fmt.Errorf("no local file given")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", path)
	}
	return &control.Attachment{ID: abs, Name: filepath.Base(abs), Size: info.Size()}, nil
}

// consoleResponder prints replies and copies files locally.
type consoleResponder struct {
	out     io.Writer
	saveDir string
}

func (r *consoleResponder) Reply(_ context.Context, text string) error {
	_, err := fmt.Fprintln(r.out, text)
	return err
}

// ReplyFile copies path into the save directory, since spooled artifacts are
// deleted once delivered, and prints where it went.
func (r *consoleResponder) ReplyFile(_ context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	target := path
	if r.saveDir != "" {
		if err := os.MkdirAll(r.saveDir, 0750); err != nil {
			return err
		}
		target = filepath.Join(r.saveDir, filepath.Base(path))
		if err := copyFile(path, target); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(r.out, "[file] %s (%s)\n", target, humanize.IBytes(uint64(info.Size())))
	return err
}

// Fetch copies the local file named by the attachment ID.
func (r *consoleResponder) Fetch(_ context.Context, att *control.Attachment, dest string) error {
	return copyFile(att.ID, dest)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
