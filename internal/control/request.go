// Package control turns inbound operator messages into sandboxed actions.
// Every transport builds a Request and hands it to Service.Handle together
// with a Responder that knows how to talk back.
package control

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// Operation names a bot command.
type Operation string

// Operations.
const (
	OpNone     Operation = ""
	OpStart    Operation = "start"
	OpHelp     Operation = "help"
	OpShell    Operation = "sh"
	OpList     Operation = "ls"
	OpCat      Operation = "cat"
	OpDownload Operation = "download"
	OpUpload   Operation = "upload"
	OpSysInfo  Operation = "sysinfo"
	OpPower    Operation = "power"
	OpUnknown  Operation = "unknown"
)

var commands = map[string]Operation{
	"start":    OpStart,
	"help":     OpHelp,
	"sh":       OpShell,
	"ls":       OpList,
	"cat":      OpCat,
	"download": OpDownload,
	"upload":   OpUpload,
	"sysinfo":  OpSysInfo,
	"power":    OpPower,
}

// PublicOperations may be used by anyone; everything else needs an admin.
var PublicOperations = []string{string(OpStart), string(OpHelp)}

// Attachment describes a file the operator sent along with a request.
// ID is transport-specific (a Telegram file_id, a local path...).
type Attachment struct {
	ID   string
	Name string
	Size int64
}

// Request is one inbound operator message.
type Request struct {
	CorrelationID string
	Identity      string
	Operation     Operation
	Args          string
	Text          string // Raw message text or caption.
	Attachment    *Attachment
}

// NewRequest parses text into a Request with a fresh correlation ID.
func NewRequest(identity, text string, attachment *Attachment) *Request {
	op, args := ParseCommand(text)
	return &Request{
		CorrelationID: uuid.NewString(),
		Identity:      identity,
		Operation:     op,
		Args:          args,
		Text:          text,
		Attachment:    attachment,
	}
}

// ParseCommand maps "/cmd[@bot] args" and "!cmd" to an operation and its
// argument string. A blank message or a bare "!" yields OpNone.
func ParseCommand(text string) (Operation, string) {
	text = strings.TrimSpace(text)
	switch {
	case text == "":
		return OpNone, ""
	case strings.HasPrefix(text, "!"):
		args := strings.TrimSpace(text[1:])
		if args == "" {
			return OpNone, ""
		}
		return OpShell, args
	case strings.HasPrefix(text, "/"):
		word, rest, _ := strings.Cut(text, " ")
		if i := strings.IndexAny(word, "\n\t"); i >= 0 {
			rest = word[i+1:] + " " + rest
			word = word[:i]
		}
		name := strings.ToLower(strings.TrimPrefix(word, "/"))
		if at := strings.IndexByte(name, '@'); at >= 0 {
			name = name[:at]
		}
		op, ok := commands[name]
		if !ok {
			return OpUnknown, strings.TrimSpace(rest)
		}
		return op, strings.TrimSpace(rest)
	default:
		return OpUnknown, text
	}
}

// Responder delivers replies back over the transport a request came from.
type Responder interface {
	// Reply sends a plain-text message.
	Reply(ctx context.Context, text string) error
	// ReplyFile sends the file at path as a document.
	ReplyFile(ctx context.Context, path string) error
	// Fetch downloads attachment into dest. dest has already been validated.
	Fetch(ctx context.Context, attachment *Attachment, dest string) error
}
