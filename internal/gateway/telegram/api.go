package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/jkaninda/ngao/internal/control"
	"github.com/jkaninda/ngao/internal/security"
)

// apiResponse is the envelope of every Bot API reply.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

// call posts params as JSON to method and decodes the result into out
// (which may be nil).
func (g *Gateway) call(ctx context.Context, client *http.Client, method string, params map[string]any, out any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.apiURL(method), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return g.do(client, method, req, out)
}

func (g *Gateway) do(client *http.Client, method string, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		// The URL embeds the token; never surface it.
		return fmt.Errorf("telegram %s: request failed", method)
	}
	defer resp.Body.Close()

	var env apiResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxAPIResponseSize)).Decode(&env); err != nil {
		return fmt.Errorf("telegram %s: decoding response (status %d): %w", method, resp.StatusCode, err)
	}
	if !env.OK {
		return fmt.Errorf("telegram %s: %s (status %d)", method, env.Description, resp.StatusCode)
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("telegram %s: decoding result: %w", method, err)
		}
	}
	return nil
}

// sendText sends plain text, split into chunks Telegram accepts.
func (g *Gateway) sendText(ctx context.Context, chatID int64, text string) error {
	for _, chunk := range splitMessage(text, telegramSafeMaxLen) {
		if err := g.call(ctx, g.httpClient, "sendMessage", map[string]any{
			"chat_id":                  chatID,
			"text":                     chunk,
			"disable_web_page_preview": true,
		}, nil); err != nil {
			return err
		}
	}
	return nil
}

// sendDocument streams the file at path as a multipart upload.
func (g *Gateway) sendDocument(ctx context.Context, chatID int64, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := func() error {
			if err := mw.WriteField("chat_id", strconv.FormatInt(chatID, 10)); err != nil {
				return err
			}
			part, err := mw.CreateFormFile("document", filepath.Base(path))
			if err != nil {
				return err
			}
			if _, err := io.Copy(part, f); err != nil {
				return err
			}
			return mw.Close()
		}()
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.apiURL("sendDocument"), pr)
	if err != nil {
		pr.CloseWithError(err)
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	err = g.do(g.fileClient, "sendDocument", req, nil)
	pr.CloseWithError(io.ErrClosedPipe)
	return err
}

// downloadFile resolves fileID with getFile and copies the content to dest.
// A partial dest is removed on failure.
func (g *Gateway) downloadFile(ctx context.Context, fileID, dest string) error {
	var file File
	if err := g.call(ctx, g.httpClient, "getFile", map[string]any{"file_id": fileID}, &file); err != nil {
		return err
	}
	if file.FilePath == "" {
		return fmt.Errorf("telegram getFile: no file_path for %s", fileID)
	}
	limit := g.config.MaxFileBytes
	if limit > 0 && file.FileSize > limit {
		return fmt.Errorf("%w: %d > %d bytes", security.ErrTooLarge, file.FileSize, limit)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.fileURL(file.FilePath), nil)
	if err != nil {
		return err
	}
	resp, err := g.fileClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram file download: request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram file download: status %d", resp.StatusCode)
	}

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return err
	}
	var src io.Reader = resp.Body
	if limit > 0 {
		src = io.LimitReader(resp.Body, limit+1)
	}
	n, copyErr := io.Copy(out, src)
	closeErr := out.Close()
	switch {
	case copyErr != nil:
		err = copyErr
	case closeErr != nil:
		err = closeErr
	case limit > 0 && n > limit:
		err = fmt.Errorf("%w: more than %d bytes", security.ErrTooLarge, limit)
	}
	if err != nil {
		os.Remove(dest)
		return err
	}
	return nil
}

// chatResponder answers into the chat a message came from.
type chatResponder struct {
	gateway *Gateway
	chatID  int64
}

func (r *chatResponder) Reply(ctx context.Context, text string) error {
	return r.gateway.sendText(ctx, r.chatID, text)
}

func (r *chatResponder) ReplyFile(ctx context.Context, path string) error {
	return r.gateway.sendDocument(ctx, r.chatID, path)
}

func (r *chatResponder) Fetch(ctx context.Context, att *control.Attachment, dest string) error {
	return r.gateway.downloadFile(ctx, att.ID, dest)
}

// --- Types ---

// Update represents a Telegram Bot API update.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

// Message represents a Telegram message.
type Message struct {
	MessageID int64     `json:"message_id"`
	From      *User     `json:"from,omitempty"`
	Chat      Chat      `json:"chat"`
	Text      string    `json:"text,omitempty"`
	Caption   string    `json:"caption,omitempty"`
	Document  *Document `json:"document,omitempty"`
}

// User represents a Telegram user.
type User struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

// Chat represents a Telegram chat.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// Document is a general file attached to a message.
type Document struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
}

// File is the result of getFile.
type File struct {
	FileID   string `json:"file_id"`
	FileSize int64  `json:"file_size,omitempty"`
	FilePath string `json:"file_path,omitempty"`
}
