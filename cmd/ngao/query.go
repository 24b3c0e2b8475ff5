package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"

	"github.com/jkaninda/ngao/internal/gateway/httpapi"
)

// Exit codes for the query command.
const (
	ExitSuccess            = 0
	ExitFailure            = 1
	ExitDenied             = 2
	ExitGatewayUnavailable = 3
)

var (
	queryText       string
	queryGatewayURL string
	queryAPIKey     string
	queryTimeout    int
	queryOutDir     string
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Send one command to a running ngao HTTP gateway",
	Long: `Send a single command to the ngao HTTP gateway and print the replies.
The command uses the same syntax as a chat message. Files the command
replies with are written to --out.

Examples:
  ngao query -m "/sysinfo"
  ngao query -m "!df -h"
  ngao query -m "/download etc/hosts" --out /tmp

Exit codes:
  0  success
  1  request failure
  2  unauthorized, forbidden or rate limited
  3  gateway unavailable`,
	RunE: runQuery,
}

func init() {
	queryCmd.Flags().StringVarP(&queryText, "message", "m", "", "command to send (required)")
	queryCmd.Flags().StringVar(&queryGatewayURL, "gateway-url", "http://localhost:8080", "gateway HTTP API URL")
	queryCmd.Flags().StringVar(&queryAPIKey, "api-key", "", "API key for gateway authentication (or NGAO_API_KEY env)")
	queryCmd.Flags().IntVar(&queryTimeout, "timeout", 300, "timeout in seconds")
	queryCmd.Flags().StringVar(&queryOutDir, "out", ".", "directory for files the command replies with")

	_ = queryCmd.MarkFlagRequired("message")
}

func runQuery(_ *cobra.Command, _ []string) error {
	if strings.TrimSpace(queryText) == "" {
		return fmt.Errorf("message is required: use -m flag")
	}

	// Resolve API key from flag or env.
	apiKey := goutils.Env("NGAO_API_KEY", queryAPIKey)
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: API key required (use --api-key or set NGAO_API_KEY)")
		os.Exit(ExitDenied)
	}
	gatewayURL := goutils.Env("NGAO_GATEWAY_URL", queryGatewayURL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(queryTimeout)*time.Second)
	defer cancel()

	result, status, err := sendCommand(ctx, http.DefaultClient, gatewayURL, apiKey, queryText)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(status))
	}

	for _, reply := range result.Replies {
		fmt.Println(reply)
	}
	saved, err := saveFiles(queryOutDir, result.Files)
	for _, p := range saved {
		fmt.Fprintf(os.Stderr, "[file] %s\n", p)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitFailure)
	}
	fmt.Fprintf(os.Stderr, "[correlation_id=%s]\n", result.CorrelationID)
	return nil
}

// sendCommand posts text to /v1/command. status is 0 when the gateway could
// not be reached.
func sendCommand(ctx context.Context, client *http.Client, gatewayURL, apiKey, text string) (*httpapi.CommandResponse, int, error) {
	body, err := json.Marshal(httpapi.CommandRequest{Text: text})
	if err != nil {
		return nil, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(gatewayURL, "/")+"/v1/command", bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("cannot reach gateway at %s: %w", gatewayURL, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		var result httpapi.CommandResponse
		if err := json.Unmarshal(respBody, &result); err != nil {
			return nil, resp.StatusCode, fmt.Errorf("decoding gateway response: %w", err)
		}
		return &result, resp.StatusCode, nil
	case http.StatusUnauthorized:
		return nil, resp.StatusCode, fmt.Errorf("unauthorized (check API key)")
	case http.StatusTooManyRequests:
		return nil, resp.StatusCode, fmt.Errorf("rate limited, try again later")
	default:
		return nil, resp.StatusCode, fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
}

func exitCodeFor(status int) int {
	switch status {
	case 0, http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return ExitGatewayUnavailable
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
		return ExitDenied
	default:
		return ExitFailure
	}
}

// saveFiles decodes every file into dir under its base name and returns the
// paths written.
func saveFiles(dir string, files []httpapi.FileBody) ([]string, error) {
	if len(files) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating %s: %w", dir, err)
	}
	var saved []string
	for _, f := range files {
		data, err := base64.StdEncoding.DecodeString(f.Content)
		if err != nil {
			return saved, fmt.Errorf("decoding %s: %w", f.Name, err)
		}
		dest := filepath.Join(dir, filepath.Base(f.Name))
		if err := os.WriteFile(dest, data, 0600); err != nil {
			return saved, fmt.Errorf("writing %s: %w", dest, err)
		}
		saved = append(saved, dest)
	}
	return saved, nil
}
