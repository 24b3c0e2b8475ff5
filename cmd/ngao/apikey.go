package main

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var apiKeyIdentity string

var apiKeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Generate an HTTP gateway API key and its config digest",
	Long: `Generate a random API key for the HTTP gateway. Only the SHA-256 digest
goes into gateways.http.api_key_user_mapping; the key itself is shown once.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		key, digest, err := newAPIKey(rand.Reader)
		if err != nil {
			return err
		}
		printAPIKey(os.Stdout, key, digest, apiKeyIdentity)
		return nil
	},
}

func init() {
	apiKeyCmd.Flags().StringVar(&apiKeyIdentity, "identity", "", "identity the key maps to (must be an admin)")
}

// newAPIKey returns 32 random bytes as hex and the hex SHA-256 of that string.
func newAPIKey(r io.Reader) (key, digest string, err error) {
	b := make([]byte, 32)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", "", fmt.Errorf("generating API key: %w", err)
	}
	key = hex.EncodeToString(b)
	sum := sha256.Sum256([]byte(key))
	return key, hex.EncodeToString(sum[:]), nil
}

func printAPIKey(w io.Writer, key, digest, identity string) {
	if identity == "" {
		identity = "<admin id>"
	}
	fmt.Fprintf(w, "API key (shown once): %s\n\n", key)
	fmt.Fprintln(w, "Add to your config:")
	fmt.Fprintln(w, "gateways:")
	fmt.Fprintln(w, "  http:")
	fmt.Fprintln(w, "    api_key_user_mapping:")
	fmt.Fprintf(w, "      %q: %q\n", digest, identity)
}
