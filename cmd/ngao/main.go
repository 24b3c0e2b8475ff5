// ngao is a remote administration bot: it runs shell commands, browses and
// transfers files, and reports host statistics for a fixed set of
// administrators, over Telegram, a local console or an HTTP API.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ngao",
	Short: "ngao is a remote administration bot for a single host.",
	Long: `ngao lets a fixed set of administrators run shell commands, browse,
download and upload files, and read host statistics on the machine it runs on.
Requests arrive over Telegram, the local console or an authenticated HTTP API.
Every path is confined to the sandbox root and every action is audited.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, consoleCmd, checkConfigCmd, queryCmd, apiKeyCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
