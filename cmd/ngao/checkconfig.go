package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jkaninda/ngao/internal/config"
)

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the configuration and print the effective settings",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}
		printSummary(os.Stdout, cfg, path)
		return nil
	},
}

func init() {
	addConfigFlag(checkConfigCmd)
}

// printSummary writes the effective configuration. Secrets are never printed.
func printSummary(w io.Writer, cfg *config.Config, path string) {
	allowed := "(unrestricted)"
	if len(cfg.Shell.AllowedCommands) > 0 {
		allowed = strings.Join(cfg.Shell.AllowedCommands, ", ")
	}

	fmt.Fprintf(w, "Configuration OK (%s)\n", path)
	fmt.Fprintf(w, "  base dir:          %s\n", cfg.BaseDir)
	fmt.Fprintf(w, "  data dir:          %s\n", cfg.ResolvedDataDir())
	fmt.Fprintf(w, "  admins:            %d\n", len(cfg.Admins))
	fmt.Fprintf(w, "  allowed commands:  %s\n", allowed)
	fmt.Fprintf(w, "  command timeout:   %s\n", cfg.Shell.Timeout())
	fmt.Fprintf(w, "  max reply chars:   %d\n", cfg.Limits.MaxTextChars)
	fmt.Fprintf(w, "  max transfer:      %s\n", humanize.IBytes(uint64(cfg.Limits.MaxTransferBytes)))
	fmt.Fprintf(w, "  power commands:    %s\n", onOff(cfg.Power.Enabled))
	fmt.Fprintf(w, "  audit driver:      %s\n", cfg.Audit.Driver)
	fmt.Fprintf(w, "  telegram gateway:  %s\n", onOff(cfg.TelegramEnabled()))
	fmt.Fprintf(w, "  http gateway:      %s\n", onOff(cfg.HTTPEnabled()))
	fmt.Fprintf(w, "  console gateway:   %s\n", onOff(cfg.Gateways.CLI != nil && cfg.Gateways.CLI.Enabled))
}

func onOff(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}
