package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jkaninda/ngao/internal/gateway"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Run an interactive console on this host only",
	Long: `Start a read-eval-print loop on the local terminal. Requests go through the
same access gate, policy and audit trail as remote ones, under the identity
set in gateways.cli.identity (default: the first admin). Telegram and HTTP
gateways are not started.`,
	RunE: runConsole,
}

func init() {
	addConfigFlag(consoleCmd)
}

func runConsole(_ *cobra.Command, _ []string) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}

	logger, logCloser := newLogger(cfg.Logging)
	defer logCloser.Close()
	logger.Debug("starting console", slog.String("config", path))

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	return serve(sc, []gateway.Gateway{newConsoleGateway(cfg, sc)})
}
