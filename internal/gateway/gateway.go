// Package gateway defines how transports plug into ngao. Each transport
// turns operator messages into control requests and delivers the replies.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Gateway is one transport (console, HTTP, Telegram).
type Gateway interface {
	// Start serves until ctx is cancelled or Stop is called. A nil return is
	// a clean exit, such as the console operator typing "exit".
	Start(ctx context.Context) error

	// Stop stops accepting work and waits for in-flight requests until ctx
	// expires.
	Stop(ctx context.Context) error
}

// ErrNoGateways is returned by Run when there is nothing to run.
var ErrNoGateways = errors.New("no gateways enabled")

// Run starts every gateway and blocks until ctx is done or the first one
// returns. It then stops them all in reverse order, allowing grace for
// in-flight requests, and returns the error that ended the run, if any.
func Run(ctx context.Context, logger *slog.Logger, grace time.Duration, gateways ...Gateway) error {
	if len(gateways) == 0 {
		return ErrNoGateways
	}

	done := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g Gateway) {
			done <- g.Start(ctx)
		}(gw)
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-done:
		if runErr != nil {
			logger.Error("gateway exited with error", slog.String("error", runErr.Error()))
		} else {
			logger.Info("gateway exited")
		}
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()
	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(stopCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}
	return runErr
}
