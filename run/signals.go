package run

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ridge/hserve/tlog"
	"go.uber.org/zap"
)

var exit = os.Exit

// handleSignals returns on the first signal, which closes the context of the
// top-level task. Another signal while the task is winding down exits the
// process.
func handleSignals(ctx context.Context) error {
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	select {
	case sig := <-signals:
		tlog.Get(ctx).Info("Received signal, terminating", zap.Stringer("signal", sig))
	case <-ctx.Done():
		signal.Stop(signals)
		return ctx.Err()
	}

	go func() {
		defer signal.Stop(signals)
		sig := <-signals
		tlog.Get(ctx).Warn("Received second signal, exiting immediately", zap.Stringer("signal", sig))
		exit(1)
	}()
	return nil
}
