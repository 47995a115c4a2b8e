// hserve is a demo server: an HTTP API, a WebSocket echo endpoint and a
// Prometheus endpoint, served through the serve package.
package main

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/ridge/hserve/config"
	"github.com/ridge/hserve/keepalive"
	"github.com/ridge/hserve/metrics"
	"github.com/ridge/hserve/retry"
	"github.com/ridge/hserve/run"
	"github.com/ridge/hserve/serve"
	"github.com/ridge/hserve/tcontext"
	"github.com/ridge/hserve/thttp"
	"github.com/ridge/hserve/tlog"
	"github.com/ridge/hserve/tnet"
	"github.com/ridge/parallel"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	var configFile, envFile string
	pflag.StringVar(&configFile, "config", "hserve.yaml", "YAML configuration file, skipped if missing")
	pflag.StringVar(&envFile, "env-file", ".env", "Environment file with HSERVE_* overrides, skipped if missing")
	pflag.Parse()

	run.Server(func(ctx context.Context) error {
		cfg, err := config.Load(configFile, envFile)
		if err != nil {
			return err
		}
		return Run(ctx, cfg)
	})
}

// Run serves until ctx is closed, then shuts the server down gracefully
func Run(ctx context.Context, cfg config.Config) error {
	opts, err := cfg.ServeOptions()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	opts.Observer = metrics.New(reg)

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		if cfg.Metrics.Addr != "" {
			l, err := tnet.Listen(cfg.Metrics.Addr)
			if err != nil {
				return err
			}
			spawn("metrics", parallel.Fail, thttp.NewServer(l, thttp.StandardMiddleware(metrics.Handler(reg))).Run)
		}
		spawn("serve", parallel.Fail, func(ctx context.Context) error {
			return serveUntilDone(ctx, newHandler(cfg.RateLimit).serve, opts, cfg.Server.ShutdownTimeout)
		})
		return nil
	})
}

// bindRetry covers a previous instance still holding the port during a
// restart
var bindRetry = retry.Config{Min: 100 * time.Millisecond, Max: 2 * time.Second, Scale: 2, MaxAttempts: 10}

// serveUntilDone serves with the handler until ctx is closed or nothing keeps
// the server alive any more (see serve.Server.Unref). Requests in flight then
// get up to timeout to complete before the server is closed abruptly.
//
// Returns nil if the server was let go, and ctx.Err() if ctx was closed.
func serveUntilDone(ctx context.Context, handler serve.Func2, opts serve.Options, timeout time.Duration) error {
	serveCtx, abort := context.WithCancel(tcontext.Reopen(ctx))
	defer abort()

	if opts.KeepAlive == nil {
		opts.KeepAlive = keepalive.NewTracker()
	}

	server, err := retry.Do1(ctx, bindRetry, func() (*serve.Server, error) {
		server, err := serve.Serve(serveCtx, handler, opts)
		return server, tnet.MaybeRetriableError(err)
	})
	if err != nil {
		return err
	}

	logger := tlog.Get(ctx)
	select {
	case <-server.Finished():
		return server.Wait(serveCtx)
	case <-opts.KeepAlive.Idle():
		logger.Info("Nothing keeps the server alive, shutting down")
		return shutdown(ctx, server, abort, timeout)
	case <-ctx.Done():
		logger.Info("Shutting down")
		if err := shutdown(ctx, server, abort, timeout); err != nil {
			return err
		}
		return ctx.Err()
	}
}

// shutdown closes the server gracefully, and abruptly once timeout expires
func shutdown(ctx context.Context, server *serve.Server, abort context.CancelFunc, timeout time.Duration) error {
	logger := tlog.Get(ctx)

	shutdownCtx, cancel := context.WithTimeout(tcontext.Reopen(ctx), timeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Graceful shutdown failed, closing", zap.Error(err))
		abort()
	}
	if err := server.Wait(tcontext.Reopen(ctx)); err != nil {
		return err
	}
	if errors.Is(shutdownCtx.Err(), context.DeadlineExceeded) {
		logger.Warn("Requests in flight were cut off")
	}
	return nil
}
