// Package main runs the WebSocket to NATS JetStream bridge.
package main

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mr-carleone/server-for-nats/bridge"
	"github.com/mr-carleone/server-for-nats/config"
	"github.com/mr-carleone/server-for-nats/errors"
	"github.com/mr-carleone/server-for-nats/gateway"
	"github.com/mr-carleone/server-for-nats/health"
	"github.com/mr-carleone/server-for-nats/metric"
	"github.com/mr-carleone/server-for-nats/natsclient"
	"github.com/mr-carleone/server-for-nats/pkg/retry"
	"github.com/mr-carleone/server-for-nats/pkg/tlsutil"
	"github.com/mr-carleone/server-for-nats/registry"
)

// Build information
const (
	Version = "0.1.0"
	appName = "wsbridge"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		slog.Error("application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	cli, err := parseFlags(args, stderr)
	if err != nil {
		if stderrors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cli.ShowVersion {
		_, _ = fmt.Fprintf(stdout, "%s version %s\n", appName, Version)
		return nil
	}

	logger := setupLogger(stdout, cli.LogLevel, cli.LogFormat)
	slog.SetDefault(logger)

	cfg, err := config.Load(cli.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cli.Validate {
		logger.Info("configuration is valid", "config_path", cli.ConfigPath)
		_, _ = fmt.Fprint(stdout, cfg.String())
		return nil
	}

	logger.Info("starting wsbridge",
		"config_path", cli.ConfigPath,
		"http_addr", cfg.HTTP.Addr,
		"stream", cfg.NATS.Stream,
		"subject", cfg.NATS.Subject)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger, cli.ShutdownTimeout, nil)
}

// serve wires the bridge and blocks until ctx is done or the HTTP server
// fails. When ready is non-nil it receives the bound HTTP address once the
// broker session is up and the listener has been started.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, shutdownTimeout time.Duration, ready chan<- net.Addr) error {
	metrics := metric.NewMetricsRegistry()
	monitor := health.NewMonitor()
	connections := registry.New(
		registry.WithLogger(logger),
		registry.WithMetrics(metrics),
		registry.WithSendTimeout(cfg.WebSocket.WriteTimeout.Std()),
	)

	natsTLS, err := tlsutil.LoadClientTLSConfig(cfg.NATS.TLS)
	if err != nil {
		return fmt.Errorf("nats tls: %w", err)
	}
	httpTLS, err := tlsutil.LoadServerTLSConfig(cfg.HTTP.TLS)
	if err != nil {
		return fmt.Errorf("http tls: %w", err)
	}

	client, err := connectListenerSession(ctx, cfg, logger, natsTLS, metrics, monitor)
	if err != nil {
		return err
	}
	// Stop closes the client on the normal path; this covers early returns.
	defer func() { _ = client.Close(context.Background()) }()

	result, err := client.EnsureStream(ctx, streamSpec(cfg))
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", cfg.NATS.Stream, err)
	}
	logger.Info("durable stream ready", "stream", cfg.NATS.Stream, "subject", cfg.NATS.Subject, "result", result.String())

	listener, err := bridge.NewListener(listenerConfig(cfg), client, connections,
		bridge.WithLogger(logger),
		bridge.WithMetrics(metrics),
		bridge.WithHealth(monitor),
	)
	if err != nil {
		return err
	}

	server, err := gateway.NewServer(gatewayConfig(cfg), connections,
		natsclient.NewDialer(client.URL(), sessionOptions(cfg, logger, natsTLS)...),
		gateway.WithLogger(logger),
		gateway.WithMetrics(metrics),
		gateway.WithHealth(monitor),
	)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Handler:           server.Handler(),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout.Std(),
	}
	ln, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.HTTP.Addr, err)
	}
	if httpTLS != nil {
		ln = tls.NewListener(ln, httpTLS)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", "addr", ln.Addr().String(), "tls", httpTLS != nil)
		if err := httpServer.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		// A failed listener leaves the process serving with /health
		// reporting the failure.
		if err := listener.Start(gctx); err != nil && gctx.Err() == nil {
			logger.Error("bridge listener not running", "state", listener.State().String(), "error", err)
		}
		if ready != nil {
			ready <- ln.Addr()
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "timeout", shutdownTimeout)
		return shutdown(httpServer, server, connections, listener, shutdownTimeout, logger)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("wsbridge shutdown complete")
	return nil
}

// connectListenerSession connects the listener's long-lived broker session,
// retrying with the listener's policy while the broker comes up.
func connectListenerSession(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	tlsConfig *tls.Config,
	metrics *metric.MetricsRegistry,
	monitor *health.Monitor,
) (*natsclient.Client, error) {
	client, err := natsclient.NewClient(cfg.NATS.URL, listenerClientOptions(cfg, logger, tlsConfig, metrics, monitor)...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	policy := retryPolicy(cfg)
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Warn("broker not reachable, retrying", "attempt", attempt, "delay", delay, "error", err)
	}
	if err := retry.Do(ctx, policy, func() error { return client.Connect(ctx) }); err != nil {
		monitor.Update(healthBroker, health.FromError(healthBroker, err))
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	monitor.UpdateHealthy(healthBroker, "connected")
	return client, nil
}

// shutdown stops accepting requests, closes duplex connections, then stops
// the listener, which closes its broker session.
func shutdown(
	httpServer *http.Server,
	server *gateway.Server,
	connections *registry.Registry,
	listener *bridge.Listener,
	timeout time.Duration,
	logger *slog.Logger,
) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	connections.CloseAll()
	done := make(chan struct{})
	go func() {
		server.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn("duplex connections did not finish before shutdown timeout")
	}

	remaining := time.Until(deadlineOf(ctx))
	if remaining <= 0 {
		remaining = time.Second
	}
	if err := listener.Stop(remaining); err != nil && !stderrors.Is(err, errors.ErrNotStarted) {
		errs = append(errs, err)
	}

	return stderrors.Join(errs...)
}

func deadlineOf(ctx context.Context) time.Time {
	deadline, _ := ctx.Deadline()
	return deadline
}
