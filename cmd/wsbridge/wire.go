package main

import (
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/mr-carleone/server-for-nats/bridge"
	"github.com/mr-carleone/server-for-nats/config"
	"github.com/mr-carleone/server-for-nats/gateway"
	"github.com/mr-carleone/server-for-nats/health"
	"github.com/mr-carleone/server-for-nats/metric"
	"github.com/mr-carleone/server-for-nats/natsclient"
	"github.com/mr-carleone/server-for-nats/pkg/retry"
)

const (
	healthBroker        = "broker"
	streamMetricsPeriod = 15 * time.Second
)

func gatewayConfig(cfg *config.Config) gateway.Config {
	return gateway.Config{
		AllowedOrigins:  cfg.HTTP.AllowedOrigins,
		MaxRequestBytes: cfg.HTTP.MaxRequestBytes,
		SendRateLimit:   cfg.HTTP.SendRateLimit,
		SendBurst:       cfg.HTTP.SendBurst,
		Stream:          cfg.NATS.Stream,
		Subject:         cfg.NATS.Subject,
		RequestTimeout:  cfg.HTTP.RequestTimeout.Std(),
		WriteTimeout:    cfg.WebSocket.WriteTimeout.Std(),
		ReadLimit:       cfg.WebSocket.ReadLimit,
		PingInterval:    cfg.WebSocket.PingInterval.Std(),
	}
}

func listenerConfig(cfg *config.Config) bridge.Config {
	return bridge.Config{
		Stream:  cfg.NATS.Stream,
		Subject: cfg.NATS.Subject,
		Retry:   retryPolicy(cfg),
	}
}

// retryPolicy is shared by the listener's subscription and the startup
// connect, so one setting bounds how long the process waits on the broker.
func retryPolicy(cfg *config.Config) retry.Config {
	return retry.Config{
		MaxAttempts:  cfg.Listener.MaxAttempts,
		InitialDelay: cfg.Listener.InitialDelay.Std(),
		MaxDelay:     cfg.Listener.MaxDelay.Std(),
		Multiplier:   2.0,
		AddJitter:    true,
	}
}

func streamSpec(cfg *config.Config) natsclient.StreamSpec {
	storage := natsclient.FileStorage
	if cfg.NATS.Storage == config.StorageMemory {
		storage = natsclient.MemoryStorage
	}
	return natsclient.StreamSpec{
		Name:     cfg.NATS.Stream,
		Subjects: []string{cfg.NATS.Subject},
		Storage:  storage,
	}
}

// sessionOptions apply to every broker client. Per-request clients get only
// these; the listener's long-lived client adds metrics and health callbacks.
func sessionOptions(cfg *config.Config, logger *slog.Logger, tlsConfig *tls.Config) []natsclient.ClientOption {
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(logger),
		natsclient.WithTimeout(cfg.NATS.ConnectTimeout.Std()),
		natsclient.WithTLSConfig(tlsConfig),
	}
	if cfg.NATS.Name != "" {
		opts = append(opts, natsclient.WithName(cfg.NATS.Name))
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}
	return opts
}

func listenerClientOptions(
	cfg *config.Config,
	logger *slog.Logger,
	tlsConfig *tls.Config,
	metrics *metric.MetricsRegistry,
	monitor *health.Monitor,
) []natsclient.ClientOption {
	return append(sessionOptions(cfg, logger, tlsConfig),
		natsclient.WithMetrics(metrics),
		natsclient.WithStreamMetrics(metrics, streamMetricsPeriod, cfg.NATS.Stream),
		natsclient.WithDisconnectCallback(func(err error) {
			if err != nil {
				monitor.UpdateDegraded(healthBroker, "reconnecting: "+err.Error())
				return
			}
			monitor.UpdateDegraded(healthBroker, "reconnecting")
		}),
		natsclient.WithReconnectCallback(func() {
			monitor.UpdateHealthy(healthBroker, "connected")
		}),
	)
}
