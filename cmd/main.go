// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main wires the plain and TLS-terminating relay servers
// together with logging, metrics, and health endpoints.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/absmach/relay/pkg/health"
	"github.com/absmach/relay/pkg/metrics"
	"github.com/absmach/relay/pkg/server/tcp"
	"github.com/absmach/relay/pkg/tlscfg"
)

const (
	plainPrefix  = "RELAY_PLAIN_"
	securePrefix = "RELAY_TLS_"
)

// serverConfig configures one acceptor. Two instances are parsed, one
// per env prefix.
type serverConfig struct {
	Address         string        `env:"ADDRESS"`
	Target          string        `env:"TARGET"           envDefault:"localhost:8081"`
	CertFile        string        `env:"CERT_FILE"        envDefault:"x509/server.cer"`
	KeyFile         string        `env:"KEY_FILE"         envDefault:"x509/server.key"`
	DialTimeout     time.Duration `env:"DIAL_TIMEOUT"     envDefault:"10s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	MaxConnections  int           `env:"MAX_CONNECTIONS"  envDefault:"0"`
	BufferSize      int           `env:"BUFFER_SIZE"      envDefault:"4096"`
	TCPKeepAlive    time.Duration `env:"TCP_KEEPALIVE"    envDefault:"0"`
}

type observabilityConfig struct {
	LogLevel    string `env:"RELAY_LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"RELAY_LOG_FORMAT"   envDefault:"json"`
	MetricsPort int    `env:"RELAY_METRICS_PORT" envDefault:"9090"`
	HealthPort  int    `env:"RELAY_HEALTH_PORT"  envDefault:"8080"`
}

func main() {
	// Load .env before any parsing so its values are visible to both
	// config passes; logging waits until the logger is configured.
	dotenvErr := godotenv.Load()

	obsCfg := observabilityConfig{}
	if err := env.Parse(&obsCfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse config: %v\n", err)
		os.Exit(1)
	}
	logger := setupLogger(obsCfg.LogLevel, obsCfg.LogFormat)
	if dotenvErr != nil {
		logger.Warn("no .env file found, using environment variables", slog.String("error", dotenvErr.Error()))
	}

	plainCfg := serverConfig{Address: "localhost:3000"}
	if err := env.ParseWithOptions(&plainCfg, env.Options{Prefix: plainPrefix}); err != nil {
		logger.Error("failed to parse plain listener config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	secureCfg := serverConfig{Address: "localhost:3001"}
	if err := env.ParseWithOptions(&secureCfg, env.Options{Prefix: securePrefix}); err != nil {
		logger.Error("failed to parse secure listener config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	m := metrics.New("relay")

	plainServer := tcp.New(tcp.Config{
		Address:         plainCfg.Address,
		TargetAddress:   plainCfg.Target,
		DialTimeout:     plainCfg.DialTimeout,
		ShutdownTimeout: plainCfg.ShutdownTimeout,
		MaxConnections:  plainCfg.MaxConnections,
		BufferSize:      plainCfg.BufferSize,
		TCPKeepAlive:    plainCfg.TCPKeepAlive,
		Logger:          logger,
		Metrics:         m,
	})

	// Certificate or key problems prevent the secure acceptor from
	// starting, and the process requires both acceptors.
	tlsConfig, err := tlscfg.NewServerConfig(tlscfg.FileProvider{
		CertFile: secureCfg.CertFile,
		KeyFile:  secureCfg.KeyFile,
	})
	if err != nil {
		logger.Error("failed to build TLS termination config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	secureServer := tcp.New(tcp.Config{
		Address:         secureCfg.Address,
		TargetAddress:   secureCfg.Target,
		TLSConfig:       tlsConfig,
		DialTimeout:     secureCfg.DialTimeout,
		ShutdownTimeout: secureCfg.ShutdownTimeout,
		MaxConnections:  secureCfg.MaxConnections,
		BufferSize:      secureCfg.BufferSize,
		TCPKeepAlive:    secureCfg.TCPKeepAlive,
		Logger:          logger,
		Metrics:         m,
	})

	healthChecker := health.NewChecker(10 * time.Second)
	healthChecker.Register("upstream", health.UpstreamCheck(plainCfg.Target, 5*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	// The process is alive only while both acceptors are: either
	// listener failing fails the whole group.
	g.Go(func() error {
		return plainServer.Listen(ctx)
	})
	g.Go(func() error {
		return secureServer.Listen(ctx)
	})

	g.Go(func() error {
		return serveHTTP(ctx, obsCfg.MetricsPort, metricsHandler(), "metrics")
	})
	g.Go(func() error {
		return serveHTTP(ctx, obsCfg.HealthPort, healthHandler(healthChecker), "health")
	})

	g.Go(func() error {
		return stopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error("relay service terminated with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("relay service stopped")
}

func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if strings.ToLower(format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func healthHandler(checker *health.Checker) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", checker.HTTPHandler())
	mux.HandleFunc("/live", health.LivenessHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	return mux
}

func serveHTTP(ctx context.Context, port int, handler http.Handler, name string) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("%s server failed: %w", name, err)
	}
}

func stopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-c:
		logger.Info("received shutdown signal")
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
