// Command stompd runs the STOMP 1.2 session engine over TCP, optionally
// alongside a STOMP-over-WebSocket listener and a Prometheus metrics
// endpoint, wired together the way the reference broker's public/service
// composes its listeners under one errgroup.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stompd/broker/broker"
	"github.com/stompd/broker/config"
	"github.com/stompd/broker/frame"
	"github.com/stompd/broker/internal/metrics"
	"github.com/stompd/broker/internal/observability"
	"github.com/stompd/broker/transport/tcp"
	"github.com/stompd/broker/transport/ws"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	logger := configureLogger(os.Getenv("STOMPD_LOG_LEVEL"), os.Getenv("STOMPD_LOG_TYPE"))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load config", "err", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("stompd exited with error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	shutdownTracing, err := observability.Init(ctx, observability.Config{
		Enabled:      cfg.Tracing.Enabled,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		Insecure:     cfg.Tracing.Insecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
		ServiceName:  cfg.Tracing.ServiceName,
	}, logger)
	if err != nil {
		logger.Warn("tracing disabled after init failure", "err", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = shutdownTracing(stopCtx)
	}()

	eng, err := broker.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("build broker server: %w", err)
	}
	defer eng.Close()

	lim := frame.Limits{
		MaxBodyLength:   cfg.MaxBodyLength,
		MaxHeaderLength: cfg.MaxHeaderLength,
		MaxHeaders:      cfg.MaxHeaders,
		TrailingLine:    cfg.TrailingLine,
	}

	eg, egCtx := errgroup.WithContext(ctx)

	tcpSrv := tcp.New(cfg.Addr, eng, lim, logger)
	eg.Go(func() error { return tcpSrv.ListenAndServe(egCtx) })

	if cfg.WSAddr != "" {
		wsSrv := ws.New(cfg.WSAddr, "/stomp", eng, lim, logger)
		eg.Go(func() error { return wsSrv.ListenAndServe(egCtx) })
	}

	if cfg.Metrics.Enabled {
		metricsSrv := &http.Server{Addr: cfg.Metrics.Addr, Handler: metricsHandler(cfg.Metrics.Path)}
		eg.Go(func() error {
			<-egCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
		eg.Go(func() error {
			logger.Info("metrics server started", "addr", cfg.Metrics.Addr, "path", cfg.Metrics.Path)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics: listen: %w", err)
			}
			return nil
		})
	}

	return eg.Wait()
}

func metricsHandler(path string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(path, metrics.Handler())
	return mux
}

func configureLogger(level, kind string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	var h slog.Handler
	switch strings.ToLower(kind) {
	case "json":
		h = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		h = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	return slog.New(h)
}
