// Command oauth2-server runs the OAuth 2.0 authorization server over HTTP.
//
// Usage:
//
//	oauth2-server [-config oauth2.yaml]                     serve
//	oauth2-server [-config oauth2.yaml] register-client -name App -redirect-uri https://app/cb -scope "read write"
//	oauth2-server [-config oauth2.yaml] revoke-client -id <client id>
//	oauth2-server [-config oauth2.yaml] list-clients
//
// The client commands operate on the configured store, so they are only useful
// with a persistent backend.
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
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"golang.org/x/sync/errgroup"

	oauth "github.com/giantswarm/oauth2-server"
	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/internal/config"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/server"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("oauth2-server", flag.ContinueOnError)
	configPath := fs.String("config", os.Getenv("OAUTH2_CONFIG"), "path to a YAML configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	zl, err := newZapLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()
	logger := slog.New(zapslog.NewHandler(zl.Core(), zapslog.WithCaller(true)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd := fs.Arg(0); cmd {
	case "", "serve":
		return serve(ctx, cfg, logger)
	case "register-client", "revoke-client", "list-clients":
		return runClientCommand(ctx, cfg, logger, cmd, fs.Args()[1:], os.Stdout)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func newZapLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	zcfg.Level = level
	return zcfg.Build()
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	instCfg := instrumentation.Config{
		ServiceName:          "oauth2-server",
		ServiceVersion:       version,
		Enabled:              cfg.Telemetry.Enabled,
		TracesExporter:       cfg.Telemetry.TracesExporter,
		LogClientIPs:         cfg.Telemetry.LogClientIPs,
		PrometheusRegisterer: registry,
	}
	if cfg.Telemetry.MetricsPath != "" {
		instCfg.MetricsExporter = instrumentation.ExporterPrometheus
	}
	inst, err := instrumentation.New(instCfg)
	if err != nil {
		return fmt.Errorf("failed to set up instrumentation: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := inst.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to flush telemetry", "error", err)
		}
	}()

	store, closeStore, err := openStore(ctx, cfg.Storage, logger, inst)
	if err != nil {
		return err
	}
	defer closeStore()

	auditor := security.NewAuditor(logger, cfg.Log.Audit)
	srv, err := server.NewWithStore(store, cfg.ServerConfig(), logger,
		server.WithAuditor(auditor),
		server.WithInstrumentation(inst))
	if err != nil {
		return err
	}

	handler, err := oauth.NewHandler(srv, cfg.HandlerConfig(),
		oauth.WithAuditor(auditor),
		oauth.WithInstrumentation(inst))
	if err != nil {
		return err
	}
	defer handler.Close()

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	handler.Register(router)
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if cfg.Telemetry.MetricsPath != "" {
		router.Handle(cfg.Telemetry.MetricsPath, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Listening", "addr", cfg.HTTP.ListenAddr, "storage", cfg.Storage.Type, "version", version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		logger.Info("Shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return srv.Sweeper.Run(gctx)
	})

	return g.Wait()
}
