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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/cable/internal/archive"
	"github.com/rickgao/cable/internal/backend"
	"github.com/rickgao/cable/internal/config"
	"github.com/rickgao/cable/internal/connection"
	"github.com/rickgao/cable/internal/database"
	"github.com/rickgao/cable/internal/metrics"
	"github.com/rickgao/cable/internal/rooms"
	"github.com/rickgao/cable/internal/router"
	"github.com/rickgao/cable/internal/server"
	"github.com/rickgao/cable/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to config file (defaults when empty)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Set up structured logging
	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting cabled",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("cabled failed", "error", err)
		os.Exit(1)
	}

	logger.Info("cabled stopped")
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadAndValidate(path)
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level, err := cfg.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// Metrics
	var (
		m   *metrics.Metrics
		reg *prometheus.Registry
	)
	if cfg.Metrics.IsEnabled() {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m = metrics.New(reg)
	}

	// Backend
	b := backend.NewInMemory(backend.Config{
		FeedBufferSize: cfg.Backend.FeedBufferSize,
		FeedMaxSize:    cfg.Backend.FeedMaxSize,
	}, backend.WithLogger(logger), backend.WithMetrics(m))
	defer b.Close()

	// Router
	r := router.New(b, router.Config{
		RateLimit:    cfg.Router.RateLimit,
		RateBurst:    cfg.Router.RateBurst,
		Subprotocols: cfg.Server.Subprotocols,
	},
		router.WithLogger(logger),
		router.WithMetrics(m),
		router.WithUpgrader(server.NewUpgrader(cfg.Server.AllowedOrigins)),
		router.WithTransportConfig(connection.TransportConfig{
			ReadLimit:    cfg.Connection.ReadLimit,
			WriteTimeout: cfg.Connection.WriteTimeout,
			PingInterval: cfg.Connection.PingInterval,
			PongWait:     cfg.Connection.PongWait,
		}),
	)
	for _, rc := range cfg.Router.Routes {
		factory, err := rooms.Factory(rc.Handler, b)
		if err != nil {
			return fmt.Errorf("route %s: %w", rc.Pattern, err)
		}
		if err := r.Handle(rc.Pattern, factory); err != nil {
			return fmt.Errorf("route %s: %w", rc.Pattern, err)
		}
		logger.Info("route registered", "pattern", rc.Pattern, "handler", rc.Handler)
	}

	srvOpts := []server.Option{server.WithLogger(logger)}
	if reg != nil {
		srvOpts = append(srvOpts, server.WithMetricsHandler(metrics.Handler(reg)))
	}

	// Archive
	var archiver *archive.Archiver
	if cfg.Archive.Enabled {
		db := cfg.Archive.Database
		logger.Info("connecting to database",
			"host", db.Host,
			"port", db.Port,
			"database", db.Name,
		)

		pool, err := database.Connect(ctx, db)
		if err != nil {
			return fmt.Errorf("connect archive database: %w", err)
		}
		defer pool.Close()

		if err := database.EnsureSchema(ctx, pool); err != nil {
			return err
		}
		logger.Info("database connected")

		archiver = archive.New(archive.Config{
			Topics:        cfg.Archive.Topics,
			BatchSize:     cfg.Archive.BatchSize,
			FlushInterval: cfg.Archive.FlushInterval,
		}, b, archive.NewPGStore(pool),
			archive.WithLogger(logger),
			archive.WithMetrics(m),
		)
		if err := archiver.Start(ctx); err != nil {
			return fmt.Errorf("start archiver: %w", err)
		}

		srvOpts = append(srvOpts, server.WithHealthCheck("archive_db", pool.Ping))
	}

	handler := server.New(server.Config{
		WSPath:      cfg.Server.WSPath,
		PublishPath: cfg.Server.PublishPath,
		MetricsPath: cfg.Metrics.Path,
	}, b, r, srvOpts...)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.Server.Addr, "ws_path", cfg.Server.WSPath)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "timeout", cfg.Server.ShutdownTimeout)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Stop accepting, then end the hijacked websocket sessions
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server shutdown", "error", err)
		}
		if err := r.Shutdown(shutdownCtx); err != nil {
			logger.Warn("router shutdown", "error", err)
		}
		if archiver != nil {
			if err := archiver.Stop(shutdownCtx); err != nil {
				logger.Warn("archiver stop", "error", err)
			}
			logger.Info("archive stats", "stats", archiver.Stats())
		}
		return nil
	})

	return g.Wait()
}
