package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/streamnode/node/internal/config"
	"github.com/streamnode/node/internal/hostmetrics"
	"github.com/streamnode/node/internal/metrics"
	"github.com/streamnode/node/internal/mock"
	"github.com/streamnode/node/internal/session"
	"github.com/streamnode/node/internal/stats"
	"github.com/streamnode/node/internal/ws"
	"golang.org/x/sync/errgroup"
)

func main() {
	mockMode := flag.Bool("mock", false, "Use simulated players and media connections")
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	flag.Parse()

	if err := run(*configPath, *port, *mockMode); err != nil {
		fmt.Fprintf(os.Stderr, "node: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, port int, mockMode bool) error {
	// A missing .env file is fine; the environment may be set elsewhere.
	envErr := godotenv.Load()

	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return err
	}
	if port > 0 {
		cfg.Server.Port = port
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := cfg.Logging.NewLogger(os.Stderr)
	slog.SetDefault(logger)
	if envErr != nil && !os.IsNotExist(envErr) {
		logger.Warn("Failed to load .env", slog.String("error", envErr.Error()))
	}

	m := metrics.New()
	broadcaster := stats.NewBroadcaster(stats.Options{
		Interval: cfg.Sessions.StatsInterval,
		Sampler:  hostmetrics.NewSampler(nil),
		Logger:   logger,
		OnTickFailure: func(*session.Session, error) {
			m.RecordStatsTickFailure()
		},
	})
	metricsListener := metrics.NewListener(m, nil)

	sessOpts := session.Options{
		ResumeTimeout:      cfg.Sessions.ResumeTimeout,
		MaxPendingMessages: cfg.Sessions.MaxPendingMessages,
		Logger:             logger,
	}

	var planner *mock.Planner
	if mockMode {
		logger.Info("Starting in mock mode")
		if cfg.Mock.RoutePlannerBlock != "" {
			planner, err = mock.NewPlanner(cfg.Mock.RoutePlannerBlock)
			if err != nil {
				return fmt.Errorf("mock route planner: %w", err)
			}
		}
		media := mock.NewMediaBackend(cfg.Mock.ReadyDelay)
		sessOpts.Media = media
		sessOpts.Players = mock.NewPlayerManager(mock.Options{
			TickInterval:   cfg.Mock.TickInterval,
			UpdateInterval: cfg.Sessions.PlayerUpdateInterval,
			Media:          media,
			Planner:        planner,
			Logger:         logger,
		})
	} else {
		logger.Warn("No audio engine configured; player requests will be rejected. Use -mock for simulated players")
	}

	registry := session.NewRegistry(sessOpts, broadcaster, metricsListener)
	broadcaster.SetSource(registry)
	metricsListener.SetSource(registry)

	server := ws.NewServer(registry, broadcaster, ws.Options{
		Password:        cfg.Server.Password,
		MaxConnections:  cfg.Server.MaxConnections,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		Logger:          logger,
		OnListenerError: m.RecordListenerFailures,
	})
	if planner != nil {
		server.SetRoutePlanner(planner)
	}
	if cfg.Metrics.Prometheus.Enabled {
		server.SetMetricsHandler(cfg.Metrics.Prometheus.Endpoint, m.Handler())
	}
	handler := server.Handler()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ws.ListenAndServe(gctx, cfg.Addr(), handler, logger)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down sessions")
		registry.Shutdown()
		broadcaster.Stop()
		return nil
	})

	return g.Wait()
}
