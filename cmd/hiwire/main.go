package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hiwire/internal/config"
	"hiwire/internal/handler"
	"hiwire/internal/logging"
	"hiwire/internal/metrics"
	"hiwire/internal/publisher"
	"hiwire/internal/server"
	"hiwire/internal/upstream"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("hiwire exited", "error", err)
		os.Exit(1)
	}
}

// run wires the service and blocks until shutdown. Deferred cleanup runs
// before main exits.
func run(args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// CLI flags
	fs := flag.NewFlagSet("hiwire", flag.ContinueOnError)
	fs.IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	fs.StringVar(&cfg.Endpoint, "endpoint", cfg.Endpoint, "Default RealTimeManager endpoint URL")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Address for the Prometheus /metrics listener (empty disables)")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("flags: %w", err)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := logging.New(os.Stderr, level, cfg.LogJSON)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Metrics are optional; observers stay nil interfaces when disabled.
	var (
		reqObs   upstream.RequestObserver
		cacheObs upstream.CacheObserver
		feedObs  handler.FeedMetrics
		natsObs  publisher.Metrics
	)
	if cfg.MetricsAddr != "" {
		mcol := metrics.NewCollector()
		mcol.Serve(ctx, cfg.MetricsAddr, logger)
		reqObs, cacheObs, feedObs, natsObs = mcol, mcol, mcol, mcol
	}

	client := upstream.NewClient(cfg.UpstreamTimeout, logger, reqObs)
	cache := upstream.NewCache(client, upstream.CacheOptions{
		LinesTTL: cfg.LinesTTL,
		TripsTTL: cfg.TripsTTL,
		Observer: cacheObs,
	})

	var pub handler.FeedPublisher
	if cfg.NATSURL != "" {
		np, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubject, logger, natsObs)
		if err != nil {
			return fmt.Errorf("nats connect %s: %w", cfg.NATSURL, err)
		}
		defer np.Close()
		pub = np
		logger.Info("publishing feeds to nats", "subject", cfg.NATSSubject)
	}

	h := handler.New(cache, cfg, pub, feedObs, logger)
	srv := server.New(cfg, h, logger)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.LogError(logger, "shutdown", err)
		}
	}()

	logger.Info("serving trip updates", "endpoint", cfg.Endpoint,
		"lines_ttl", cfg.LinesTTL, "trips_ttl", cfg.TripsTTL)
	if err := srv.ListenAndServe(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	// ListenAndServe returns as soon as Shutdown starts; wait for in-flight requests.
	<-stopped
	return nil
}
