package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/kodo/internal/config"
	"github.com/jkaninda/kodo/internal/dispatch"
	"github.com/jkaninda/kodo/internal/gateway/httpapi"
	"github.com/jkaninda/kodo/internal/queue"
	"github.com/jkaninda/kodo/internal/ratelimit"
	"github.com/jkaninda/kodo/internal/retention"
)

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the run workers",
	RunE:  runServe,
}

func init() {
	// Register on both root and serve so that `kodo --port :9090` works too.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != "" {
		cfg.Gateway.ListenAddr = servePort
	}
	logger := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	q, err := initQueue(cfg, sc)
	if err != nil {
		return fmt.Errorf("initializing queue: %w", err)
	}
	defer func() {
		if err := q.Close(); err != nil {
			logger.Error("closing queue", slog.String("error", err.Error()))
		}
	}()

	reg := sc.MetricsRegistry()
	dispatcher := dispatch.New(sc.Store.Runs(), q, sc.Driver,
		dispatch.WithWorkers(cfg.Queue.Workers),
		dispatch.WithMaxAttempts(cfg.Queue.MaxAttempts),
		dispatch.WithMetrics(dispatch.NewMetrics(reg)),
		dispatch.WithEvents(sc.Broker),
		dispatch.WithLogger(logger),
	)

	if cfg.Retention != nil && cfg.Retention.Enabled {
		sweeper, err := retention.New(sc.StepStore, sc.Store.Runs(), cfg.Retention.CronSchedule(),
			retention.WithMaxAge(cfg.Retention.MaxAge()),
			retention.WithMetrics(retention.NewMetrics(reg)),
			retention.WithLogger(logger),
		)
		if err != nil {
			return err
		}
		cancelSweeper := sweeper.Start(ctx)
		defer cancelSweeper()
	}

	limiter := ratelimit.New(ratelimit.Config{
		RunsPerMinute: cfg.Gateway.RateLimit.RunsPerMinute,
		Burst:         cfg.Gateway.RateLimit.Burst,
	})
	gwCfg := httpapi.Config{
		ListenAddr:      cfg.Gateway.Addr(),
		EnableDocs:      cfg.Gateway.EnableDocs,
		APIKeys:         cfg.Gateway.APIKeys,
		MaxRequestSize:  cfg.Gateway.MaxRequestSize(),
		Version:         version,
		MetricsRegistry: reg,
		HealthChecker:   sc.Obs.HealthOrNil(),
		Metrics:         sc.Obs.MetricsOrNil(),
		Limiter:         limiter,
	}
	if limiter != nil {
		go pruneLimiter(ctx, limiter)
	}
	if cfg.Observability != nil {
		gwCfg.MetricsPath = cfg.Observability.Metrics.MetricsPath()
	}
	if ts := sc.Obs.TracerOrNil(); ts != nil {
		gwCfg.Tracer = ts.Tracer()
	}
	if len(gwCfg.APIKeys) == 0 {
		logger.Warn("http api authentication disabled: no gateway.api_keys configured")
	}
	gateway := httpapi.NewGateway(gwCfg, dispatcher, sc.Broker, logger)

	errCh := make(chan error, 2)
	go func() { errCh <- dispatcher.Start(ctx) }()
	go func() { errCh <- gateway.Start(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
		if err != nil {
			logger.Error("component failed", slog.String("error", err.Error()))
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := gateway.Stop(shutdownCtx); serr != nil && !errors.Is(serr, context.Canceled) {
		logger.Error("stopping gateway", slog.String("error", serr.Error()))
	}
	return err
}

// pruneLimiter drops idle client buckets until ctx is done.
func pruneLimiter(ctx context.Context, l *ratelimit.Limiter) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Prune(time.Hour)
		}
	}
}

// initQueue opens the queue backend selected by queue.backend.
func initQueue(cfg *config.Config, sc *SharedComponents) (queue.Queue, error) {
	switch cfg.Queue.QueueBackend() {
	case queue.BackendRedis:
		if sc.Redis == nil {
			return nil, errors.New("queue.backend=redis requires a redis section")
		}
		return queue.NewRedisQueueFromClient(sc.Redis, cfg.Queue.Name, cfg.Queue.BlockWait()), nil
	case queue.BackendRabbitMQ:
		return queue.NewRabbitMQQueue(queue.RabbitMQConfig{
			URL:      cfg.Queue.RabbitMQ.URL,
			Queue:    cfg.Queue.Name,
			Prefetch: cfg.Queue.RabbitMQ.Prefetch,
			Durable:  cfg.Queue.RabbitMQ.Durable,
		})
	default:
		return queue.NewMemoryQueue(cfg.Queue.Size), nil
	}
}
