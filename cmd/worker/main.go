package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/indexhook/internal/config"
	"github.com/austindbirch/indexhook/internal/dequeue"
	"github.com/austindbirch/indexhook/internal/health"
	"github.com/austindbirch/indexhook/internal/logging"
	"github.com/austindbirch/indexhook/internal/messaging"
	"github.com/austindbirch/indexhook/internal/metrics"
	"github.com/austindbirch/indexhook/internal/store/backend"
	"github.com/austindbirch/indexhook/internal/task"
	"github.com/austindbirch/indexhook/internal/tracing"
)

const serviceName = "indexhook-worker"

func main() {
	cfg := config.FromEnv()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// Initialize structured logging
	logger := logging.NewWithWriter(serviceName, os.Stdout, logging.ParseLevel(cfg.LogLevel))
	if err := cfg.Validate(); err != nil {
		logger.Plain().WithError(err).Fatal("invalid configuration")
	}

	// Initialize OpenTelemetry tracing
	shutdown, err := tracing.InitTracing(ctx, serviceName, cfg.TracingEndpoint)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	// Task store
	st, err := backend.Open(ctx, cfg)
	if err != nil {
		logger.Plain().WithError(err).Fatal("store connect failed")
	}
	defer st.Close()

	// Broker connection pool, publisher and client
	pool, err := messaging.NewPool(messaging.DialAMQP(cfg.AMQPURL(), cfg.AMQP.DialTimeout), cfg.Pool)
	if err != nil {
		logger.Plain().WithError(err).Fatal("broker pool creation failed")
	}
	defer pool.Close()
	publisher := messaging.NewPublisher(pool, cfg.AMQP.ConfirmTimeout, logger)
	client := messaging.NewClient(publisher, cfg.AMQP.Queue, logger)

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	// HTTP health/metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(st, pool))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.WorkerHTTPPort, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	lifecycle := task.NewLifecycle(cfg.Tasks.RetryThreshold)
	dispatcher := dequeue.NewDispatcher(st, client, lifecycle, dispatcherConfig(cfg.Tasks), logger)
	sweeper := dequeue.NewSweeper(st, lifecycle, cfg.Tasks.StaleAfter, cfg.Tasks.SweepInterval, cfg.Tasks.BatchSize, logger)

	logger.Plain().WithFields(map[string]any{
		"queue":           client.Queue(),
		"store":           cfg.StoreBackend,
		"retry_threshold": cfg.Tasks.RetryThreshold,
		"try_count_limit": cfg.Tasks.TryCountLimit,
	}).Info("worker service started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	if err := g.Wait(); err != nil {
		logger.Plain().WithError(err).Error("worker loop failed")
	}

	logger.Plain().Info("Shutting down worker service")
	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("worker service stopped")
}

func dispatcherConfig(t config.Tasks) dequeue.Config {
	return dequeue.Config{
		TryCountLimit: t.TryCountLimit,
		BatchSize:     t.BatchSize,
		Concurrency:   t.Concurrency,
		PollInterval:  t.PollInterval,
	}
}
