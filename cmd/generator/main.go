package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/indexhook/internal/config"
	"github.com/austindbirch/indexhook/internal/health"
	"github.com/austindbirch/indexhook/internal/ingest"
	"github.com/austindbirch/indexhook/internal/logging"
	"github.com/austindbirch/indexhook/internal/metrics"
	"github.com/austindbirch/indexhook/internal/store/backend"
	"github.com/austindbirch/indexhook/internal/task"
	"github.com/austindbirch/indexhook/internal/tracing"
)

const serviceName = "indexhook-generator"

func main() {
	cfg := config.FromEnv()
	ctx, cancel := context.WithCancel(context.Background())
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

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	// HTTP health/metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(st, nil))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.GeneratorHTTP, Handler: mux}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("generator HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("generator HTTP server failed")
		}
	}()

	// DLQ producer
	var dlq ingest.Producer
	if cfg.NSQ.PublishDLQ {
		prod, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer for DLQ creation failed")
		}
		defer prod.Stop()
		dlq = prod
	}

	// NSQ consumer
	conf := nsq.NewConfig()
	conf.MaxInFlight = cfg.NSQ.MaxInFlight
	consumer, err := nsq.NewConsumer(cfg.NSQ.EventsTopic, cfg.NSQ.GeneratorChannel, conf)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}
	handler := ingest.NewHandler(st, task.NewClassifier(), dlq, cfg.NSQ.DLQTopic, logger)
	consumer.AddConcurrentHandlers(handler, cfg.Tasks.Concurrency)

	// Start backlog monitoring
	monitor := ingest.NewBacklogMonitor(cfg.NSQ.NsqdHTTPAddr, cfg.NSQ.EventsTopic, cfg.NSQ.GeneratorChannel, logger)
	go monitor.Run(ctx)

	// Connecting directly to NSQD forces channel creation, instead of the channel being lazily created on first publish
	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to nsqd failed")
	}
	if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to lookupd failed")
	}

	logger.Plain().WithFields(map[string]any{
		"topic":   cfg.NSQ.EventsTopic,
		"channel": cfg.NSQ.GeneratorChannel,
		"store":   cfg.StoreBackend,
	}).Info("generator service started")

	// Graceful stop
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down generator service")
	cancel()
	consumer.Stop()
	<-consumer.StopChan
	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("generator service stopped")
}
