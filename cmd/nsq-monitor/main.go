package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/indexhook/internal/config"
	"github.com/austindbirch/indexhook/internal/ingest"
	"github.com/austindbirch/indexhook/internal/logging"
	"github.com/austindbirch/indexhook/internal/metrics"
)

// Standalone exporter for intake backlog, for deployments where the generator
// runs without its own metrics endpoint scraped.
func main() {
	cfg := config.FromEnv()
	port := os.Getenv("PORT")
	if port == "" {
		port = "8084"
	}
	interval := 15 * time.Second
	if d, err := time.ParseDuration(os.Getenv("POLL_INTERVAL")); err == nil && d > 0 {
		interval = d
	}

	logger := logging.NewWithWriter("indexhook-nsq-monitor", os.Stdout, logging.ParseLevel(cfg.LogLevel))
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	for _, m := range monitors(cfg.NSQ, interval, logger) {
		go m.Run(ctx)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})
	srv := &http.Server{Addr: ":" + port, Handler: mux}

	logger.Plain().WithFields(map[string]any{
		"nsqd":     cfg.NSQ.NsqdHTTPAddr,
		"interval": interval.String(),
		"addr":     srv.Addr,
	}).Info("NSQ monitor starting")

	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Plain().WithError(err).Fatal("NSQ monitor HTTP server failed")
	}
}

// monitors watches the generator channel of the events topic and, when
// dead-lettering is on, every channel of the DLQ topic.
func monitors(n config.NSQ, interval time.Duration, logger *logging.Logger) []*ingest.BacklogMonitor {
	intake := ingest.NewBacklogMonitor(n.NsqdHTTPAddr, n.EventsTopic, n.GeneratorChannel, logger)
	intake.Interval = interval
	out := []*ingest.BacklogMonitor{intake}

	if n.PublishDLQ && n.DLQTopic != "" {
		dlq := ingest.NewBacklogMonitor(n.NsqdHTTPAddr, n.DLQTopic, "", logger)
		dlq.Interval = interval
		out = append(out, dlq)
	}
	return out
}
