package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Cypherspark/notify-gateway/internal/config"
	"github.com/Cypherspark/notify-gateway/internal/core"
	dbpkg "github.com/Cypherspark/notify-gateway/internal/db"
	"github.com/Cypherspark/notify-gateway/internal/events"
	"github.com/Cypherspark/notify-gateway/internal/logger"
	"github.com/Cypherspark/notify-gateway/internal/metrics"
	wpkg "github.com/Cypherspark/notify-gateway/internal/worker"
)

// The worker consumes delivery events published by the API and appends them
// to the delivery log.
func main() {
	var exitCode int
	defer func() {
		os.Exit(exitCode)
	}()

	cfg, err := config.Load()
	if err != nil {
		logger.Init("info").Error("config", "error", err)
		exitCode = 1
		return
	}
	log := logger.Init(cfg.LogLevel).With("component", "delivery-log")
	if cfg.NATSURL == "" {
		log.Error("NATS_URL is required for the worker")
		exitCode = 1
		return
	}

	// ---- Context / signals ----
	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// ---- DB ----
	database, err := dbpkg.Open(rootCtx, cfg.DatabaseURL, dbpkg.PoolOptions{
		MaxConns: int32(cfg.WorkerConcurrency) + 1,
		Migrate:  true,
	})
	if err != nil {
		log.Error("db", "error", err)
		exitCode = 1
		return
	}
	defer database.Close()
	store := core.NewStore(database)

	metrics.MustRegister()
	metrics.RegisterPool(database.Pool)

	// ---- Engine ----
	engine := wpkg.New(store, wpkg.Options{
		Concurrency: cfg.WorkerConcurrency,
		QueueSize:   cfg.WorkerQueueSize,
		WriteQPS:    cfg.WorkerWriteQPS,
		WriteBurst:  cfg.WorkerConcurrency,
	}, log)

	// ---- Events ----
	nc, err := events.NewClient(cfg.NATSURL)
	if err != nil {
		log.Error("nats", "error", err)
		exitCode = 1
		return
	}
	defer nc.Close()

	sub, err := nc.SubscribeDelivery(func(ev core.DeliveryEvent) { engine.Enqueue(ev) })
	if err != nil {
		log.Error("subscribe", "subject", events.SubjectDelivery, "error", err)
		exitCode = 1
		return
	}
	// stop intake first so the engine's final drain sees a closed stream
	go func() {
		<-rootCtx.Done()
		_ = sub.Unsubscribe()
	}()

	// ---- Healthz ----
	go serveHealthz(cfg.WorkerHealthAddr, nc, log)

	log.Info("worker started", "subject", events.SubjectDelivery, "concurrency", cfg.WorkerConcurrency)
	if err := engine.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("worker exited", "error", err)
		exitCode = 1
		return
	}
}

func serveHealthz(addr string, nc *events.Client, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !nc.IsConnected() {
			http.Error(w, "nats not connected", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("health server", "error", err)
	}
}
