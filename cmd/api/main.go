package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Cypherspark/notify-gateway/internal/auth"
	"github.com/Cypherspark/notify-gateway/internal/config"
	"github.com/Cypherspark/notify-gateway/internal/core"
	db "github.com/Cypherspark/notify-gateway/internal/db"
	"github.com/Cypherspark/notify-gateway/internal/events"
	httpapi "github.com/Cypherspark/notify-gateway/internal/http"
	"github.com/Cypherspark/notify-gateway/internal/logger"
	"github.com/Cypherspark/notify-gateway/internal/metrics"
	"github.com/Cypherspark/notify-gateway/internal/provider"
	"github.com/Cypherspark/notify-gateway/internal/whatsapp"
)

// loopbackURL selects the in-process session driver instead of a bridge.
const loopbackURL = "loopback"

func main() {
	var exitCode int
	defer func() {
		os.Exit(exitCode)
	}()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		exitCode = 1
		return
	}
	log := logger.Init(cfg.LogLevel)

	// ---- Context / signals ----
	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// ---- DB ----
	database, err := db.Open(rootCtx, cfg.DatabaseURL, db.PoolOptions{Migrate: true})
	if err != nil {
		log.Error("db", "error", err)
		exitCode = 1
		return
	}
	defer database.Close()
	store := core.NewStore(database)

	metrics.MustRegister()
	metrics.RegisterPool(database.Pool)

	// ---- Auth ----
	key, err := auth.LoadPublicKey(cfg.JWTPublicKeyPath)
	if err != nil {
		log.Error("jwt key", "error", err)
		exitCode = 1
		return
	}
	var revoked auth.Revocations
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(rootCtx).Err(); err != nil {
			log.Warn("redis unreachable, revocation checks will fail closed", "addr", cfg.RedisAddr, "error", err)
		}
		revoked = auth.NewRedisRevocations(rdb)
	}
	verifier := auth.NewVerifier(key, revoked)

	// ---- WhatsApp session ----
	factory := whatsapp.NewLoopbackFactory(2*time.Second, 50*time.Millisecond)
	if cfg.WhatsAppBridgeURL != loopbackURL {
		factory = whatsapp.NewBridgeFactory(whatsapp.BridgeConfig{
			URL:        cfg.WhatsAppBridgeURL,
			SessionDir: cfg.WhatsAppSessionDir,
		})
	}
	sessions := whatsapp.NewManager(factory,
		whatsapp.WithReadyTimeout(cfg.WhatsAppReadyTimeout),
		whatsapp.WithLogger(log.With("component", "whatsapp")),
	)
	defer sessions.Close()

	// ---- Providers ----
	if cfg.ResendAPIKey == "" {
		log.Warn("RESEND_API_KEY is empty; email dispatch will fail")
	}
	mailer := provider.NewEmailDispatcher(cfg.ResendAPIKey, cfg.ResendFrom, cfg.EmailTimeout)
	wa := provider.NewWhatsAppDispatcher(sessions, cfg.WhatsAppCountryCode, cfg.WhatsAppQPS, cfg.WhatsAppBurst)

	opts := []core.Option{core.WithMarkFailed(cfg.MarkFailedDeliveries)}
	var nc *events.Client
	if cfg.NATSURL != "" {
		nc, err = events.NewClient(cfg.NATSURL)
		if err != nil {
			log.Error("nats", "error", err)
			exitCode = 1
			return
		}
		defer nc.Close()
		opts = append(opts, core.WithEvents(nc))
	}
	svc := core.NewService(store, core.NewContactResolver(store.ContactLookups()), mailer, wa, opts...)

	// ---- HTTP server ----
	srv := httpapi.NewServer(svc, database, sessions, verifier)
	if nc != nil {
		srv.Events = nc
	}
	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		// whatsapp-init may wait for the full readiness timeout
		WriteTimeout: cfg.WhatsAppReadyTimeout + 15*time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// ---- Graceful shutdown ----
	select {
	case <-rootCtx.Done():
	case err := <-errCh:
		log.Error("server", "error", err)
		exitCode = 1
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown", "error", err)
	}
}
