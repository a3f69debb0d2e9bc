package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/Cypherspark/notify-gateway/internal/metrics"
	"github.com/Cypherspark/notify-gateway/internal/whatsapp"
	"golang.org/x/time/rate"
)

// SessionAwaiter hands out the live messaging session once it is ready.
type SessionAwaiter interface {
	AwaitReady(ctx context.Context) (whatsapp.Sender, error)
}

// WhatsAppDispatcher sends through the shared web-messaging session.
type WhatsAppDispatcher struct {
	sessions    SessionAwaiter
	countryCode string
	limiter     *rate.Limiter
}

func NewWhatsAppDispatcher(sessions SessionAwaiter, countryCode string, qps float64, burst int) *WhatsAppDispatcher {
	if qps <= 0 {
		qps = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &WhatsAppDispatcher{
		sessions:    sessions,
		countryCode: countryCode,
		limiter:     rate.NewLimiter(rate.Limit(qps), burst),
	}
}

// Send normalizes to, waits for the session and sends. Session readiness
// failures surface as whatsapp.ErrSessionNotReady, channel errors as ErrDeliveryFailed.
func (d *WhatsAppDispatcher) Send(ctx context.Context, to, body string) (string, error) {
	addr := whatsapp.NormalizeAddress(to, d.countryCode)

	sender, err := d.sessions.AwaitReady(ctx)
	if err != nil {
		metrics.DispatchTotal.WithLabelValues("whatsapp", "not_ready").Inc()
		return "", err
	}

	// Respect the per-account send rate.
	if err := d.limiter.Wait(ctx); err != nil {
		metrics.DispatchTotal.WithLabelValues("whatsapp", "failed").Inc()
		return "", fmt.Errorf("%w: whatsapp: %v", ErrDeliveryFailed, err)
	}

	start := time.Now()
	id, err := sender.Send(ctx, addr, body)
	metrics.ProviderSendDuration.WithLabelValues("whatsapp").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DispatchTotal.WithLabelValues("whatsapp", "failed").Inc()
		return "", fmt.Errorf("%w: whatsapp: %v", ErrDeliveryFailed, err)
	}
	metrics.DispatchTotal.WithLabelValues("whatsapp", "sent").Inc()
	return id, nil
}
