package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/Cypherspark/notify-gateway/internal/metrics"
	"github.com/resend/resend-go/v2"
)

const DefaultFrom = "noreply@yourdomain.com"

// emailAPI is the slice of the Resend client the dispatcher uses.
type emailAPI interface {
	SendWithContext(ctx context.Context, params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

// EmailDispatcher sends through the Resend transactional email API. It is
// stateless and never retries.
type EmailDispatcher struct {
	api     emailAPI
	from    string
	timeout time.Duration
}

// NewEmailDispatcher builds a dispatcher. An empty apiKey leaves the channel
// disabled: every send fails with ErrDeliveryFailed.
func NewEmailDispatcher(apiKey, from string, timeout time.Duration) *EmailDispatcher {
	d := &EmailDispatcher{from: from, timeout: timeout}
	if d.from == "" {
		d.from = DefaultFrom
	}
	if apiKey != "" {
		d.api = resend.NewClient(apiKey).Emails
	}
	return d
}

func (d *EmailDispatcher) SendEmail(ctx context.Context, msg Email) (string, error) {
	if d.api == nil {
		metrics.DispatchTotal.WithLabelValues("email", "failed").Inc()
		return "", fmt.Errorf("%w: RESEND_API_KEY is not set", ErrDeliveryFailed)
	}
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := d.api.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    d.from,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Text:    msg.Text,
		Html:    msg.HTML,
	})
	metrics.ProviderSendDuration.WithLabelValues("email").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DispatchTotal.WithLabelValues("email", "failed").Inc()
		return "", fmt.Errorf("%w: email: %v", ErrDeliveryFailed, err)
	}
	metrics.DispatchTotal.WithLabelValues("email", "sent").Inc()
	return resp.Id, nil
}
