package provider

import (
	"context"
	"errors"
)

// ErrDeliveryFailed wraps every channel-side send failure.
var ErrDeliveryFailed = errors.New("delivery_failed")

// Provider sends a text body to a channel address.
type Provider interface {
	Send(ctx context.Context, to, body string) (providerMsgID string, err error)
}

// Email is one outbound email.
type Email struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// Mailer sends emails.
type Mailer interface {
	SendEmail(ctx context.Context, msg Email) (providerMsgID string, err error)
}
