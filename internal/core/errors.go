package core

import (
	"errors"

	"github.com/Cypherspark/notify-gateway/internal/provider"
	"github.com/Cypherspark/notify-gateway/internal/whatsapp"
)

var (
	ErrValidation     = errors.New("validation_error")
	ErrNotFound       = errors.New("not_found")
	ErrForbidden      = errors.New("authorization_error")
	ErrContactMissing = errors.New("recipient_contact_missing")

	ErrSessionNotReady = whatsapp.ErrSessionNotReady
	ErrDeliveryFailed  = provider.ErrDeliveryFailed
)
