package core

import (
	"fmt"
	"strings"
	"time"
)

// ActorKind tags a polymorphic actor reference.
type ActorKind string

const (
	KindAlumni  ActorKind = "alumni"
	KindCompany ActorKind = "company"
	KindAdmin   ActorKind = "admin"
)

// ParseActorKind accepts the canonical kinds, any casing, and "perusahaan" for company.
func ParseActorKind(s string) (ActorKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "alumni":
		return KindAlumni, nil
	case "company", "perusahaan":
		return KindCompany, nil
	case "admin":
		return KindAdmin, nil
	}
	return "", fmt.Errorf("%w: unknown actor kind %q", ErrValidation, s)
}

type ActorRef struct {
	ID   string    `json:"id" validate:"required,uuid"`
	Kind ActorKind `json:"kind" validate:"required"`
}

type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelWeb      Channel = "web"
	ChannelTelegram Channel = "telegram"
)

// External reports whether the channel has a dispatcher. Other channels are
// inbox-only.
func (c Channel) External() bool {
	return c == ChannelEmail || c == ChannelWhatsApp
}

type DeliveryStatus string

const (
	StatusSent   DeliveryStatus = "sent"
	StatusFailed DeliveryStatus = "failed"
	StatusRead   DeliveryStatus = "read"
)

type Outcome string

const (
	OutcomePending  Outcome = "pending"
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
)

// ParseOutcome maps a notice outcome, including diterima/ditolak, to its
// canonical value. Pending is not a valid notice outcome.
func ParseOutcome(s string) (Outcome, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "accepted", "diterima":
		return OutcomeAccepted, nil
	case "rejected", "ditolak":
		return OutcomeRejected, nil
	}
	return "", fmt.Errorf("%w: outcome must be accepted or rejected, got %q", ErrValidation, s)
}

// Label is the word used in notice subjects.
func (o Outcome) Label() string {
	switch o {
	case OutcomeAccepted:
		return "diterima"
	case OutcomeRejected:
		return "ditolak"
	}
	return string(o)
}

// Message is one outcome-linked or direct notice from a company to an alumnus.
type Message struct {
	ID             string         `json:"id"`
	Content        string         `json:"content"`
	SenderID       string         `json:"sender_id"`
	RecipientID    string         `json:"recipient_id"`
	Channel        Channel        `json:"channel"`
	DeliveryStatus DeliveryStatus `json:"delivery_status"`
	Read           bool           `json:"read"`
	ApplicationID  *string        `json:"application_id,omitempty"`
	JobID          *string        `json:"job_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// MessageView is a received message with the sender's display info.
type MessageView struct {
	Message
	Sender Contact `json:"sender"`
}

// FreeMessage is a peer-to-peer message between any two actor kinds.
type FreeMessage struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Sender    ActorRef  `json:"sender"`
	Recipient ActorRef  `json:"recipient"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type FreeMessageView struct {
	FreeMessage
	SenderInfo Contact `json:"sender_info"`
}

// Contact is the minimal delivery info for an actor.
type Contact struct {
	DisplayName string `json:"name"`
	Email       string `json:"email"`
	Phone       string `json:"phone,omitempty"`
}

type Application struct {
	ID        string    `json:"id"`
	AlumniID  string    `json:"alumni_id"`
	JobID     string    `json:"job_id"`
	Status    Outcome   `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Job struct {
	ID          string `json:"id"`
	CompanyID   string `json:"company_id"`
	CompanyName string `json:"company_name"`
	Title       string `json:"title"`
}

// DeliveryEvent reports the result of one dispatch attempt.
type DeliveryEvent struct {
	MessageID string    `json:"message_id"`
	Channel   Channel   `json:"channel"`
	Status    string    `json:"status"` // sent | failed
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}
