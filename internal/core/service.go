package core

import (
	"context"
	"errors"
	"fmt"
	"html"
	"reflect"
	"strings"
	"time"

	"github.com/Cypherspark/notify-gateway/internal/logger"
	"github.com/Cypherspark/notify-gateway/internal/metrics"
	"github.com/Cypherspark/notify-gateway/internal/provider"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// DefaultCompanyName is used in subjects when the sending company is unknown.
const DefaultCompanyName = "Perusahaan"

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report json names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func check(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		parts := make([]string, 0, len(ve))
		for _, fe := range ve {
			parts = append(parts, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
		}
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(parts, "; "))
	}
	return fmt.Errorf("%w: %v", ErrValidation, err)
}

func checkID(id, what string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: invalid %s id %q", ErrValidation, what, id)
	}
	return nil
}

// Repository is the persistence the services need.
type Repository interface {
	InTx(ctx context.Context, fn func(Repository) error) error

	GetApplication(ctx context.Context, id string) (Application, error)
	SetApplicationStatus(ctx context.Context, id string, status Outcome) (Application, error)
	GetJob(ctx context.Context, id string) (Job, error)

	InsertMessage(ctx context.Context, m *Message) error
	GetMessage(ctx context.Context, id string) (Message, error)
	SetDeliveryStatus(ctx context.Context, id string, status DeliveryStatus) error
	SetMessageRead(ctx context.Context, id string, read bool) (Message, error)
	DeleteMessage(ctx context.Context, id string) error
	ListReceived(ctx context.Context, recipientID string) ([]MessageView, error)
	CountUnread(ctx context.Context, recipientID string) (int, error)
	DeliveryHistory(ctx context.Context, messageID string) ([]DeliveryEvent, error)

	InsertFree(ctx context.Context, f *FreeMessage) error
	GetFree(ctx context.Context, id string) (FreeMessage, error)
	MarkFreeRead(ctx context.Context, id string) (FreeMessage, error)
	ListFreeReceived(ctx context.Context, recipient ActorRef) ([]FreeMessage, error)
	CountFreeUnread(ctx context.Context, recipient ActorRef) (int, error)
	DeleteFree(ctx context.Context, id string) error
}

// EventPublisher receives one event per dispatch attempt.
type EventPublisher interface {
	PublishDelivery(ctx context.Context, ev DeliveryEvent) error
}

// Service is the notification service: it persists every notice and then
// hands it to the channel dispatcher.
type Service struct {
	repo       Repository
	contacts   *ContactResolver
	mailer     provider.Mailer
	whatsapp   provider.Provider
	events     EventPublisher
	markFailed bool
}

type Option func(*Service)

func WithEvents(p EventPublisher) Option { return func(s *Service) { s.events = p } }

// WithMarkFailed patches a message to failed when its dispatch fails.
// By default the row keeps delivery_status=sent.
func WithMarkFailed(on bool) Option { return func(s *Service) { s.markFailed = on } }

func NewService(repo Repository, contacts *ContactResolver, mailer provider.Mailer, wa provider.Provider, opts ...Option) *Service {
	s := &Service{repo: repo, contacts: contacts, mailer: mailer, whatsapp: wa}
	for _, o := range opts {
		o(s)
	}
	return s
}

type OutcomeNotice struct {
	CompanyID     string  `json:"-" validate:"required,uuid"`
	ApplicationID string  `json:"application_id" validate:"required,uuid"`
	JobID         string  `json:"job_id" validate:"required,uuid"`
	Outcome       string  `json:"outcome" validate:"required"`
	Content       string  `json:"content" validate:"required"`
	Channel       Channel `json:"channel" validate:"required,oneof=email whatsapp web telegram"`
}

type OutcomeResult struct {
	Application Application `json:"application"`
	Message     Message     `json:"message"`
}

// SendOutcomeNotice updates the application to the notice's outcome, stores
// the message and dispatches it. On a dispatch error the result still carries
// the stored message.
func (s *Service) SendOutcomeNotice(ctx context.Context, req OutcomeNotice) (res OutcomeResult, err error) {
	defer func() { observeNotice("outcome", err) }()

	if err = check(req); err != nil {
		return res, err
	}
	if strings.TrimSpace(req.Content) == "" {
		return res, fmt.Errorf("%w: content is blank", ErrValidation)
	}
	outcome, err := ParseOutcome(req.Outcome)
	if err != nil {
		return res, err
	}

	app, err := s.repo.GetApplication(ctx, req.ApplicationID)
	if err != nil {
		return res, err
	}
	if app.JobID != req.JobID {
		return res, fmt.Errorf("%w: applicant not registered for job %s", ErrValidation, req.JobID)
	}
	job, err := s.repo.GetJob(ctx, req.JobID)
	if err != nil {
		return res, err
	}
	if job.CompanyID != req.CompanyID {
		return res, fmt.Errorf("%w: job %s belongs to another company", ErrForbidden, job.ID)
	}

	appID, jobID := app.ID, job.ID
	msg := Message{
		Content:        req.Content,
		SenderID:       req.CompanyID,
		RecipientID:    app.AlumniID,
		Channel:        req.Channel,
		DeliveryStatus: StatusSent,
		ApplicationID:  &appID,
		JobID:          &jobID,
	}
	var to Contact
	err = s.repo.InTx(ctx, func(tx Repository) error {
		if app.Status != outcome {
			updated, err := tx.SetApplicationStatus(ctx, app.ID, outcome)
			if err != nil {
				return err
			}
			app = updated
		}
		c, err := s.contacts.Resolve(ctx, ActorRef{ID: app.AlumniID, Kind: KindAlumni})
		if err != nil {
			return err
		}
		to = c
		return tx.InsertMessage(ctx, &msg)
	})
	if err != nil {
		return res, err
	}

	subject := fmt.Sprintf("Notifikasi Lamaran Anda (%s) - %s", outcome.Label(), companyName(job))
	err = s.dispatch(ctx, &msg, to, subject)
	return OutcomeResult{Application: app, Message: msg}, err
}

type DirectNotice struct {
	CompanyID string  `json:"-" validate:"required,uuid"`
	AlumniID  string  `json:"alumni_id" validate:"required,uuid"`
	JobID     string  `json:"job_id,omitempty" validate:"omitempty,uuid"`
	Content   string  `json:"content" validate:"required"`
	Channel   Channel `json:"channel" validate:"required,oneof=email whatsapp web telegram"`
}

// SendDirectNotice sends a free-text notice from a company to one alumnus.
func (s *Service) SendDirectNotice(ctx context.Context, req DirectNotice) (msg Message, err error) {
	defer func() { observeNotice("direct", err) }()

	if err = check(req); err != nil {
		return msg, err
	}
	if strings.TrimSpace(req.Content) == "" {
		return msg, fmt.Errorf("%w: content is blank", ErrValidation)
	}
	to, err := s.contacts.Resolve(ctx, ActorRef{ID: req.AlumniID, Kind: KindAlumni})
	if err != nil {
		return msg, err
	}

	msg = Message{
		Content:        req.Content,
		SenderID:       req.CompanyID,
		RecipientID:    req.AlumniID,
		Channel:        req.Channel,
		DeliveryStatus: StatusSent,
	}
	name := DefaultCompanyName
	if req.JobID != "" {
		job, err := s.repo.GetJob(ctx, req.JobID)
		if err != nil {
			return msg, err
		}
		name = companyName(job)
		msg.JobID = &job.ID
	}
	if err = s.repo.InsertMessage(ctx, &msg); err != nil {
		return msg, err
	}

	err = s.dispatch(ctx, &msg, to, "Pesan dari "+name)
	return msg, err
}

func companyName(j Job) string {
	if j.CompanyName == "" {
		return DefaultCompanyName
	}
	return j.CompanyName
}

// dispatch sends a stored message on its channel. Inbox-only channels are
// not dispatched.
func (s *Service) dispatch(ctx context.Context, msg *Message, to Contact, subject string) error {
	if !msg.Channel.External() {
		metrics.DispatchTotal.WithLabelValues(string(msg.Channel), "skipped").Inc()
		return nil
	}
	var err error
	switch msg.Channel {
	case ChannelEmail:
		if to.Email == "" {
			err = fmt.Errorf("%w: recipient has no email address", ErrContactMissing)
			break
		}
		_, err = s.mailer.SendEmail(ctx, provider.Email{
			To:      to.Email,
			Subject: subject,
			Text:    msg.Content,
			HTML:    "<p>" + html.EscapeString(msg.Content) + "</p>",
		})
	case ChannelWhatsApp:
		if to.Phone == "" {
			err = fmt.Errorf("%w: recipient has no phone number", ErrContactMissing)
			break
		}
		_, err = s.whatsapp.Send(ctx, to.Phone, msg.Content)
	}
	if errors.Is(err, ErrContactMissing) {
		metrics.DispatchTotal.WithLabelValues(string(msg.Channel), "contact_missing").Inc()
	}
	s.record(ctx, msg, err)
	return err
}

func (s *Service) record(ctx context.Context, msg *Message, sendErr error) {
	log := logger.From(ctx).With("message_id", msg.ID, "channel", msg.Channel)
	// the caller may be gone by now
	ctx = context.WithoutCancel(ctx)

	ev := DeliveryEvent{MessageID: msg.ID, Channel: msg.Channel, Status: "sent", At: time.Now().UTC()}
	if sendErr != nil {
		ev.Status = "failed"
		ev.Error = sendErr.Error()
		if s.markFailed {
			if err := s.repo.SetDeliveryStatus(ctx, msg.ID, StatusFailed); err != nil {
				log.Error("mark message failed", "error", err)
			} else {
				msg.DeliveryStatus = StatusFailed
			}
		}
		log.Warn("dispatch failed", "delivery_status", msg.DeliveryStatus, "error", sendErr)
	} else {
		log.Info("dispatched")
	}

	if s.events != nil {
		if err := s.events.PublishDelivery(ctx, ev); err != nil {
			log.Warn("publish delivery event", "error", err)
		}
	}
}

func observeNotice(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.NoticeTotal.WithLabelValues(kind, result).Inc()
}

// ---- inbox ----

// ListReceived lists an alumnus' messages newest first.
func (s *Service) ListReceived(ctx context.Context, alumniID string) ([]MessageView, error) {
	if err := checkID(alumniID, "alumni"); err != nil {
		return nil, err
	}
	if _, err := s.contacts.Resolve(ctx, ActorRef{ID: alumniID, Kind: KindAlumni}); err != nil {
		return nil, err
	}
	return s.repo.ListReceived(ctx, alumniID)
}

// UnreadCount is available to alumni and companies.
func (s *Service) UnreadCount(ctx context.Context, actor ActorRef) (int, error) {
	if actor.Kind != KindAlumni && actor.Kind != KindCompany {
		return 0, fmt.Errorf("%w: %s cannot read messages", ErrForbidden, actor.Kind)
	}
	if err := checkID(actor.ID, string(actor.Kind)); err != nil {
		return 0, err
	}
	return s.repo.CountUnread(ctx, actor.ID)
}

// SetRead toggles the read flag. Only the recipient may do so.
func (s *Service) SetRead(ctx context.Context, actor ActorRef, id string, read bool) (Message, error) {
	if err := checkID(id, "message"); err != nil {
		return Message{}, err
	}
	m, err := s.repo.GetMessage(ctx, id)
	if err != nil {
		return Message{}, err
	}
	if !m.isRecipient(actor) {
		return Message{}, fmt.Errorf("%w: only the recipient may change read state", ErrForbidden)
	}
	return s.repo.SetMessageRead(ctx, id, read)
}

// DeleteMessage hard-deletes a message for its sender or recipient.
func (s *Service) DeleteMessage(ctx context.Context, actor ActorRef, id string) error {
	if err := checkID(id, "message"); err != nil {
		return err
	}
	m, err := s.repo.GetMessage(ctx, id)
	if err != nil {
		return err
	}
	if !m.isRecipient(actor) && !m.isSender(actor) {
		return fmt.Errorf("%w: only the sender or recipient may delete", ErrForbidden)
	}
	return s.repo.DeleteMessage(ctx, id)
}

// Notices always go from a company to an alumnus, so both the id and the
// kind must match.
func (m Message) isRecipient(a ActorRef) bool {
	return a.Kind == KindAlumni && a.ID == m.RecipientID
}

func (m Message) isSender(a ActorRef) bool {
	return a.Kind == KindCompany && a.ID == m.SenderID
}

// DeliveryHistory lists the logged dispatch attempts for a message. Only its
// sender or recipient may read it.
func (s *Service) DeliveryHistory(ctx context.Context, actor ActorRef, id string) ([]DeliveryEvent, error) {
	if err := checkID(id, "message"); err != nil {
		return nil, err
	}
	m, err := s.repo.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if !m.isRecipient(actor) && !m.isSender(actor) {
		return nil, fmt.Errorf("%w: only the sender or recipient may read delivery history", ErrForbidden)
	}
	return s.repo.DeliveryHistory(ctx, id)
}
