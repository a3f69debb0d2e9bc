package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	database "github.com/Cypherspark/notify-gateway/internal/db"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the Postgres-backed Repository.
type Store struct {
	db *database.DB
	q  querier
}

func NewStore(db *database.DB) *Store { return &Store{db: db, q: db.Pool} }

func (s *Store) InTx(ctx context.Context, fn func(Repository) error) error {
	if _, ok := s.q.(pgx.Tx); ok {
		return fn(s)
	}
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(&Store{db: s.db, q: tx})
	})
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s not found", ErrNotFound, what)
	}
	return err
}

// ---- applications / jobs ----

func (s *Store) GetApplication(ctx context.Context, id string) (Application, error) {
	var a Application
	err := s.q.QueryRow(ctx, `SELECT id, alumni_id, job_id, status, updated_at FROM applications WHERE id=$1`, id).
		Scan(&a.ID, &a.AlumniID, &a.JobID, &a.Status, &a.UpdatedAt)
	return a, notFound(err, "application")
}

func (s *Store) SetApplicationStatus(ctx context.Context, id string, status Outcome) (Application, error) {
	var a Application
	err := s.q.QueryRow(ctx, `
		UPDATE applications SET status=$2, updated_at=now()
		WHERE id=$1
		RETURNING id, alumni_id, job_id, status, updated_at
	`, id, status).Scan(&a.ID, &a.AlumniID, &a.JobID, &a.Status, &a.UpdatedAt)
	return a, notFound(err, "application")
}

func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	var j Job
	err := s.q.QueryRow(ctx, `
		SELECT j.id, j.company_id, c.name, j.title
		FROM jobs j JOIN companies c ON c.id = j.company_id
		WHERE j.id=$1
	`, id).Scan(&j.ID, &j.CompanyID, &j.CompanyName, &j.Title)
	return j, notFound(err, "job")
}

// ---- messages ----

const messageCols = `id, content, sender_id, recipient_id, channel, delivery_status, read, application_id, job_id, created_at, updated_at`

func scanMessage(row pgx.Row, extra ...any) (Message, error) {
	var m Message
	dest := []any{&m.ID, &m.Content, &m.SenderID, &m.RecipientID, &m.Channel, &m.DeliveryStatus, &m.Read,
		&m.ApplicationID, &m.JobID, &m.CreatedAt, &m.UpdatedAt}
	err := row.Scan(append(dest, extra...)...)
	return m, err
}

// InsertMessage persists m and fills in its generated fields.
func (s *Store) InsertMessage(ctx context.Context, m *Message) error {
	if m.DeliveryStatus == "" {
		m.DeliveryStatus = StatusSent
	}
	return s.q.QueryRow(ctx, `
		INSERT INTO messages(content, sender_id, recipient_id, channel, delivery_status, application_id, job_id)
		VALUES($1,$2,$3,$4,$5,$6,$7)
		RETURNING id, read, created_at, updated_at
	`, m.Content, m.SenderID, m.RecipientID, m.Channel, m.DeliveryStatus, m.ApplicationID, m.JobID).
		Scan(&m.ID, &m.Read, &m.CreatedAt, &m.UpdatedAt)
}

func (s *Store) GetMessage(ctx context.Context, id string) (Message, error) {
	m, err := scanMessage(s.q.QueryRow(ctx, `SELECT `+messageCols+` FROM messages WHERE id=$1`, id))
	return m, notFound(err, "message")
}

func (s *Store) SetDeliveryStatus(ctx context.Context, id string, status DeliveryStatus) error {
	tag, err := s.q.Exec(ctx, `UPDATE messages SET delivery_status=$2, updated_at=now() WHERE id=$1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: message not found", ErrNotFound)
	}
	return nil
}

// SetMessageRead toggles the read flag; delivery status follows sent<->read,
// a failed status is left alone.
func (s *Store) SetMessageRead(ctx context.Context, id string, read bool) (Message, error) {
	m, err := scanMessage(s.q.QueryRow(ctx, `
		UPDATE messages SET
			read = $2,
			delivery_status = CASE
				WHEN $2 AND delivery_status = 'sent' THEN 'read'
				WHEN NOT $2 AND delivery_status = 'read' THEN 'sent'
				ELSE delivery_status
			END,
			updated_at = now()
		WHERE id=$1
		RETURNING `+messageCols, id, read))
	return m, notFound(err, "message")
}

func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM messages WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: message not found", ErrNotFound)
	}
	return nil
}

// ListReceived returns the recipient's messages newest first, with the
// sending company's name and email.
func (s *Store) ListReceived(ctx context.Context, recipientID string) ([]MessageView, error) {
	rows, err := s.q.Query(ctx, `
		SELECT m.id, m.content, m.sender_id, m.recipient_id, m.channel, m.delivery_status, m.read,
		       m.application_id, m.job_id, m.created_at, m.updated_at,
		       coalesce(c.name, ''), coalesce(c.email, '')
		FROM messages m LEFT JOIN companies c ON c.id = m.sender_id
		WHERE m.recipient_id=$1
		ORDER BY m.created_at DESC
	`, recipientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []MessageView{}
	for rows.Next() {
		var v MessageView
		v.Message, err = scanMessage(rows, &v.Sender.DisplayName, &v.Sender.Email)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) CountUnread(ctx context.Context, recipientID string) (int, error) {
	var n int
	err := s.q.QueryRow(ctx, `SELECT count(*) FROM messages WHERE recipient_id=$1 AND NOT read`, recipientID).Scan(&n)
	return n, err
}

// ---- free-form messages ----

const freeCols = `id, content, sender_id, sender_kind, recipient_id, recipient_kind, read, created_at, updated_at`

func scanFree(row pgx.Row) (FreeMessage, error) {
	var f FreeMessage
	err := row.Scan(&f.ID, &f.Content, &f.Sender.ID, &f.Sender.Kind, &f.Recipient.ID, &f.Recipient.Kind,
		&f.Read, &f.CreatedAt, &f.UpdatedAt)
	return f, err
}

func (s *Store) InsertFree(ctx context.Context, f *FreeMessage) error {
	return s.q.QueryRow(ctx, `
		INSERT INTO free_messages(content, sender_id, sender_kind, recipient_id, recipient_kind)
		VALUES($1,$2,$3,$4,$5)
		RETURNING id, read, created_at, updated_at
	`, f.Content, f.Sender.ID, f.Sender.Kind, f.Recipient.ID, f.Recipient.Kind).
		Scan(&f.ID, &f.Read, &f.CreatedAt, &f.UpdatedAt)
}

func (s *Store) GetFree(ctx context.Context, id string) (FreeMessage, error) {
	f, err := scanFree(s.q.QueryRow(ctx, `SELECT `+freeCols+` FROM free_messages WHERE id=$1`, id))
	return f, notFound(err, "message")
}

func (s *Store) MarkFreeRead(ctx context.Context, id string) (FreeMessage, error) {
	f, err := scanFree(s.q.QueryRow(ctx, `
		UPDATE free_messages SET read=true, updated_at=now() WHERE id=$1
		RETURNING `+freeCols, id))
	return f, notFound(err, "message")
}

func (s *Store) ListFreeReceived(ctx context.Context, recipient ActorRef) ([]FreeMessage, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+freeCols+` FROM free_messages
		WHERE recipient_id=$1 AND recipient_kind=$2
		ORDER BY created_at DESC
	`, recipient.ID, recipient.Kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []FreeMessage{}
	for rows.Next() {
		f, err := scanFree(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) CountFreeUnread(ctx context.Context, recipient ActorRef) (int, error) {
	var n int
	err := s.q.QueryRow(ctx, `
		SELECT count(*) FROM free_messages
		WHERE recipient_id=$1 AND recipient_kind=$2 AND NOT read
	`, recipient.ID, recipient.Kind).Scan(&n)
	return n, err
}

func (s *Store) DeleteFree(ctx context.Context, id string) error {
	tag, err := s.q.Exec(ctx, `DELETE FROM free_messages WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: message not found", ErrNotFound)
	}
	return nil
}

// ---- contacts ----

func (s *Store) contact(ctx context.Context, query, what, id string) (Contact, error) {
	var c Contact
	err := s.q.QueryRow(ctx, query, id).Scan(&c.DisplayName, &c.Email, &c.Phone)
	return c, notFound(err, what)
}

func (s *Store) AlumniContact(ctx context.Context, id string) (Contact, error) {
	return s.contact(ctx, `SELECT name, email, phone FROM alumni WHERE id=$1`, "alumni", id)
}

func (s *Store) CompanyContact(ctx context.Context, id string) (Contact, error) {
	return s.contact(ctx, `SELECT name, email, phone FROM companies WHERE id=$1`, "company", id)
}

func (s *Store) AdminContact(ctx context.Context, id string) (Contact, error) {
	return s.contact(ctx, `SELECT username, email, phone FROM admins WHERE id=$1`, "admin", id)
}

// ContactLookups is the kind-indexed table for NewContactResolver.
func (s *Store) ContactLookups() map[ActorKind]ContactLookup {
	return map[ActorKind]ContactLookup{
		KindAlumni:  s.AlumniContact,
		KindCompany: s.CompanyContact,
		KindAdmin:   s.AdminContact,
	}
}

// RecordDelivery appends one dispatch outcome to the delivery log.
func (s *Store) RecordDelivery(ctx context.Context, ev DeliveryEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	_, err := s.q.Exec(ctx, `
		INSERT INTO delivery_log(message_id, channel, status, error, occurred_at)
		VALUES ($1,$2,$3,$4,$5)`, ev.MessageID, ev.Channel, ev.Status, ev.Error, ev.At)
	return err
}

// DeliveryHistory returns the logged outcomes for a message, newest first.
func (s *Store) DeliveryHistory(ctx context.Context, messageID string) ([]DeliveryEvent, error) {
	rows, err := s.q.Query(ctx, `
		SELECT message_id, channel, status, error, occurred_at FROM delivery_log
		WHERE message_id=$1 ORDER BY occurred_at DESC, id DESC`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []DeliveryEvent{}
	for rows.Next() {
		var ev DeliveryEvent
		if err := rows.Scan(&ev.MessageID, &ev.Channel, &ev.Status, &ev.Error, &ev.At); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
