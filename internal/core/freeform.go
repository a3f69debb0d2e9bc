package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type FreeMessageRequest struct {
	Content   string   `json:"content" validate:"required"`
	Recipient ActorRef `json:"recipient"`
}

// SendFree stores a free-form message from sender. Free-form messages live
// in the web inbox only.
func (s *Service) SendFree(ctx context.Context, sender ActorRef, req FreeMessageRequest) (v FreeMessageView, err error) {
	defer func() { observeNotice("free", err) }()

	if err = check(req); err != nil {
		return v, err
	}
	if strings.TrimSpace(req.Content) == "" {
		return v, fmt.Errorf("%w: content is blank", ErrValidation)
	}
	if req.Recipient.Kind, err = ParseActorKind(string(req.Recipient.Kind)); err != nil {
		return v, err
	}
	if sender.Kind, err = ParseActorKind(string(sender.Kind)); err != nil {
		return v, err
	}
	if err = checkID(sender.ID, string(sender.Kind)); err != nil {
		return v, err
	}
	if _, err = s.contacts.Resolve(ctx, req.Recipient); err != nil {
		return v, err
	}

	f := FreeMessage{Content: req.Content, Sender: sender, Recipient: req.Recipient}
	if err = s.repo.InsertFree(ctx, &f); err != nil {
		return v, err
	}
	return s.freeView(ctx, f)
}

// ListFree lists the free-form messages actor received, newest first.
func (s *Service) ListFree(ctx context.Context, actor ActorRef) ([]FreeMessageView, error) {
	if err := checkID(actor.ID, string(actor.Kind)); err != nil {
		return nil, err
	}
	list, err := s.repo.ListFreeReceived(ctx, actor)
	if err != nil {
		return nil, err
	}
	out := make([]FreeMessageView, 0, len(list))
	for _, f := range list {
		v, err := s.freeView(ctx, f)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// MarkFreeRead marks a free-form message read for its recipient.
func (s *Service) MarkFreeRead(ctx context.Context, actor ActorRef, id string) (FreeMessageView, error) {
	if err := checkID(id, "message"); err != nil {
		return FreeMessageView{}, err
	}
	f, err := s.repo.GetFree(ctx, id)
	if err != nil {
		return FreeMessageView{}, err
	}
	if f.Recipient != actor {
		return FreeMessageView{}, fmt.Errorf("%w: not the recipient of this message", ErrForbidden)
	}
	if f, err = s.repo.MarkFreeRead(ctx, id); err != nil {
		return FreeMessageView{}, err
	}
	return s.freeView(ctx, f)
}

func (s *Service) UnreadFree(ctx context.Context, actor ActorRef) (int, error) {
	if err := checkID(actor.ID, string(actor.Kind)); err != nil {
		return 0, err
	}
	return s.repo.CountFreeUnread(ctx, actor)
}

// DeleteFree hard-deletes a free-form message for its sender or recipient.
func (s *Service) DeleteFree(ctx context.Context, actor ActorRef, id string) error {
	if err := checkID(id, "message"); err != nil {
		return err
	}
	f, err := s.repo.GetFree(ctx, id)
	if err != nil {
		return err
	}
	if f.Recipient != actor && f.Sender != actor {
		return fmt.Errorf("%w: only the sender or recipient may delete", ErrForbidden)
	}
	return s.repo.DeleteFree(ctx, id)
}

// freeView attaches the sender's name and email. A sender that no longer
// exists yields empty info.
func (s *Service) freeView(ctx context.Context, f FreeMessage) (FreeMessageView, error) {
	c, err := s.contacts.Resolve(ctx, f.Sender)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return FreeMessageView{}, err
	}
	return FreeMessageView{FreeMessage: f, SenderInfo: Contact{DisplayName: c.DisplayName, Email: c.Email}}, nil
}
