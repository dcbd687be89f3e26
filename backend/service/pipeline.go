package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/adwski/chat-realtime/backend/model"
)

var (
	ErrContentTooLong  = errors.New("content is too long")
	ErrEmptyContent    = errors.New("content is required")
	ErrFileRequired    = errors.New("file message requires a file reference")
	ErrFileNotExpected = errors.New("only file messages carry a file reference")
	ErrNotSubscribed   = errors.New("not a member of this group")
)

type SubmitRequest struct {
	SenderID int64
	// Origin is the sender's connection, it receives the acknowledgement.
	Origin  string
	Target  model.Target
	Type    model.MessageType
	Content string
	File    *model.FileRef
}

// Submit validates, persists and delivers a message. Nothing is
// published unless the message was stored.
func (svc *Service) Submit(ctx context.Context, req SubmitRequest) (model.Message, error) {
	if err := svc.validateMessage(req); err != nil {
		return model.Message{}, err
	}
	if err := svc.checkTarget(ctx, req.Target); err != nil {
		return model.Message{}, err
	}

	msg, err := svc.messages.PersistMessage(ctx, model.Message{
		SenderID:   req.SenderID,
		ReceiverID: req.Target.ReceiverID,
		GroupID:    req.Target.GroupID,
		Content:    req.Content,
		Type:       req.Type,
		File:       req.File,
		CreatedAt:  svc.now().UTC(),
	})
	if err != nil {
		return model.Message{}, errors.Join(model.ErrStorage, err)
	}

	// group senders are subscribers of the group and see their own message
	var exclude string
	if req.Target.GroupID == 0 {
		exclude = req.Origin
	}
	n := svc.sw.Publish(ctx, req.Target.Room(), model.Event{Type: model.KindMessage, Payload: msg}, exclude)
	if req.Origin != "" {
		svc.sw.SendTo(req.Origin, model.Event{Type: model.KindMessageSent, Payload: msg})
	}

	svc.logger.Debug().
		Str("messageID", msg.ID).
		Str("room", req.Target.Room().String()).
		Int("delivered", n).
		Msg("message submitted")
	return msg, nil
}

func (svc *Service) validateMessage(req SubmitRequest) error {
	if err := req.Target.Validate(); err != nil {
		return err
	}
	if !req.Type.Valid() {
		return errors.Join(model.ErrValidation, fmt.Errorf("unknown message type %q", req.Type))
	}
	if len(req.Content) > svc.maxContent {
		return errors.Join(model.ErrValidation, ErrContentTooLong)
	}
	switch {
	case req.Type == model.MessageFile && req.File == nil:
		return errors.Join(model.ErrValidation, ErrFileRequired)
	case req.Type != model.MessageFile && req.File != nil:
		return errors.Join(model.ErrValidation, ErrFileNotExpected)
	case req.Type != model.MessageFile && req.Content == "":
		return errors.Join(model.ErrValidation, ErrEmptyContent)
	}
	return nil
}

// checkTarget makes sure the addressed user or group exists.
func (svc *Service) checkTarget(ctx context.Context, target model.Target) error {
	var (
		ok   bool
		err  error
		what string
	)
	if target.GroupID != 0 {
		ok, err = svc.memberships.GroupExists(ctx, target.GroupID)
		what = fmt.Sprintf("group %d", target.GroupID)
	} else {
		ok, err = svc.memberships.UserExists(ctx, target.ReceiverID)
		what = fmt.Sprintf("user %d", target.ReceiverID)
	}
	if err != nil {
		return errors.Join(model.ErrStorage, err)
	}
	if !ok {
		return errors.Join(model.ErrNotFound, errors.New(what))
	}
	return nil
}

func (svc *Service) history(ctx context.Context, sess *Session, req *model.HistoryFetch) error {
	target := model.Target{ReceiverID: req.PeerID, GroupID: req.GroupID}
	if err := target.Validate(); err != nil {
		return err
	}
	if target.GroupID != 0 && !svc.sw.Subscribed(sess.ConnID, target.Room()) {
		return errors.Join(model.ErrNotFound, ErrNotSubscribed)
	}

	messages, cursor, err := svc.messages.GetMessages(ctx, target.Conversation(sess.UserID), req.Cursor, req.Limit)
	if err != nil {
		return storageErr(err)
	}
	if messages == nil {
		messages = []model.Message{}
	}
	svc.sw.SendTo(sess.ConnID, model.Event{
		Type: model.KindHistory,
		Payload: model.HistoryPage{
			PeerID:   req.PeerID,
			GroupID:  req.GroupID,
			Messages: messages,
			Cursor:   cursor,
		},
	})
	return nil
}

func (svc *Service) markRead(ctx context.Context, sess *Session, req *model.MessageRead) error {
	msg, err := svc.messages.MarkRead(ctx, req.MessageID, sess.UserID)
	if err != nil {
		return storageErr(err)
	}
	svc.sw.Publish(ctx, model.PrivateRoom(msg.SenderID), model.Event{
		Type:    model.KindMessageRead,
		Payload: model.ReadReceipt{MessageID: msg.ID, ReaderID: sess.UserID},
	}, "")
	return nil
}
