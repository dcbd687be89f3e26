package service

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/adwski/chat-realtime/backend/model"
	"github.com/google/uuid"
)

var (
	ErrSelfFriend     = errors.New("cannot befriend yourself")
	ErrAlreadyContact = errors.New("already a contact")
)

// friendRequest notifies the receiver's private room. Accepting the
// request and storing the friendship are not handled here.
func (svc *Service) friendRequest(ctx context.Context, sess *Session, req *model.FriendRequest) error {
	if req.ReceiverID == sess.UserID {
		return errors.Join(model.ErrValidation, ErrSelfFriend)
	}
	ok, err := svc.memberships.UserExists(ctx, req.ReceiverID)
	if err != nil {
		return errors.Join(model.ErrStorage, err)
	}
	if !ok {
		return errors.Join(model.ErrNotFound, fmt.Errorf("user %d", req.ReceiverID))
	}

	// contacts may have changed since the session was opened
	m, err := svc.memberships.GetRoomsFor(ctx, sess.UserID)
	if err != nil {
		return errors.Join(model.ErrStorage, err)
	}
	if slices.Contains(m.ContactIDs, req.ReceiverID) {
		return errors.Join(model.ErrValidation, ErrAlreadyContact)
	}

	requestID := uuid.NewString()
	n := svc.sw.Publish(ctx, model.PrivateRoom(req.ReceiverID), model.Event{
		Type: model.KindFriendRequestIn,
		Payload: model.FriendRequestReceived{
			RequestID: requestID,
			Sender:    model.FriendRequestSender{ID: sess.UserID},
		},
	}, "")
	svc.sw.SendTo(sess.ConnID, model.Event{
		Type:    model.KindFriendRequestOut,
		Payload: model.FriendRequestSent{RequestID: requestID, ReceiverID: req.ReceiverID},
	})

	sess.logger.Debug().
		Int64("receiverID", req.ReceiverID).
		Int("delivered", n).
		Msg("friend request sent")
	return nil
}
