package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/adwski/chat-realtime/backend/model"
)

var ErrSelfCall = errors.New("cannot signal yourself")

// relay forwards a call-setup event to the target's private room. It
// keeps no call state; ended also goes back to the caller's connection.
func (svc *Service) relay(ctx context.Context, sess *Session, sig *model.CallSignal) error {
	if err := sig.Check(); err != nil {
		return err
	}
	if sig.Target == sess.UserID {
		return errors.Join(model.ErrValidation, ErrSelfCall)
	}
	ok, err := svc.memberships.UserExists(ctx, sig.Target)
	if err != nil {
		return errors.Join(model.ErrStorage, err)
	}
	if !ok {
		return errors.Join(model.ErrNotFound, fmt.Errorf("user %d", sig.Target))
	}

	ev := model.Event{
		Type: sig.Outbound(),
		Payload: model.CallEvent{
			SenderID:   sess.UserID,
			Target:     sig.Target,
			CallerName: sig.CallerName,
			Type:       sig.Call,
			SDP:        sig.SDP,
			Candidate:  sig.Candidate,
		},
	}
	n := svc.sw.Publish(ctx, model.PrivateRoom(sig.Target), ev, "")
	if sig.Step == model.StepEnded {
		svc.sw.SendTo(sess.ConnID, ev)
	}

	sess.logger.Trace().
		Str("kind", string(ev.Type)).
		Int64("target", sig.Target).
		Int("delivered", n).
		Msg("signal relayed")
	return nil
}
