package service

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/adwski/chat-realtime/backend/model"
)

// board keeps the recent strokes of every group whiteboard, oldest
// strokes are dropped past the limit.
type board struct {
	mx      sync.Mutex
	limit   int
	strokes map[int64][]model.Stroke
}

func newBoard(limit int) *board {
	return &board{
		limit:   limit,
		strokes: make(map[int64][]model.Stroke),
	}
}

func (b *board) draw(s model.Stroke) {
	b.mx.Lock()
	defer b.mx.Unlock()
	strokes := append(b.strokes[s.GroupID], s)
	if over := len(strokes) - b.limit; over > 0 {
		strokes = slices.Delete(strokes, 0, over)
	}
	b.strokes[s.GroupID] = strokes
}

func (b *board) clear(groupID int64) {
	b.mx.Lock()
	defer b.mx.Unlock()
	delete(b.strokes, groupID)
}

func (b *board) snapshot(groupID int64) []model.Stroke {
	b.mx.Lock()
	defer b.mx.Unlock()
	return append([]model.Stroke{}, b.strokes[groupID]...)
}

func (svc *Service) requireGroup(sess *Session, groupID int64) error {
	if !svc.sw.Subscribed(sess.ConnID, model.GroupRoom(groupID)) {
		return errors.Join(model.ErrNotFound, ErrNotSubscribed)
	}
	return nil
}

func (svc *Service) boardDraw(ctx context.Context, sess *Session, req *model.BoardDraw) error {
	if err := svc.requireGroup(sess, req.GroupID); err != nil {
		return err
	}
	stroke := model.Stroke{
		GroupID:   req.GroupID,
		SenderID:  sess.UserID,
		X:         req.X,
		Y:         req.Y,
		Drawing:   req.Drawing,
		Color:     req.Color,
		LineWidth: req.LineWidth,
	}
	svc.board.draw(stroke)
	svc.sw.Publish(ctx, model.GroupRoom(req.GroupID), model.Event{Type: model.KindBoardDraw, Payload: stroke}, sess.ConnID)
	return nil
}

func (svc *Service) boardClear(ctx context.Context, sess *Session, req *model.BoardClear) error {
	if err := svc.requireGroup(sess, req.GroupID); err != nil {
		return err
	}
	svc.board.clear(req.GroupID)
	svc.sw.Publish(ctx, model.GroupRoom(req.GroupID), model.Event{
		Type:    model.KindBoardClear,
		Payload: model.BoardCleared{GroupID: req.GroupID, SenderID: sess.UserID},
	}, "")
	return nil
}

func (svc *Service) boardState(sess *Session, req *model.BoardStateRequest) error {
	if err := svc.requireGroup(sess, req.GroupID); err != nil {
		return err
	}
	svc.sw.SendTo(sess.ConnID, model.Event{
		Type:    model.KindBoardState,
		Payload: model.BoardSnapshot{GroupID: req.GroupID, Strokes: svc.board.snapshot(req.GroupID)},
	})
	return nil
}
