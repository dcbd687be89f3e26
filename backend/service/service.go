package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/adwski/chat-realtime/backend/model"
	"github.com/adwski/chat-realtime/backend/transfer"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

const (
	defaultMaxContentLength = 4096
	defaultBoardStrokeLimit = 2000
)

var (
	ErrSessionClosed = errors.New("session is closed")
	ErrUnsupported   = errors.New("unsupported event")
)

type (
	Presence interface {
		SetOnline(ctx context.Context, userID int64, connID string) error
		Release(ctx context.Context, userID int64, connID string) (bool, error)
		Touch(ctx context.Context, userID int64, connID string) error
		ListOnline(ctx context.Context) ([]int64, error)
	}

	Router interface {
		Connect(wire model.Wire)
		Disconnect(connID string)
		Subscribe(connID string, roomID model.RoomID) bool
		Subscribed(connID string, roomID model.RoomID) bool
		Publish(ctx context.Context, roomID model.RoomID, ev model.Event, exclude string) int
		Broadcast(ctx context.Context, ev model.Event, exclude string) int
		SendTo(connID string, ev model.Event) bool
	}

	Transfers interface {
		Start(name string, totalChunks int, fileType string, meta transfer.Meta) (string, error)
		Meta(transferID string) (transfer.Meta, bool)
		AddChunk(transferID string, index int, data []byte) (transfer.Progress, error)
		Materialize(ctx context.Context, transferID string) (model.FileRef, transfer.Meta, error)
		Retry(transferID string) bool
	}

	Service struct {
		logger      zerolog.Logger
		verifier    IdentityVerifier
		memberships MembershipSource
		messages    MessageStore
		presence    Presence
		sw          Router
		transfers   Transfers
		board       *board
		maxContent  int
		now         func() time.Time
	}

	Config struct {
		Logger           *zerolog.Logger
		Verifier         IdentityVerifier
		Memberships      MembershipSource
		Messages         MessageStore
		Presence         Presence
		Router           Router
		Transfers        Transfers
		MaxContentLength int
		BoardStrokeLimit int
	}
)

func NewService(cfg Config) *Service {
	svc := &Service{
		logger:      cfg.Logger.With().Str("component", "service").Logger(),
		verifier:    cfg.Verifier,
		memberships: cfg.Memberships,
		messages:    cfg.Messages,
		presence:    cfg.Presence,
		sw:          cfg.Router,
		transfers:   cfg.Transfers,
		maxContent:  cfg.MaxContentLength,
		now:         time.Now,
	}
	if svc.maxContent <= 0 {
		svc.maxContent = defaultMaxContentLength
	}
	limit := cfg.BoardStrokeLimit
	if limit <= 0 {
		limit = defaultBoardStrokeLimit
	}
	svc.board = newBoard(limit)
	return svc
}

// Session is the state of one authenticated connection. Handlers and
// teardown of the same session never run concurrently.
type Session struct {
	ConnID string
	UserID int64

	memberships model.Memberships
	wire        model.Wire
	logger      zerolog.Logger

	mx     sync.Mutex
	opened bool
	closed bool
}

// Authenticate verifies the token and resolves the user's rooms. No
// shared state is touched, so a failure leaves nothing behind.
func (svc *Service) Authenticate(ctx context.Context, token string) (*Session, error) {
	userID, err := svc.verifier.VerifyToken(ctx, token)
	if err != nil {
		if !errors.Is(err, model.ErrAuth) {
			err = errors.Join(model.ErrAuth, err)
		}
		return nil, err
	}
	m, err := svc.memberships.GetRoomsFor(ctx, userID)
	if err != nil {
		return nil, errors.Join(model.ErrStorage, err)
	}
	m.GroupIDs = lo.Uniq(m.GroupIDs)
	m.ContactIDs = lo.Uniq(m.ContactIDs)

	connID := uuid.NewString()
	return &Session{
		ConnID:      connID,
		UserID:      userID,
		memberships: m,
		logger: svc.logger.With().
			Str("connID", connID).
			Int64("userID", userID).
			Logger(),
	}, nil
}

// Open attaches the wire of an authenticated session: subscribes its
// rooms, registers presence and announces the user.
func (svc *Service) Open(ctx context.Context, sess *Session, wire model.Wire) error {
	sess.mx.Lock()
	defer sess.mx.Unlock()
	if sess.closed || sess.opened {
		return ErrSessionClosed
	}
	sess.wire = wire

	svc.sw.Connect(wire)
	svc.sw.Subscribe(sess.ConnID, model.PrivateRoom(sess.UserID))
	for _, groupID := range sess.memberships.GroupIDs {
		svc.sw.Subscribe(sess.ConnID, model.GroupRoom(groupID))
	}

	if err := svc.presence.SetOnline(ctx, sess.UserID, sess.ConnID); err != nil {
		svc.sw.Disconnect(sess.ConnID)
		return errors.Join(model.ErrStorage, err)
	}
	sess.opened = true

	online := svc.listOnline(ctx)
	svc.sw.SendTo(sess.ConnID, model.Event{
		Type: model.KindSessionReady,
		Payload: model.SessionReady{
			UserID:   sess.UserID,
			ConnID:   sess.ConnID,
			Groups:   lo.Ternary(sess.memberships.GroupIDs == nil, []int64{}, sess.memberships.GroupIDs),
			Contacts: lo.Ternary(sess.memberships.ContactIDs == nil, []int64{}, sess.memberships.ContactIDs),
			Online:   online,
		},
	})
	svc.sw.Broadcast(ctx, model.Event{
		Type:    model.KindUserOnline,
		Payload: model.UserPresence{UserID: sess.UserID},
	}, sess.ConnID)
	svc.sw.Broadcast(ctx, model.Event{
		Type:    model.KindOnlineRoster,
		Payload: model.Roster{Users: online},
	}, "")

	sess.logger.Debug().
		Int("groups", len(sess.memberships.GroupIDs)).
		Msg("session opened")
	return nil
}

// Connect authenticates the token and opens a session on wire.
func (svc *Service) Connect(ctx context.Context, token string, wire model.Wire) (*Session, error) {
	sess, err := svc.Authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	if wire.ConnID != "" {
		sess.ConnID = wire.ConnID
		sess.logger = sess.logger.With().Str("connID", wire.ConnID).Logger()
	}
	if err = svc.Open(ctx, sess, wire); err != nil {
		return nil, err
	}
	return sess, nil
}

// Disconnect tears the session down once. The presence entry is only
// dropped if it still belongs to this connection.
func (svc *Service) Disconnect(ctx context.Context, sess *Session) {
	sess.mx.Lock()
	defer sess.mx.Unlock()
	if sess.closed {
		return
	}
	sess.closed = true
	if !sess.opened {
		return
	}

	svc.sw.Disconnect(sess.ConnID)
	sess.wire.Close()

	released, err := svc.presence.Release(ctx, sess.UserID, sess.ConnID)
	if err != nil {
		sess.logger.Error().Err(err).Msg("failed to release presence")
		return
	}
	if !released {
		sess.logger.Debug().Msg("presence owned by a newer connection")
		return
	}

	svc.sw.Broadcast(ctx, model.Event{
		Type:    model.KindUserOffline,
		Payload: model.UserPresence{UserID: sess.UserID},
	}, "")
	svc.sw.Broadcast(ctx, model.Event{
		Type:    model.KindOnlineRoster,
		Payload: model.Roster{Users: svc.listOnline(ctx)},
	}, "")
	sess.logger.Debug().Msg("session closed")
}

// Heartbeat keeps the presence entry of a live session from expiring.
func (svc *Service) Heartbeat(ctx context.Context, sess *Session) error {
	return svc.presence.Touch(ctx, sess.UserID, sess.ConnID)
}

// Handle processes one inbound frame. Domain errors are reported to the
// originating connection only; the returned error is ErrSessionClosed
// when the session is already torn down.
func (svc *Service) Handle(ctx context.Context, sess *Session, raw []byte) error {
	sess.mx.Lock()
	defer sess.mx.Unlock()
	if sess.closed || !sess.opened {
		return ErrSessionClosed
	}

	in, err := model.DecodeFrame(raw)
	if err == nil {
		err = svc.dispatch(ctx, sess, in)
	}
	if err != nil {
		svc.reportError(sess, err)
	}
	return nil
}

func (svc *Service) dispatch(ctx context.Context, sess *Session, in model.Inbound) error {
	switch ev := in.(type) {
	case *model.ChatSend:
		_, err := svc.Submit(ctx, SubmitRequest{
			SenderID: sess.UserID,
			Origin:   sess.ConnID,
			Target:   ev.Target(),
			Type:     ev.Type,
			Content:  ev.Content,
			File:     ev.File,
		})
		return err
	case *model.FileTransferStart:
		return svc.startTransfer(ctx, sess, ev)
	case *model.FileChunk:
		return svc.addChunk(ctx, sess, ev)
	case *model.HistoryFetch:
		return svc.history(ctx, sess, ev)
	case *model.MessageRead:
		return svc.markRead(ctx, sess, ev)
	case *model.FriendRequest:
		return svc.friendRequest(ctx, sess, ev)
	case *model.CallSignal:
		return svc.relay(ctx, sess, ev)
	case *model.BoardDraw:
		return svc.boardDraw(ctx, sess, ev)
	case *model.BoardClear:
		return svc.boardClear(ctx, sess, ev)
	case *model.BoardStateRequest:
		return svc.boardState(sess, ev)
	default:
		return errors.Join(model.ErrValidation, ErrUnsupported)
	}
}

func (svc *Service) reportError(sess *Session, err error) {
	code := model.ErrorCode(err)
	msg := strings.ReplaceAll(err.Error(), "\n", ": ")
	if code == model.CodeInternal {
		sess.logger.Error().Err(err).Msg("handler failed")
		msg = "internal error"
	} else {
		sess.logger.Debug().Err(err).Str("code", code).Msg("request refused")
	}
	svc.sw.SendTo(sess.ConnID, model.Event{
		Type:    model.KindError,
		Payload: model.ErrorPayload{Msg: msg, Code: code},
	})
}

func (svc *Service) listOnline(ctx context.Context) []int64 {
	online, err := svc.presence.ListOnline(ctx)
	if err != nil {
		svc.logger.Error().Err(err).Msg("failed to list online users")
		return []int64{}
	}
	if online == nil {
		return []int64{}
	}
	return online
}

// storageErr keeps domain errors as they are and classifies the rest
// as storage failures.
func storageErr(err error) error {
	if model.ErrorCode(err) != model.CodeInternal {
		return err
	}
	return errors.Join(model.ErrStorage, err)
}
