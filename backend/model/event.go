package model

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

type Kind string

// Inbound kinds.
const (
	KindChatSend          Kind = "chat-send"
	KindFileTransferStart Kind = "file-transfer-start"
	KindFileChunk         Kind = "file-chunk"
	KindHistoryFetch      Kind = "history-fetch"
	KindFriendRequest     Kind = "friend-request"

	KindCallRequest  Kind = "call-request"
	KindCallAnswer   Kind = "call-answer"
	KindCallICE      Kind = "call-ice"
	KindCallRejected Kind = "call-rejected"
	KindCallEnded    Kind = "call-ended"

	KindVideoCallRequest  Kind = "video-call-request"
	KindVideoCallAnswer   Kind = "video-call-answer"
	KindVideoCallICE      Kind = "video-call-ice"
	KindVideoCallRejected Kind = "video-call-rejected"
	KindVideoCallEnded    Kind = "video-call-ended"
)

// Outbound kinds.
const (
	KindSessionReady     Kind = "session-ready"
	KindMessage          Kind = "message"
	KindMessageSent      Kind = "message-sent"
	KindOnlineRoster     Kind = "online-roster"
	KindUserOnline       Kind = "user-online"
	KindUserOffline      Kind = "user-offline"
	KindFileTransferInit Kind = "file-transfer-init"
	KindChunkReceived    Kind = "chunk-received"
	KindHistory          Kind = "history"
	KindFriendRequestIn  Kind = "friend-request-received"
	KindFriendRequestOut Kind = "friend-request-sent"
	KindError            Kind = "error"
)

// Kinds used in both directions.
const (
	KindMessageRead Kind = "message-read"
	KindBoardDraw   Kind = "board-draw"
	KindBoardClear  Kind = "board-clear"
	KindBoardState  Kind = "board-state"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Frame is the raw inbound envelope.
type Frame struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Inbound is one decoded client event. The set of implementations is
// closed, see DecodeFrame.
type Inbound interface {
	Kind() Kind
}

type ChatSend struct {
	ReceiverID int64       `json:"receiverId"`
	GroupID    int64       `json:"groupId"`
	Type       MessageType `json:"type" validate:"required"`
	Content    string      `json:"content"`
	File       *FileRef    `json:"file,omitempty"`
}

func (*ChatSend) Kind() Kind { return KindChatSend }

func (c *ChatSend) Target() Target {
	return Target{ReceiverID: c.ReceiverID, GroupID: c.GroupID}
}

type TransferMeta struct {
	ReceiverID int64  `json:"receiverId"`
	GroupID    int64  `json:"groupId"`
	Content    string `json:"content"`
}

type FileTransferStart struct {
	Name        string       `json:"name" validate:"required,max=255"`
	TotalChunks int          `json:"totalChunks" validate:"gt=0"`
	FileSize    int64        `json:"fileSize" validate:"gte=0"`
	FileType    string       `json:"fileType" validate:"max=255"`
	Message     TransferMeta `json:"message"`
}

func (*FileTransferStart) Kind() Kind { return KindFileTransferStart }

type FileChunk struct {
	TransferID string    `json:"transferId" validate:"required"`
	ChunkIndex int       `json:"chunkIndex"`
	Data       ChunkData `json:"data"`
}

func (*FileChunk) Kind() Kind { return KindFileChunk }

// ChunkData accepts either a base64 string or an array of byte values.
type ChunkData []byte

func (d *ChunkData) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return err
		}
		*d = decoded
		return nil
	}
	var values []uint8
	if err := json.Unmarshal(b, &values); err != nil {
		return err
	}
	*d = values
	return nil
}

type HistoryFetch struct {
	PeerID  int64  `json:"peerId"`
	GroupID int64  `json:"groupId"`
	Cursor  string `json:"cursor"`
	Limit   int    `json:"limit" validate:"gte=0,lte=200"`
}

func (*HistoryFetch) Kind() Kind { return KindHistoryFetch }

type FriendRequest struct {
	ReceiverID int64 `json:"receiverId" validate:"gt=0"`
}

func (*FriendRequest) Kind() Kind { return KindFriendRequest }

type MessageRead struct {
	MessageID string `json:"messageId" validate:"required,uuid"`
}

func (*MessageRead) Kind() Kind { return KindMessageRead }

type BoardDraw struct {
	GroupID   int64   `json:"groupId" validate:"gt=0"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Drawing   bool    `json:"drawing"`
	Color     string  `json:"color" validate:"omitempty,hexcolor"`
	LineWidth float64 `json:"lineWidth" validate:"gte=0,lte=100"`
}

func (*BoardDraw) Kind() Kind { return KindBoardDraw }

type BoardClear struct {
	GroupID int64 `json:"groupId" validate:"gt=0"`
}

func (*BoardClear) Kind() Kind { return KindBoardClear }

type BoardStateRequest struct {
	GroupID int64 `json:"groupId" validate:"gt=0"`
}

func (*BoardStateRequest) Kind() Kind { return KindBoardState }

// DecodeFrame parses a raw client frame into its typed payload.
// Unknown kinds and payloads failing validation are ErrValidation.
func DecodeFrame(raw []byte) (Inbound, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, errors.Join(ErrValidation, fmt.Errorf("malformed frame: %w", err))
	}

	var in Inbound
	switch f.Type {
	case KindChatSend:
		in = &ChatSend{}
	case KindFileTransferStart:
		in = &FileTransferStart{}
	case KindFileChunk:
		in = &FileChunk{}
	case KindHistoryFetch:
		in = &HistoryFetch{}
	case KindMessageRead:
		in = &MessageRead{}
	case KindFriendRequest:
		in = &FriendRequest{}
	case KindBoardDraw:
		in = &BoardDraw{}
	case KindBoardClear:
		in = &BoardClear{}
	case KindBoardState:
		in = &BoardStateRequest{}
	case KindCallRequest, KindCallAnswer, KindCallICE, KindCallRejected, KindCallEnded,
		KindVideoCallRequest, KindVideoCallAnswer, KindVideoCallICE, KindVideoCallRejected, KindVideoCallEnded:
		route := callRoutes[f.Type]
		in = &CallSignal{Call: route.call, Step: route.step}
	default:
		return nil, errors.Join(ErrValidation, fmt.Errorf("unknown event type %q", f.Type))
	}

	if len(f.Payload) == 0 || string(f.Payload) == "null" {
		return nil, errors.Join(ErrValidation, fmt.Errorf("%s: payload is missing", f.Type))
	}
	if err := json.Unmarshal(f.Payload, in); err != nil {
		return nil, errors.Join(ErrValidation, fmt.Errorf("%s: %w", f.Type, err))
	}
	if err := validate.Struct(in); err != nil {
		return nil, errors.Join(ErrValidation, fmt.Errorf("%s: %w", f.Type, err))
	}
	return in, nil
}
