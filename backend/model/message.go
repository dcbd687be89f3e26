package model

import (
	"errors"
	"fmt"
	"time"
)

type MessageType string

const (
	MessageText  MessageType = "text"
	MessageEmoji MessageType = "emoji"
	MessageFile  MessageType = "file"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageEmoji, MessageFile:
		return true
	}
	return false
}

var (
	errNoTarget   = errors.New("either receiverId or groupId is required")
	errTwoTargets = errors.New("receiverId and groupId are mutually exclusive")
)

// Target addresses a message: exactly one of ReceiverID, GroupID is set.
type Target struct {
	ReceiverID int64 `json:"receiverId,omitempty"`
	GroupID    int64 `json:"groupId,omitempty"`
}

func (t Target) Validate() error {
	switch {
	case t.ReceiverID == 0 && t.GroupID == 0:
		return errors.Join(ErrValidation, errNoTarget)
	case t.ReceiverID != 0 && t.GroupID != 0:
		return errors.Join(ErrValidation, errTwoTargets)
	case t.ReceiverID < 0 || t.GroupID < 0:
		return errors.Join(ErrValidation, errors.New("ids must be positive"))
	}
	return nil
}

// Room is the room a message to this target is delivered to.
func (t Target) Room() RoomID {
	if t.GroupID != 0 {
		return GroupRoom(t.GroupID)
	}
	return PrivateRoom(t.ReceiverID)
}

// Conversation is the storage key shared by both directions of a
// direct chat, or by every member of a group.
func (t Target) Conversation(senderID int64) string {
	if t.GroupID != 0 {
		return fmt.Sprintf("group:%d", t.GroupID)
	}
	a, b := senderID, t.ReceiverID
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("dm:%d:%d", a, b)
}

type FileRef struct {
	URL  string `json:"url"`
	Name string `json:"name"`
	MIME string `json:"mime,omitempty"`
	Size int64  `json:"size"`
}

type Message struct {
	ID         string      `json:"id"`
	SenderID   int64       `json:"senderId"`
	ReceiverID int64       `json:"receiverId,omitempty"`
	GroupID    int64       `json:"groupId,omitempty"`
	Content    string      `json:"content"`
	Type       MessageType `json:"type"`
	File       *FileRef    `json:"file,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
	Read       bool        `json:"read"`
}

func (m Message) Target() Target {
	return Target{ReceiverID: m.ReceiverID, GroupID: m.GroupID}
}

func (m Message) Conversation() string {
	return m.Target().Conversation(m.SenderID)
}
