//go:generate go run go.uber.org/mock/mockgen -source=collaborators.go -destination=mocks/mock_collaborators.go -package=mocks
package service

import (
	"context"

	"github.com/adwski/chat-realtime/backend/model"
)

// IdentityVerifier resolves the user behind an identity token.
type IdentityVerifier interface {
	VerifyToken(ctx context.Context, token string) (int64, error)
}

// MembershipSource knows users, groups and who belongs where.
type MembershipSource interface {
	GetRoomsFor(ctx context.Context, userID int64) (model.Memberships, error)
	UserExists(ctx context.Context, userID int64) (bool, error)
	GroupExists(ctx context.Context, groupID int64) (bool, error)
}

// MessageStore persists messages and pages through conversations.
type MessageStore interface {
	PersistMessage(ctx context.Context, msg model.Message) (model.Message, error)
	GetMessages(ctx context.Context, conversation, cursor string, limit int) ([]model.Message, string, error)
	MarkRead(ctx context.Context, messageID string, readerID int64) (model.Message, error)
}
