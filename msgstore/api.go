package msgstore

import (
	"context"

	"github.com/ckfuturetech19/chat-app-sub002/msg"
)

// IMessageStore persists two-party chats and their messages.
type IMessageStore interface {
	// FindChat returns the chat id the user participates in, "" when
	// none exists yet.
	FindChat(ctx context.Context, uid string) (string, error)

	// PairedUser returns the partner assigned to the user by the
	// matchmaking flow, "" when the user has no partner yet.
	PairedUser(ctx context.Context, uid string) (string, error)

	// CreateChat inserts the chat row for the two participants.
	CreateChat(ctx context.Context, chatID, userA, userB string) error

	// Participants returns both user ids of the chat.
	Participants(ctx context.Context, chatID string) (string, string, error)

	// ListMessages returns the full message list, sent_at ascending.
	ListMessages(ctx context.Context, chatID string) ([]*msg.Message, error)

	// SaveMessage inserts one message. The id must be set.
	SaveMessage(ctx context.Context, chatID string, m *msg.Message) error

	// DeleteMessage removes the message, reports whether a row changed.
	DeleteMessage(ctx context.Context, id string) (bool, error)

	// MarkRead flags every partner message in the chat as read.
	MarkRead(ctx context.Context, chatID, readerID string) (int64, error)

	IsDupKeyError(err error) bool
}
