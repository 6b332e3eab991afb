// Package transport defines the backend contract the sync controller
// depends on, plus a websocket implementation of it.
package transport

import (
	"context"
	"fmt"

	"github.com/ckfuturetech19/chat-app-sub002/msg"
)

// ErrorKind classifies backend errors so callers never have to sniff
// error message strings.
type ErrorKind int

const (
	// KindTransient covers network and other retriable failures.
	KindTransient ErrorKind = iota
	// KindMissingIndex: the live query needs a backend index that does
	// not exist. Retrying the identical query will not help.
	KindMissingIndex
	KindUnauthenticated
	KindInvalid
)

type Error struct {
	Kind ErrorKind
	Op   string
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport: op=%s kind=%d: %s", e.Op, e.Kind, e.Msg)
}

// StreamEvent is either a full ordered message batch or a stream error.
// Exactly one of the two fields is set.
type StreamEvent struct {
	Batch []*msg.Message
	Err   *Error
}

// Stream is a live message subscription for one chat. Events carries
// full snapshots in send order. A transient error is terminal: the
// events channel is closed after delivering it and the caller must
// subscribe again. A missing-index error is not terminal, the stream
// stays open so a cheap refresh can be attempted.
type Stream interface {
	Events() <-chan StreamEvent
	Close()
}

// Client is the backend contract.
type Client interface {
	// BootstrapChat discovers or creates the chat for the user.
	// Returns "" with nil error when there is no chat to bootstrap yet.
	BootstrapChat(ctx context.Context, userID string) (string, error)

	// SubscribeMessages replaces any server-side subscription with one
	// for the given chat and returns the live stream.
	SubscribeMessages(chatID string) (Stream, error)

	// RefreshSubscription asks the backend to re-push the current
	// snapshot on the live stream. Cheaper than a full resubscribe.
	RefreshSubscription(chatID string) error

	// SendText persists a text message. ok=false with nil error means
	// the backend rejected the message.
	SendText(ctx context.Context, chatID, text string) (bool, error)
	SendImage(ctx context.Context, chatID, url, caption string) (bool, error)

	SetTyping(ctx context.Context, on bool) error
	MarkRead(ctx context.Context, chatID string) error
	DeleteMessage(ctx context.Context, id string) error

	Close()
}
