package transport

import "github.com/ckfuturetech19/chat-app-sub002/msg"

// Wire protocol: JSON text frames over websocket, one union object per
// frame. Shared by the client implementation and the server hub.

const (
	OpBootstrap = "bootstrap"
	OpSubscribe = "subscribe"
	OpRefresh   = "refresh"
	OpSend      = "send"
	OpTyping    = "typing"
	OpMarkRead  = "mark_read"
	OpDelete    = "delete"
)

const (
	ErrorCodeInvalidArguments   = 3
	ErrorCodeFailedPrecondition = 9
	ErrorCodeInternal           = 13
	ErrorCodeUnauthenticated    = 16
)

type BootstrapReq struct{}

type SubscribeReq struct {
	ChatID string `json:"chat_id"`
}

type RefreshReq struct {
	ChatID string `json:"chat_id"`
}

type SendReq struct {
	ChatID   string   `json:"chat_id"`
	Kind     msg.Kind `json:"kind"`
	Text     string   `json:"text,omitempty"`
	MediaURL string   `json:"media_url,omitempty"`
	Caption  string   `json:"caption,omitempty"`
}

type TypingReq struct {
	On bool `json:"on"`
}

type MarkReadReq struct {
	ChatID string `json:"chat_id"`
}

type DeleteReq struct {
	ID string `json:"id"`
}

// ClientFrame is the client to server union. Exactly one field is set.
type ClientFrame struct {
	Bootstrap *BootstrapReq `json:"bootstrap,omitempty"`
	Subscribe *SubscribeReq `json:"subscribe,omitempty"`
	Refresh   *RefreshReq   `json:"refresh,omitempty"`
	Send      *SendReq      `json:"send,omitempty"`
	Typing    *TypingReq    `json:"typing,omitempty"`
	MarkRead  *MarkReadReq  `json:"mark_read,omitempty"`
	Delete    *DeleteReq    `json:"delete,omitempty"`
}

type BootstrapResp struct {
	ChatID string `json:"chat_id"`
}

type Ack struct {
	Op string `json:"op"`
	OK bool   `json:"ok"`
	ID string `json:"id,omitempty"`
}

type Batch struct {
	ChatID   string         `json:"chat_id"`
	Messages []*msg.Message `json:"messages"`
}

type ErrorFrame struct {
	Code   int      `json:"code"`
	Op     string   `json:"op,omitempty"`
	Params []string `json:"params,omitempty"`
}

// ServerFrame is the server to client union. Exactly one field is set.
type ServerFrame struct {
	Bootstrap *BootstrapResp `json:"bootstrap,omitempty"`
	Ack       *Ack           `json:"ack,omitempty"`
	Batch     *Batch         `json:"batch,omitempty"`
	Typing    *TypingReq     `json:"typing,omitempty"`
	Error     *ErrorFrame    `json:"error,omitempty"`
}
