package msg

import (
	"strings"
	"time"
)

type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
)

// content spec:
// text(size), image(url,caption)

// Other, not supported here:
// - audio/video
// - redraw

// ChatSession identifies one two-party conversation.
// The id is assigned by the backend on first bootstrap and is stable
// afterwards. An empty id means "not yet bootstrapped".
type ChatSession struct {
	ID string `json:"id"`
}

// Message is one chat message. Once `ID` is assigned by the backend the
// message is immutable. Ordering is by `SentAt` ascending, server side.
type Message struct {
	ID       string    `json:"id,omitempty"`
	Text     string    `json:"text,omitempty"`
	SenderID string    `json:"sender_id"`
	SentAt   time.Time `json:"sent_at"`
	Kind     Kind      `json:"kind"`
	MediaURL string    `json:"media_url,omitempty"`
	Caption  string    `json:"caption,omitempty"`
	// Read is flipped server side when the receiving participant marks
	// the conversation read.
	Read bool `json:"read,omitempty"`
}

// Normalize lowercases and trims message text for reconciliation
// against optimistic sends.
func Normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// IDSet returns the set of ids present in the batch. Messages without
// an id are skipped.
func IDSet(batch []*Message) map[string]struct{} {
	out := make(map[string]struct{}, len(batch))
	for _, m := range batch {
		if m.ID != "" {
			out[m.ID] = struct{}{}
		}
	}
	return out
}

// ContainsNormalized reports whether any message in the batch has text
// that normalizes to `text`.
func ContainsNormalized(batch []*Message, text string) bool {
	for _, m := range batch {
		if Normalize(m.Text) == text {
			return true
		}
	}
	return false
}
