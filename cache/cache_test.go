package cache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ckfuturetech19/chat-app-sub002/msg"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	assert.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetRoundtrip(t *testing.T) {
	s := openTestStore(t)

	batch := []*msg.Message{
		{ID: "m1", SenderID: "u1", Text: "hello", Kind: msg.KindText, SentAt: time.Now().Truncate(time.Millisecond)},
		{ID: "m2", SenderID: "u2", Kind: msg.KindImage, MediaURL: "http://x/a.png", Caption: "cap", SentAt: time.Now().Truncate(time.Millisecond)},
	}
	s.Put("c1", batch)

	got := s.Get("c1")
	if assert.Len(t, got, 2) {
		assert.Equal(t, "m1", got[0].ID)
		assert.Equal(t, "hello", got[0].Text)
		assert.Equal(t, msg.KindImage, got[1].Kind)
		assert.Equal(t, "http://x/a.png", got[1].MediaURL)
	}
}

func TestPutReplaces(t *testing.T) {
	s := openTestStore(t)

	s.Put("c1", []*msg.Message{{ID: "m1"}, {ID: "m2"}})
	s.Put("c1", []*msg.Message{{ID: "m3"}})

	got := s.Get("c1")
	if assert.Len(t, got, 1) {
		assert.Equal(t, "m3", got[0].ID)
	}
}

func TestGetMiss(t *testing.T) {
	s := openTestStore(t)
	assert.Nil(t, s.Get("nope"))
}

func TestPutEmptyChatIDIsNoop(t *testing.T) {
	s := openTestStore(t)
	s.Put("", []*msg.Message{{ID: "m1"}})
	assert.Nil(t, s.Get(""))
}
