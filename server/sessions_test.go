package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testHandler(uid, sid string, createTime int64) *Handler {
	return &Handler{session: &Session{UID: uid, SID: sid, CreateTime: createTime}}
}

func TestSessionStoreAddGetDel(t *testing.T) {
	s := newSessionStore()

	h := testHandler("u1", "s1", 1)
	s.add(h)

	assert.Equal(t, h, s.get("s1"))
	assert.Nil(t, s.get("s2"))

	assert.True(t, s.del("s1"))
	assert.False(t, s.del("s1"))
	assert.Nil(t, s.get("s1"))
}

func TestGetByUID(t *testing.T) {
	s := newSessionStore()
	s.add(testHandler("u1", "s1", 1))
	s.add(testHandler("u1", "s2", 2))
	s.add(testHandler("u2", "s3", 3))

	assert.Len(t, s.getByUID("u1"), 2)
	assert.Len(t, s.getByUID("u2"), 1)
	assert.Empty(t, s.getByUID("u3"))
}

func TestOverQuotaPicksOldest(t *testing.T) {
	s := newSessionStore()
	s.add(testHandler("u1", "s1", 30))
	s.add(testHandler("u1", "s2", 10))
	s.add(testHandler("u1", "s3", 20))

	assert.Empty(t, s.overQuota("u1", 3))

	over := s.overQuota("u1", 1)
	if assert.Len(t, over, 2) {
		assert.Equal(t, "s2", over[0].session.SID)
		assert.Equal(t, "s3", over[1].session.SID)
	}
}
