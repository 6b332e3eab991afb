package server

import (
	"sort"
	"sync"
)

// Session describes one live websocket connection.
type Session struct {
	UID        string
	SID        string
	CreateTime int64
	IP         string
}

// memory handler store for live sessions.
type SessionStore struct {
	sync.RWMutex
	handlers map[string]*Handler
}

func newSessionStore() *SessionStore {
	return &SessionStore{handlers: make(map[string]*Handler)}
}

func (s *SessionStore) get(sid string) *Handler {
	s.RLock()
	h := s.handlers[sid]
	s.RUnlock()
	return h
}

func (s *SessionStore) add(h *Handler) {
	s.Lock()
	s.handlers[h.session.SID] = h
	s.Unlock()
}

func (s *SessionStore) del(sid string) bool {
	s.Lock()
	defer s.Unlock()
	if _, ok := s.handlers[sid]; ok {
		delete(s.handlers, sid)
		return true
	}
	return false
}

func (s *SessionStore) getByUID(uid string) []*Handler {
	s.RLock()
	defer s.RUnlock()

	var out []*Handler
	for _, h := range s.handlers {
		if h.session.UID == uid {
			out = append(out, h)
		}
	}
	return out
}

// overQuota returns the user's oldest sessions beyond the cap,
// create time ascending.
func (s *SessionStore) overQuota(uid string, quota int) []*Handler {
	slice := s.getByUID(uid)
	n := len(slice) - quota
	if n <= 0 {
		return nil
	}
	sort.Slice(slice, func(i, j int) bool {
		return slice[i].session.CreateTime < slice[j].session.CreateTime
	})
	return slice[:n]
}

func (s *SessionStore) close() {
	s.RLock()
	defer s.RUnlock()
	for _, h := range s.handlers {
		h.close(ServerStop)
	}
}
