// Package cache keeps the last-known message list per chat so the UI
// stays non-empty while the live stream is down. It is a fallback, not
// a durability guarantee.
package cache

import (
	"encoding/json"

	"github.com/golang/glog"
	"go.etcd.io/bbolt"

	"github.com/ckfuturetech19/chat-app-sub002/msg"
)

const bucketName = "messages"

// Store is a local key-value store of message batches keyed by chat id.
// All operations are synchronous and never fail from the caller's point
// of view: write errors are logged and swallowed, a lookup miss returns
// an empty slice.
type Store struct {
	db *bbolt.DB
}

// Open opens (or creates) the cache file at `path`.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Put replaces the cached batch for the chat. Fire and forget.
func (s *Store) Put(chatID string, batch []*msg.Message) {
	if chatID == "" {
		return
	}
	value, err := json.Marshal(batch)
	if err != nil {
		glog.Errorf("cache: marshal batch error, chat: %s, err: %v", chatID, err)
		return
	}
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Put([]byte(chatID), value)
	}); err != nil {
		glog.Errorf("cache: put error, chat: %s, err: %v", chatID, err)
	}
}

// Get returns the cached batch for the chat, possibly empty.
func (s *Store) Get(chatID string) []*msg.Message {
	var value []byte
	if err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket([]byte(bucketName)).Get([]byte(chatID)); v != nil {
			value = append(value, v...)
		}
		return nil
	}); err != nil {
		glog.Errorf("cache: get error, chat: %s, err: %v", chatID, err)
		return nil
	}
	if len(value) == 0 {
		return nil
	}
	var batch []*msg.Message
	if err := json.Unmarshal(value, &batch); err != nil {
		glog.Errorf("cache: unmarshal error, chat: %s, err: %v", chatID, err)
		return nil
	}
	return batch
}

func (s *Store) Close() error {
	return s.db.Close()
}
