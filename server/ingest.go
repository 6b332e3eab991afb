package server

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/pborman/uuid"
	kafka "github.com/segmentio/kafka-go"

	"github.com/ckfuturetech19/chat-app-sub002/msg"
	"github.com/ckfuturetech19/chat-app-sub002/msgstore"
)

const (
	BackoffMinInterval = 1 * time.Second
	BackoffMaxInterval = 60 * time.Second
	BackoffMultiplier  = 1.5
)

// ExternalEvent is the kafka message value: a chat message produced
// outside the websocket path (bots, system notices, migrations).
type ExternalEvent struct {
	ID       string   `json:"id,omitempty"`
	ChatID   string   `json:"chat_id"`
	SenderID string   `json:"sender_id"`
	Kind     msg.Kind `json:"kind"`
	Text     string   `json:"text,omitempty"`
	MediaURL string   `json:"media_url,omitempty"`
	Caption  string   `json:"caption,omitempty"`
}

// Ingest consumes external chat events from kafka, persists them and
// pushes fresh snapshots to live sessions. There MUST be exactly one
// ingest instance per topic partition group.
type Ingest struct {
	hub         *Hub
	store       msgstore.IMessageStore
	kafkaReader IKafkaReader
	conf        *Conf
	wg          sync.WaitGroup
}

func NewIngest(hub *Hub, store msgstore.IMessageStore, kafkaReader IKafkaReader, conf *Conf) *Ingest {
	conf.withDefaults()
	return &Ingest{
		hub:         hub,
		store:       store,
		kafkaReader: kafkaReader,
		conf:        conf,
	}
}

// Run consumes events until ctx is cancelled. It may block at reading
// a kafka message.
func (s *Ingest) Run(ctx context.Context, stopDoneNotifyC chan<- struct{}) {
	go s.consumeLoop(ctx)

	glog.Info("ingest: ready")

	<-ctx.Done()

	glog.Info("ingest: stopping")
	_ = s.kafkaReader.Close() // slow: takes a few seconds

	s.wg.Wait()
	glog.Info("ingest: stopped")
	stopDoneNotifyC <- struct{}{}
}

func (s *Ingest) consumeLoop(ctx context.Context) {
	glog.Info("ingest: consume loop enter")
	s.wg.Add(1)

	defer func() {
		glog.Info("ingest: consume loop exited")
		s.wg.Done()
	}()

	var sleep time.Duration

	for {
		glog.V(5).Info("ingest: fetching message ...")
		kmsg, err := s.kafkaReader.FetchMessage(ctx)

		if err != nil {
			glog.Errorf("ingest: fetch from kafka err: %v", err)
			if err == context.Canceled {
				return
			}
			backoff(&sleep)
			select {
			case <-time.After(sleep):
				continue
			case <-ctx.Done():
				return
			}
		}

		sleep = 0

		// skip: bad format or too old.
		if ev := s.decodeEvent(&kmsg); ev != nil {
			if !s.saveEvent(ctx, ev, &kmsg, &sleep) {
				return
			}
			s.hub.PushSnapshot(ctx, ev.ChatID)
		}

		for {
			if err := s.kafkaReader.CommitMessages(ctx, kmsg); err == nil {
				sleep = 0
				break
			} else {
				// An uncommitted message comes back on the next
				// FetchMessage(); saveEvent treats the dup key as a
				// redelivery then.
				glog.Errorf("ingest: commit to kafka err: %v", err)
				if err == context.Canceled {
					return
				}
				backoff(&sleep)
				select {
				case <-time.After(sleep):
					continue
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// saveEvent persists one event, retrying on transient store errors.
// Returns false when the loop should exit.
func (s *Ingest) saveEvent(ctx context.Context, ev *ExternalEvent, kmsg *kafka.Message, sleep *time.Duration) bool {
	m := &msg.Message{
		ID:       ev.ID,
		Text:     ev.Text,
		SenderID: ev.SenderID,
		SentAt:   kmsg.Time,
		Kind:     ev.Kind,
		MediaURL: ev.MediaURL,
		Caption:  ev.Caption,
	}
	if m.ID == "" {
		m.ID = strings.ReplaceAll(uuid.New(), "-", "")
	}

	for {
		glog.V(5).Infof("ingest: saving %s to chat %s", m.ID, ev.ChatID)
		err := s.store.SaveMessage(ctx, ev.ChatID, m)
		if err == nil {
			*sleep = 0
			return true
		}
		if err == context.Canceled {
			return false
		}
		if s.store.IsDupKeyError(err) {
			// Redelivery after a failed commit.
			glog.Infof("ingest: message %s already stored, skip", m.ID)
			return true
		}
		glog.Errorf("ingest: save message to mysql err: %v", err)
		backoff(sleep)
		select {
		case <-time.After(*sleep):
		case <-ctx.Done():
			return false
		}
	}
}

func (s *Ingest) shouldDiscard(kmsg *kafka.Message) bool {
	return s.conf.EventTTLDays > 0 && time.Since(kmsg.Time) > time.Duration(s.conf.EventTTLDays)*24*time.Hour
}

func (s *Ingest) decodeEvent(kmsg *kafka.Message) *ExternalEvent {
	if len(kmsg.Value) > s.conf.MaxMsgSize {
		glog.Errorf("ingest: kafka value out of limit, msg.Value: %s", string(kmsg.Value))
		return nil
	}
	var v ExternalEvent
	if err := json.Unmarshal(kmsg.Value, &v); err != nil {
		glog.Errorf("ingest: failed to unmarshal kafka msg value: `%s`, error: %v", kmsg.Value, err)
		return nil
	}
	if v.ChatID == "" || v.SenderID == "" {
		glog.Errorf("ingest: incomplete event: `%s`", kmsg.Value)
		return nil
	}

	if s.shouldDiscard(kmsg) {
		glog.Errorf("ingest: ignore incoming message because too old, msg.Offset: %d, msg.Time: %s", kmsg.Offset, kmsg.Time)
		return nil
	}

	return &v
}

func backoff(d *time.Duration) {
	if *d == 0 {
		*d = BackoffMinInterval
	} else {
		*d = time.Duration(float64(*d) * BackoffMultiplier)
		if *d < BackoffMaxInterval {
			*d = d.Truncate(time.Millisecond)
		} else {
			*d = BackoffMaxInterval
		}
	}
}
