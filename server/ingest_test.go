package server

import (
	"context"
	"encoding/json"
	"flag"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"

	"github.com/ckfuturetech19/chat-app-sub002/auth"
	"github.com/ckfuturetech19/chat-app-sub002/msg"
	msgstore_mock "github.com/ckfuturetech19/chat-app-sub002/msgstore/mock"
	server_mock "github.com/ckfuturetech19/chat-app-sub002/server/mock"
)

func TestConsumeLoop(t *testing.T) {
	// vscode settings.json
	// "go.testFlags": ["-v", "-count=1", "-timeout=15s", "-test.v", "-args", "-v=5", "-logtostderr"],
	flag.Parse()

	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	storeMock := msgstore_mock.NewMockIMessageStore(mockCtrl)
	kafkaMock := server_mock.NewMockIKafkaReader(mockCtrl)

	conf := &Conf{}
	hub := NewHub(&auth.MockClient{}, storeMock, conf)
	s := NewIngest(hub, storeMock, kafkaMock, conf)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	value, err := json.Marshal(&ExternalEvent{
		ChatID:   "c1",
		SenderID: "bot",
		Kind:     msg.KindText,
		Text:     "external hello",
	})
	assert.NoError(t, err)

	committed := make(chan struct{}, 1)

	var fetches int
	kafkaMock.EXPECT().Close().Return(nil).Times(1)
	kafkaMock.EXPECT().FetchMessage(gomock.Any()).DoAndReturn(func(ctx context.Context) (kafka.Message, error) {
		fetches++
		if fetches == 1 {
			return kafka.Message{Offset: 1, Key: []byte("c1"), Value: value, Time: time.Now()}, nil
		}
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}).AnyTimes()

	storeMock.EXPECT().SaveMessage(gomock.Any(), "c1", gomock.Any()).DoAndReturn(
		func(_ context.Context, chatID string, m *msg.Message) error {
			assert.NotEmpty(t, m.ID)
			assert.Equal(t, "bot", m.SenderID)
			assert.Equal(t, "external hello", m.Text)
			return nil
		}).Times(1)

	// PushSnapshot after the save; no live session is subscribed, so it
	// stops at the store reads.
	storeMock.EXPECT().Participants(gomock.Any(), "c1").Return("u1", "u2", nil).Times(1)
	storeMock.EXPECT().ListMessages(gomock.Any(), "c1").Return([]*msg.Message{}, nil).Times(1)

	kafkaMock.EXPECT().CommitMessages(gomock.Any(), gomock.Any()).DoAndReturn(
		func(context.Context, ...kafka.Message) error {
			committed <- struct{}{}
			return nil
		}).Times(1)

	stopC := make(chan struct{}, 1)
	go s.Run(ctx, stopC)

	select {
	case <-committed:
	case <-time.After(5 * time.Second):
		t.Fatal("event was never committed")
	}

	cancel()
	select {
	case <-stopC:
	case <-time.After(5 * time.Second):
		t.Fatal("ingest did not stop")
	}
}

func TestDecodeEventRejectsGarbage(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	storeMock := msgstore_mock.NewMockIMessageStore(mockCtrl)
	kafkaMock := server_mock.NewMockIKafkaReader(mockCtrl)

	conf := &Conf{MaxMsgSize: 64, EventTTLDays: 30}
	hub := NewHub(&auth.MockClient{}, storeMock, conf)
	s := NewIngest(hub, storeMock, kafkaMock, conf)

	// oversized value
	big := make([]byte, 65)
	assert.Nil(t, s.decodeEvent(&kafka.Message{Value: big, Time: time.Now()}))

	// broken json
	assert.Nil(t, s.decodeEvent(&kafka.Message{Value: []byte("{"), Time: time.Now()}))

	// incomplete event
	assert.Nil(t, s.decodeEvent(&kafka.Message{Value: []byte(`{"chat_id":"c1"}`), Time: time.Now()}))

	// older than the TTL
	old := time.Now().Add(-31 * 24 * time.Hour)
	value := []byte(`{"chat_id":"c1","sender_id":"bot","kind":"text","text":"x"}`)
	assert.Nil(t, s.decodeEvent(&kafka.Message{Value: value, Time: old}))

	// and the valid one passes
	ev := s.decodeEvent(&kafka.Message{Value: value, Time: time.Now()})
	if assert.NotNil(t, ev) {
		assert.Equal(t, "c1", ev.ChatID)
		assert.Equal(t, msg.KindText, ev.Kind)
	}
}

func TestBackoffRamp(t *testing.T) {
	var d time.Duration
	backoff(&d)
	assert.Equal(t, BackoffMinInterval, d)

	backoff(&d)
	assert.Equal(t, 1500*time.Millisecond, d)

	for i := 0; i < 20; i++ {
		backoff(&d)
	}
	assert.Equal(t, BackoffMaxInterval, d)
}
