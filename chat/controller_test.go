package chat

import (
	"context"
	"errors"
	"flag"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"

	"github.com/ckfuturetech19/chat-app-sub002/cache"
	"github.com/ckfuturetech19/chat-app-sub002/identity"
	"github.com/ckfuturetech19/chat-app-sub002/msg"
	"github.com/ckfuturetech19/chat-app-sub002/transport"
	transport_mock "github.com/ckfuturetech19/chat-app-sub002/transport/mock"
)

// fast timers so the suite stays under a second per test.
var testConf = Config{
	MaxRetries:  3,
	RetryUnit:   5 * time.Millisecond,
	TypingClear: 30 * time.Millisecond,
	RemedyDelay: 20 * time.Millisecond,
}

type fakeStream struct {
	ch   chan transport.StreamEvent
	once sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{ch: make(chan transport.StreamEvent, 16)}
}

func (f *fakeStream) Events() <-chan transport.StreamEvent { return f.ch }

func (f *fakeStream) Close() {
	f.once.Do(func() { close(f.ch) })
}

func (f *fakeStream) batch(batch []*msg.Message) {
	f.ch <- transport.StreamEvent{Batch: batch}
}

// err delivers a stream error; transient errors are terminal, matching
// the Stream contract.
func (f *fakeStream) err(kind transport.ErrorKind) {
	f.ch <- transport.StreamEvent{Err: &transport.Error{Kind: kind, Op: transport.OpSubscribe, Msg: "boom"}}
	if kind != transport.KindMissingIndex {
		f.Close()
	}
}

// waitState polls until the published state satisfies cond.
func waitState(t *testing.T, c *Controller, what string, cond func(State) bool) State {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s := c.States().Get()
		if cond(s) {
			return s
		}
		time.Sleep(2 * time.Millisecond)
	}
	s := c.States().Get()
	t.Fatalf("timed out waiting for %s, state: %s connected=%v err=%q", what, s.Phase, s.Connected, s.Err)
	return s
}

func message(id, sender, text string) *msg.Message {
	return &msg.Message{ID: id, SenderID: sender, Text: text, SentAt: time.Now(), Kind: msg.KindText}
}

func TestInitializeNotAuthenticated(t *testing.T) {
	flag.Parse()
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	tc := transport_mock.NewMockClient(mockCtrl)

	c := New(tc, &identity.Static{}, nil, testConf)
	defer c.Dispose()

	c.Initialize()

	s := c.States().Get()
	assert.Equal(t, PhaseError, s.Phase)
	assert.Equal(t, "not authenticated", s.Err)
}

func TestBootstrapNoChat(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	tc := transport_mock.NewMockClient(mockCtrl)
	tc.EXPECT().BootstrapChat(gomock.Any(), "u1").Return("", nil).Times(1)

	c := New(tc, &identity.Static{UID: "u1"}, nil, testConf)
	defer c.Dispose()

	c.Initialize()

	s := waitState(t, c, "empty loaded state", func(s State) bool { return s.Phase == PhaseLoaded })
	assert.Empty(t, s.ChatID)
	assert.Empty(t, s.Messages)
}

func TestBootstrapFailTwiceThenSucceed(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	tc := transport_mock.NewMockClient(mockCtrl)
	stream := newFakeStream()

	gomock.InOrder(
		tc.EXPECT().BootstrapChat(gomock.Any(), "u1").Return("", errors.New("some error")).Times(2),
		tc.EXPECT().BootstrapChat(gomock.Any(), "u1").Return("c1", nil).Times(1),
	)
	tc.EXPECT().SubscribeMessages("c1").Return(stream, nil).Times(1)

	c := New(tc, &identity.Static{UID: "u1"}, nil, testConf)
	defer c.Dispose()

	start := time.Now()
	c.Initialize()

	stream.batch([]*msg.Message{message("m1", "u2", "hi")})

	s := waitState(t, c, "connected state", func(s State) bool { return s.Phase == PhaseLoaded && s.Connected })
	assert.Equal(t, "c1", s.ChatID)
	assert.Len(t, s.Messages, 1)

	// delay(0)+delay(1) = 1*unit + 2*unit between the three attempts.
	assert.GreaterOrEqual(t, time.Since(start), 3*testConf.RetryUnit)
}

func TestBootstrapBudgetExhaustedThenManualRetry(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	tc := transport_mock.NewMockClient(mockCtrl)
	stream := newFakeStream()

	var healthy int32
	tc.EXPECT().BootstrapChat(gomock.Any(), "u1").DoAndReturn(func(context.Context, string) (string, error) {
		if atomic.LoadInt32(&healthy) == 1 {
			return "c1", nil
		}
		return "", errors.New("backend down")
	}).AnyTimes()
	tc.EXPECT().SubscribeMessages("c1").Return(stream, nil).Times(1)

	c := New(tc, &identity.Static{UID: "u1"}, nil, testConf)
	defer c.Dispose()

	c.Initialize()

	s := waitState(t, c, "error state", func(s State) bool { return s.Phase == PhaseError })
	assert.Equal(t, "backend down", s.Err)

	// Let the automatic re-initializations run their budget out; the
	// controller must settle in Error, waiting for a manual retry.
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, PhaseError, c.States().Get().Phase)

	atomic.StoreInt32(&healthy, 1)
	c.Retry()
	stream.batch([]*msg.Message{})
	waitState(t, c, "recovered state", func(s State) bool { return s.Phase == PhaseLoaded && s.Connected })
}

func TestBatchOverwritesPrevious(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	tc := transport_mock.NewMockClient(mockCtrl)
	stream := newFakeStream()

	tc.EXPECT().BootstrapChat(gomock.Any(), "u1").Return("c1", nil).Times(1)
	tc.EXPECT().SubscribeMessages("c1").Return(stream, nil).Times(1)

	c := New(tc, &identity.Static{UID: "u1"}, nil, testConf)
	defer c.Dispose()

	c.Initialize()

	stream.batch([]*msg.Message{message("m1", "u2", "a")})
	waitState(t, c, "first batch", func(s State) bool { return len(s.Messages) == 1 })

	// A shorter batch replaces, never merges.
	stream.batch([]*msg.Message{})
	waitState(t, c, "empty batch", func(s State) bool {
		return s.Phase == PhaseLoaded && s.Connected && len(s.Messages) == 0
	})
}

func TestSendTextOptimisticConfirm(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	tc := transport_mock.NewMockClient(mockCtrl)
	stream := newFakeStream()

	tc.EXPECT().BootstrapChat(gomock.Any(), "u1").Return("c1", nil).Times(1)
	tc.EXPECT().SubscribeMessages("c1").Return(stream, nil).Times(1)
	tc.EXPECT().SendText(gomock.Any(), "c1", "Hello There").Return(true, nil).Times(1)

	c := New(tc, &identity.Static{UID: "u1"}, nil, testConf)
	defer c.Dispose()

	c.Initialize()
	stream.batch([]*msg.Message{})
	waitState(t, c, "loaded", func(s State) bool { return s.Phase == PhaseLoaded && s.Connected })

	assert.NoError(t, c.SendText("  Hello There  "))

	s := c.States().Get()
	assert.Equal(t, PhaseSending, s.Phase)
	if assert.NotNil(t, s.Pending) {
		assert.Equal(t, "hello there", s.Pending.Text)
	}

	// Second send while one is outstanding is rejected.
	assert.Equal(t, ErrSendInFlight, c.SendText("again"))

	// A batch without the echo keeps the pending bubble.
	stream.batch([]*msg.Message{message("m1", "u2", "unrelated")})
	s = waitState(t, c, "pending kept", func(s State) bool { return len(s.Messages) == 1 })
	assert.Equal(t, PhaseSending, s.Phase)
	assert.NotNil(t, s.Pending)

	// The echo resolves the send; the stream is the sole confirmation.
	stream.batch([]*msg.Message{
		message("m1", "u2", "unrelated"),
		message("m2", "u1", "Hello There"),
	})
	s = waitState(t, c, "confirmed", func(s State) bool { return s.Phase == PhaseLoaded && s.Connected })
	assert.Nil(t, s.Pending)
	assert.Len(t, s.Messages, 2)
}

func TestSendImageConfirmsOnNewOwnImage(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	tc := transport_mock.NewMockClient(mockCtrl)
	stream := newFakeStream()

	tc.EXPECT().BootstrapChat(gomock.Any(), "u1").Return("c1", nil).Times(1)
	tc.EXPECT().SubscribeMessages("c1").Return(stream, nil).Times(1)
	tc.EXPECT().SendImage(gomock.Any(), "c1", "http://x/a.png", "cap").Return(true, nil).Times(1)

	c := New(tc, &identity.Static{UID: "u1"}, nil, testConf)
	defer c.Dispose()

	c.Initialize()

	old := &msg.Message{ID: "i0", SenderID: "u1", Kind: msg.KindImage, MediaURL: "http://x/old.png", SentAt: time.Now()}
	stream.batch([]*msg.Message{old})
	waitState(t, c, "loaded", func(s State) bool { return s.Phase == PhaseLoaded && s.Connected })

	assert.NoError(t, c.SendImage("http://x/a.png", "cap"))
	assert.Equal(t, PhaseSending, c.States().Get().Phase)

	// The pre-existing own image must not confirm the send.
	stream.batch([]*msg.Message{old})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, PhaseSending, c.States().Get().Phase)

	neu := &msg.Message{ID: "i1", SenderID: "u1", Kind: msg.KindImage, MediaURL: "http://x/a.png", SentAt: time.Now()}
	stream.batch([]*msg.Message{old, neu})
	waitState(t, c, "image confirmed", func(s State) bool { return s.Phase == PhaseLoaded && s.Connected })
}

func TestSendRejectedReverts(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	tc := transport_mock.NewMockClient(mockCtrl)
	stream := newFakeStream()

	tc.EXPECT().BootstrapChat(gomock.Any(), "u1").Return("c1", nil).Times(1)
	tc.EXPECT().SubscribeMessages("c1").Return(stream, nil).Times(1)
	tc.EXPECT().SendText(gomock.Any(), "c1", "nope").Return(false, nil).Times(1)

	c := New(tc, &identity.Static{UID: "u1"}, nil, testConf)
	defer c.Dispose()

	c.Initialize()
	stream.batch([]*msg.Message{})
	waitState(t, c, "loaded", func(s State) bool { return s.Phase == PhaseLoaded && s.Connected })

	assert.Equal(t, ErrSendRejected, c.SendText("nope"))

	s := c.States().Get()
	assert.Equal(t, PhaseLoaded, s.Phase)
	assert.False(t, s.Connected)
	assert.Nil(t, s.Pending)
}

func TestSendWithoutChat(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	tc := transport_mock.NewMockClient(mockCtrl)

	c := New(tc, &identity.Static{UID: "u1"}, nil, testConf)
	defer c.Dispose()

	assert.Equal(t, ErrNoChat, c.SendText("hello"))

	// Blank input is dropped before any state check.
	assert.NoError(t, c.SendText("   "))
}

func TestTypingDebounce(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	tc := transport_mock.NewMockClient(mockCtrl)

	var mu sync.Mutex
	var calls []bool
	tc.EXPECT().SetTyping(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, on bool) error {
		mu.Lock()
		calls = append(calls, on)
		mu.Unlock()
		return nil
	}).AnyTimes()

	c := New(tc, &identity.Static{UID: "u1"}, nil, testConf)
	defer c.Dispose()

	// Repeating false while already off never reaches the wire.
	c.UpdateTyping(false)
	c.UpdateTyping(false)

	c.UpdateTyping(true)

	// The auto-clear timer lowers the flag without another command.
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(calls)
		mu.Unlock()
		if n >= 2 || time.Now().After(deadline) {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, calls)
}

func TestStreamErrorFallsBackToCache(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	store, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	assert.NoError(t, err)
	defer store.Close()

	tc := transport_mock.NewMockClient(mockCtrl)
	first := newFakeStream()
	second := newFakeStream()

	tc.EXPECT().BootstrapChat(gomock.Any(), "u1").Return("c1", nil).Times(1)
	gomock.InOrder(
		tc.EXPECT().SubscribeMessages("c1").Return(first, nil).Times(1),
		tc.EXPECT().SubscribeMessages("c1").Return(second, nil).Times(1),
	)

	c := New(tc, &identity.Static{UID: "u1"}, store, testConf)
	defer c.Dispose()

	c.Initialize()

	first.batch([]*msg.Message{message("m1", "u2", "cached line")})
	waitState(t, c, "loaded", func(s State) bool { return s.Phase == PhaseLoaded && s.Connected })

	// Terminal transient error: cached data is served while the
	// controller schedules a resubscribe.
	first.err(transport.KindTransient)

	s := waitState(t, c, "cache fallback", func(s State) bool { return s.Phase == PhaseLoaded && !s.Connected })
	if assert.Len(t, s.Messages, 1) {
		assert.Equal(t, "cached line", s.Messages[0].Text)
	}

	second.batch([]*msg.Message{message("m1", "u2", "cached line")})
	waitState(t, c, "reconnected", func(s State) bool { return s.Phase == PhaseLoaded && s.Connected })
}

func TestMissingIndexRemediation(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	tc := transport_mock.NewMockClient(mockCtrl)
	stream := newFakeStream()

	refreshed := make(chan struct{}, 1)

	tc.EXPECT().BootstrapChat(gomock.Any(), "u1").Return("c1", nil).Times(1)
	tc.EXPECT().SubscribeMessages("c1").Return(stream, nil).Times(1)
	tc.EXPECT().RefreshSubscription("c1").DoAndReturn(func(string) error {
		refreshed <- struct{}{}
		return nil
	}).Times(1)

	c := New(tc, &identity.Static{UID: "u1"}, nil, testConf)
	defer c.Dispose()

	c.Initialize()
	stream.batch([]*msg.Message{})
	waitState(t, c, "loaded", func(s State) bool { return s.Phase == PhaseLoaded && s.Connected })

	start := time.Now()
	stream.err(transport.KindMissingIndex)

	select {
	case <-refreshed:
	case <-time.After(2 * time.Second):
		t.Fatal("remediation refresh never happened")
	}
	// One deferred attempt after the remedy delay, not an immediate
	// retry storm.
	assert.GreaterOrEqual(t, time.Since(start), testConf.RemedyDelay)

	// The stream survived the error, the refreshed snapshot arrives on
	// it.
	stream.batch([]*msg.Message{message("m1", "u2", "back")})
	waitState(t, c, "remediated", func(s State) bool { return s.Phase == PhaseLoaded && s.Connected })
}

func TestRefreshLiveStreamRepushes(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	tc := transport_mock.NewMockClient(mockCtrl)
	stream := newFakeStream()

	tc.EXPECT().BootstrapChat(gomock.Any(), "u1").Return("c1", nil).Times(1)
	tc.EXPECT().SubscribeMessages("c1").Return(stream, nil).Times(1)
	tc.EXPECT().RefreshSubscription("c1").DoAndReturn(func(string) error {
		stream.batch([]*msg.Message{message("m1", "u2", "fresh")})
		return nil
	}).Times(1)

	c := New(tc, &identity.Static{UID: "u1"}, nil, testConf)
	defer c.Dispose()

	c.Initialize()
	stream.batch([]*msg.Message{})
	waitState(t, c, "loaded", func(s State) bool { return s.Phase == PhaseLoaded && s.Connected })

	// With a live stream a refresh is a server-side re-push on the same
	// subscription, not a resubscribe.
	c.Refresh()

	s := waitState(t, c, "refreshed snapshot", func(s State) bool { return len(s.Messages) == 1 })
	assert.Equal(t, "fresh", s.Messages[0].Text)
	assert.True(t, s.Connected)
}

func TestRefreshResubscribesWithoutStream(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	tc := transport_mock.NewMockClient(mockCtrl)
	stream := newFakeStream()

	tc.EXPECT().BootstrapChat(gomock.Any(), "u1").Return("c1", nil).Times(1)
	var healthy int32
	tc.EXPECT().SubscribeMessages("c1").DoAndReturn(func(string) (transport.Stream, error) {
		if atomic.LoadInt32(&healthy) == 1 {
			return stream, nil
		}
		return nil, &transport.Error{Kind: transport.KindTransient, Op: transport.OpSubscribe, Msg: "down"}
	}).AnyTimes()

	c := New(tc, &identity.Static{UID: "u1"}, nil, testConf)
	defer c.Dispose()

	c.Initialize()

	// Subscribing fails until the retry budget runs out; the controller
	// settles disconnected with the chat id still known.
	waitState(t, c, "disconnected", func(s State) bool { return s.Phase == PhaseLoaded && !s.Connected })
	time.Sleep(500 * time.Millisecond)
	assert.False(t, c.States().Get().Connected)

	atomic.StoreInt32(&healthy, 1)
	c.Refresh()

	stream.batch([]*msg.Message{message("m1", "u2", "back")})
	waitState(t, c, "reconnected", func(s State) bool { return s.Phase == PhaseLoaded && s.Connected })
}

func TestRefreshWithoutChatBootstraps(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	tc := transport_mock.NewMockClient(mockCtrl)
	tc.EXPECT().BootstrapChat(gomock.Any(), "u1").Return("", nil).Times(1)

	c := New(tc, &identity.Static{UID: "u1"}, nil, testConf)
	defer c.Dispose()

	// No chat id known yet: refresh falls back to a full bootstrap.
	c.Refresh()

	s := waitState(t, c, "empty loaded state", func(s State) bool { return s.Phase == PhaseLoaded })
	assert.Empty(t, s.ChatID)
}

func TestDeleteMessageErrorLeavesState(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	tc := transport_mock.NewMockClient(mockCtrl)
	stream := newFakeStream()

	tc.EXPECT().BootstrapChat(gomock.Any(), "u1").Return("c1", nil).Times(1)
	tc.EXPECT().SubscribeMessages("c1").Return(stream, nil).Times(1)
	tc.EXPECT().DeleteMessage(gomock.Any(), "m1").Return(errors.New("not yours")).Times(1)

	c := New(tc, &identity.Static{UID: "u1"}, nil, testConf)
	defer c.Dispose()

	c.Initialize()
	stream.batch([]*msg.Message{message("m1", "u2", "a")})
	before := waitState(t, c, "loaded", func(s State) bool { return s.Phase == PhaseLoaded && s.Connected })

	err := c.DeleteMessage("m1")
	assert.EqualError(t, err, "not yours")

	after := c.States().Get()
	assert.Equal(t, before.Phase, after.Phase)
	assert.Equal(t, before.Messages, after.Messages)
}

func TestMarkReadTracksUnread(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	tc := transport_mock.NewMockClient(mockCtrl)
	stream := newFakeStream()

	tc.EXPECT().BootstrapChat(gomock.Any(), "u1").Return("c1", nil).Times(1)
	tc.EXPECT().SubscribeMessages("c1").Return(stream, nil).Times(1)
	tc.EXPECT().MarkRead(gomock.Any(), "c1").Return(nil).Times(1)

	c := New(tc, &identity.Static{UID: "u1"}, nil, testConf)
	defer c.Dispose()

	c.Initialize()
	stream.batch([]*msg.Message{message("m1", "u2", "hi")})
	waitState(t, c, "loaded", func(s State) bool { return s.Phase == PhaseLoaded && s.Connected })

	v := c.View()
	assert.Equal(t, 1, v.Unread())

	c.MarkRead()
	assert.Equal(t, 0, v.Unread())
}

func TestDisposeStopsEverything(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	tc := transport_mock.NewMockClient(mockCtrl)
	stream := newFakeStream()

	tc.EXPECT().BootstrapChat(gomock.Any(), "u1").Return("c1", nil).Times(1)
	tc.EXPECT().SubscribeMessages("c1").Return(stream, nil).Times(1)

	c := New(tc, &identity.Static{UID: "u1"}, nil, testConf)

	c.Initialize()
	stream.batch([]*msg.Message{})
	waitState(t, c, "loaded", func(s State) bool { return s.Phase == PhaseLoaded && s.Connected })

	c.Dispose()

	// Post-dispose commands are inert.
	assert.Equal(t, ErrDisposed, c.SendText("late"))
	assert.Equal(t, ErrDisposed, c.DeleteMessage("m1"))
	c.UpdateTyping(true)
	c.Retry()
	c.Refresh()

	s := c.States().Get()
	assert.Equal(t, PhaseLoaded, s.Phase)
}
