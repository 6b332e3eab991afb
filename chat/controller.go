// Package chat owns the client-side synchronization state machine of a
// two-party conversation: bootstrap with retry, the live message
// stream, optimistic-send reconciliation and the typing debounce.
package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/ckfuturetech19/chat-app-sub002/cache"
	"github.com/ckfuturetech19/chat-app-sub002/identity"
	"github.com/ckfuturetech19/chat-app-sub002/msg"
	"github.com/ckfuturetech19/chat-app-sub002/transport"
)

var (
	ErrDisposed     = errors.New("controller disposed")
	ErrNoChat       = errors.New("no active chat")
	ErrSendInFlight = errors.New("a send is already in flight")
	ErrSendRejected = errors.New("send rejected by backend")
)

// imagePlaceholder renders the optimistic bubble for image sends. It
// never matches real message text, image sends confirm on the first
// new own message instead.
const imagePlaceholder = "[image]"

type Config struct {
	MaxRetries int
	// RetryUnit is the linear backoff base, delay(i) = (i+1)*unit.
	RetryUnit time.Duration
	// TypingClear is the auto-clear delay of the outgoing typing flag.
	TypingClear time.Duration
	// RemedyDelay is the one-shot deferred refresh delay after a
	// missing-index stream error. Not part of the retry budget.
	RemedyDelay time.Duration
}

func (c *Config) withDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = MaxRetries
	}
	if c.RetryUnit <= 0 {
		c.RetryUnit = DefaultRetryUnit
	}
	if c.TypingClear <= 0 {
		c.TypingClear = 3 * time.Second
	}
	if c.RemedyDelay <= 0 {
		c.RemedyDelay = 2 * time.Second
	}
}

// Controller drives one conversation. Commands are expected from a
// single cooperative caller; stream events and timer callbacks are
// serialized internally against them.
type Controller struct {
	conf  Config
	tc    transport.Client
	idp   identity.Provider
	cache *cache.Store
	cell  *Cell

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	uid         string
	chatID      string // last known chat id, survives Error states
	sched       *Schedule
	retryTimer  *time.Timer
	typingTimer *time.Timer
	remedyTimer *time.Timer
	typingOn    bool
	lastRead    time.Time

	stream    transport.Stream
	streamGen int

	disposed bool
	done     chan struct{} // closed when the last stream loop exits
	loops    int
}

// New creates a controller. The cache store may be nil, fallback reads
// then just come back empty.
func New(tc transport.Client, idp identity.Provider, cacheStore *cache.Store, conf Config) *Controller {
	conf.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		conf:   conf,
		tc:     tc,
		idp:    idp,
		cache:  cacheStore,
		cell:   newCell(),
		ctx:    ctx,
		cancel: cancel,
		sched:  NewSchedule(conf.RetryUnit, conf.MaxRetries),
		done:   make(chan struct{}),
	}
	return c
}

// States exposes the observable conversation state.
func (c *Controller) States() *Cell {
	return c.cell
}

func (c *Controller) setStateLocked(s State) {
	if c.disposed {
		return
	}
	glog.V(5).Infof("chat: state -> %s, chat: %s, connected: %v, messages: %d",
		s.Phase, s.ChatID, s.Connected, len(s.Messages))
	c.cell.set(s)
}

// Initialize resolves the user and bootstraps the chat session. It is
// the entry point, called once and again from Retry().
func (c *Controller) Initialize() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}

	uid, ok := c.idp.CurrentUserID()
	if !ok {
		// Precondition failure, not transient: no retry scheduled.
		glog.Error("chat: initialize without authenticated user")
		c.setStateLocked(State{Phase: PhaseError, Err: "not authenticated"})
		return
	}
	c.uid = uid
	c.setStateLocked(State{Phase: PhaseLoading, ChatID: c.chatID})

	c.loops++
	go c.bootstrap(uid)
}

// bootstrap attempts chat discovery/creation with linear backoff
// between attempts. Runs off the caller's goroutine.
func (c *Controller) bootstrap(uid string) {
	defer c.loopDone()

	var lastErr error
	for i := 0; i < c.conf.MaxRetries; i++ {
		chatID, err := c.tc.BootstrapChat(c.ctx, uid)
		if err == nil {
			c.bootstrapDone(chatID)
			return
		}
		lastErr = err
		glog.Errorf("chat: bootstrap attempt %d error: %v", i+1, err)

		if i+1 < c.conf.MaxRetries {
			select {
			case <-time.After(Delay(i, c.conf.RetryUnit)):
			case <-c.ctx.Done():
				return
			}
		}
	}
	c.bootstrapFailed(lastErr)
}

func (c *Controller) bootstrapDone(chatID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}

	if chatID == "" {
		// First-time user with no partner yet: a valid empty steady
		// state, not an error.
		glog.V(5).Info("chat: bootstrap found no chat")
		c.setStateLocked(State{Phase: PhaseLoaded, Messages: []*msg.Message{}})
		return
	}

	c.chatID = chatID
	c.subscribeLocked(chatID)
}

func (c *Controller) bootstrapFailed(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}

	glog.Errorf("chat: bootstrap failed: %v", cause)
	c.setStateLocked(State{
		Phase:    PhaseError,
		ChatID:   c.chatID,
		Messages: c.cachedLocked(),
		Err:      cause.Error(),
	})
	c.scheduleRetryLocked(func() {
		c.Initialize()
	})
}

func (c *Controller) cachedLocked() []*msg.Message {
	if c.cache == nil || c.chatID == "" {
		return nil
	}
	return c.cache.Get(c.chatID)
}

// subscribeLocked replaces the live subscription. The old stream is
// fully closed before the new one is installed, so at most one is
// active and stale events can never reach the state machine.
func (c *Controller) subscribeLocked(chatID string) {
	c.streamGen++
	gen := c.streamGen
	if c.stream != nil {
		c.stream.Close()
		c.stream = nil
	}

	stream, err := c.tc.SubscribeMessages(chatID)
	if err != nil {
		glog.Errorf("chat: subscribe error, chat: %s, err: %v", chatID, err)
		c.setStateLocked(State{
			Phase:     PhaseLoaded,
			ChatID:    chatID,
			Messages:  c.cachedLocked(),
			Connected: false,
		})
		c.scheduleRetryLocked(func() {
			c.mu.Lock()
			if !c.disposed {
				c.subscribeLocked(chatID)
			}
			c.mu.Unlock()
		})
		return
	}

	c.stream = stream
	c.loops++
	go c.streamLoop(gen, chatID, stream)
}

func (c *Controller) streamLoop(gen int, chatID string, stream transport.Stream) {
	defer c.loopDone()

	for ev := range stream.Events() {
		if ev.Err != nil {
			c.onStreamError(gen, chatID, ev.Err)
		} else {
			c.onBatch(gen, chatID, ev.Batch)
		}
	}
	glog.V(5).Infof("chat: stream loop exited, chat: %s, gen: %d", chatID, gen)
}

func (c *Controller) loopDone() {
	c.mu.Lock()
	c.loops--
	if c.loops == 0 && c.disposed {
		close(c.done)
	}
	c.mu.Unlock()
}

// onBatch applies one incoming full snapshot.
func (c *Controller) onBatch(gen int, chatID string, batch []*msg.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed || gen != c.streamGen {
		return
	}

	// The stream is delivering again: the retry budget starts over.
	c.sched.Reset()

	cur := c.cell.Get()
	if cur.Phase == PhaseSending && cur.Pending != nil && !c.confirmed(cur.Pending, batch) {
		// Still waiting for the backend to echo the pending send; keep
		// the optimistic bubble but render it against fresh history.
		c.setStateLocked(State{
			Phase:    PhaseSending,
			ChatID:   chatID,
			Messages: batch,
			Pending:  cur.Pending,
		})
	} else {
		c.setStateLocked(State{
			Phase:     PhaseLoaded,
			ChatID:    chatID,
			Messages:  batch,
			Connected: true,
		})
	}

	if c.cache != nil {
		c.cache.Put(chatID, batch)
	}
}

// confirmed reports whether the pending send shows up in the batch.
// Text sends match on normalized text; image sends take the first new
// own image message, the placeholder never matches real content.
func (c *Controller) confirmed(p *Pending, batch []*msg.Message) bool {
	if p.Kind == msg.KindImage {
		for _, m := range batch {
			if m.Kind != msg.KindImage || m.SenderID != c.uid || m.ID == "" {
				continue
			}
			if _, known := p.KnownIDs[m.ID]; !known {
				return true
			}
		}
		return false
	}
	return msg.ContainsNormalized(batch, p.Text)
}

func (c *Controller) onStreamError(gen int, chatID string, streamErr *transport.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed || gen != c.streamGen {
		return
	}

	glog.Errorf("chat: stream error, chat: %s, kind: %d, err: %v", chatID, streamErr.Kind, streamErr)

	// Serve stale data while recovering.
	c.setStateLocked(State{
		Phase:     PhaseLoaded,
		ChatID:    chatID,
		Messages:  c.cachedLocked(),
		Connected: false,
	})

	if streamErr.Kind == transport.KindMissingIndex {
		// Retrying the identical query will not help. One deferred
		// refresh attempt, outside the retry budget.
		c.armRemedyLocked(chatID)
		return
	}

	c.scheduleRetryLocked(func() {
		c.mu.Lock()
		if !c.disposed {
			c.subscribeLocked(chatID)
		}
		c.mu.Unlock()
	})
}

func (c *Controller) armRemedyLocked(chatID string) {
	if c.remedyTimer != nil {
		c.remedyTimer.Stop()
	}
	c.remedyTimer = time.AfterFunc(c.conf.RemedyDelay, func() {
		c.mu.Lock()
		disposed := c.disposed
		c.mu.Unlock()
		if disposed {
			return
		}
		if err := c.tc.RefreshSubscription(chatID); err != nil {
			glog.Errorf("chat: remediation refresh error, chat: %s, err: %v", chatID, err)
		}
	})
}

func (c *Controller) scheduleRetryLocked(fn func()) {
	delay, ok := c.sched.Next()
	if !ok {
		glog.Errorf("chat: retry budget exhausted, waiting for manual retry")
		return
	}
	glog.V(5).Infof("chat: retry %d scheduled in %s", c.sched.Attempt(), delay)
	if c.retryTimer != nil {
		c.retryTimer.Stop()
	}
	c.retryTimer = time.AfterFunc(delay, fn)
}

// SendText sends a text message optimistically. The live stream is the
// sole confirmation: on transport success the state stays Sending
// until a batch echoes the text back. A second send while one is
// outstanding is rejected.
func (c *Controller) SendText(text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	return c.send(&transport.SendReq{Kind: msg.KindText, Text: trimmed})
}

// SendImage sends an image message; the optimistic bubble renders a
// placeholder.
func (c *Controller) SendImage(url, caption string) error {
	if strings.TrimSpace(url) == "" {
		return nil
	}
	return c.send(&transport.SendReq{Kind: msg.KindImage, MediaURL: url, Caption: caption})
}

func (c *Controller) send(req *transport.SendReq) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}

	cur := c.cell.Get()
	if cur.Phase == PhaseSending {
		c.mu.Unlock()
		return ErrSendInFlight
	}
	if cur.Phase != PhaseLoaded || cur.ChatID == "" {
		c.mu.Unlock()
		return ErrNoChat
	}

	base := cur.Messages
	chatID := cur.ChatID
	wasTyping := c.clearTypingLocked()

	pending := &Pending{Kind: req.Kind}
	if req.Kind == msg.KindImage {
		pending.Text = imagePlaceholder
		pending.KnownIDs = msg.IDSet(base)
	} else {
		pending.Text = msg.Normalize(req.Text)
	}

	c.setStateLocked(State{
		Phase:    PhaseSending,
		ChatID:   chatID,
		Messages: base,
		Pending:  pending,
	})
	c.mu.Unlock()

	if wasTyping {
		if err := c.tc.SetTyping(c.ctx, false); err != nil {
			glog.Errorf("chat: set typing error: %v", err)
		}
	}

	var ok bool
	var err error
	if req.Kind == msg.KindImage {
		ok, err = c.tc.SendImage(c.ctx, chatID, req.MediaURL, req.Caption)
	} else {
		ok, err = c.tc.SendText(c.ctx, chatID, req.Text)
	}

	if err == nil && ok {
		return nil
	}

	// Revert the optimistic state unless a stream batch already
	// resolved it.
	c.mu.Lock()
	cur = c.cell.Get()
	if cur.Phase == PhaseSending && cur.Pending == pending {
		c.setStateLocked(State{
			Phase:     PhaseLoaded,
			ChatID:    chatID,
			Messages:  base,
			Connected: false,
		})
	}
	c.mu.Unlock()

	if err != nil {
		return err
	}
	return ErrSendRejected
}

// UpdateTyping forwards the outgoing typing flag. A true update arms a
// single-shot auto-clear timer; errors are best effort and never
// escalate. Repeating false is a no-op on the wire.
func (c *Controller) UpdateTyping(on bool) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}

	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}

	forward := on || c.typingOn
	c.typingOn = on

	if on {
		c.typingTimer = time.AfterFunc(c.conf.TypingClear, func() {
			c.UpdateTyping(false)
		})
	}
	c.mu.Unlock()

	if !forward {
		return
	}
	if err := c.tc.SetTyping(c.ctx, on); err != nil {
		glog.Errorf("chat: set typing error: %v", err)
	}
}

// clearTypingLocked cancels the auto-clear timer and lowers the local
// flag. The caller forwards false to the transport when wasOn.
func (c *Controller) clearTypingLocked() (wasOn bool) {
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	wasOn = c.typingOn
	c.typingOn = false
	return wasOn
}

// MarkRead marks the conversation read. Failures are non-critical and
// swallowed.
func (c *Controller) MarkRead() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	chatID := c.chatID
	c.lastRead = time.Now()
	c.mu.Unlock()

	if chatID == "" {
		return
	}
	if err := c.tc.MarkRead(c.ctx, chatID); err != nil {
		glog.Errorf("chat: mark read error, chat: %s, err: %v", chatID, err)
	}
}

// DeleteMessage forwards the delete. Errors are surfaced to the caller
// and not retried; the conversation state is left untouched.
func (c *Controller) DeleteMessage(id string) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}
	c.mu.Unlock()
	return c.tc.DeleteMessage(c.ctx, id)
}

// Retry resets the retry budget, cancels any scheduled retry and
// bootstraps again. Meant as the explicit user action after automatic
// retries ran out.
func (c *Controller) Retry() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.sched.Reset()
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.mu.Unlock()

	c.Initialize()
}

// Refresh re-establishes the live stream when a chat id is known,
// which is cheaper than a full bootstrap; otherwise it initializes
// from scratch.
func (c *Controller) Refresh() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	chatID := c.chatID
	hasStream := c.stream != nil
	if chatID != "" && !hasStream {
		c.subscribeLocked(chatID)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if chatID == "" {
		c.Initialize()
		return
	}
	if err := c.tc.RefreshSubscription(chatID); err != nil {
		glog.Errorf("chat: refresh error, chat: %s, err: %v", chatID, err)
	}
}

// Dispose cancels the subscription and every timer, then waits for the
// background loops. No state transition happens afterwards.
func (c *Controller) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	c.cancel()

	for _, t := range []*time.Timer{c.retryTimer, c.typingTimer, c.remedyTimer} {
		if t != nil {
			t.Stop()
		}
	}
	c.retryTimer, c.typingTimer, c.remedyTimer = nil, nil, nil

	c.streamGen++
	if c.stream != nil {
		c.stream.Close()
		c.stream = nil
	}

	pending := c.loops
	if pending == 0 {
		close(c.done)
	}
	c.mu.Unlock()

	<-c.done
	glog.V(5).Info("chat: controller disposed")
}
