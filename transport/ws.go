package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/ckfuturetech19/chat-app-sub002/msg"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 3 * time.Second

	// Time allowed for the backend to answer a request frame.
	callTimeout = 10 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = 20 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 25 * time.Second

	readLimit = 64 * 1024
)

// WsClient implements `Client` over a single websocket connection.
// The connection is dialed lazily and redialed on the next request
// after a failure. One request per op may be in flight at a time,
// which matches the single cooperative caller the controller assumes.
type WsClient struct {
	// mu guards the fields below and serializes every write to conn,
	// the websocket connection allows a single writer at a time.
	mu sync.Mutex

	url string
	uid string

	// PeerTyping, when set, receives the partner's typing flag pushes.
	PeerTyping func(on bool)

	conn    *websocket.Conn
	waiters map[string]chan *ServerFrame
	stream  *wsStream
	closing bool
}

// NewWsClient creates a client for the chat backend at `url`
// (ws://host:port/ws), authenticating as `uid`.
func NewWsClient(url, uid string) *WsClient {
	return &WsClient{
		url:     url,
		uid:     uid,
		waiters: make(map[string]chan *ServerFrame),
	}
}

// wsStream delivers batches and stream errors for the subscribed chat.
type wsStream struct {
	mu     sync.Mutex
	events chan StreamEvent
	closed bool
}

func newWsStream() *wsStream {
	return &wsStream{events: make(chan StreamEvent, 16)}
}

func (s *wsStream) Events() <-chan StreamEvent { return s.events }

func (s *wsStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

// deliver appends an event unless the stream is closed. When
// `terminal` the stream is closed right after.
func (s *wsStream) deliver(ev StreamEvent, terminal bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		// Slow consumer: drop the oldest snapshot, only the newest one
		// matters.
		select {
		case <-s.events:
		default:
		}
		s.events <- ev
	}
	if terminal {
		s.closed = true
		close(s.events)
	}
}

func (c *WsClient) BootstrapChat(ctx context.Context, userID string) (string, error) {
	resp, err := c.call(ctx, &ClientFrame{Bootstrap: &BootstrapReq{}}, OpBootstrap)
	if err != nil {
		return "", err
	}
	if resp.Bootstrap == nil {
		return "", &Error{Kind: KindTransient, Op: OpBootstrap, Msg: "missing bootstrap response"}
	}
	return resp.Bootstrap.ChatID, nil
}

func (c *WsClient) SubscribeMessages(chatID string) (Stream, error) {
	c.mu.Lock()
	if c.stream != nil {
		old := c.stream
		c.stream = nil
		c.mu.Unlock()
		old.Close()
		c.mu.Lock()
	}
	stream := newWsStream()
	c.stream = stream
	c.mu.Unlock()

	if err := c.write(&ClientFrame{Subscribe: &SubscribeReq{ChatID: chatID}}); err != nil {
		c.mu.Lock()
		c.stream = nil
		c.mu.Unlock()
		stream.Close()
		return nil, &Error{Kind: KindTransient, Op: OpSubscribe, Msg: err.Error()}
	}
	return stream, nil
}

func (c *WsClient) RefreshSubscription(chatID string) error {
	if err := c.write(&ClientFrame{Refresh: &RefreshReq{ChatID: chatID}}); err != nil {
		return &Error{Kind: KindTransient, Op: OpRefresh, Msg: err.Error()}
	}
	return nil
}

func (c *WsClient) SendText(ctx context.Context, chatID, text string) (bool, error) {
	return c.send(ctx, &SendReq{ChatID: chatID, Kind: msg.KindText, Text: text})
}

func (c *WsClient) SendImage(ctx context.Context, chatID, url, caption string) (bool, error) {
	return c.send(ctx, &SendReq{ChatID: chatID, Kind: msg.KindImage, MediaURL: url, Caption: caption})
}

func (c *WsClient) send(ctx context.Context, req *SendReq) (bool, error) {
	resp, err := c.call(ctx, &ClientFrame{Send: req}, OpSend)
	if err != nil {
		return false, err
	}
	if resp.Ack == nil {
		return false, &Error{Kind: KindTransient, Op: OpSend, Msg: "missing ack"}
	}
	return resp.Ack.OK, nil
}

// SetTyping is best effort: the flag is written without waiting for an
// answer, the server never acks it.
func (c *WsClient) SetTyping(ctx context.Context, on bool) error {
	return c.write(&ClientFrame{Typing: &TypingReq{On: on}})
}

func (c *WsClient) MarkRead(ctx context.Context, chatID string) error {
	_, err := c.call(ctx, &ClientFrame{MarkRead: &MarkReadReq{ChatID: chatID}}, OpMarkRead)
	return err
}

func (c *WsClient) DeleteMessage(ctx context.Context, id string) error {
	resp, err := c.call(ctx, &ClientFrame{Delete: &DeleteReq{ID: id}}, OpDelete)
	if err != nil {
		return err
	}
	if resp.Ack != nil && !resp.Ack.OK {
		return &Error{Kind: KindInvalid, Op: OpDelete, Msg: "delete rejected"}
	}
	return nil
}

func (c *WsClient) Close() {
	c.mu.Lock()
	c.closing = true
	conn := c.conn
	c.conn = nil
	stream := c.stream
	c.stream = nil
	if conn != nil {
		// The close frame goes out under c.mu so it cannot interleave
		// with a data frame or a keepalive ping.
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
		_ = conn.Close()
	}
	c.mu.Unlock()

	if stream != nil {
		stream.Close()
	}
}

// call writes a request frame and waits for the answer frame tagged
// with `op`.
func (c *WsClient) call(ctx context.Context, frame *ClientFrame, op string) (*ServerFrame, error) {
	waiter := make(chan *ServerFrame, 1)

	c.mu.Lock()
	if _, busy := c.waiters[op]; busy {
		c.mu.Unlock()
		return nil, &Error{Kind: KindInvalid, Op: op, Msg: "request already in flight"}
	}
	c.waiters[op] = waiter
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.waiters, op)
		c.mu.Unlock()
	}()

	if err := c.write(frame); err != nil {
		return nil, &Error{Kind: KindTransient, Op: op, Msg: err.Error()}
	}

	timer := time.NewTimer(callTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, &Error{Kind: KindTransient, Op: op, Msg: ctx.Err().Error()}
	case <-timer.C:
		return nil, &Error{Kind: KindTransient, Op: op, Msg: "request timed out"}
	case resp, ok := <-waiter:
		if !ok {
			return nil, &Error{Kind: KindTransient, Op: op, Msg: "connection lost"}
		}
		if resp.Error != nil {
			return nil, frameError(resp.Error, op)
		}
		return resp, nil
	}
}

func frameError(f *ErrorFrame, op string) *Error {
	kind := KindTransient
	switch f.Code {
	case ErrorCodeFailedPrecondition:
		kind = KindMissingIndex
	case ErrorCodeUnauthenticated:
		kind = KindUnauthenticated
	case ErrorCodeInvalidArguments:
		kind = KindInvalid
	}
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf("code=%d params=%v", f.Code, f.Params)}
}

func (c *WsClient) write(frame *ClientFrame) error {
	conn, err := c.ensureConn()
	if err != nil {
		return err
	}
	out, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return fmt.Errorf("connection lost")
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, out)
}

// ensureConn dials on first use and after a failed connection.
func (c *WsClient) ensureConn() (*websocket.Conn, error) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil, fmt.Errorf("client closed")
	}
	if c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	header := http.Header{}
	header.Add("Cookie", "x-uid="+c.uid)

	dialer := &websocket.Dialer{HandshakeTimeout: writeWait}
	conn, _, err := dialer.Dial(c.url, header)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closing || c.conn != nil {
		c.mu.Unlock()
		_ = conn.Close()
		if c.conn != nil {
			return c.conn, nil
		}
		return nil, fmt.Errorf("client closed")
	}
	c.conn = conn
	c.mu.Unlock()

	go c.recvLoop(conn)
	go c.pingLoop(conn)
	return conn, nil
}

func (c *WsClient) recvLoop(conn *websocket.Conn) {
	defer glog.V(5).Info("ws client: recv loop exited")

	conn.SetReadLimit(readLimit)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.failConn(conn, err)
			return
		}

		var frame ServerFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			glog.Errorf("ws client: bad frame: %s, err: %v", string(data), err)
			continue
		}
		c.dispatch(&frame)
	}
}

func (c *WsClient) dispatch(frame *ServerFrame) {
	switch {
	case frame.Batch != nil:
		c.mu.Lock()
		stream := c.stream
		c.mu.Unlock()
		if stream != nil {
			stream.deliver(StreamEvent{Batch: frame.Batch.Messages}, false)
		}
	case frame.Typing != nil:
		if c.PeerTyping != nil {
			c.PeerTyping(frame.Typing.On)
		}
	case frame.Error != nil && (frame.Error.Op == OpSubscribe || frame.Error.Op == OpRefresh):
		err := frameError(frame.Error, frame.Error.Op)
		c.mu.Lock()
		stream := c.stream
		c.mu.Unlock()
		if stream != nil {
			// Missing-index errors keep the stream open: a refresh may
			// still be answered. Everything else needs a resubscribe.
			stream.deliver(StreamEvent{Err: err}, err.Kind != KindMissingIndex)
		}
	default:
		op := frameOp(frame)
		c.mu.Lock()
		waiter := c.waiters[op]
		c.mu.Unlock()
		if waiter == nil {
			glog.V(5).Infof("ws client: unsolicited frame, op: %s", op)
			return
		}
		select {
		case waiter <- frame:
		default:
		}
	}
}

func frameOp(frame *ServerFrame) string {
	switch {
	case frame.Bootstrap != nil:
		return OpBootstrap
	case frame.Ack != nil:
		return frame.Ack.Op
	case frame.Error != nil:
		return frame.Error.Op
	}
	return ""
}

// failConn tears down a broken connection: the live stream gets a
// terminal transient error, all waiters are released.
func (c *WsClient) failConn(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	stream := c.stream
	c.stream = nil
	waiters := c.waiters
	c.waiters = make(map[string]chan *ServerFrame)
	closing := c.closing
	c.mu.Unlock()

	_ = conn.Close()
	for _, w := range waiters {
		close(w)
	}
	if stream != nil {
		if closing {
			stream.Close()
		} else {
			glog.Errorf("ws client: connection lost: %v", cause)
			stream.deliver(StreamEvent{Err: &Error{
				Kind: KindTransient,
				Op:   OpSubscribe,
				Msg:  cause.Error(),
			}}, true)
		}
	}
}

// pingInterval is a variable so tests can shorten the keepalive cycle.
var pingInterval = pingPeriod

func (c *WsClient) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		if c.conn != conn {
			c.mu.Unlock()
			return
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := conn.WriteMessage(websocket.PingMessage, nil)
		c.mu.Unlock()
		if err != nil {
			c.failConn(conn, err)
			return
		}
	}
}
