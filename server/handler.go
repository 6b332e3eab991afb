package server

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/ckfuturetech19/chat-app-sub002/transport"
)

type SessionError int

const (
	ReadError  SessionError = 1
	WriteError SessionError = 2
	PingError  SessionError = 3
	BadRequest SessionError = 4
	ServerStop SessionError = 5
	KickedOff  SessionError = 6
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 3 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = 20 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 25 * time.Second
)

// Handler manages one active connection to an end user.
type Handler struct {
	sync.Mutex

	hub *Hub

	session *Session
	conn    *websocket.Conn

	dataChan chan *SessionData

	// chat id of the live subscription, "" before subscribe.
	subscribed string

	closing bool
}

// SessionData is the data structure for `dataChan`.
type SessionData struct {
	Error SessionError
	Frame *transport.ServerFrame
}

func (h *Handler) String() string {
	return fmt.Sprintf("uid=%s sid=%s ip=%s", h.session.UID, h.session.SID, h.session.IP)
}

func (h *Handler) close(cause SessionError) {
	h.Lock()
	defer h.Unlock()
	if h.closing {
		return
	}

	h.closing = true

	h.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = h.conn.WriteMessage(websocket.CloseMessage, []byte{})
	h.conn.Close()

	close(h.dataChan)

	if cause != ServerStop {
		glog.V(5).Infof("session closed, cause: %d, %s", cause, h)
		h.hub.delHandler(h.session.SID)
	}
}

func (h *Handler) appendDataChan(v *SessionData) {
	h.Lock()
	defer h.Unlock()
	if !h.closing {
		h.dataChan <- v
	}
}

// subscribedChat returns the chat id of the live subscription.
func (h *Handler) subscribedChat() string {
	h.Lock()
	defer h.Unlock()
	return h.subscribed
}

func (h *Handler) setSubscribed(chatID string) {
	h.Lock()
	h.subscribed = chatID
	h.Unlock()
}

func sendFrame(conn *websocket.Conn, frame *transport.ServerFrame) error {
	out, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, out)
}

func (h *Handler) recvLoop() {
	defer func() { glog.V(5).Infof("recvLoop(): exited, session: %s", h) }()

	h.conn.SetReadLimit(int64(h.hub.conf.MaxMsgSize))
	h.conn.SetReadDeadline(time.Now().Add(pongWait))
	h.conn.SetPongHandler(func(string) error {
		h.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for !h.closing {
		msgType, data, err := h.conn.ReadMessage()
		if err != nil {
			glog.V(5).Infof("recvLoop(): read error: %v", err)
			h.appendDataChan(&SessionData{Error: ReadError})
			return
		}

		glog.V(5).Infof("recvLoop(): incoming client frame: %s", string(data))

		if msgType != websocket.TextMessage {
			glog.Errorf("recvLoop(): unexpected message type: %d", msgType)
			h.appendDataChan(&SessionData{Frame: &transport.ServerFrame{
				Error: newInvalidArgumentError("", "only text frames are supported"),
			}})
			h.appendDataChan(&SessionData{Error: BadRequest})
			return
		}

		req := transport.ClientFrame{}
		if err := json.Unmarshal(data, &req); err != nil {
			glog.Errorf("recvLoop(): frame error: frame: %s, err: %v", string(data), err)
			h.appendDataChan(&SessionData{Frame: &transport.ServerFrame{
				Error: newInvalidArgumentError("", fmt.Sprintf("unmarshal error: %v", err)),
			}})
			h.appendDataChan(&SessionData{Error: BadRequest})
			return
		}

		h.hub.serve(h, &req)
	}
}

func (h *Handler) sendLoop() {
	pingTicker := time.NewTicker(pingPeriod)
	defer func() {
		pingTicker.Stop()
		glog.V(5).Infof("sendLoop(): exited, session: %s", h)
	}()

	for {
		select {
		case v, ok := <-h.dataChan:
			if !ok { // chan was closed
				h.conn.Close()
				glog.V(5).Infof("sendLoop(): data chan closed, session: %s", h)
				return
			}

			if v.Error > 0 {
				h.close(v.Error)
				return
			} else if v.Frame == nil {
				// should not happen.
				panic(fmt.Sprintf("sendLoop(), unknown data from dataChan: %#+v", v))
			}

			if err := sendFrame(h.conn, v.Frame); err != nil {
				glog.Errorf("sendLoop(), error write frame. session: %s, err: %v", h, err)
				h.appendDataChan(&SessionData{Error: WriteError})
				return
			}
		case <-pingTicker.C:
			h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				glog.Errorf("sendLoop(), error write ping. session: %s, err: %v", h, err)
				h.appendDataChan(&SessionData{Error: PingError})
				return
			}
		}
	}
}

func newInvalidArgumentError(op string, params ...string) *transport.ErrorFrame {
	return &transport.ErrorFrame{
		Code:   transport.ErrorCodeInvalidArguments,
		Op:     op,
		Params: params,
	}
}

func newInternalError(op string, err string) *transport.ErrorFrame {
	return &transport.ErrorFrame{
		Code:   transport.ErrorCodeInternal,
		Op:     op,
		Params: []string{err},
	}
}
