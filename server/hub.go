// Package server is the reference chat backend: a websocket hub over a
// mysql message store, with a kafka ingest path for externally
// produced messages.
package server

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/pborman/uuid"

	"github.com/ckfuturetech19/chat-app-sub002/auth"
	"github.com/ckfuturetech19/chat-app-sub002/msg"
	"github.com/ckfuturetech19/chat-app-sub002/msgstore"
	"github.com/ckfuturetech19/chat-app-sub002/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The node runs behind a reverse proxy that owns origin policy.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub manages and serves live chat sessions.
type Hub struct {
	conf       *Conf
	store      msgstore.IMessageStore
	authClient auth.Client
	sessions   *SessionStore
}

// NewHub creates a `Hub`.
func NewHub(authClient auth.Client, store msgstore.IMessageStore, conf *Conf) *Hub {
	conf.withDefaults()
	return &Hub{
		conf:       conf,
		store:      store,
		authClient: authClient,
		sessions:   newSessionStore(),
	}
}

// Run blocks until ctx is cancelled, then closes every session.
func (h *Hub) Run(ctx context.Context, stopDoneNotifyC chan<- struct{}) {
	<-ctx.Done()
	glog.Infof("hub: close connections ...")
	h.sessions.close()
	glog.Infof("hub: close connections done")
	stopDoneNotifyC <- struct{}{}
}

// ServeHTTP handles websocket upgrade requests.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	uid, err := h.authClient.Auth(r)
	if err != nil {
		glog.Errorf("ServeHTTP(): authenticate error: %v", err)
		http.Error(w, "Authenticate error", http.StatusForbidden)
		return
	}

	sess := &Session{
		UID:        uid,
		SID:        strings.ReplaceAll(uuid.New(), "-", ""),
		CreateTime: time.Now().UnixNano(),
		IP:         getRemoteIP(r),
	}

	// If the upgrade fails, Upgrade replies to the client with an HTTP
	// error response.
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Errorf("ServeHTTP(): upgrader.Upgrade error, uid: %s, err: %s", uid, err)
		return
	}

	handler := &Handler{
		dataChan: make(chan *SessionData, 16),
		session:  sess,
		conn:     conn,
		hub:      h,
	}

	conn.SetCloseHandler(func(code int, text string) error {
		glog.V(5).Infof("session closed by peer, session: %s, code: %d, text: %s", handler, code, text)
		h.delHandler(sess.SID)
		return nil
	})

	h.addHandler(handler)

	go handler.recvLoop()
	go handler.sendLoop()
}

func (h *Hub) addHandler(handler *Handler) {
	h.sessions.add(handler)

	// Per-user session cap: oldest sessions go first.
	for _, old := range h.sessions.overQuota(handler.session.UID, h.conf.SessionQuota) {
		glog.Infof("kickoff session over quota: %s", old)
		h.sessions.del(old.session.SID)
		old.appendDataChan(&SessionData{Error: KickedOff})
	}
}

func (h *Hub) delHandler(sid string) {
	h.sessions.del(sid)
}

// serve dispatches one client frame. Called from the handler's recv
// loop.
func (h *Hub) serve(handler *Handler, req *transport.ClientFrame) {
	ctx := context.Background()
	uid := handler.session.UID

	switch {
	case req.Bootstrap != nil:
		chatID, errFrame := h.bootstrap(ctx, uid)
		if errFrame != nil {
			handler.appendDataChan(&SessionData{Frame: &transport.ServerFrame{Error: errFrame}})
			return
		}
		handler.appendDataChan(&SessionData{Frame: &transport.ServerFrame{
			Bootstrap: &transport.BootstrapResp{ChatID: chatID},
		}})

	case req.Subscribe != nil:
		if errFrame := h.checkParticipant(ctx, uid, req.Subscribe.ChatID, transport.OpSubscribe); errFrame != nil {
			handler.appendDataChan(&SessionData{Frame: &transport.ServerFrame{Error: errFrame}})
			return
		}
		handler.setSubscribed(req.Subscribe.ChatID)
		h.pushSnapshotTo(ctx, handler, req.Subscribe.ChatID, transport.OpSubscribe)

	case req.Refresh != nil:
		chatID := req.Refresh.ChatID
		if chatID == "" {
			chatID = handler.subscribedChat()
		}
		if chatID == "" {
			handler.appendDataChan(&SessionData{Frame: &transport.ServerFrame{
				Error: newInvalidArgumentError(transport.OpRefresh, "refresh without subscription"),
			}})
			return
		}
		h.pushSnapshotTo(ctx, handler, chatID, transport.OpRefresh)

	case req.Send != nil:
		h.serveSend(ctx, handler, req.Send)

	case req.Typing != nil:
		h.serveTyping(ctx, handler, req.Typing.On)

	case req.MarkRead != nil:
		chatID := req.MarkRead.ChatID
		if chatID == "" {
			chatID = handler.subscribedChat()
		}
		changed, err := h.store.MarkRead(ctx, chatID, uid)
		if err != nil {
			glog.Errorf("serve(): mark read error: %v", err)
			handler.appendDataChan(&SessionData{Frame: &transport.ServerFrame{
				Error: newInternalError(transport.OpMarkRead, err.Error()),
			}})
			return
		}
		handler.appendDataChan(&SessionData{Frame: &transport.ServerFrame{
			Ack: &transport.Ack{Op: transport.OpMarkRead, OK: true},
		}})
		if changed > 0 {
			// The flipped read flags reach both sides through the next
			// snapshot.
			h.PushSnapshot(ctx, chatID)
		}

	case req.Delete != nil:
		changed, err := h.store.DeleteMessage(ctx, req.Delete.ID)
		if err != nil {
			glog.Errorf("serve(): delete error: %v", err)
			handler.appendDataChan(&SessionData{Frame: &transport.ServerFrame{
				Error: newInternalError(transport.OpDelete, err.Error()),
			}})
			return
		}
		handler.appendDataChan(&SessionData{Frame: &transport.ServerFrame{
			Ack: &transport.Ack{Op: transport.OpDelete, OK: changed, ID: req.Delete.ID},
		}})
		if changed {
			h.PushSnapshot(ctx, handler.subscribedChat())
		}

	default:
		glog.Errorf("serve(): unsupported request: %+v", req)
		handler.appendDataChan(&SessionData{Frame: &transport.ServerFrame{
			Error: newInvalidArgumentError("", "unsupported request"),
		}})
		handler.appendDataChan(&SessionData{Error: BadRequest})
	}
}

// bootstrap discovers the user's chat, creating it when a partner has
// been assigned. Returns "" when there is nothing to bootstrap yet.
func (h *Hub) bootstrap(ctx context.Context, uid string) (string, *transport.ErrorFrame) {
	chatID, err := h.store.FindChat(ctx, uid)
	if err != nil {
		return "", newInternalError(transport.OpBootstrap, err.Error())
	}
	if chatID != "" {
		return chatID, nil
	}

	partner, err := h.store.PairedUser(ctx, uid)
	if err != nil {
		return "", newInternalError(transport.OpBootstrap, err.Error())
	}
	if partner == "" {
		// First-time user with no partner yet.
		return "", nil
	}

	chatID = strings.ReplaceAll(uuid.New(), "-", "")
	if err := h.store.CreateChat(ctx, chatID, uid, partner); err != nil {
		if h.store.IsDupKeyError(err) {
			// Lost the race against the partner's bootstrap.
			id, err2 := h.store.FindChat(ctx, uid)
			if err2 != nil {
				return "", newInternalError(transport.OpBootstrap, err2.Error())
			}
			return id, nil
		}
		return "", newInternalError(transport.OpBootstrap, err.Error())
	}
	glog.Infof("bootstrap: created chat %s for %s and %s", chatID, uid, partner)
	return chatID, nil
}

func (h *Hub) checkParticipant(ctx context.Context, uid, chatID, op string) *transport.ErrorFrame {
	if chatID == "" {
		return newInvalidArgumentError(op, "chat_id is required")
	}
	a, b, err := h.store.Participants(ctx, chatID)
	if err != nil {
		return newInternalError(op, err.Error())
	}
	if uid != a && uid != b {
		return &transport.ErrorFrame{
			Code:   transport.ErrorCodeUnauthenticated,
			Op:     op,
			Params: []string{"not a participant"},
		}
	}
	return nil
}

func (h *Hub) serveSend(ctx context.Context, handler *Handler, req *transport.SendReq) {
	uid := handler.session.UID
	chatID := req.ChatID
	if chatID == "" {
		chatID = handler.subscribedChat()
	}
	if errFrame := h.checkParticipant(ctx, uid, chatID, transport.OpSend); errFrame != nil {
		handler.appendDataChan(&SessionData{Frame: &transport.ServerFrame{Error: errFrame}})
		return
	}

	if req.Kind != msg.KindText && req.Kind != msg.KindImage {
		handler.appendDataChan(&SessionData{Frame: &transport.ServerFrame{
			Error: newInvalidArgumentError(transport.OpSend, "unsupported kind"),
		}})
		return
	}
	if req.Kind == msg.KindText && strings.TrimSpace(req.Text) == "" {
		handler.appendDataChan(&SessionData{Frame: &transport.ServerFrame{
			Ack: &transport.Ack{Op: transport.OpSend, OK: false},
		}})
		return
	}

	m := &msg.Message{
		ID:       strings.ReplaceAll(uuid.New(), "-", ""),
		Text:     req.Text,
		SenderID: uid,
		SentAt:   time.Now(),
		Kind:     req.Kind,
		MediaURL: req.MediaURL,
		Caption:  req.Caption,
	}
	if err := h.store.SaveMessage(ctx, chatID, m); err != nil {
		glog.Errorf("serveSend(): save error: %v", err)
		handler.appendDataChan(&SessionData{Frame: &transport.ServerFrame{
			Error: newInternalError(transport.OpSend, err.Error()),
		}})
		return
	}

	handler.appendDataChan(&SessionData{Frame: &transport.ServerFrame{
		Ack: &transport.Ack{Op: transport.OpSend, OK: true, ID: m.ID},
	}})

	// The snapshot push is what confirms the send on the client side.
	h.PushSnapshot(ctx, chatID)
}

// serveTyping fans the ephemeral flag out to the partner's live
// sessions. Nothing is persisted.
func (h *Hub) serveTyping(ctx context.Context, handler *Handler, on bool) {
	uid := handler.session.UID
	chatID := handler.subscribedChat()
	if chatID == "" {
		return
	}
	a, b, err := h.store.Participants(ctx, chatID)
	if err != nil {
		glog.Errorf("serveTyping(): participants error: %v", err)
		return
	}
	peer := a
	if uid == a {
		peer = b
	}
	frame := &transport.ServerFrame{Typing: &transport.TypingReq{On: on}}
	for _, ph := range h.sessions.getByUID(peer) {
		if ph.subscribedChat() == chatID {
			ph.appendDataChan(&SessionData{Frame: frame})
		}
	}
}

// PushSnapshot sends the full ordered message list to every session
// subscribed to the chat. Also used by the kafka ingest path.
func (h *Hub) PushSnapshot(ctx context.Context, chatID string) {
	if chatID == "" {
		return
	}
	a, b, err := h.store.Participants(ctx, chatID)
	if err != nil {
		glog.Errorf("PushSnapshot(): participants error: %v", err)
		return
	}

	messages, err := h.store.ListMessages(ctx, chatID)
	if err != nil {
		glog.Errorf("PushSnapshot(): list error: %v", err)
		h.pushStreamError(chatID, a, b, err)
		return
	}
	if messages == nil {
		messages = []*msg.Message{}
	}

	frame := &transport.ServerFrame{Batch: &transport.Batch{ChatID: chatID, Messages: messages}}
	for _, uid := range []string{a, b} {
		for _, ph := range h.sessions.getByUID(uid) {
			if ph.subscribedChat() == chatID {
				ph.appendDataChan(&SessionData{Frame: frame})
			}
		}
	}
}

// pushSnapshotTo answers one handler's subscribe/refresh request.
func (h *Hub) pushSnapshotTo(ctx context.Context, handler *Handler, chatID, op string) {
	messages, err := h.store.ListMessages(ctx, chatID)
	if err != nil {
		glog.Errorf("pushSnapshotTo(): list error: %v", err)
		handler.appendDataChan(&SessionData{Frame: &transport.ServerFrame{
			Error: listErrorFrame(op, err),
		}})
		return
	}
	if messages == nil {
		messages = []*msg.Message{}
	}
	handler.appendDataChan(&SessionData{Frame: &transport.ServerFrame{
		Batch: &transport.Batch{ChatID: chatID, Messages: messages},
	}})
}

func (h *Hub) pushStreamError(chatID, a, b string, err error) {
	frame := &transport.ServerFrame{Error: listErrorFrame(transport.OpSubscribe, err)}
	for _, uid := range []string{a, b} {
		for _, ph := range h.sessions.getByUID(uid) {
			if ph.subscribedChat() == chatID {
				ph.appendDataChan(&SessionData{Frame: frame})
			}
		}
	}
}

// listErrorFrame classifies a live-query failure: a missing backend
// index is a precondition the client can only work around, everything
// else is internal/transient.
func listErrorFrame(op string, err error) *transport.ErrorFrame {
	if msgstore.IsMissingIndexError(err) {
		return &transport.ErrorFrame{
			Code:   transport.ErrorCodeFailedPrecondition,
			Op:     op,
			Params: []string{"query needs a missing index"},
		}
	}
	return newInternalError(op, err.Error())
}

func getRemoteIP(r *http.Request) string {
	ip := r.Header.Get("X-REAL-IP")
	if ip == "" {
		if ips := r.Header.Get("X-FORWARDED-FOR"); ips != "" {
			slice := strings.Split(ips, ",")
			for _, x := range slice {
				if x != "" {
					ip = x
				}
			}
		}
	}
	if ip == "" {
		ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	}

	return ip
}
