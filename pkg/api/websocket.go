package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/veilmarket/darkpool/pkg/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins (CORS handled by main server)
		return true
	},
}

const (
	// pingPeriod must be shorter than pongWait or the read side times out
	// between pings.
	pingPeriod = 30 * time.Second
	pongWait   = 60 * time.Second
	writeWait  = 10 * time.Second

	// Client frames are subscribe/unsubscribe/ping only.
	maxFrameBytes = 512
	sendBuffer    = 256
)

// ClientFrame is what a session may send us.
type ClientFrame struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
}

// ServerFrame is every message we push: event fan-outs, subscription acks,
// pong replies and error notices share one shape.
type ServerFrame struct {
	Type      string `json:"type"`
	Event     string `json:"event,omitempty"`
	Channel   string `json:"channel,omitempty"`
	Data      any    `json:"data,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// HubStats is reported by /health.
type HubStats struct {
	Sessions int `json:"sessions"`
	Channels int `json:"channels"`
}

// Session is one WebSocket connection. The hub owns the send channel: it is
// written and closed only under the hub lock, so a drop can never race a send.
type Session struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub fans bus events out to sessions by channel. One lock guards the session
// set and both subscription indices; fan-out, acks and drops all serialise on
// it, which keeps per-channel delivery in emit order.
type Hub struct {
	bus *events.Bus
	sub *events.Subscription
	log *zap.SugaredLogger

	mu        sync.Mutex
	sessions  map[*Session]bool
	byChannel map[string]map[*Session]bool
	channels  map[*Session]map[string]bool
	closed    bool
}

func NewHub(bus *events.Bus, log *zap.SugaredLogger) *Hub {
	h := &Hub{
		bus:       bus,
		log:       log,
		sessions:  make(map[*Session]bool),
		byChannel: make(map[string]map[*Session]bool),
		channels:  make(map[*Session]map[string]bool),
	}
	h.sub = bus.SubscribeAll(h.fanOut)
	return h
}

// fanOut runs on the emitter's goroutine. It marshals the frame once per
// channel and enqueues without blocking; a session with a full buffer is too
// far behind and gets dropped.
func (h *Hub) fanOut(ev events.Event) {
	now := time.Now().UnixMilli()

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, channel := range ev.Channels() {
		subs := h.byChannel[channel]
		if len(subs) == 0 {
			continue
		}
		payload, err := json.Marshal(ServerFrame{
			Type:      "event",
			Event:     string(ev.Topic()),
			Channel:   channel,
			Data:      ev,
			Timestamp: now,
		})
		if err != nil {
			h.log.Warnw("ws_marshal_failed", "event", ev.Topic(), "err", err)
			continue
		}
		for sess := range subs {
			h.enqueueLocked(sess, payload)
		}
	}
}

// HandleUpgrade upgrades the request and starts the session's pumps.
func (h *Hub) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("ws_upgrade_failed", "err", err)
		return
	}

	sess := &Session{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
	if !h.register(sess) {
		conn.Close()
		return
	}

	go h.writePump(sess)
	go h.readPump(sess)
}

func (h *Hub) register(sess *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	h.sessions[sess] = true
	h.channels[sess] = make(map[string]bool)
	h.log.Infow("ws_session_opened", "session_id", sess.id, "total", len(h.sessions))

	welcome, err := json.Marshal(ServerFrame{
		Type:      "event",
		Event:     "welcome",
		Channel:   events.ChannelSystem,
		Data:      map[string]string{"sessionId": sess.id},
		Timestamp: time.Now().UnixMilli(),
	})
	if err == nil {
		h.enqueueLocked(sess, welcome)
	}
	return true
}

// readPump pumps frames from the connection into handleFrame.
func (h *Hub) readPump(sess *Session) {
	defer func() {
		h.remove(sess)
		sess.conn.Close()
	}()

	sess.conn.SetReadLimit(maxFrameBytes)
	sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	sess.conn.SetPongHandler(func(string) error {
		sess.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debugw("ws_read_error", "session_id", sess.id, "err", err)
			}
			return
		}
		h.handleFrame(sess, message)
	}
}

// handleFrame answers a single client frame. Malformed frames earn an error
// notice, not a disconnect.
func (h *Hub) handleFrame(sess *Session, raw []byte) {
	var frame ClientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		h.sendFrame(sess, ServerFrame{Type: "error", Message: "invalid frame"})
		return
	}

	switch frame.Type {
	case "subscribe":
		if frame.Channel == "" {
			h.sendFrame(sess, ServerFrame{Type: "error", Message: "subscribe requires a channel"})
			return
		}
		h.subscribe(sess, frame.Channel)
	case "unsubscribe":
		if frame.Channel == "" {
			h.sendFrame(sess, ServerFrame{Type: "error", Message: "unsubscribe requires a channel"})
			return
		}
		h.unsubscribe(sess, frame.Channel)
	case "ping":
		h.sendFrame(sess, ServerFrame{Type: "pong"})
	default:
		h.sendFrame(sess, ServerFrame{Type: "error", Message: "unknown frame type " + frame.Type})
	}
}

// writePump drains the send channel onto the wire, one frame per message, and
// keeps the connection alive with pings.
func (h *Hub) writePump(sess *Session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sess.conn.Close()
	}()

	for {
		select {
		case message, ok := <-sess.send:
			sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				sess.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := sess.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) subscribe(sess *Session, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.sessions[sess] {
		return
	}
	h.channels[sess][channel] = true
	subs, ok := h.byChannel[channel]
	if !ok {
		subs = make(map[*Session]bool)
		h.byChannel[channel] = subs
	}
	subs[sess] = true
	h.log.Debugw("ws_subscribed", "session_id", sess.id, "channel", channel)

	h.ackLocked(sess, ServerFrame{Type: "subscribed", Channel: channel})
}

func (h *Hub) unsubscribe(sess *Session, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.sessions[sess] {
		return
	}
	delete(h.channels[sess], channel)
	if subs, ok := h.byChannel[channel]; ok {
		delete(subs, sess)
		if len(subs) == 0 {
			delete(h.byChannel, channel)
		}
	}
	h.log.Debugw("ws_unsubscribed", "session_id", sess.id, "channel", channel)

	h.ackLocked(sess, ServerFrame{Type: "unsubscribed", Channel: channel})
}

func (h *Hub) sendFrame(sess *Session, frame ServerFrame) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.sessions[sess] {
		return
	}
	h.ackLocked(sess, frame)
}

func (h *Hub) ackLocked(sess *Session, frame ServerFrame) {
	frame.Timestamp = time.Now().UnixMilli()
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	h.enqueueLocked(sess, payload)
}

func (h *Hub) enqueueLocked(sess *Session, payload []byte) {
	select {
	case sess.send <- payload:
	default:
		// Buffer full: the consumer stopped reading long ago.
		h.log.Warnw("ws_slow_consumer_dropped", "session_id", sess.id)
		h.dropLocked(sess)
	}
}

func (h *Hub) remove(sess *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(sess)
}

func (h *Hub) dropLocked(sess *Session) {
	if !h.sessions[sess] {
		return
	}
	delete(h.sessions, sess)
	for channel := range h.channels[sess] {
		if subs, ok := h.byChannel[channel]; ok {
			delete(subs, sess)
			if len(subs) == 0 {
				delete(h.byChannel, channel)
			}
		}
	}
	delete(h.channels, sess)
	close(sess.send)
	h.log.Infow("ws_session_closed", "session_id", sess.id, "total", len(h.sessions))
}

// Stats reports the live session and channel counts.
func (h *Hub) Stats() HubStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HubStats{Sessions: len(h.sessions), Channels: len(h.byChannel)}
}

func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Shutdown detaches from the bus and drops every session.
func (h *Hub) Shutdown() {
	h.bus.Unsubscribe(h.sub)

	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for sess := range h.sessions {
		h.dropLocked(sess)
	}
}
