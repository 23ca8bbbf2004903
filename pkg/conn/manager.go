// Package conn owns the single realtime connection per logged-in session.
// It dials the gateway with the session token, pumps inbound events into
// an EventSink, and exposes fire-and-forget outbound emits. Emits while
// disconnected are dropped with a logged warning, never queued.
package conn

import (
	"errors"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mahaj/erp-messenger/pkg/model"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	sendBuffer = 64
)

var errAuthRejected = errors.New("gateway rejected session token")

// EventSink receives every inbound frame. Implemented by the store.
type EventSink interface {
	Dispatch(frame model.Frame)
}

// Session is the slice of the auth provider the manager needs: the power
// to tear the session down when the gateway rejects our token.
type Session interface {
	Invalidate()
}

// Notifier surfaces user-visible connection notices (toasts).
type Notifier interface {
	Notify(message string)
}

// Backoff configures the reconnect policy applied after an unexpected
// connection drop.
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	Jitter      float64 // fraction of the delay, e.g. 0.2
	MaxAttempts int
}

func DefaultBackoff() Backoff {
	return Backoff{
		Initial:     500 * time.Millisecond,
		Max:         30 * time.Second,
		Jitter:      0.2,
		MaxAttempts: 10,
	}
}

type Options struct {
	// GatewayURL is the websocket endpoint, e.g. ws://localhost:8080/ws.
	GatewayURL string
	Backoff    Backoff
	// OnReconnect runs after a dropped connection is re-established, so
	// the application can re-sync state missed while offline.
	OnReconnect func()
}

type Manager struct {
	opts    Options
	sink    EventSink
	session Session
	notify  Notifier

	mu         sync.Mutex
	conn       *websocket.Conn
	send       chan model.Frame
	token      string
	userID     string
	connected  bool
	generation int
}

func NewManager(opts Options, sink EventSink, session Session, notify Notifier) *Manager {
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff()
	}
	return &Manager{opts: opts, sink: sink, session: session, notify: notify}
}

// Connect establishes the connection for the given session. Idempotent:
// any existing connection is closed first. An auth rejection leaves the
// manager disconnected and invalidates the session.
func (m *Manager) Connect(token, userID string) error {
	m.mu.Lock()
	m.closeLocked()
	m.token = token
	m.userID = userID
	m.generation++
	gen := m.generation
	m.mu.Unlock()

	return m.dial(gen)
}

func (m *Manager) dial(gen int) error {
	m.mu.Lock()
	token := m.token
	m.mu.Unlock()

	header := http.Header{}
	header.Add("Authorization", "Bearer "+token)

	c, resp, err := websocket.DefaultDialer.Dial(m.opts.GatewayURL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			log.Printf("conn: gateway rejected token: %v", err)
			m.notifyUser("Your session has expired. Please log in again.")
			m.session.Invalidate()
			return errAuthRejected
		}
		log.Printf("conn: dial failed: %v", err)
		m.notifyUser("Messaging connection failed.")
		return err
	}

	m.mu.Lock()
	if gen != m.generation {
		// A newer Connect/Disconnect raced us; discard this socket.
		m.mu.Unlock()
		c.Close()
		return nil
	}
	m.conn = c
	m.send = make(chan model.Frame, sendBuffer)
	m.connected = true
	send := m.send
	m.mu.Unlock()

	go m.writePump(c, send)
	go m.readPump(c, gen)
	return nil
}

// Disconnect releases the transport. Always safe to call.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generation++
	m.closeLocked()
}

func (m *Manager) closeLocked() {
	if m.conn != nil {
		m.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		m.conn.Close()
		m.conn = nil
	}
	if m.send != nil {
		close(m.send)
		m.send = nil
	}
	m.connected = false
}

func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// readPump delivers inbound frames to the sink until the connection
// drops, then hands off to the reconnect loop.
func (m *Manager) readPump(c *websocket.Conn, gen int) {
	c.SetReadDeadline(time.Now().Add(pongWait))
	c.SetPongHandler(func(string) error { c.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		var frame model.Frame
		if err := c.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("conn: read error: %v", err)
			}
			break
		}
		if frame.Type == "" {
			continue
		}
		m.sink.Dispatch(frame)
	}

	m.mu.Lock()
	stale := gen != m.generation
	if !stale {
		m.closeLocked()
	}
	m.mu.Unlock()
	if stale {
		return // deliberate disconnect or superseded connection
	}

	m.notifyUser("Messaging connection lost. Reconnecting...")
	go m.reconnect(gen)
}

// writePump serializes all writes to the socket and keeps the connection
// alive with periodic pings.
func (m *Manager) writePump(c *websocket.Conn, send chan model.Frame) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-send:
			c.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				return
			}
			if err := c.WriteJSON(frame); err != nil {
				log.Printf("conn: write error: %v", err)
				return
			}
		case <-ticker.C:
			c.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (m *Manager) reconnect(gen int) {
	delay := m.opts.Backoff.Initial
	for attempt := 1; attempt <= m.opts.Backoff.MaxAttempts; attempt++ {
		jitter := time.Duration(m.opts.Backoff.Jitter * float64(delay) * (2*rand.Float64() - 1))
		time.Sleep(delay + jitter)

		m.mu.Lock()
		if gen != m.generation {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		log.Printf("conn: reconnect attempt %d/%d", attempt, m.opts.Backoff.MaxAttempts)
		err := m.dial(gen)
		if err == nil {
			m.mu.Lock()
			ok := m.connected
			m.mu.Unlock()
			if ok && m.opts.OnReconnect != nil {
				m.opts.OnReconnect()
			}
			return
		}
		if errors.Is(err, errAuthRejected) {
			return // session is already being torn down
		}

		delay *= 2
		if delay > m.opts.Backoff.Max {
			delay = m.opts.Backoff.Max
		}
	}
	m.notifyUser("Messaging connection could not be restored.")
}

func (m *Manager) notifyUser(msg string) {
	if m.notify != nil {
		m.notify.Notify(msg)
	}
}

// emit queues a frame for the write pump. Drops with a warning when
// offline or when the buffer is full; there is no outbox.
func (m *Manager) emit(t model.EventType, payload any) {
	// Held across the channel send so Disconnect cannot close the
	// channel mid-emit.
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected || m.send == nil {
		log.Printf("conn: dropping %s emit: not connected", t)
		return
	}

	frame, err := model.NewFrame(t, payload)
	if err != nil {
		log.Printf("conn: dropping %s emit: %v", t, err)
		return
	}

	select {
	case m.send <- frame:
	default:
		log.Printf("conn: dropping %s emit: send buffer full", t)
	}
}

// EmitSend announces a persisted message so the gateway can route it to
// the recipient in real time.
func (m *Manager) EmitSend(msg model.Message) {
	m.emit(model.EventSendMessage, model.SendPayload{Message: msg})
}

func (m *Manager) EmitMarkRead(peerID string) {
	m.mu.Lock()
	reader := m.userID
	m.mu.Unlock()
	m.emit(model.EventMarkRead, model.MarkReadPayload{ReaderID: reader, PeerID: peerID})
}

func (m *Manager) EmitTyping(peerID string, isTyping bool) {
	m.mu.Lock()
	user := m.userID
	m.mu.Unlock()
	m.emit(model.EventTyping, model.TypingPayload{UserID: user, PeerID: peerID, IsTyping: isTyping})
}

func (m *Manager) EmitDelete(messageID, peerID string) {
	m.emit(model.EventDeleteMessage, model.DeletePayload{MessageID: messageID, PeerID: peerID})
}
