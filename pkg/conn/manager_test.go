package conn

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/erp-messenger/pkg/model"
)

type recordSink struct {
	mu     sync.Mutex
	frames []model.Frame
}

func (s *recordSink) Dispatch(frame model.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
}

func (s *recordSink) types() []model.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.EventType, len(s.frames))
	for i, f := range s.frames {
		out[i] = f.Type
	}
	return out
}

type recordSession struct {
	mu          sync.Mutex
	invalidated bool
}

func (s *recordSession) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated = true
}

func (s *recordSession) wasInvalidated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invalidated
}

type recordNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (n *recordNotifier) Notify(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
}

var testUpgrader = websocket.Upgrader{}

// gatewayStub upgrades authenticated requests and hands the socket to fn.
func gatewayStub(t *testing.T, fn func(c *websocket.Conn)) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good-token" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		c, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fn(c)
	}))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, wsURL
}

func testOptions(url string) Options {
	return Options{
		GatewayURL: url,
		Backoff: Backoff{
			Initial:     10 * time.Millisecond,
			Max:         20 * time.Millisecond,
			Jitter:      0,
			MaxAttempts: 2,
		},
	}
}

func TestConnectDispatchesInboundEvents(t *testing.T) {
	srv, url := gatewayStub(t, func(c *websocket.Conn) {
		frame, err := model.NewFrame(model.EventUserOnline, model.PresencePayload{UserID: "U4"})
		require.NoError(t, err)
		require.NoError(t, c.WriteJSON(frame))
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	sink := &recordSink{}
	session := &recordSession{}
	m := NewManager(testOptions(url), sink, session, &recordNotifier{})

	require.NoError(t, m.Connect("good-token", "U1"))
	assert.True(t, m.IsConnected())

	require.Eventually(t, func() bool {
		return len(sink.types()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, model.EventUserOnline, sink.types()[0])
	assert.False(t, session.wasInvalidated())

	m.Disconnect()
	assert.False(t, m.IsConnected())
}

func TestAuthRejectionInvalidatesSession(t *testing.T) {
	srv, url := gatewayStub(t, func(c *websocket.Conn) { c.Close() })
	defer srv.Close()

	session := &recordSession{}
	notifier := &recordNotifier{}
	m := NewManager(testOptions(url), &recordSink{}, session, notifier)

	err := m.Connect("bad-token", "U1")
	require.Error(t, err)
	assert.False(t, m.IsConnected())
	assert.True(t, session.wasInvalidated())

	notifier.mu.Lock()
	assert.NotEmpty(t, notifier.msgs)
	notifier.mu.Unlock()
}

func TestEmitWritesFrame(t *testing.T) {
	got := make(chan model.Frame, 1)
	srv, url := gatewayStub(t, func(c *websocket.Conn) {
		var frame model.Frame
		if err := c.ReadJSON(&frame); err == nil {
			got <- frame
		}
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	m := NewManager(testOptions(url), &recordSink{}, &recordSession{}, &recordNotifier{})
	require.NoError(t, m.Connect("good-token", "U1"))
	defer m.Disconnect()

	m.EmitTyping("U2", true)

	select {
	case frame := <-got:
		assert.Equal(t, model.EventTyping, frame.Type)
		assert.Contains(t, string(frame.Payload), `"U2"`)
		assert.Contains(t, string(frame.Payload), `"U1"`)
	case <-time.After(time.Second):
		t.Fatal("gateway never received the typing frame")
	}
}

func TestEmitWhileDisconnectedIsDropped(t *testing.T) {
	m := NewManager(testOptions("ws://127.0.0.1:1/ws"), &recordSink{}, &recordSession{}, &recordNotifier{})

	assert.False(t, m.IsConnected())
	// Must not panic or block; there is no offline queue.
	m.EmitSend(model.Message{Content: "hello"})
	m.EmitMarkRead("U2")
	m.EmitTyping("U2", true)
	m.EmitDelete("m1", "U2")
}

func TestDisconnectIsAlwaysSafe(t *testing.T) {
	m := NewManager(testOptions("ws://127.0.0.1:1/ws"), &recordSink{}, &recordSession{}, &recordNotifier{})
	m.Disconnect()
	m.Disconnect()
	assert.False(t, m.IsConnected())
}

func TestConnectIsIdempotent(t *testing.T) {
	var mu sync.Mutex
	conns := 0
	srv, url := gatewayStub(t, func(c *websocket.Conn) {
		mu.Lock()
		conns++
		mu.Unlock()
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	m := NewManager(testOptions(url), &recordSink{}, &recordSession{}, &recordNotifier{})
	require.NoError(t, m.Connect("good-token", "U1"))
	require.NoError(t, m.Connect("good-token", "U1"))
	defer m.Disconnect()

	assert.True(t, m.IsConnected())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return conns == 2
	}, time.Second, 5*time.Millisecond)
}
