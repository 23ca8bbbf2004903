package views

import (
	"context"
	"sync"
	"time"

	"github.com/mahaj/erp-messenger/pkg/model"
	"github.com/mahaj/erp-messenger/pkg/store"
)

// TypingSignal is the slice of the connection the thread needs for
// typing indicators.
type TypingSignal interface {
	EmitTyping(peerID string, isTyping bool)
}

// Thread binds the active conversation panel: message log, scroll-to-
// latest signal and the debounced typing indicator.
type Thread struct {
	store  *store.Store
	typing *TypingDebouncer

	mu             sync.Mutex
	activePeer     string
	lastCount      int
	onScrollLatest func()
	unsub          func()
}

func NewThread(st *store.Store, signal TypingSignal, onScrollLatest func()) *Thread {
	t := &Thread{
		store:          st,
		typing:         NewTypingDebouncer(signal, DefaultTypingInterval),
		onScrollLatest: onScrollLatest,
	}
	t.unsub = st.Subscribe(t.changed)
	return t
}

// Close unsubscribes and clears any pending typing indicator.
func (t *Thread) Close() {
	t.unsub()
	t.typing.Stop()
}

// SetActive switches the thread to peerID, loading its history and
// scrolling to the newest message.
func (t *Thread) SetActive(ctx context.Context, peerID string) error {
	t.typing.Stop()

	t.mu.Lock()
	t.activePeer = peerID
	t.lastCount = -1
	t.mu.Unlock()

	if err := t.store.LoadHistory(ctx, peerID); err != nil {
		return err
	}
	t.scrollToLatest()
	return nil
}

func (t *Thread) ActivePeer() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activePeer
}

// Messages returns the visible log for the active conversation.
func (t *Thread) Messages() []model.Message {
	peer := t.ActivePeer()
	if peer == "" {
		return nil
	}
	return t.store.MessagesForPeer(peer)
}

// changed fires the scroll signal whenever the active conversation's
// message count moves.
func (t *Thread) changed() {
	t.mu.Lock()
	peer := t.activePeer
	t.mu.Unlock()
	if peer == "" {
		return
	}

	n := len(t.store.MessagesForPeer(peer))

	t.mu.Lock()
	moved := n != t.lastCount
	t.lastCount = n
	t.mu.Unlock()

	if moved {
		t.scrollToLatest()
	}
}

func (t *Thread) scrollToLatest() {
	if t.onScrollLatest != nil {
		t.onScrollLatest()
	}
}

// Compose reports keystrokes in the message box, driving the typing
// indicator while the field is non-empty.
func (t *Thread) Compose(text string) {
	peer := t.ActivePeer()
	if peer == "" {
		return
	}
	if text == "" {
		t.typing.Stop()
		return
	}
	t.typing.Keystroke(peer)
}

// Blur clears the typing indicator when the compose field loses focus.
func (t *Thread) Blur() {
	t.typing.Stop()
}

// Send issues the message through the store and clears the typing state.
func (t *Thread) Send(content, documentID string) (model.Message, bool) {
	peer := t.ActivePeer()
	if peer == "" || content == "" {
		return model.Message{}, false
	}
	t.typing.Stop()
	return t.store.SendMessage(peer, content, documentID), true
}

// DefaultTypingInterval is the trailing debounce after the last
// keystroke before the typing indicator is cleared.
const DefaultTypingInterval = 1500 * time.Millisecond

// TypingDebouncer emits typing-start on the first keystroke and
// typing-stop after a quiet interval or an explicit Stop.
type TypingDebouncer struct {
	signal   TypingSignal
	interval time.Duration

	mu     sync.Mutex
	peerID string
	active bool
	timer  *time.Timer
}

func NewTypingDebouncer(signal TypingSignal, interval time.Duration) *TypingDebouncer {
	if interval <= 0 {
		interval = DefaultTypingInterval
	}
	return &TypingDebouncer{signal: signal, interval: interval}
}

// Keystroke restarts the quiet timer, emitting typing-start if the
// indicator is not already up for this peer.
func (d *TypingDebouncer) Keystroke(peerID string) {
	d.mu.Lock()
	if d.active && d.peerID != peerID {
		d.signal.EmitTyping(d.peerID, false)
		d.active = false
	}
	if !d.active {
		d.active = true
		d.peerID = peerID
		d.signal.EmitTyping(peerID, true)
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.interval, d.expire)
	d.mu.Unlock()
}

func (d *TypingDebouncer) expire() {
	d.mu.Lock()
	if d.active {
		d.signal.EmitTyping(d.peerID, false)
		d.active = false
	}
	d.mu.Unlock()
}

// Stop clears the indicator immediately.
func (d *TypingDebouncer) Stop() {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if d.active {
		d.signal.EmitTyping(d.peerID, false)
		d.active = false
	}
	d.mu.Unlock()
}
