package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/erp-messenger/pkg/model"
)

type fakePersist struct {
	mu sync.Mutex

	sendDelay time.Duration
	sendErr   error
	sendID    string

	history   []model.Message
	convs     []model.Conversation
	convGate  chan struct{} // when non-nil, Conversations blocks until closed
	convCalls int

	markReadCalls int
	deleted       []string
}

func (f *fakePersist) History(ctx context.Context, peerID string, page, limit int) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Message(nil), f.history...), nil
}

func (f *fakePersist) Conversations(ctx context.Context) ([]model.Conversation, error) {
	f.mu.Lock()
	f.convCalls++
	gate := f.convGate
	convs := append([]model.Conversation(nil), f.convs...)
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	return convs, nil
}

func (f *fakePersist) Send(ctx context.Context, recipientID, content, documentID, correlationID string) (model.Message, error) {
	f.mu.Lock()
	delay, sendErr, id := f.sendDelay, f.sendErr, f.sendID
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if sendErr != nil {
		return model.Message{}, sendErr
	}
	if id == "" {
		id = "srv-1"
	}
	return model.Message{
		ID:            id,
		CorrelationID: correlationID,
		RecipientID:   recipientID,
		Content:       content,
		DocumentID:    documentID,
		CreatedAt:     time.Now(),
		Active:        true,
	}, nil
}

func (f *fakePersist) MarkRead(ctx context.Context, peerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markReadCalls++
	return nil
}

func (f *fakePersist) DeleteMessage(ctx context.Context, messageID, peerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID)
	return nil
}

type fakeEmitter struct {
	mu        sync.Mutex
	markReads []string
	typings   []string
	deletes   []string
}

func (f *fakeEmitter) EmitSend(msg model.Message) {}

func (f *fakeEmitter) EmitMarkRead(peerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markReads = append(f.markReads, peerID)
}

func (f *fakeEmitter) EmitTyping(peerID string, isTyping bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typings = append(f.typings, fmt.Sprintf("%s:%v", peerID, isTyping))
}

func (f *fakeEmitter) EmitDelete(messageID, peerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, messageID)
}

type fakeNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (f *fakeNotifier) Notify(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func newTestStore(t *testing.T, persist *fakePersist) (*Store, *fakeEmitter, *fakeNotifier) {
	t.Helper()
	emitter := &fakeEmitter{}
	notifier := &fakeNotifier{}
	st := New("U1", persist, emitter, notifier, Options{
		PendingTimeout: 5 * time.Second,
		HistoryLimit:   50,
	})
	return st, emitter, notifier
}

func frame(t *testing.T, typ model.EventType, payload any) model.Frame {
	t.Helper()
	f, err := model.NewFrame(typ, payload)
	require.NoError(t, err)
	return f
}

func inbound(sender, id, content string) model.Message {
	return model.Message{
		ID:          id,
		SenderID:    sender,
		RecipientID: "U1",
		Content:     content,
		CreatedAt:   time.Now(),
		Active:      true,
	}
}

func TestSendOptimisticThenConfirmed(t *testing.T) {
	persist := &fakePersist{sendDelay: 50 * time.Millisecond, sendID: "m1"}
	st, _, _ := newTestStore(t, persist)

	st.SendMessage("U2", "hello", "")

	msgs := st.MessagesForPeer("U2")
	require.Len(t, msgs, 1)
	assert.Equal(t, model.StatusSending, msgs[0].Status)
	assert.NotEmpty(t, msgs[0].CorrelationID)

	require.Eventually(t, func() bool {
		msgs := st.MessagesForPeer("U2")
		return len(msgs) == 1 && msgs[0].ID == "m1" && msgs[0].Status == model.StatusSent
	}, time.Second, 5*time.Millisecond)

	c, ok := st.ConversationByPeer("U2")
	require.True(t, ok)
	assert.Equal(t, "hello", c.LastMessage)
}

func TestSendRollbackOnFailure(t *testing.T) {
	persist := &fakePersist{sendDelay: 20 * time.Millisecond, sendErr: errors.New("boom")}
	st, _, notifier := newTestStore(t, persist)

	st.SendMessage("U2", "hello", "")
	require.Len(t, st.MessagesForPeer("U2"), 1)

	require.Eventually(t, func() bool {
		return len(st.MessagesForPeer("U2")) == 0
	}, time.Second, 5*time.Millisecond)
	assert.Positive(t, notifier.count())
}

func TestPendingTimeoutFails(t *testing.T) {
	persist := &fakePersist{sendDelay: 500 * time.Millisecond, sendID: "m1"}
	emitter := &fakeEmitter{}
	notifier := &fakeNotifier{}
	st := New("U1", persist, emitter, notifier, Options{
		PendingTimeout: 30 * time.Millisecond,
		HistoryLimit:   50,
	})

	st.SendMessage("U2", "hello", "")

	require.Eventually(t, func() bool {
		msgs := st.MessagesForPeer("U2")
		return len(msgs) == 1 && msgs[0].Status == model.StatusFailed
	}, time.Second, 5*time.Millisecond)

	// The late confirmation must not resurrect a failed message.
	time.Sleep(600 * time.Millisecond)
	msgs := st.MessagesForPeer("U2")
	require.Len(t, msgs, 1)
	assert.Equal(t, model.StatusFailed, msgs[0].Status)
}

func TestUnreadCountsPerInboundMessage(t *testing.T) {
	st, _, _ := newTestStore(t, &fakePersist{})

	const n = 5
	for i := 0; i < n; i++ {
		st.Dispatch(frame(t, model.EventReceiveMessage, inbound("U3", fmt.Sprintf("m%d", i), "hi")))
	}

	c, ok := st.ConversationByPeer("U3")
	require.True(t, ok)
	assert.Equal(t, n, c.UnreadCount)
	assert.Equal(t, n, st.TotalUnreadCount())

	require.NoError(t, st.MarkRead(context.Background(), "U3"))
	c, _ = st.ConversationByPeer("U3")
	assert.Zero(t, c.UnreadCount)
	assert.Zero(t, st.TotalUnreadCount())
}

func TestMarkReadIdempotent(t *testing.T) {
	persist := &fakePersist{}
	st, emitter, _ := newTestStore(t, persist)

	st.Dispatch(frame(t, model.EventReceiveMessage, inbound("U3", "m1", "hi")))

	require.NoError(t, st.MarkRead(context.Background(), "U3"))
	require.NoError(t, st.MarkRead(context.Background(), "U3"))

	c, _ := st.ConversationByPeer("U3")
	assert.Zero(t, c.UnreadCount)

	emitter.mu.Lock()
	defer emitter.mu.Unlock()
	assert.Equal(t, []string{"U3", "U3"}, emitter.markReads)
}

func TestInboundDoesNotTouchOtherConversations(t *testing.T) {
	st, _, _ := newTestStore(t, &fakePersist{})

	st.SendMessage("U2", "hey U2", "")
	require.Eventually(t, func() bool {
		msgs := st.MessagesForPeer("U2")
		return len(msgs) == 1 && msgs[0].Status == model.StatusSent
	}, time.Second, 5*time.Millisecond)
	before := st.MessagesForPeer("U2")

	st.Dispatch(frame(t, model.EventReceiveMessage, inbound("U3", "m9", "yo")))

	c, ok := st.ConversationByPeer("U3")
	require.True(t, ok)
	assert.Equal(t, 1, c.UnreadCount)
	assert.Equal(t, 1, st.TotalUnreadCount())
	assert.Equal(t, before, st.MessagesForPeer("U2"))
}

func TestStatusAdvancesNeverRegresses(t *testing.T) {
	persist := &fakePersist{sendID: "m1"}
	st, _, _ := newTestStore(t, persist)

	st.SendMessage("U2", "hello", "")
	require.Eventually(t, func() bool {
		msgs := st.MessagesForPeer("U2")
		return len(msgs) == 1 && msgs[0].Status == model.StatusSent
	}, time.Second, 5*time.Millisecond)

	st.Dispatch(frame(t, model.EventMessageDelivered, model.DeliveredPayload{MessageID: "m1", RecipientID: "U2"}))
	msgs := st.MessagesForPeer("U2")
	require.Equal(t, model.StatusDelivered, msgs[0].Status)

	st.Dispatch(frame(t, model.EventMessagesRead, model.ReadPayload{ReaderID: "U2"}))
	msgs = st.MessagesForPeer("U2")
	require.Equal(t, model.StatusRead, msgs[0].Status)
	assert.True(t, msgs[0].IsRead)

	// Late receipts must not move the status backwards.
	st.Dispatch(frame(t, model.EventMessageDelivered, model.DeliveredPayload{MessageID: "m1", RecipientID: "U2"}))
	st.Dispatch(frame(t, model.EventMessageSent, model.Message{ID: "m1"}))
	msgs = st.MessagesForPeer("U2")
	assert.Equal(t, model.StatusRead, msgs[0].Status)
}

func TestMessagesReadMarksAllSent(t *testing.T) {
	persist := &fakePersist{}
	st, _, _ := newTestStore(t, persist)

	persist.mu.Lock()
	persist.sendID = "m1"
	persist.mu.Unlock()
	st.SendMessage("U2", "one", "")
	require.Eventually(t, func() bool {
		msgs := st.MessagesForPeer("U2")
		return len(msgs) == 1 && msgs[0].Status == model.StatusSent
	}, time.Second, 5*time.Millisecond)

	persist.mu.Lock()
	persist.sendID = "m2"
	persist.mu.Unlock()
	st.SendMessage("U2", "two", "")
	require.Eventually(t, func() bool {
		msgs := st.MessagesForPeer("U2")
		return len(msgs) == 2 && msgs[1].Status == model.StatusSent
	}, time.Second, 5*time.Millisecond)

	st.Dispatch(frame(t, model.EventMessagesRead, model.ReadPayload{ReaderID: "U2"}))

	for _, m := range st.MessagesForPeer("U2") {
		assert.Equal(t, model.StatusRead, m.Status)
		assert.True(t, m.IsRead)
	}
	c, _ := st.ConversationByPeer("U2")
	assert.Zero(t, c.UnreadCount)
}

func TestDeletionIsGlobal(t *testing.T) {
	st, emitter, _ := newTestStore(t, &fakePersist{})

	// The same document-forwarded message can be held in two threads.
	st.Dispatch(frame(t, model.EventReceiveMessage, inbound("U3", "m7", "shared")))
	st.Dispatch(frame(t, model.EventReceiveMessage, inbound("U4", "m7", "shared")))

	require.NoError(t, st.DeleteMessage(context.Background(), "m7"))

	assert.Empty(t, st.MessagesForPeer("U3"))
	assert.Empty(t, st.MessagesForPeer("U4"))
	emitter.mu.Lock()
	assert.Equal(t, []string{"m7"}, emitter.deletes)
	emitter.mu.Unlock()
}

func TestPeerDeletionEvent(t *testing.T) {
	st, _, _ := newTestStore(t, &fakePersist{})

	st.Dispatch(frame(t, model.EventReceiveMessage, inbound("U3", "m8", "oops")))
	require.Len(t, st.MessagesForPeer("U3"), 1)

	st.Dispatch(frame(t, model.EventMessageDeleted, model.DeletePayload{MessageID: "m8"}))
	assert.Empty(t, st.MessagesForPeer("U3"))
}

func TestPresenceSetFollowsEvents(t *testing.T) {
	st, _, _ := newTestStore(t, &fakePersist{})

	st.Dispatch(frame(t, model.EventUserOnline, model.PresencePayload{UserID: "U4"}))
	assert.True(t, st.IsOnline("U4"))
	assert.Equal(t, []string{"U4"}, st.OnlineUsers())

	st.Dispatch(frame(t, model.EventUserOffline, model.PresencePayload{UserID: "U4"}))
	assert.False(t, st.IsOnline("U4"))
	assert.Empty(t, st.OnlineUsers())
}

func TestTypingSetFollowsEvents(t *testing.T) {
	st, _, _ := newTestStore(t, &fakePersist{})

	st.Dispatch(frame(t, model.EventUserTyping, model.TypingPayload{UserID: "U2", PeerID: "U1", IsTyping: true}))
	assert.True(t, st.IsTyping("U2"))

	st.Dispatch(frame(t, model.EventUserTyping, model.TypingPayload{UserID: "U2", PeerID: "U1", IsTyping: false}))
	assert.False(t, st.IsTyping("U2"))
}

func TestLoadHistoryDerivesStatusAndMarksRead(t *testing.T) {
	persist := &fakePersist{history: []model.Message{
		{ID: "m1", SenderID: "U2", RecipientID: "U1", Content: "old", IsRead: true, Active: true},
		{ID: "m2", SenderID: "U2", RecipientID: "U1", Content: "new", IsRead: false, Active: true},
	}}
	st, emitter, _ := newTestStore(t, persist)

	st.Dispatch(frame(t, model.EventReceiveMessage, inbound("U2", "m2", "new")))
	require.Equal(t, 1, st.TotalUnreadCount())

	require.NoError(t, st.LoadHistory(context.Background(), "U2"))

	msgs := st.MessagesForPeer("U2")
	require.Len(t, msgs, 2)
	assert.Equal(t, model.StatusRead, msgs[0].Status)
	// The load marks the batch read, so the inbound flags flip locally.
	assert.Equal(t, model.StatusRead, msgs[1].Status)
	assert.True(t, msgs[1].IsRead)

	assert.Zero(t, st.TotalUnreadCount())
	persist.mu.Lock()
	assert.Equal(t, 1, persist.markReadCalls)
	persist.mu.Unlock()
	emitter.mu.Lock()
	assert.Equal(t, []string{"U2"}, emitter.markReads)
	emitter.mu.Unlock()
}

func TestLoadHistoryEmptySkipsMarkRead(t *testing.T) {
	persist := &fakePersist{}
	st, emitter, _ := newTestStore(t, persist)

	require.NoError(t, st.LoadHistory(context.Background(), "U2"))

	persist.mu.Lock()
	assert.Zero(t, persist.markReadCalls)
	persist.mu.Unlock()
	emitter.mu.Lock()
	assert.Empty(t, emitter.markReads)
	emitter.mu.Unlock()
}

func TestLoadHistoryKeepsPendingSend(t *testing.T) {
	persist := &fakePersist{
		sendDelay: 500 * time.Millisecond,
		history: []model.Message{
			{ID: "m1", SenderID: "U2", RecipientID: "U1", Content: "old", IsRead: true, Active: true},
		},
	}
	st, _, _ := newTestStore(t, persist)

	draft := st.SendMessage("U2", "draft", "")
	require.NoError(t, st.LoadHistory(context.Background(), "U2"))

	msgs := st.MessagesForPeer("U2")
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, draft.CorrelationID, msgs[1].CorrelationID)
	assert.Equal(t, model.StatusSending, msgs[1].Status)
}

func TestLoadConversationsReplacesWholesale(t *testing.T) {
	persist := &fakePersist{convs: []model.Conversation{
		{Peer: model.User{ID: "U2", Name: "Asha"}, LastMessage: "hi", UnreadCount: 2},
		{Peer: model.User{ID: "U3", Name: "Ravi"}, LastMessage: "yo", UnreadCount: 0},
	}}
	st, _, _ := newTestStore(t, persist)

	require.NoError(t, st.LoadConversations(context.Background()))

	convs := st.Conversations()
	require.Len(t, convs, 2)
	assert.Equal(t, "U2", convs[0].Peer.ID)
	assert.Equal(t, 2, st.TotalUnreadCount())
}

func TestLoadConversationsCoalescesConcurrentCalls(t *testing.T) {
	gate := make(chan struct{})
	persist := &fakePersist{
		convGate: gate,
		convs:    []model.Conversation{{Peer: model.User{ID: "U2"}}},
	}
	st, _, _ := newTestStore(t, persist)

	done := make(chan error, 1)
	go func() { done <- st.LoadConversations(context.Background()) }()

	require.Eventually(t, func() bool {
		persist.mu.Lock()
		defer persist.mu.Unlock()
		return persist.convCalls == 1
	}, time.Second, 5*time.Millisecond)

	// A second call while one is in flight is a no-op.
	require.NoError(t, st.LoadConversations(context.Background()))
	persist.mu.Lock()
	assert.Equal(t, 1, persist.convCalls)
	persist.mu.Unlock()

	close(gate)
	require.NoError(t, <-done)
	assert.Len(t, st.Conversations(), 1)
}

func TestOwnEchoIgnored(t *testing.T) {
	st, _, _ := newTestStore(t, &fakePersist{})

	echo := model.Message{ID: "m1", SenderID: "U1", RecipientID: "U2", Content: "hi", Active: true}
	st.Dispatch(frame(t, model.EventReceiveMessage, echo))

	assert.Empty(t, st.MessagesForPeer("U1"))
	assert.Zero(t, st.TotalUnreadCount())
}

func TestMalformedPayloadsAreNoOps(t *testing.T) {
	st, _, _ := newTestStore(t, &fakePersist{})

	bad := []model.Frame{
		{Type: model.EventReceiveMessage, Payload: json.RawMessage(`{`)},
		{Type: model.EventReceiveMessage, Payload: json.RawMessage(`{}`)},
		{Type: model.EventMessagesRead, Payload: json.RawMessage(`{}`)},
		{Type: model.EventMessageDelivered, Payload: json.RawMessage(`{}`)},
		{Type: model.EventUserOnline, Payload: json.RawMessage(`{}`)},
		{Type: model.EventMessageDeleted, Payload: json.RawMessage(`nope`)},
		{Type: "someFutureEvent", Payload: json.RawMessage(`{}`)},
	}
	for _, f := range bad {
		st.Dispatch(f)
	}

	assert.Empty(t, st.Conversations())
	assert.Zero(t, st.TotalUnreadCount())
	assert.Empty(t, st.OnlineUsers())
}

func TestSubscribersNotifiedAndUnsubscribed(t *testing.T) {
	st, _, _ := newTestStore(t, &fakePersist{})

	var mu sync.Mutex
	calls := 0
	unsub := st.Subscribe(func() {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	st.Dispatch(frame(t, model.EventUserOnline, model.PresencePayload{UserID: "U2"}))
	mu.Lock()
	require.Equal(t, 1, calls)
	mu.Unlock()

	unsub()
	st.Dispatch(frame(t, model.EventUserOffline, model.PresencePayload{UserID: "U2"}))
	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
}
