// Package store is the single source of truth for conversations, message
// logs, unread counts and presence. Local actions mutate it optimistically
// and reconcile against server confirmations; inbound gateway events mutate
// it through Dispatch. All mutation happens under one mutex so reducers run
// to completion without interleaving.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mahaj/erp-messenger/pkg/model"
	"github.com/mahaj/erp-messenger/pkg/snowflake"
)

// Persistence is the slice of the REST API the store drives.
type Persistence interface {
	History(ctx context.Context, peerID string, page, limit int) ([]model.Message, error)
	Conversations(ctx context.Context) ([]model.Conversation, error)
	Send(ctx context.Context, recipientID, content, documentID, correlationID string) (model.Message, error)
	MarkRead(ctx context.Context, peerID string) error
	DeleteMessage(ctx context.Context, messageID, peerID string) error
}

// Emitter is the outbound half of the realtime connection. All methods
// are fire-and-forget; they drop silently when offline.
type Emitter interface {
	EmitSend(msg model.Message)
	EmitMarkRead(peerID string)
	EmitTyping(peerID string, isTyping bool)
	EmitDelete(messageID, peerID string)
}

// Notifier surfaces user-visible failures (toasts).
type Notifier interface {
	Notify(message string)
}

type Options struct {
	// PendingTimeout flips an optimistic message that never got
	// acknowledged from sending to failed.
	PendingTimeout time.Duration
	// HistoryLimit is the page size for LoadHistory.
	HistoryLimit int
}

func DefaultOptions() Options {
	return Options{
		PendingTimeout: 30 * time.Second,
		HistoryLimit:   50,
	}
}

// userSet is the one set-like presence representation; it never leaks
// as a raw map.
type userSet map[string]struct{}

func (s userSet) add(id string)      { s[id] = struct{}{} }
func (s userSet) remove(id string)   { delete(s, id) }
func (s userSet) has(id string) bool { _, ok := s[id]; return ok }

func (s userSet) list() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type Store struct {
	localID string
	persist Persistence
	emitter Emitter
	notify  Notifier
	opts    Options
	idgen   *snowflake.Node

	mu            sync.Mutex
	conversations map[string]*model.Conversation // peer ID -> conversation
	convOrder     []string
	messages      map[string][]model.Message // peer ID -> append-ordered log
	online        userSet
	typing        userSet
	pending       map[string]*time.Timer // correlation ID -> sending timeout

	loadSeq   uint64
	loading   bool
	subs      map[int]func()
	nextSubID int
}

func New(localID string, persist Persistence, emitter Emitter, notify Notifier, opts Options) *Store {
	if opts.PendingTimeout <= 0 {
		opts.PendingTimeout = DefaultOptions().PendingTimeout
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultOptions().HistoryLimit
	}
	node, err := snowflake.NewNodeFromEnv()
	if err != nil {
		node, _ = snowflake.NewNode(1)
	}
	return &Store{
		localID:       localID,
		persist:       persist,
		emitter:       emitter,
		notify:        notify,
		opts:          opts,
		idgen:         node,
		conversations: make(map[string]*model.Conversation),
		messages:      make(map[string][]model.Message),
		online:        make(userSet),
		typing:        make(userSet),
		pending:       make(map[string]*time.Timer),
		subs:          make(map[int]func()),
	}
}

// Subscribe registers a change callback and returns its unsubscribe
// function. Views subscribe on mount and unsubscribe on unmount.
func (s *Store) Subscribe(fn func()) func() {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// notifySubs invokes subscribers outside the lock.
func (s *Store) notifySubs() {
	s.mu.Lock()
	fns := make([]func(), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (s *Store) notifyUser(msg string) {
	if s.notify != nil {
		s.notify.Notify(msg)
	}
}

// MessagesForPeer returns the visible message log for one conversation,
// excluding soft-deleted entries.
func (s *Store) MessagesForPeer(peerID string) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Message, 0, len(s.messages[peerID]))
	for _, m := range s.messages[peerID] {
		if m.Active {
			out = append(out, m)
		}
	}
	return out
}

// ConversationByPeer returns a copy of the conversation with peerID.
func (s *Store) ConversationByPeer(peerID string) (model.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[peerID]
	if !ok {
		return model.Conversation{}, false
	}
	return *c, true
}

// Conversations returns the conversation list in its current order.
func (s *Store) Conversations() []model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Conversation, 0, len(s.convOrder))
	for _, id := range s.convOrder {
		if c, ok := s.conversations[id]; ok {
			out = append(out, *c)
		}
	}
	return out
}

// TotalUnreadCount sums unread counts across all conversations; the
// notification badge reads this.
func (s *Store) TotalUnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, c := range s.conversations {
		total += c.UnreadCount
	}
	return total
}

func (s *Store) IsOnline(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online.has(userID)
}

func (s *Store) OnlineUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online.list()
}

func (s *Store) IsTyping(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typing.has(userID)
}

// conversationLocked returns the conversation for peerID, creating a
// stub if this is the first contact. Caller holds the lock.
func (s *Store) conversationLocked(peerID string) *model.Conversation {
	if c, ok := s.conversations[peerID]; ok {
		return c
	}
	c := &model.Conversation{Peer: model.User{ID: peerID}}
	s.conversations[peerID] = c
	s.convOrder = append(s.convOrder, peerID)
	return c
}

// removeEverywhereLocked drops the message with id from every
// conversation log. Deletion by either party is global.
func (s *Store) removeEverywhereLocked(id string) bool {
	removed := false
	for peer, msgs := range s.messages {
		for i, m := range msgs {
			if m.ID == id {
				s.messages[peer] = append(msgs[:i:i], msgs[i+1:]...)
				removed = true
				break
			}
		}
	}
	return removed
}
