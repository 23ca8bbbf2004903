// Package views binds store state to the two messaging surfaces: the
// conversation list panel and the active thread panel. Views never mutate
// store state directly; they issue store actions and re-render on change
// notifications.
package views

import (
	"context"
	"strings"
	"sync"

	"github.com/mahaj/erp-messenger/pkg/model"
	"github.com/mahaj/erp-messenger/pkg/store"
)

// ConversationList filters and orders the conversation panel.
type ConversationList struct {
	store *store.Store

	mu       sync.Mutex
	filter   string
	onChange func()
	unsub    func()
}

func NewConversationList(st *store.Store, onChange func()) *ConversationList {
	l := &ConversationList{store: st, onChange: onChange}
	l.unsub = st.Subscribe(l.changed)
	return l
}

// Close unsubscribes from the store; call on unmount.
func (l *ConversationList) Close() {
	l.unsub()
}

func (l *ConversationList) changed() {
	l.mu.Lock()
	fn := l.onChange
	l.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Refresh reloads the list from the persistence API.
func (l *ConversationList) Refresh(ctx context.Context) error {
	return l.store.LoadConversations(ctx)
}

// SetFilter installs the search term matched against display name, email
// and last-message preview.
func (l *ConversationList) SetFilter(term string) {
	l.mu.Lock()
	l.filter = term
	l.mu.Unlock()
	l.changed()
}

// Visible returns the conversations passing the current filter,
// case-insensitively.
func (l *ConversationList) Visible() []model.Conversation {
	l.mu.Lock()
	term := strings.ToLower(strings.TrimSpace(l.filter))
	l.mu.Unlock()

	convs := l.store.Conversations()
	if term == "" {
		return convs
	}

	out := convs[:0:0]
	for _, c := range convs {
		if strings.Contains(strings.ToLower(c.Peer.Name), term) ||
			strings.Contains(strings.ToLower(c.Peer.Email), term) ||
			strings.Contains(strings.ToLower(c.LastMessage), term) {
			out = append(out, c)
		}
	}
	return out
}

// UnreadBadge is the total shown on the messaging icon.
func (l *ConversationList) UnreadBadge() int {
	return l.store.TotalUnreadCount()
}
