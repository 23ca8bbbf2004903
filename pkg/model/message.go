package model

import (
	"strings"
	"time"
)

// Status is the client-visible delivery state of a message. It advances
// monotonically: sending -> sent -> delivered -> read, with the single
// exception sending -> failed when persistence is rejected.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

var statusRank = map[Status]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Rank orders the delivery states. Failed has no rank; it is only
// reachable from sending.
func (s Status) Rank() int {
	return statusRank[s]
}

// Advances reports whether moving from s to next is a forward step.
// Failed is terminal.
func (s Status) Advances(next Status) bool {
	if s == StatusFailed {
		return false
	}
	if next == StatusFailed {
		return s == StatusSending
	}
	return next.Rank() > s.Rank()
}

type Message struct {
	ID            string     `json:"id"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	SenderID      string     `json:"sender_id"`
	RecipientID   string     `json:"recipient_id"`
	Content       string     `json:"content"`
	DocumentID    string     `json:"document_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	IsRead        bool       `json:"is_read"`
	ReadAt        *time.Time `json:"read_at,omitempty"`
	Status        Status     `json:"status,omitempty"`
	Active        bool       `json:"active"`
}

// User is the profile summary shown in the conversation list.
type User struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	Department string    `json:"department,omitempty"`
	AvatarURL  string    `json:"avatar_url,omitempty"`
	LastSeen   time.Time `json:"last_seen"`
}

// Conversation is the 1:1 thread with one peer, keyed by the peer's ID.
type Conversation struct {
	Peer          User      `json:"peer"`
	LastMessage   string    `json:"last_message"`
	LastMessageAt time.Time `json:"last_message_at"`
	UnreadCount   int       `json:"unread_count"`
}

// ConversationKey returns the canonical storage key for a DM between two
// users. User IDs are sorted so both sides derive the same key.
func ConversationKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return "dm:" + a + ":" + b
}

// PeerFromKey extracts the other participant from a conversation key.
// Returns "" if the key is malformed or self does not participate.
func PeerFromKey(key, self string) string {
	parts := strings.Split(key, ":")
	if len(parts) != 3 || parts[0] != "dm" {
		return ""
	}
	switch self {
	case parts[1]:
		return parts[2]
	case parts[2]:
		return parts[1]
	}
	return ""
}
