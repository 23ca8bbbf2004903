package main

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/mahaj/erp-messenger/pkg/auth"
	"github.com/mahaj/erp-messenger/pkg/model"
)

// handleConversations lists the caller's conversations with peer
// profiles, last-message previews and unread counts.
func (s *server) handleConversations(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFrom(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	iter := s.db.Query(`SELECT other_user_id, last_updated, last_message
		FROM user_conversations WHERE user_id = ?`, claims.UserID).Iter()

	var conversations []model.Conversation
	var otherID, lastMessage string
	var lastUpdated time.Time
	for iter.Scan(&otherID, &lastUpdated, &lastMessage) {
		c := model.Conversation{
			Peer:          s.lookupUser(otherID),
			LastMessage:   lastMessage,
			LastMessageAt: lastUpdated,
		}

		var count int64
		if err := s.db.Query(`SELECT unread_count FROM conversation_counters
			WHERE user_id = ? AND other_user_id = ?`, claims.UserID, otherID).Scan(&count); err == nil {
			c.UnreadCount = int(count)
		}
		conversations = append(conversations, c)
	}
	if err := iter.Close(); err != nil {
		log.Printf("Failed to iterate conversations: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to retrieve conversations")
		return
	}

	if conversations == nil {
		conversations = []model.Conversation{}
	}
	writeOK(w, conversations)
}

func (s *server) lookupUser(userID string) model.User {
	u := model.User{ID: userID}
	s.db.Query(`SELECT name, email, department, avatar_url, last_seen FROM users WHERE user_id = ?`,
		userID).Scan(&u.Name, &u.Email, &u.Department, &u.AvatarURL, &u.LastSeen)
	return u
}

type markReadRequest struct {
	PeerID string `json:"peer_id"`
}

// handleMarkRead resets the caller's unread counter for one peer and
// flips the unread inbound messages to read. Counter reset is a row
// delete; that is how Scylla counters go back to zero.
func (s *server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFrom(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req markReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PeerID == "" {
		writeError(w, http.StatusBadRequest, "peer_id is required")
		return
	}

	query := `DELETE FROM conversation_counters WHERE user_id = ? AND other_user_id = ?`
	if err := s.db.Query(query, claims.UserID, req.PeerID).Exec(); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to reset unread count")
		return
	}

	// Mark the peer's messages to us read.
	key := model.ConversationKey(claims.UserID, req.PeerID)
	iter := s.db.Query(`SELECT id, recipient_id, is_read FROM messages WHERE conversation_key = ?`, key).Iter()

	now := time.Now()
	var id int64
	var recipientID string
	var isRead bool
	var unreadIDs []int64
	for iter.Scan(&id, &recipientID, &isRead) {
		if recipientID == claims.UserID && !isRead {
			unreadIDs = append(unreadIDs, id)
		}
	}
	if err := iter.Close(); err != nil {
		log.Printf("Failed to scan unread messages: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to update read state")
		return
	}
	for _, mid := range unreadIDs {
		if err := s.db.Query(`UPDATE messages SET is_read = true, read_at = ?
			WHERE conversation_key = ? AND id = ?`, now, key, mid).Exec(); err != nil {
			log.Printf("Failed to mark message %d read: %v", mid, err)
		}
	}

	writeOK(w, nil)
}
