package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/mahaj/erp-messenger/pkg/auth"
	"github.com/mahaj/erp-messenger/pkg/model"
)

type loginResponse struct {
	Token string     `json:"token"`
	User  model.User `json:"user"`
}

// handleLogin issues a session token and upserts the caller's profile so
// peers can see it in their conversation lists.
func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var user model.User
	if err := json.NewDecoder(r.Body).Decode(&user); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if user.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	token, err := auth.GenerateToken(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	user.LastSeen = time.Now()
	query := `INSERT INTO users (user_id, name, email, department, avatar_url, last_seen) VALUES (?, ?, ?, ?, ?, ?)`
	if err := s.db.Query(query, user.ID, user.Name, user.Email, user.Department, user.AvatarURL, user.LastSeen).Exec(); err != nil {
		log.Printf("Failed to upsert user %s: %v", user.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to save profile")
		return
	}

	writeOK(w, loginResponse{Token: token, User: user})
}

// handleHistory returns one conversation's messages in ascending order.
// Paging walks backwards from the newest message.
func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFrom(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	peerID := r.URL.Query().Get("peer_id")
	if peerID == "" {
		writeError(w, http.StatusBadRequest, "peer_id is required")
		return
	}
	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", 50)
	key := model.ConversationKey(claims.UserID, peerID)

	// Clustering order is id DESC, so the first rows are the newest.
	// Soft-deleted rows are filtered in the query; a post-hoc filter
	// would shrink pages as messages get deleted. The filter stays
	// inside one partition, so ALLOW FILTERING is a row scan of the
	// conversation only.
	iter := s.db.Query(`SELECT id, correlation_id, sender_id, recipient_id, content, document_id,
		created_at, is_read, read_at
		FROM messages WHERE conversation_key = ? AND active = true LIMIT ? ALLOW FILTERING`, key, page*limit).Iter()

	var messages []model.Message
	var (
		id                            int64
		corrID, senderID, recipientID string
		content, documentID           string
		createdAt, readAt             time.Time
		isRead                        bool
	)
	for iter.Scan(&id, &corrID, &senderID, &recipientID, &content, &documentID, &createdAt, &isRead, &readAt) {
		m := model.Message{
			ID:            strconv.FormatInt(id, 10),
			CorrelationID: corrID,
			SenderID:      senderID,
			RecipientID:   recipientID,
			Content:       content,
			DocumentID:    documentID,
			CreatedAt:     createdAt,
			IsRead:        isRead,
			Active:        true,
		}
		if isRead && !readAt.IsZero() {
			t := readAt
			m.ReadAt = &t
		}
		messages = append(messages, m)
	}
	if err := iter.Close(); err != nil {
		log.Printf("Failed to iterate messages: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to retrieve history")
		return
	}

	writeOK(w, pageWindow(messages, page, limit))
}

// pageWindow drops the newest-first pages before the requested one and
// flips the remainder to ascending order.
func pageWindow(messages []model.Message, page, limit int) []model.Message {
	skip := (page - 1) * limit
	if skip >= len(messages) {
		return []model.Message{}
	}
	messages = messages[skip:]
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}
