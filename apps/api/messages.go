package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/segmentio/kafka-go"

	"github.com/mahaj/erp-messenger/pkg/auth"
	"github.com/mahaj/erp-messenger/pkg/model"
	"github.com/mahaj/erp-messenger/pkg/snowflake"
)

type sendRequest struct {
	RecipientID   string `json:"recipient_id"`
	Content       string `json:"content"`
	DocumentID    string `json:"document_id"`
	CorrelationID string `json:"correlation_id"`
}

// handleSend assigns the authoritative message ID and publishes the
// message to the pipeline. The gateway fans it out in real time and the
// persistence worker writes it to ScyllaDB; the saved message is returned
// immediately so the client can reconcile its optimistic entry.
func (s *server) handleSend(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFrom(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RecipientID == "" || req.Content == "" {
		writeError(w, http.StatusBadRequest, "recipient_id and content are required")
		return
	}
	if req.RecipientID == claims.UserID {
		writeError(w, http.StatusBadRequest, "cannot message yourself")
		return
	}

	msg := model.Message{
		ID:            s.snowflake.Generate().String(),
		CorrelationID: req.CorrelationID,
		SenderID:      claims.UserID,
		RecipientID:   req.RecipientID,
		Content:       req.Content,
		DocumentID:    req.DocumentID,
		CreatedAt:     time.Now(),
		Active:        true,
	}

	if err := s.publishEvent(r.Context(), model.KafkaEvent{Kind: model.KindMessageCreated, Message: &msg}); err != nil {
		log.Printf("Failed to publish message %s: %v", msg.ID, err)
		writeError(w, http.StatusInternalServerError, "failed to send message")
		return
	}

	writeOK(w, msg)
}

// handleDelete soft-deletes a message for both parties.
func (s *server) handleDelete(w http.ResponseWriter, r *http.Request) {
	claims := auth.ClaimsFrom(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	messageID := mux.Vars(r)["id"]
	peerID := r.URL.Query().Get("peer_id")
	if messageID == "" || peerID == "" {
		writeError(w, http.StatusBadRequest, "message id and peer_id are required")
		return
	}

	mid, err := snowflake.Parse(messageID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}
	key := model.ConversationKey(claims.UserID, peerID)

	// Only a participant may delete, and only their own message.
	var senderID string
	if err := s.db.Query(`SELECT sender_id FROM messages WHERE conversation_key = ? AND id = ?`,
		key, int64(mid)).Scan(&senderID); err != nil {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	if senderID != claims.UserID {
		writeError(w, http.StatusForbidden, "cannot delete another user's message")
		return
	}

	if err := s.db.Query(`UPDATE messages SET active = false WHERE conversation_key = ? AND id = ?`,
		key, int64(mid)).Exec(); err != nil {
		log.Printf("Failed to delete message %s: %v", messageID, err)
		writeError(w, http.StatusInternalServerError, "failed to delete message")
		return
	}

	writeOK(w, nil)
}

func (s *server) publishEvent(ctx context.Context, ev model.KafkaEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.producer.WriteMessages(ctx, kafka.Message{Value: raw, Time: time.Now()})
}
