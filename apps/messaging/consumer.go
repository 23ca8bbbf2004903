package main

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mahaj/erp-messenger/pkg/db"
	"github.com/mahaj/erp-messenger/pkg/model"
	"github.com/mahaj/erp-messenger/pkg/snowflake"
)

type Consumer struct {
	reader *kafka.Reader
	db     *db.Session
}

func NewConsumer(brokers []string, topic string, groupID string, session *db.Session) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})

	return &Consumer{reader: r, db: session}
}

func (c *Consumer) Consume(ctx context.Context) {
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			log.Printf("Error reading message: %v. Retrying in 1s...", err)
			time.Sleep(1 * time.Second)
			continue
		}

		var ev model.KafkaEvent
		if err := json.Unmarshal(m.Value, &ev); err != nil {
			log.Printf("Failed to unmarshal event: %v", err)
			continue
		}

		switch ev.Kind {
		case model.KindMessageCreated:
			c.persistMessage(ev)
		case model.KindConversationRead:
			c.resetCounter(ev)
		case model.KindMessageDeleted:
			c.deleteMessage(ev)
		case model.KindUserOffline:
			c.touchLastSeen(ev.ActorID)
		default:
			// Typing and online events are ephemeral; nothing to persist.
		}
	}
}

func (c *Consumer) persistMessage(ev model.KafkaEvent) {
	if ev.Message == nil {
		return
	}
	msg := ev.Message

	id, err := snowflake.Parse(msg.ID)
	if err != nil {
		log.Printf("Skipping message with bad id %q: %v", msg.ID, err)
		return
	}
	key := model.ConversationKey(msg.SenderID, msg.RecipientID)

	query := `INSERT INTO messages (conversation_key, id, correlation_id, sender_id, recipient_id,
		content, document_id, created_at, is_read, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, false, true)`
	if err := c.db.Query(query, key, int64(id), msg.CorrelationID, msg.SenderID, msg.RecipientID,
		msg.Content, msg.DocumentID, msg.CreatedAt).Exec(); err != nil {
		log.Printf("Failed to save message %s: %v", msg.ID, err)
		return
	}

	// Refresh both participants' conversation previews.
	for _, pair := range [][2]string{{msg.SenderID, msg.RecipientID}, {msg.RecipientID, msg.SenderID}} {
		q := `INSERT INTO user_conversations (user_id, other_user_id, last_updated, last_message) VALUES (?, ?, ?, ?)`
		if err := c.db.Query(q, pair[0], pair[1], msg.CreatedAt, msg.Content).Exec(); err != nil {
			log.Printf("Failed to update conversation for %s: %v", pair[0], err)
		}
	}

	// One more unread for the recipient.
	qCounter := `UPDATE conversation_counters SET unread_count = unread_count + 1 WHERE user_id = ? AND other_user_id = ?`
	if err := c.db.Query(qCounter, msg.RecipientID, msg.SenderID).Exec(); err != nil {
		log.Printf("Failed to increment unread count for %s: %v", msg.RecipientID, err)
	}
}

// resetCounter handles socket-emitted mark-read events. Deleting the row
// is how a Scylla counter goes back to zero. The REST handler covers the
// per-message read flags; this keeps the counter honest when only the
// socket path fired.
func (c *Consumer) resetCounter(ev model.KafkaEvent) {
	if ev.ActorID == "" || ev.PeerID == "" {
		return
	}
	query := `DELETE FROM conversation_counters WHERE user_id = ? AND other_user_id = ?`
	if err := c.db.Query(query, ev.ActorID, ev.PeerID).Exec(); err != nil {
		log.Printf("Failed to reset unread count for %s: %v", ev.ActorID, err)
	}
}

func (c *Consumer) deleteMessage(ev model.KafkaEvent) {
	if ev.MessageID == "" || ev.ActorID == "" || ev.PeerID == "" {
		return
	}
	id, err := snowflake.Parse(ev.MessageID)
	if err != nil {
		return
	}
	key := model.ConversationKey(ev.ActorID, ev.PeerID)
	query := `UPDATE messages SET active = false WHERE conversation_key = ? AND id = ?`
	if err := c.db.Query(query, key, int64(id)).Exec(); err != nil {
		log.Printf("Failed to delete message %s: %v", ev.MessageID, err)
	}
}

func (c *Consumer) touchLastSeen(userID string) {
	if userID == "" {
		return
	}
	query := `UPDATE users SET last_seen = ? WHERE user_id = ?`
	if err := c.db.Query(query, time.Now(), userID).Exec(); err != nil {
		log.Printf("Failed to update last_seen for %s: %v", userID, err)
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
