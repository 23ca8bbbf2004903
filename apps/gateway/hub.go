package main

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/mahaj/erp-messenger/pkg/model"
	"github.com/mahaj/erp-messenger/pkg/snowflake"
)

const onlineUsersKey = "messaging:online_users"

// Hub tracks connected users and routes realtime events. State that must
// survive a single gateway instance (message records, presence) lives in
// Kafka and Redis; the hub itself only holds live sockets.
type Hub struct {
	clients    map[string]map[*Client]bool // user_id -> sockets
	register   chan *Client
	unregister chan *Client
	publish    chan model.KafkaEvent

	mu        sync.RWMutex
	producer  *kafka.Writer
	redis     *redis.Client
	snowflake *snowflake.Node
}

func NewHub(kafkaBrokers []string, topic string, redisAddr string) *Hub {
	producer := &kafka.Writer{
		Addr:     kafka.TCP(kafkaBrokers...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}

	rdb := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Fanout consumer: unique group per instance so every gateway sees
	// every event and can route to its own sockets.
	consumer := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     kafkaBrokers,
		Topic:       topic,
		GroupID:     "gateway-group-" + time.Now().Format("20060102150405.000000000"),
		StartOffset: kafka.LastOffset,
		MinBytes:    10e3,
		MaxBytes:    10e6,
	})

	node, err := snowflake.NewNodeFromEnv()
	if err != nil {
		log.Fatalf("Failed to initialize snowflake node: %v", err)
	}

	h := &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		publish:    make(chan model.KafkaEvent, 64),
		producer:   producer,
		redis:      rdb,
		snowflake:  node,
	}

	go h.fanout(consumer)
	return h
}

// routeToUser delivers a frame to every live socket of one user. Slow
// consumers with full send buffers are dropped.
func (h *Hub) routeToUser(userID string, frame model.Frame) {
	raw, err := json.Marshal(frame)
	if err != nil {
		log.Printf("Failed to marshal %s frame: %v", frame.Type, err)
		return
	}

	var dropped []*Client
	h.mu.Lock()
	for client := range h.clients[userID] {
		select {
		case client.send <- raw:
		default:
			dropped = append(dropped, client)
		}
	}
	h.mu.Unlock()

	// Dropped sockets go through the same teardown as a clean unregister
	// so a user's last socket still clears presence.
	for _, client := range dropped {
		h.disconnectClient(client)
	}
}

// disconnectClient removes one socket from the hub. When it was the
// user's last, presence is cleared and the user is announced offline.
// Calling it again for the same socket is a no-op, so the socket's read
// pump can still unregister after the hub already dropped it.
func (h *Hub) disconnectClient(client *Client) {
	h.mu.Lock()
	removed := false
	last := false
	if sockets, ok := h.clients[client.ID]; ok {
		if _, ok := sockets[client]; ok {
			delete(sockets, client)
			removed = true
			if len(sockets) == 0 {
				delete(h.clients, client.ID)
				last = true
			}
		}
	}
	h.mu.Unlock()

	if removed {
		close(client.send)
	}
	if last {
		log.Printf("Client unregistered: %s", client.ID)
		if err := h.redis.SRem(context.Background(), onlineUsersKey, client.ID).Err(); err != nil {
			log.Printf("Failed to delete presence for %s: %v", client.ID, err)
		}
		ev := model.KafkaEvent{Kind: model.KindUserOffline, ActorID: client.ID}
		go func() { h.publish <- ev }()
	}
}

func (h *Hub) broadcastAll(frame model.Frame) {
	raw, err := json.Marshal(frame)
	if err != nil {
		log.Printf("Failed to marshal %s frame: %v", frame.Type, err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sockets := range h.clients {
		for client := range sockets {
			select {
			case client.send <- raw:
			default:
			}
		}
	}
}

func (h *Hub) userConnected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

// fanout turns pipeline records into client-facing events.
func (h *Hub) fanout(consumer *kafka.Reader) {
	defer consumer.Close()
	for {
		m, err := consumer.ReadMessage(context.Background())
		if err != nil {
			log.Printf("Gateway consumer error: %v", err)
			break
		}

		var ev model.KafkaEvent
		if err := json.Unmarshal(m.Value, &ev); err != nil {
			log.Printf("Failed to unmarshal pipeline event: %v", err)
			continue
		}

		switch ev.Kind {
		case model.KindMessageCreated:
			h.fanoutMessage(ev)

		case model.KindConversationRead:
			if ev.ActorID == "" || ev.PeerID == "" {
				continue
			}
			frame, _ := model.NewFrame(model.EventMessagesRead, model.ReadPayload{ReaderID: ev.ActorID})
			h.routeToUser(ev.PeerID, frame)

		case model.KindMessageDeleted:
			if ev.MessageID == "" {
				continue
			}
			frame, _ := model.NewFrame(model.EventMessageDeleted, model.DeletePayload{MessageID: ev.MessageID})
			h.routeToUser(ev.PeerID, frame)
			h.routeToUser(ev.ActorID, frame)

		case model.KindUserTyping:
			if ev.ActorID == "" || ev.PeerID == "" {
				continue
			}
			frame, _ := model.NewFrame(model.EventUserTyping, model.TypingPayload{
				UserID:   ev.ActorID,
				PeerID:   ev.PeerID,
				IsTyping: ev.IsTyping,
			})
			h.routeToUser(ev.PeerID, frame)

		case model.KindUserOnline:
			frame, _ := model.NewFrame(model.EventUserOnline, model.PresencePayload{UserID: ev.ActorID})
			h.broadcastAll(frame)

		case model.KindUserOffline:
			frame, _ := model.NewFrame(model.EventUserOffline, model.PresencePayload{UserID: ev.ActorID})
			h.broadcastAll(frame)
		}
	}
}

// fanoutMessage delivers a created message: the recipient gets the
// message, the sender gets the ack echoing the correlation ID, and a
// delivery receipt follows if the recipient is online anywhere.
func (h *Hub) fanoutMessage(ev model.KafkaEvent) {
	if ev.Message == nil || ev.Message.SenderID == "" || ev.Message.RecipientID == "" {
		return
	}
	msg := *ev.Message

	recvFrame, err := model.NewFrame(model.EventReceiveMessage, msg)
	if err != nil {
		return
	}
	h.routeToUser(msg.RecipientID, recvFrame)

	ackFrame, err := model.NewFrame(model.EventMessageSent, msg)
	if err != nil {
		return
	}
	h.routeToUser(msg.SenderID, ackFrame)

	online, err := h.redis.SIsMember(context.Background(), onlineUsersKey, msg.RecipientID).Result()
	if err != nil {
		log.Printf("Failed to check presence for %s: %v", msg.RecipientID, err)
		online = h.userConnected(msg.RecipientID)
	}
	if online {
		frame, _ := model.NewFrame(model.EventMessageDelivered, model.DeliveredPayload{
			MessageID:   msg.ID,
			RecipientID: msg.RecipientID,
		})
		h.routeToUser(msg.SenderID, frame)
	}
}

// handleFrame processes a client-emitted action. Everything flows through
// the pipeline so that all gateway instances route consistently and the
// persistence worker sees the same stream.
func (h *Hub) handleFrame(c *Client, frame model.Frame) {
	switch frame.Type {
	case model.EventSendMessage:
		// Alternative ingress for clients without the REST API. A client
		// that already persisted a message over REST must not emit it
		// here too; the gateway mints a fresh ID for every socket send.
		// The correlation ID is preserved so the sender's ack matching
		// still reconciles the optimistic entry.
		var p model.SendPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil || p.Message.RecipientID == "" {
			h.sendError(c, "malformed send payload")
			return
		}
		msg := p.Message
		msg.ID = h.snowflake.Generate().String()
		msg.SenderID = c.ID
		msg.CreatedAt = time.Now()
		msg.IsRead = false
		msg.Active = true
		h.publish <- model.KafkaEvent{Kind: model.KindMessageCreated, Message: &msg}

	case model.EventMarkRead:
		var p model.MarkReadPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil || p.PeerID == "" {
			h.sendError(c, "malformed markRead payload")
			return
		}
		h.publish <- model.KafkaEvent{
			Kind:    model.KindConversationRead,
			ActorID: c.ID,
			PeerID:  p.PeerID,
		}

	case model.EventTyping:
		var p model.TypingPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil || p.PeerID == "" {
			return // ephemeral, not worth an error frame
		}
		h.publish <- model.KafkaEvent{
			Kind:     model.KindUserTyping,
			ActorID:  c.ID,
			PeerID:   p.PeerID,
			IsTyping: p.IsTyping,
		}

	case model.EventDeleteMessage:
		var p model.DeletePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil || p.MessageID == "" {
			h.sendError(c, "malformed delete payload")
			return
		}
		h.publish <- model.KafkaEvent{
			Kind:      model.KindMessageDeleted,
			ActorID:   c.ID,
			PeerID:    p.PeerID,
			MessageID: p.MessageID,
		}

	default:
		log.Printf("Ignoring unknown client frame %q from %s", frame.Type, c.ID)
	}
}

func (h *Hub) sendError(c *Client, msg string) {
	frame, _ := model.NewFrame(model.EventError, model.ErrorPayload{Message: msg})
	h.routeToUser(c.ID, frame)
}

func (h *Hub) Run() {
	defer h.producer.Close()
	defer h.redis.Close()

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			first := len(h.clients[client.ID]) == 0
			if h.clients[client.ID] == nil {
				h.clients[client.ID] = make(map[*Client]bool)
			}
			h.clients[client.ID][client] = true
			h.mu.Unlock()

			log.Printf("Client registered: %s", client.ID)

			if first {
				if err := h.redis.SAdd(context.Background(), onlineUsersKey, client.ID).Err(); err != nil {
					log.Printf("Failed to set presence for %s: %v", client.ID, err)
				}
				ev := model.KafkaEvent{Kind: model.KindUserOnline, ActorID: client.ID}
				go func() { h.publish <- ev }()
			}

		case client := <-h.unregister:
			h.disconnectClient(client)

		case ev := <-h.publish:
			raw, err := json.Marshal(ev)
			if err != nil {
				log.Printf("Failed to marshal pipeline event: %v", err)
				continue
			}
			err = h.producer.WriteMessages(context.Background(),
				kafka.Message{
					Value: raw,
					Time:  time.Now(),
				},
			)
			if err != nil {
				log.Printf("Failed to write event to Kafka: %v", err)
			}
		}
	}
}
