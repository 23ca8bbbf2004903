package model

import "encoding/json"

// EventType names the realtime events exchanged over the websocket.
// Server-pushed event names are part of the wire contract and must not
// change without a client/gateway lockstep deploy.
type EventType string

const (
	// Server -> client.
	EventReceiveMessage   EventType = "receiveMessage"
	EventMessageSent      EventType = "messageSent"
	EventMessagesRead     EventType = "messagesRead"
	EventMessageDelivered EventType = "messageDelivered"
	EventUserTyping       EventType = "userTyping"
	EventUserOnline       EventType = "userOnline"
	EventUserOffline      EventType = "userOffline"
	EventMessageDeleted   EventType = "messageDeleted"
	EventError            EventType = "error"

	// Client -> server.
	EventSendMessage   EventType = "sendMessage"
	EventMarkRead      EventType = "markRead"
	EventTyping        EventType = "typing"
	EventDeleteMessage EventType = "deleteMessage"
)

// Frame is the envelope for every websocket message in either direction.
// Payload stays raw until the receiver knows the type.
type Frame struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewFrame marshals payload into a Frame. Marshal errors are reported to
// the caller; a frame is never sent half-built.
func NewFrame(t EventType, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: t, Payload: raw}, nil
}

// Payload shapes for the events above.

type SendPayload struct {
	Message Message `json:"message"`
}

type MarkReadPayload struct {
	// ReaderID is who read; PeerID is whose messages were read.
	ReaderID string `json:"reader_id"`
	PeerID   string `json:"peer_id"`
}

type TypingPayload struct {
	UserID   string `json:"user_id"`
	PeerID   string `json:"peer_id"`
	IsTyping bool   `json:"is_typing"`
}

type DeletePayload struct {
	MessageID string `json:"message_id"`
	PeerID    string `json:"peer_id,omitempty"`
}

type DeliveredPayload struct {
	MessageID   string `json:"message_id"`
	RecipientID string `json:"recipient_id"`
}

type PresencePayload struct {
	UserID string `json:"user_id"`
}

type ReadPayload struct {
	ReaderID string `json:"reader_id"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// KafkaEvent is the record shape published to the message pipeline by the
// API service and the gateway, and consumed by the gateway fan-out and the
// persistence worker.
type KafkaEvent struct {
	Kind    string   `json:"kind"`
	Message *Message `json:"message,omitempty"`
	// ActorID is who performed the action; PeerID the other party.
	ActorID   string `json:"actor_id,omitempty"`
	PeerID    string `json:"peer_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	IsTyping  bool   `json:"is_typing,omitempty"`
}

const (
	KindMessageCreated   = "message.created"
	KindConversationRead = "conversation.read"
	KindMessageDeleted   = "message.deleted"
	KindUserTyping       = "user.typing"
	KindUserOnline       = "user.online"
	KindUserOffline      = "user.offline"
)
