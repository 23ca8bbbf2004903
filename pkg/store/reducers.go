package store

import (
	"encoding/json"
	"log"
	"time"

	"github.com/mahaj/erp-messenger/pkg/model"
)

// Dispatch routes an inbound gateway frame to its reducer. Malformed or
// incomplete payloads are dropped so one bad event cannot corrupt the
// store.
func (s *Store) Dispatch(frame model.Frame) {
	switch frame.Type {
	case model.EventReceiveMessage:
		var msg model.Message
		if err := json.Unmarshal(frame.Payload, &msg); err != nil || msg.SenderID == "" {
			s.dropFrame(frame, err)
			return
		}
		s.onReceiveMessage(msg)

	case model.EventMessageSent:
		var msg model.Message
		if err := json.Unmarshal(frame.Payload, &msg); err != nil || (msg.ID == "" && msg.CorrelationID == "") {
			s.dropFrame(frame, err)
			return
		}
		s.onMessageSent(msg)

	case model.EventMessagesRead:
		var p model.ReadPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil || p.ReaderID == "" {
			s.dropFrame(frame, err)
			return
		}
		s.onMessagesRead(p)

	case model.EventMessageDelivered:
		var p model.DeliveredPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil || p.MessageID == "" {
			s.dropFrame(frame, err)
			return
		}
		s.onMessageDelivered(p)

	case model.EventUserTyping:
		var p model.TypingPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil || p.UserID == "" {
			s.dropFrame(frame, err)
			return
		}
		s.onUserTyping(p)

	case model.EventUserOnline, model.EventUserOffline:
		var p model.PresencePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil || p.UserID == "" {
			s.dropFrame(frame, err)
			return
		}
		s.onPresence(p.UserID, frame.Type == model.EventUserOnline)

	case model.EventMessageDeleted:
		var p model.DeletePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil || p.MessageID == "" {
			s.dropFrame(frame, err)
			return
		}
		s.onMessageDeleted(p)

	case model.EventError:
		var p model.ErrorPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			s.dropFrame(frame, err)
			return
		}
		s.notifyUser(p.Message)

	default:
		log.Printf("store: ignoring unknown event %q", frame.Type)
	}
}

func (s *Store) dropFrame(frame model.Frame, err error) {
	log.Printf("store: dropping malformed %s event: %v", frame.Type, err)
}

// onReceiveMessage appends an inbound message to the sender's
// conversation and bumps its unread count by one. Echoes of our own
// sends are ignored; the sent ack reconciles those.
func (s *Store) onReceiveMessage(msg model.Message) {
	if msg.SenderID == s.localID {
		return
	}
	msg.Active = true
	// Delivery statuses track our own outbound messages; a live inbound
	// message carries none until a history load derives one.
	msg.Status = ""

	s.mu.Lock()
	s.messages[msg.SenderID] = append(s.messages[msg.SenderID], msg)
	c := s.conversationLocked(msg.SenderID)
	c.UnreadCount++
	c.LastMessage = msg.Content
	c.LastMessageAt = msg.CreatedAt
	s.mu.Unlock()

	s.notifySubs()
}

// onMessageSent upgrades the matching optimistic entry to sent with the
// authoritative server ID. Matching is by correlation ID or server ID
// only; there is no content heuristic.
func (s *Store) onMessageSent(msg model.Message) {
	changed := false

	s.mu.Lock()
	if msg.CorrelationID != "" {
		s.cancelPendingLocked(msg.CorrelationID)
	}
	for peer, msgs := range s.messages {
		for i := range msgs {
			match := (msg.CorrelationID != "" && msgs[i].CorrelationID == msg.CorrelationID) ||
				(msg.ID != "" && msgs[i].ID == msg.ID)
			if !match {
				continue
			}
			msgs[i].ID = msg.ID
			if !msg.CreatedAt.IsZero() {
				msgs[i].CreatedAt = msg.CreatedAt
			}
			if msgs[i].Status.Advances(model.StatusSent) {
				msgs[i].Status = model.StatusSent
			}
			s.messages[peer] = msgs
			changed = true
		}
	}
	s.mu.Unlock()

	if changed {
		s.notifySubs()
	}
}

// onMessagesRead marks every outbound message in the reader's
// conversation as read and zeroes that conversation's unread count.
func (s *Store) onMessagesRead(p model.ReadPayload) {
	now := time.Now()

	s.mu.Lock()
	msgs := s.messages[p.ReaderID]
	for i := range msgs {
		if msgs[i].SenderID != s.localID {
			continue
		}
		if msgs[i].Status.Advances(model.StatusRead) {
			msgs[i].Status = model.StatusRead
			msgs[i].IsRead = true
			msgs[i].ReadAt = &now
		}
	}
	if c, ok := s.conversations[p.ReaderID]; ok {
		c.UnreadCount = 0
	}
	s.mu.Unlock()

	s.notifySubs()
}

// onMessageDelivered advances a sent message to delivered. A message the
// peer already read stays read.
func (s *Store) onMessageDelivered(p model.DeliveredPayload) {
	changed := false

	s.mu.Lock()
	for peer, msgs := range s.messages {
		for i := range msgs {
			if msgs[i].ID != p.MessageID {
				continue
			}
			if msgs[i].Status.Advances(model.StatusDelivered) {
				msgs[i].Status = model.StatusDelivered
				s.messages[peer] = msgs
				changed = true
			}
		}
	}
	s.mu.Unlock()

	if changed {
		s.notifySubs()
	}
}

func (s *Store) onUserTyping(p model.TypingPayload) {
	s.mu.Lock()
	if p.IsTyping {
		s.typing.add(p.UserID)
	} else {
		s.typing.remove(p.UserID)
	}
	s.mu.Unlock()

	s.notifySubs()
}

func (s *Store) onPresence(userID string, online bool) {
	s.mu.Lock()
	if online {
		s.online.add(userID)
	} else {
		s.online.remove(userID)
		s.typing.remove(userID)
	}
	s.mu.Unlock()

	s.notifySubs()
}

// onMessageDeleted applies a peer-initiated deletion: the same global
// removal as a local delete.
func (s *Store) onMessageDeleted(p model.DeletePayload) {
	s.mu.Lock()
	removed := s.removeEverywhereLocked(p.MessageID)
	s.mu.Unlock()

	if removed {
		s.notifySubs()
	}
}
