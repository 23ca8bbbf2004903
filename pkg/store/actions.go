package store

import (
	"context"
	"log"
	"time"

	"github.com/mahaj/erp-messenger/pkg/model"
)

// LoadConversations replaces the conversation list wholesale from the
// REST API. Concurrent calls are coalesced, and a monotonic sequence
// guard keeps a stale response from overwriting a fresher one.
func (s *Store) LoadConversations(ctx context.Context) error {
	s.mu.Lock()
	if s.loading {
		s.mu.Unlock()
		return nil
	}
	s.loading = true
	s.loadSeq++
	seq := s.loadSeq
	s.mu.Unlock()

	convs, err := s.persist.Conversations(ctx)

	s.mu.Lock()
	s.loading = false
	if err != nil {
		s.mu.Unlock()
		s.notifyUser("Could not load conversations.")
		return err
	}
	if seq != s.loadSeq {
		s.mu.Unlock()
		return nil
	}

	s.conversations = make(map[string]*model.Conversation, len(convs))
	s.convOrder = s.convOrder[:0]
	for i := range convs {
		c := convs[i]
		s.conversations[c.Peer.ID] = &c
		s.convOrder = append(s.convOrder, c.Peer.ID)
	}
	s.mu.Unlock()

	s.notifySubs()
	return nil
}

// LoadHistory replaces one conversation's log from the REST API, keeping
// any optimistic entry still awaiting its ack. Each message's display
// status is derived from its read flag, and a non-empty batch is
// immediately marked read (REST and emit) with the unread count zeroed.
func (s *Store) LoadHistory(ctx context.Context, peerID string) error {
	msgs, err := s.persist.History(ctx, peerID, 1, s.opts.HistoryLimit)
	if err != nil {
		s.notifyUser("Could not load message history.")
		return err
	}

	s.mu.Lock()
	for i := range msgs {
		if msgs[i].SenderID == peerID {
			// The batch is marked read below; reflect that locally.
			msgs[i].IsRead = true
		}
		if msgs[i].IsRead {
			msgs[i].Status = model.StatusRead
		} else {
			msgs[i].Status = model.StatusSent
		}
	}
	// An optimistic send still awaiting its ack is not in the fetched
	// batch; carry it over so the replace cannot discard it.
	for _, m := range s.messages[peerID] {
		if m.Status == model.StatusSending {
			msgs = append(msgs, m)
		}
	}
	s.messages[peerID] = msgs
	if len(msgs) > 0 {
		s.conversationLocked(peerID).UnreadCount = 0
	}
	s.mu.Unlock()

	if len(msgs) > 0 {
		if err := s.persist.MarkRead(ctx, peerID); err != nil {
			log.Printf("store: mark read after history load failed: %v", err)
		}
		s.emitter.EmitMarkRead(peerID)
	}

	s.notifySubs()
	return nil
}

// SendMessage appends an optimistic entry synchronously and persists it
// in the background. On success the entry is replaced in place with the
// server message; on failure it is rolled back. No retry is attempted.
func (s *Store) SendMessage(peerID, content, documentID string) model.Message {
	corr := s.idgen.Generate().String()
	msg := model.Message{
		ID:            "local-" + corr,
		CorrelationID: corr,
		SenderID:      s.localID,
		RecipientID:   peerID,
		Content:       content,
		DocumentID:    documentID,
		CreatedAt:     time.Now(),
		Status:        model.StatusSending,
		Active:        true,
	}

	s.mu.Lock()
	s.messages[peerID] = append(s.messages[peerID], msg)
	s.pending[corr] = time.AfterFunc(s.opts.PendingTimeout, func() {
		s.expirePending(corr)
	})
	s.mu.Unlock()
	s.notifySubs()

	go func() {
		saved, err := s.persist.Send(context.Background(), peerID, content, documentID, corr)
		if err != nil {
			s.rollbackSend(peerID, corr)
			return
		}
		s.resolveSend(peerID, corr, saved)
	}()

	return msg
}

// rollbackSend removes the optimistic entry after a rejected persistence
// call and surfaces the failure.
func (s *Store) rollbackSend(peerID, corr string) {
	s.mu.Lock()
	s.cancelPendingLocked(corr)
	msgs := s.messages[peerID]
	for i, m := range msgs {
		if m.CorrelationID == corr {
			s.messages[peerID] = append(msgs[:i:i], msgs[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	s.notifyUser("Message could not be sent.")
	s.notifySubs()
}

// resolveSend swaps the optimistic entry for the server-confirmed message
// at the same position. The status only advances; a receipt that arrived
// first is never regressed.
func (s *Store) resolveSend(peerID, corr string, saved model.Message) {
	s.mu.Lock()
	s.cancelPendingLocked(corr)
	msgs := s.messages[peerID]
	for i := range msgs {
		if msgs[i].CorrelationID != corr {
			continue
		}
		prev := msgs[i].Status
		msgs[i].ID = saved.ID
		msgs[i].Content = saved.Content
		msgs[i].DocumentID = saved.DocumentID
		msgs[i].CreatedAt = saved.CreatedAt
		msgs[i].Active = true
		if prev.Advances(model.StatusSent) {
			msgs[i].Status = model.StatusSent
		}
		break
	}

	c := s.conversationLocked(peerID)
	c.LastMessage = saved.Content
	c.LastMessageAt = saved.CreatedAt
	s.mu.Unlock()

	s.notifySubs()
}

// expirePending marks a still-sending message failed once the ack window
// has passed.
func (s *Store) expirePending(corr string) {
	changed := false
	s.mu.Lock()
	delete(s.pending, corr)
	for peer, msgs := range s.messages {
		for i := range msgs {
			if msgs[i].CorrelationID == corr && msgs[i].Status == model.StatusSending {
				msgs[i].Status = model.StatusFailed
				s.messages[peer] = msgs
				changed = true
			}
		}
	}
	s.mu.Unlock()

	if changed {
		s.notifyUser("Message could not be sent.")
		s.notifySubs()
	}
}

func (s *Store) cancelPendingLocked(corr string) {
	if t, ok := s.pending[corr]; ok {
		t.Stop()
		delete(s.pending, corr)
	}
}

// MarkRead persists read state, emits the receipt and zeroes the unread
// counter for the peer. Idempotent.
func (s *Store) MarkRead(ctx context.Context, peerID string) error {
	if err := s.persist.MarkRead(ctx, peerID); err != nil {
		s.notifyUser("Could not update read state.")
		return err
	}
	s.emitter.EmitMarkRead(peerID)

	s.mu.Lock()
	if c, ok := s.conversations[peerID]; ok {
		c.UnreadCount = 0
	}
	msgs := s.messages[peerID]
	for i := range msgs {
		if msgs[i].SenderID == peerID {
			msgs[i].IsRead = true
		}
	}
	s.mu.Unlock()

	s.notifySubs()
	return nil
}

// DeleteMessage persists the deletion, emits it to the peer, and removes
// the message from every conversation holding a copy.
func (s *Store) DeleteMessage(ctx context.Context, messageID string) error {
	s.mu.Lock()
	peerID := ""
	for peer, msgs := range s.messages {
		for _, m := range msgs {
			if m.ID == messageID {
				peerID = peer
				break
			}
		}
		if peerID != "" {
			break
		}
	}
	s.mu.Unlock()

	if err := s.persist.DeleteMessage(ctx, messageID, peerID); err != nil {
		s.notifyUser("Message could not be deleted.")
		return err
	}
	s.emitter.EmitDelete(messageID, peerID)

	s.mu.Lock()
	s.removeEverywhereLocked(messageID)
	s.mu.Unlock()

	s.notifySubs()
	return nil
}
