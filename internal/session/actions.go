package session

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"renddirect/internal/models"
	"renddirect/internal/typing"
)

// Refresh reloads the conversation list and the unread count.
func (s *Session) Refresh() {
	s.post(func() {
		s.fetchConversations()
		s.fetchUnread()
	})
}

// Select opens a conversation: leaves the previous room, joins the new one,
// marks it read and loads its newest history page. Selecting the open
// conversation does nothing.
func (s *Session) Select(id string) {
	s.post(func() { s.selectConversation(id) })
}

// Deselect closes the open conversation.
func (s *Session) Deselect() {
	s.post(s.deselect)
}

// Keystroke reports local typing in the open conversation.
func (s *Session) Keystroke() {
	s.post(func() {
		if s.typing != nil {
			s.typing.Keystroke()
		}
	})
}

// Send adds content to the open conversation optimistically and persists it
// through the API. It returns the client id of the optimistic entry.
func (s *Session) Send(content string) (string, error) {
	var clientID string
	err := s.call(func() error {
		id, ok := s.rooms.Active()
		if !ok {
			return ErrNoActiveConversation
		}
		var err error
		clientID, err = s.send(id, content)
		return err
	})
	return clientID, err
}

// Retry resends a failed message under a new client id.
func (s *Session) Retry(clientID string) (string, error) {
	var newID string
	err := s.call(func() error {
		f, ok := s.failed[clientID]
		if !ok {
			return ErrUnknownSend
		}
		s.dropFailed(clientID)
		var err error
		newID, err = s.send(f.ConversationID, f.Content)
		return err
	})
	return newID, err
}

// Discard forgets a failed send.
func (s *Session) Discard(clientID string) {
	s.post(func() { s.dropFailed(clientID) })
}

// LoadOlder fetches the next page of history for the open conversation.
func (s *Session) LoadOlder() {
	s.post(func() {
		id, ok := s.rooms.Active()
		if !ok {
			return
		}
		h := s.historyFor(id)
		if h.loading || (h.loaded && !h.hasMore) {
			return
		}
		s.fetchHistory(id, h.next)
	})
}

// RevealPhone asks the server to share the owner's phone number in the open
// conversation.
func (s *Session) RevealPhone() error {
	return s.call(func() error {
		id, ok := s.rooms.Active()
		if !ok {
			return ErrNoActiveConversation
		}
		s.async(func(ctx context.Context) func() {
			conv, err := s.api.RevealPhone(ctx, id)
			return func() {
				if err != nil {
					s.logger.Warn("reveal phone failed", zap.String("conversation", id), zap.Error(err))
					s.lastErr = err
					return
				}
				s.upsert(*conv)
			}
		})
		return nil
	})
}

// Start opens (or finds) the conversation about a listing and selects it.
func (s *Session) Start(propertyID string) {
	s.async(func(ctx context.Context) func() {
		conv, err := s.api.StartConversation(ctx, propertyID)
		return func() {
			if err != nil {
				s.logger.Warn("start conversation failed", zap.String("property", propertyID), zap.Error(err))
				s.lastErr = err
				return
			}
			s.upsert(*conv)
			s.selectConversation(conv.ID)
		}
	})
}

// ClearError dismisses the last reported error.
func (s *Session) ClearError() {
	s.post(func() { s.lastErr = nil })
}

func (s *Session) selectConversation(id string) {
	if id == "" || s.rooms.IsActive(id) {
		return
	}
	if s.typing != nil {
		s.typing.Reset()
	}
	s.rooms.Select(id)
	s.typing = typing.NewMachine(id, s.tr, s.sched, typing.Options{
		Debounce:      s.cfg.TypingDebounce,
		RemoteTimeout: s.cfg.RemoteTypingTimeout,
		Now:           s.cfg.Now,
	})
	s.unread.MarkActive(id)
	s.book.Stream(id).MarkReadUpTo(s.userID, s.cfg.Now())

	if _, ok := s.convs[id]; !ok {
		s.fetchConversation(id)
	}
	s.fetchHistory(id, 1)
}

func (s *Session) deselect() {
	if s.typing != nil {
		s.typing.Reset()
		s.typing = nil
	}
	s.rooms.Deselect()
	s.unread.Clear()
}

func (s *Session) send(conversationID, content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmptyMessage
	}
	clientID := s.cfg.NewClientID()
	msg := models.Message{
		ID:             clientID,
		ClientID:       clientID,
		ConversationID: conversationID,
		SenderID:       s.userID,
		Content:        content,
		Status:         models.StatusSent,
		CreatedAt:      s.cfg.Now(),
	}
	stream := s.book.Stream(conversationID)
	if err := stream.AppendLocal(msg); err != nil {
		return "", err
	}
	if s.typing != nil && s.typing.ConversationID() == conversationID {
		s.typing.Sent()
	}

	s.async(func(ctx context.Context) func() {
		persisted, err := s.api.SendMessage(ctx, conversationID, content, clientID)
		return func() { s.sendDone(conversationID, clientID, content, persisted, err) }
	})
	return clientID, nil
}

// sendDone reconciles a send even if the conversation is no longer open.
func (s *Session) sendDone(conversationID, clientID, content string, persisted *models.Message, err error) {
	stream := s.book.Stream(conversationID)
	if err != nil {
		s.logger.Warn("send failed", zap.String("conversation", conversationID), zap.String("client_id", clientID), zap.Error(err))
		if _, rbErr := stream.Rollback(clientID); rbErr != nil {
			return
		}
		s.failed[clientID] = FailedSend{ClientID: clientID, ConversationID: conversationID, Content: content, Err: err}
		s.failedOrder = append(s.failedOrder, clientID)
		return
	}
	if err := stream.Confirm(clientID, *persisted); err != nil {
		s.logger.Debug("confirm skipped", zap.String("client_id", clientID), zap.Error(err))
	}
	persisted.ConversationID = conversationID
	s.touch(*persisted)
}

func (s *Session) dropFailed(clientID string) {
	if _, ok := s.failed[clientID]; !ok {
		return
	}
	delete(s.failed, clientID)
	for i, id := range s.failedOrder {
		if id == clientID {
			s.failedOrder = append(s.failedOrder[:i], s.failedOrder[i+1:]...)
			break
		}
	}
}

func (s *Session) markRead(conversationID string) {
	s.tr.Emit(models.CommandMarkRead, models.RoomCommand{ConversationID: conversationID})
	s.async(func(ctx context.Context) func() {
		if err := s.api.MarkRead(ctx, conversationID); err != nil {
			// local read state has already advanced
			s.logger.Debug("mark read rejected", zap.String("conversation", conversationID), zap.Error(err))
		}
		return nil
	})
}

func (s *Session) historyFor(id string) *history {
	h, ok := s.histories[id]
	if !ok {
		h = &history{next: 1}
		s.histories[id] = h
	}
	return h
}

func (s *Session) fetchHistory(id string, page int) {
	h := s.historyFor(id)
	h.loading = true
	limit := s.cfg.PageSize
	s.async(func(ctx context.Context) func() {
		res, err := s.api.Messages(ctx, id, page, limit)
		return func() { s.historyDone(id, page, res, err) }
	})
}

func (s *Session) historyDone(id string, page int, res *models.Page[models.Message], err error) {
	h := s.historyFor(id)
	h.loading = false
	if !s.rooms.IsActive(id) {
		return
	}
	if err != nil {
		s.logger.Warn("history fetch failed", zap.String("conversation", id), zap.Int("page", page), zap.Error(err))
		h.err = err
		return
	}
	h.err = nil
	stream := s.book.Stream(id)
	stream.LoadHistoryPage(res.Items)
	stream.MarkReadUpTo(s.userID, s.cfg.Now())
	if page+1 >= h.next {
		h.next = page + 1
		h.hasMore = res.HasMore()
	}
	h.loaded = true
	if latest, ok := stream.Latest(); ok {
		s.touch(latest)
	}
}

func (s *Session) fetchConversations() {
	s.async(func(ctx context.Context) func() {
		list, err := s.api.ListConversations(ctx)
		return func() {
			if err != nil {
				s.logger.Warn("conversation list fetch failed", zap.Error(err))
				s.lastErr = err
				return
			}
			for _, c := range list {
				s.upsert(c)
			}
		}
	})
}

func (s *Session) fetchConversation(id string) {
	s.async(func(ctx context.Context) func() {
		conv, err := s.api.GetConversation(ctx, id)
		return func() {
			if err != nil {
				s.logger.Warn("conversation fetch failed", zap.String("conversation", id), zap.Error(err))
				return
			}
			s.upsert(*conv)
		}
	})
}

func (s *Session) fetchUnread() {
	s.async(func(ctx context.Context) func() {
		count, err := s.api.UnreadCount(ctx)
		return func() {
			if err != nil {
				s.logger.Warn("unread count fetch failed", zap.Error(err))
				return
			}
			s.unread.Reset(count.Count, count.ByConversation)
		}
	})
}
