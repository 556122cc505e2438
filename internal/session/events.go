package session

import (
	"go.uber.org/zap"

	"renddirect/internal/models"
	"renddirect/internal/reconcile"
	"renddirect/internal/transport"
)

func (s *Session) onState(st transport.State) {
	s.state = st
	if st != transport.StateConnected {
		return
	}
	if s.connectedOnce {
		// the server dropped our room membership with the old socket
		s.rooms.Rejoin()
		if id, ok := s.rooms.Active(); ok {
			s.fetchHistory(id, 1)
		}
		s.fetchUnread()
	}
	s.connectedOnce = true
}

func (s *Session) onNewMessage(ev models.NewMessageEvent) {
	msg := ev.Message
	if msg.ConversationID == "" {
		msg.ConversationID = ev.ConversationID
	}
	if msg.ConversationID == "" || msg.ID == "" {
		return
	}

	stream := s.book.Stream(msg.ConversationID)
	outcome := stream.ApplyRemote(msg)
	s.touch(msg)
	if outcome != reconcile.Inserted {
		return
	}

	if s.typing != nil && s.rooms.IsActive(msg.ConversationID) {
		s.typing.RemoteStop(msg.SenderID)
	}
	if s.unread.OnPush(msg) {
		stream.AdvanceStatus(msg.ID, models.StatusRead, s.cfg.Now())
	}
}

func (s *Session) onTypingStart(ev models.TypingEvent) {
	if !s.typingApplies(ev) {
		return
	}
	s.typing.RemoteStart(ev.UserID)
}

func (s *Session) onTypingStop(ev models.TypingEvent) {
	if !s.typingApplies(ev) {
		return
	}
	s.typing.RemoteStop(ev.UserID)
}

// typingApplies drops our own echoes and events for rooms we have left.
func (s *Session) typingApplies(ev models.TypingEvent) bool {
	return s.typing != nil &&
		ev.UserID != "" &&
		ev.UserID != s.userID &&
		s.rooms.IsActive(ev.ConversationID)
}

func (s *Session) onDelivered(ev models.DeliveredEvent) {
	if stream, ok := s.book.Lookup(ev.ConversationID); ok {
		stream.AdvanceStatus(ev.MessageID, models.StatusDelivered, ev.DeliveredAt)
	}
}

func (s *Session) onMessagesRead(ev models.ReadEvent) {
	if stream, ok := s.book.Lookup(ev.ConversationID); ok {
		stream.MarkReadUpTo(ev.ReaderID, ev.ReadAt)
	}
	if ev.ReaderID == s.userID && !s.rooms.IsActive(ev.ConversationID) {
		// read on another device
		s.fetchUnread()
	}
}

func (s *Session) onConversationUpdated(ev models.ConversationUpdatedEvent) {
	s.upsert(ev.Conversation)
}

func (s *Session) onSystem(ev models.SystemEvent) {
	s.logger.Debug("system event", zap.String("message", ev.Message))
}

func (s *Session) onServerError(ev models.SystemEvent) {
	s.logger.Warn("server reported error", zap.String("message", ev.Message))
}

// touch moves the conversation preview forward. A message for a
// conversation we have not seen triggers a list refresh.
func (s *Session) touch(msg models.Message) {
	conv, ok := s.convs[msg.ConversationID]
	if !ok {
		s.fetchConversations()
		return
	}
	conv.Touch(msg)
}

// upsert merges a server copy of a conversation, keeping a newer local
// preview.
func (s *Session) upsert(in models.Conversation) {
	if in.ID == "" {
		return
	}
	cur, ok := s.convs[in.ID]
	if ok && cur.LastMessage != nil {
		if in.LastMessageAt == nil || in.LastMessageAt.Before(*cur.LastMessageAt) {
			in.LastMessageAt = cur.LastMessageAt
			in.LastMessage = cur.LastMessage
		}
	}
	c := in
	s.convs[in.ID] = &c
}
