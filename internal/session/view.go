package session

import (
	"sort"
	"time"

	"renddirect/internal/models"
	"renddirect/internal/transport"
)

// View is an immutable snapshot of the session for presentation surfaces.
type View struct {
	UserID        string
	State         transport.State
	Unread        int
	Conversations []ConversationView
	Active        *ActiveView
	Err           error
}

type ConversationView struct {
	ID            string
	Peer          models.Participant
	Title         string
	Preview       string
	LastMessageAt *time.Time
	When          string
	Unread        int
	Active        bool
	PhoneRevealed bool
	DealStatus    string
}

type MessageView struct {
	models.Message
	Mine    bool
	Pending bool
}

type ActiveView struct {
	Conversation models.Conversation
	Known        bool
	Peer         models.Participant
	Messages     []MessageView
	PeerTyping   bool
	Loading      bool
	HasMore      bool
	HistoryErr   error
	Failed       []FailedSend
}

// Conversation looks up a conversation in the list by id.
func (v View) Conversation(id string) (ConversationView, bool) {
	for _, c := range v.Conversations {
		if c.ID == id {
			return c, true
		}
	}
	return ConversationView{}, false
}

func (s *Session) buildView() View {
	now := s.cfg.Now()
	v := View{
		UserID: s.userID,
		State:  s.state,
		Unread: s.unread.Total(),
		Err:    s.lastErr,
	}

	for _, c := range s.sortedConversations() {
		cv := ConversationView{
			ID:            c.ID,
			Peer:          c.Peer(s.userID),
			Title:         c.Property.Title,
			LastMessageAt: c.LastMessageAt,
			When:          RelativeTime(c.LastMessageAt, now),
			Unread:        s.unread.For(c.ID),
			Active:        s.rooms.IsActive(c.ID),
			PhoneRevealed: c.PhoneRevealed,
			DealStatus:    c.DealStatus,
		}
		if c.LastMessage != nil {
			cv.Preview = c.LastMessage.Content
		}
		v.Conversations = append(v.Conversations, cv)
	}

	id, ok := s.rooms.Active()
	if !ok {
		return v
	}
	av := &ActiveView{}
	if c, known := s.convs[id]; known {
		av.Conversation = *c
		av.Known = true
		av.Peer = c.Peer(s.userID)
	} else {
		av.Conversation = models.Conversation{ID: id}
	}
	if stream, ok := s.book.Lookup(id); ok {
		for _, m := range stream.Messages() {
			av.Messages = append(av.Messages, MessageView{
				Message: m,
				Mine:    m.SenderID == s.userID,
				Pending: stream.IsPending(m.ClientID),
			})
		}
	}
	if s.typing != nil {
		if av.Peer.ID != "" {
			av.PeerTyping = s.typing.RemoteTyping(av.Peer.ID)
		} else {
			av.PeerTyping = s.typing.AnyRemoteTyping()
		}
	}
	if h, ok := s.histories[id]; ok {
		av.Loading = h.loading
		av.HasMore = h.hasMore
		av.HistoryErr = h.err
	}
	for _, cid := range s.failedOrder {
		if f := s.failed[cid]; f.ConversationID == id {
			av.Failed = append(av.Failed, f)
		}
	}
	v.Active = av
	return v
}

// sortedConversations orders by last activity, newest first. Conversations
// without messages go last.
func (s *Session) sortedConversations() []*models.Conversation {
	out := make([]*models.Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].LastMessageAt, out[j].LastMessageAt
		switch {
		case a == nil && b == nil:
			return out[i].ID < out[j].ID
		case a == nil:
			return false
		case b == nil:
			return true
		case a.Equal(*b):
			return out[i].ID < out[j].ID
		}
		return a.After(*b)
	})
	return out
}
