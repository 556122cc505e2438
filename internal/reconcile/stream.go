// Package reconcile merges optimistic sends, realtime pushes and history
// pages into one ordered, de-duplicated message list per conversation.
package reconcile

import (
	"errors"
	"sort"
	"time"

	"renddirect/internal/models"
)

var (
	ErrUnknownMessage = errors.New("unknown message")
	ErrDuplicate      = errors.New("message already present")
	ErrNoClientID     = errors.New("optimistic message needs a client id")
)

// Outcome describes what ApplyRemote did with a message.
type Outcome int

const (
	Ignored Outcome = iota
	Inserted
	Replaced
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Replaced:
		return "replaced"
	}
	return "ignored"
}

// Stream is the reconciled message list of one conversation. Entries are
// ordered by CreatedAt; equal timestamps keep arrival order. Each ID appears
// at most once.
type Stream struct {
	conversationID string
	msgs           []models.Message
	// pending maps client ids of unconfirmed sends to true.
	pending map[string]bool
}

func NewStream(conversationID string) *Stream {
	return &Stream{conversationID: conversationID, pending: make(map[string]bool)}
}

func (s *Stream) ConversationID() string { return s.conversationID }

// AppendLocal adds an optimistic message at the tail, in send order. Until it
// is confirmed the entry is matched by ID or by ClientID.
func (s *Stream) AppendLocal(msg models.Message) error {
	if msg.ClientID == "" {
		msg.ClientID = msg.ID
	}
	if msg.ClientID == "" {
		return ErrNoClientID
	}
	if msg.ID == "" {
		msg.ID = msg.ClientID
	}
	if s.indexOf(msg.ID) >= 0 || s.clientIndex(msg.ClientID) >= 0 {
		return ErrDuplicate
	}
	if msg.Status == "" {
		msg.Status = models.StatusSent
	}
	msg.ConversationID = s.conversationID
	s.msgs = append(s.msgs, msg)
	s.pending[msg.ClientID] = true
	return nil
}

// ApplyRemote merges a server record. A known ID, or the client id of a
// pending send, is replaced in place. Anything else is inserted by
// timestamp.
func (s *Stream) ApplyRemote(msg models.Message) Outcome {
	if msg.ID == "" {
		return Ignored
	}
	if i := s.match(msg); i >= 0 {
		s.replace(i, msg)
		return Replaced
	}
	s.insert(msg)
	return Inserted
}

// LoadHistoryPage merges a page of history. Pages may arrive in any order and
// may overlap what is already held. It returns how many entries were new.
func (s *Stream) LoadHistoryPage(page []models.Message) int {
	sorted := make([]models.Message, len(page))
	copy(sorted, page)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	added := 0
	for _, msg := range sorted {
		if s.ApplyRemote(msg) == Inserted {
			added++
		}
	}
	return added
}

// Confirm swaps the optimistic entry for the persisted record without moving
// it. If the realtime echo already inserted the persisted record, the
// optimistic entry is dropped instead.
func (s *Stream) Confirm(clientID string, persisted models.Message) error {
	if !s.pending[clientID] {
		if s.indexOf(persisted.ID) >= 0 {
			// echo already reconciled it
			s.ApplyRemote(persisted)
			return nil
		}
		return ErrUnknownMessage
	}
	i := s.clientIndex(clientID)
	if j := s.indexOf(persisted.ID); j >= 0 && j != i {
		s.replace(j, persisted)
		s.remove(i)
		delete(s.pending, clientID)
		return nil
	}
	persisted.ClientID = clientID
	s.replace(i, persisted)
	return nil
}

// Rollback removes an unconfirmed send and returns it so it can be retried.
func (s *Stream) Rollback(clientID string) (models.Message, error) {
	if !s.pending[clientID] {
		return models.Message{}, ErrUnknownMessage
	}
	i := s.clientIndex(clientID)
	msg := s.msgs[i]
	s.remove(i)
	delete(s.pending, clientID)
	return msg, nil
}

// AdvanceStatus moves a message forward in its lifecycle. Regressions and
// unknown ids are ignored.
func (s *Stream) AdvanceStatus(id string, status models.MessageStatus, at time.Time) bool {
	i := s.indexOf(id)
	if i < 0 || !s.msgs[i].Status.Before(status) {
		return false
	}
	s.msgs[i].Status = status
	if status == models.StatusRead && s.msgs[i].ReadAt == nil && !at.IsZero() {
		t := at
		s.msgs[i].ReadAt = &t
	}
	return true
}

// MarkReadUpTo marks as READ every confirmed message not sent by readerID
// and created at or before at. It returns the number of entries changed.
func (s *Stream) MarkReadUpTo(readerID string, at time.Time) int {
	n := 0
	for i := range s.msgs {
		m := &s.msgs[i]
		if m.SenderID == readerID || m.CreatedAt.After(at) || s.isPending(*m) {
			continue
		}
		if m.Status.Before(models.StatusRead) {
			m.Status = models.StatusRead
			t := at
			m.ReadAt = &t
			n++
		}
	}
	return n
}

func (s *Stream) Messages() []models.Message {
	out := make([]models.Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

func (s *Stream) Len() int { return len(s.msgs) }

func (s *Stream) Earliest() (models.Message, bool) {
	if len(s.msgs) == 0 {
		return models.Message{}, false
	}
	return s.msgs[0], true
}

func (s *Stream) Latest() (models.Message, bool) {
	if len(s.msgs) == 0 {
		return models.Message{}, false
	}
	return s.msgs[len(s.msgs)-1], true
}

// Pending returns the optimistic entries still waiting for confirmation.
func (s *Stream) Pending() []models.Message {
	var out []models.Message
	for _, m := range s.msgs {
		if s.isPending(m) {
			out = append(out, m)
		}
	}
	return out
}

func (s *Stream) IsPending(clientID string) bool {
	return s.pending[clientID]
}

func (s *Stream) isPending(m models.Message) bool {
	return m.ClientID != "" && s.pending[m.ClientID]
}

func (s *Stream) match(msg models.Message) int {
	if i := s.indexOf(msg.ID); i >= 0 {
		return i
	}
	if msg.ClientID != "" && s.pending[msg.ClientID] {
		return s.clientIndex(msg.ClientID)
	}
	return -1
}

// replace merges incoming into position i. Status never regresses and a
// known read time is kept.
func (s *Stream) replace(i int, incoming models.Message) {
	old := s.msgs[i]
	if s.isPending(old) {
		delete(s.pending, old.ClientID)
		if incoming.ClientID == "" {
			incoming.ClientID = old.ClientID
		}
	} else {
		incoming.Content = old.Content
		incoming.Status = old.Status.Advance(incoming.Status)
		if incoming.ReadAt == nil {
			incoming.ReadAt = old.ReadAt
		}
		if incoming.ClientID == "" {
			incoming.ClientID = old.ClientID
		}
	}
	if !incoming.Status.Valid() {
		incoming.Status = models.StatusSent
	}
	incoming.ConversationID = s.conversationID
	s.msgs[i] = incoming
}

// insert places msg after every entry with CreatedAt <= msg.CreatedAt.
func (s *Stream) insert(msg models.Message) {
	if !msg.Status.Valid() {
		msg.Status = models.StatusSent
	}
	msg.ConversationID = s.conversationID
	n := len(s.msgs)
	if n == 0 || !msg.CreatedAt.Before(s.msgs[n-1].CreatedAt) {
		s.msgs = append(s.msgs, msg)
		return
	}
	i := sort.Search(n, func(i int) bool {
		return s.msgs[i].CreatedAt.After(msg.CreatedAt)
	})
	s.msgs = append(s.msgs, models.Message{})
	copy(s.msgs[i+1:], s.msgs[i:])
	s.msgs[i] = msg
}

func (s *Stream) remove(i int) {
	s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
}

func (s *Stream) indexOf(id string) int {
	if id == "" {
		return -1
	}
	for i := len(s.msgs) - 1; i >= 0; i-- {
		if s.msgs[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Stream) clientIndex(clientID string) int {
	for i := len(s.msgs) - 1; i >= 0; i-- {
		if s.msgs[i].ClientID == clientID {
			return i
		}
	}
	return -1
}
