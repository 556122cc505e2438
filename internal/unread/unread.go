// Package unread keeps the session's unread message counts and issues
// mark-read for the conversation that is open.
package unread

import "renddirect/internal/models"

// Marker tells the server a conversation has been read. It is fire and
// forget: local counts advance whether or not the server accepts it.
type Marker interface {
	MarkRead(conversationID string)
}

// MarkerFunc adapts a function to Marker.
type MarkerFunc func(conversationID string)

func (f MarkerFunc) MarkRead(conversationID string) { f(conversationID) }

// Counter owns the unread total and the active conversation it excludes.
type Counter struct {
	selfID string
	marker Marker
	active string
	total  int
	counts map[string]int
}

func NewCounter(selfID string, marker Marker) *Counter {
	return &Counter{selfID: selfID, marker: marker, counts: make(map[string]int)}
}

func (c *Counter) Total() int { return c.total }

func (c *Counter) For(conversationID string) int { return c.counts[conversationID] }

func (c *Counter) Active() string { return c.active }

// MarkActive opens id: its unread count is cleared and mark-read is sent.
// Other conversations keep their counts.
func (c *Counter) MarkActive(id string) {
	c.active = id
	if id == "" {
		return
	}
	c.sub(c.counts[id])
	delete(c.counts, id)
	c.marker.MarkRead(id)
}

// OnPush accounts for a newly arrived message. It reports whether the
// message belongs to the open conversation and was marked read.
func (c *Counter) OnPush(msg models.Message) bool {
	if msg.SenderID != "" && msg.SenderID == c.selfID {
		return false
	}
	if msg.ConversationID != "" && msg.ConversationID == c.active {
		c.marker.MarkRead(msg.ConversationID)
		return true
	}
	c.counts[msg.ConversationID]++
	c.total++
	return false
}

// Reset replaces local counts with a server recount. perConversation may be
// nil when the server only reports a total; the open conversation is never
// counted.
func (c *Counter) Reset(total int, perConversation map[string]int) {
	c.counts = make(map[string]int, len(perConversation))
	for id, n := range perConversation {
		if n > 0 && id != c.active {
			c.counts[id] = n
		}
	}
	if total < 0 {
		total = 0
	}
	if c.active != "" && perConversation != nil {
		total -= perConversation[c.active]
	}
	c.total = 0
	c.add(total)
}

// Clear forgets the active conversation. Counts are kept.
func (c *Counter) Clear() {
	c.active = ""
}

func (c *Counter) add(n int) {
	c.total += n
	if c.total < 0 {
		c.total = 0
	}
}

func (c *Counter) sub(n int) {
	c.add(-n)
}
