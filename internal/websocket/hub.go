// Package websocket is the server side of the realtime channel: a hub that
// tracks connected users and the conversation rooms they have joined.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"renddirect/internal/models"
)

var (
	ErrNotParticipant = errors.New("not a participant of this conversation")
	ErrClientGone     = errors.New("connection is no longer registered")
)

// Backend answers the questions the hub cannot answer from memory.
type Backend interface {
	// Participants returns the users of a conversation.
	Participants(conversationID string) ([]string, error)
	// MarkRead records that readerID has read the conversation up to at.
	MarkRead(conversationID, readerID string, at time.Time) error
}

type Hub struct {
	clients    map[*Client]bool
	Register   chan *Client
	Unregister chan *Client
	userMap    map[string]map[*Client]bool
	rooms      map[string]map[*Client]bool
	mu         sync.RWMutex
	logger     *zap.Logger
	backend    Backend
	now        func() time.Time
	done       chan struct{}
}

func NewHub(backend Backend, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		userMap:    make(map[string]map[*Client]bool),
		rooms:      make(map[string]map[*Client]bool),
		logger:     logger.Named("hub"),
		backend:    backend,
		now:        func() time.Time { return time.Now().UTC() },
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	for {
		select {
		case <-ctx.Done():
			// done closes only after every client is dropped
			h.shutdown()
			close(h.done)
			h.logger.Info("websocket hub stopped")
			return

		case client := <-h.Register:
			h.mu.Lock()
			h.clients[client] = true
			if h.userMap[client.userID] == nil {
				h.userMap[client.userID] = make(map[*Client]bool)
			}
			h.userMap[client.userID][client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected", zap.String("user", client.userID), zap.Int("clients", total))

			client.enqueue(models.EventSystem, models.SystemEvent{
				Message: "Connected to chat server",
				UserID:  client.userID,
			})

		case client := <-h.Unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				h.drop(client)
				h.logger.Info("client disconnected", zap.String("user", client.userID), zap.Int("clients", len(h.clients)))
			}
			h.mu.Unlock()
		}
	}
}

// Attach registers a client with the running hub. It reports false once the
// hub has stopped.
func (h *Hub) Attach(client *Client) bool {
	select {
	case h.Register <- client:
		return true
	case <-h.done:
		return false
	}
}

// drop removes a client from every index. Callers hold h.mu.
func (h *Hub) drop(client *Client) {
	delete(h.clients, client)
	if set := h.userMap[client.userID]; set != nil {
		delete(set, client)
		if len(set) == 0 {
			delete(h.userMap, client.userID)
		}
	}
	for id := range client.rooms {
		h.leaveLocked(client, id)
	}
	close(client.send)
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		h.drop(client)
	}
}

// Online reports whether userID has at least one open connection.
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.userMap[userID]) > 0
}

// Join puts a client in a conversation room after checking membership.
func (h *Hub) Join(client *Client, conversationID string) error {
	participants, err := h.backend.Participants(conversationID)
	if err != nil {
		return err
	}
	if !contains(participants, client.userID) {
		return ErrNotParticipant
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	// a dropped client's send channel is closed
	if !h.clients[client] {
		return ErrClientGone
	}
	if h.rooms[conversationID] == nil {
		h.rooms[conversationID] = make(map[*Client]bool)
	}
	h.rooms[conversationID][client] = true
	client.rooms[conversationID] = true
	return nil
}

func (h *Hub) Leave(client *Client, conversationID string) {
	h.mu.Lock()
	h.leaveLocked(client, conversationID)
	h.mu.Unlock()
}

func (h *Hub) leaveLocked(client *Client, conversationID string) {
	delete(client.rooms, conversationID)
	if room := h.rooms[conversationID]; room != nil {
		delete(room, client)
		if len(room) == 0 {
			delete(h.rooms, conversationID)
		}
	}
}

// RoomSize returns how many connections have joined a conversation room.
func (h *Hub) RoomSize(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[conversationID])
}

// SendToUser delivers an event to every connection of userID.
func (h *Hub) SendToUser(userID, event string, payload interface{}) error {
	data, err := frame(event, payload)
	if err != nil {
		h.logger.Error("failed to marshal event", zap.String("type", event), zap.Error(err))
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.userMap[userID] {
		h.push(client, data)
	}
	return nil
}

// SendToConversation delivers an event to every connected participant,
// joined to the room or not.
func (h *Hub) SendToConversation(participants []string, event string, payload interface{}) error {
	data, err := frame(event, payload)
	if err != nil {
		h.logger.Error("failed to marshal event", zap.String("type", event), zap.Error(err))
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, userID := range participants {
		for client := range h.userMap[userID] {
			h.push(client, data)
		}
	}
	return nil
}

// SendToRoom delivers an event to the connections joined to a room,
// skipping except.
func (h *Hub) SendToRoom(conversationID string, except *Client, event string, payload interface{}) error {
	data, err := frame(event, payload)
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.rooms[conversationID] {
		if client != except {
			h.push(client, data)
		}
	}
	return nil
}

// push never blocks; a client that cannot keep up loses the frame.
// Callers hold h.mu so the send channel cannot be closed underneath.
func (h *Hub) push(client *Client, data []byte) {
	select {
	case client.send <- data:
	default:
		h.logger.Warn("client send buffer full, frame dropped", zap.String("user", client.userID))
	}
}

func (h *Hub) markRead(client *Client, conversationID string) {
	at := h.now()
	if err := h.backend.MarkRead(conversationID, client.userID, at); err != nil {
		h.logger.Warn("mark-read failed", zap.String("conversation", conversationID), zap.Error(err))
		client.enqueue(models.EventError, models.APIError{Code: "MARK_READ_FAILED", Message: err.Error()})
		return
	}
	participants, err := h.backend.Participants(conversationID)
	if err != nil {
		return
	}
	h.SendToConversation(participants, models.EventMessagesRead, models.ReadEvent{
		ConversationID: conversationID,
		ReaderID:       client.userID,
		ReadAt:         at,
	})
}

func frame(event string, payload interface{}) ([]byte, error) {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
