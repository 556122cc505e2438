package websocket

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"renddirect/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Client is one socket connection of an authenticated user.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string
	// rooms is guarded by hub.mu.
	rooms map[string]bool
}

func NewClient(hub *Hub, conn *websocket.Conn, userID string) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, 256),
		userID: userID,
		rooms:  make(map[string]bool),
	}
}

func (c *Client) enqueue(event string, payload interface{}) {
	data, err := frame(event, payload)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if c.hub.clients[c] {
		c.hub.push(c, data)
	}
}

func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.hub.Unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	log := c.hub.logger.With(zap.String("user", c.userID))
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("read error", zap.Error(err))
			}
			break
		}

		var env models.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			log.Warn("error unmarshaling frame", zap.Error(err))
			continue
		}
		var cmd models.RoomCommand
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &cmd); err != nil {
				log.Warn("bad command payload", zap.String("type", env.Type), zap.Error(err))
				continue
			}
		}

		switch env.Type {
		case models.CommandJoinRoom:
			if err := c.hub.Join(c, cmd.ConversationID); err != nil {
				log.Info("join refused", zap.String("conversation", cmd.ConversationID), zap.Error(err))
				c.enqueue(models.EventError, models.APIError{Code: "JOIN_REFUSED", Message: err.Error()})
			}
		case models.CommandLeaveRoom:
			c.hub.Leave(c, cmd.ConversationID)
		case models.CommandTypingStart, models.CommandTypingStop:
			if !c.joined(cmd.ConversationID) {
				continue
			}
			c.hub.SendToRoom(cmd.ConversationID, c, env.Type, models.TypingEvent{
				ConversationID: cmd.ConversationID,
				UserID:         c.userID,
			})
		case models.CommandMarkRead:
			c.hub.markRead(c, cmd.ConversationID)
		default:
			log.Debug("unknown command", zap.String("type", env.Type))
		}
	}
}

func (c *Client) joined(conversationID string) bool {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	return c.rooms[conversationID]
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
