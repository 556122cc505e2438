package models

import (
	"encoding/json"
	"time"
)

// Inbound event kinds pushed by the realtime server.
const (
	EventNewMessage          = "new-message"
	EventTypingStart         = "typing-start"
	EventTypingStop          = "typing-stop"
	EventMessageDelivered    = "message-delivered"
	EventMessagesRead        = "messages-read"
	EventConversationUpdated = "conversation-updated"
	EventSystem              = "system"
	EventError               = "error"
)

// Outbound commands sent by the client.
const (
	CommandJoinRoom    = "join-room"
	CommandLeaveRoom   = "leave-room"
	CommandTypingStart = "typing-start"
	CommandTypingStop  = "typing-stop"
	CommandMarkRead    = "mark-read"
)

// Envelope is the frame exchanged over the socket in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewEnvelope(kind string, payload interface{}) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: kind}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: kind, Payload: data}, nil
}

type RoomCommand struct {
	ConversationID string `json:"conversationId"`
}

type NewMessageEvent struct {
	ConversationID string  `json:"conversationId"`
	Message        Message `json:"message"`
}

type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type DeliveredEvent struct {
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	DeliveredAt    time.Time `json:"deliveredAt"`
}

// ReadEvent acknowledges that ReaderID has read every message in the
// conversation created at or before ReadAt.
type ReadEvent struct {
	ConversationID string    `json:"conversationId"`
	ReaderID       string    `json:"readerId"`
	ReadAt         time.Time `json:"readAt"`
}

type ConversationUpdatedEvent struct {
	Conversation Conversation `json:"conversation"`
}

type SystemEvent struct {
	Message string `json:"message"`
	UserID  string `json:"userId,omitempty"`
}
