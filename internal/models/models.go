package models

import (
	"encoding/json"
	"time"
)

type Role string

const (
	RoleOwner  Role = "OWNER"
	RoleTenant Role = "TENANT"
)

type User struct {
	ID        string    `json:"id" db:"id"`
	Email     string    `json:"email" db:"email"`
	Password  string    `json:"-" db:"password"`
	FirstName string    `json:"firstName" db:"first_name"`
	LastName  string    `json:"lastName" db:"last_name"`
	Phone     string    `json:"phone,omitempty" db:"phone"`
	Role      Role      `json:"role" db:"role"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// Participant is the public summary of a user embedded in a conversation.
// Phone is only populated once the owner's number has been revealed.
type Participant struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Phone     string `json:"phone,omitempty"`
}

func (p Participant) Name() string {
	switch {
	case p.FirstName == "" && p.LastName == "":
		return "Unknown"
	case p.LastName == "":
		return p.FirstName
	}
	return p.FirstName + " " + p.LastName
}

type Property struct {
	ID         string  `json:"id" db:"id"`
	Title      string  `json:"title" db:"title"`
	RentAmount float64 `json:"rentAmount,omitempty" db:"rent_amount"`
}

type Conversation struct {
	ID            string      `json:"id" db:"id"`
	OwnerID       string      `json:"ownerId" db:"owner_id"`
	TenantID      string      `json:"tenantId" db:"tenant_id"`
	PropertyID    string      `json:"propertyId" db:"property_id"`
	Property      Property    `json:"property"`
	Owner         Participant `json:"owner"`
	Tenant        Participant `json:"tenant"`
	PhoneRevealed bool        `json:"phoneRevealed" db:"phone_revealed"`
	IsFlagged     bool        `json:"isFlagged" db:"is_flagged"`
	LastMessageAt *time.Time  `json:"lastMessageAt,omitempty" db:"last_message_at"`
	LastMessage   *Message    `json:"lastMessage,omitempty"`
	DealID        string      `json:"dealId,omitempty" db:"deal_id"`
	DealStatus    string      `json:"dealStatus,omitempty" db:"deal_status"`
}

// Peer returns the participant on the other side of the conversation from userID.
func (c *Conversation) Peer(userID string) Participant {
	if userID == c.OwnerID {
		return c.Tenant
	}
	return c.Owner
}

// Touch moves the last-message pointer forward. Older messages never rewind it.
func (c *Conversation) Touch(msg Message) {
	if c.LastMessageAt != nil && msg.CreatedAt.Before(*c.LastMessageAt) {
		return
	}
	at := msg.CreatedAt
	c.LastMessageAt = &at
	m := msg
	c.LastMessage = &m
}

type Message struct {
	ID             string        `json:"id" db:"id"`
	ClientID       string        `json:"clientId,omitempty" db:"client_id"`
	ConversationID string        `json:"conversationId" db:"conversation_id"`
	SenderID       string        `json:"senderId" db:"sender_id"`
	Content        string        `json:"content" db:"content"`
	Status         MessageStatus `json:"status" db:"status"`
	CreatedAt      time.Time     `json:"createdAt" db:"created_at"`
	ReadAt         *time.Time    `json:"readAt,omitempty" db:"read_at"`
}

// Page mirrors the paginated envelope returned by list endpoints.
type Page[T any] struct {
	Items      []T `json:"items"`
	Total      int `json:"total"`
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	TotalPages int `json:"totalPages"`
}

func (p Page[T]) HasMore() bool {
	return p.Page < p.TotalPages
}

// Request/Response structures
type RegisterRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Phone     string `json:"phone"`
	Role      Role   `json:"role"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

type CreatePropertyRequest struct {
	Title      string  `json:"title"`
	RentAmount float64 `json:"rentAmount"`
}

type StartConversationRequest struct {
	PropertyID string `json:"propertyId"`
}

type SendMessageRequest struct {
	Content  string `json:"content"`
	ClientID string `json:"clientId,omitempty"`
}

type UnreadCount struct {
	Count          int            `json:"count"`
	ByConversation map[string]int `json:"byConversation,omitempty"`
}

type APIResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *APIError       `json:"error,omitempty"`
}

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
