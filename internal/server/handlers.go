package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	gorilla "github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"renddirect/internal/config"
	"renddirect/internal/db"
	"renddirect/internal/models"
	"renddirect/internal/websocket"
)

type contextKey string

const (
	userContextKey contextKey = "user"

	cookieName      = "auth_token"
	tokenTTL        = 30 * 24 * time.Hour
	maxContentBytes = 4000
	defaultLimit    = 50
	maxLimit        = 100
)

type Handlers struct {
	cfg      *config.Config
	db       *db.DB
	hub      *websocket.Hub
	logger   *zap.Logger
	upgrader gorilla.Upgrader
}

func NewHandlers(cfg *config.Config, database *db.DB, hub *websocket.Hub, logger *zap.Logger) *Handlers {
	h := &Handlers{cfg: cfg, db: database, hub: hub, logger: logger.Named("handlers")}
	h.upgrader = gorilla.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			// native clients send no origin
			return origin == "" || origin == cfg.AllowedOrigin
		},
	}
	return h
}

// roomBackend lets the hub consult the store.
type roomBackend struct {
	db *db.DB
}

func (b roomBackend) Participants(conversationID string) ([]string, error) {
	conv, err := b.db.GetConversation(conversationID)
	if err != nil {
		return nil, err
	}
	return []string{conv.OwnerID, conv.TenantID}, nil
}

func (b roomBackend) MarkRead(conversationID, readerID string, at time.Time) error {
	_, err := b.db.MarkRead(conversationID, readerID, at)
	return err
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "Failed to encode response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(models.APIResponse{Success: true, Data: raw})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(models.APIResponse{
		Success: false,
		Message: message,
		Error:   &models.APIError{Code: code, Message: message},
	})
}

// writeStoreError maps store sentinels onto HTTP statuses.
func (h *Handlers) writeStoreError(w http.ResponseWriter, err error, what string) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", what+" not found")
	case errors.Is(err, db.ErrConflict):
		writeError(w, http.StatusConflict, "CONFLICT", err.Error())
	default:
		h.logger.Error("store error", zap.String("what", what), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL", "Internal server error")
	}
}

func (h *Handlers) signToken(userID string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"exp":     time.Now().Add(tokenTTL).Unix(),
	})
	return token.SignedString([]byte(h.cfg.JWTSecret))
}

func (h *Handlers) parseToken(raw string) (string, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(h.cfg.JWTSecret), nil
	})
	if err != nil || !token.Valid {
		return "", errors.New("invalid token")
	}
	// MapClaims.Valid already rejects an expired exp; a token without one is refused too.
	if _, ok := claims["exp"].(float64); !ok {
		return "", errors.New("token has no expiry")
	}
	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return "", errors.New("invalid user ID in token")
	}
	return userID, nil
}

// tokenFrom reads the bearer header, then the auth cookie.
func tokenFrom(r *http.Request) string {
	if v := r.Header.Get("Authorization"); strings.HasPrefix(v, "Bearer ") {
		return strings.TrimPrefix(v, "Bearer ")
	}
	if cookie, err := r.Cookie(cookieName); err == nil {
		return cookie.Value
	}
	return ""
}

func currentUser(r *http.Request) *models.User {
	user, _ := r.Context().Value(userContextKey).(*models.User)
	return user
}

// Middleware
func (h *Handlers) WithAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := tokenFrom(r)
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized")
			return
		}
		userID, err := h.parseToken(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
			return
		}
		user, err := h.db.GetUserByID(userID)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "User not found")
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handlers) WithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", h.cfg.AllowedOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Credentials", "true")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Auth handlers
func (h *Handlers) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid request body")
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || len(req.Password) < 6 {
		writeError(w, http.StatusBadRequest, "VALIDATION", "Email and a password of at least 6 characters are required")
		return
	}
	if req.Role != "" && req.Role != models.RoleOwner && req.Role != models.RoleTenant {
		writeError(w, http.StatusBadRequest, "VALIDATION", "Unknown role")
		return
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "Internal server error")
		return
	}

	user, err := h.db.CreateUser(req, string(hashedPassword))
	if err != nil {
		if errors.Is(err, db.ErrConflict) {
			writeError(w, http.StatusConflict, "CONFLICT", "Email already registered")
			return
		}
		h.writeStoreError(w, err, "user")
		return
	}
	h.issueSession(w, user, http.StatusCreated)
}

func (h *Handlers) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid request body")
		return
	}

	user, err := h.db.GetUserByEmail(strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid credentials")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); err != nil {
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid credentials")
		return
	}
	h.issueSession(w, user, http.StatusOK)
}

func (h *Handlers) issueSession(w http.ResponseWriter, user *models.User, status int) {
	tokenString, err := h.signToken(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "Failed to create token")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    tokenString,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(tokenTTL / time.Second),
	})

	user.Password = ""
	writeJSON(w, status, models.LoginResponse{Token: tokenString, User: *user})
}

func (h *Handlers) HandleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	writeJSON(w, http.StatusOK, nil)
}

func (h *Handlers) HandleMe(w http.ResponseWriter, r *http.Request) {
	user := *currentUser(r)
	user.Password = ""
	writeJSON(w, http.StatusOK, user)
}

func (h *Handlers) HandleCreateProperty(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	if user.Role != models.RoleOwner {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Only owners can list properties")
		return
	}
	var req models.CreatePropertyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION", "A title is required")
		return
	}
	p, err := h.db.CreateProperty(user.ID, req)
	if err != nil {
		h.writeStoreError(w, err, "property")
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// Conversation handlers
func (h *Handlers) HandleConversations(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	conversations, err := h.db.GetUserConversations(user.ID)
	if err != nil {
		h.writeStoreError(w, err, "conversations")
		return
	}
	h.logger.Debug("listed conversations", zap.String("user", user.ID), zap.Int("count", len(conversations)))
	writeJSON(w, http.StatusOK, conversations)
}

func (h *Handlers) HandleStartConversation(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	var req models.StartConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PropertyID == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION", "propertyId is required")
		return
	}

	conv, created, err := h.db.StartConversation(user.ID, req.PropertyID)
	if err != nil {
		h.writeStoreError(w, err, "property")
		return
	}
	if !created {
		writeJSON(w, http.StatusOK, conv)
		return
	}
	h.hub.SendToUser(conv.OwnerID, models.EventConversationUpdated, models.ConversationUpdatedEvent{Conversation: *conv})
	writeJSON(w, http.StatusCreated, conv)
}

// conversationFor loads the conversation named in the path and checks that
// the caller takes part in it.
func (h *Handlers) conversationFor(w http.ResponseWriter, r *http.Request) (*models.Conversation, *models.User, bool) {
	user := currentUser(r)
	conv, err := h.db.GetConversation(r.PathValue("id"))
	if err != nil {
		h.writeStoreError(w, err, "conversation")
		return nil, nil, false
	}
	if conv.OwnerID != user.ID && conv.TenantID != user.ID {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Not a participant of this conversation")
		return nil, nil, false
	}
	return conv, user, true
}

func (h *Handlers) HandleConversation(w http.ResponseWriter, r *http.Request) {
	conv, _, ok := h.conversationFor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *Handlers) HandleMessages(w http.ResponseWriter, r *http.Request) {
	conv, _, ok := h.conversationFor(w, r)
	if !ok {
		return
	}
	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", defaultLimit)
	if limit > maxLimit {
		limit = maxLimit
	}

	messages, total, err := h.db.GetConversationMessages(conv.ID, page, limit)
	if err != nil {
		h.writeStoreError(w, err, "messages")
		return
	}
	writeJSON(w, http.StatusOK, models.Page[models.Message]{
		Items:      messages,
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: (total + limit - 1) / limit,
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n < 1 {
		return fallback
	}
	return n
}

func (h *Handlers) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	conv, user, ok := h.conversationFor(w, r)
	if !ok {
		return
	}
	var req models.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid request body")
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION", "Message content is required")
		return
	}
	if len(content) > maxContentBytes {
		writeError(w, http.StatusBadRequest, "VALIDATION", "Message is too long")
		return
	}

	msg, created, err := h.db.SaveMessage(&models.Message{
		ClientID:       req.ClientID,
		ConversationID: conv.ID,
		SenderID:       user.ID,
		Content:        content,
	})
	if err != nil {
		h.writeStoreError(w, err, "message")
		return
	}
	if !created {
		writeJSON(w, http.StatusOK, msg)
		return
	}

	participants := []string{conv.OwnerID, conv.TenantID}
	h.hub.SendToConversation(participants, models.EventNewMessage, models.NewMessageEvent{
		ConversationID: conv.ID,
		Message:        *msg,
	})

	recipient := conv.Peer(user.ID).ID
	if h.hub.Online(recipient) {
		if ok, err := h.db.MarkDelivered(msg.ID); err != nil {
			h.logger.Warn("mark delivered failed", zap.String("message", msg.ID), zap.Error(err))
		} else if ok {
			msg.Status = models.StatusDelivered
			h.hub.SendToConversation(participants, models.EventMessageDelivered, models.DeliveredEvent{
				ConversationID: conv.ID,
				MessageID:      msg.ID,
				DeliveredAt:    time.Now().UTC(),
			})
		}
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *Handlers) HandleMarkRead(w http.ResponseWriter, r *http.Request) {
	conv, user, ok := h.conversationFor(w, r)
	if !ok {
		return
	}
	at := time.Now().UTC()
	n, err := h.db.MarkRead(conv.ID, user.ID, at)
	if err != nil {
		h.writeStoreError(w, err, "conversation")
		return
	}
	if n > 0 {
		h.hub.SendToConversation([]string{conv.OwnerID, conv.TenantID}, models.EventMessagesRead, models.ReadEvent{
			ConversationID: conv.ID,
			ReaderID:       user.ID,
			ReadAt:         at,
		})
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": n})
}

func (h *Handlers) HandleRevealPhone(w http.ResponseWriter, r *http.Request) {
	conv, _, ok := h.conversationFor(w, r)
	if !ok {
		return
	}
	if !conv.PhoneRevealed {
		updated, err := h.db.RevealPhone(conv.ID)
		if err != nil {
			h.writeStoreError(w, err, "conversation")
			return
		}
		conv = updated
		h.hub.SendToConversation([]string{conv.OwnerID, conv.TenantID}, models.EventConversationUpdated,
			models.ConversationUpdatedEvent{Conversation: *conv})
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *Handlers) HandleUnreadCount(w http.ResponseWriter, r *http.Request) {
	counts, err := h.db.UnreadCount(currentUser(r).ID)
	if err != nil {
		h.writeStoreError(w, err, "unread count")
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// WebSocket handler
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	raw := tokenFrom(r)
	if raw == "" {
		raw = r.URL.Query().Get("token")
	}
	userID, err := h.parseToken(raw)
	if err != nil {
		h.logger.Info("websocket auth failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if _, err := h.db.GetUserByID(userID); err != nil {
		http.Error(w, "User not found", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	client := websocket.NewClient(h.hub, conn, userID)
	if !h.hub.Attach(client) {
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}
