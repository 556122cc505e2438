package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"renddirect/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

type DB struct {
	*sql.DB
	logger *zap.Logger
}

func NewDB(dbPath string, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dbPath != ":memory:" {
		// Create the database directory if it doesn't exist
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("error creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	// one writer keeps sqlite from returning SQLITE_BUSY under load
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	if err := initSchema(db); err != nil {
		return nil, fmt.Errorf("error initializing schema: %w", err)
	}

	return &DB{DB: db, logger: logger.Named("db")}, nil
}

func initSchema(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL,
			first_name TEXT NOT NULL DEFAULT '',
			last_name TEXT NOT NULL DEFAULT '',
			phone TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS properties (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL REFERENCES users(id),
			title TEXT NOT NULL,
			rent_amount REAL NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL REFERENCES users(id),
			tenant_id TEXT NOT NULL REFERENCES users(id),
			property_id TEXT NOT NULL REFERENCES properties(id),
			phone_revealed INTEGER NOT NULL DEFAULT 0,
			is_flagged INTEGER NOT NULL DEFAULT 0,
			deal_id TEXT NOT NULL DEFAULT '',
			deal_status TEXT NOT NULL DEFAULT '',
			last_message_at DATETIME,
			created_at DATETIME NOT NULL,
			UNIQUE (tenant_id, property_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			client_id TEXT NOT NULL DEFAULT '',
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			sender_id TEXT NOT NULL REFERENCES users(id),
			content TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			read_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, created_at)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}

	return nil
}

func isConstraint(err error) bool {
	var sqlErr sqlite3.Error
	return errors.As(err, &sqlErr) && sqlErr.Code == sqlite3.ErrConstraint
}

func now() time.Time {
	return time.Now().UTC()
}

// User methods
func (db *DB) CreateUser(req models.RegisterRequest, passwordHash string) (*models.User, error) {
	user := &models.User{
		ID:        uuid.NewString(),
		Email:     req.Email,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Phone:     req.Phone,
		Role:      req.Role,
		CreatedAt: now(),
	}
	if user.Role == "" {
		user.Role = models.RoleTenant
	}
	_, err := db.Exec(
		`INSERT INTO users (id, email, password, first_name, last_name, phone, role, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		user.ID, user.Email, passwordHash, user.FirstName, user.LastName, user.Phone, user.Role, user.CreatedAt,
	)
	if err != nil {
		if isConstraint(err) {
			return nil, fmt.Errorf("user %s: %w", req.Email, ErrConflict)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

const userColumns = `id, email, password, first_name, last_name, phone, role, created_at`

func scanUser(row *sql.Row) (*models.User, error) {
	user := &models.User{}
	err := row.Scan(&user.ID, &user.Email, &user.Password, &user.FirstName, &user.LastName, &user.Phone, &user.Role, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("database error: %w", err)
	}
	return user, nil
}

func (db *DB) GetUserByEmail(email string) (*models.User, error) {
	user, err := scanUser(db.QueryRow(`SELECT `+userColumns+` FROM users WHERE email = ?`, email))
	if err != nil {
		db.logger.Debug("user lookup failed", zap.String("email", email), zap.Error(err))
		return nil, err
	}
	return user, nil
}

func (db *DB) GetUserByID(id string) (*models.User, error) {
	return scanUser(db.QueryRow(`SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

// Property methods
func (db *DB) CreateProperty(ownerID string, req models.CreatePropertyRequest) (*models.Property, error) {
	p := &models.Property{ID: uuid.NewString(), Title: req.Title, RentAmount: req.RentAmount}
	_, err := db.Exec(
		`INSERT INTO properties (id, owner_id, title, rent_amount, created_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID, ownerID, p.Title, p.RentAmount, now(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create property: %w", err)
	}
	return p, nil
}

// Conversation methods

// StartConversation returns the tenant's conversation about a property,
// creating it on first contact.
func (db *DB) StartConversation(tenantID, propertyID string) (*models.Conversation, bool, error) {
	var ownerID string
	err := db.QueryRow(`SELECT owner_id FROM properties WHERE id = ?`, propertyID).Scan(&ownerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, fmt.Errorf("property %s: %w", propertyID, ErrNotFound)
		}
		return nil, false, fmt.Errorf("failed to look up property: %w", err)
	}
	if ownerID == tenantID {
		return nil, false, fmt.Errorf("owner cannot message own listing: %w", ErrConflict)
	}

	var existing string
	err = db.QueryRow(`SELECT id FROM conversations WHERE tenant_id = ? AND property_id = ?`, tenantID, propertyID).Scan(&existing)
	switch {
	case err == nil:
		conv, err := db.GetConversation(existing)
		return conv, false, err
	case !errors.Is(err, sql.ErrNoRows):
		return nil, false, fmt.Errorf("failed to check existing conversation: %w", err)
	}

	id := uuid.NewString()
	_, err = db.Exec(
		`INSERT INTO conversations (id, owner_id, tenant_id, property_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, ownerID, tenantID, propertyID, now(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create conversation: %w", err)
	}
	conv, err := db.GetConversation(id)
	return conv, true, err
}

const conversationQuery = `
	SELECT c.id, c.owner_id, c.tenant_id, c.property_id, c.phone_revealed, c.is_flagged,
		c.deal_id, c.deal_status, c.last_message_at,
		p.title, p.rent_amount,
		o.first_name, o.last_name, o.phone,
		t.first_name, t.last_name, t.phone
	FROM conversations c
	JOIN properties p ON p.id = c.property_id
	JOIN users o ON o.id = c.owner_id
	JOIN users t ON t.id = c.tenant_id`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConversation(row rowScanner) (*models.Conversation, error) {
	c := &models.Conversation{}
	var lastAt sql.NullTime
	var ownerPhone, tenantPhone string
	err := row.Scan(&c.ID, &c.OwnerID, &c.TenantID, &c.PropertyID, &c.PhoneRevealed, &c.IsFlagged,
		&c.DealID, &c.DealStatus, &lastAt,
		&c.Property.Title, &c.Property.RentAmount,
		&c.Owner.FirstName, &c.Owner.LastName, &ownerPhone,
		&c.Tenant.FirstName, &c.Tenant.LastName, &tenantPhone)
	if err != nil {
		return nil, err
	}
	c.Property.ID = c.PropertyID
	c.Owner.ID = c.OwnerID
	c.Tenant.ID = c.TenantID
	if c.PhoneRevealed {
		c.Owner.Phone = ownerPhone
		c.Tenant.Phone = tenantPhone
	}
	if lastAt.Valid {
		t := lastAt.Time
		c.LastMessageAt = &t
	}
	return c, nil
}

func (db *DB) GetConversation(id string) (*models.Conversation, error) {
	c, err := scanConversation(db.QueryRow(conversationQuery+` WHERE c.id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to fetch conversation: %w", err)
	}
	if err := db.attachLastMessage(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (db *DB) GetUserConversations(userID string) ([]models.Conversation, error) {
	rows, err := db.Query(conversationQuery+`
		WHERE c.owner_id = ? OR c.tenant_id = ?
		ORDER BY c.last_message_at IS NULL, c.last_message_at DESC, c.created_at DESC`, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	conversations := []models.Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conversations = append(conversations, *c)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversations: %w", err)
	}
	rows.Close()

	for i := range conversations {
		if err := db.attachLastMessage(&conversations[i]); err != nil {
			return nil, err
		}
	}
	return conversations, nil
}

func (db *DB) attachLastMessage(c *models.Conversation) error {
	if c.LastMessageAt == nil {
		return nil
	}
	m, err := scanMessage(db.QueryRow(`SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, c.ID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("failed to fetch last message: %w", err)
	}
	c.LastMessage = m
	return nil
}

func (db *DB) RevealPhone(conversationID string) (*models.Conversation, error) {
	res, err := db.Exec(`UPDATE conversations SET phone_revealed = 1 WHERE id = ?`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to reveal phone: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	return db.GetConversation(conversationID)
}

// Message methods

const messageColumns = `id, client_id, conversation_id, sender_id, content, status, created_at, read_at`

func scanMessage(row rowScanner) (*models.Message, error) {
	m := &models.Message{}
	var readAt sql.NullTime
	if err := row.Scan(&m.ID, &m.ClientID, &m.ConversationID, &m.SenderID, &m.Content, &m.Status, &m.CreatedAt, &readAt); err != nil {
		return nil, err
	}
	if readAt.Valid {
		t := readAt.Time
		m.ReadAt = &t
	}
	return m, nil
}

// SaveMessage persists a message and moves the conversation's last-message
// time. A repeated client id from the same sender returns the stored record.
func (db *DB) SaveMessage(message *models.Message) (*models.Message, bool, error) {
	if message.ClientID != "" {
		existing, err := scanMessage(db.QueryRow(`SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = ? AND sender_id = ? AND client_id = ?`,
			message.ConversationID, message.SenderID, message.ClientID))
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, false, fmt.Errorf("failed to check client id: %w", err)
		}
	}

	message.ID = uuid.NewString()
	message.Status = models.StatusSent
	message.CreatedAt = now()

	tx, err := db.Begin()
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO messages (id, client_id, conversation_id, sender_id, content, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		message.ID, message.ClientID, message.ConversationID, message.SenderID, message.Content, message.Status, message.CreatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to save message: %w", err)
	}
	if _, err := tx.Exec(`UPDATE conversations SET last_message_at = ? WHERE id = ?`, message.CreatedAt, message.ConversationID); err != nil {
		return nil, false, fmt.Errorf("failed to touch conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return message, true, nil
}

// GetConversationMessages returns one page of history. Page 1 holds the
// newest messages; items are returned oldest first.
func (db *DB) GetConversationMessages(conversationID string, page, limit int) ([]models.Message, int, error) {
	var total int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count messages: %w", err)
	}

	rows, err := db.Query(`SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?`, conversationID, limit, (page-1)*limit)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating messages: %w", err)
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, total, nil
}

// MarkDelivered advances a SENT message to DELIVERED.
func (db *DB) MarkDelivered(messageID string) (bool, error) {
	res, err := db.Exec(`UPDATE messages SET status = ? WHERE id = ? AND status = ?`,
		models.StatusDelivered, messageID, models.StatusSent)
	if err != nil {
		return false, fmt.Errorf("failed to mark delivered: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkRead marks every message readerID received in the conversation up to
// at as READ and returns how many changed.
func (db *DB) MarkRead(conversationID, readerID string, at time.Time) (int64, error) {
	res, err := db.Exec(`UPDATE messages SET status = ?, read_at = ?
		WHERE conversation_id = ? AND sender_id != ? AND status != ? AND created_at <= ?`,
		models.StatusRead, at, conversationID, readerID, models.StatusRead, at)
	if err != nil {
		return 0, fmt.Errorf("failed to mark read: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// UnreadCount counts messages addressed to userID that are not READ.
func (db *DB) UnreadCount(userID string) (*models.UnreadCount, error) {
	rows, err := db.Query(`
		SELECT m.conversation_id, COUNT(*)
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE (c.owner_id = ? OR c.tenant_id = ?) AND m.sender_id != ? AND m.status != ?
		GROUP BY m.conversation_id`, userID, userID, userID, models.StatusRead)
	if err != nil {
		return nil, fmt.Errorf("failed to count unread: %w", err)
	}
	defer rows.Close()

	out := &models.UnreadCount{ByConversation: map[string]int{}}
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("failed to scan unread: %w", err)
		}
		out.ByConversation[id] = n
		out.Count += n
	}
	return out, rows.Err()
}
