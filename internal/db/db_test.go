package db

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"renddirect/internal/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := NewDB(filepath.Join(t.TempDir(), "nested", "chat.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

type fixture struct {
	owner, tenant *models.User
	prop          *models.Property
	conv          *models.Conversation
}

func seed(t *testing.T, database *DB) fixture {
	t.Helper()
	owner, err := database.CreateUser(models.RegisterRequest{Email: "ravi@example.com", FirstName: "Ravi", Phone: "+91 1", Role: models.RoleOwner}, "hash")
	if err != nil {
		t.Fatal(err)
	}
	tenant, err := database.CreateUser(models.RegisterRequest{Email: "meera@example.com", FirstName: "Meera", Phone: "+91 2"}, "hash")
	if err != nil {
		t.Fatal(err)
	}
	prop, err := database.CreateProperty(owner.ID, models.CreatePropertyRequest{Title: "2BHK", RentAmount: 32000})
	if err != nil {
		t.Fatal(err)
	}
	conv, created, err := database.StartConversation(tenant.ID, prop.ID)
	if err != nil || !created {
		t.Fatalf("start = %v, %v", created, err)
	}
	return fixture{owner: owner, tenant: tenant, prop: prop, conv: conv}
}

func send(t *testing.T, database *DB, conv, sender, content, clientID string) *models.Message {
	t.Helper()
	m, _, err := database.SaveMessage(&models.Message{ConversationID: conv, SenderID: sender, Content: content, ClientID: clientID})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestUsers(t *testing.T) {
	database := newTestDB(t)
	u, err := database.CreateUser(models.RegisterRequest{Email: "a@example.com"}, "hash")
	if err != nil {
		t.Fatal(err)
	}
	if u.Role != models.RoleTenant {
		t.Fatalf("default role = %q", u.Role)
	}
	if _, err := database.CreateUser(models.RegisterRequest{Email: "a@example.com"}, "hash"); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate email = %v", err)
	}
	got, err := database.GetUserByEmail("a@example.com")
	if err != nil || got.ID != u.ID || got.Password != "hash" {
		t.Fatalf("by email = %+v, %v", got, err)
	}
	if _, err := database.GetUserByID("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing user = %v", err)
	}
}

func TestStartConversation(t *testing.T) {
	database := newTestDB(t)
	f := seed(t, database)

	again, created, err := database.StartConversation(f.tenant.ID, f.prop.ID)
	if err != nil || created || again.ID != f.conv.ID {
		t.Fatalf("restart = %+v created=%v err=%v", again, created, err)
	}
	if _, _, err := database.StartConversation(f.owner.ID, f.prop.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("owner start = %v", err)
	}
	if _, _, err := database.StartConversation(f.tenant.ID, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing property = %v", err)
	}

	c := f.conv
	if c.Property.Title != "2BHK" || c.Owner.FirstName != "Ravi" || c.Tenant.FirstName != "Meera" {
		t.Fatalf("conversation = %+v", c)
	}
	if c.Owner.Phone != "" || c.LastMessageAt != nil {
		t.Fatalf("fresh conversation leaked phone or has activity: %+v", c)
	}

	revealed, err := database.RevealPhone(c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !revealed.PhoneRevealed || revealed.Owner.Phone != "+91 1" {
		t.Fatalf("revealed = %+v", revealed)
	}
	if _, err := database.RevealPhone("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("reveal missing = %v", err)
	}
}

func TestSaveMessageIsIdempotentPerClientID(t *testing.T) {
	database := newTestDB(t)
	f := seed(t, database)

	m1, created, err := database.SaveMessage(&models.Message{ConversationID: f.conv.ID, SenderID: f.tenant.ID, Content: "hi", ClientID: "tmp-1"})
	if err != nil || !created {
		t.Fatalf("first save = %v, %v", created, err)
	}
	m2, created, err := database.SaveMessage(&models.Message{ConversationID: f.conv.ID, SenderID: f.tenant.ID, Content: "hi", ClientID: "tmp-1"})
	if err != nil || created || m2.ID != m1.ID {
		t.Fatalf("resave = %+v created=%v err=%v", m2, created, err)
	}
	if m1.Status != models.StatusSent || m1.CreatedAt.Location() != time.UTC {
		t.Fatalf("saved = %+v", m1)
	}

	c, err := database.GetConversation(f.conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if c.LastMessage == nil || c.LastMessage.ID != m1.ID || c.LastMessageAt == nil {
		t.Fatalf("last message = %+v", c.LastMessage)
	}
}

func TestMessagePagesNewestFirst(t *testing.T) {
	database := newTestDB(t)
	f := seed(t, database)
	for i := 1; i <= 5; i++ {
		send(t, database, f.conv.ID, f.tenant.ID, fmt.Sprintf("m%d", i), "")
	}

	page, total, err := database.GetConversationMessages(f.conv.ID, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if total != 5 || len(page) != 2 || page[0].Content != "m4" || page[1].Content != "m5" {
		t.Fatalf("page 1 = %+v total %d", page, total)
	}
	page, _, _ = database.GetConversationMessages(f.conv.ID, 3, 2)
	if len(page) != 1 || page[0].Content != "m1" {
		t.Fatalf("page 3 = %+v", page)
	}
	page, _, _ = database.GetConversationMessages(f.conv.ID, 4, 2)
	if len(page) != 0 {
		t.Fatalf("page past the end = %+v", page)
	}
}

func TestReceiptsAndUnread(t *testing.T) {
	database := newTestDB(t)
	f := seed(t, database)
	m1 := send(t, database, f.conv.ID, f.tenant.ID, "one", "")
	send(t, database, f.conv.ID, f.tenant.ID, "two", "")
	send(t, database, f.conv.ID, f.owner.ID, "reply", "")

	counts, err := database.UnreadCount(f.owner.ID)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Count != 2 || counts.ByConversation[f.conv.ID] != 2 {
		t.Fatalf("owner unread = %+v", counts)
	}

	ok, err := database.MarkDelivered(m1.ID)
	if err != nil || !ok {
		t.Fatalf("deliver = %v, %v", ok, err)
	}
	if ok, _ := database.MarkDelivered(m1.ID); ok {
		t.Fatal("delivered twice")
	}

	n, err := database.MarkRead(f.conv.ID, f.owner.ID, time.Now().UTC())
	if err != nil || n != 2 {
		t.Fatalf("mark read = %d, %v", n, err)
	}
	if ok, _ := database.MarkDelivered(m1.ID); ok {
		t.Fatal("READ message moved back to DELIVERED")
	}

	counts, _ = database.UnreadCount(f.owner.ID)
	if counts.Count != 0 {
		t.Fatalf("owner unread after read = %+v", counts)
	}
	counts, _ = database.UnreadCount(f.tenant.ID)
	if counts.Count != 1 {
		t.Fatalf("tenant unread = %+v", counts)
	}

	page, _, _ := database.GetConversationMessages(f.conv.ID, 1, 10)
	for _, m := range page {
		read := m.Status == models.StatusRead
		if (m.SenderID == f.tenant.ID) != read {
			t.Errorf("message %q status %s", m.Content, m.Status)
		}
		if read && m.ReadAt == nil {
			t.Errorf("message %q read without read_at", m.Content)
		}
	}
}

func TestConversationListOrder(t *testing.T) {
	database := newTestDB(t)
	f := seed(t, database)
	other, err := database.CreateProperty(f.owner.ID, models.CreatePropertyRequest{Title: "Studio"})
	if err != nil {
		t.Fatal(err)
	}
	quiet, _, err := database.StartConversation(f.tenant.ID, other.ID)
	if err != nil {
		t.Fatal(err)
	}
	send(t, database, f.conv.ID, f.tenant.ID, "hello", "")

	list, err := database.GetUserConversations(f.owner.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != f.conv.ID || list[1].ID != quiet.ID {
		t.Fatalf("order = %v", list)
	}
	if list[0].LastMessage == nil || list[1].LastMessage != nil {
		t.Fatal("last message attached to the wrong conversation")
	}
}
