package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"renddirect/internal/api"
	"renddirect/internal/config"
	"renddirect/internal/db"
	"renddirect/internal/models"
	"renddirect/internal/session"
	"renddirect/internal/transport"
)

type testEnv struct {
	ts  *httptest.Server
	srv *Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	database, err := db.NewDB(filepath.Join(t.TempDir(), "chat.db"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{JWTSecret: "test-secret", AllowedOrigin: "http://localhost:3000"}
	srv := New(cfg, database, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Hub().Run(ctx)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		database.Close()
	})
	return &testEnv{ts: ts, srv: srv}
}

func (e *testEnv) register(t *testing.T, email string, role models.Role) (*api.Client, models.User) {
	t.Helper()
	c := api.New(e.ts.URL+"/api", "")
	res, err := c.Register(context.Background(), models.RegisterRequest{
		Email:     email,
		Password:  "secret123",
		FirstName: strings.Split(email, "@")[0],
		LastName:  "Test",
		Phone:     "+91 98450 " + fmt.Sprint(len(email)),
		Role:      role,
	})
	if err != nil {
		t.Fatalf("register %s: %v", email, err)
	}
	c.SetToken(res.Token)
	return c, res.User
}

func statusOf(err error) int {
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

func TestAuth(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, user := env.register(t, "asha@example.com", models.RoleTenant)

	anon := api.New(env.ts.URL+"/api", "")
	if _, err := anon.Me(ctx); statusOf(err) != http.StatusUnauthorized {
		t.Fatalf("anonymous me = %v", err)
	}
	if _, err := anon.Register(ctx, models.RegisterRequest{Email: "ASHA@example.com", Password: "secret123"}); statusOf(err) != http.StatusConflict {
		t.Fatalf("duplicate register = %v", err)
	}
	if _, err := anon.Login(ctx, "asha@example.com", "wrong-password"); statusOf(err) != http.StatusUnauthorized {
		t.Fatalf("bad login = %v", err)
	}

	res, err := anon.Login(ctx, "asha@example.com", "secret123")
	if err != nil {
		t.Fatal(err)
	}
	me, err := anon.Me(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if me.ID != user.ID || res.User.Password != "" {
		t.Fatalf("me = %+v", me)
	}
	id, err := session.UserIDFromToken(res.Token)
	if err != nil || id != user.ID {
		t.Fatalf("token user = %q, %v", id, err)
	}
}

func TestConversationFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner, _ := env.register(t, "ravi@example.com", models.RoleOwner)
	tenant, _ := env.register(t, "meera@example.com", models.RoleTenant)
	stranger, _ := env.register(t, "ken@example.com", models.RoleTenant)

	if _, err := tenant.CreateProperty(ctx, "Flat", 1); statusOf(err) != http.StatusForbidden {
		t.Fatalf("tenant create property = %v", err)
	}
	prop, err := owner.CreateProperty(ctx, "2BHK in Indiranagar", 32000)
	if err != nil {
		t.Fatal(err)
	}

	conv, err := tenant.StartConversation(ctx, prop.ID)
	if err != nil {
		t.Fatal(err)
	}
	again, err := tenant.StartConversation(ctx, prop.ID)
	if err != nil || again.ID != conv.ID {
		t.Fatalf("second start = %v, %v", again, err)
	}
	if _, err := owner.StartConversation(ctx, prop.ID); statusOf(err) != http.StatusConflict {
		t.Fatalf("owner start = %v", err)
	}
	if conv.Owner.Phone != "" {
		t.Fatal("owner phone visible before reveal")
	}

	m1, err := tenant.SendMessage(ctx, conv.ID, "Is it still available?", "tmp-1")
	if err != nil {
		t.Fatal(err)
	}
	dup, err := tenant.SendMessage(ctx, conv.ID, "Is it still available?", "tmp-1")
	if err != nil || dup.ID != m1.ID {
		t.Fatalf("resend with same client id = %v, %v", dup, err)
	}
	if m1.ClientID != "tmp-1" || m1.Status != models.StatusSent {
		t.Fatalf("persisted = %+v", m1)
	}
	if _, err := tenant.SendMessage(ctx, conv.ID, "   ", "tmp-2"); statusOf(err) != http.StatusBadRequest {
		t.Fatalf("blank send = %v", err)
	}
	if _, err := stranger.GetConversation(ctx, conv.ID); statusOf(err) != http.StatusForbidden {
		t.Fatalf("stranger get = %v", err)
	}

	counts, err := owner.UnreadCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Count != 1 || counts.ByConversation[conv.ID] != 1 {
		t.Fatalf("owner unread = %+v", counts)
	}
	if counts, _ := tenant.UnreadCount(ctx); counts.Count != 0 {
		t.Fatalf("own message counted unread: %+v", counts)
	}

	list, err := owner.ListConversations(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].LastMessage == nil || list[0].LastMessage.ID != m1.ID {
		t.Fatalf("owner list = %+v", list)
	}

	if err := owner.MarkRead(ctx, conv.ID); err != nil {
		t.Fatal(err)
	}
	if counts, _ := owner.UnreadCount(ctx); counts.Count != 0 {
		t.Fatalf("unread after read = %+v", counts)
	}
	page, err := tenant.Messages(ctx, conv.ID, 1, 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 1 || page.Items[0].Status != models.StatusRead || page.Items[0].ReadAt == nil {
		t.Fatalf("history after read = %+v", page.Items)
	}

	revealed, err := tenant.RevealPhone(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !revealed.PhoneRevealed || revealed.Owner.Phone == "" {
		t.Fatalf("reveal = %+v", revealed)
	}
}

func TestMessagePages(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	owner, _ := env.register(t, "ravi@example.com", models.RoleOwner)
	tenant, _ := env.register(t, "meera@example.com", models.RoleTenant)
	prop, _ := owner.CreateProperty(ctx, "Studio", 15000)
	conv, err := tenant.StartConversation(ctx, prop.ID)
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 5; i++ {
		if _, err := tenant.SendMessage(ctx, conv.ID, fmt.Sprintf("m%d", i), ""); err != nil {
			t.Fatal(err)
		}
	}

	contents := func(p *models.Page[models.Message]) string {
		var out []string
		for _, m := range p.Items {
			out = append(out, m.Content)
		}
		return strings.Join(out, ",")
	}

	first, err := owner.Messages(ctx, conv.ID, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if contents(first) != "m4,m5" || first.Total != 5 || first.TotalPages != 3 || !first.HasMore() {
		t.Fatalf("page 1 = %s %+v", contents(first), first)
	}
	last, err := owner.Messages(ctx, conv.ID, 3, 2)
	if err != nil {
		t.Fatal(err)
	}
	if contents(last) != "m1" || last.HasMore() {
		t.Fatalf("page 3 = %s", contents(last))
	}
}

func waitView(t *testing.T, s *session.Session, what string, cond func(session.View) bool) session.View {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := s.Sync(); err != nil {
			t.Fatal(err)
		}
		v := s.Snapshot()
		if cond(v) {
			return v
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; view %+v", what, v)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (e *testEnv) openSession(t *testing.T, c *api.Client) *session.Session {
	t.Helper()
	tr := transport.NewClient(transport.Options{
		URL:   "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws",
		Token: c.Token(),
	})
	s, err := session.New(c, tr, session.Config{Token: c.Token(), TypingDebounce: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	t.Cleanup(func() {
		cancel()
		tr.Close()
	})
	if err := s.Open(ctx); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSessionsEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ownerAPI, owner := env.register(t, "ravi@example.com", models.RoleOwner)
	tenantAPI, _ := env.register(t, "meera@example.com", models.RoleTenant)
	prop, err := ownerAPI.CreateProperty(ctx, "2BHK in Indiranagar", 32000)
	if err != nil {
		t.Fatal(err)
	}
	conv, err := tenantAPI.StartConversation(ctx, prop.ID)
	if err != nil {
		t.Fatal(err)
	}

	tenant := env.openSession(t, tenantAPI)
	ownerS := env.openSession(t, ownerAPI)
	waitView(t, ownerS, "owner inbox", func(v session.View) bool {
		_, ok := v.Conversation(conv.ID)
		return ok && v.State == transport.StateConnected
	})

	tenant.Select(conv.ID)
	waitView(t, tenant, "tenant room", func(v session.View) bool {
		return v.Active != nil && v.Active.Known && !v.Active.Loading
	})

	if _, err := tenant.Send("Is it still available?"); err != nil {
		t.Fatal(err)
	}

	// owner is online but elsewhere: counted unread, and the sender sees DELIVERED
	waitView(t, ownerS, "owner unread badge", func(v session.View) bool {
		c, _ := v.Conversation(conv.ID)
		return v.Unread == 1 && c.Unread == 1 && c.Preview == "Is it still available?"
	})
	waitView(t, tenant, "delivered tick", func(v session.View) bool {
		ms := v.Active.Messages
		return len(ms) == 1 && !ms[0].Pending && ms[0].Status == models.StatusDelivered
	})

	ownerS.Select(conv.ID)
	waitView(t, ownerS, "owner read", func(v session.View) bool {
		return v.Unread == 0 && v.Active != nil && len(v.Active.Messages) == 1
	})
	waitView(t, tenant, "read tick", func(v session.View) bool {
		ms := v.Active.Messages
		return len(ms) == 1 && ms[0].Status == models.StatusRead
	})

	deadline := time.Now().Add(5 * time.Second)
	for env.srv.Hub().RoomSize(conv.ID) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("both sessions never joined the room")
		}
		time.Sleep(5 * time.Millisecond)
	}
	tenant.Keystroke()
	waitView(t, ownerS, "peer typing", func(v session.View) bool {
		return v.Active.PeerTyping
	})

	if _, err := ownerS.Send("Yes, come by on Saturday"); err != nil {
		t.Fatal(err)
	}
	v := waitView(t, tenant, "reply", func(v session.View) bool {
		return len(v.Active.Messages) == 2 && !v.Active.PeerTyping
	})
	if got := v.Active.Messages[1]; got.SenderID != owner.ID || got.Mine {
		t.Fatalf("reply = %+v", got)
	}
	if v.Unread != 0 {
		t.Fatalf("reply in the open conversation counted unread: %d", v.Unread)
	}
}
