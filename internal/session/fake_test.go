package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"renddirect/internal/models"
	"renddirect/internal/transport"
	"renddirect/internal/typing"
)

var start = time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)

type fakeAPI struct {
	mu         sync.Mutex
	convs      []models.Conversation
	history    map[string][]models.Message
	historyErr error
	sendErr    error
	sendGate   chan struct{}
	sent       []models.SendMessageRequest
	marked     []string
	unread     models.UnreadCount
	nextID     int

	// historyGate holds Messages for a conversation until the channel closes.
	historyGate map[string]chan struct{}
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{history: make(map[string][]models.Message), nextID: 100}
}

func (f *fakeAPI) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Conversation, len(f.convs))
	copy(out, f.convs)
	return out, nil
}

func (f *fakeAPI) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.convs {
		if c.ID == id {
			c := c
			return &c, nil
		}
	}
	return nil, errors.New("not found")
}

func (f *fakeAPI) StartConversation(ctx context.Context, propertyID string) (*models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := models.Conversation{ID: "conv-" + propertyID, PropertyID: propertyID, TenantID: "me", OwnerID: "owner"}
	f.convs = append(f.convs, c)
	return &c, nil
}

// Messages serves page 1 as the newest limit messages, ascending.
func (f *fakeAPI) Messages(ctx context.Context, id string, page, limit int) (*models.Page[models.Message], error) {
	f.mu.Lock()
	gate := f.historyGate[id]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	all := f.history[id]
	total := len(all)
	pages := (total + limit - 1) / limit
	end := total - (page-1)*limit
	begin := end - limit
	if begin < 0 {
		begin = 0
	}
	var items []models.Message
	if end > 0 {
		items = append(items, all[begin:end]...)
	}
	return &models.Page[models.Message]{Items: items, Total: total, Page: page, Limit: limit, TotalPages: pages}, nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, id, content, clientID string) (*models.Message, error) {
	f.mu.Lock()
	gate := f.sendGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, models.SendMessageRequest{Content: content, ClientID: clientID})
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	m := models.Message{
		ID:             fmt.Sprintf("m-%d", f.nextID),
		ClientID:       clientID,
		ConversationID: id,
		SenderID:       "me",
		Content:        content,
		Status:         models.StatusSent,
		CreatedAt:      start.Add(time.Hour),
	}
	f.nextID++
	return &m, nil
}

func (f *fakeAPI) MarkRead(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, id)
	return nil
}

func (f *fakeAPI) RevealPhone(ctx context.Context, id string) (*models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.convs {
		if f.convs[i].ID == id {
			f.convs[i].PhoneRevealed = true
			f.convs[i].Owner.Phone = "+91 98450 00000"
			c := f.convs[i]
			return &c, nil
		}
	}
	return nil, errors.New("not found")
}

func (f *fakeAPI) UnreadCount(ctx context.Context) (*models.UnreadCount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.unread
	return &u, nil
}

func (f *fakeAPI) set(fn func(f *fakeAPI)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type harness struct {
	s     *Session
	lb    *transport.Loopback
	api   *fakeAPI
	sched *typing.ManualScheduler
}

func newHarness(t *testing.T, api *fakeAPI) *harness {
	t.Helper()
	lb := transport.NewLoopback()
	sched := typing.NewManualScheduler(start.Add(2 * time.Hour))
	n := 0
	s, err := New(api, lb, Config{
		UserID:    "me",
		PageSize:  3,
		Scheduler: sched,
		Now:       sched.Now,
		NewClientID: func() string {
			n++
			return fmt.Sprintf("tmp-%d", n)
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	t.Cleanup(cancel)
	if err := lb.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	return &harness{s: s, lb: lb, api: api, sched: sched}
}

// eventually polls the view until cond holds.
func (h *harness) eventually(t *testing.T, what string, cond func(View) bool) View {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		if err := h.s.Sync(); err != nil {
			t.Fatal(err)
		}
		v := h.s.Snapshot()
		if cond(v) {
			return v
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; view %+v", what, v)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (h *harness) inject(t *testing.T, event string, payload interface{}) {
	t.Helper()
	if _, err := h.lb.Inject(event, payload); err != nil {
		t.Fatal(err)
	}
	h.s.Sync()
}

// commands returns the emitted commands of the given kinds.
func (h *harness) commands(kinds ...string) []string {
	want := map[string]bool{}
	for _, k := range kinds {
		want[k] = true
	}
	var out []string
	for _, c := range h.lb.Commands() {
		for k := range want {
			if len(c) > len(k) && c[:len(k)+1] == k+":" {
				out = append(out, c)
			}
		}
	}
	return out
}

func peerMsg(conv, id string, minute int) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       "peer-" + conv,
		Content:        "hello " + id,
		Status:         models.StatusSent,
		CreatedAt:      start.Add(time.Duration(minute) * time.Minute),
	}
}

func conv(id string) models.Conversation {
	return models.Conversation{
		ID:       id,
		OwnerID:  "peer-" + id,
		TenantID: "me",
		Owner:    models.Participant{ID: "peer-" + id, FirstName: "Owner", LastName: id},
		Tenant:   models.Participant{ID: "me", FirstName: "Me"},
		Property: models.Property{ID: "p-" + id, Title: "Flat " + id},
	}
}

func activeLen(v View) int {
	if v.Active == nil {
		return -1
	}
	return len(v.Active.Messages)
}
