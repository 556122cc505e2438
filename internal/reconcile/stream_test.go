package reconcile

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"renddirect/internal/models"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func msg(id string, sec int) models.Message {
	return models.Message{
		ID:        id,
		SenderID:  "peer",
		Content:   "body " + id,
		Status:    models.StatusSent,
		CreatedAt: t0.Add(time.Duration(sec) * time.Second),
	}
}

func ids(s *Stream) string {
	var out []string
	for _, m := range s.Messages() {
		out = append(out, m.ID)
	}
	return strings.Join(out, ",")
}

func assertUnique(t *testing.T, s *Stream) {
	t.Helper()
	seen := map[string]bool{}
	for _, m := range s.Messages() {
		if seen[m.ID] {
			t.Fatalf("duplicate id %s in %s", m.ID, ids(s))
		}
		seen[m.ID] = true
	}
}

func assertOrdered(t *testing.T, s *Stream) {
	t.Helper()
	msgs := s.Messages()
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatalf("out of order at %d: %s", i, ids(s))
		}
	}
}

func TestApplyRemoteIsIdempotent(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	s := NewStream("c1")
	for i := 0; i < 500; i++ {
		n := rng.Intn(40)
		m := msg(fmt.Sprintf("m-%d", n), n)
		m.Status = []models.MessageStatus{models.StatusSent, models.StatusDelivered, models.StatusRead}[rng.Intn(3)]
		s.ApplyRemote(m)
	}
	assertUnique(t, s)
	assertOrdered(t, s)
}

func TestApplyRemoteInsertsByTimestamp(t *testing.T) {
	s := NewStream("c1")
	s.ApplyRemote(msg("a", 1))
	s.ApplyRemote(msg("c", 3))
	s.ApplyRemote(msg("b", 2))
	s.ApplyRemote(msg("z", 0))
	if got := ids(s); got != "z,a,b,c" {
		t.Fatalf("order = %s", got)
	}
}

func TestEqualTimestampsKeepArrivalOrder(t *testing.T) {
	s := NewStream("c1")
	s.ApplyRemote(msg("a", 1))
	s.ApplyRemote(msg("late", 5))
	s.ApplyRemote(msg("b", 1))
	s.ApplyRemote(msg("c", 1))
	if got := ids(s); got != "a,b,c,late" {
		t.Fatalf("order = %s", got)
	}
}

func TestAppendLocalThenEchoReplacesInPlace(t *testing.T) {
	s := NewStream("c1")
	s.ApplyRemote(msg("m-1", 1))
	local := models.Message{ID: "m-100", ClientID: "tmp-1", SenderID: "me", Content: "Hi", CreatedAt: t0.Add(10 * time.Second)}
	if err := s.AppendLocal(local); err != nil {
		t.Fatal(err)
	}
	s.ApplyRemote(msg("m-2", 11))

	echo := models.Message{ID: "m-100", SenderID: "me", Content: "Hi", Status: models.StatusDelivered, CreatedAt: t0.Add(12 * time.Second)}
	if got := s.ApplyRemote(echo); got != Replaced {
		t.Fatalf("outcome = %v", got)
	}
	if got := ids(s); got != "m-1,m-100,m-2" {
		t.Fatalf("order = %s", got)
	}
	msgs := s.Messages()
	if msgs[1].Status != models.StatusDelivered {
		t.Fatalf("status = %s", msgs[1].Status)
	}
	if len(s.Pending()) != 0 {
		t.Fatal("echo left the entry pending")
	}
}

func TestEchoMatchesClientID(t *testing.T) {
	s := NewStream("c1")
	s.AppendLocal(models.Message{ClientID: "tmp-1", SenderID: "me", Content: "Hi", CreatedAt: t0})
	echo := models.Message{ID: "m-100", ClientID: "tmp-1", SenderID: "me", Content: "Hi", Status: models.StatusSent, CreatedAt: t0}
	if got := s.ApplyRemote(echo); got != Replaced {
		t.Fatalf("outcome = %v", got)
	}
	if got := ids(s); got != "m-100" {
		t.Fatalf("ids = %s", got)
	}
}

func TestConfirmAfterEchoDropsOptimistic(t *testing.T) {
	s := NewStream("c1")
	s.AppendLocal(models.Message{ClientID: "tmp-1", SenderID: "me", Content: "Hi", CreatedAt: t0})
	// echo without a client id lands as its own entry
	s.ApplyRemote(models.Message{ID: "m-100", SenderID: "me", Content: "Hi", Status: models.StatusDelivered, CreatedAt: t0.Add(time.Millisecond)})

	persisted := models.Message{ID: "m-100", SenderID: "me", Content: "Hi", Status: models.StatusSent, CreatedAt: t0.Add(time.Millisecond)}
	if err := s.Confirm("tmp-1", persisted); err != nil {
		t.Fatal(err)
	}
	if got := ids(s); got != "m-100" {
		t.Fatalf("ids = %s", got)
	}
	if st := s.Messages()[0].Status; st != models.StatusDelivered {
		t.Fatalf("status regressed to %s", st)
	}
}

func TestConfirmReplacesInPlace(t *testing.T) {
	s := NewStream("c1")
	s.AppendLocal(models.Message{ClientID: "tmp-1", SenderID: "me", Content: "one", CreatedAt: t0.Add(time.Second)})
	s.AppendLocal(models.Message{ClientID: "tmp-2", SenderID: "me", Content: "two", CreatedAt: t0.Add(2 * time.Second)})

	if err := s.Confirm("tmp-1", models.Message{ID: "m-1", SenderID: "me", Content: "one", CreatedAt: t0.Add(3 * time.Second)}); err != nil {
		t.Fatal(err)
	}
	if got := ids(s); got != "m-1,tmp-2" {
		t.Fatalf("ids = %s", got)
	}
	if !s.IsPending("tmp-2") || s.IsPending("tmp-1") {
		t.Fatal("pending set wrong")
	}
	if err := s.Confirm("tmp-9", msg("m-9", 1)); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("confirm unknown = %v", err)
	}
}

func TestRollback(t *testing.T) {
	s := NewStream("c1")
	s.ApplyRemote(msg("m-1", 1))
	s.AppendLocal(models.Message{ClientID: "tmp-1", SenderID: "me", Content: "Hi", CreatedAt: t0.Add(2 * time.Second)})

	got, err := s.Rollback("tmp-1")
	if err != nil || got.Content != "Hi" {
		t.Fatalf("rollback = %+v, %v", got, err)
	}
	if ids(s) != "m-1" {
		t.Fatalf("ids = %s", ids(s))
	}
	if _, err := s.Rollback("tmp-1"); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("second rollback = %v", err)
	}
	if err := s.AppendLocal(got); err != nil {
		t.Fatalf("retry append: %v", err)
	}
}

func TestAppendLocalRejectsDuplicates(t *testing.T) {
	s := NewStream("c1")
	if err := s.AppendLocal(models.Message{Content: "x"}); !errors.Is(err, ErrNoClientID) {
		t.Fatalf("no id = %v", err)
	}
	s.AppendLocal(models.Message{ClientID: "tmp-1"})
	if err := s.AppendLocal(models.Message{ClientID: "tmp-1"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("dup = %v", err)
	}
}

func TestStatusNeverRegresses(t *testing.T) {
	s := NewStream("c1")
	m := msg("m-1", 1)
	m.Status = models.StatusRead
	s.ApplyRemote(m)
	m.Status = models.StatusDelivered
	s.ApplyRemote(m)
	if st := s.Messages()[0].Status; st != models.StatusRead {
		t.Fatalf("status = %s", st)
	}
	if s.AdvanceStatus("m-1", models.StatusSent, t0) {
		t.Fatal("advance reported a regression as a change")
	}
	if s.AdvanceStatus("nope", models.StatusRead, t0) {
		t.Fatal("advance on unknown id")
	}
}

func TestAdvanceStatusSetsReadAt(t *testing.T) {
	s := NewStream("c1")
	s.ApplyRemote(msg("m-1", 1))
	if !s.AdvanceStatus("m-1", models.StatusDelivered, t0) {
		t.Fatal("delivered not applied")
	}
	at := t0.Add(time.Minute)
	s.AdvanceStatus("m-1", models.StatusRead, at)
	got := s.Messages()[0]
	if got.Status != models.StatusRead || got.ReadAt == nil || !got.ReadAt.Equal(at) {
		t.Fatalf("got %+v", got)
	}
}

func TestMarkReadUpTo(t *testing.T) {
	s := NewStream("c1")
	mine := msg("m-1", 1)
	mine.SenderID = "me"
	s.ApplyRemote(mine)
	s.ApplyRemote(msg("m-2", 2))
	s.ApplyRemote(msg("m-3", 10))
	s.AppendLocal(models.Message{ClientID: "tmp-1", SenderID: "peer", CreatedAt: t0.Add(3 * time.Second)})

	// "me" read everything up to t0+5s
	if n := s.MarkReadUpTo("me", t0.Add(5*time.Second)); n != 1 {
		t.Fatalf("marked %d", n)
	}
	for _, m := range s.Messages() {
		want := m.ID == "m-2"
		if (m.Status == models.StatusRead) != want {
			t.Fatalf("%s status %s", m.ID, m.Status)
		}
	}
}

func TestHistoryPagesOutOfOrder(t *testing.T) {
	page1 := []models.Message{msg("m-5", 5), msg("m-6", 6), msg("m-4", 4)}
	page2 := []models.Message{msg("m-2", 2), msg("m-1", 1), msg("m-3", 3), msg("m-4", 4)}

	s := NewStream("c1")
	s.ApplyRemote(msg("m-6", 6))
	if n := s.LoadHistoryPage(page2); n != 4 {
		t.Fatalf("page2 added %d", n)
	}
	if n := s.LoadHistoryPage(page1); n != 1 {
		t.Fatalf("page1 added %d", n)
	}
	if got := ids(s); got != "m-1,m-2,m-3,m-4,m-5,m-6" {
		t.Fatalf("ids = %s", got)
	}
	assertUnique(t, s)
	if e, _ := s.Earliest(); e.ID != "m-1" {
		t.Fatalf("earliest = %s", e.ID)
	}
	if l, _ := s.Latest(); l.ID != "m-6" {
		t.Fatalf("latest = %s", l.ID)
	}
}

func TestContentIsNeverRewritten(t *testing.T) {
	s := NewStream("c1")
	s.ApplyRemote(msg("m-1", 1))
	edited := msg("m-1", 1)
	edited.Content = "changed"
	s.ApplyRemote(edited)
	if c := s.Messages()[0].Content; c != "body m-1" {
		t.Fatalf("content = %q", c)
	}
}

func TestBook(t *testing.T) {
	b := NewBook()
	a := b.Stream("A")
	if b.Stream("A") != a {
		t.Fatal("stream not reused")
	}
	b.Stream("B")
	if _, ok := b.Lookup("C"); ok {
		t.Fatal("lookup created a stream")
	}
	if s, ok := b.Lookup("A"); !ok || s != a {
		t.Fatal("lookup missed an existing stream")
	}
}
