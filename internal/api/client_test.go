package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"renddirect/internal/models"
)

func writeData(w http.ResponseWriter, status int, data interface{}) {
	raw, _ := json.Marshal(data)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(models.APIResponse{Success: status < 400, Data: raw})
}

func TestSendMessage(t *testing.T) {
	var gotAuth string
	var gotBody models.SendMessageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/conversations/c1/messages" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		writeData(w, http.StatusCreated, models.Message{
			ID: "m-100", ClientID: gotBody.ClientID, ConversationID: "c1",
			Content: gotBody.Content, Status: models.StatusSent, CreatedAt: time.Now(),
		})
	}))
	defer srv.Close()

	c := New(srv.URL+"/api/", "tok")
	msg, err := c.SendMessage(context.Background(), "c1", "Hi", "tmp-1")
	if err != nil {
		t.Fatal(err)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if gotBody.Content != "Hi" || gotBody.ClientID != "tmp-1" {
		t.Fatalf("body = %+v", gotBody)
	}
	if msg.ID != "m-100" || msg.ClientID != "tmp-1" {
		t.Fatalf("msg = %+v", msg)
	}
}

func TestMessagesQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p := r.URL.Query().Get("page"); p != "2" {
			t.Errorf("page = %q", p)
		}
		if l := r.URL.Query().Get("limit"); l != "50" {
			t.Errorf("limit = %q", l)
		}
		writeData(w, http.StatusOK, models.Page[models.Message]{
			Items: []models.Message{{ID: "m-1"}}, Page: 2, TotalPages: 3,
		})
	}))
	defer srv.Close()

	page, err := New(srv.URL, "").Messages(context.Background(), "c1", 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 1 || !page.HasMore() {
		t.Fatalf("page = %+v", page)
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(models.APIResponse{
			Error: &models.APIError{Code: "FORBIDDEN", Message: "not a participant"},
		})
	}))
	defer srv.Close()

	err := New(srv.URL, "").MarkRead(context.Background(), "c1")
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v", err)
	}
	if apiErr.StatusCode != http.StatusForbidden || apiErr.Code != "FORBIDDEN" || apiErr.Message != "not a participant" {
		t.Fatalf("apiErr = %+v", apiErr)
	}
	if apiErr.Temporary() {
		t.Fatal("403 reported temporary")
	}
}

func TestPlainTextError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").ListConversations(context.Background())
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized || apiErr.Message != "Unauthorized" {
		t.Fatalf("err = %#v", err)
	}
}

func TestNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := New(addr, "").UnreadCount(context.Background())
	if !IsNetwork(err) {
		t.Fatalf("err = %v", err)
	}
	var apiErr *Error
	errors.As(err, &apiErr)
	if apiErr.StatusCode != 0 || !apiErr.Temporary() {
		t.Fatalf("apiErr = %+v", apiErr)
	}
}

func TestLoginStoresToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/login":
			writeData(w, http.StatusOK, models.LoginResponse{Token: "fresh", User: models.User{ID: "u1"}})
		case "/auth/me":
			if r.Header.Get("Authorization") != "Bearer fresh" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			writeData(w, http.StatusOK, models.User{ID: "u1"})
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	if _, err := c.Login(context.Background(), "a@b.c", "pw"); err != nil {
		t.Fatal(err)
	}
	me, err := c.Me(context.Background())
	if err != nil || me.ID != "u1" {
		t.Fatalf("me = %+v, %v", me, err)
	}
}
