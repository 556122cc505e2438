package models

import (
	"testing"
	"time"
)

func TestStatusAdvanceNeverRegresses(t *testing.T) {
	tests := []struct {
		from, next, want MessageStatus
	}{
		{StatusSent, StatusDelivered, StatusDelivered},
		{StatusSent, StatusRead, StatusRead},
		{StatusDelivered, StatusSent, StatusDelivered},
		{StatusRead, StatusDelivered, StatusRead},
		{StatusRead, StatusSent, StatusRead},
		{"", StatusSent, StatusSent},
		{StatusDelivered, "", StatusDelivered},
	}
	for _, tt := range tests {
		if got := tt.from.Advance(tt.next); got != tt.want {
			t.Errorf("%q.Advance(%q) = %q, want %q", tt.from, tt.next, got, tt.want)
		}
	}
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus(" delivered ")
	if err != nil || s != StatusDelivered {
		t.Fatalf("ParseStatus = %q, %v", s, err)
	}
	if _, err := ParseStatus("seen"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestConversationPeerAndTouch(t *testing.T) {
	c := Conversation{
		OwnerID:  "o1",
		TenantID: "t1",
		Owner:    Participant{ID: "o1", FirstName: "Asha"},
		Tenant:   Participant{ID: "t1", FirstName: "Ravi", LastName: "K"},
	}
	if got := c.Peer("o1").Name(); got != "Ravi K" {
		t.Errorf("owner peer = %q", got)
	}
	if got := c.Peer("t1").Name(); got != "Asha" {
		t.Errorf("tenant peer = %q", got)
	}

	now := time.Now()
	c.Touch(Message{ID: "m2", CreatedAt: now})
	c.Touch(Message{ID: "m1", CreatedAt: now.Add(-time.Minute)})
	if c.LastMessage == nil || c.LastMessage.ID != "m2" {
		t.Fatalf("older message rewound last message: %+v", c.LastMessage)
	}
}
