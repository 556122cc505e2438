package models

import (
	"fmt"
	"strings"
)

// MessageStatus is the delivery state of a message. It only moves forward:
// SENT, then DELIVERED, then READ.
type MessageStatus string

const (
	StatusSent      MessageStatus = "SENT"
	StatusDelivered MessageStatus = "DELIVERED"
	StatusRead      MessageStatus = "READ"
)

func (s MessageStatus) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

func (s MessageStatus) Valid() bool {
	return s.rank() > 0
}

// Before reports whether s is strictly earlier in the delivery lifecycle than other.
func (s MessageStatus) Before(other MessageStatus) bool {
	return s.rank() < other.rank()
}

// Advance returns the later of s and next.
func (s MessageStatus) Advance(next MessageStatus) MessageStatus {
	if s.Before(next) {
		return next
	}
	return s
}

func ParseStatus(v string) (MessageStatus, error) {
	s := MessageStatus(strings.ToUpper(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown message status %q", v)
	}
	return s, nil
}
