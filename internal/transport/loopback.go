package transport

import (
	"context"
	"encoding/json"
	"sync"

	"renddirect/internal/models"
)

// Loopback is an in-memory Transport. Emitted commands are recorded and
// inbound events are injected by the caller. Tests use it in place of a
// server.
type Loopback struct {
	reg *registry

	mu         sync.Mutex
	state      State
	sent       []models.Envelope
	connectErr error
	closed     bool
}

func NewLoopback() *Loopback {
	return &Loopback{reg: newRegistry(), state: StateDisconnected}
}

// FailConnect makes the next Connect calls return err.
func (l *Loopback) FailConnect(err error) {
	l.mu.Lock()
	l.connectErr = err
	l.mu.Unlock()
}

func (l *Loopback) Connect(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if err := l.connectErr; err != nil {
		l.mu.Unlock()
		return err
	}
	already := l.state == StateConnected
	l.mu.Unlock()
	if already {
		return nil
	}
	l.SetState(StateConnected)
	return nil
}

// SetState simulates a connection state change.
func (l *Loopback) SetState(s State) {
	l.mu.Lock()
	if l.state == s {
		l.mu.Unlock()
		return
	}
	l.state = s
	l.mu.Unlock()
	l.reg.notify(s)
}

func (l *Loopback) On(event string, h Handler) func() {
	return l.reg.on(event, h)
}

func (l *Loopback) OnState(fn func(State)) func() {
	return l.reg.onState(fn)
}

func (l *Loopback) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loopback) Emit(event string, payload interface{}) error {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.sent = append(l.sent, env)
	return nil
}

// Inject delivers an inbound event to the registered handlers and reports
// how many handlers saw it.
func (l *Loopback) Inject(event string, payload interface{}) (int, error) {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		return 0, err
	}
	return l.reg.dispatch(env), nil
}

// Sent returns the commands emitted so far.
func (l *Loopback) Sent() []models.Envelope {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.Envelope, len(l.sent))
	copy(out, l.sent)
	return out
}

// Commands returns "type:conversationId" for each emitted command, which is
// the shape tests usually assert on.
func (l *Loopback) Commands() []string {
	var out []string
	for _, env := range l.Sent() {
		var rc models.RoomCommand
		json.Unmarshal(env.Payload, &rc)
		out = append(out, env.Type+":"+rc.ConversationID)
	}
	return out
}

func (l *Loopback) Reset() {
	l.mu.Lock()
	l.sent = nil
	l.mu.Unlock()
}

func (l *Loopback) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.SetState(StateDisconnected)
	return nil
}
