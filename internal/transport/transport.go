// Package transport carries realtime chat events between the client and the
// server. Handlers are registered per event name and survive reconnects.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"renddirect/internal/models"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

var (
	ErrClosed    = errors.New("transport closed")
	ErrQueueFull = errors.New("outbound queue full, command dropped")
)

// Handler receives the raw payload of an inbound event.
type Handler func(payload json.RawMessage)

// Transport is a bidirectional event channel.
type Transport interface {
	// Connect establishes the channel. Calling it while connected is a no-op.
	Connect(ctx context.Context) error
	// On registers h for event and returns a function that removes it.
	On(event string, h Handler) func()
	// OnState registers a connection state listener.
	OnState(fn func(State)) func()
	// Emit sends a command without waiting for a reply.
	Emit(event string, payload interface{}) error
	State() State
	Close() error
}

type registry struct {
	mu       sync.RWMutex
	next     int
	handlers map[string]map[int]Handler
	states   map[int]func(State)
}

func newRegistry() *registry {
	return &registry{
		handlers: make(map[string]map[int]Handler),
		states:   make(map[int]func(State)),
	}
}

func (r *registry) on(event string, h Handler) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	id := r.next
	if r.handlers[event] == nil {
		r.handlers[event] = make(map[int]Handler)
	}
	r.handlers[event][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.handlers[event], id)
			if len(r.handlers[event]) == 0 {
				delete(r.handlers, event)
			}
		})
	}
}

func (r *registry) onState(fn func(State)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	id := r.next
	r.states[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.states, id)
		})
	}
}

// dispatch calls the handlers registered for env.Type in registration order.
// Handlers run outside the lock so they may unsubscribe themselves.
func (r *registry) dispatch(env models.Envelope) int {
	r.mu.RLock()
	ids := make([]int, 0, len(r.handlers[env.Type]))
	for id := range r.handlers[env.Type] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	hs := make([]Handler, 0, len(ids))
	for _, id := range ids {
		hs = append(hs, r.handlers[env.Type][id])
	}
	r.mu.RUnlock()

	for _, h := range hs {
		h(env.Payload)
	}
	return len(hs)
}

func (r *registry) notify(s State) {
	r.mu.RLock()
	fns := make([]func(State), 0, len(r.states))
	for _, fn := range r.states {
		fns = append(fns, fn)
	}
	r.mu.RUnlock()

	for _, fn := range fns {
		fn(s)
	}
}

func encode(event string, payload interface{}) ([]byte, error) {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}
