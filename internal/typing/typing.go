// Package typing tracks typing indicators for the open conversation: the
// local user's debounced start/stop emission and each peer's remote state.
package typing

import (
	"time"

	"renddirect/internal/models"
)

type State int

const (
	Idle State = iota
	LocalTyping
)

func (s State) String() string {
	if s == LocalTyping {
		return "LOCAL_TYPING"
	}
	return "IDLE"
}

const (
	DefaultDebounce      = 2 * time.Second
	DefaultRemoteTimeout = 6 * time.Second
)

type Emitter interface {
	Emit(event string, payload interface{}) error
}

// Stopper cancels a scheduled callback. *time.Timer satisfies it.
type Stopper interface {
	Stop() bool
}

// Scheduler runs f once after d. The session supplies one that delivers f
// on its event loop.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Stopper
}

// Remote is the typing state of one peer.
type Remote struct {
	Typing    bool
	UpdatedAt time.Time
}

type Options struct {
	Debounce      time.Duration
	RemoteTimeout time.Duration
	Now           func() time.Time
}

type remote struct {
	Remote
	timer Stopper
	gen   int
}

// Machine is not safe for concurrent use. All calls, including scheduled
// callbacks, are expected on one goroutine.
type Machine struct {
	conversationID string
	emitter        Emitter
	sched          Scheduler
	opts           Options

	local    State
	localGen int
	idle     Stopper
	peers    map[string]*remote
}

func NewMachine(conversationID string, emitter Emitter, sched Scheduler, opts Options) *Machine {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.RemoteTimeout <= 0 {
		opts.RemoteTimeout = DefaultRemoteTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Machine{
		conversationID: conversationID,
		emitter:        emitter,
		sched:          sched,
		opts:           opts,
		peers:          make(map[string]*remote),
	}
}

func (m *Machine) ConversationID() string { return m.conversationID }

func (m *Machine) Local() State { return m.local }

// Keystroke emits typing-start on the idle edge only and restarts the
// inactivity timer on every call.
func (m *Machine) Keystroke() {
	if m.local == Idle {
		m.local = LocalTyping
		m.emit(models.CommandTypingStart)
	}
	m.armIdle()
}

// Sent ends local typing right away, ahead of the inactivity timer.
func (m *Machine) Sent() {
	m.stopLocal()
}

// Reset stops local typing and forgets every peer. Used when the
// conversation is closed.
func (m *Machine) Reset() {
	m.stopLocal()
	for id, p := range m.peers {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(m.peers, id)
	}
}

func (m *Machine) RemoteStart(peer string) bool {
	p, ok := m.peers[peer]
	if !ok {
		p = &remote{}
		m.peers[peer] = p
	}
	changed := !p.Typing
	p.Typing = true
	p.UpdatedAt = m.opts.Now()
	p.gen++
	gen := p.gen
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = m.sched.AfterFunc(m.opts.RemoteTimeout, func() {
		if cur, ok := m.peers[peer]; ok && cur.gen == gen {
			m.clearRemote(peer)
		}
	})
	return changed
}

func (m *Machine) RemoteStop(peer string) bool {
	p, ok := m.peers[peer]
	if !ok || !p.Typing {
		return false
	}
	m.clearRemote(peer)
	return true
}

func (m *Machine) RemoteTyping(peer string) bool {
	p, ok := m.peers[peer]
	return ok && p.Typing
}

func (m *Machine) AnyRemoteTyping() bool {
	for _, p := range m.peers {
		if p.Typing {
			return true
		}
	}
	return false
}

func (m *Machine) Remote(peer string) (Remote, bool) {
	p, ok := m.peers[peer]
	if !ok {
		return Remote{}, false
	}
	return p.Remote, true
}

func (m *Machine) clearRemote(peer string) {
	p := m.peers[peer]
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.gen++
	p.Typing = false
	p.UpdatedAt = m.opts.Now()
}

func (m *Machine) armIdle() {
	if m.idle != nil {
		m.idle.Stop()
	}
	m.localGen++
	gen := m.localGen
	m.idle = m.sched.AfterFunc(m.opts.Debounce, func() {
		if gen == m.localGen {
			m.stopLocal()
		}
	})
}

func (m *Machine) stopLocal() {
	if m.idle != nil {
		m.idle.Stop()
		m.idle = nil
	}
	m.localGen++
	if m.local == LocalTyping {
		m.local = Idle
		m.emit(models.CommandTypingStop)
	}
}

func (m *Machine) emit(cmd string) {
	// best effort; a lost typing command only affects the peer's indicator
	m.emitter.Emit(cmd, models.RoomCommand{ConversationID: m.conversationID})
}
