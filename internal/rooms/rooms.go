// Package rooms tracks which conversation room the client is subscribed to.
// At most one room is held at a time.
package rooms

import (
	"go.uber.org/zap"

	"renddirect/internal/models"
)

// Emitter sends a fire-and-forget command. transport.Transport satisfies it.
type Emitter interface {
	Emit(event string, payload interface{}) error
}

type Manager struct {
	emitter Emitter
	logger  *zap.Logger
	active  string
}

func NewManager(emitter Emitter, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{emitter: emitter, logger: logger.Named("rooms")}
}

// Select makes id the active room. The previous room is left before the new
// one is joined. Selecting the active room does nothing and reports false.
func (m *Manager) Select(id string) bool {
	if id == "" || id == m.active {
		return false
	}
	if m.active != "" {
		m.emit(models.CommandLeaveRoom, m.active)
	}
	m.active = id
	m.emit(models.CommandJoinRoom, id)
	return true
}

// Deselect leaves the active room, if any.
func (m *Manager) Deselect() bool {
	if m.active == "" {
		return false
	}
	prev := m.active
	m.active = ""
	m.emit(models.CommandLeaveRoom, prev)
	return true
}

func (m *Manager) Active() (string, bool) {
	return m.active, m.active != ""
}

func (m *Manager) IsActive(id string) bool {
	return id != "" && id == m.active
}

// Rejoin re-sends join-room for the active room. The server forgets room
// membership when the socket drops.
func (m *Manager) Rejoin() {
	if m.active != "" {
		m.emit(models.CommandJoinRoom, m.active)
	}
}

func (m *Manager) emit(cmd, id string) {
	if err := m.emitter.Emit(cmd, models.RoomCommand{ConversationID: id}); err != nil {
		m.logger.Warn("room command not sent", zap.String("command", cmd), zap.String("conversation", id), zap.Error(err))
	}
}
