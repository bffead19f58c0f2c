// Package live bridges browser clients to their session over a websocket:
// session events are pushed as JSON frames, and the browser's Web Speech API
// serves as the session's recognizer and synthesizer.
package live

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// ConnManager tracks open websocket connections per device and which one
// currently provides the device's speech environment.
type ConnManager struct {
	mu     sync.RWMutex
	active map[string]map[string]*websocket.Conn
	voice  map[string]string
}

// NewConnManager creates an empty manager.
func NewConnManager() *ConnManager {
	return &ConnManager{
		active: make(map[string]map[string]*websocket.Conn),
		voice:  make(map[string]string),
	}
}

// Count returns the number of open connections for an owner.
func (m *ConnManager) Count(ownerID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active[ownerID])
}

// Register adds a connection.
func (m *ConnManager) Register(ownerID, connID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[ownerID]; !exists {
		m.active[ownerID] = make(map[string]*websocket.Conn)
	}
	m.active[ownerID][connID] = conn
	slog.Info("live connection registered", "owner_id", ownerID, "conn_id", connID)
}

// Unregister removes a connection if it is still the one registered, and
// reports whether it was the voice provider.
func (m *ConnManager) Unregister(ownerID, connID string, conn *websocket.Conn) (wasVoice bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conns, ok := m.active[ownerID]
	if !ok {
		return false
	}
	if current, exists := conns[connID]; !exists || current != conn {
		return false
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(m.active, ownerID)
	}
	if m.voice[ownerID] == connID {
		delete(m.voice, ownerID)
		wasVoice = true
	}
	slog.Info("live connection unregistered", "owner_id", ownerID, "conn_id", connID)
	return wasVoice
}

// ClaimVoice makes connID the owner's speech provider.
func (m *ConnManager) ClaimVoice(ownerID, connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.voice[ownerID] = connID
}

// VoiceProvider returns the connection id providing speech for an owner.
func (m *ConnManager) VoiceProvider(ownerID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.voice[ownerID]
	return id, ok
}

// CloseAll closes every connection, e.g. at shutdown.
func (m *ConnManager) CloseAll(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for owner, conns := range m.active {
		for id, conn := range conns {
			_ = conn.Close(websocket.StatusGoingAway, reason)
			slog.Info("live connection closed", "owner_id", owner, "conn_id", id)
		}
	}
	m.active = make(map[string]map[string]*websocket.Conn)
	m.voice = make(map[string]string)
}
