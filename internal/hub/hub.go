// Package hub keeps one live session per device and evicts idle ones.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/caremate/internal/session"
)

// Factory builds the session for a device on first use.
type Factory func(ctx context.Context, ownerID string) (*session.Orchestrator, error)

type entry struct {
	session  *session.Orchestrator
	attached int
}

// Hub is a registry of sessions keyed by owner id.
type Hub struct {
	factory Factory
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*entry
}

// New creates an empty hub.
func New(factory Factory, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		factory:  factory,
		logger:   logger,
		sessions: make(map[string]*entry),
	}
}

// Get returns the device's session, creating it on first use.
func (h *Hub) Get(ctx context.Context, ownerID string) (*session.Orchestrator, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, err := h.getLocked(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return e.session, nil
}

// Attach is Get for long-lived clients. The session is not evicted until the
// returned detach function has been called.
func (h *Hub) Attach(ctx context.Context, ownerID string) (*session.Orchestrator, func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, err := h.getLocked(ctx, ownerID)
	if err != nil {
		return nil, nil, err
	}
	e.attached++

	var once sync.Once
	detach := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			e.attached--
		})
	}
	return e.session, detach, nil
}

// getLocked marks the session active under h.mu so a concurrent Sweep cannot
// evict a session that is being handed out.
func (h *Hub) getLocked(ctx context.Context, ownerID string) (*entry, error) {
	if e, ok := h.sessions[ownerID]; ok {
		e.session.Touch()
		return e, nil
	}
	s, err := h.factory(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("create session for %s: %w", ownerID, err)
	}
	e := &entry{session: s}
	h.sessions[ownerID] = e
	h.logger.Debug("session registered", "owner_id", ownerID, "session_id", s.ID())
	return e, nil
}

// Len returns the number of live sessions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Sweep closes sessions idle since before now-idle that have no attached
// clients and no request in flight. It returns the evicted owner ids.
func (h *Hub) Sweep(now time.Time, idle time.Duration) []string {
	cutoff := now.Add(-idle)

	h.mu.Lock()
	var victims []*session.Orchestrator
	var owners []string
	for owner, e := range h.sessions {
		if e.attached > 0 || e.session.Pending() || e.session.LastActive().After(cutoff) {
			continue
		}
		victims = append(victims, e.session)
		owners = append(owners, owner)
		delete(h.sessions, owner)
	}
	h.mu.Unlock()

	for _, s := range victims {
		s.Close()
	}
	return owners
}

// CloseAll waits for in-flight requests and closes every session.
func (h *Hub) CloseAll(ctx context.Context) {
	h.mu.Lock()
	all := make([]*session.Orchestrator, 0, len(h.sessions))
	for owner, e := range h.sessions {
		all = append(all, e.session)
		delete(h.sessions, owner)
	}
	h.mu.Unlock()

	for _, s := range all {
		if err := s.Wait(ctx); err != nil {
			h.logger.Warn("in-flight request abandoned at shutdown", "owner_id", s.OwnerID(), "error", err)
		}
		s.Close()
	}
}
