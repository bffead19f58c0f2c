// Package api provides HTTP handlers for the CareMate API.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ashureev/caremate/internal/hub"
	"github.com/ashureev/caremate/internal/identity"
	"github.com/ashureev/caremate/internal/live"
	"github.com/ashureev/caremate/internal/session"
	"github.com/ashureev/caremate/internal/store"
)

// Handler provides common handler utilities.
type Handler struct {
	repo  store.Repository
	hub   *hub.Hub
	conns *live.ConnManager
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, h *hub.Hub, conns *live.ConnManager) *Handler {
	if conns == nil {
		conns = live.NewConnManager()
	}
	return &Handler{
		repo:  repo,
		hub:   h,
		conns: conns,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// session resolves the caller's session, writing the error response itself
// when it cannot.
func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*session.Orchestrator, bool) {
	ownerID := identity.OwnerIDFromContext(r.Context())
	if ownerID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}

	sess, err := h.hub.Get(r.Context(), ownerID)
	if err != nil {
		slog.Error("Failed to open session", "error", err, "user_id", ownerID)
		Error(w, http.StatusInternalServerError, "failed to open session")
		return nil, false
	}
	return sess, true
}
