package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/ashureev/caremate/internal/identity"
	"github.com/ashureev/caremate/internal/transcript"
	"github.com/go-chi/chi/v5"
)

const maxRequestBody = 64 << 10

// ClientConfig is the subset of server settings exposed to the frontend.
type ClientConfig struct {
	RemoteResponder bool   `json:"remote_responder"`
	DefaultLocale   string `json:"default_locale"`
}

// SessionHandler handles the session endpoints.
type SessionHandler struct {
	*Handler
	client ClientConfig
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(base *Handler, client ClientConfig) *SessionHandler {
	return &SessionHandler{Handler: base, client: client}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/me", h.GetMe)
		r.Get("/config", h.GetConfig)
		r.Get("/prompts", h.GetPrompts)
		r.Route("/session", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Post("/messages", h.PostMessage)
			r.Post("/clear", h.Clear)
			r.Get("/export", h.Export)
			r.Put("/preferences", h.PutPreferences)
			r.Put("/composer", h.PutComposer)
			r.Post("/mic", h.ToggleMic)
		})
	})
}

// GetMe returns the caller's device and session, its open live connection
// count and the id of the connection providing speech, empty when none.
func (h *SessionHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	voiceConn, _ := h.conns.VoiceProvider(sess.OwnerID())
	JSON(w, http.StatusOK, map[string]interface{}{
		"owner_id":         sess.OwnerID(),
		"session_id":       sess.ID(),
		"connections":      h.conns.Count(sess.OwnerID()),
		"voice_connection": voiceConn,
	})
}

// GetConfig returns the server configuration for the frontend.
func (h *SessionHandler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.client)
}

// GetPrompts returns the quick prompts.
func (h *SessionHandler) GetPrompts(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"prompts": sess.Prompts()})
}

// GetSession returns the session snapshot.
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, sess.Snapshot())
}

type messageRequest struct {
	Text   *string `json:"text"`
	Prompt *int    `json:"prompt"`
}

// PostMessage submits text, a quick prompt, or the composer buffer when the
// body names neither. The reply arrives asynchronously.
func (h *SessionHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	var req messageRequest
	if !decodeOptional(w, r, &req) {
		return
	}

	var accepted bool
	switch {
	case req.Prompt != nil:
		accepted = sess.SendPrompt(*req.Prompt)
	case req.Text != nil:
		accepted = sess.Send(*req.Text)
	default:
		accepted = sess.SendComposer()
	}
	if !accepted {
		slog.Debug("Send rejected", "user_id", sess.OwnerID(), "pending", sess.Pending())
		Error(w, http.StatusConflict, "send_rejected")
		return
	}
	JSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// Clear resets the transcript to the clear greeting.
func (h *SessionHandler) Clear(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	sess.Clear()
	w.WriteHeader(http.StatusNoContent)
}

// Export downloads the transcript as plain text.
func (h *SessionHandler) Export(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+transcript.ExportFileName+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, sess.Export()); err != nil {
		slog.Debug("Export write failed", "error", err, "user_id", sess.OwnerID())
	}
}

type preferencesRequest struct {
	VoiceEnabled   *bool `json:"voice_enabled"`
	PersistEnabled *bool `json:"persist_enabled"`
}

// PutPreferences updates the voice and persistence toggles.
func (h *SessionHandler) PutPreferences(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	var req preferencesRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	if req.VoiceEnabled != nil {
		sess.SetVoiceEnabled(*req.VoiceEnabled)
	}
	if req.PersistEnabled != nil {
		sess.SetPersistEnabled(*req.PersistEnabled)
	}
	JSON(w, http.StatusOK, sess.Snapshot())
}

// PutComposer replaces the composer buffer.
func (h *SessionHandler) PutComposer(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	var req struct {
		Text string `json:"text"`
	}
	if !decodeOptional(w, r, &req) {
		return
	}
	sess.SetComposer(req.Text)
	w.WriteHeader(http.StatusNoContent)
}

// ToggleMic toggles voice capture on the device's voice provider.
func (h *SessionHandler) ToggleMic(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"voice_state": sess.ToggleMic()})
}

// decodeOptional decodes a JSON body into dst. An empty body leaves dst
// untouched.
func decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	slog.Debug("Invalid request body", "error", err, "user_id", identity.OwnerIDFromContext(r.Context()))
	Error(w, http.StatusBadRequest, "invalid request body")
	return false
}
