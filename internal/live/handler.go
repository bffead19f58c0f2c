package live

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ashureev/caremate/internal/domain"
	"github.com/ashureev/caremate/internal/hub"
	"github.com/ashureev/caremate/internal/identity"
	"github.com/ashureev/caremate/internal/session"
	"github.com/ashureev/caremate/internal/voice"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/text/language"
)

// WebSocketHandler serves GET /ws/session.
type WebSocketHandler struct {
	hub           *hub.Hub
	conns         *ConnManager
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(h *hub.Hub, conns *ConnManager, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		hub:           h,
		conns:         conns,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// clientFrame is any frame the browser sends.
type clientFrame struct {
	Type string `json:"type"`

	// send, composer
	Text string `json:"text,omitempty"`
	// prompt
	Prompt int `json:"prompt,omitempty"`
	// hello
	Recognition bool   `json:"recognition,omitempty"`
	Synthesis   bool   `json:"synthesis,omitempty"`
	Locale      string `json:"locale,omitempty"`
	// preferences
	VoiceEnabled   *bool `json:"voice_enabled,omitempty"`
	PersistEnabled *bool `json:"persist_enabled,omitempty"`
	// recognition.result
	Index   int             `json:"index,omitempty"`
	Results []voice.Segment `json:"results,omitempty"`
	// recognition.error
	Error string `json:"error,omitempty"`
}

type snapshotFrame struct {
	Type     string           `json:"type"`
	Snapshot *domain.Snapshot `json:"snapshot"`
	Prompts  []string         `json:"prompts,omitempty"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ownerID := identity.OwnerIDFromContext(r.Context())
	if ownerID == "" {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}
	slog.Info("live connection request", "owner_id", ownerID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("failed to accept websocket", "error", err, "owner_id", ownerID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("failed to close websocket", "error", closeErr, "owner_id", ownerID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess, detach, err := h.hub.Attach(ctx, ownerID)
	if err != nil {
		slog.Error("failed to open session", "error", err, "owner_id", ownerID)
		_ = ws.Close(websocket.StatusInternalError, "session unavailable")
		return
	}
	defer detach()

	connID := uuid.NewString()
	logger := slog.Default().With("owner_id", ownerID, "conn_id", connID, "session_id", sess.ID())
	c := newClient(connID, ws, logger)
	bridge := NewBridge(c.enqueue)

	h.conns.Register(ownerID, connID, ws)
	defer func() {
		bridge.Detach()
		if h.conns.Unregister(ownerID, connID, ws) {
			sess.AttachVoice(voice.Unsupported, language.Und)
		}
	}()

	unsubscribe := sess.Subscribe(func(ev session.Event) {
		if err := c.enqueue(ev); err != nil {
			logger.Debug("event not delivered", "type", ev.Kind, "error", err)
		}
	})
	defer unsubscribe()

	go func() {
		c.writeLoop(ctx)
		cancel()
	}()
	defer func() {
		cancel()
		<-c.done
	}()

	lc := &liveConn{ownerID: ownerID, connID: connID, sess: sess, bridge: bridge, client: c, logger: logger}
	lc.sendSnapshot()
	h.readLoop(ctx, ws, lc)
	logger.Info("live connection ended")
}

// liveConn is the per-connection state used by the read loop.
type liveConn struct {
	ownerID string
	connID  string
	sess    *session.Orchestrator
	bridge  *Bridge
	client  *client
	logger  *slog.Logger
}

func (lc *liveConn) sendSnapshot() {
	snap := lc.sess.Snapshot()
	lc.reply(snapshotFrame{Type: "snapshot", Snapshot: &snap, Prompts: lc.sess.Prompts()})
}

func (lc *liveConn) reply(v any) {
	if err := lc.client.enqueue(v); err != nil {
		lc.logger.Debug("frame not delivered", "error", err)
	}
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("websocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

//nolint:gocyclo // Frame dispatch is kept in one switch.
func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, lc *liveConn) {
	sess, bridge, logger := lc.sess, lc.bridge, lc.logger
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				logger.Debug("websocket closed by client")
			} else if ctx.Err() == nil {
				logger.Warn("websocket read error", "error", err)
			}
			return
		}

		var f clientFrame
		if err := json.Unmarshal(message, &f); err != nil {
			logger.Debug("ignoring malformed frame", "error", err)
			continue
		}

		switch f.Type {
		case "hello":
			bridge.SetCapabilities(f.Recognition, f.Synthesis)
			sess.AttachVoice(bridge, voice.ResolveLocale(f.Locale))
			h.conns.ClaimVoice(lc.ownerID, lc.connID)
			logger.Info("speech environment attached",
				"recognition", f.Recognition, "synthesis", f.Synthesis, "locale", f.Locale)
		case "send":
			var ok bool
			if f.Text != "" {
				ok = sess.Send(f.Text)
			} else {
				ok = sess.SendComposer()
			}
			if !ok {
				lc.reply(typeFrame{Type: "send.rejected"})
			}
		case "prompt":
			if !sess.SendPrompt(f.Prompt) {
				lc.reply(typeFrame{Type: "send.rejected"})
			}
		case "composer":
			sess.SetComposer(f.Text)
		case "mic":
			sess.ToggleMic()
		case "clear":
			sess.Clear()
		case "preferences":
			if f.VoiceEnabled != nil {
				sess.SetVoiceEnabled(*f.VoiceEnabled)
			}
			if f.PersistEnabled != nil {
				sess.SetPersistEnabled(*f.PersistEnabled)
			}
		case "recognition.result":
			bridge.HandleResult(voice.ResultEvent{ResultIndex: f.Index, Results: f.Results})
		case "recognition.end":
			bridge.HandleEnd()
		case "recognition.error":
			bridge.HandleError(f.Error)
		case "ping":
			lc.reply(typeFrame{Type: "pong"})
		default:
			logger.Debug("ignoring unknown frame", "type", f.Type)
		}
	}
}
