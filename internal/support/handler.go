package support

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/caremate/internal/convlog"
	"github.com/ashureev/caremate/internal/domain"
	"github.com/ashureev/caremate/internal/identity"
	"github.com/ashureev/caremate/internal/responder"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

// Handler serves the support endpoint.
type Handler struct {
	responder   responder.Responder
	rateLimiter *RateLimiter
	log         convlog.Logger
	configured  bool
	maxBody     int64
}

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	// Configured is false when no upstream credential is available.
	Configured        bool
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// NewHandler creates a support handler.
func NewHandler(r responder.Responder, cfg HandlerConfig, conversationLogger convlog.Logger) *Handler {
	if conversationLogger == nil {
		conversationLogger = convlog.Noop{}
	}
	if cfg.RateLimitRequests <= 0 {
		cfg.RateLimitRequests = 10
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	return &Handler{
		responder:   r,
		rateLimiter: NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow),
		log:         conversationLogger,
		configured:  cfg.Configured,
		maxBody:     defaultMaxRequestBodySize,
	}
}

// RegisterRoutes registers the support route.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.HandleFunc("/api/support", h.HandleSupport)
}

// Close stops background work.
func (h *Handler) Close() {
	h.rateLimiter.Stop()
}

// HandleSupport handles POST /api/support.
func (h *Handler) HandleSupport(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.configured {
		http.Error(w, ErrMissingAPIKey.Error(), http.StatusInternalServerError)
		return
	}

	key := identity.OwnerIDFromContext(r.Context())
	if key == "" {
		key = r.RemoteAddr
	}
	if !h.rateLimiter.Allow(key) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	var body struct {
		Messages json.RawMessage `json:"messages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Bad request: messages[]", http.StatusBadRequest)
		return
	}
	var messages []domain.WireMessage
	if len(body.Messages) == 0 || body.Messages[0] != '[' || json.Unmarshal(body.Messages, &messages) != nil {
		http.Error(w, "Bad request: messages[]", http.StatusBadRequest)
		return
	}

	reqID := chiMiddleware.GetReqID(r.Context())
	if n := len(messages); n > 0 {
		h.logEvent(key, reqID, "outbound", "support_request", messages[n-1].Content, map[string]any{"messages": n})
	}

	reply, err := h.responder.Reply(r.Context(), messages)
	if err != nil {
		var upstream *UpstreamError
		switch {
		case errors.As(err, &upstream):
			slog.Warn("support upstream error", "status", upstream.StatusCode, "request_id", reqID)
			http.Error(w, upstream.Error(), upstream.StatusCode)
		case errors.Is(err, ErrMissingAPIKey):
			http.Error(w, ErrMissingAPIKey.Error(), http.StatusInternalServerError)
		default:
			slog.Error("support request failed", "error", err, "request_id", reqID)
			http.Error(w, "Server error: "+err.Error(), http.StatusInternalServerError)
		}
		return
	}

	h.logEvent(key, reqID, "inbound", "support_reply", reply.Reply, map[string]any{"risk_flag": reply.RiskFlag})

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(reply); err != nil {
		slog.Warn("failed to write support reply", "error", err)
	}
}

func (h *Handler) logEvent(owner, reqID, direction, eventType, content string, meta map[string]any) {
	meta["request_id"] = reqID
	h.log.Log(convlog.Event{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		OwnerID:    owner,
		SessionID:  "support",
		Channel:    "support_http",
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: content,
		Content:    convlog.CleanForReadability(content),
		Meta:       meta,
	})
}
