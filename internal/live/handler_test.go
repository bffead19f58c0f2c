package live

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/caremate/internal/domain"
	"github.com/ashureev/caremate/internal/hub"
	"github.com/ashureev/caremate/internal/identity"
	"github.com/ashureev/caremate/internal/persist"
	"github.com/ashureev/caremate/internal/responder"
	"github.com/ashureev/caremate/internal/session"
	"github.com/ashureev/caremate/internal/store"
	"github.com/ashureev/caremate/internal/voice"
	"github.com/coder/websocket"
)

const testOwner = "dev_live"

type frame struct {
	Type     string           `json:"type"`
	Text     string           `json:"text"`
	Lang     string           `json:"lang"`
	Notice   string           `json:"notice"`
	Entry    *domain.Message  `json:"entry"`
	Snapshot *domain.Snapshot `json:"snapshot"`
}

func newLiveServer(t *testing.T) *httptest.Server {
	t.Helper()

	repo := store.NewMemory()
	echo := responder.Func(func(_ context.Context, history []domain.WireMessage) (domain.SupportReply, error) {
		return domain.SupportReply{Reply: "you said: " + history[len(history)-1].Content}, nil
	})
	h := hub.New(func(ctx context.Context, ownerID string) (*session.Orchestrator, error) {
		return session.New(ctx, session.Config{
			OwnerID:     ownerID,
			Responder:   echo,
			Persistence: persist.New(repo, ownerID, nil),
		})
	}, nil)

	wsh := NewWebSocketHandler(h, NewConnManager(), "*", true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wsh.ServeHTTP(w, r.WithContext(identity.WithOwnerID(r.Context(), testOwner)))
	}))
	t.Cleanup(func() {
		srv.Close()
		h.CloseAll(context.Background())
	})
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func write(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// waitFor reads frames until match returns true.
func waitFor(t *testing.T, conn *websocket.Conn, what string, match func(frame) bool) frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("waiting for %s: %v", what, err)
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("decode frame %s: %v", data, err)
		}
		if match(f) {
			return f
		}
	}
}

func TestWebSocketSendsSnapshotOnConnect(t *testing.T) {
	srv := newLiveServer(t)
	conn := dial(t, srv)

	f := waitFor(t, conn, "snapshot", func(f frame) bool { return f.Type == "snapshot" })
	if f.Snapshot == nil || len(f.Snapshot.Transcript) != 1 {
		t.Fatalf("unexpected snapshot: %+v", f.Snapshot)
	}
	if f.Snapshot.Transcript[0].Content != session.InitialGreeting {
		t.Fatalf("greeting = %q", f.Snapshot.Transcript[0].Content)
	}
}

func TestWebSocketSendSpeaksReply(t *testing.T) {
	srv := newLiveServer(t)
	conn := dial(t, srv)
	waitFor(t, conn, "snapshot", func(f frame) bool { return f.Type == "snapshot" })

	write(t, conn, map[string]any{"type": "hello", "synthesis": true, "locale": "de-DE"})
	write(t, conn, map[string]any{"type": "send", "text": "hi"})

	entry := waitFor(t, conn, "assistant entry", func(f frame) bool {
		return f.Type == string(session.EventEntryAppended) && f.Entry != nil && f.Entry.Role == domain.RoleAssistant
	})
	if entry.Entry.Content != "you said: hi" {
		t.Fatalf("reply = %q", entry.Entry.Content)
	}
	speak := waitFor(t, conn, "speak", func(f frame) bool { return f.Type == "speak" })
	if speak.Text != "you said: hi" || speak.Lang != "de-DE" {
		t.Fatalf("unexpected speak frame: %+v", speak)
	}
}

func TestWebSocketEmptySendIsRejected(t *testing.T) {
	srv := newLiveServer(t)
	conn := dial(t, srv)
	waitFor(t, conn, "snapshot", func(f frame) bool { return f.Type == "snapshot" })

	write(t, conn, map[string]any{"type": "send", "text": "   "})
	waitFor(t, conn, "send.rejected", func(f frame) bool { return f.Type == "send.rejected" })
}

func TestWebSocketRecognitionFillsComposer(t *testing.T) {
	srv := newLiveServer(t)
	conn := dial(t, srv)
	waitFor(t, conn, "snapshot", func(f frame) bool { return f.Type == "snapshot" })

	write(t, conn, map[string]any{"type": "hello", "recognition": true, "locale": "en-GB"})
	write(t, conn, map[string]any{"type": "mic"})
	start := waitFor(t, conn, "recognition.start", func(f frame) bool { return f.Type == "recognition.start" })
	if start.Lang != "en-GB" {
		t.Fatalf("recognition lang = %q", start.Lang)
	}

	write(t, conn, map[string]any{
		"type":    "recognition.result",
		"index":   0,
		"results": []map[string]any{{"transcript": "I feel", "final": true}, {"transcript": "calm"}},
	})
	waitFor(t, conn, "composer update", func(f frame) bool {
		return f.Type == string(session.EventComposerChanged) && f.Snapshot != nil && f.Snapshot.Composer == "I feel calm"
	})

	write(t, conn, map[string]any{"type": "recognition.end"})
	waitFor(t, conn, "idle state", func(f frame) bool {
		return f.Type == string(session.EventVoiceStateChanged) && f.Snapshot != nil && f.Snapshot.VoiceState == domain.VoiceIdle
	})
}

func TestWebSocketMicWithoutRecognitionNotices(t *testing.T) {
	srv := newLiveServer(t)
	conn := dial(t, srv)
	waitFor(t, conn, "snapshot", func(f frame) bool { return f.Type == "snapshot" })

	write(t, conn, map[string]any{"type": "mic"})
	f := waitFor(t, conn, "notice", func(f frame) bool { return f.Type == string(session.EventNotice) })
	if f.Notice != voice.UnsupportedNotice {
		t.Fatalf("notice = %q", f.Notice)
	}
}

func TestWebSocketRequiresOwner(t *testing.T) {
	t.Parallel()

	wsh := NewWebSocketHandler(hub.New(nil, nil), NewConnManager(), "*", true)
	rr := httptest.NewRecorder()
	wsh.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ws/session", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}

func TestCheckOrigin(t *testing.T) {
	t.Parallel()

	h := &WebSocketHandler{allowedOrigin: "https://care.example"}
	for origin, want := range map[string]bool{
		"":                     true,
		"https://care.example": true,
		"https://evil.example": false,
	} {
		r := httptest.NewRequest(http.MethodGet, "/ws/session", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		if got := h.checkOrigin(r); got != want {
			t.Errorf("checkOrigin(%q) = %v, want %v", origin, got, want)
		}
	}
}
