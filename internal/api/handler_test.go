//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ashureev/caremate/internal/domain"
	"github.com/ashureev/caremate/internal/hub"
	"github.com/ashureev/caremate/internal/identity"
	"github.com/ashureev/caremate/internal/live"
	"github.com/ashureev/caremate/internal/persist"
	"github.com/ashureev/caremate/internal/responder"
	"github.com/ashureev/caremate/internal/session"
	"github.com/ashureev/caremate/internal/store"
	"github.com/ashureev/caremate/internal/transcript"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

const testOwner = "dev_api"

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

type apiFixture struct {
	router  chi.Router
	hub     *hub.Hub
	conns   *live.ConnManager
	release chan struct{}
}

// newAPIFixture wires the session routes over an in-memory store. Replies
// echo the last user message and, when block is set, wait for release.
func newAPIFixture(t *testing.T, block bool) *apiFixture {
	t.Helper()

	f := &apiFixture{release: make(chan struct{}), conns: live.NewConnManager()}
	repo := store.NewMemory()
	echo := responder.Func(func(ctx context.Context, history []domain.WireMessage) (domain.SupportReply, error) {
		if block {
			select {
			case <-f.release:
			case <-ctx.Done():
				return domain.SupportReply{}, ctx.Err()
			}
		}
		return domain.SupportReply{Reply: "echo: " + history[len(history)-1].Content}, nil
	})
	f.hub = hub.New(func(ctx context.Context, ownerID string) (*session.Orchestrator, error) {
		return session.New(ctx, session.Config{
			OwnerID:     ownerID,
			Responder:   echo,
			Persistence: persist.New(repo, ownerID, nil),
		})
	}, nil)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(identity.WithOwnerID(req.Context(), testOwner)))
		})
	})
	NewSessionHandler(NewHandler(repo, f.hub, f.conns), ClientConfig{DefaultLocale: "en-US"}).RegisterRoutes(r)
	f.router = r

	t.Cleanup(func() {
		select {
		case <-f.release:
		default:
			close(f.release)
		}
		f.hub.CloseAll(context.Background())
	})
	return f
}

func (f *apiFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *apiFixture) session(t *testing.T) *session.Orchestrator {
	t.Helper()
	sess, err := f.hub.Get(context.Background(), testOwner)
	if err != nil {
		t.Fatalf("hub.Get: %v", err)
	}
	return sess
}

func decodeSnapshot(t *testing.T, w *httptest.ResponseRecorder) domain.Snapshot {
	t.Helper()
	var snap domain.Snapshot
	if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	return snap
}

func TestGetSessionSeedsGreeting(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, false)

	w := f.do(t, http.MethodGet, "/api/session", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	snap := decodeSnapshot(t, w)
	if len(snap.Transcript) != 1 || snap.Transcript[0].Content != session.InitialGreeting {
		t.Fatalf("transcript = %+v, want the initial greeting", snap.Transcript)
	}
	if !snap.Preferences.VoiceEnabled || !snap.Preferences.PersistEnabled {
		t.Errorf("preferences = %+v, want both enabled", snap.Preferences)
	}
}

func TestPostMessageAcceptsThenRejectsWhilePending(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, true)

	if w := f.do(t, http.MethodPost, "/api/session/messages", `{"text":"hello"}`); w.Code != http.StatusAccepted {
		t.Fatalf("first send status = %d, want 202", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/api/session/messages", `{"text":"again"}`); w.Code != http.StatusConflict {
		t.Fatalf("second send status = %d, want 409", w.Code)
	}

	close(f.release)
	sess := f.session(t)
	if err := sess.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	entries := sess.Snapshot().Transcript
	if got := entries[len(entries)-1].Content; got != "echo: hello" {
		t.Errorf("last entry = %q, want %q", got, "echo: hello")
	}
}

func TestPostMessageVariants(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		composer   string
		body       string
		wantStatus int
		wantUser   string
	}{
		{name: "blank text", body: `{"text":"   "}`, wantStatus: http.StatusConflict},
		{name: "empty body sends composer", composer: "from the composer", wantStatus: http.StatusAccepted, wantUser: "from the composer"},
		{name: "empty composer", wantStatus: http.StatusConflict},
		{name: "prompt index", body: `{"prompt":0}`, wantStatus: http.StatusAccepted},
		{name: "prompt out of range", body: `{"prompt":99}`, wantStatus: http.StatusConflict},
		{name: "invalid json", body: `{"text":`, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newAPIFixture(t, false)
			sess := f.session(t)
			if tt.composer != "" {
				sess.SetComposer(tt.composer)
			}

			w := f.do(t, http.MethodPost, "/api/session/messages", tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if err := sess.Wait(context.Background()); err != nil {
				t.Fatalf("Wait: %v", err)
			}

			entries := sess.Snapshot().Transcript
			if tt.wantStatus != http.StatusAccepted {
				if len(entries) != 1 {
					t.Errorf("transcript grew to %d entries on a rejected send", len(entries))
				}
				return
			}
			if len(entries) != 3 {
				t.Fatalf("transcript has %d entries, want 3", len(entries))
			}
			if tt.wantUser != "" && entries[1].Content != tt.wantUser {
				t.Errorf("user entry = %q, want %q", entries[1].Content, tt.wantUser)
			}
			if sess.Composer() != "" {
				t.Errorf("composer = %q, want cleared", sess.Composer())
			}
		})
	}
}

func TestClearResetsTranscript(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, false)
	sess := f.session(t)

	if !sess.Send("hi") {
		t.Fatal("send rejected")
	}
	if err := sess.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if w := f.do(t, http.MethodPost, "/api/session/clear", ""); w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	entries := sess.Snapshot().Transcript
	if len(entries) != 1 || entries[0].Content != session.ClearGreeting {
		t.Errorf("transcript = %+v, want only the clear greeting", entries)
	}
}

func TestExportIsAttachment(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, false)

	w := f.do(t, http.MethodGet, "/api/session/export", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}
	want := `attachment; filename="` + transcript.ExportFileName + `"`
	if cd := w.Header().Get("Content-Disposition"); cd != want {
		t.Errorf("Content-Disposition = %q, want %q", cd, want)
	}

	entries, err := transcript.ParseExport(w.Body.String())
	if err != nil {
		t.Fatalf("ParseExport: %v", err)
	}
	if len(entries) != 1 || entries[0].Role != domain.RoleAssistant {
		t.Errorf("exported entries = %+v", entries)
	}
}

func TestPutPreferences(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, false)

	w := f.do(t, http.MethodPut, "/api/session/preferences", `{"voice_enabled":false}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	snap := decodeSnapshot(t, w)
	if snap.Preferences.VoiceEnabled {
		t.Error("voice still enabled")
	}
	if !snap.Preferences.PersistEnabled {
		t.Error("persist changed without being named")
	}

	w = f.do(t, http.MethodPut, "/api/session/preferences", `{"persist_enabled":false}`)
	snap = decodeSnapshot(t, w)
	if snap.Preferences.VoiceEnabled || snap.Preferences.PersistEnabled {
		t.Errorf("preferences = %+v, want both disabled", snap.Preferences)
	}
}

func TestComposerAndMic(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, false)

	if w := f.do(t, http.MethodPut, "/api/session/composer", `{"text":"draft"}`); w.Code != http.StatusNoContent {
		t.Fatalf("composer status = %d, want 204", w.Code)
	}
	if got := f.session(t).Composer(); got != "draft" {
		t.Errorf("composer = %q, want draft", got)
	}

	w := f.do(t, http.MethodPost, "/api/session/mic", "")
	if w.Code != http.StatusOK {
		t.Fatalf("mic status = %d, want 200", w.Code)
	}
	var got map[string]string
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// No voice provider is attached, so capture stays idle.
	if got["voice_state"] != string(domain.VoiceIdle) {
		t.Errorf("voice_state = %q, want idle", got["voice_state"])
	}
}

func TestPromptsConfigAndMe(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t, false)

	w := f.do(t, http.MethodGet, "/api/prompts", "")
	var prompts struct {
		Prompts []string `json:"prompts"`
	}
	if err := json.NewDecoder(w.Body).Decode(&prompts); err != nil {
		t.Fatalf("decode prompts: %v", err)
	}
	if len(prompts.Prompts) != 8 {
		t.Errorf("got %d prompts, want 8", len(prompts.Prompts))
	}

	w = f.do(t, http.MethodGet, "/api/config", "")
	var cfg ClientConfig
	if err := json.NewDecoder(w.Body).Decode(&cfg); err != nil {
		t.Fatalf("decode config: %v", err)
	}
	if cfg.DefaultLocale != "en-US" || cfg.RemoteResponder {
		t.Errorf("config = %+v", cfg)
	}

	w = f.do(t, http.MethodGet, "/api/me", "")
	var me map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&me); err != nil {
		t.Fatalf("decode me: %v", err)
	}
	if me["owner_id"] != testOwner {
		t.Errorf("owner_id = %v, want %s", me["owner_id"], testOwner)
	}
	if me["voice_connection"] != "" {
		t.Errorf("voice_connection = %v, want empty", me["voice_connection"])
	}
}

func TestMeReportsLiveConnections(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t, false)
	f.conns.Register(testOwner, "conn-1", &websocket.Conn{})
	f.conns.Register(testOwner, "conn-2", &websocket.Conn{})
	f.conns.ClaimVoice(testOwner, "conn-2")

	w := f.do(t, http.MethodGet, "/api/me", "")
	var me struct {
		Connections     int    `json:"connections"`
		VoiceConnection string `json:"voice_connection"`
	}
	if err := json.NewDecoder(w.Body).Decode(&me); err != nil {
		t.Fatalf("decode me: %v", err)
	}
	if me.Connections != 2 || me.VoiceConnection != "conn-2" {
		t.Errorf("me = %+v, want 2 connections with conn-2 providing voice", me)
	}
}

func TestSessionRequiresOwner(t *testing.T) {
	t.Parallel()

	h := hub.New(func(context.Context, string) (*session.Orchestrator, error) {
		return nil, errors.New("unreachable")
	}, nil)
	r := chi.NewRouter()
	NewSessionHandler(NewHandler(store.NewMemory(), h, nil), ClientConfig{}).RegisterRoutes(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/session", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestSessionFactoryFailure(t *testing.T) {
	t.Parallel()

	h := hub.New(func(context.Context, string) (*session.Orchestrator, error) {
		return nil, errors.New("boom")
	}, nil)
	r := chi.NewRouter()
	NewSessionHandler(NewHandler(store.NewMemory(), h, nil), ClientConfig{}).RegisterRoutes(r)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	r.ServeHTTP(w, req.WithContext(identity.WithOwnerID(req.Context(), testOwner)))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

type unreachableRepo struct{ *store.MemoryStore }

func (unreachableRepo) Ping(context.Context) error { return errors.New("disk gone") }

func TestHealth(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		repo       store.Repository
		wantStatus int
		wantDB     string
	}{
		{name: "healthy", repo: store.NewMemory(), wantStatus: http.StatusOK, wantDB: "ok"},
		{name: "degraded", repo: unreachableRepo{store.NewMemory()}, wantStatus: http.StatusServiceUnavailable, wantDB: "unreachable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w := httptest.NewRecorder()
			NewHealthHandler(tt.repo, 0).Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			var body struct {
				Checks map[string]string `json:"checks"`
			}
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Checks["database"] != tt.wantDB {
				t.Errorf("database = %q, want %q", body.Checks["database"], tt.wantDB)
			}
		})
	}
}
