package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/caremate/internal/domain"
	"github.com/ashureev/caremate/internal/persist"
	"github.com/ashureev/caremate/internal/responder"
	"github.com/ashureev/caremate/internal/session"
	"github.com/ashureev/caremate/internal/store"
	"github.com/ashureev/caremate/internal/transcript"
)

func newTestSession(t *testing.T, r responder.Responder) *session.Orchestrator {
	t.Helper()
	repo := store.NewMemory()
	sess, err := session.New(context.Background(), session.Config{
		OwnerID:     "cli-test",
		Responder:   r,
		Persistence: persist.New(repo, "cli-test", nil),
	})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	t.Cleanup(sess.Close)
	return sess
}

func TestRunChatConversation(t *testing.T) {
	t.Parallel()

	echo := responder.Func(func(_ context.Context, history []domain.WireMessage) (domain.SupportReply, error) {
		last := history[len(history)-1].Content
		return domain.SupportReply{
			Reply:    "I hear you about " + last + "\n\nTry this now\n- Breathe slowly",
			RiskFlag: strings.Contains(last, "hopeless"),
		}, nil
	})
	sess := newTestSession(t, echo)

	exportPath := filepath.Join(t.TempDir(), "chat.txt")
	input := strings.Join([]string{
		"work stress",
		"/prompt 99",
		"I feel hopeless",
		"/export " + exportPath,
		"/quit",
		"never read",
	}, "\n")

	var out bytes.Buffer
	if err := runChat(context.Background(), sess, strings.NewReader(input), &out); err != nil {
		t.Fatalf("runChat: %v", err)
	}

	got := out.String()
	for _, want := range []string{
		"What's on your mind today?",
		"I hear you about work stress",
		"• Breathe slowly",
		"Pick a prompt number",
		CrisisNotice,
		"Saved to " + exportPath,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q\n%s", want, got)
		}
	}
	if strings.Contains(got, "never read") {
		t.Error("input after /quit was processed")
	}

	data, err := os.ReadFile(exportPath)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	entries, err := transcript.ParseExport(string(data))
	if err != nil {
		t.Fatalf("ParseExport: %v", err)
	}
	// greeting, two user turns, two replies
	if len(entries) != 5 {
		t.Errorf("exported %d entries, want 5", len(entries))
	}
}

func TestRunChatClearAndToggles(t *testing.T) {
	t.Parallel()

	sess := newTestSession(t, responder.Func(func(context.Context, []domain.WireMessage) (domain.SupportReply, error) {
		return domain.SupportReply{Reply: "ok"}, nil
	}))

	input := "/voice off\n/save off\n/mic\n/clear\n/bogus\n"
	var out bytes.Buffer
	if err := runChat(context.Background(), sess, strings.NewReader(input), &out); err != nil {
		t.Fatalf("runChat: %v", err)
	}

	prefs := sess.Preferences()
	if prefs.VoiceEnabled || prefs.PersistEnabled {
		t.Errorf("preferences = %+v, want both off", prefs)
	}
	got := out.String()
	for _, want := range []string{session.ClearGreeting, "Voice input not supported", "Unknown command /bogus"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q\n%s", want, got)
		}
	}
}

func TestParseSwitch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in     string
		on, ok bool
	}{
		{in: "on", on: true, ok: true},
		{in: "OFF", ok: true},
		{in: "yes", on: true, ok: true},
		{in: "", ok: false},
		{in: "loud", ok: false},
	}
	for _, tt := range tests {
		on, ok := parseSwitch(tt.in)
		if on != tt.on || ok != tt.ok {
			t.Errorf("parseSwitch(%q) = %v, %v; want %v, %v", tt.in, on, ok, tt.on, tt.ok)
		}
	}
}

func TestExportCommand(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "caremate.db")
	repo, err := store.NewSQLite(dbPath)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	entries := []domain.Message{
		{Role: domain.RoleAssistant, Content: "Hello there", Timestamp: time.UnixMilli(1000)},
		{Role: domain.RoleUser, Content: "Hi", Timestamp: time.UnixMilli(2000)},
	}
	persist.New(repo, "desk", nil).Save(context.Background(), entries)
	if err := repo.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"export", "--db", dbPath, "--device", "desk"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("export: %v", err)
	}
	if out.String() != transcript.Export(entries) {
		t.Errorf("export output = %q, want %q", out.String(), transcript.Export(entries))
	}

	cmd = newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"export", "--db", dbPath, "--device", "nobody"})
	if err := cmd.Execute(); err == nil {
		t.Error("export of an unknown device succeeded")
	}
}
