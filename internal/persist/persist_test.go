package persist

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ashureev/caremate/internal/domain"
	"github.com/ashureev/caremate/internal/store"
	"github.com/google/go-cmp/cmp"
)

type brokenRepo struct{ *store.MemoryStore }

var errDisk = errors.New("disk on fire")

func (brokenRepo) GetValue(context.Context, string, string) (string, bool, error) {
	return "", false, errDisk
}

func (brokenRepo) PutValue(context.Context, string, string, string) error { return errDisk }

func (brokenRepo) DeleteValue(context.Context, string, string) error { return errDisk }

func TestLoadAbsentAndCorrupt(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := store.NewMemory()
	a := New(repo, "dev-1", nil)

	if _, ok := a.Load(ctx); ok {
		t.Fatal("expected no transcript when absent")
	}

	_ = repo.PutValue(ctx, "dev-1", KeyTranscript, "{not json")
	if _, ok := a.Load(ctx); ok {
		t.Fatal("expected no transcript when corrupt")
	}

	_ = repo.PutValue(ctx, "dev-1", KeyTranscript, `[{"role":"robot","content":"x","ts":1}]`)
	if _, ok := a.Load(ctx); ok {
		t.Fatal("expected unknown roles to be treated as corrupt")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a := New(store.NewMemory(), "dev-1", nil)
	ts := time.UnixMilli(1767225600123)
	want := []domain.Message{
		{Role: domain.RoleAssistant, Content: "Hi", Timestamp: ts},
		{Role: domain.RoleUser, Content: "hello", Timestamp: ts.Add(time.Second)},
	}

	a.Save(ctx, want)
	got, ok := a.Load(ctx)
	if !ok {
		t.Fatal("expected saved transcript to load")
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("transcript mismatch (-want +got):\n%s", diff)
	}
}

func TestPreferencesDefaultAndIndependent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := store.NewMemory()
	_ = repo.PutValue(ctx, "dev-1", string(PrefVoice), "false")
	_ = repo.PutValue(ctx, "dev-1", string(PrefPersist), "maybe")

	got := New(repo, "dev-1", nil).Preferences(ctx)
	want := domain.Preferences{VoiceEnabled: false, PersistEnabled: true}
	if got != want {
		t.Errorf("expected %+v, got %+v", want, got)
	}
}

func TestSavePreferenceWritesThrough(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := store.NewMemory()
	a := New(repo, "dev-1", nil)

	a.SavePreference(ctx, PrefPersist, false)
	if a.Preferences(ctx).PersistEnabled {
		t.Error("expected cached preference to be updated")
	}

	fresh := New(repo, "dev-1", nil).Preferences(ctx)
	if fresh.PersistEnabled || !fresh.VoiceEnabled {
		t.Errorf("expected persisted persist=false voice=true, got %+v", fresh)
	}
}

func TestPurgeKeepsPreferences(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := store.NewMemory()
	a := New(repo, "dev-1", nil)
	a.SavePreference(ctx, PrefVoice, false)
	a.Save(ctx, []domain.Message{{Role: domain.RoleUser, Content: "x", Timestamp: time.Now()}})

	a.PurgeTranscript(ctx)

	if _, ok := a.Load(ctx); ok {
		t.Error("expected transcript to be purged")
	}
	if New(repo, "dev-1", nil).Preferences(ctx).VoiceEnabled {
		t.Error("expected voice preference to survive purge")
	}
}

func TestBrokenRepositoryNeverFails(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := brokenRepo{store.NewMemory()}
	if err := repo.Ping(ctx); err != nil {
		t.Fatalf("embedded store Ping: %v", err)
	}
	a := New(repo, "dev-1", nil)

	if _, ok := a.Load(ctx); ok {
		t.Error("expected no transcript from broken storage")
	}
	if got := a.Preferences(ctx); got != domain.DefaultPreferences() {
		t.Errorf("expected default preferences, got %+v", got)
	}
	a.Save(ctx, nil)
	a.SavePreference(ctx, PrefVoice, false)
	a.PurgeTranscript(ctx)
}
