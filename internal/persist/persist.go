// Package persist saves and restores session state through a store.Repository.
// Every operation is best-effort: failures are logged and replaced by safe
// defaults so a session can always start.
package persist

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/ashureev/caremate/internal/domain"
	"github.com/ashureev/caremate/internal/store"
)

// Preference names a persisted boolean toggle.
type Preference string

const (
	// PrefVoice is the "voice enabled" preference key.
	PrefVoice Preference = "caremate.voiceOn"
	// PrefPersist is the "persist chat" preference key.
	PrefPersist Preference = "caremate.persistChat"
	// KeyTranscript holds the JSON transcript array.
	KeyTranscript = "caremate.chat"
)

type readStatus int

const (
	readOK readStatus = iota
	readAbsent
	readCorrupt
	readFailed
)

func (s readStatus) String() string {
	switch s {
	case readOK:
		return "ok"
	case readAbsent:
		return "absent"
	case readCorrupt:
		return "corrupt"
	default:
		return "unavailable"
	}
}

// Adapter is the persistence service for one device. It caches preferences
// in memory and writes through to the repository.
type Adapter struct {
	repo   store.Repository
	owner  string
	logger *slog.Logger

	mu          sync.Mutex
	prefs       domain.Preferences
	prefsLoaded bool
}

// New creates an adapter scoped to ownerID.
func New(repo store.Repository, ownerID string, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		repo:   repo,
		owner:  ownerID,
		logger: logger.With("owner_id", ownerID),
	}
}

// Load returns the persisted transcript. ok is false when it is absent,
// empty, unreadable or corrupt.
func (a *Adapter) Load(ctx context.Context) ([]domain.Message, bool) {
	var entries []domain.Message
	status := a.readJSON(ctx, KeyTranscript, &entries)
	if status != readOK || len(entries) == 0 {
		return nil, false
	}
	return entries, true
}

// Preferences returns the cached preferences, reading each key on first use.
// A missing or unreadable key defaults to enabled.
func (a *Adapter) Preferences(ctx context.Context) domain.Preferences {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.prefsLoaded {
		return a.prefs
	}
	a.prefs = domain.Preferences{
		VoiceEnabled:   a.readBool(ctx, PrefVoice),
		PersistEnabled: a.readBool(ctx, PrefPersist),
	}
	a.prefsLoaded = true
	return a.prefs
}

// Save writes the full transcript.
func (a *Adapter) Save(ctx context.Context, entries []domain.Message) {
	data, err := json.Marshal(entries)
	if err != nil {
		a.logger.Warn("failed to encode transcript", "error", err)
		return
	}
	if err := a.repo.PutValue(ctx, a.owner, KeyTranscript, string(data)); err != nil {
		a.logger.Warn("failed to persist transcript", "entries", len(entries), "error", err)
	}
}

// SavePreference updates the cache and writes the single preference key.
func (a *Adapter) SavePreference(ctx context.Context, name Preference, value bool) {
	a.mu.Lock()
	if !a.prefsLoaded {
		a.mu.Unlock()
		a.Preferences(ctx)
		a.mu.Lock()
	}
	switch name {
	case PrefVoice:
		a.prefs.VoiceEnabled = value
	case PrefPersist:
		a.prefs.PersistEnabled = value
	default:
		a.mu.Unlock()
		a.logger.Warn("unknown preference", "name", name)
		return
	}
	a.mu.Unlock()

	data, _ := json.Marshal(value)
	if err := a.repo.PutValue(ctx, a.owner, string(name), string(data)); err != nil {
		a.logger.Warn("failed to persist preference", "name", name, "error", err)
	}
}

// PurgeTranscript deletes the saved transcript; preferences are untouched.
func (a *Adapter) PurgeTranscript(ctx context.Context) {
	if err := a.repo.DeleteValue(ctx, a.owner, KeyTranscript); err != nil {
		a.logger.Warn("failed to purge transcript", "error", err)
	}
}

func (a *Adapter) readBool(ctx context.Context, name Preference) bool {
	var v bool
	if status := a.readJSON(ctx, string(name), &v); status != readOK {
		return true
	}
	return v
}

// readJSON distinguishes absent from corrupt values for diagnostics only.
func (a *Adapter) readJSON(ctx context.Context, key string, dst any) readStatus {
	raw, found, err := a.repo.GetValue(ctx, a.owner, key)
	if err != nil {
		a.logger.Warn("persisted value unavailable", "key", key, "status", readFailed, "error", err)
		return readFailed
	}
	if !found {
		a.logger.Debug("persisted value absent", "key", key, "status", readAbsent)
		return readAbsent
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		a.logger.Warn("persisted value corrupt, using default", "key", key, "status", readCorrupt, "error", err)
		return readCorrupt
	}
	return readOK
}
