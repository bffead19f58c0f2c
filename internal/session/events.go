package session

import "github.com/ashureev/caremate/internal/domain"

// EventKind names a session state change.
type EventKind string

// Event kinds published to subscribers.
const (
	EventEntryAppended      EventKind = "entry_appended"
	EventTranscriptReset    EventKind = "transcript_reset"
	EventPendingChanged     EventKind = "pending_changed"
	EventRiskChanged        EventKind = "risk_changed"
	EventComposerChanged    EventKind = "composer_changed"
	EventVoiceStateChanged  EventKind = "voice_state_changed"
	EventNotice             EventKind = "notice"
	EventPreferencesChanged EventKind = "preferences_changed"
)

// Event is delivered to subscribers after the change it describes is
// visible through Snapshot.
type Event struct {
	Kind     EventKind        `json:"type"`
	Entry    *domain.Message  `json:"entry,omitempty"`
	Snapshot *domain.Snapshot `json:"snapshot,omitempty"`
	Notice   string           `json:"notice,omitempty"`
}

// Listener receives session events. It must not block for long; it runs on
// the goroutine that caused the change.
type Listener func(Event)
