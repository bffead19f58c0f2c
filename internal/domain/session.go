package domain

// Preferences are the user toggles persisted independently of the transcript.
type Preferences struct {
	VoiceEnabled   bool `json:"voice_enabled"`
	PersistEnabled bool `json:"persist_enabled"`
}

// DefaultPreferences returns the enabled-by-default preferences.
func DefaultPreferences() Preferences {
	return Preferences{VoiceEnabled: true, PersistEnabled: true}
}

// VoiceState is the voice capture state.
type VoiceState string

const (
	// VoiceIdle means no recognition handle is held.
	VoiceIdle VoiceState = "idle"
	// VoiceListening means a recognition handle is active.
	VoiceListening VoiceState = "listening"
)

// Snapshot is a read-only view of a session for the presentation layer.
type Snapshot struct {
	Transcript  []Message   `json:"transcript"`
	Risk        bool        `json:"risk"`
	Pending     bool        `json:"pending"`
	Composer    string      `json:"composer"`
	Preferences Preferences `json:"preferences"`
	VoiceState  VoiceState  `json:"voice_state"`
}
