package live

import (
	"errors"
	"sync"

	"github.com/ashureev/caremate/internal/voice"
)

// Frames sent to the browser's speech engines.
type speakFrame struct {
	Type  string  `json:"type"`
	Text  string  `json:"text"`
	Lang  string  `json:"lang"`
	Rate  float64 `json:"rate"`
	Pitch float64 `json:"pitch"`
}

type recognitionStartFrame struct {
	Type       string `json:"type"`
	Lang       string `json:"lang"`
	Interim    bool   `json:"interim"`
	Continuous bool   `json:"continuous"`
}

type typeFrame struct {
	Type string `json:"type"`
}

// Bridge is a voice.Environment backed by a browser connection. The browser
// reports its capabilities in its hello frame.
type Bridge struct {
	send func(v any) error

	mu          sync.Mutex
	recognition bool
	synthesis   bool
	active      *remoteRecognizer
}

// NewBridge creates a bridge that writes frames through send.
func NewBridge(send func(v any) error) *Bridge {
	return &Bridge{send: send}
}

// SetCapabilities records what the browser supports.
func (b *Bridge) SetCapabilities(recognition, synthesis bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recognition = recognition
	b.synthesis = synthesis
}

// Recognition implements voice.Environment.
func (b *Bridge) Recognition() (voice.Recognizer, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.recognition {
		return nil, false
	}
	return &remoteRecognizer{bridge: b}, true
}

// Synthesis implements voice.Environment.
func (b *Bridge) Synthesis() (voice.Synthesizer, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.synthesis {
		return nil, false
	}
	return remoteSynth{bridge: b}, true
}

// HandleResult delivers a browser recognition update to the active recognizer.
func (b *Bridge) HandleResult(ev voice.ResultEvent) {
	if cb := b.callbacks(false); cb.OnResult != nil {
		cb.OnResult(ev)
	}
}

// HandleEnd delivers end-of-utterance and releases the active recognizer.
func (b *Bridge) HandleEnd() {
	if cb := b.callbacks(true); cb.OnEnd != nil {
		cb.OnEnd()
	}
}

// HandleError delivers a recognition error and releases the active recognizer.
func (b *Bridge) HandleError(msg string) {
	if msg == "" {
		msg = "recognition error"
	}
	if cb := b.callbacks(true); cb.OnError != nil {
		cb.OnError(errors.New(msg))
	}
}

// Detach releases any active recognizer without notifying it.
func (b *Bridge) Detach() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.active = nil
	b.recognition = false
	b.synthesis = false
}

func (b *Bridge) callbacks(release bool) voice.RecognitionCallbacks {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active == nil {
		return voice.RecognitionCallbacks{}
	}
	cb := b.active.cb
	if release {
		b.active = nil
	}
	return cb
}

type remoteRecognizer struct {
	bridge *Bridge
	cb     voice.RecognitionCallbacks
}

func (r *remoteRecognizer) Start(opts voice.RecognitionOptions, cb voice.RecognitionCallbacks) error {
	r.bridge.mu.Lock()
	r.cb = cb
	r.bridge.active = r
	r.bridge.mu.Unlock()

	err := r.bridge.send(recognitionStartFrame{
		Type:       "recognition.start",
		Lang:       opts.Lang.String(),
		Interim:    opts.InterimResults,
		Continuous: opts.Continuous,
	})
	if err != nil {
		r.release()
		return err
	}
	return nil
}

func (r *remoteRecognizer) Stop() error {
	r.release()
	return r.bridge.send(typeFrame{Type: "recognition.stop"})
}

func (r *remoteRecognizer) release() {
	r.bridge.mu.Lock()
	defer r.bridge.mu.Unlock()
	if r.bridge.active == r {
		r.bridge.active = nil
	}
}

type remoteSynth struct {
	bridge *Bridge
}

func (s remoteSynth) Speak(u voice.Utterance) error {
	return s.bridge.send(speakFrame{
		Type:  "speak",
		Text:  u.Text,
		Lang:  u.Lang.String(),
		Rate:  u.Rate,
		Pitch: u.Pitch,
	})
}

func (s remoteSynth) Cancel() {
	_ = s.bridge.send(typeFrame{Type: "speech.cancel"})
}

var _ voice.Environment = (*Bridge)(nil)
