// Package voice drives speech input and output for a session. The actual
// speech engines live behind the Recognizer and Synthesizer ports.
package voice

import (
	"errors"

	"golang.org/x/text/language"
)

// UnsupportedNotice is shown when speech input is unavailable.
const UnsupportedNotice = "Voice input not supported on this browser."

var (
	// ErrRecognitionUnsupported is returned when no recognizer can be acquired.
	ErrRecognitionUnsupported = errors.New("speech recognition unsupported")
	// ErrSynthesisUnsupported is returned when no synthesizer is available.
	ErrSynthesisUnsupported = errors.New("speech synthesis unsupported")
)

// Segment is one recognition result: the best transcript and whether it is final.
type Segment struct {
	Transcript string `json:"transcript"`
	Final      bool   `json:"final"`
}

// ResultEvent is an incremental recognition update. Results is cumulative for
// the utterance; segments before ResultIndex were already delivered.
type ResultEvent struct {
	ResultIndex int       `json:"index"`
	Results     []Segment `json:"results"`
}

// RecognitionOptions configures a recognizer before it starts.
type RecognitionOptions struct {
	Continuous     bool
	InterimResults bool
	Lang           language.Tag
}

// RecognitionCallbacks receive recognizer events. Any field may be nil.
type RecognitionCallbacks struct {
	OnResult func(ResultEvent)
	OnEnd    func()
	OnError  func(error)
}

// Recognizer is a single-use speech-to-text handle.
type Recognizer interface {
	Start(opts RecognitionOptions, cb RecognitionCallbacks) error
	Stop() error
}

// Utterance is a piece of text to be spoken.
type Utterance struct {
	Text  string       `json:"text"`
	Lang  language.Tag `json:"lang"`
	Rate  float64      `json:"rate"`
	Pitch float64      `json:"pitch"`
}

// Synthesizer speaks utterances. Cancel drops anything queued or playing.
type Synthesizer interface {
	Speak(u Utterance) error
	Cancel()
}

// Environment exposes the speech capabilities of the current client.
type Environment interface {
	// Recognition acquires a fresh recognizer.
	Recognition() (Recognizer, bool)
	// Synthesis returns the shared synthesizer.
	Synthesis() (Synthesizer, bool)
}

// Static is an Environment with fixed capabilities. NewRecognizer may be nil.
type Static struct {
	NewRecognizer func() Recognizer
	Synth         Synthesizer
}

// Recognition implements Environment.
func (s Static) Recognition() (Recognizer, bool) {
	if s.NewRecognizer == nil {
		return nil, false
	}
	r := s.NewRecognizer()
	return r, r != nil
}

// Synthesis implements Environment.
func (s Static) Synthesis() (Synthesizer, bool) {
	return s.Synth, s.Synth != nil
}

// Unsupported is an environment without speech support.
var Unsupported Environment = Static{}

// DefaultLocale is used when the client does not report one.
var DefaultLocale = language.AmericanEnglish

// ResolveLocale parses a BCP 47 tag, falling back to DefaultLocale.
func ResolveLocale(s string) language.Tag {
	if s == "" {
		return DefaultLocale
	}
	tag, err := language.Parse(s)
	if err != nil {
		return DefaultLocale
	}
	return tag
}
