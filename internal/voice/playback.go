package voice

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/text/language"
)

// Fixed synthesis parameters.
const (
	DefaultRate  = 1.0
	DefaultPitch = 1.0
)

// Playback speaks assistant text, one utterance at a time.
type Playback struct {
	logger *slog.Logger

	mu   sync.Mutex
	env  Environment
	lang language.Tag
}

// NewPlayback creates a playback controller.
func NewPlayback(env Environment, lang language.Tag, logger *slog.Logger) *Playback {
	if logger == nil {
		logger = slog.Default()
	}
	if env == nil {
		env = Unsupported
	}
	if lang == language.Und {
		lang = DefaultLocale
	}
	return &Playback{logger: logger, env: env, lang: lang}
}

// SetEnvironment swaps the capability source.
func (p *Playback) SetEnvironment(env Environment, lang language.Tag) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if env == nil {
		env = Unsupported
	}
	p.env = env
	if lang != language.Und {
		p.lang = lang
	}
}

// Speak cancels whatever is queued or playing, then speaks text with
// newlines flattened to spaces.
func (p *Playback) Speak(text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	synth, ok := p.env.Synthesis()
	if !ok {
		p.logger.Debug("speech synthesis unavailable, skipping playback")
		return ErrSynthesisUnsupported
	}
	synth.Cancel()
	err := synth.Speak(Utterance{
		Text:  strings.ReplaceAll(text, "\n", " "),
		Lang:  p.lang,
		Rate:  DefaultRate,
		Pitch: DefaultPitch,
	})
	if err != nil {
		return fmt.Errorf("speak: %w", err)
	}
	return nil
}

// Cancel stops any queued or playing utterance.
func (p *Playback) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if synth, ok := p.env.Synthesis(); ok {
		synth.Cancel()
	}
}
