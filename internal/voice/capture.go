package voice

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ashureev/caremate/internal/domain"
	"golang.org/x/text/language"
)

// CaptureConfig wires a Capture to its environment and sinks.
type CaptureConfig struct {
	Env  Environment
	Lang language.Tag
	// OnText receives the current best transcript; it replaces the composer.
	OnText func(string)
	// OnNotice receives user-facing advisories.
	OnNotice func(string)
	// OnState is called after every state transition.
	OnState func(domain.VoiceState)
	Logger  *slog.Logger
}

// Capture is the two-state (idle, listening) speech input controller. It owns
// at most one recognizer handle; events from a released handle are ignored.
type Capture struct {
	cfg    CaptureConfig
	logger *slog.Logger

	mu     sync.Mutex
	env    Environment
	lang   language.Tag
	handle Recognizer
	gen    uint64
	final  string
}

// NewCapture creates an idle controller.
func NewCapture(cfg CaptureConfig) *Capture {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	env := cfg.Env
	if env == nil {
		env = Unsupported
	}
	lang := cfg.Lang
	if lang == language.Und {
		lang = DefaultLocale
	}
	return &Capture{cfg: cfg, logger: logger, env: env, lang: lang}
}

// SetEnvironment swaps the capability source. A held handle is stopped first.
func (c *Capture) SetEnvironment(env Environment, lang language.Tag) {
	c.Stop()
	c.mu.Lock()
	if env == nil {
		env = Unsupported
	}
	c.env = env
	if lang != language.Und {
		c.lang = lang
	}
	c.mu.Unlock()
}

// State returns the current state.
func (c *Capture) State() domain.VoiceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Capture) stateLocked() domain.VoiceState {
	if c.handle != nil {
		return domain.VoiceListening
	}
	return domain.VoiceIdle
}

// Toggle stops when listening and starts when idle. Unsupported recognition
// is reported through OnNotice and leaves the controller idle.
func (c *Capture) Toggle() domain.VoiceState {
	if c.State() == domain.VoiceListening {
		c.Stop()
		return domain.VoiceIdle
	}
	if err := c.Start(); err != nil {
		c.logger.Debug("voice capture not started", "error", err)
	}
	return c.State()
}

// Start acquires a recognizer and begins listening. Calling Start while
// listening is a no-op.
func (c *Capture) Start() error {
	c.mu.Lock()
	if c.handle != nil {
		c.mu.Unlock()
		return nil
	}
	rec, ok := c.env.Recognition()
	if !ok {
		c.mu.Unlock()
		c.notice(UnsupportedNotice)
		return ErrRecognitionUnsupported
	}

	c.gen++
	gen := c.gen
	c.final = ""
	c.handle = rec
	opts := RecognitionOptions{Continuous: false, InterimResults: true, Lang: c.lang}
	c.mu.Unlock()

	err := rec.Start(opts, RecognitionCallbacks{
		OnResult: func(ev ResultEvent) { c.handleResult(gen, ev) },
		OnEnd:    func() { c.release(gen, nil) },
		OnError:  func(err error) { c.release(gen, err) },
	})
	if err != nil {
		c.release(gen, err)
		return fmt.Errorf("start recognizer: %w", err)
	}

	c.mu.Lock()
	active := gen == c.gen && c.handle != nil
	c.mu.Unlock()
	if active {
		c.emitState(domain.VoiceListening)
	}
	return nil
}

// Stop requests the recognizer to stop and always releases the handle,
// whether or not the recognizer acknowledges.
func (c *Capture) Stop() {
	c.mu.Lock()
	rec := c.handle
	if rec == nil {
		c.mu.Unlock()
		return
	}
	c.handle = nil
	c.gen++
	c.mu.Unlock()

	if err := rec.Stop(); err != nil {
		c.logger.Debug("recognizer stop not acknowledged", "error", err)
	}
	c.emitState(domain.VoiceIdle)
}

// handleResult rebuilds the transcript: accumulated finals plus this
// event's interim text, trimmed.
func (c *Capture) handleResult(gen uint64, ev ResultEvent) {
	c.mu.Lock()
	if gen != c.gen || c.handle == nil {
		c.mu.Unlock()
		return
	}
	start := ev.ResultIndex
	if start < 0 {
		start = 0
	}
	var interim strings.Builder
	for i := start; i < len(ev.Results); i++ {
		seg := ev.Results[i]
		if seg.Final {
			c.final += seg.Transcript + " "
		} else {
			interim.WriteString(seg.Transcript)
		}
	}
	text := strings.TrimSpace(c.final + interim.String())
	c.mu.Unlock()

	if c.cfg.OnText != nil {
		c.cfg.OnText(text)
	}
}

// release handles end-of-utterance and recognizer errors.
func (c *Capture) release(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen || c.handle == nil {
		c.mu.Unlock()
		return
	}
	c.handle = nil
	c.gen++
	c.mu.Unlock()

	if err != nil {
		c.logger.Debug("recognition ended with error", "error", err)
	}
	c.emitState(domain.VoiceIdle)
}

func (c *Capture) notice(msg string) {
	if c.cfg.OnNotice != nil {
		c.cfg.OnNotice(msg)
	}
}

func (c *Capture) emitState(s domain.VoiceState) {
	if c.cfg.OnState != nil {
		c.cfg.OnState(s)
	}
}
