// Package execsynth speaks through a local text-to-speech binary.
package execsynth

import (
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"

	"github.com/ashureev/caremate/internal/voice"
)

// ArgsFunc builds the command line for an utterance.
type ArgsFunc func(u voice.Utterance) []string

// Synthesizer runs one TTS process at a time. Speak kills the previous process.
type Synthesizer struct {
	bin    string
	args   ArgsFunc
	logger *slog.Logger

	mu  sync.Mutex
	cmd *exec.Cmd
}

// New creates a synthesizer around bin.
func New(bin string, args ArgsFunc, logger *slog.Logger) *Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{bin: bin, args: args, logger: logger}
}

// Detect looks for a known TTS binary on PATH.
func Detect(logger *slog.Logger) (*Synthesizer, bool) {
	if path, err := exec.LookPath("say"); err == nil {
		return New(path, sayArgs, logger), true
	}
	for _, name := range []string{"espeak-ng", "espeak"} {
		if path, err := exec.LookPath(name); err == nil {
			return New(path, espeakArgs, logger), true
		}
	}
	return nil, false
}

// espeak speaks about 175 words per minute at rate 1.
func espeakArgs(u voice.Utterance) []string {
	base, _ := u.Lang.Base()
	return []string{
		"-v", base.String(),
		"-s", strconv.Itoa(int(175 * u.Rate)),
		"-p", strconv.Itoa(int(50 * u.Pitch)),
		"--", u.Text,
	}
}

// say speaks about 180 words per minute at rate 1 and has no pitch flag.
func sayArgs(u voice.Utterance) []string {
	return []string{"-r", strconv.Itoa(int(180 * u.Rate)), "--", u.Text}
}

// Speak implements voice.Synthesizer.
func (s *Synthesizer) Speak(u voice.Utterance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.killLocked()
	cmd := exec.Command(s.bin, s.args(u)...) // #nosec G204 - bin comes from LookPath or the caller
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", s.bin, err)
	}
	s.cmd = cmd

	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		if s.cmd == cmd {
			s.cmd = nil
		}
		s.mu.Unlock()
		if err != nil {
			s.logger.Debug("tts process exited", "bin", s.bin, "error", err)
		}
	}()
	return nil
}

// Cancel implements voice.Synthesizer.
func (s *Synthesizer) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killLocked()
}

func (s *Synthesizer) killLocked() {
	if s.cmd == nil || s.cmd.Process == nil {
		return
	}
	if err := s.cmd.Process.Kill(); err != nil {
		s.logger.Debug("failed to kill tts process", "error", err)
	}
	s.cmd = nil
}

var _ voice.Synthesizer = (*Synthesizer)(nil)
