// Package session coordinates one conversation: the transcript, the single
// in-flight responder request, reply post-processing, voice capture and
// playback, and persistence write-through.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/caremate/internal/convlog"
	"github.com/ashureev/caremate/internal/domain"
	"github.com/ashureev/caremate/internal/persist"
	"github.com/ashureev/caremate/internal/postprocess"
	"github.com/ashureev/caremate/internal/prompts"
	"github.com/ashureev/caremate/internal/responder"
	"github.com/ashureev/caremate/internal/transcript"
	"github.com/ashureev/caremate/internal/voice"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/text/language"
)

// Fixed assistant texts.
const (
	InitialGreeting = "Hi, I'm CareMate. I'm here to listen and support you with gentle, practical tips. " +
		"What's on your mind today?\n\nTry this now\n" +
		"• Take a slow breath in for 4, hold 4, out for 6 — twice.\n" +
		"• If it helps, share one feeling in a single sentence."
	ClearGreeting = "I'm here when you're ready. What's on your mind?"
	FallbackReply = "Sorry, the service is busy—please retry in a moment."
)

const (
	defaultHistoryLimit   = 20
	defaultRequestTimeout = 30 * time.Second
	persistTimeout        = 5 * time.Second
)

// Persistence is the storage the orchestrator writes through to.
// persist.Adapter implements it.
type Persistence interface {
	Load(ctx context.Context) ([]domain.Message, bool)
	Preferences(ctx context.Context) domain.Preferences
	Save(ctx context.Context, entries []domain.Message)
	SavePreference(ctx context.Context, name persist.Preference, value bool)
	PurgeTranscript(ctx context.Context)
}

// Config wires an Orchestrator.
type Config struct {
	OwnerID     string
	Responder   responder.Responder
	Persistence Persistence
	// Voice is the initial speech environment; nil means unsupported.
	Voice  voice.Environment
	Locale language.Tag
	// Prompts are the quick prompts; nil uses the built-in set.
	Prompts        []string
	HistoryLimit   int
	RequestTimeout time.Duration
	Clock          transcript.Clock
	Logger         *slog.Logger
	Conversations  convlog.Logger
}

// Orchestrator owns one session. All methods are safe for concurrent use.
type Orchestrator struct {
	id           string
	ownerID      string
	logger       *slog.Logger
	responder    responder.Responder
	persist      Persistence
	processor    *postprocess.Processor
	transcript   *transcript.Store
	capture      *voice.Capture
	playback     *voice.Playback
	convlog      convlog.Logger
	prompts      []string
	historyLimit int
	timeout      time.Duration

	// gate admits at most one outbound request.
	gate *semaphore.Weighted

	// mu orders transcript mutations with their persistence writes and
	// guards the fields below.
	mu       sync.Mutex
	risk     bool
	pending  bool
	settled  chan struct{} // closed once the in-flight request releases the gate
	composer string
	prefs    domain.Preferences

	subMu     sync.RWMutex
	listeners map[int]Listener
	nextSub   int

	lastActive atomic.Int64
}

// New starts a session, restoring the persisted transcript when persistence
// is enabled and one exists, otherwise seeding the greeting.
func New(ctx context.Context, cfg Config) (*Orchestrator, error) {
	if cfg.Responder == nil {
		return nil, errors.New("session: responder is required")
	}
	if cfg.Persistence == nil {
		return nil, errors.New("session: persistence is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Prompts == nil {
		cfg.Prompts = prompts.Defaults()
	}
	if cfg.Conversations == nil {
		cfg.Conversations = convlog.Noop{}
	}

	id := uuid.NewString()
	logger = logger.With("owner_id", cfg.OwnerID, "session_id", id)

	o := &Orchestrator{
		id:           id,
		ownerID:      cfg.OwnerID,
		logger:       logger,
		responder:    cfg.Responder,
		persist:      cfg.Persistence,
		processor:    postprocess.New(logger),
		transcript:   transcript.New(cfg.Clock),
		playback:     voice.NewPlayback(cfg.Voice, cfg.Locale, logger),
		convlog:      cfg.Conversations,
		prompts:      cfg.Prompts,
		historyLimit: cfg.HistoryLimit,
		timeout:      cfg.RequestTimeout,
		gate:         semaphore.NewWeighted(1),
		listeners:    make(map[int]Listener),
	}
	o.capture = voice.NewCapture(voice.CaptureConfig{
		Env:      cfg.Voice,
		Lang:     cfg.Locale,
		OnText:   o.SetComposer,
		OnNotice: o.notice,
		OnState:  func(domain.VoiceState) { o.publishSnapshot(EventVoiceStateChanged) },
		Logger:   logger,
	})

	o.prefs = o.persist.Preferences(ctx)
	restored := false
	if o.prefs.PersistEnabled {
		if entries, ok := o.persist.Load(ctx); ok {
			o.transcript.Restore(entries)
			restored = true
		}
	}
	if !restored {
		o.transcript.Reset(InitialGreeting)
	}
	o.Touch()

	logger.Info("session started",
		"restored", restored,
		"entries", o.transcript.Len(),
		"voice_enabled", o.prefs.VoiceEnabled,
		"persist_enabled", o.prefs.PersistEnabled,
	)
	return o, nil
}

// ID returns the session id.
func (o *Orchestrator) ID() string { return o.id }

// OwnerID returns the device the session belongs to.
func (o *Orchestrator) OwnerID() string { return o.ownerID }

// Send appends text as a user entry and starts the responder request. It
// returns false without side effects when the trimmed text is empty or a
// request is already in flight. The composer is cleared on accept.
func (o *Orchestrator) Send(text string) bool {
	o.Touch()
	content := strings.TrimSpace(text)
	if content == "" {
		return false
	}
	if !o.gate.TryAcquire(1) {
		o.logger.Debug("send rejected, request already in flight")
		return false
	}

	requestID := uuid.NewString()

	o.mu.Lock()
	o.pending = true
	o.settled = make(chan struct{})
	entry := o.transcript.Append(domain.RoleUser, content)
	history := o.transcript.Recent(o.historyLimit)
	composerCleared := o.composer != ""
	o.composer = ""
	o.persistLocked()
	o.mu.Unlock()

	o.logTurn(requestID, "outbound", "user_message", content, map[string]any{"history": len(history)})
	o.publish(Event{Kind: EventEntryAppended, Entry: &entry})
	if composerCleared {
		o.publishSnapshot(EventComposerChanged)
	}
	o.publishSnapshot(EventPendingChanged)

	go o.complete(requestID, history)
	return true
}

// SendComposer submits the current composer buffer.
func (o *Orchestrator) SendComposer() bool {
	return o.Send(o.Composer())
}

// SendPrompt submits the i-th quick prompt.
func (o *Orchestrator) SendPrompt(i int) bool {
	if i < 0 || i >= len(o.prompts) {
		return false
	}
	return o.Send(o.prompts[i])
}

// Prompts returns the quick prompts.
func (o *Orchestrator) Prompts() []string {
	out := make([]string, len(o.prompts))
	copy(out, o.prompts)
	return out
}

// complete runs the responder call and records its outcome. The gate is
// released on every path.
func (o *Orchestrator) complete(requestID string, history []domain.WireMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	started := time.Now()
	reply, err := o.responder.Reply(ctx, history)
	elapsed := time.Since(started)

	var (
		res         postprocess.Result
		riskChanged bool
	)

	o.mu.Lock()
	if err != nil {
		res.Content = FallbackReply
	} else {
		var prior *string
		if last, ok := o.transcript.LastAssistant(); ok {
			prior = &last.Content
		}
		res = o.processor.Process(reply.Reply, prior)
		risk := reply.RiskFlag || res.Risk
		riskChanged = risk != o.risk
		o.risk = risk
	}
	entry := o.transcript.Append(domain.RoleAssistant, res.Content)
	o.persistLocked()
	voiceOn := o.prefs.VoiceEnabled
	o.mu.Unlock()

	if err != nil {
		o.logger.Warn("responder request failed, using fallback reply",
			"request_id", requestID, "error", err, "elapsed", elapsed)
		o.logTurn(requestID, "inbound", "assistant_fallback", entry.Content, map[string]any{"error": err.Error()})
	} else {
		o.logger.Info("responder replied",
			"request_id", requestID,
			"elapsed", elapsed,
			"risk", res.Risk || reply.RiskFlag,
			"suppressed", res.Suppressed,
		)
		o.logTurn(requestID, "inbound", "assistant_message", reply.Reply, map[string]any{
			"risk_flag":     reply.RiskFlag || res.Risk,
			"suppressed":    res.Suppressed,
			"empty_guarded": res.EmptyGuarded,
		})
	}

	o.publish(Event{Kind: EventEntryAppended, Entry: &entry})
	if riskChanged {
		o.publishSnapshot(EventRiskChanged)
	}
	if voiceOn {
		o.speak(entry.Content)
	}

	o.mu.Lock()
	o.pending = false
	settled := o.settled
	o.mu.Unlock()
	o.gate.Release(1)
	close(settled)
	o.publishSnapshot(EventPendingChanged)
}

// Clear cancels playback, resets the transcript to the clear greeting,
// resets risk and purges the saved transcript. An in-flight request is not
// cancelled; its reply is appended to the fresh transcript.
func (o *Orchestrator) Clear() {
	o.Touch()
	o.playback.Cancel()

	o.mu.Lock()
	o.transcript.Reset(ClearGreeting)
	riskChanged := o.risk
	o.risk = false
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	o.persist.PurgeTranscript(ctx)
	cancel()
	voiceOn := o.prefs.VoiceEnabled
	o.mu.Unlock()

	o.logger.Info("transcript cleared")
	o.logTurn("", "internal", "transcript_cleared", "", nil)
	o.publishSnapshot(EventTranscriptReset)
	if riskChanged {
		o.publishSnapshot(EventRiskChanged)
	}
	if voiceOn {
		o.speak(ClearGreeting)
	}
}

// Export renders the transcript as the plain-text export artifact.
func (o *Orchestrator) Export() string {
	o.Touch()
	return o.transcript.Export()
}

// Snapshot returns a consistent view of the session.
func (o *Orchestrator) Snapshot() domain.Snapshot {
	o.mu.Lock()
	snap := domain.Snapshot{
		Transcript:  o.transcript.Entries(),
		Risk:        o.risk,
		Pending:     o.pending,
		Composer:    o.composer,
		Preferences: o.prefs,
	}
	o.mu.Unlock()
	snap.VoiceState = o.capture.State()
	return snap
}

// Risk reports the risk signal of the latest reply.
func (o *Orchestrator) Risk() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.risk
}

// Pending reports whether a request is in flight.
func (o *Orchestrator) Pending() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending
}

// Composer returns the composer buffer.
func (o *Orchestrator) Composer() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.composer
}

// SetComposer overwrites the composer buffer. Recognition updates use the
// same path, so a late recognition result can overwrite typed text.
func (o *Orchestrator) SetComposer(text string) {
	o.Touch()
	o.mu.Lock()
	if o.composer == text {
		o.mu.Unlock()
		return
	}
	o.composer = text
	o.mu.Unlock()
	o.publishSnapshot(EventComposerChanged)
}

// Preferences returns the current preferences.
func (o *Orchestrator) Preferences() domain.Preferences {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.prefs
}

// SetVoiceEnabled toggles playback. Disabling cancels the current utterance;
// enabling speaks the newest entry when it is from the assistant.
func (o *Orchestrator) SetVoiceEnabled(enabled bool) {
	o.Touch()
	o.mu.Lock()
	if o.prefs.VoiceEnabled == enabled {
		o.mu.Unlock()
		return
	}
	o.prefs.VoiceEnabled = enabled
	o.savePreferenceLocked(persist.PrefVoice, enabled)
	last, hasLast := o.transcript.Last()
	o.mu.Unlock()

	o.publishSnapshot(EventPreferencesChanged)
	if !enabled {
		o.playback.Cancel()
		return
	}
	if hasLast && last.Role == domain.RoleAssistant {
		o.speak(last.Content)
	}
}

// SetPersistEnabled toggles transcript write-through. Enabling does not
// write immediately; the next transcript mutation is persisted.
func (o *Orchestrator) SetPersistEnabled(enabled bool) {
	o.Touch()
	o.mu.Lock()
	if o.prefs.PersistEnabled == enabled {
		o.mu.Unlock()
		return
	}
	o.prefs.PersistEnabled = enabled
	o.savePreferenceLocked(persist.PrefPersist, enabled)
	o.mu.Unlock()

	o.publishSnapshot(EventPreferencesChanged)
}

// ToggleMic starts or stops voice capture and returns the resulting state.
func (o *Orchestrator) ToggleMic() domain.VoiceState {
	o.Touch()
	return o.capture.Toggle()
}

// VoiceState returns the capture state.
func (o *Orchestrator) VoiceState() domain.VoiceState {
	return o.capture.State()
}

// AttachVoice swaps the speech environment, e.g. when a browser connects
// and reports its capabilities. Active capture is stopped.
func (o *Orchestrator) AttachVoice(env voice.Environment, locale language.Tag) {
	o.capture.SetEnvironment(env, locale)
	o.playback.SetEnvironment(env, locale)
}

// Subscribe registers l and returns a function that removes it.
func (o *Orchestrator) Subscribe(l Listener) func() {
	o.subMu.Lock()
	id := o.nextSub
	o.nextSub++
	o.listeners[id] = l
	o.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.subMu.Lock()
			delete(o.listeners, id)
			o.subMu.Unlock()
		})
	}
}

// Wait blocks until the request in flight at the time of the call, if any,
// has completed. It never holds the gate, so a concurrent Send is not
// rejected on its account.
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.Lock()
	if !o.pending {
		o.mu.Unlock()
		return nil
	}
	settled := o.settled
	o.mu.Unlock()

	select {
	case <-settled:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for in-flight request: %w", ctx.Err())
	}
}

// LastActive returns the time of the last caller interaction.
func (o *Orchestrator) LastActive() time.Time {
	return time.Unix(0, o.lastActive.Load())
}

// Close stops capture and playback and releases the session's conversation
// log. The session must not be used afterwards.
func (o *Orchestrator) Close() {
	o.capture.Stop()
	o.playback.Cancel()
	o.convlog.CloseSession(o.ownerID, o.id)
	o.logger.Info("session closed")
}

// Touch marks the session as active now.
func (o *Orchestrator) Touch() {
	o.lastActive.Store(time.Now().UnixNano())
}

// persistLocked writes the transcript through when persistence is enabled.
// o.mu must be held.
func (o *Orchestrator) persistLocked() {
	if !o.prefs.PersistEnabled {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	o.persist.Save(ctx, o.transcript.Entries())
}

func (o *Orchestrator) savePreferenceLocked(name persist.Preference, value bool) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	o.persist.SavePreference(ctx, name, value)
}

func (o *Orchestrator) speak(text string) {
	err := o.playback.Speak(text)
	if err != nil && !errors.Is(err, voice.ErrSynthesisUnsupported) {
		o.logger.Warn("playback failed", "error", err)
	}
}

func (o *Orchestrator) notice(msg string) {
	o.publish(Event{Kind: EventNotice, Notice: msg})
}

func (o *Orchestrator) publishSnapshot(kind EventKind) {
	snap := o.Snapshot()
	o.publish(Event{Kind: kind, Snapshot: &snap})
}

func (o *Orchestrator) publish(ev Event) {
	o.subMu.RLock()
	ls := make([]Listener, 0, len(o.listeners))
	for _, l := range o.listeners {
		ls = append(ls, l)
	}
	o.subMu.RUnlock()

	for _, l := range ls {
		l(ev)
	}
}

func (o *Orchestrator) logTurn(requestID, direction, eventType, content string, meta map[string]any) {
	if meta == nil {
		meta = map[string]any{}
	}
	if requestID != "" {
		meta["request_id"] = requestID
	}
	o.convlog.Log(convlog.Event{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		OwnerID:    o.ownerID,
		SessionID:  o.id,
		Channel:    "session",
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: content,
		Content:    convlog.CleanForReadability(content),
		Meta:       meta,
	})
}
