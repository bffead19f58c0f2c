// Package convlog writes conversation events as NDJSON, one file per owner
// session plus an optional global stream.
package convlog

import (
	"container/list"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"
)

// Config controls conversation logging.
type Config struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
	// MaxOpenFiles bounds the per-session handles kept open. The least
	// recently written file is closed first and reopened on demand.
	MaxOpenFiles int
}

const defaultMaxOpenFiles = 64

// Event is one logged conversation record.
type Event struct {
	Timestamp  string         `json:"timestamp"`
	OwnerID    string         `json:"owner_id"`
	SessionID  string         `json:"session_id"`
	Channel    string         `json:"channel"`
	Direction  string         `json:"direction"`
	EventType  string         `json:"event_type"`
	ContentRaw string         `json:"content_raw"`
	Content    string         `json:"content"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Logger accepts events without blocking the caller.
type Logger interface {
	Log(Event)
	// CloseSession releases resources held for one owner session once
	// its pending events are written.
	CloseSession(ownerID, sessionID string)
	Close() error
}

// Noop discards every event.
type Noop struct{}

// Log implements Logger.
func (Noop) Log(Event) {}

// CloseSession implements Logger.
func (Noop) CloseSession(string, string) {}

// Close implements Logger.
func (Noop) Close() error { return nil }

// op is one unit of work for the writer goroutine: an event to append, a
// session whose handle should be released, or a flush marker.
type op struct {
	ev      *Event
	release string
	flushed chan struct{}
}

type fileLogger struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	closed  bool
	queue   chan op
	done    chan struct{}
	dropped int

	// owned by run
	files  *handleCache
	global *os.File
}

// New returns a Logger for cfg. A disabled config yields Noop.
func New(cfg Config, logger *slog.Logger) (Logger, error) {
	if !cfg.Enabled {
		return Noop{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.MaxOpenFiles <= 0 {
		cfg.MaxOpenFiles = defaultMaxOpenFiles
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create conversation log dir: %w", err)
	}
	if cfg.GlobalEnabled {
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0o750); err != nil {
			return nil, fmt.Errorf("create global conversation log dir: %w", err)
		}
	}

	l := &fileLogger{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan op, cfg.QueueSize),
		done:   make(chan struct{}),
		files:  newHandleCache(cfg.MaxOpenFiles),
	}
	go l.run()
	return l, nil
}

// Log enqueues ev, dropping it when the queue is full.
func (l *fileLogger) Log(ev Event) {
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if ev.Content == "" {
		ev.Content = CleanForReadability(ev.ContentRaw)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- op{ev: &ev}:
	default:
		l.dropped++
		if l.dropped == 1 || l.dropped%100 == 0 {
			l.logger.Warn("conversation log queue full, dropping events", "dropped", l.dropped)
		}
	}
}

// CloseSession queues the release of the session's file handle behind its
// pending events. When the queue is full the release is skipped; the handle
// cache still bounds what stays open.
func (l *fileLogger) CloseSession(ownerID, sessionID string) {
	path := l.sessionPath(ownerID, sessionID)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- op{release: path}:
	default:
	}
}

// flush blocks until every op queued before it has been handled.
func (l *fileLogger) flush() {
	ch := make(chan struct{})
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.queue <- op{flushed: ch}
	l.mu.Unlock()
	<-ch
}

// Close drains the queue and closes every open file.
func (l *fileLogger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	<-l.done

	err := l.files.closeAll()
	if l.global != nil {
		if closeErr := l.global.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", l.cfg.GlobalPath, closeErr)
		}
	}
	return err
}

func (l *fileLogger) run() {
	defer close(l.done)
	for o := range l.queue {
		switch {
		case o.flushed != nil:
			close(o.flushed)
		case o.release != "":
			if err := l.files.release(o.release); err != nil {
				l.logger.Warn("failed to close conversation log", "path", o.release, "error", err)
			}
		case o.ev != nil:
			l.writeEvent(*o.ev)
		}
	}
}

func (l *fileLogger) writeEvent(ev Event) {
	line, err := json.Marshal(ev)
	if err != nil {
		l.logger.Warn("failed to encode conversation event", "error", err)
		return
	}
	line = append(line, '\n')

	path := l.sessionPath(ev.OwnerID, ev.SessionID)
	if f, err := l.files.get(path); err != nil {
		l.logger.Warn("failed to open conversation log", "path", path, "error", err)
	} else if _, err := f.Write(line); err != nil {
		l.logger.Warn("failed to write conversation log", "path", path, "error", err)
	}

	if !l.cfg.GlobalEnabled {
		return
	}
	if l.global == nil {
		f, err := openAppend(l.cfg.GlobalPath)
		if err != nil {
			l.logger.Warn("failed to open global conversation log", "path", l.cfg.GlobalPath, "error", err)
			return
		}
		l.global = f
	}
	if _, err := l.global.Write(line); err != nil {
		l.logger.Warn("failed to write global conversation log", "error", err)
	}
}

func (l *fileLogger) sessionPath(ownerID, sessionID string) string {
	owner := safeComponent(ownerID, "anonymous")
	session := safeComponent(sessionID, "default")
	return filepath.Join(l.cfg.Dir, owner, session+".ndjson")
}

func openAppend(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640) //nolint:gosec // path is built from sanitized components
}

// handleCache keeps at most max append handles open, closing the least
// recently used one when a new file is opened. Not safe for concurrent use.
type handleCache struct {
	max   int
	order *list.List // front is most recently used
	byKey map[string]*list.Element
}

type openFile struct {
	path string
	f    *os.File
}

func newHandleCache(limit int) *handleCache {
	return &handleCache{max: limit, order: list.New(), byKey: make(map[string]*list.Element)}
}

func (c *handleCache) get(path string) (*os.File, error) {
	if el, ok := c.byKey[path]; ok {
		c.order.MoveToFront(el)
		return el.Value.(*openFile).f, nil
	}
	f, err := openAppend(path)
	if err != nil {
		return nil, err
	}
	c.byKey[path] = c.order.PushFront(&openFile{path: path, f: f})
	for c.order.Len() > c.max {
		oldest := c.order.Back().Value.(*openFile)
		// Eviction only closes the handle; a later write reopens in append mode.
		_ = c.release(oldest.path)
	}
	return f, nil
}

func (c *handleCache) release(path string) error {
	el, ok := c.byKey[path]
	if !ok {
		return nil
	}
	c.order.Remove(el)
	delete(c.byKey, path)
	return el.Value.(*openFile).f.Close()
}

func (c *handleCache) len() int { return c.order.Len() }

func (c *handleCache) closeAll() error {
	var firstErr error
	for path := range c.byKey {
		if err := c.release(path); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", path, err)
		}
	}
	return firstErr
}

// safeComponent keeps ids usable as a single path element.
func safeComponent(s, fallback string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			return r
		}
		return '_'
	}, s)
	if s == "" {
		return fallback
	}
	return s
}

var (
	ansiPattern  = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	metaPattern  = regexp.MustCompile(`(?is)<meta>.*?</meta>`)
	spacePattern = regexp.MustCompile(`[ \t]+`)
)

// CleanForReadability strips escape sequences, meta fragments and stray
// control characters so logs read as plain text.
func CleanForReadability(raw string) string {
	s := ansiPattern.ReplaceAllString(raw, "")
	s = metaPattern.ReplaceAllString(s, "")
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || !unicode.IsControl(r) {
			return r
		}
		return -1
	}, s)
	s = spacePattern.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
