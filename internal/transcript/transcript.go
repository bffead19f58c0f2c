// Package transcript holds the ordered, append-only message log of a session.
package transcript

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/caremate/internal/domain"
)

// ExportTimeLayout renders timestamps like JavaScript's Date.toISOString.
const ExportTimeLayout = "2006-01-02T15:04:05.000Z"

// ExportFileName is the suggested download name for an export.
const ExportFileName = "CareMate-conversation.txt"

// Clock returns the current time.
type Clock func() time.Time

// Store is the single source of truth for what is rendered and exported.
// It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	entries []domain.Message
	now     Clock
}

// New creates an empty store. A nil clock uses time.Now.
func New(now Clock) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{now: now}
}

// Append stamps and appends a new entry and returns it.
// Timestamps never go backwards: a clock reading earlier than the last
// entry is clamped to the last entry's timestamp.
func (s *Store) Append(role domain.Role, content string) domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.now()
	if n := len(s.entries); n > 0 && ts.Before(s.entries[n-1].Timestamp) {
		ts = s.entries[n-1].Timestamp
	}
	msg := domain.Message{Role: role, Content: content, Timestamp: ts}
	s.entries = append(s.entries, msg)
	return msg
}

// Restore replaces the contents with previously persisted entries.
// Entries are taken in order; out-of-order timestamps are clamped.
func (s *Store) Restore(entries []domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make([]domain.Message, 0, len(entries))
	for _, e := range entries {
		if n := len(s.entries); n > 0 && e.Timestamp.Before(s.entries[n-1].Timestamp) {
			e.Timestamp = s.entries[n-1].Timestamp
		}
		s.entries = append(s.entries, e)
	}
}

// Reset discards everything and seeds a single assistant entry.
func (s *Store) Reset(greeting string) domain.Message {
	s.mu.Lock()
	s.entries = nil
	s.mu.Unlock()
	return s.Append(domain.RoleAssistant, greeting)
}

// Entries returns a copy of all entries in insertion order.
func (s *Store) Entries() []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Message, len(s.entries))
	copy(out, s.entries)
	return out
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Last returns the newest entry.
func (s *Store) Last() (domain.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.entries) == 0 {
		return domain.Message{}, false
	}
	return s.entries[len(s.entries)-1], true
}

// LastAssistant returns the most recent assistant entry.
func (s *Store) LastAssistant() (domain.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].Role == domain.RoleAssistant {
			return s.entries[i], true
		}
	}
	return domain.Message{}, false
}

// Recent returns the newest n entries as wire messages. n <= 0 returns all.
func (s *Store) Recent(n int) []domain.WireMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := 0
	if n > 0 && len(s.entries) > n {
		start = len(s.entries) - n
	}
	out := make([]domain.WireMessage, 0, len(s.entries)-start)
	for _, e := range s.entries[start:] {
		out = append(out, e.Wire())
	}
	return out
}

// Export renders the store as plain text.
func (s *Store) Export() string {
	return Export(s.Entries())
}

// Export renders every entry as "[timestamp] ROLE:\ncontent\n", blocks
// separated by a blank line.
func Export(entries []domain.Message) string {
	blocks := make([]string, 0, len(entries))
	for _, e := range entries {
		blocks = append(blocks, fmt.Sprintf("[%s] %s:\n%s\n",
			e.Timestamp.UTC().Format(ExportTimeLayout),
			strings.ToUpper(string(e.Role)),
			e.Content,
		))
	}
	return strings.Join(blocks, "\n")
}

var exportHeader = regexp.MustCompile(`(?m)^\[(\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3}Z)\] (USER|ASSISTANT):\n`)

// ParseExport reads back an export. Content lines that themselves look like
// a block header are not supported.
func ParseExport(text string) ([]domain.Message, error) {
	locs := exportHeader.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		if strings.TrimSpace(text) == "" {
			return nil, nil
		}
		return nil, fmt.Errorf("no export blocks found")
	}
	if locs[0][0] != 0 {
		return nil, fmt.Errorf("unexpected text before first block")
	}

	out := make([]domain.Message, 0, len(locs))
	for i, loc := range locs {
		ts, err := time.Parse(ExportTimeLayout, text[loc[2]:loc[3]])
		if err != nil {
			return nil, fmt.Errorf("parse block %d timestamp: %w", i, err)
		}
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		body := text[loc[1]:end]
		if i+1 < len(locs) {
			body = strings.TrimSuffix(body, "\n")
		}
		body = strings.TrimSuffix(body, "\n")
		out = append(out, domain.Message{
			Role:      domain.Role(strings.ToLower(text[loc[4]:loc[5]])),
			Content:   body,
			Timestamp: ts,
		})
	}
	return out, nil
}
