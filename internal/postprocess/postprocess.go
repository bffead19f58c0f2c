// Package postprocess applies presentation policy to raw responder replies
// before they enter the transcript.
package postprocess

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
)

var (
	metaPattern    = regexp.MustCompile(`(?is)<meta>(.*?)</meta>`)
	headingPattern = regexp.MustCompile(`(?i)\bTry this now\b`)
	bulletPattern  = regexp.MustCompile(`^[-•]\s+`)
)

// Result is a processed reply.
type Result struct {
	Content string
	Risk    bool
	// Suppressed is set when a repeated suggestion block was removed.
	Suppressed bool
	// EmptyGuarded is set when suppression was skipped because it would
	// have left nothing visible.
	EmptyGuarded bool
}

// Processor turns raw replies into transcript content.
type Processor struct {
	logger *slog.Logger
}

// New creates a processor. A nil logger uses slog.Default().
func New(logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{logger: logger}
}

// Process extracts the risk marker and suppresses a suggestion block when the
// immediately preceding assistant entry already carried one. prior is nil
// when there is no earlier assistant entry.
func (p *Processor) Process(raw string, prior *string) Result {
	content, risk := ExtractRisk(raw)
	res := Result{Content: content, Risk: risk}

	if prior == nil || !HasSuggestionBlock(*prior) || !HasSuggestionBlock(content) {
		return res
	}

	clean := beforeHeading(content)
	if clean == "" {
		p.logger.Warn("suggestion suppression would empty reply, keeping block",
			"reply_length", len(content))
		res.EmptyGuarded = true
		return res
	}
	res.Content = clean
	res.Suppressed = true
	return res
}

// ExtractRisk parses and strips the first <meta>{"risk_flag": bool}</meta>
// fragment. Only a JSON boolean sets the flag; a missing, malformed or
// non-boolean marker yields false. When a marker is present the remaining
// content is trimmed.
func ExtractRisk(raw string) (string, bool) {
	loc := metaPattern.FindStringSubmatchIndex(raw)
	if loc == nil {
		return raw, false
	}

	var meta struct {
		RiskFlag *bool `json:"risk_flag"`
	}
	risk := false
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw[loc[2]:loc[3]])), &meta); err == nil && meta.RiskFlag != nil {
		risk = *meta.RiskFlag
	}

	clean := raw[:loc[0]] + raw[loc[1]:]
	return strings.TrimSpace(clean), risk
}

// HasSuggestionBlock reports whether text contains a "Try this now" heading.
func HasSuggestionBlock(text string) bool {
	_, ok := headingIndex(strings.Split(text, "\n"))
	return ok
}

// SplitSuggestions separates a reply into the text before the heading and the
// bullet items under it. items is nil when there is no block or it has no
// bullets.
func SplitSuggestions(text string) (clean string, items []string) {
	lines := strings.Split(text, "\n")
	idx, ok := headingIndex(lines)
	if !ok {
		return strings.TrimSpace(text), nil
	}

	for _, line := range lines[idx+1:] {
		l := strings.TrimSpace(line)
		if bulletPattern.MatchString(l) {
			items = append(items, bulletPattern.ReplaceAllString(l, ""))
			continue
		}
		if l == "" {
			continue
		}
		break
	}
	return strings.TrimSpace(strings.Join(lines[:idx], "\n")), items
}

func beforeHeading(text string) string {
	clean, _ := SplitSuggestions(text)
	return clean
}

func headingIndex(lines []string) (int, bool) {
	for i, l := range lines {
		if headingPattern.MatchString(l) {
			return i, true
		}
	}
	return -1, false
}
